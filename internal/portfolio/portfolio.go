// Package portfolio joins reconstructed history and yield attribution onto a wallet's
// live positions.
package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-sql/civil"
	"go.uber.org/zap"

	"lendfolio/internal/balance"
	"lendfolio/internal/domain"
	"lendfolio/internal/lookup"
	"lendfolio/internal/replay"
	"lendfolio/internal/snapshot"
	"lendfolio/internal/yield"
)

// DefaultHistoryDays is the history window when none is configured.
const DefaultHistoryDays = 30

// PositionReport is one live reserve position with its history and attribution.
type PositionReport struct {
	Key     domain.PositionKey      `json:"key"`
	Live    domain.PositionSnapshot `json:"live"`
	History []domain.DailyBalance   `json:"history"`
	Supply  yield.Breakdown         `json:"supply"`
	Borrow  yield.BorrowBreakdown   `json:"borrow"`
	Period  *yield.PeriodBreakdown  `json:"period,omitempty"`
	Flows   []domain.Flow           `json:"flows"`
}

// BackstopReport is one live backstop position with its history and attribution.
// Token quantities are LP tokens.
type BackstopReport struct {
	Key     domain.PositionKey              `json:"key"`
	Live    domain.BackstopPositionSnapshot `json:"live"`
	History []domain.DailyBackstopBalance   `json:"history"`
	Yield   yield.Breakdown                 `json:"yield"`
}

// Report is the full view of a wallet.
type Report struct {
	Wallet      string                 `json:"wallet"`
	GeneratedAt time.Time              `json:"generatedAt"`
	Snapshot    *domain.WalletSnapshot `json:"snapshot"`
	Positions   []PositionReport       `json:"positions"`
	Backstops   []BackstopReport       `json:"backstops"`
	Activity    []ActivityItem         `json:"activity"`
}

// Service builds wallet reports.
type Service struct {
	balances  *balance.Engine
	snapshots *snapshot.Aggregator
	prices    *lookup.Resolver
	replay    *replay.Runner
	loc       *time.Location
	days      int
	lpToken   string
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLocation sets the time zone for day boundaries and "today".
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithHistoryDays sets the history window.
func WithHistoryDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.days = days
		}
	}
}

// WithBackstopPriceToken sets the token key of the backstop LP price series.
func WithBackstopPriceToken(token string) Option {
	return func(s *Service) {
		if token != "" {
			s.lpToken = token
		}
	}
}

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a report service.
func NewService(balances *balance.Engine, snapshots *snapshot.Aggregator, prices *lookup.Resolver, runner *replay.Runner, opts ...Option) *Service {
	s := &Service{
		balances:  balances,
		snapshots: snapshots,
		prices:    prices,
		replay:    runner,
		loc:       time.UTC,
		days:      DefaultHistoryDays,
		lpToken:   domain.BackstopAsset,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("portfolio")
	return s
}

// Report builds the live snapshot for wallet across poolIDs and attaches history,
// attribution and activity to every live position. With no poolIDs, the pools the
// wallet has backstop history in are used.
func (s *Service) Report(ctx context.Context, wallet string, poolIDs []string) (*Report, error) {
	now := s.now()
	today := civil.DateOf(now.In(s.loc))

	if len(poolIDs) == 0 && wallet != "" {
		discovered, err := s.replay.BackstopPools(ctx, wallet, now)
		if err != nil {
			return nil, fmt.Errorf("discover pools: %w", err)
		}
		s.logger.Debug("pools discovered from backstop history",
			zap.String("wallet", wallet),
			zap.Strings("pools", discovered))
		poolIDs = discovered
	}

	snap, err := s.snapshots.Snapshot(ctx, wallet, poolIDs)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	report := &Report{Wallet: wallet, GeneratedAt: now, Snapshot: snap}

	histories := make(map[domain.PositionKey][]domain.DailyBalance)
	flows := make(map[domain.PositionKey][]domain.Flow)
	loaded := make(map[string]bool)
	for _, p := range snap.Positions {
		if loaded[p.Asset] {
			continue
		}
		loaded[p.Asset] = true
		if err := s.loadAsset(ctx, wallet, p.Asset, histories, flows); err != nil {
			return nil, err
		}
	}

	for _, p := range snap.Positions {
		key := p.Key()
		pr, err := s.positionReport(ctx, p, histories[key], flows[key], today)
		if err != nil {
			return nil, err
		}
		report.Positions = append(report.Positions, pr)
	}

	for _, b := range snap.Backstops {
		br, err := s.backstopReport(ctx, wallet, b, today)
		if err != nil {
			return nil, err
		}
		report.Backstops = append(report.Backstops, br)
	}

	activity, err := s.Activity(ctx, wallet, snap.PoolIDs)
	if err != nil {
		return nil, err
	}
	report.Activity = activity

	s.logger.Debug("report built",
		zap.String("wallet", wallet),
		zap.Int("positions", len(report.Positions)),
		zap.Int("backstops", len(report.Backstops)),
		zap.Int("activity", len(report.Activity)))
	return report, nil
}

// loadAsset loads the history and priced flows for one asset, grouped by position key.
func (s *Service) loadAsset(ctx context.Context, wallet, asset string,
	histories map[domain.PositionKey][]domain.DailyBalance, flows map[domain.PositionKey][]domain.Flow) error {
	hist, err := s.balances.History(ctx, balance.Request{User: wallet, Asset: asset, Days: s.days, Location: s.loc})
	if err != nil {
		return fmt.Errorf("history %s: %w", asset, err)
	}
	for _, row := range hist.History {
		key := domain.PositionKey{PoolID: row.PoolID, Asset: asset}
		histories[key] = append(histories[key], row)
	}

	fs, err := s.balances.Flows(ctx, wallet, asset, s.loc)
	if err != nil {
		return fmt.Errorf("flows %s: %w", asset, err)
	}
	if err := s.priceFlows(ctx, asset, fs); err != nil {
		return err
	}
	for _, f := range fs {
		key := domain.PositionKey{PoolID: f.PoolID, Asset: asset}
		flows[key] = append(flows[key], f)
	}
	return nil
}

// priceFlows fills PriceUSD on every flow from the price series of token.
func (s *Service) priceFlows(ctx context.Context, token string, flows []domain.Flow) error {
	byDate := make(map[civil.Date]float64)
	for i := range flows {
		d := flows[i].Date
		p, ok := byDate[d]
		if !ok {
			q, err := s.prices.Price(ctx, token, d)
			if err != nil {
				return fmt.Errorf("price flows %s: %w", token, err)
			}
			p = q.USDPrice
			byDate[d] = p
		}
		flows[i].PriceUSD = p
	}
	return nil
}

func (s *Service) positionReport(ctx context.Context, live domain.PositionSnapshot, history []domain.DailyBalance,
	flows []domain.Flow, today civil.Date) (PositionReport, error) {
	in := splitFlows(flows)
	supplied := live.Supply + live.Collateral

	pr := PositionReport{
		Key:     live.Key(),
		Live:    live,
		History: history,
		Flows:   flows,
		Supply: yield.AllTime(yield.Input{
			CurrentBalance: supplied,
			CurrentPrice:   live.PriceUSD,
			Deposits:       in[domain.FlowDeposit],
			Withdrawals:    in[domain.FlowWithdraw],
			Today:          today,
		}),
		Borrow: yield.Borrow(yield.BorrowInput{
			CurrentDebt:  live.Borrow,
			CurrentPrice: live.PriceUSD,
			Borrows:      in[domain.FlowBorrow],
			Repays:       in[domain.FlowRepay],
			Today:        today,
		}),
	}

	if len(history) > 0 {
		first := history[0]
		q, err := s.prices.Price(ctx, live.Asset, first.Date)
		if err != nil {
			return PositionReport{}, fmt.Errorf("period start price %s: %w", live.Asset, err)
		}
		period := yield.Period(first.SupplyBalance+first.CollateralBalance, q.USDPrice, supplied, live.PriceUSD)
		pr.Period = &period
	}
	return pr, nil
}

func (s *Service) backstopReport(ctx context.Context, wallet string, live domain.BackstopPositionSnapshot, today civil.Date) (BackstopReport, error) {
	hist, err := s.balances.BackstopHistory(ctx, balance.Request{User: wallet, PoolID: live.PoolID, Days: s.days, Location: s.loc})
	if err != nil {
		return BackstopReport{}, fmt.Errorf("backstop history %s: %w", live.PoolID, err)
	}
	fs, err := s.balances.BackstopFlows(ctx, wallet, live.PoolID, s.loc)
	if err != nil {
		return BackstopReport{}, fmt.Errorf("backstop flows %s: %w", live.PoolID, err)
	}
	if err := s.priceFlows(ctx, s.lpToken, fs); err != nil {
		return BackstopReport{}, err
	}

	in := splitFlows(fs)
	return BackstopReport{
		Key:     live.Key(),
		Live:    live,
		History: hist.History,
		Yield: yield.AllTime(yield.Input{
			CurrentBalance: live.LPTokens + live.Q4WLPTokens,
			CurrentPrice:   live.LPTokenPrice,
			Deposits:       in[domain.FlowDeposit],
			Withdrawals:    in[domain.FlowWithdraw],
			Today:          today,
		}),
	}, nil
}

func splitFlows(flows []domain.Flow) map[domain.FlowKind][]domain.Flow {
	out := make(map[domain.FlowKind][]domain.Flow, 4)
	for _, f := range flows {
		out[f.Kind] = append(out[f.Kind], f)
	}
	return out
}
