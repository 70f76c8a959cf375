package balance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/golang-sql/civil"
	"go.uber.org/zap"

	"lendfolio/internal/domain"
	"lendfolio/internal/lookup"
	"lendfolio/internal/observability"
	"lendfolio/internal/storage"
)

// Request selects one user's history for an asset, or for a backstop when PoolID is set.
type Request struct {
	User     string
	Asset    string
	PoolID   string
	Days     int
	Location *time.Location // day boundaries and "today"; nil means UTC
}

// Engine reconstructs daily balance histories from the event stores.
type Engine struct {
	pools     storage.PoolEventStore
	backstops storage.BackstopEventStore
	rates     *lookup.Resolver
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for "today".
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a reconstruction engine.
func NewEngine(pools storage.PoolEventStore, backstops storage.BackstopEventStore, rates *lookup.Resolver, opts ...Option) *Engine {
	e := &Engine{
		pools:     pools,
		backstops: backstops,
		rates:     rates,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("balance")
	return e
}

func (r Request) location() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// History builds the dense daily balance series for (user, asset) across every pool
// the user touched. An empty event set yields an empty history.
func (e *Engine) History(ctx context.Context, req Request) (*domain.BalanceHistory, error) {
	out := &domain.BalanceHistory{UserAddress: req.User, AssetAddress: req.Asset}
	if req.User == "" || req.Asset == "" || req.Days <= 0 {
		return out, nil
	}
	started := time.Now()
	loc := req.location()
	now := e.now()
	today := civil.DateOf(now.In(loc))

	events, err := e.pools.GetByUserAsset(ctx, req.User, req.Asset, now)
	if err != nil {
		return nil, fmt.Errorf("load events for %s/%s: %w", req.User, req.Asset, err)
	}

	first, ok := FirstActivity(events, req.User, req.Asset, loc)
	if !ok {
		return out, nil
	}
	out.FirstEventDate = &first

	start := today.AddDays(-req.Days)
	if first.After(start) {
		start = first
	}

	series, err := e.rateSeries(ctx, poolIDs(events), req.Asset, first, today)
	if err != nil {
		return nil, err
	}
	rateAt := func(poolID string, day civil.Date) domain.RateQuote {
		return series[poolID].At(day)
	}

	deltas, err := PoolDeltas(events, req.User, req.Asset, loc, rateAt)
	if err != nil {
		return nil, err
	}
	snaps, err := NewLedger[Totals]().Apply(deltas)
	if err != nil {
		return nil, err
	}

	SampleDaily(poolIDs(events), snaps, loc, start, today, func(poolID string, day civil.Date, t Totals) {
		out.History = append(out.History, buildDaily(poolID, day, t, rateAt(poolID, day)))
	})
	sortDaily(out.History)

	observability.RecordEventsReplayed("pool", len(events))
	observability.RecordHistoryBuild("pool", time.Since(started).Seconds())
	e.logger.Debug("balance history built",
		zap.String("user", req.User),
		zap.String("asset", req.Asset),
		zap.Int("events", len(events)),
		zap.Int("rows", len(out.History)))

	return out, nil
}

// BackstopHistory builds the dense daily backstop series for (user, pool).
func (e *Engine) BackstopHistory(ctx context.Context, req Request) (*domain.BackstopHistory, error) {
	out := &domain.BackstopHistory{UserAddress: req.User, PoolID: req.PoolID}
	if req.User == "" || req.PoolID == "" || req.Days <= 0 {
		return out, nil
	}
	started := time.Now()
	loc := req.location()
	now := e.now()
	today := civil.DateOf(now.In(loc))

	events, err := e.backstops.GetByUserPool(ctx, req.User, req.PoolID, now)
	if err != nil {
		return nil, fmt.Errorf("load backstop events for %s/%s: %w", req.User, req.PoolID, err)
	}
	if len(events) == 0 {
		return out, nil
	}

	first := civil.DateOf(events[0].ClosedAt.In(loc))
	out.FirstEventDate = &first
	start := today.AddDays(-req.Days)
	if first.After(start) {
		start = first
	}

	shareRates, err := e.rates.RateSeries(ctx, req.PoolID, domain.BackstopAsset, start, today)
	if err != nil {
		return nil, err
	}

	deltas, err := BackstopDeltas(events)
	if err != nil {
		return nil, err
	}
	snaps, err := NewLedger[BackstopTotals]().Apply(deltas)
	if err != nil {
		return nil, err
	}

	SampleDaily([]string{req.PoolID}, snaps, loc, start, today, func(poolID string, day civil.Date, t BackstopTotals) {
		out.History = append(out.History, buildDailyBackstop(poolID, day, t, shareRates.At(day).BRate))
	})

	observability.RecordEventsReplayed("backstop", len(events))
	observability.RecordHistoryBuild("backstop", time.Since(started).Seconds())
	return out, nil
}

// Flows returns the dated deposit, withdrawal, borrow and repay flows for (user, asset),
// in underlying units, for cost-basis accounting. Prices are left for the caller.
func (e *Engine) Flows(ctx context.Context, user, asset string, loc *time.Location) ([]domain.Flow, error) {
	if user == "" || asset == "" {
		return nil, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	now := e.now()

	events, err := e.pools.GetByUserAsset(ctx, user, asset, now)
	if err != nil {
		return nil, fmt.Errorf("load events for %s/%s: %w", user, asset, err)
	}
	first, ok := FirstActivity(events, user, asset, loc)
	if !ok {
		return nil, nil
	}

	series, err := e.rateSeries(ctx, poolIDs(events), asset, first, civil.DateOf(now.In(loc)))
	if err != nil {
		return nil, err
	}
	deltas, err := PoolDeltas(events, user, asset, loc, func(poolID string, day civil.Date) domain.RateQuote {
		return series[poolID].At(day)
	})
	if err != nil {
		return nil, err
	}
	return FlowsFromDeltas(deltas, asset, loc), nil
}

// BackstopFlows returns LP-token deposit and withdrawal flows for (user, pool).
func (e *Engine) BackstopFlows(ctx context.Context, user, poolID string, loc *time.Location) ([]domain.Flow, error) {
	if user == "" || poolID == "" {
		return nil, nil
	}
	if loc == nil {
		loc = time.UTC
	}

	events, err := e.backstops.GetByUserPool(ctx, user, poolID, e.now())
	if err != nil {
		return nil, fmt.Errorf("load backstop events for %s/%s: %w", user, poolID, err)
	}
	deltas, err := BackstopDeltas(events)
	if err != nil {
		return nil, err
	}

	var flows []domain.Flow
	for _, d := range deltas {
		at := d.Key.ClosedAt
		day := civil.DateOf(at.In(loc))
		if d.Change.Deposits > 0 {
			flows = append(flows, domain.Flow{Kind: domain.FlowDeposit, PoolID: d.PoolID, Asset: domain.BackstopAsset, Date: day, At: at, Tokens: d.Change.Deposits})
		}
		if d.Change.Withdrawals > 0 {
			flows = append(flows, domain.Flow{Kind: domain.FlowWithdraw, PoolID: d.PoolID, Asset: domain.BackstopAsset, Date: day, At: at, Tokens: d.Change.Withdrawals})
		}
	}
	return flows, nil
}

func (e *Engine) rateSeries(ctx context.Context, pools []string, asset string, start, end civil.Date) (map[string]lookup.RateSeries, error) {
	series := make(map[string]lookup.RateSeries, len(pools))
	for _, p := range pools {
		s, err := e.rates.RateSeries(ctx, p, asset, start, end)
		if err != nil {
			return nil, err
		}
		series[p] = s
	}
	return series, nil
}

// FirstActivity returns the day of the user's earliest activity in asset across direct
// actions and both auction legs, from either the liquidated user's or the filler's side.
func FirstActivity(events []*domain.PoolEvent, user, asset string, loc *time.Location) (civil.Date, bool) {
	var first *domain.PoolEvent
	for _, ev := range events {
		if !IsActivity(ev, user, asset) {
			continue
		}
		if first == nil || ev.Key().Compare(first.Key()) < 0 {
			first = ev
		}
	}
	if first == nil {
		return civil.Date{}, false
	}
	return civil.DateOf(first.ClosedAt.In(loc)), true
}

// PoolDeltas converts ordered events into ledger deltas, one per balance-moving event.
func PoolDeltas(events []*domain.PoolEvent, user, asset string, loc *time.Location, rates RateLookup) ([]Delta[Totals], error) {
	deltas := make([]Delta[Totals], 0, len(events))
	for _, ev := range events {
		d, ok, err := PoolDelta(ev, user, asset, civil.DateOf(ev.ClosedAt.In(loc)), rates)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		deltas = append(deltas, Delta[Totals]{PoolID: ev.PoolID, Key: ev.Key(), Change: d})
	}
	return deltas, nil
}

// BackstopDeltas converts ordered backstop events into ledger deltas.
func BackstopDeltas(events []*domain.BackstopEvent) ([]Delta[BackstopTotals], error) {
	deltas := make([]Delta[BackstopTotals], 0, len(events))
	for _, ev := range events {
		d, ok, err := BackstopDelta(ev)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		deltas = append(deltas, Delta[BackstopTotals]{PoolID: ev.PoolID, Key: ev.Key(), Change: d})
	}
	return deltas, nil
}

// FlowsFromDeltas splits deltas into one flow per non-zero gross movement.
func FlowsFromDeltas(deltas []Delta[Totals], asset string, loc *time.Location) []domain.Flow {
	var flows []domain.Flow
	add := func(kind domain.FlowKind, d Delta[Totals], tokens float64) {
		if tokens <= 0 {
			return
		}
		at := d.Key.ClosedAt
		flows = append(flows, domain.Flow{
			Kind:   kind,
			PoolID: d.PoolID,
			Asset:  asset,
			Date:   civil.DateOf(at.In(loc)),
			At:     at,
			Tokens: tokens,
		})
	}
	for _, d := range deltas {
		add(domain.FlowDeposit, d, d.Change.Deposits)
		add(domain.FlowWithdraw, d, d.Change.Withdrawals)
		add(domain.FlowBorrow, d, d.Change.Borrows)
		add(domain.FlowRepay, d, d.Change.Repays)
	}
	return flows
}

func buildDaily(poolID string, day civil.Date, t Totals, rate domain.RateQuote) domain.DailyBalance {
	b := domain.DailyBalance{
		PoolID:            poolID,
		Date:              day,
		SupplyBTokens:     nonNegative(t.Supply),
		CollateralBTokens: nonNegative(t.Collateral),
		LiabilityDTokens:  nonNegative(t.Liability),
		TotalDeposits:     t.Deposits,
		TotalWithdrawals:  t.Withdrawals,
		TotalBorrows:      t.Borrows,
		TotalRepays:       t.Repays,
		BRate:             rate.BRate,
		DRate:             rate.DRate,
	}
	b.SupplyBalance = b.SupplyBTokens * rate.BRate
	b.CollateralBalance = b.CollateralBTokens * rate.BRate
	b.DebtBalance = b.LiabilityDTokens * rate.DRate

	b.CostBasis = nonNegative(t.Deposits - t.Withdrawals)
	b.BorrowCostBasis = nonNegative(t.Borrows - t.Repays)
	b.TotalYield = nonNegative(b.SupplyBalance + b.CollateralBalance - b.CostBasis)
	// Negative when debt revalues below what was borrowed; only skew noise is dropped.
	b.TotalInterestAccrued = domain.Clean(b.DebtBalance - b.BorrowCostBasis)
	return b
}

func buildDailyBackstop(poolID string, day civil.Date, t BackstopTotals, shareRate float64) domain.DailyBackstopBalance {
	b := domain.DailyBackstopBalance{
		PoolID:           poolID,
		Date:             day,
		Shares:           nonNegative(t.Shares),
		QueuedShares:     nonNegative(t.Queued),
		ShareRate:        shareRate,
		TotalDeposits:    t.Deposits,
		TotalWithdrawals: t.Withdrawals,
	}
	b.LPTokens = b.Shares * shareRate
	b.CostBasis = nonNegative(t.Deposits - t.Withdrawals)
	b.TotalYield = nonNegative(b.LPTokens - b.CostBasis)
	return b
}

// nonNegative clamps sub-epsilon noise and negative artifacts to zero.
func nonNegative(x float64) float64 {
	x = domain.Clean(x)
	if x < 0 {
		return 0
	}
	return x
}

func poolIDs(events []*domain.PoolEvent) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, ev := range events {
		if !seen[ev.PoolID] {
			seen[ev.PoolID] = true
			ids = append(ids, ev.PoolID)
		}
	}
	sort.Strings(ids)
	return ids
}

func sortDaily(rows []domain.DailyBalance) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Date != rows[j].Date {
			return rows[i].Date.Before(rows[j].Date)
		}
		return rows[i].PoolID < rows[j].PoolID
	})
}
