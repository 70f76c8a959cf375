// Package snapshot builds the live view of a wallet's positions from protocol state.
//
// Per-pool loads run concurrently. A pool whose pool, position, oracle, price,
// metadata or backstop load fails is excluded from the snapshot and recorded in
// WalletSnapshot.Excluded; the snapshot itself only fails when the request
// context is done.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lendfolio/internal/domain"
	"lendfolio/internal/observability"
	"lendfolio/internal/protocol"
)

// Load stages recorded on excluded pools.
const (
	StagePool     = "pool"
	StagePosition = "position"
	StageOracle   = "oracle"
	StagePrice    = "price"
	StageMetadata = "metadata"
	StageBackstop = "backstop"
)

// DefaultConcurrency bounds the number of pools loaded at once.
const DefaultConcurrency = 8

// DefaultBuildTimeout bounds a shared snapshot computation once it is detached from
// the caller that started it.
const DefaultBuildTimeout = 30 * time.Second

// stablePrice is assumed for the backstop LP's USDC leg when the oracle has no quote.
const stablePrice = 1.0

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string {
	return e.stage + ": " + e.err.Error()
}

func (e *stageError) Unwrap() error {
	return e.err
}

func failAt(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

// Aggregator builds wallet snapshots from live protocol state.
type Aggregator struct {
	client       protocol.Client
	caches       *Caches
	dedup        *Dedup
	now          func() time.Time
	logger       *zap.Logger
	tracked      []string
	concurrency  int
	buildTimeout time.Duration
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the clock used for cache TTLs, emission accrual and Q4W unlock times.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithCaches injects caches, typically shared across aggregators or pre-warmed in tests.
func WithCaches(c *Caches) Option {
	return func(a *Aggregator) {
		a.caches = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithTrackedPools sets the pools consulted by LivePrice.
func WithTrackedPools(ids ...string) Option {
	return func(a *Aggregator) {
		a.tracked = append([]string(nil), ids...)
	}
}

// WithConcurrency bounds concurrent pool loads.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithBuildTimeout bounds each shared snapshot computation.
func WithBuildTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.buildTimeout = d
		}
	}
}

// NewAggregator creates an aggregator over a protocol client.
func NewAggregator(client protocol.Client, opts ...Option) *Aggregator {
	a := &Aggregator{
		client:       client,
		dedup:        &Dedup{},
		now:          time.Now,
		logger:       zap.NewNop(),
		concurrency:  DefaultConcurrency,
		buildTimeout: DefaultBuildTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.caches == nil {
		a.caches = NewCaches(DefaultPoolTTL, DefaultMetadataTTL, a.now)
	}
	a.logger = a.logger.Named("snapshot")
	return a
}

// Snapshot returns the live view of wallet across poolIDs. Concurrent calls for the
// same wallet and pool set share one computation and receive the same snapshot,
// which callers must treat as read-only.
// An empty wallet or pool set yields an empty snapshot.
func (a *Aggregator) Snapshot(ctx context.Context, wallet string, poolIDs []string) (*domain.WalletSnapshot, error) {
	pools := normalizePools(poolIDs)
	if wallet == "" || len(pools) == 0 {
		return &domain.WalletSnapshot{Wallet: wallet, PoolIDs: pools, TakenAt: a.now()}, nil
	}

	snap, _, err := a.dedup.Do(ctx, wallet, pools, func() (*domain.WalletSnapshot, error) {
		// Other callers may be waiting on this computation.
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.buildTimeout)
		defer cancel()
		return a.build(buildCtx, wallet, pools)
	})
	return snap, err
}

type poolResult struct {
	positions []domain.PositionSnapshot
	summary   domain.PoolSummary
	backstop  *domain.BackstopPositionSnapshot
	claimable float64 // BLND across supply, borrow and backstop programs
	blndPrice float64
	failure   *domain.PoolFailure
}

func (a *Aggregator) build(ctx context.Context, wallet string, pools []string) (*domain.WalletSnapshot, error) {
	start := time.Now()
	now := a.now()

	results := make([]*poolResult, len(pools))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, id := range pools {
		g.Go(func() error {
			results[i] = a.loadPool(ctx, wallet, id, now)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		observability.RecordSnapshot("error", time.Since(start).Seconds(), now.Unix())
		return nil, fmt.Errorf("snapshot %s: %w", wallet, err)
	}

	snap := &domain.WalletSnapshot{Wallet: wallet, PoolIDs: pools, TakenAt: now}
	var claimable, claimableUSD float64
	for _, r := range results {
		if r.failure != nil {
			snap.Excluded = append(snap.Excluded, *r.failure)
			continue
		}
		snap.Positions = append(snap.Positions, r.positions...)
		snap.Pools = append(snap.Pools, r.summary)
		if r.backstop != nil {
			snap.Backstops = append(snap.Backstops, *r.backstop)
		}
		claimable += r.claimable
		claimableUSD += r.claimable * r.blndPrice
	}
	snap.Totals = walletTotals(snap, claimable, claimableUSD)

	status := "ok"
	if len(snap.Excluded) > 0 {
		status = "partial"
	}
	observability.RecordSnapshot(status, time.Since(start).Seconds(), now.Unix())
	a.logger.Debug("snapshot built",
		zap.String("wallet", wallet),
		zap.Int("pools", len(snap.Pools)),
		zap.Int("excluded", len(snap.Excluded)),
		zap.Duration("took", time.Since(start)),
	)
	return snap, nil
}

// loadPool never fails; load errors become an exclusion.
func (a *Aggregator) loadPool(ctx context.Context, wallet, poolID string, now time.Time) *poolResult {
	res, err := a.buildPool(ctx, wallet, poolID, now)
	if err == nil {
		return res
	}

	stage := StagePool
	var se *stageError
	if errors.As(err, &se) {
		stage = se.stage
	}
	a.logger.Warn("pool excluded from snapshot",
		zap.String("pool", poolID),
		zap.String("stage", stage),
		zap.Error(err),
	)
	observability.RecordPoolExcluded(stage)
	return &poolResult{failure: &domain.PoolFailure{PoolID: poolID, Stage: stage, Err: err.Error()}}
}

func (a *Aggregator) buildPool(ctx context.Context, wallet, poolID string, now time.Time) (*poolResult, error) {
	pool, err := a.pool(ctx, poolID)
	if err != nil {
		return nil, failAt(StagePool, err)
	}

	var (
		pos      *protocol.UserPosition
		decimals int32
		bp       *protocol.BackstopPool
		ub       *protocol.UserBackstop
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := a.client.UserPosition(gctx, poolID, wallet)
		if err != nil {
			return failAt(StagePosition, err)
		}
		pos = p
		return nil
	})
	g.Go(func() error {
		d, err := a.oracleDecimals(gctx, pool.Oracle)
		if err != nil {
			return failAt(StageOracle, err)
		}
		decimals = d
		return nil
	})
	g.Go(func() error {
		b, err := a.backstopPool(gctx, poolID)
		if errors.Is(err, protocol.ErrNotFound) {
			return nil
		}
		if err != nil {
			return failAt(StageBackstop, err)
		}
		u, err := a.client.UserBackstop(gctx, poolID, wallet)
		if err != nil {
			return failAt(StageBackstop, err)
		}
		bp, ub = b, u
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Prices depend on the oracle decimals resolved above.
	n := len(pool.Reserves)
	prices := make([]float64, n)
	priced := make([]bool, n)
	metas := make([]*protocol.TokenMetadata, n)
	usdcPrice := stablePrice

	g, gctx = errgroup.WithContext(ctx)
	for i := range pool.Reserves {
		r := &pool.Reserves[i]
		touched := touches(pos, r)
		g.Go(func() error {
			p, err := a.price(gctx, pool.Oracle, r.Asset, decimals)
			if err != nil {
				if touched {
					return failAt(StagePrice, fmt.Errorf("%s: %w", r.Asset, err))
				}
				a.logger.Debug("reserve left out of pool totals",
					zap.String("pool", poolID), zap.String("asset", r.Asset), zap.Error(err))
				return nil
			}
			prices[i], priced[i] = p, true
			return nil
		})
		if touched {
			g.Go(func() error {
				m, err := a.metadata(gctx, r.Asset)
				if err != nil {
					return failAt(StageMetadata, fmt.Errorf("%s: %w", r.Asset, err))
				}
				metas[i] = m
				return nil
			})
		}
	}
	if bp != nil && bp.USDCToken != "" {
		g.Go(func() error {
			p, err := a.price(gctx, pool.Oracle, bp.USDCToken, decimals)
			if err == nil && p > 0 {
				usdcPrice = p
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	lp := PriceLP(bp, usdcPrice)
	res := &poolResult{
		summary:   domain.PoolSummary{PoolID: poolID, PoolName: pool.Name},
		blndPrice: lp.BLNDPrice,
	}

	var weightedBorrowAPY float64
	for i := range pool.Reserves {
		r := &pool.Reserves[i]
		dec := r.Decimals
		if dec == 0 && metas[i] != nil {
			dec = metas[i].Decimals
		}
		if priced[i] {
			supplied := protocol.BTokensToUnderlying(r.TotalSupplyBTokens, r.BRate, dec) * prices[i]
			borrowed := protocol.DTokensToUnderlying(r.TotalLiabilities, r.DRate, dec) * prices[i]
			res.summary.TotalSuppliedUSD += supplied
			res.summary.TotalBorrowedUSD += borrowed
			weightedBorrowAPY += borrowed * BorrowAPY(r.BorrowAPR)
		}
		if metas[i] == nil {
			continue
		}

		ps := reservePosition(pool, r, dec, metas[i], pos, prices[i], lp.BLNDPrice, now)
		res.summary.SupplyUSD += ps.SupplyUSD
		res.summary.CollateralUSD += ps.CollateralUSD
		res.summary.BorrowUSD += ps.BorrowUSD
		res.claimable += ps.ClaimableSupplyEmissions + ps.ClaimableBorrowEmissions
		res.positions = append(res.positions, ps)
	}
	if res.summary.TotalBorrowedUSD > 0 {
		res.summary.AvgBorrowAPY = weightedBorrowAPY / res.summary.TotalBorrowedUSD
	}
	ApplyHealth(&res.summary, res.positions)

	if hasBackstopPosition(ub) && bp != nil {
		bs := backstopPosition(pool, bp, ub, lp, res.summary, now)
		res.backstop = &bs
		res.claimable += bs.ClaimableBLND
	}
	return res, nil
}

func reservePosition(pool *protocol.Pool, r *protocol.Reserve, dec int32, meta *protocol.TokenMetadata,
	pos *protocol.UserPosition, price, blndPrice float64, now time.Time) domain.PositionSnapshot {
	supplyRaw := pos.Supply[r.Asset]
	collRaw := pos.Collateral[r.Asset]
	liabRaw := pos.Liabilities[r.Asset]

	ps := domain.PositionSnapshot{
		PoolID:   pool.ID,
		PoolName: pool.Name,
		Asset:    r.Asset,
		Symbol:   meta.Symbol,
		Decimals: int(dec),

		SupplyBTokensRaw:     supplyRaw.String(),
		CollateralBTokensRaw: collRaw.String(),
		LiabilityDTokensRaw:  liabRaw.String(),

		Supply:     protocol.BTokensToUnderlying(supplyRaw, r.BRate, dec),
		Collateral: protocol.BTokensToUnderlying(collRaw, r.BRate, dec),
		Borrow:     protocol.DTokensToUnderlying(liabRaw, r.DRate, dec),

		PriceUSD:    price,
		PriceSource: domain.PriceSourceExact,

		SupplyAPY: SupplyAPY(r.SupplyAPR),
		BorrowAPY: BorrowAPY(r.BorrowAPR),

		CollateralFactor: r.CFactor,
		LiabilityFactor:  r.LFactor,
		Utilization:      r.Utilization,
	}
	ps.SupplyUSD = ps.Supply * price
	ps.CollateralUSD = ps.Collateral * price
	ps.BorrowUSD = ps.Borrow * price

	bTokens := protocol.ToFloat(supplyRaw.Add(collRaw), dec)
	dTokens := protocol.ToFloat(liabRaw, dec)
	ps.ClaimableSupplyEmissions = Claimable(r.SupplyEmissions, pos.Emissions[r.SupplyEmissionID()], bTokens, now)
	ps.ClaimableBorrowEmissions = Claimable(r.BorrowEmissions, pos.Emissions[r.BorrowEmissionID()], dTokens, now)

	if e := r.SupplyEmissions; e != nil {
		ps.SupplyEmissionAPY = EmissionAPR(e, blndPrice, e.TotalSupply*protocol.RateToFloat(r.BRate)*price, now)
	}
	if e := r.BorrowEmissions; e != nil {
		ps.BorrowEmissionAPY = EmissionAPR(e, blndPrice, e.TotalSupply*protocol.RateToFloat(r.DRate)*price, now)
	}
	return ps
}

func backstopPosition(pool *protocol.Pool, bp *protocol.BackstopPool, ub *protocol.UserBackstop,
	lp LPPricing, summary domain.PoolSummary, now time.Time) domain.BackstopPositionSnapshot {
	lpPerShare := SharesToLP(bp)
	chunks := Q4WChunks(ub.Q4W, lpPerShare, lp.LPPrice, now)
	queued := ub.QueuedShares()

	bs := domain.BackstopPositionSnapshot{
		PoolID:       pool.ID,
		PoolName:     pool.Name,
		Shares:       ub.Shares,
		LPTokens:     ub.Shares * lpPerShare,
		LPTokenPrice: lp.LPPrice,
		Q4W:          chunks,
		Q4WShares:    queued,
		Q4WLPTokens:  queued * lpPerShare,
	}
	bs.USD = bs.LPTokens * lp.LPPrice
	bs.Q4WUSD = bs.Q4WLPTokens * lp.LPPrice
	if bp.Shares > 0 {
		bs.PoolQ4WRatio = bp.Q4WShares / bp.Shares
	}

	value := bp.TotalValue
	if value <= 0 {
		value = bp.Tokens * lp.LPPrice
	}
	bs.InterestAPR = InterestAPR(pool.BackstopRate, summary.AvgBorrowAPY, summary.TotalBorrowedUSD, value)
	if e := bp.Emissions; e != nil {
		bs.EmissionAPR = EmissionAPR(e, lp.BLNDPrice, e.TotalSupply*lpPerShare*lp.LPPrice, now)
	}
	bs.ClaimableBLND = Claimable(bp.Emissions, ub.Emission, ub.Shares, now)
	bs.ClaimableUSD = bs.ClaimableBLND * lp.BLNDPrice
	return bs
}

// touches reports whether the user holds a balance or unclaimed emissions in r.
func touches(pos *protocol.UserPosition, r *protocol.Reserve) bool {
	if !pos.Supply[r.Asset].IsZero() || !pos.Collateral[r.Asset].IsZero() || !pos.Liabilities[r.Asset].IsZero() {
		return true
	}
	return pos.Emissions[r.SupplyEmissionID()].Accrued > 0 || pos.Emissions[r.BorrowEmissionID()].Accrued > 0
}

func hasBackstopPosition(ub *protocol.UserBackstop) bool {
	return ub != nil && (ub.Shares > 0 || len(ub.Q4W) > 0 || ub.Emission.Accrued > 0)
}

// walletTotals aggregates across pools. APYs are weighted by USD value.
func walletTotals(snap *domain.WalletSnapshot, claimable, claimableUSD float64) domain.WalletTotals {
	var t domain.WalletTotals
	var supplyEarn, borrowCost, backstopEarn float64
	for _, p := range snap.Positions {
		t.SupplyUSD += p.SupplyUSD
		t.CollateralUSD += p.CollateralUSD
		t.BorrowUSD += p.BorrowUSD
		supplyEarn += (p.SupplyUSD + p.CollateralUSD) * (p.SupplyAPY + p.SupplyEmissionAPY)
		borrowCost += p.BorrowUSD * (p.BorrowAPY - p.BorrowEmissionAPY)
	}
	for _, b := range snap.Backstops {
		value := b.USD + b.Q4WUSD
		t.BackstopUSD += value
		backstopEarn += b.USD * (b.InterestAPR + b.EmissionAPR)
	}

	if supplied := t.SupplyUSD + t.CollateralUSD; supplied > domain.Epsilon {
		t.WeightedSupplyAPY = supplyEarn / supplied
	}
	if t.BorrowUSD > domain.Epsilon {
		t.WeightedBorrowAPY = borrowCost / t.BorrowUSD
	}
	t.NetUSD = t.SupplyUSD + t.CollateralUSD + t.BackstopUSD - t.BorrowUSD
	if t.NetUSD > domain.Epsilon {
		t.NetAPY = (supplyEarn + backstopEarn - borrowCost) / t.NetUSD
	}
	t.ClaimableEmissions = claimable
	t.ClaimableEmissionsUSD = claimableUSD
	return t
}

// LivePrice returns the current oracle price of token from the first tracked pool
// that lists it.
func (a *Aggregator) LivePrice(ctx context.Context, token string) (float64, error) {
	for _, id := range a.tracked {
		pool, err := a.pool(ctx, id)
		if err != nil || pool.Reserve(token) == nil {
			continue
		}
		dec, err := a.oracleDecimals(ctx, pool.Oracle)
		if err != nil {
			continue
		}
		p, err := a.price(ctx, pool.Oracle, token, dec)
		if err == nil && p > 0 {
			return p, nil
		}
	}
	return 0, fmt.Errorf("live price %s: %w", token, protocol.ErrNotFound)
}

func cached[V any](c *Cache[V], key string, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

func (a *Aggregator) pool(ctx context.Context, poolID string) (*protocol.Pool, error) {
	return cached(a.caches.Pools, poolID, func() (*protocol.Pool, error) {
		return a.client.Pool(ctx, poolID)
	})
}

func (a *Aggregator) backstopPool(ctx context.Context, poolID string) (*protocol.BackstopPool, error) {
	return cached(a.caches.Backstops, poolID, func() (*protocol.BackstopPool, error) {
		return a.client.BackstopPool(ctx, poolID)
	})
}

func (a *Aggregator) metadata(ctx context.Context, asset string) (*protocol.TokenMetadata, error) {
	return cached(a.caches.Metadata, asset, func() (*protocol.TokenMetadata, error) {
		return a.client.TokenMetadata(ctx, asset)
	})
}

func (a *Aggregator) oracleDecimals(ctx context.Context, oracle string) (int32, error) {
	return cached(a.caches.OracleDecimals, oracle, func() (int32, error) {
		return a.client.OracleDecimals(ctx, oracle)
	})
}

func (a *Aggregator) price(ctx context.Context, oracle, asset string, decimals int32) (float64, error) {
	return cached(a.caches.Prices, oracle+"|"+asset, func() (float64, error) {
		p, err := a.client.OraclePrice(ctx, oracle, asset)
		if err != nil {
			return 0, err
		}
		return protocol.ToFloat(p.Price, decimals), nil
	})
}
