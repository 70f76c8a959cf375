package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendfolio/internal/domain"
	"lendfolio/internal/protocol"
	"lendfolio/internal/protocol/stub"
)

const (
	testUser   = "GUSER"
	testPool   = "CPOOL"
	testOracle = "CORACLE"
	usdc       = "CUSDC"
	xlm        = "CXLM"
)

func raw(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedPool registers a pool with a USDC and an XLM reserve, a backstop, and a
// user holding 100 b-USDC collateral and 200 d-XLM debt.
func seedPool(c *stub.Client, poolID string, now time.Time) {
	c.AddPool(&protocol.Pool{
		ID:           poolID,
		Name:         "Pool " + poolID,
		Oracle:       testOracle,
		BackstopRate: 0.2,
		Reserves: []protocol.Reserve{
			{
				Asset:              usdc,
				Index:              0,
				Decimals:           7,
				BRate:              raw("1100000000000"),
				DRate:              raw("1200000000000"),
				CFactor:            0.9,
				LFactor:            0.95,
				SupplyAPR:          0.05,
				BorrowAPR:          0.1,
				TotalSupplyBTokens: raw("10000000000"),
				TotalLiabilities:   raw("5000000000"),
				SupplyEmissions: &protocol.EmissionProgram{
					EPS:         0.1,
					Expiration:  now.Add(24 * time.Hour),
					Index:       0,
					LastTime:    now.Add(-100 * time.Second),
					TotalSupply: 1000,
				},
			},
			{
				Asset:     xlm,
				Index:     1,
				Decimals:  7,
				BRate:     raw("1000000000000"),
				DRate:     raw("1000000000000"),
				CFactor:   0.75,
				LFactor:   0.8,
				BorrowAPR: 0.2,
			},
		},
	})
	c.SetPosition(poolID, testUser, &protocol.UserPosition{
		Collateral:  map[string]decimal.Decimal{usdc: raw("1000000000")},
		Liabilities: map[string]decimal.Decimal{xlm: raw("2000000000")},
		Emissions:   map[int]protocol.UserEmission{1: {Index: 0, Accrued: 1}},
	})
	c.AddBackstop(&protocol.BackstopPool{
		PoolID:    poolID,
		Shares:    1000,
		Tokens:    2000,
		Q4WShares: 100,
		LPSupply:  10_000,
		BLND:      80_000,
		USDC:      5_000,
		USDCToken: usdc,
	})
	c.SetUserBackstop(poolID, testUser, &protocol.UserBackstop{
		Shares: 10,
		Q4W: []protocol.Q4WEntry{
			{Shares: 5, Expiration: now.Add(2 * time.Hour)},
			{Shares: 3, Expiration: now.Add(-time.Hour)},
		},
	})
}

func newFixture(t *testing.T) (*stub.Client, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c := stub.NewClient()
	c.SetOracle(testOracle, 7)
	c.SetPrice(testOracle, usdc, &protocol.OraclePrice{Price: raw("10000000")})
	c.SetPrice(testOracle, xlm, &protocol.OraclePrice{Price: raw("1000000")})
	c.AddToken(&protocol.TokenMetadata{Address: usdc, Symbol: "USDC", Decimals: 7})
	c.AddToken(&protocol.TokenMetadata{Address: xlm, Symbol: "XLM", Decimals: 7})
	seedPool(c, testPool, clock.Now())
	return c, clock
}

func TestSnapshot_Positions(t *testing.T) {
	client, clock := newFixture(t)
	agg := NewAggregator(client, WithClock(clock.Now))

	snap, err := agg.Snapshot(context.Background(), testUser, []string{testPool})
	require.NoError(t, err)
	require.Empty(t, snap.Excluded)
	require.Len(t, snap.Positions, 2)
	require.Len(t, snap.Pools, 1)

	coll := snap.Positions[0]
	assert.Equal(t, usdc, coll.Asset)
	assert.Equal(t, "USDC", coll.Symbol)
	assert.Equal(t, "1000000000", coll.CollateralBTokensRaw)
	assert.InDelta(t, 110, coll.Collateral, 1e-9)
	assert.InDelta(t, 110, coll.CollateralUSD, 1e-9)
	assert.InDelta(t, SupplyAPY(0.05), coll.SupplyAPY, 1e-12)

	debt := snap.Positions[1]
	assert.Equal(t, xlm, debt.Asset)
	assert.InDelta(t, 200, debt.Borrow, 1e-9)
	assert.InDelta(t, 20, debt.BorrowUSD, 1e-9)

	pool := snap.Pools[0]
	assert.InDelta(t, 99, pool.BorrowLimit, 1e-9)
	assert.InDelta(t, 25, pool.EffectiveLiabilities, 1e-9)
	assert.InDelta(t, 3.96, pool.HealthFactor, 1e-9)
	assert.True(t, pool.HasDebt)
	assert.InDelta(t, 1100, pool.TotalSuppliedUSD, 1e-6)
	assert.InDelta(t, 600, pool.TotalBorrowedUSD, 1e-6)
	assert.InDelta(t, BorrowAPY(0.1), pool.AvgBorrowAPY, 1e-12)

	assert.InDelta(t, 110, snap.Totals.CollateralUSD, 1e-9)
	assert.InDelta(t, 20, snap.Totals.BorrowUSD, 1e-9)
}

func TestSnapshot_Emissions(t *testing.T) {
	client, clock := newFixture(t)
	agg := NewAggregator(client, WithClock(clock.Now))

	snap, err := agg.Snapshot(context.Background(), testUser, []string{testPool})
	require.NoError(t, err)

	// index advanced by 0.1 × 100s ÷ 1000 = 0.01 on 100 b-tokens, plus 1 accrued
	coll := snap.Positions[0]
	assert.InDelta(t, 2, coll.ClaimableSupplyEmissions, 1e-9)
	assert.Zero(t, coll.ClaimableBorrowEmissions)

	// BLND at 0.25 from the backstop LP; supply program shares 1000 b-tokens worth $1100
	want := 0.1 * SecondsPerYear * 0.25 / 1100
	assert.InDelta(t, want, coll.SupplyEmissionAPY, 1e-9)

	assert.InDelta(t, 2, snap.Totals.ClaimableEmissions, 1e-9)
	assert.InDelta(t, 0.5, snap.Totals.ClaimableEmissionsUSD, 1e-9)
}

func TestSnapshot_Backstop(t *testing.T) {
	client, clock := newFixture(t)
	agg := NewAggregator(client, WithClock(clock.Now))

	snap, err := agg.Snapshot(context.Background(), testUser, []string{testPool})
	require.NoError(t, err)
	require.Len(t, snap.Backstops, 1)

	bs := snap.Backstops[0]
	assert.Equal(t, 2.5, bs.LPTokenPrice)
	assert.Equal(t, 20.0, bs.LPTokens)
	assert.Equal(t, 50.0, bs.USD)
	assert.Equal(t, 0.1, bs.PoolQ4WRatio)

	require.Len(t, bs.Q4W, 2)
	assert.Equal(t, 3.0, bs.Q4W[0].Shares, "soonest unlock first")
	assert.True(t, bs.Q4W[0].Unlocked)
	assert.Equal(t, 5.0, bs.Q4W[1].Shares)
	assert.Equal(t, int64(7200), bs.Q4W[1].SecondsRem)
	assert.Equal(t, 8.0, bs.Q4WShares)
	assert.Equal(t, bs.Q4W[0].Shares+bs.Q4W[1].Shares, bs.Q4WShares, "queued total matches its chunks")
	assert.Equal(t, 16.0, bs.Q4WLPTokens)

	// 0.2 × avg borrow APY × $600 borrowed ÷ (2000 LP × $2.5)
	assert.InDelta(t, 0.2*BorrowAPY(0.1)*600/5000, bs.InterestAPR, 1e-12)
	assert.InDelta(t, 90, snap.Totals.BackstopUSD, 1e-9)
}

func TestSnapshot_ExcludesFailingPool(t *testing.T) {
	client, clock := newFixture(t)
	seedPool(client, "CBROKEN", clock.Now())
	seedPool(client, "CGONE", clock.Now())
	client.FailOn("UserPosition", "CBROKEN", errors.New("rpc unavailable"))
	client.FailOn("Pool", "CGONE", errors.New("timeout"))

	agg := NewAggregator(client, WithClock(clock.Now))
	snap, err := agg.Snapshot(context.Background(), testUser, []string{testPool, "CBROKEN", "CGONE"})
	require.NoError(t, err)

	require.Len(t, snap.Pools, 1)
	assert.Equal(t, testPool, snap.Pools[0].PoolID)

	require.Len(t, snap.Excluded, 2)
	stages := map[string]string{}
	for _, f := range snap.Excluded {
		stages[f.PoolID] = f.Stage
		assert.NotEmpty(t, f.Err)
	}
	assert.Equal(t, StagePosition, stages["CBROKEN"])
	assert.Equal(t, StagePool, stages["CGONE"])
}

func TestSnapshot_PriceFailureOnHeldReserveExcludesPool(t *testing.T) {
	client, clock := newFixture(t)
	agg := NewAggregator(client, WithClock(clock.Now))

	client.FailOn("OraclePrice", xlm, errors.New("stale oracle"))
	snap, err := agg.Snapshot(context.Background(), testUser, []string{testPool})
	require.NoError(t, err)
	require.Len(t, snap.Excluded, 1)
	assert.Equal(t, StagePrice, snap.Excluded[0].Stage)
	assert.Empty(t, snap.Positions)
}

func TestSnapshot_PriceFailureOnOtherReserveIsTolerated(t *testing.T) {
	client, clock := newFixture(t)
	client.SetPosition(testPool, testUser, &protocol.UserPosition{
		Collateral: map[string]decimal.Decimal{usdc: raw("1000000000")},
	})
	client.FailOn("OraclePrice", xlm, errors.New("stale oracle"))

	agg := NewAggregator(client, WithClock(clock.Now))
	snap, err := agg.Snapshot(context.Background(), testUser, []string{testPool})
	require.NoError(t, err)
	assert.Empty(t, snap.Excluded)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, usdc, snap.Positions[0].Asset)
	assert.False(t, snap.Pools[0].HasDebt)
	assert.InDelta(t, 600, snap.Pools[0].TotalBorrowedUSD, 1e-6)
}

func TestSnapshot_MissingBackstopIsNotAFailure(t *testing.T) {
	client, clock := newFixture(t)
	delete(client.Backstops, testPool)

	agg := NewAggregator(client, WithClock(clock.Now))
	snap, err := agg.Snapshot(context.Background(), testUser, []string{testPool})
	require.NoError(t, err)
	assert.Empty(t, snap.Excluded)
	assert.Empty(t, snap.Backstops)
	assert.Len(t, snap.Positions, 2)
}

func TestSnapshot_InvalidInputIsEmpty(t *testing.T) {
	client, clock := newFixture(t)
	agg := NewAggregator(client, WithClock(clock.Now))

	snap, err := agg.Snapshot(context.Background(), "", []string{testPool})
	require.NoError(t, err)
	assert.Empty(t, snap.Positions)

	snap, err = agg.Snapshot(context.Background(), testUser, nil)
	require.NoError(t, err)
	assert.Empty(t, snap.Positions)
	assert.Zero(t, client.Calls())
}

func TestSnapshot_CachesPoolState(t *testing.T) {
	client, clock := newFixture(t)
	agg := NewAggregator(client, WithClock(clock.Now))
	ctx := context.Background()

	_, err := agg.Snapshot(ctx, testUser, []string{testPool})
	require.NoError(t, err)
	cold := client.Calls()

	_, err = agg.Snapshot(ctx, testUser, []string{testPool})
	require.NoError(t, err)
	warm := client.Calls() - cold
	// only the two user lookups are repeated
	assert.Equal(t, int64(2), warm)

	clock.Advance(DefaultPoolTTL)
	_, err = agg.Snapshot(ctx, testUser, []string{testPool})
	require.NoError(t, err)
	// pool and backstop reload; metadata and prices are still fresh
	assert.Equal(t, int64(4), client.Calls()-cold-warm)
}

func TestSnapshot_ContextCancelled(t *testing.T) {
	client, clock := newFixture(t)
	agg := NewAggregator(client, WithClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := agg.Snapshot(ctx, testUser, []string{testPool})
	assert.ErrorIs(t, err, context.Canceled)
}

// gatedClient blocks pool loads until release is closed.
type gatedClient struct {
	*stub.Client
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedClient) Pool(ctx context.Context, poolID string) (*protocol.Pool, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Client.Pool(ctx, poolID)
}

func TestSnapshot_CancelledCallerDoesNotFailSharedRequest(t *testing.T) {
	client, clock := newFixture(t)
	gated := &gatedClient{Client: client, entered: make(chan struct{}), release: make(chan struct{})}
	agg := NewAggregator(gated, WithClock(clock.Now))

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := agg.Snapshot(ctxA, testUser, []string{testPool})
		errA <- err
	}()
	<-gated.entered

	type result struct {
		snap *domain.WalletSnapshot
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		snap, err := agg.Snapshot(context.Background(), testUser, []string{testPool})
		resB <- result{snap, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(gated.release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Empty(t, b.snap.Excluded)
	assert.Len(t, b.snap.Positions, 2)
}

func TestLivePrice(t *testing.T) {
	client, clock := newFixture(t)
	agg := NewAggregator(client, WithClock(clock.Now), WithTrackedPools(testPool))

	p, err := agg.LivePrice(context.Background(), xlm)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, p, 1e-12)

	_, err = agg.LivePrice(context.Background(), "CUNKNOWN")
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}
