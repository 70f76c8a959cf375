package lookup

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-sql/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendfolio/internal/domain"
	"lendfolio/internal/storage"
	"lendfolio/internal/storage/memory"
)

type liveStub struct {
	prices map[string]float64
	err    error
}

func (s *liveStub) LivePrice(_ context.Context, token string) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	p, ok := s.prices[token]
	if !ok {
		return 0, errors.New("no oracle price")
	}
	return p, nil
}

type brokenPriceStore struct {
	*memory.PriceStore
}

func (brokenPriceStore) GetLatest(context.Context, string, civil.Date) (*domain.PriceSample, error) {
	return nil, errors.New("connection refused")
}

func seedPrices(t *testing.T) *memory.PriceStore {
	t.Helper()
	ps := memory.NewPriceStore()
	require.NoError(t, ps.InsertBulk(context.Background(), []*domain.PriceSample{
		{TokenAddress: "CXLM", PriceDate: d(2), USDPrice: 0.10},
		{TokenAddress: "CXLM", PriceDate: d(4), USDPrice: 0.12},
	}))
	return ps
}

func TestResolver_PriceFallbackChain(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(memory.NewRateStore(), seedPrices(t),
		WithLivePrices(&liveStub{prices: map[string]float64{"CXLM": 0.2, "CUSDC": 1.0}}),
		WithFallbackPrices(map[string]float64{"CEURC": 1.08}),
	)

	q, err := r.Price(ctx, "CXLM", d(4))
	require.NoError(t, err)
	assert.Equal(t, domain.PriceSourceExact, q.Source)
	assert.Equal(t, 0.12, q.USDPrice)

	q, err = r.Price(ctx, "CXLM", d(3))
	require.NoError(t, err)
	assert.Equal(t, domain.PriceSourceForwardFill, q.Source)
	assert.Equal(t, 0.10, q.USDPrice)

	// Before the first sample the live oracle is used
	q, err = r.Price(ctx, "CXLM", d(1))
	require.NoError(t, err)
	assert.Equal(t, domain.PriceSourceLiveFallback, q.Source)
	assert.Equal(t, 0.2, q.USDPrice)

	q, err = r.Price(ctx, "CEURC", d(1))
	require.NoError(t, err)
	assert.Equal(t, domain.PriceSourceDefault, q.Source)
	assert.Equal(t, 1.08, q.USDPrice)

	q, err = r.Price(ctx, "CUNKNOWN", d(1))
	require.NoError(t, err)
	assert.Equal(t, domain.PriceSourceDefault, q.Source)
	assert.Zero(t, q.USDPrice)
}

func TestResolver_LiveFailureFallsThrough(t *testing.T) {
	r := NewResolver(memory.NewRateStore(), memory.NewPriceStore(),
		WithLivePrices(&liveStub{err: errors.New("rpc down")}),
		WithFallbackPrices(map[string]float64{"CUSDC": 1}),
	)

	q, err := r.Price(context.Background(), "CUSDC", d(1))
	require.NoError(t, err)
	assert.Equal(t, domain.PriceSourceDefault, q.Source)
	assert.Equal(t, 1.0, q.USDPrice)
}

func TestResolver_StoreFailurePropagates(t *testing.T) {
	r := NewResolver(memory.NewRateStore(), brokenPriceStore{memory.NewPriceStore()})

	_, err := r.Price(context.Background(), "CXLM", d(1))
	require.Error(t, err)
	assert.False(t, errors.Is(err, storage.ErrNotFound))
}

func TestResolver_RateDefaultAndSeries(t *testing.T) {
	ctx := context.Background()
	rs := memory.NewRateStore()
	require.NoError(t, rs.InsertBulk(ctx, []*domain.RateSample{
		{PoolID: "P1", AssetAddress: "CUSDC", RateDate: d(1), BRate: 1.00, DRate: 1.00},
		{PoolID: "P1", AssetAddress: "CUSDC", RateDate: d(6), BRate: 1.01, DRate: 1.02},
		{PoolID: "P1", AssetAddress: "CUSDC", RateDate: d(8), BRate: 1.02, DRate: 1.04},
	}))
	r := NewResolver(rs, memory.NewPriceStore())

	q, err := r.Rate(ctx, "P1", "CXLM", d(5))
	require.NoError(t, err)
	assert.False(t, q.Found)
	assert.Equal(t, DefaultRate, q.BRate)

	q, err = r.Rate(ctx, "P1", "CUSDC", d(7))
	require.NoError(t, err)
	assert.True(t, q.Found)
	assert.Equal(t, 1.02, q.DRate)

	series, err := r.RateSeries(ctx, "P1", "CUSDC", d(3), d(10))
	require.NoError(t, err)
	assert.Equal(t, 3, series.Len())
	assert.Equal(t, 1.00, series.At(d(3)).BRate)
	assert.Equal(t, 1.01, series.At(d(7)).BRate)
	assert.Equal(t, 1.02, series.At(d(10)).BRate)
}
