package lookup

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-sql/civil"
	"go.uber.org/zap"

	"lendfolio/internal/domain"
	"lendfolio/internal/observability"
	"lendfolio/internal/storage"
)

// LivePriceSource returns a current USD price for a token from live protocol state.
type LivePriceSource interface {
	LivePrice(ctx context.Context, token string) (float64, error)
}

// Resolver answers rate and price questions over the stored time series.
// Missing data never produces an error; only store failures do.
type Resolver struct {
	rates    storage.RateStore
	prices   storage.PriceStore
	live     LivePriceSource
	fallback map[string]float64
	logger   *zap.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLivePrices sets the live price source consulted when the price series has no sample.
func WithLivePrices(src LivePriceSource) ResolverOption {
	return func(r *Resolver) {
		r.live = src
	}
}

// WithFallbackPrices sets the constant per-token prices used last in the chain.
func WithFallbackPrices(prices map[string]float64) ResolverOption {
	return func(r *Resolver) {
		r.fallback = make(map[string]float64, len(prices))
		for k, v := range prices {
			r.fallback[k] = v
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a resolver over the given stores.
func NewResolver(rates storage.RateStore, prices storage.PriceStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		rates:    rates,
		prices:   prices,
		fallback: make(map[string]float64),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("lookup")
	return r
}

// Rate returns the forward-filled rates for a reserve on date.
func (r *Resolver) Rate(ctx context.Context, poolID, asset string, date civil.Date) (domain.RateQuote, error) {
	s, err := r.rates.GetLatest(ctx, poolID, asset, date)
	if errors.Is(err, storage.ErrNotFound) {
		observability.RecordRateDefault()
		return domain.RateQuote{BRate: DefaultRate, DRate: DefaultRate}, nil
	}
	if err != nil {
		return domain.RateQuote{}, fmt.Errorf("get rate %s/%s at %s: %w", poolID, asset, date, err)
	}
	return NewRateSeries([]*domain.RateSample{s}).At(date), nil
}

// RateSeries loads the rates needed to answer any date in [start, end].
// The sample in force at start is included so the first days forward-fill correctly.
func (r *Resolver) RateSeries(ctx context.Context, poolID, asset string, start, end civil.Date) (RateSeries, error) {
	var samples []*domain.RateSample

	base, err := r.rates.GetLatest(ctx, poolID, asset, start)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return RateSeries{}, fmt.Errorf("get rate %s/%s at %s: %w", poolID, asset, start, err)
	default:
		samples = append(samples, base)
	}

	rng, err := r.rates.GetRange(ctx, poolID, asset, start, end)
	if err != nil {
		return RateSeries{}, fmt.Errorf("get rates %s/%s %s..%s: %w", poolID, asset, start, end, err)
	}
	for _, s := range rng {
		if base != nil && s.RateDate == base.RateDate {
			continue
		}
		samples = append(samples, s)
	}

	if len(samples) == 0 {
		observability.RecordRateDefault()
	}
	return NewRateSeries(samples), nil
}

// Price resolves a token's USD price on date through the fallback chain:
// exact date, most recent prior date, live quote, constant fallback.
func (r *Resolver) Price(ctx context.Context, token string, date civil.Date) (domain.PriceQuote, error) {
	q := domain.PriceQuote{TokenAddress: token, Date: date}

	s, err := r.prices.GetLatest(ctx, token, date)
	switch {
	case err == nil && s.USDPrice > 0:
		q.USDPrice = s.USDPrice
		q.Source = domain.PriceSourceForwardFill
		if s.PriceDate == date {
			q.Source = domain.PriceSourceExact
		}
		observability.RecordPriceResolution(string(q.Source))
		return q, nil
	case err == nil, errors.Is(err, storage.ErrNotFound):
	default:
		return domain.PriceQuote{}, fmt.Errorf("get price %s at %s: %w", token, date, err)
	}

	if r.live != nil {
		p, liveErr := r.live.LivePrice(ctx, token)
		if liveErr == nil && p > 0 {
			q.USDPrice = p
			q.Source = domain.PriceSourceLiveFallback
			observability.RecordPriceResolution(string(q.Source))
			return q, nil
		}
		if liveErr != nil {
			r.logger.Debug("live price unavailable",
				zap.String("token", token),
				zap.Error(liveErr))
		}
	}

	q.USDPrice = r.fallback[token]
	q.Source = domain.PriceSourceDefault
	observability.RecordPriceResolution(string(q.Source))
	return q, nil
}
