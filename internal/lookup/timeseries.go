package lookup

import (
	"sort"

	"github.com/golang-sql/civil"

	"lendfolio/internal/domain"
)

// DefaultRate is used when no rate sample exists at or before the requested date.
// Before the first borrow a reserve has no recorded d_rate, and raw units equal underlying.
const DefaultRate = 1.0

// RateAt returns the sample at or before date from samples sorted by RateDate ASC.
// Returns nil if every sample is after date or the slice is empty.
func RateAt(date civil.Date, samples []*domain.RateSample) *domain.RateSample {
	// First sample strictly after date; the one before it is the answer.
	i := sort.Search(len(samples), func(i int) bool {
		return samples[i].RateDate.After(date)
	})
	if i == 0 {
		return nil
	}
	return samples[i-1]
}

// RateSeries is a preloaded, forward-filled rate series for one reserve.
type RateSeries struct {
	samples []*domain.RateSample
}

// NewRateSeries wraps samples sorted by RateDate ASC.
func NewRateSeries(samples []*domain.RateSample) RateSeries {
	return RateSeries{samples: samples}
}

// At returns the forward-filled rates for date, or DefaultRate for both when
// no sample exists yet. A zero rate in a sample is treated as missing.
func (s RateSeries) At(date civil.Date) domain.RateQuote {
	r := RateAt(date, s.samples)
	if r == nil {
		return domain.RateQuote{BRate: DefaultRate, DRate: DefaultRate}
	}
	q := domain.RateQuote{BRate: r.BRate, DRate: r.DRate, Found: true}
	if q.BRate <= 0 {
		q.BRate = DefaultRate
	}
	if q.DRate <= 0 {
		q.DRate = DefaultRate
	}
	return q
}

// Len returns the number of samples backing the series.
func (s RateSeries) Len() int {
	return len(s.samples)
}
