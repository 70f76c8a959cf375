package lookup

import (
	"testing"
	"time"

	"github.com/golang-sql/civil"

	"lendfolio/internal/domain"
)

func d(day int) civil.Date {
	return civil.Date{Year: 2025, Month: time.January, Day: day}
}

func TestRateAt_EmptySlice(t *testing.T) {
	if got := RateAt(d(1), nil); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestRateAt_ExactAndForwardFill(t *testing.T) {
	samples := []*domain.RateSample{
		{RateDate: d(2), BRate: 1.01},
		{RateDate: d(5), BRate: 1.05},
		{RateDate: d(9), BRate: 1.09},
	}

	if got := RateAt(d(5), samples); got == nil || got.BRate != 1.05 {
		t.Errorf("exact match: expected 1.05, got %+v", got)
	}
	if got := RateAt(d(7), samples); got == nil || got.BRate != 1.05 {
		t.Errorf("forward fill: expected 1.05, got %+v", got)
	}
	if got := RateAt(d(31), samples); got == nil || got.BRate != 1.09 {
		t.Errorf("after last: expected 1.09, got %+v", got)
	}
	if got := RateAt(d(1), samples); got != nil {
		t.Errorf("before first: expected nil, got %+v", got)
	}
}

func TestRateAt_ForwardFillIdempotence(t *testing.T) {
	samples := []*domain.RateSample{
		{RateDate: d(3), BRate: 1.5},
		{RateDate: d(10), BRate: 1.7},
	}

	// Every unsampled day returns the same value as the nearest earlier sampled day
	for day := 3; day < 10; day++ {
		got := RateAt(d(day), samples)
		if got == nil || got.BRate != 1.5 {
			t.Errorf("day %d: expected 1.5, got %+v", day, got)
		}
	}
	if got := RateAt(d(10), samples); got == nil || got.BRate != 1.7 {
		t.Errorf("day 10: expected 1.7, got %+v", got)
	}
}

func TestRateSeries_DefaultBeforeFirstSample(t *testing.T) {
	s := NewRateSeries([]*domain.RateSample{{RateDate: d(5), BRate: 1.2, DRate: 1.3}})

	q := s.At(d(4))
	if q.Found || q.BRate != DefaultRate || q.DRate != DefaultRate {
		t.Errorf("expected default rates, got %+v", q)
	}

	q = s.At(d(6))
	if !q.Found || q.BRate != 1.2 || q.DRate != 1.3 {
		t.Errorf("expected forward-filled rates, got %+v", q)
	}
}

func TestRateSeries_ZeroDRateDefaults(t *testing.T) {
	s := NewRateSeries([]*domain.RateSample{{RateDate: d(1), BRate: 1.1, DRate: 0}})

	q := s.At(d(1))
	if q.DRate != DefaultRate {
		t.Errorf("expected zero d_rate to default to 1.0, got %f", q.DRate)
	}
	if q.BRate != 1.1 {
		t.Errorf("expected b_rate 1.1, got %f", q.BRate)
	}
}
