package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/golang-sql/civil"

	"lendfolio/internal/domain"
	"lendfolio/internal/storage"
)

type reserveKey struct {
	PoolID string
	Asset  string
}

// RateStore is an in-memory implementation of storage.RateStore.
// Samples are kept sorted by date per (pool, asset).
type RateStore struct {
	mu   sync.RWMutex
	data map[reserveKey][]*domain.RateSample
}

// NewRateStore creates a new in-memory rate store.
func NewRateStore() *RateStore {
	return &RateStore{
		data: make(map[reserveKey][]*domain.RateSample),
	}
}

// InsertBulk adds multiple samples. Fails entire batch on duplicate.
func (s *RateStore) InsertBulk(_ context.Context, samples []*domain.RateSample) error {
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type dayKey struct {
		reserveKey
		Date civil.Date
	}
	batchKeys := make(map[dayKey]struct{}, len(samples))

	for _, r := range samples {
		if r == nil || r.PoolID == "" || r.AssetAddress == "" || !r.RateDate.IsValid() {
			return storage.ErrInvalidInput
		}
		rk := reserveKey{r.PoolID, r.AssetAddress}
		if findRate(s.data[rk], r.RateDate) >= 0 {
			return storage.ErrDuplicateKey
		}
		k := dayKey{rk, r.RateDate}
		if _, exists := batchKeys[k]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[k] = struct{}{}
	}

	for _, r := range samples {
		rk := reserveKey{r.PoolID, r.AssetAddress}
		c := *r
		s.data[rk] = append(s.data[rk], &c)
	}
	for rk := range s.data {
		series := s.data[rk]
		sort.Slice(series, func(i, j int) bool {
			return series[i].RateDate.Before(series[j].RateDate)
		})
	}

	return nil
}

// GetLatest returns the most recent sample at or before date.
func (s *RateStore) GetLatest(_ context.Context, poolID, asset string, date civil.Date) (*domain.RateSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.data[reserveKey{poolID, asset}]
	for i := len(series) - 1; i >= 0; i-- {
		if !series[i].RateDate.After(date) {
			c := *series[i]
			return &c, nil
		}
	}
	return nil, storage.ErrNotFound
}

// GetRange retrieves samples within [start, end] (inclusive).
func (s *RateStore) GetRange(_ context.Context, poolID, asset string, start, end civil.Date) ([]*domain.RateSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.RateSample
	for _, r := range s.data[reserveKey{poolID, asset}] {
		if !r.RateDate.Before(start) && !r.RateDate.After(end) {
			c := *r
			result = append(result, &c)
		}
	}
	return result, nil
}

func findRate(series []*domain.RateSample, date civil.Date) int {
	for i, r := range series {
		if r.RateDate == date {
			return i
		}
	}
	return -1
}

var _ storage.RateStore = (*RateStore)(nil)
