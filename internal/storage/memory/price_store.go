package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/golang-sql/civil"

	"lendfolio/internal/domain"
	"lendfolio/internal/storage"
)

// PriceStore is an in-memory implementation of storage.PriceStore.
type PriceStore struct {
	mu   sync.RWMutex
	data map[string][]*domain.PriceSample // keyed by token, sorted by date
}

// NewPriceStore creates a new in-memory price store.
func NewPriceStore() *PriceStore {
	return &PriceStore{
		data: make(map[string][]*domain.PriceSample),
	}
}

// InsertBulk adds multiple samples. Fails entire batch on duplicate.
func (s *PriceStore) InsertBulk(_ context.Context, samples []*domain.PriceSample) error {
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type dayKey struct {
		Token string
		Date  civil.Date
	}
	batchKeys := make(map[dayKey]struct{}, len(samples))

	for _, p := range samples {
		if p == nil || p.TokenAddress == "" || !p.PriceDate.IsValid() {
			return storage.ErrInvalidInput
		}
		for _, existing := range s.data[p.TokenAddress] {
			if existing.PriceDate == p.PriceDate {
				return storage.ErrDuplicateKey
			}
		}
		k := dayKey{p.TokenAddress, p.PriceDate}
		if _, exists := batchKeys[k]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[k] = struct{}{}
	}

	for _, p := range samples {
		c := *p
		s.data[p.TokenAddress] = append(s.data[p.TokenAddress], &c)
	}
	for token := range s.data {
		series := s.data[token]
		sort.Slice(series, func(i, j int) bool {
			return series[i].PriceDate.Before(series[j].PriceDate)
		})
	}

	return nil
}

// GetLatest returns the most recent sample at or before date.
func (s *PriceStore) GetLatest(_ context.Context, token string, date civil.Date) (*domain.PriceSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.data[token]
	for i := len(series) - 1; i >= 0; i-- {
		if !series[i].PriceDate.After(date) {
			c := *series[i]
			return &c, nil
		}
	}
	return nil, storage.ErrNotFound
}

// GetRange retrieves samples within [start, end] (inclusive).
func (s *PriceStore) GetRange(_ context.Context, token string, start, end civil.Date) ([]*domain.PriceSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PriceSample
	for _, p := range s.data[token] {
		if !p.PriceDate.Before(start) && !p.PriceDate.After(end) {
			c := *p
			result = append(result, &c)
		}
	}
	return result, nil
}

var _ storage.PriceStore = (*PriceStore)(nil)
