package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"lendfolio/internal/domain"
	"lendfolio/internal/storage"
)

// BackstopEventStore is an in-memory implementation of storage.BackstopEventStore.
type BackstopEventStore struct {
	mu   sync.RWMutex
	data []*domain.BackstopEvent
	keys map[eventKey]bool
}

// NewBackstopEventStore creates a new in-memory backstop event store.
func NewBackstopEventStore() *BackstopEventStore {
	return &BackstopEventStore{
		data: make([]*domain.BackstopEvent, 0),
		keys: make(map[eventKey]bool),
	}
}

// InsertBulk adds multiple events atomically. Fails entire batch on any duplicate.
func (s *BackstopEventStore) InsertBulk(_ context.Context, events []*domain.BackstopEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[eventKey]bool, len(events))
	for _, e := range events {
		if e == nil || e.PoolID == "" || e.UserAddress == "" || e.Action == domain.BackstopUnknown {
			return storage.ErrInvalidInput
		}
		key := eventKey{e.PoolID, e.LedgerSequence, e.EventIndex}
		if s.keys[key] || batchKeys[key] {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = true
	}

	for _, e := range events {
		c := *e
		s.data = append(s.data, &c)
		s.keys[eventKey{e.PoolID, e.LedgerSequence, e.EventIndex}] = true
	}

	return nil
}

// GetByUserPool retrieves a user's backstop events for a pool.
func (s *BackstopEventStore) GetByUserPool(_ context.Context, user, poolID string, before time.Time) ([]*domain.BackstopEvent, error) {
	return s.filter(func(e *domain.BackstopEvent) bool {
		return e.UserAddress == user && e.PoolID == poolID && e.ClosedAt.Before(before)
	}), nil
}

// GetByUser retrieves a user's backstop events across pools.
func (s *BackstopEventStore) GetByUser(_ context.Context, user string, before time.Time) ([]*domain.BackstopEvent, error) {
	return s.filter(func(e *domain.BackstopEvent) bool {
		return e.UserAddress == user && e.ClosedAt.Before(before)
	}), nil
}

func (s *BackstopEventStore) filter(keep func(*domain.BackstopEvent) bool) []*domain.BackstopEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.BackstopEvent
	for _, e := range s.data {
		if keep(e) {
			c := *e
			result = append(result, &c)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Key().Compare(result[j].Key()) < 0
	})
	return result
}

var _ storage.BackstopEventStore = (*BackstopEventStore)(nil)
