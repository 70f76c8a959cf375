package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"lendfolio/internal/domain"
	"lendfolio/internal/storage"
)

// eventKey is the composite key for ledger event deduplication.
type eventKey struct {
	PoolID         string
	LedgerSequence int64
	EventIndex     int
}

// PoolEventStore is an in-memory implementation of storage.PoolEventStore.
type PoolEventStore struct {
	mu   sync.RWMutex
	data []*domain.PoolEvent
	keys map[eventKey]bool
}

// NewPoolEventStore creates a new in-memory pool event store.
func NewPoolEventStore() *PoolEventStore {
	return &PoolEventStore{
		data: make([]*domain.PoolEvent, 0),
		keys: make(map[eventKey]bool),
	}
}

// InsertBulk adds multiple events atomically. Fails entire batch on any duplicate.
func (s *PoolEventStore) InsertBulk(_ context.Context, events []*domain.PoolEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[eventKey]bool, len(events))
	for _, e := range events {
		if e == nil || e.PoolID == "" || e.UserAddress == "" || e.Action == domain.ActionUnknown {
			return storage.ErrInvalidInput
		}
		key := eventKey{e.PoolID, e.LedgerSequence, e.EventIndex}
		if s.keys[key] || batchKeys[key] {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = true
	}

	for _, e := range events {
		s.data = append(s.data, copyPoolEvent(e))
		s.keys[eventKey{e.PoolID, e.LedgerSequence, e.EventIndex}] = true
	}

	return nil
}

// GetByUserAsset retrieves events involving user that move asset on any leg.
func (s *PoolEventStore) GetByUserAsset(_ context.Context, user, asset string, before time.Time) ([]*domain.PoolEvent, error) {
	return s.filter(func(e *domain.PoolEvent) bool {
		return e.ClosedAt.Before(before) && e.Involves(user) && e.TouchesAsset(asset)
	}), nil
}

// GetByUserPool retrieves events in a pool involving user.
func (s *PoolEventStore) GetByUserPool(_ context.Context, user, poolID string, before time.Time) ([]*domain.PoolEvent, error) {
	return s.filter(func(e *domain.PoolEvent) bool {
		return e.PoolID == poolID && e.ClosedAt.Before(before) && e.Involves(user)
	}), nil
}

func (s *PoolEventStore) filter(keep func(*domain.PoolEvent) bool) []*domain.PoolEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PoolEvent
	for _, e := range s.data {
		if keep(e) {
			result = append(result, copyPoolEvent(e))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Key().Compare(result[j].Key()) < 0
	})
	return result
}

func copyPoolEvent(e *domain.PoolEvent) *domain.PoolEvent {
	c := *e
	if e.Auction != nil {
		leg := *e.Auction
		c.Auction = &leg
	}
	return &c
}

var _ storage.PoolEventStore = (*PoolEventStore)(nil)
