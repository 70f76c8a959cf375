package storage

import (
	"context"
	"time"

	"github.com/golang-sql/civil"

	"lendfolio/internal/domain"
)

// PoolEventStore provides access to pool_events storage.
type PoolEventStore interface {
	// InsertBulk adds multiple events atomically. Fails entire batch on any duplicate
	// (pool_id, ledger_sequence, event_index).
	InsertBulk(ctx context.Context, events []*domain.PoolEvent) error

	// GetByUserAsset retrieves every event with closed_at < before in which user is the
	// position owner or the auction filler and asset is moved on any leg.
	// Ordered by (closed_at, ledger_sequence, event_index) ASC.
	GetByUserAsset(ctx context.Context, user, asset string, before time.Time) ([]*domain.PoolEvent, error)

	// GetByUserPool retrieves every event in a pool involving user with closed_at < before,
	// ordered by (closed_at, ledger_sequence, event_index) ASC.
	GetByUserPool(ctx context.Context, user, poolID string, before time.Time) ([]*domain.PoolEvent, error)
}

// BackstopEventStore provides access to backstop_events storage.
type BackstopEventStore interface {
	// InsertBulk adds multiple events atomically. Fails entire batch on any duplicate.
	InsertBulk(ctx context.Context, events []*domain.BackstopEvent) error

	// GetByUserPool retrieves a user's backstop events for a pool with closed_at < before,
	// ordered by (closed_at, ledger_sequence, event_index) ASC.
	GetByUserPool(ctx context.Context, user, poolID string, before time.Time) ([]*domain.BackstopEvent, error)

	// GetByUser retrieves a user's backstop events across pools with closed_at < before.
	GetByUser(ctx context.Context, user string, before time.Time) ([]*domain.BackstopEvent, error)
}

// RateStore provides access to rate_samples storage.
type RateStore interface {
	// InsertBulk adds multiple samples. Fails entire batch on duplicate (pool_id, asset, rate_date).
	InsertBulk(ctx context.Context, samples []*domain.RateSample) error

	// GetLatest returns the most recent sample at or before date. Returns ErrNotFound if none.
	GetLatest(ctx context.Context, poolID, asset string, date civil.Date) (*domain.RateSample, error)

	// GetRange retrieves samples within [start, end] (inclusive), ordered by rate_date ASC.
	GetRange(ctx context.Context, poolID, asset string, start, end civil.Date) ([]*domain.RateSample, error)
}

// PriceStore provides access to price_samples storage.
type PriceStore interface {
	// InsertBulk adds multiple samples. Fails entire batch on duplicate (token, price_date).
	InsertBulk(ctx context.Context, samples []*domain.PriceSample) error

	// GetLatest returns the most recent sample at or before date. Returns ErrNotFound if none.
	GetLatest(ctx context.Context, token string, date civil.Date) (*domain.PriceSample, error)

	// GetRange retrieves samples within [start, end] (inclusive), ordered by price_date ASC.
	GetRange(ctx context.Context, token string, start, end civil.Date) ([]*domain.PriceSample, error)
}
