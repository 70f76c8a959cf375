// Package rediscache adds a Redis read-through cache in front of a price store.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-sql/civil"
	"github.com/redis/go-redis/v9"

	"lendfolio/internal/domain"
	"lendfolio/internal/observability"
	"lendfolio/internal/storage"
)

// DefaultTTL bounds how long a cached lookup survives a late backfill.
const DefaultTTL = 24 * time.Hour

// CachedPriceStore wraps a primary PriceStore with a Redis read-through cache.
// Only lookups whose dates are strictly before today are cached; today's price can
// still be written. Inserts go to the primary and drop the token's cached entries.
type CachedPriceStore struct {
	primary storage.PriceStore
	rdb     *redis.Client
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a CachedPriceStore.
type Option func(*CachedPriceStore)

// WithTTL sets the cache entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *CachedPriceStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock sets the clock used to decide what "today" is (UTC).
func WithClock(now func() time.Time) Option {
	return func(s *CachedPriceStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewCachedPriceStore creates a cached wrapper around a primary store.
func NewCachedPriceStore(primary storage.PriceStore, rdb *redis.Client, opts ...Option) *CachedPriceStore {
	s := &CachedPriceStore{
		primary: primary,
		rdb:     rdb,
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile-time interface check.
var _ storage.PriceStore = (*CachedPriceStore)(nil)

// InsertBulk writes to the primary and invalidates every cached lookup of the inserted tokens.
func (s *CachedPriceStore) InsertBulk(ctx context.Context, samples []*domain.PriceSample) error {
	if err := s.primary.InsertBulk(ctx, samples); err != nil {
		return err
	}

	tokens := make(map[string]struct{})
	for _, p := range samples {
		tokens[p.TokenAddress] = struct{}{}
	}
	for token := range tokens {
		if err := s.invalidate(ctx, token); err != nil {
			return fmt.Errorf("invalidate price cache %s: %w", token, err)
		}
	}
	return nil
}

// GetLatest returns the most recent sample at or before date.
func (s *CachedPriceStore) GetLatest(ctx context.Context, token string, date civil.Date) (*domain.PriceSample, error) {
	if !s.cacheable(date) {
		return s.primary.GetLatest(ctx, token, date)
	}

	key := latestKey(token, date)
	var cached domain.PriceSample
	if s.load(ctx, key, &cached) {
		return &cached, nil
	}

	p, err := s.primary.GetLatest(ctx, token, date)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, p)
	return p, nil
}

// GetRange retrieves samples within [start, end] (inclusive).
func (s *CachedPriceStore) GetRange(ctx context.Context, token string, start, end civil.Date) ([]*domain.PriceSample, error) {
	if !s.cacheable(end) {
		return s.primary.GetRange(ctx, token, start, end)
	}

	key := rangeKey(token, start, end)
	var cached []*domain.PriceSample
	if s.load(ctx, key, &cached) {
		return cached, nil
	}

	samples, err := s.primary.GetRange(ctx, token, start, end)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, samples)
	return samples, nil
}

func (s *CachedPriceStore) cacheable(date civil.Date) bool {
	return date.Before(civil.DateOf(s.now().UTC()))
}

// load reads key into dst. Redis errors and undecodable entries count as misses.
func (s *CachedPriceStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	hit := err == nil && json.Unmarshal(data, dst) == nil
	observability.RecordCacheRead("redis_price", hit)
	return hit
}

func (s *CachedPriceStore) store(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedPriceStore) invalidate(ctx context.Context, token string) error {
	iter := s.rdb.Scan(ctx, 0, tokenPattern(token), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func latestKey(token string, date civil.Date) string {
	return fmt.Sprintf("price:%s:latest:%s", token, date)
}

func rangeKey(token string, start, end civil.Date) string {
	return fmt.Sprintf("price:%s:range:%s:%s", token, start, end)
}

func tokenPattern(token string) string {
	return fmt.Sprintf("price:%s:*", token)
}
