package snapshot

import (
	"sync"
	"time"

	"lendfolio/internal/observability"
	"lendfolio/internal/protocol"
)

// Default cache TTLs.
const (
	DefaultPoolTTL     = 30 * time.Second
	DefaultMetadataTTL = 5 * time.Minute
)

type cacheEntry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache is a key→value map with a fixed TTL. Stale entries are evicted when read;
// there is no background sweep. Each key is replaced atomically, so concurrent
// readers and writers never block one another on a shared lock.
type Cache[V any] struct {
	name    string
	ttl     time.Duration
	now     func() time.Time
	entries sync.Map // string → *cacheEntry[V]
}

// NewCache creates a cache. A nil clock uses time.Now.
func NewCache[V any](name string, ttl time.Duration, now func() time.Time) *Cache[V] {
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{name: name, ttl: ttl, now: now}
}

// Get returns the value for key if it is younger than the TTL.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	raw, ok := c.entries.Load(key)
	if !ok {
		observability.RecordCacheRead(c.name, false)
		return zero, false
	}
	entry := raw.(*cacheEntry[V])
	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.entries.CompareAndDelete(key, raw)
		observability.RecordCacheRead(c.name, false)
		return zero, false
	}
	observability.RecordCacheRead(c.name, true)
	return entry.value, true
}

// Set stores value under key, stamped with the current time.
func (c *Cache[V]) Set(key string, value V) {
	c.entries.Store(key, &cacheEntry[V]{value: value, storedAt: c.now()})
}

// Len returns the number of stored entries, stale ones included.
func (c *Cache[V]) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Caches groups the process-wide caches used by the aggregator.
type Caches struct {
	Pools          *Cache[*protocol.Pool]
	Backstops      *Cache[*protocol.BackstopPool]
	Metadata       *Cache[*protocol.TokenMetadata]
	OracleDecimals *Cache[int32]
	Prices         *Cache[float64]
}

// NewCaches creates caches with the given TTLs. Zero TTLs take the defaults.
func NewCaches(poolTTL, metadataTTL time.Duration, now func() time.Time) *Caches {
	if poolTTL <= 0 {
		poolTTL = DefaultPoolTTL
	}
	if metadataTTL <= 0 {
		metadataTTL = DefaultMetadataTTL
	}
	return &Caches{
		Pools:          NewCache[*protocol.Pool]("pool", poolTTL, now),
		Backstops:      NewCache[*protocol.BackstopPool]("backstop", poolTTL, now),
		Metadata:       NewCache[*protocol.TokenMetadata]("metadata", metadataTTL, now),
		OracleDecimals: NewCache[int32]("oracle_decimals", metadataTTL, now),
		Prices:         NewCache[float64]("price", metadataTTL, now),
	}
}
