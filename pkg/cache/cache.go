// Package cache is a process-local, capacity-bounded TTL cache used to take
// read load off the database. It is advisory only: callers must never depend
// on an entry being present, and every write path that changes a cached
// entity has to invalidate its key explicitly.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filecache_hits_total",
		Help: "Total lookups served from the in-memory file cache.",
	})
	missesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filecache_misses_total",
		Help: "Total lookups that missed the in-memory file cache.",
	})
)

// maxTTL bounds every entry's lifetime; per-call TTLs above it are clamped.
// The underlying LRU sweeps entries older than this in the background.
const maxTTL = 15 * time.Minute

type entry[V any] struct {
	val       V
	expiresAt time.Time
}

// Cache maps string keys to values with per-entry expiry and LRU eviction.
// Get refreshes recency; expired entries read as absent. Safe for concurrent
// use. Construct with New.
type Cache[V any] struct {
	lru *expirable.LRU[string, entry[V]]
}

// New creates a cache holding at most maxEntries values. The least recently
// touched entry is evicted on overflow.
func New[V any](maxEntries int) *Cache[V] {
	return &Cache[V]{lru: expirable.NewLRU[string, entry[V]](maxEntries, nil, maxTTL)}
}

// Get returns the cached value for key, if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	e, ok := c.lru.Get(key)
	if !ok || time.Now().After(e.expiresAt) {
		if ok {
			c.lru.Remove(key) // lazy purge of an expired entry
		}
		missesTotal.Inc()
		var zero V
		return zero, false
	}
	hitsTotal.Inc()
	return e.val, true
}

// Set stores val under key for at most ttl (clamped to the cache-wide bound).
func (c *Cache[V]) Set(key string, val V, ttl time.Duration) {
	if ttl <= 0 || ttl > maxTTL {
		ttl = maxTTL
	}
	c.lru.Add(key, entry[V]{val: val, expiresAt: time.Now().Add(ttl)})
}

// Delete invalidates key. Deleting an absent key is a no-op.
func (c *Cache[V]) Delete(key string) {
	c.lru.Remove(key)
}

// Len returns the number of live entries (expired-but-unswept included).
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}
