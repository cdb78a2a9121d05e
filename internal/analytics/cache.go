// Package analytics keeps an append-only log of deployment events and
// computes aggregate statistics on demand.
package analytics

import (
	"context"
	"sync"
	"time"
)

// Cache stores serialized derived-query results. Entries are dropped wholesale
// whenever a new event is recorded, so staleness is bounded by the TTL only
// for idle deployments.
type Cache interface {
	// Get retrieves a cached result. The second return is false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores a result under key for ttl.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Flush drops every cached result.
	Flush(ctx context.Context) error
}

// CacheStats counts cache traffic.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Puts    int64 `json:"puts"`
	Flushes int64 `json:"flushes"`
}

// cacheEntry is an internal memory cache entry.
type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-memory Cache. Suitable for tests and single-instance
// deployments.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry

	hits    int64
	misses  int64
	puts    int64
	flushes int64

	defaultTTL time.Duration
}

// NewMemoryCache creates an in-memory cache. A zero ttl defaults to 15
// minutes.
func NewMemoryCache(defaultTTL time.Duration) *MemoryCache {
	if defaultTTL == 0 {
		defaultTTL = 15 * time.Minute
	}
	return &MemoryCache{
		entries:    make(map[string]*cacheEntry),
		defaultTTL: defaultTTL,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false, nil
	}

	c.hits++
	return e.value, true, nil
}

// Put implements Cache.
func (c *MemoryCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.defaultTTL
	}
	c.entries[key] = &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	c.puts++
	return nil
}

// Flush implements Cache.
func (c *MemoryCache) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.flushes++
	return nil
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() *CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Puts:    c.puts,
		Flushes: c.flushes,
	}
}

// Size returns the number of cached entries.
func (c *MemoryCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// NopCache is a Cache that caches nothing, for when caching is disabled.
type NopCache struct{}

// Get always misses.
func (NopCache) Get(ctx context.Context, key string) ([]byte, bool, error) { return nil, false, nil }

// Put does nothing.
func (NopCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

// Flush does nothing.
func (NopCache) Flush(ctx context.Context) error { return nil }
