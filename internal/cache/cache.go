package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openlift/openlift/internal/api"
)

// ResultCache is a size-bounded, TTL-expiring cache of finished
// comparison results keyed by request fingerprint. Identical compare
// requests (same spec, mapping, method, row count) are served from here
// instead of re-running the estimators.
type ResultCache struct {
	cache  *lru.Cache[string, *resultEntry]
	ttl    time.Duration
	mu     sync.RWMutex
	hits   atomic.Uint64
	misses atomic.Uint64
}

type resultEntry struct {
	result    *api.ComparisonResult
	expiresAt time.Time
}

// NewResultCache creates a result cache. size bounds the entry count
// (LRU eviction when full); ttl of 0 disables expiration.
func NewResultCache(size int, ttl time.Duration) (*ResultCache, error) {
	inner, err := lru.New[string, *resultEntry](size)
	if err != nil {
		return nil, err
	}
	return &ResultCache{cache: inner, ttl: ttl}, nil
}

// Get retrieves a cached result by request fingerprint.
func (c *ResultCache) Get(requestID string) (*api.ComparisonResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Counters are atomic because Get only holds the read lock, which
	// concurrent readers share.
	e, ok := c.cache.Get(requestID)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if c.ttl > 0 && time.Now().After(e.expiresAt) {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return e.result, true
}

// Set stores a finished result under its request fingerprint.
func (c *ResultCache) Set(requestID string, result *api.ComparisonResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Time{}
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	c.cache.Add(requestID, &resultEntry{result: result, expiresAt: expiresAt})
}

// Len returns the number of cached entries.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Len()
}

// Stats holds hit/miss counters for observability.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns current cache statistics.
func (c *ResultCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Size:    c.cache.Len(),
		HitRate: hitRate,
	}
}

// CleanupExpired removes expired entries. O(n); run it from a
// background ticker, not on the request path.
func (c *ResultCache) CleanupExpired() int {
	if c.ttl == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range c.cache.Keys() {
		if e, ok := c.cache.Peek(key); ok && now.After(e.expiresAt) {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}
