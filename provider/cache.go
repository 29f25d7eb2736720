package provider

import (
	"sync"
	"sync/atomic"
	"time"
)

// ttlCache is a small read-path cache with a single TTL. A zero TTL disables
// caching entirely; Get then always misses.
type ttlCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	hits    atomic.Int64
	misses  atomic.Int64
}

type cacheEntry struct {
	value   interface{}
	expires time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) Get(key string) (interface{}, bool) {
	if c.ttl <= 0 {
		c.misses.Add(1)
		return nil, false
	}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.value, true
}

func (c *ttlCache) Set(key string, value interface{}) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops every entry. Called after any mutating provider call so
// read paths do not serve stale listings.
func (c *ttlCache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *ttlCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
