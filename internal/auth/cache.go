package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// resolveCache keeps recently resolved identities in memory with per-entry
// expiry so Resolve stays O(1) on the hot path. Stale entries are evicted
// opportunistically on read and on a size-triggered sweep.
type resolveCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	hits    atomic.Uint64
	misses  atomic.Uint64
}

type cacheEntry struct {
	identity Identity
	until    time.Time
}

const cacheSweepThreshold = 4096

func newResolveCache() *resolveCache {
	return &resolveCache{entries: make(map[string]cacheEntry)}
}

func (c *resolveCache) get(token string, now time.Time) (*Identity, bool) {
	c.mu.RLock()
	e, ok := c.entries[token]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if !now.Before(e.until) {
		c.mu.Lock()
		delete(c.entries, token)
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	id := e.identity
	return &id, true
}

func (c *resolveCache) put(token string, id *Identity, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= cacheSweepThreshold {
		now := time.Now()
		for k, e := range c.entries {
			if !now.Before(e.until) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[token] = cacheEntry{identity: *id, until: until}
}

func (c *resolveCache) drop(token string) {
	c.mu.Lock()
	delete(c.entries, token)
	c.mu.Unlock()
}

func (c *resolveCache) stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
