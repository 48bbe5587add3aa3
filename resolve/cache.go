package resolve

import (
	"sync"
	"time"
)

// outcomeCache holds successful outcomes for a short TTL, keyed by selector
// and scope version. A scope transition bumps the version, so stale entries
// die with the scope state that produced them.
type outcomeCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	selector     string
	scope        string
	scopeVersion int64
}

type cacheEntry struct {
	outcome *Outcome
	expires time.Time
}

func newOutcomeCache(ttl time.Duration) *outcomeCache {
	return &outcomeCache{ttl: ttl, entries: make(map[cacheKey]cacheEntry)}
}

func (c *outcomeCache) get(k cacheKey) (*Outcome, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		c.mu.Lock()
		delete(c.entries, k)
		c.mu.Unlock()
		return nil, false
	}
	return e.outcome, true
}

func (c *outcomeCache) put(k cacheKey, o *Outcome) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistic sweep keeps the map from accumulating dead scope
	// versions.
	if len(c.entries) > 0 && len(c.entries)%64 == 0 {
		now := time.Now()
		for key, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, key)
			}
		}
	}
	c.entries[k] = cacheEntry{outcome: o, expires: time.Now().Add(c.ttl)}
}

func (c *outcomeCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]cacheEntry)
}
