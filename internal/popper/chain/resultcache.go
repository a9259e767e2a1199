package chain

import (
	"time"

	"github.com/msto63/popper/pkg/core/cache"
)

// ResultCache memoizes validator results in a cache.Store.
// Only valid results are stored and values are cloned in both directions.
type ResultCache struct {
	store cache.Store
	ttl   time.Duration
}

// NewResultCache wraps a store. ttl is used when the request does not set one.
func NewResultCache(store cache.Store, ttl time.Duration) *ResultCache {
	return &ResultCache{store: store, ttl: ttl}
}

// Get returns a copy of the cached result
func (c *ResultCache) Get(key string) (*Result, bool) {
	val, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	r, ok := val.(*Result)
	if !ok {
		c.store.Delete(key)
		return nil, false
	}
	return r.Clone(), true
}

// Put stores a copy of r if it is valid. It reports whether r was stored.
func (c *ResultCache) Put(key string, r *Result, ttl time.Duration) bool {
	if r == nil || !r.IsValid() {
		return false
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.store.SetWithTTL(key, r.Clone(), ttl)
	return true
}

// Delete removes a cached result
func (c *ResultCache) Delete(key string) {
	c.store.Delete(key)
}

// Clear drops every cached result
func (c *ResultCache) Clear() {
	c.store.Clear()
}

// Len returns the number of cached entries
func (c *ResultCache) Len() int {
	return c.store.Size()
}

// Stats returns the underlying store statistics
func (c *ResultCache) Stats() cache.Stats {
	return c.store.Stats()
}
