package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Entry represents a cached item with expiration
type Entry struct {
	Key        string
	Value      interface{}
	Expiration time.Time
}

// IsExpired checks if the entry has expired at the given time
func (e *Entry) IsExpired(now time.Time) bool {
	if e.Expiration.IsZero() {
		return false // Never expires
	}
	return !now.Before(e.Expiration)
}

// Store is the behavior shared by a single cache partition and the sharded cache
type Store interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{})
	SetWithTTL(key string, value interface{}, ttl time.Duration)
	Delete(key string)
	Clear()
	Size() int
	Stats() Stats
}

// Stats holds cache counters
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Expired   int64   `json:"expired"`
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
}

func (s *Stats) computeHitRate() {
	total := s.Hits + s.Misses
	if total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
}

// Cache is a thread-safe in-memory cache with TTL support and LRU eviction.
// Every Get moves the entry to the front, so a single mutex guards the partition.
type Cache struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	maxItems int
	ttl      time.Duration
	now      func() time.Time

	// Metrics
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

// Config holds cache configuration
type Config struct {
	MaxItems int
	TTL      time.Duration
	Clock    func() time.Time
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		MaxItems: 10000,
		TTL:      5 * time.Minute,
	}
}

// New creates a new cache partition
func New(cfg Config) *Cache {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Cache{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		maxItems: cfg.MaxItems,
		ttl:      cfg.TTL,
		now:      cfg.Clock,
	}
}

// Get retrieves a value from the cache. Absent and expired entries are both
// reported as misses; expired entries are removed.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		c.misses.Add(1)
		return nil, false
	}

	entry := elem.Value.(*Entry)
	if entry.IsExpired(c.now()) {
		c.removeElement(elem)
		c.expired.Add(1)
		c.misses.Add(1)
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.hits.Add(1)
	return entry.Value, true
}

// Peek returns a value without touching recency or counters
func (c *Cache) Peek(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		return nil, false
	}
	entry := elem.Value.(*Entry)
	if entry.IsExpired(c.now()) {
		return nil, false
	}
	return entry.Value, true
}

// Set stores a value in the cache with the default TTL
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with a custom TTL. A non-positive TTL never expires.
func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}

	if elem, exists := c.items[key]; exists {
		entry := elem.Value.(*Entry)
		entry.Value = value
		entry.Expiration = exp
		c.order.MoveToFront(elem)
		return
	}

	// Evict if at capacity
	for len(c.items) >= c.maxItems {
		c.evictOldest()
	}

	elem := c.order.PushFront(&Entry{Key: key, Value: value, Expiration: exp})
	c.items[key] = elem
}

// Delete removes a value from the cache
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, exists := c.items[key]; exists {
		c.removeElement(elem)
	}
}

// Clear removes all items from the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// Size returns the number of items in the cache, expired ones included
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Capacity returns the maximum number of items
func (c *Cache) Capacity() int {
	return c.maxItems
}

// Keys returns the keys ordered from most to least recently used
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*Entry).Key)
	}
	return keys
}

// Stats returns cache statistics
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
		Size:      c.Size(),
		Capacity:  c.maxItems,
	}
	s.computeHitRate()
	return s
}

// Cleanup removes all expired entries and returns how many were removed
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*Entry).IsExpired(now) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}
	c.expired.Add(int64(removed))
	return removed
}

// evictOldest removes the least recently used entry (must be called with lock held)
func (c *Cache) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
	c.evictions.Add(1)
}

func (c *Cache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*Entry).Key)
}

// GetOrSet gets a value or computes and stores it if not present
func (c *Cache) GetOrSet(key string, fn func() (interface{}, error)) (interface{}, error) {
	return c.GetOrSetWithTTL(key, c.ttl, fn)
}

// GetOrSetWithTTL is like GetOrSet but with custom TTL
func (c *Cache) GetOrSetWithTTL(key string, ttl time.Duration, fn func() (interface{}, error)) (interface{}, error) {
	if val, ok := c.Get(key); ok {
		return val, nil
	}

	val, err := fn()
	if err != nil {
		return nil, err
	}

	c.SetWithTTL(key, val, ttl)
	return val, nil
}
