package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ShardedConfig holds configuration for a sharded cache
type ShardedConfig struct {
	Shards        int
	ShardCapacity int
	TTL           time.Duration
	SweepInterval time.Duration // 0 disables the background sweeper
	Clock         func() time.Time
}

// DefaultShardedConfig returns default sharded cache configuration
func DefaultShardedConfig() ShardedConfig {
	return ShardedConfig{
		Shards:        16,
		ShardCapacity: 1000,
		TTL:           5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Sharded spreads keys over independent LRU partitions. Total capacity is
// Shards x ShardCapacity; each partition evicts on its own.
type Sharded struct {
	shards []*Cache

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSharded creates a sharded cache and starts the sweeper if configured
func NewSharded(cfg ShardedConfig) *Sharded {
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.ShardCapacity <= 0 {
		cfg.ShardCapacity = 1000
	}

	s := &Sharded{
		shards: make([]*Cache, cfg.Shards),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = New(Config{
			MaxItems: cfg.ShardCapacity,
			TTL:      cfg.TTL,
			Clock:    cfg.Clock,
		})
	}

	if cfg.SweepInterval > 0 {
		go s.sweepLoop(cfg.SweepInterval)
	} else {
		close(s.doneCh)
	}

	return s
}

func (s *Sharded) shardFor(key string) *Cache {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Get retrieves a value from the owning shard
func (s *Sharded) Get(key string) (interface{}, bool) {
	return s.shardFor(key).Get(key)
}

// Set stores a value with the default TTL
func (s *Sharded) Set(key string, value interface{}) {
	s.shardFor(key).Set(key, value)
}

// SetWithTTL stores a value with a custom TTL
func (s *Sharded) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	s.shardFor(key).SetWithTTL(key, value, ttl)
}

// Delete removes a value
func (s *Sharded) Delete(key string) {
	s.shardFor(key).Delete(key)
}

// Clear empties every shard
func (s *Sharded) Clear() {
	for _, shard := range s.shards {
		shard.Clear()
	}
}

// Size returns the total number of entries
func (s *Sharded) Size() int {
	total := 0
	for _, shard := range s.shards {
		total += shard.Size()
	}
	return total
}

// Capacity returns the total capacity across shards
func (s *Sharded) Capacity() int {
	total := 0
	for _, shard := range s.shards {
		total += shard.Capacity()
	}
	return total
}

// ShardCount returns the number of partitions
func (s *Sharded) ShardCount() int {
	return len(s.shards)
}

// Stats aggregates statistics over all shards
func (s *Sharded) Stats() Stats {
	var agg Stats
	for _, shard := range s.shards {
		st := shard.Stats()
		agg.Hits += st.Hits
		agg.Misses += st.Misses
		agg.Evictions += st.Evictions
		agg.Expired += st.Expired
		agg.Size += st.Size
		agg.Capacity += st.Capacity
	}
	agg.computeHitRate()
	return agg
}

// Cleanup sweeps expired entries from every shard
func (s *Sharded) Cleanup() int {
	removed := 0
	for _, shard := range s.shards {
		removed += shard.Cleanup()
	}
	return removed
}

// Close stops the background sweeper
func (s *Sharded) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

func (s *Sharded) sweepLoop(interval time.Duration) {
	defer close(s.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}
