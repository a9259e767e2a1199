// Package ratelimit implements a sliding-window request limiter keyed by
// client identity. Each identity keeps one timestamp queue per window.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// LimitType names a window
type LimitType string

const (
	LimitBurst  LimitType = "burst"
	LimitMinute LimitType = "minute"
	LimitHour   LimitType = "hour"
)

// Window is one sliding window. A non-positive limit disables it.
type Window struct {
	Type  LimitType
	Span  time.Duration
	Limit int
}

// Config holds limiter configuration
type Config struct {
	Burst       int
	BurstWindow time.Duration
	PerMinute   int
	PerHour     int
	Shards      int
	Clock       func() time.Time
}

// DefaultConfig returns the default limits: 10 per 10s, 60 per minute, 1000 per hour
func DefaultConfig() Config {
	return Config{
		Burst:       10,
		BurstWindow: 10 * time.Second,
		PerMinute:   60,
		PerHour:     1000,
		Shards:      16,
	}
}

// Decision is the outcome of a check
type Decision struct {
	Allowed    bool              `json:"allowed"`
	LimitType  LimitType         `json:"limit_type,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Current    int               `json:"current,omitempty"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	Remaining  map[LimitType]int `json:"remaining,omitempty"`
}

// Stats holds limiter counters
type Stats struct {
	Allowed    int64 `json:"allowed"`
	Denied     int64 `json:"denied"`
	Identities int   `json:"identities"`
}

// Limiter tracks request timestamps per identity
type Limiter struct {
	windows []Window
	shards  []*shard
	now     func() time.Time

	allowed atomic.Int64
	denied  atomic.Int64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// entry holds one queue per window, oldest timestamp first
type entry struct {
	mu     sync.Mutex
	queues [][]time.Time
}

// New creates a limiter
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = def.BurstWindow
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	l := &Limiter{
		windows: []Window{
			{Type: LimitBurst, Span: cfg.BurstWindow, Limit: cfg.Burst},
			{Type: LimitMinute, Span: time.Minute, Limit: cfg.PerMinute},
			{Type: LimitHour, Span: time.Hour, Limit: cfg.PerHour},
		},
		shards: make([]*shard, cfg.Shards),
		now:    cfg.Clock,
	}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return l
}

// Windows returns the configured windows in check order
func (l *Limiter) Windows() []Window {
	out := make([]Window, len(l.windows))
	copy(out, l.windows)
	return out
}

func (l *Limiter) shardFor(id string) *shard {
	return l.shards[xxhash.Sum64String(id)%uint64(len(l.shards))]
}

// lock returns the entry for id with its mutex held, creating it if needed
func (l *Limiter) lock(id string, create bool) *entry {
	s := l.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		if !create {
			return nil
		}
		e = &entry{queues: make([][]time.Time, len(l.windows))}
		s.entries[id] = e
	}
	e.mu.Lock()
	return e
}

// Check records a request for id if every window has capacity. Windows are
// checked burst, minute, hour; a denied request is not recorded.
func (l *Limiter) Check(id string) Decision {
	e := l.lock(id, true)
	defer e.mu.Unlock()

	now := l.now()
	l.evict(e, now)

	if d, denied := l.firstFull(e, now); denied {
		l.denied.Add(1)
		return d
	}

	d := Decision{Allowed: true, Remaining: make(map[LimitType]int, len(l.windows))}
	for i, w := range l.windows {
		e.queues[i] = append(e.queues[i], now)
		if w.Limit > 0 {
			d.Remaining[w.Type] = w.Limit - len(e.queues[i])
		}
	}
	l.allowed.Add(1)
	return d
}

// Peek reports what Check would decide without recording anything
func (l *Limiter) Peek(id string) Decision {
	e := l.lock(id, false)
	if e == nil {
		d := Decision{Allowed: true, Remaining: make(map[LimitType]int, len(l.windows))}
		for _, w := range l.windows {
			if w.Limit > 0 {
				d.Remaining[w.Type] = w.Limit
			}
		}
		return d
	}
	defer e.mu.Unlock()

	now := l.now()
	l.evict(e, now)
	if d, denied := l.firstFull(e, now); denied {
		return d
	}

	d := Decision{Allowed: true, Remaining: make(map[LimitType]int, len(l.windows))}
	for i, w := range l.windows {
		if w.Limit > 0 {
			d.Remaining[w.Type] = w.Limit - len(e.queues[i])
		}
	}
	return d
}

func (l *Limiter) firstFull(e *entry, now time.Time) (Decision, bool) {
	for i, w := range l.windows {
		q := e.queues[i]
		if w.Limit <= 0 || len(q) < w.Limit {
			continue
		}
		return Decision{
			Allowed:    false,
			LimitType:  w.Type,
			Limit:      w.Limit,
			Current:    len(q),
			RetryAfter: q[0].Add(w.Span).Sub(now),
		}, true
	}
	return Decision{}, false
}

// evict drops timestamps that left their window (must be called with entry lock held)
func (l *Limiter) evict(e *entry, now time.Time) {
	for i, w := range l.windows {
		q := e.queues[i]
		cutoff := now.Add(-w.Span)
		n := 0
		for n < len(q) && !q[n].After(cutoff) {
			n++
		}
		if n > 0 {
			e.queues[i] = append(q[:0:0], q[n:]...)
		}
	}
}

// Reset forgets all timestamps of id
func (l *Limiter) Reset(id string) {
	s := l.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Sweep drops identities whose queues are all empty and returns their number
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			e.mu.Lock()
			l.evict(e, now)
			empty := true
			for _, q := range e.queues {
				if len(q) > 0 {
					empty = false
					break
				}
			}
			e.mu.Unlock()
			if empty {
				delete(s.entries, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps at the given interval until ctx is done
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Len returns the number of tracked identities
func (l *Limiter) Len() int {
	total := 0
	for _, s := range l.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// Stats returns limiter counters
func (l *Limiter) Stats() Stats {
	return Stats{
		Allowed:    l.allowed.Load(),
		Denied:     l.denied.Load(),
		Identities: l.Len(),
	}
}
