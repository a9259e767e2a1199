package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryStore is an in-memory AuditStore for tests and audit-less deployments
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	now     func() time.Time
	closed  bool
}

// NewMemoryStore creates an empty memory store. clock may be nil.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{now: clock}
}

// Record appends a copy of rec
func (s *MemoryStore) Record(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	if rec.ID == "" {
		rec.ID = ulid.MustNew(ulid.Timestamp(rec.Timestamp), ulid.DefaultEntropy()).String()
	}
	cp := *rec
	cp.ErrorCodes = append([]string(nil), rec.ErrorCodes...)
	s.records = append(s.records, &cp)
	return nil
}

// Query returns matching records, newest first
func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var results []*Record
	for _, rec := range s.records {
		if matches(rec, filter) {
			cp := *rec
			results = append(results, &cp)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].Timestamp.After(results[j].Timestamp)
		}
		return results[i].ID > results[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return nil, nil
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(results) {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Stats returns totals by status and path
func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{ByStatus: make(map[string]int64), ByPath: make(map[string]int64)}
	for _, rec := range s.records {
		stats.Total++
		if !rec.Valid {
			stats.Invalid++
		}
		stats.ByStatus[rec.Status]++
		stats.ByPath[rec.Path]++
		if rec.Timestamp.After(stats.LastRecord) {
			stats.LastRecord = rec.Timestamp
		}
	}
	return stats, nil
}

// Prune removes records older than olderThan
func (s *MemoryStore) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := s.now().Add(-olderThan)
	kept := s.records[:0]
	var deleted int64
	for _, rec := range s.records {
		if rec.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return deleted, nil
}

// Close marks the store closed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	return nil
}
