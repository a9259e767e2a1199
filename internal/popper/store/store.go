package store

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned by every operation after Close
var ErrStoreClosed = errors.New("store closed")

// Record is one audited validation run
type Record struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Method     string    `json:"method,omitempty"`
	Path       string    `json:"path"`
	ClientIP   string    `json:"client_ip,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Status     string    `json:"status"`
	Valid      bool      `json:"valid"`
	ErrorCodes []string  `json:"error_codes,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// Filter selects audit records. Zero fields match everything.
type Filter struct {
	Path      string
	Status    string
	RequestID string
	Valid     *bool
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Stats summarizes the audit log
type Stats struct {
	Total      int64            `json:"total"`
	Invalid    int64            `json:"invalid"`
	ByStatus   map[string]int64 `json:"by_status"`
	ByPath     map[string]int64 `json:"by_path"`
	LastRecord time.Time        `json:"last_record,omitempty"`
}

// Session is an issued session that the session validator may confirm
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	// ExpiresAt zero means the session does not expire
	ExpiresAt time.Time
}

// AuditStore persists validation runs
type AuditStore interface {
	Record(ctx context.Context, rec *Record) error
	Query(ctx context.Context, filter Filter) ([]*Record, error)
	Stats(ctx context.Context) (*Stats, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

func matches(rec *Record, f Filter) bool {
	if f.Path != "" && rec.Path != f.Path {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.RequestID != "" && rec.RequestID != f.RequestID {
		return false
	}
	if f.Valid != nil && rec.Valid != *f.Valid {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	return true
}
