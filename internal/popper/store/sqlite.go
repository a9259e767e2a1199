package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// SQLiteConfig holds configuration for the SQLite store
type SQLiteConfig struct {
	Path  string
	Clock func() time.Time
}

// DefaultSQLiteConfig returns default configuration
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path: "./data/popper-audit.db",
	}
}

// SQLiteStore keeps the audit log and the session table in one SQLite database
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens or creates the database at cfg.Path
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultSQLiteConfig().Path
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db, now: cfg.Clock}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		request_id TEXT NOT NULL,
		method TEXT,
		path TEXT NOT NULL,
		client_ip TEXT,
		user_id TEXT,
		status TEXT NOT NULL,
		valid INTEGER NOT NULL,
		error_codes TEXT,
		duration_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		revoked INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_path ON audit(path);
	CREATE INDEX IF NOT EXISTS idx_audit_status ON audit(status);
	CREATE INDEX IF NOT EXISTS idx_audit_request_id ON audit(request_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record inserts an audit record, assigning id and timestamp when missing
func (s *SQLiteStore) Record(ctx context.Context, rec *Record) error {
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

	var codesJSON []byte
	if len(rec.ErrorCodes) > 0 {
		codesJSON, _ = json.Marshal(rec.ErrorCodes)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (id, timestamp, request_id, method, path, client_ip, user_id, status, valid, error_codes, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Timestamp.UnixNano(), rec.RequestID, rec.Method, rec.Path, rec.ClientIP, rec.UserID,
		rec.Status, rec.Valid, string(codesJSON), rec.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// Query returns matching records, newest first
func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `SELECT id, timestamp, request_id, method, path, client_ip, user_id, status, valid, error_codes, duration_ms FROM audit WHERE 1=1`
	var args []interface{}

	if filter.Path != "" {
		query += " AND path = ?"
		args = append(args, filter.Path)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.RequestID != "" {
		query += " AND request_id = ?"
		args = append(args, filter.RequestID)
	}
	if filter.Valid != nil {
		query += " AND valid = ?"
		args = append(args, *filter.Valid)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.Until.UnixNano())
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var ts int64
		var method, clientIP, userID, codes sql.NullString

		if err := rows.Scan(&rec.ID, &ts, &rec.RequestID, &method, &rec.Path, &clientIP, &userID,
			&rec.Status, &rec.Valid, &codes, &rec.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		rec.Timestamp = time.Unix(0, ts)
		rec.Method = method.String
		rec.ClientIP = clientIP.String
		rec.UserID = userID.String
		if codes.Valid && codes.String != "" {
			if err := json.Unmarshal([]byte(codes.String), &rec.ErrorCodes); err != nil {
				return nil, fmt.Errorf("failed to decode error codes of %s: %w", rec.ID, err)
			}
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Stats returns totals by status and path
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{ByStatus: make(map[string]int64), ByPath: make(map[string]int64)}

	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN valid = 0 THEN 1 ELSE 0 END), 0), MAX(timestamp) FROM audit`,
	).Scan(&stats.Total, &stats.Invalid, &last); err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}
	if last.Valid {
		stats.LastRecord = time.Unix(0, last.Int64)
	}

	if err := s.countBy(ctx, "status", stats.ByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "path", stats.ByPath); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM audit GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("failed to group audit records by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		into[key] = count
	}
	return rows.Err()
}

// Prune removes records older than olderThan and expired sessions
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE timestamp < ?`, now.Add(-olderThan).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixNano()); err != nil {
		return deleted, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return deleted, nil
}

// CreateSession stores or replaces a session
func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	var expires sql.NullInt64
	if !sess.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: sess.ExpiresAt.UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, user_id, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, 0)
	`, sess.ID, sess.UserID, sess.CreatedAt.UnixNano(), expires)
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// RevokeSession marks a session revoked. Unknown ids are not an error.
func (s *SQLiteStore) RevokeSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// Exists reports whether id is a known, unrevoked and unexpired session
func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE id = ? AND revoked = 0 AND (expires_at IS NULL OR expires_at > ?)
	`, id, s.now().UnixNano()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up session: %w", err)
	}
	return n > 0, nil
}

// Vacuum optimizes the database
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

// Close closes the database. Later calls return ErrStoreClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	return s.db.Close()
}
