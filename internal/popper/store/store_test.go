package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newSQLite(t *testing.T, c *clock) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "audit.db"), Clock: c.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// both implementations must behave the same
func stores(t *testing.T, c *clock) map[string]AuditStore {
	return map[string]AuditStore{
		"sqlite": newSQLite(t, c),
		"memory": NewMemoryStore(c.Now),
	}
}

func seed(t *testing.T, s AuditStore, c *clock) {
	t.Helper()
	ctx := context.Background()
	base := c.now

	recs := []*Record{
		{RequestID: "r1", Method: "POST", Path: "/api/chat", Status: "success", Valid: true, DurationMS: 3},
		{RequestID: "r2", Method: "POST", Path: "/api/chat", Status: "critical", ErrorCodes: []string{"XSS_DETECTED"}, DurationMS: 4},
		{RequestID: "r3", Method: "GET", Path: "/api/models", Status: "error", ErrorCodes: []string{"RATE_LIMIT_EXCEEDED"}, DurationMS: 1},
	}
	for i, rec := range recs {
		c.now = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Record(ctx, rec))
		assert.NotEmpty(t, rec.ID)
	}
	c.now = base.Add(10 * time.Minute)
}

func TestStore_RecordAndQuery(t *testing.T) {
	c := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	for name, s := range stores(t, c) {
		t.Run(name, func(t *testing.T) {
			c.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			seed(t, s, c)
			ctx := context.Background()

			all, err := s.Query(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "r3", all[0].RequestID, "newest first")
			assert.Equal(t, []string{"RATE_LIMIT_EXCEEDED"}, all[0].ErrorCodes)
			assert.Equal(t, "GET", all[0].Method)

			chat, err := s.Query(ctx, Filter{Path: "/api/chat"})
			require.NoError(t, err)
			assert.Len(t, chat, 2)

			invalid := false
			failed, err := s.Query(ctx, Filter{Valid: &invalid})
			require.NoError(t, err)
			assert.Len(t, failed, 2)

			crit, err := s.Query(ctx, Filter{Status: "critical"})
			require.NoError(t, err)
			require.Len(t, crit, 1)
			assert.Equal(t, "r2", crit[0].RequestID)

			since, err := s.Query(ctx, Filter{Since: time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)})
			require.NoError(t, err)
			assert.Len(t, since, 2)

			page, err := s.Query(ctx, Filter{Limit: 1, Offset: 1})
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, "r2", page[0].RequestID)

			byID, err := s.Query(ctx, Filter{RequestID: "r1"})
			require.NoError(t, err)
			require.Len(t, byID, 1)
			assert.True(t, byID[0].Valid)
			assert.Empty(t, byID[0].ErrorCodes)
		})
	}
}

func TestStore_Stats(t *testing.T) {
	c := &clock{}
	for name, s := range stores(t, c) {
		t.Run(name, func(t *testing.T) {
			c.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			seed(t, s, c)

			stats, err := s.Stats(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(3), stats.Total)
			assert.Equal(t, int64(2), stats.Invalid)
			assert.Equal(t, int64(1), stats.ByStatus["critical"])
			assert.Equal(t, int64(2), stats.ByPath["/api/chat"])
			assert.True(t, stats.LastRecord.Equal(time.Date(2025, 6, 1, 12, 2, 0, 0, time.UTC)))
		})
	}
}

func TestStore_Prune(t *testing.T) {
	c := &clock{}
	for name, s := range stores(t, c) {
		t.Run(name, func(t *testing.T) {
			c.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			seed(t, s, c)

			// now is 12:10; keep the last 9 minutes (12:01 onwards)
			n, err := s.Prune(context.Background(), 9*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			left, err := s.Query(context.Background(), Filter{})
			require.NoError(t, err)
			assert.Len(t, left, 2)
		})
	}
}

func TestStore_Closed(t *testing.T) {
	c := &clock{now: time.Now()}
	for name, s := range stores(t, c) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Close())
			ctx := context.Background()

			assert.ErrorIs(t, s.Record(ctx, &Record{Path: "/x"}), ErrStoreClosed)
			_, err := s.Query(ctx, Filter{})
			assert.ErrorIs(t, err, ErrStoreClosed)
			_, err = s.Stats(ctx)
			assert.ErrorIs(t, err, ErrStoreClosed)
			_, err = s.Prune(ctx, time.Hour)
			assert.ErrorIs(t, err, ErrStoreClosed)
			assert.ErrorIs(t, s.Close(), ErrStoreClosed)
		})
	}
}

func TestSQLiteStore_Sessions(t *testing.T) {
	c := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := newSQLite(t, c)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, Session{ID: "forever", UserID: "alice"}))
	require.NoError(t, s.CreateSession(ctx, Session{ID: "short", UserID: "bob", ExpiresAt: c.now.Add(time.Minute)}))
	require.NoError(t, s.CreateSession(ctx, Session{ID: "revoked", UserID: "carol"}))
	require.NoError(t, s.RevokeSession(ctx, "revoked"))

	for id, want := range map[string]bool{"forever": true, "short": true, "revoked": false, "missing": false} {
		ok, err := s.Exists(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, ok, id)
	}

	c.now = c.now.Add(2 * time.Minute)
	ok, err := s.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok, "expired")

	_, err = s.Prune(ctx, time.Hour)
	require.NoError(t, err)
	ok, err = s.Exists(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	s, err := NewSQLiteStore(SQLiteConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), &Record{RequestID: "r1", Path: "/a", Status: "success", Valid: true}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(SQLiteConfig{Path: path})
	require.NoError(t, err)
	defer s.Close()

	recs, err := s.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "r1", recs[0].RequestID)
}
