package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Clock = clk.Now
	return New(cfg), clk
}

func TestLimiter_BurstDeniesAfterCapacity(t *testing.T) {
	l, clk := newTestLimiter(Config{Burst: 3, BurstWindow: 10 * time.Second, PerMinute: 100, PerHour: 1000})

	for i := 0; i < 3; i++ {
		d := l.Check("ip:1")
		require.True(t, d.Allowed, "call %d", i+1)
		assert.Equal(t, 2-i, d.Remaining[LimitBurst])
		clk.Advance(time.Second)
	}

	d := l.Check("ip:1")
	assert.False(t, d.Allowed)
	assert.Equal(t, LimitBurst, d.LimitType)
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, 3, d.Current)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	// oldest at t=0, now t=3s, window 10s
	assert.Equal(t, 7*time.Second, d.RetryAfter)

	clk.Advance(d.RetryAfter)
	d = l.Check("ip:1")
	assert.True(t, d.Allowed)
}

func TestLimiter_DeniedRequestsAreNotRecorded(t *testing.T) {
	l, clk := newTestLimiter(Config{Burst: 1, BurstWindow: 10 * time.Second, PerMinute: 2, PerHour: 100})

	require.True(t, l.Check("a").Allowed)
	for i := 0; i < 5; i++ {
		assert.False(t, l.Check("a").Allowed)
	}

	clk.Advance(10 * time.Second)
	require.True(t, l.Check("a").Allowed, "denials did not fill the minute window")

	clk.Advance(10 * time.Second)
	d := l.Check("a")
	assert.False(t, d.Allowed)
	assert.Equal(t, LimitMinute, d.LimitType)
	assert.Equal(t, 40*time.Second, d.RetryAfter)
}

func TestLimiter_WindowsCheckedInOrder(t *testing.T) {
	l, _ := newTestLimiter(Config{Burst: 2, BurstWindow: 10 * time.Second, PerMinute: 2, PerHour: 2})

	l.Check("a")
	l.Check("a")
	d := l.Check("a")
	assert.False(t, d.Allowed)
	assert.Equal(t, LimitBurst, d.LimitType)
}

func TestLimiter_HourWindow(t *testing.T) {
	l, clk := newTestLimiter(Config{Burst: 100, BurstWindow: 10 * time.Second, PerMinute: 100, PerHour: 3})

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("a").Allowed)
		clk.Advance(20 * time.Minute)
	}
	// t=60m: first request expired exactly now
	assert.True(t, l.Check("a").Allowed)
	d := l.Check("a")
	assert.False(t, d.Allowed)
	assert.Equal(t, LimitHour, d.LimitType)
	assert.Equal(t, 20*time.Minute, d.RetryAfter)
}

func TestLimiter_DisabledWindow(t *testing.T) {
	l, _ := newTestLimiter(Config{Burst: 0, PerMinute: 0, PerHour: 0})
	for i := 0; i < 50; i++ {
		require.True(t, l.Check("a").Allowed)
	}
}

func TestLimiter_IdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{Burst: 1, BurstWindow: time.Second, PerMinute: 10, PerHour: 10})

	assert.True(t, l.Check("ip:1").Allowed)
	assert.False(t, l.Check("ip:1").Allowed)
	assert.True(t, l.Check("ip:2").Allowed)
}

func TestLimiter_PeekDoesNotRecord(t *testing.T) {
	l, _ := newTestLimiter(Config{Burst: 1, BurstWindow: time.Second, PerMinute: 10, PerHour: 10})

	d := l.Peek("a")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining[LimitBurst])
	assert.Equal(t, 0, l.Len())

	l.Check("a")
	assert.False(t, l.Peek("a").Allowed)
	assert.False(t, l.Peek("a").Allowed)
}

func TestLimiter_ResetAndSweep(t *testing.T) {
	l, clk := newTestLimiter(DefaultConfig())

	l.Check("a")
	l.Check("b")
	assert.Equal(t, 2, l.Len())

	l.Reset("a")
	assert.Equal(t, 1, l.Len())

	assert.Equal(t, 0, l.Sweep(), "b still has timestamps")
	clk.Advance(time.Hour)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 0, l.Len())
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(Config{Burst: 50, BurstWindow: time.Minute, PerMinute: 1000, PerHour: 1000})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if l.Check("shared").Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
				l.Check(fmt.Sprintf("own-%d", i))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
	st := l.Stats()
	assert.Equal(t, int64(150), st.Denied)
}

func TestLimiter_RunStopsOnCancel(t *testing.T) {
	l, _ := newTestLimiter(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
