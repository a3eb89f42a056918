package reputation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raakeshmj/gatewarden/internal/db"
	"github.com/raakeshmj/gatewarden/internal/repository"
	"github.com/raakeshmj/gatewarden/internal/repository/memory"
	"github.com/raakeshmj/gatewarden/internal/threat"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTracker(t *testing.T) (*Tracker, *memory.MemoryRepository, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New()
	tr := NewTracker(store, DefaultPolicy(), nil, nil).WithClock(clk.Now)
	return tr, store, clk
}

var (
	sqli = threat.Match{Category: threat.CategorySQLInjection, Severity: db.SeverityCritical}
	xss  = threat.Match{Category: threat.CategoryXSS, Severity: db.SeverityHigh}
	scan = threat.Match{Category: threat.CategoryScannerUA, Severity: db.SeverityMedium}
)

func TestCriticalHitBlocksImmediately(t *testing.T) {
	tr, store, clk := newTracker(t)
	ctx := context.Background()

	assert.False(t, tr.IsBlocked(ctx, "10.0.0.5"))
	assert.Equal(t, StateUnknown, tr.Snapshot("10.0.0.5").State)

	tr.Record("10.0.0.5", []threat.Match{sqli})
	a := tr.Evaluate("10.0.0.5")
	require.True(t, a.Block)
	assert.Contains(t, a.Reason, threat.CategorySQLInjection)
	require.NoError(t, tr.AutoBlock(ctx, "10.0.0.5", a.Reason))

	assert.True(t, tr.IsBlocked(ctx, "10.0.0.5"))
	assert.Equal(t, StateBlocked, tr.Snapshot("10.0.0.5").State)

	ban, err := store.IsIPBlocked(ctx, "10.0.0.5", clk.Now())
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, AutoBlockedBy, ban.BlockedBy)
	assert.Equal(t, clk.Now().Add(30*time.Minute), ban.ExpiresAt)
}

func TestHighSignalsAccumulate(t *testing.T) {
	tr, _, _ := newTracker(t)

	for i := 0; i < 4; i++ {
		tr.Record("10.0.0.6", []threat.Match{xss})
		assert.False(t, tr.Evaluate("10.0.0.6").Block, "signal %d", i+1)
	}
	tr.Record("10.0.0.6", []threat.Match{xss})
	a := tr.Evaluate("10.0.0.6")
	assert.True(t, a.Block)
	assert.Len(t, a.Signals, 1)
}

func TestSignalsOutsideWindowDoNotCount(t *testing.T) {
	tr, _, clk := newTracker(t)

	for i := 0; i < 4; i++ {
		tr.Record("10.0.0.7", []threat.Match{xss})
		tr.Evaluate("10.0.0.7")
	}
	clk.Advance(61 * time.Minute)
	tr.Record("10.0.0.7", []threat.Match{xss})
	assert.False(t, tr.Evaluate("10.0.0.7").Block)
}

func TestMediumSignalsNeverBlock(t *testing.T) {
	tr, _, _ := newTracker(t)

	for i := 0; i < 20; i++ {
		tr.Record("10.0.0.8", []threat.Match{scan})
		tr.ReportRateLimited("10.0.0.8", "tok")
		assert.False(t, tr.Evaluate("10.0.0.8").Block)
	}
	assert.Equal(t, 20, tr.Snapshot("10.0.0.8").Hits[threat.CategoryScannerUA])
}

func TestHighFrequencySignal(t *testing.T) {
	tr, _, clk := newTracker(t)

	for i := 0; i < 100; i++ {
		tr.Record("10.0.0.9", nil)
	}
	assert.Empty(t, tr.Evaluate("10.0.0.9").Signals)

	tr.Record("10.0.0.9", nil)
	a := tr.Evaluate("10.0.0.9")
	require.Len(t, a.Signals, 1)
	assert.Equal(t, SignalHighFrequency, a.Signals[0].Kind)

	// At most one rate signal of a kind per minute.
	tr.Record("10.0.0.9", nil)
	assert.Empty(t, tr.Evaluate("10.0.0.9").Signals)

	clk.Advance(time.Minute)
	tr.Record("10.0.0.9", nil)
	assert.Len(t, tr.Evaluate("10.0.0.9").Signals, 1)

	// Older than the ten minute rate window.
	clk.Advance(11 * time.Minute)
	tr.Record("10.0.0.9", nil)
	assert.Empty(t, tr.Evaluate("10.0.0.9").Signals)
}

func TestHighErrorRateSignal(t *testing.T) {
	tr, _, _ := newTracker(t)

	for i := 0; i < 30; i++ {
		tr.Record("10.0.1.1", nil)
		if i < 21 {
			tr.ObserveResponse("10.0.1.1", 404)
		} else {
			tr.ObserveResponse("10.0.1.1", 200)
		}
	}
	a := tr.Evaluate("10.0.1.1")
	require.Len(t, a.Signals, 1)
	assert.Equal(t, SignalHighErrorRate, a.Signals[0].Kind)

	// 21 errors out of 111 requests is under 20%.
	for i := 0; i < 90; i++ {
		tr.Record("10.0.1.2", nil)
	}
	for i := 0; i < 21; i++ {
		tr.Record("10.0.1.2", nil)
		tr.ObserveResponse("10.0.1.2", 500)
	}
	for _, s := range tr.Evaluate("10.0.1.2").Signals {
		assert.NotEqual(t, SignalHighErrorRate, s.Kind)
	}
}

func TestRepeatedRateSignalsBlock(t *testing.T) {
	tr, _, clk := newTracker(t)

	blocked := false
	for minute := 0; minute < 5 && !blocked; minute++ {
		for i := 0; i < 101; i++ {
			tr.Record("10.0.1.3", nil)
		}
		blocked = tr.Evaluate("10.0.1.3").Block
		clk.Advance(time.Minute)
	}
	assert.True(t, blocked)
}

func TestBanLapsesAndRenews(t *testing.T) {
	tr, store, clk := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.AutoBlock(ctx, "10.0.2.1", "test"))
	clk.Advance(10 * time.Minute)
	require.NoError(t, tr.AutoBlock(ctx, "10.0.2.1", "again"))

	ban, err := store.IsIPBlocked(ctx, "10.0.2.1", clk.Now())
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, clk.Now().Add(30*time.Minute), ban.ExpiresAt)

	clk.Advance(30*time.Minute - time.Nanosecond)
	assert.True(t, tr.IsBlocked(ctx, "10.0.2.1"))
	clk.Advance(time.Nanosecond)
	assert.False(t, tr.IsBlocked(ctx, "10.0.2.1"))
	assert.Equal(t, StateWatched, tr.Snapshot("10.0.2.1").State)
}

func TestAutoBlockKeepsPermanentBan(t *testing.T) {
	tr, store, clk := newTracker(t)
	ctx := context.Background()

	_, err := tr.Block(ctx, "10.0.2.2", "abuse report", 0, "ops")
	require.NoError(t, err)
	require.NoError(t, tr.AutoBlock(ctx, "10.0.2.2", "critical threat"))

	clk.Advance(48 * time.Hour)
	ban, err := store.IsIPBlocked(ctx, "10.0.2.2", clk.Now())
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.True(t, ban.Permanent())
	assert.Equal(t, "ops", ban.BlockedBy)
	assert.True(t, tr.IsBlocked(ctx, "10.0.2.2"))
}

func TestBanPlacedElsewhereIsSeen(t *testing.T) {
	tr, store, clk := newTracker(t)
	ctx := context.Background()

	require.NoError(t, store.BlockIP(ctx, &db.BlockedIP{
		IP: "10.0.2.3", Reason: "peer", BlockedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Minute), BlockedBy: AutoBlockedBy,
	}))
	assert.True(t, tr.IsBlocked(ctx, "10.0.2.3"))

	clk.Advance(time.Minute)
	assert.False(t, tr.IsBlocked(ctx, "10.0.2.3"))
}

func TestManualBlockAndUnblock(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()

	_, err := tr.Block(ctx, "not-an-ip", "x", time.Hour, "ops")
	assert.ErrorIs(t, err, ErrInvalidIP)

	_, err = tr.Block(ctx, "2001:db8::1", "x", time.Hour, "ops")
	require.NoError(t, err)
	assert.True(t, tr.IsBlocked(ctx, "2001:db8::1"))

	list, err := tr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2001:db8::1", list[0].IP)

	require.NoError(t, tr.Unblock(ctx, "2001:db8::1"))
	assert.False(t, tr.IsBlocked(ctx, "2001:db8::1"))
	assert.ErrorIs(t, tr.Unblock(ctx, "2001:db8::1"), repository.ErrNotFound)
}

func TestSweepEvictsIdleEntries(t *testing.T) {
	tr, _, clk := newTracker(t)
	ctx := context.Background()

	tr.Record("10.0.3.1", nil)
	tr.Record("10.0.3.2", nil)
	_, err := tr.Block(ctx, "10.0.3.3", "x", 0, "ops")
	require.NoError(t, err)

	clk.Advance(12 * time.Hour)
	tr.Record("10.0.3.2", nil)
	assert.Equal(t, 0, tr.Sweep())

	clk.Advance(12*time.Hour + time.Second)
	assert.Equal(t, 1, tr.Sweep())
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, StateUnknown, tr.Snapshot("10.0.3.1").State)

	// An evicted IP starts over cleanly.
	tr.Record("10.0.3.1", nil)
	assert.Equal(t, 1, tr.Snapshot("10.0.3.1").Requests)
}

func TestConcurrentRecording(t *testing.T) {
	tr, _, _ := newTracker(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ip := fmt.Sprintf("10.1.%d.%d", g, i%5)
				tr.Record(ip, nil)
				tr.ObserveResponse(ip, 401)
				tr.Evaluate(ip)
				tr.IsBlocked(context.Background(), ip)
				if i%10 == 0 {
					tr.Sweep()
				}
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 40, tr.Len())
	assert.Equal(t, 10, tr.Snapshot("10.1.0.0").Requests)
}

func TestRunStopsWithContext(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, time.Millisecond) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
