package limiter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raakeshmj/gatewarden/internal/circuitbreaker"
	"github.com/raakeshmj/gatewarden/internal/reliability"
)

type fakeCounter struct {
	hourly, daily int64
	err           error
	delay         time.Duration
	calls         atomic.Int32
}

func (f *fakeCounter) CountUsageSince(ctx context.Context, tokenID string, since time.Time) (int64, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.err != nil {
		return 0, f.err
	}
	if time.Since(since) > 2*time.Hour {
		return f.daily, nil
	}
	return f.hourly, nil
}

func strategy(s reliability.FailureStrategy) func() reliability.FailureStrategy {
	return func() reliability.FailureStrategy { return s }
}

func TestCheckCeilings(t *testing.T) {
	tests := []struct {
		name          string
		hourly, daily int64
		pending       int64
		wantErr       error
	}{
		{"under both", 10, 100, 0, nil},
		{"hourly met", 1000, 1000, 0, ErrRateLimitExceeded},
		{"hourly met with queued", 998, 998, 2, ErrRateLimitExceeded},
		{"one below", 999, 999, 0, nil},
		{"daily met", 10, 5000, 0, ErrRateLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCounter{hourly: tt.hourly, daily: tt.daily}
			l := NewQuotaLimiter(c, func(string) int64 { return tt.pending }, strategy(reliability.FailClosed), Config{}, nil, nil)
			res, err := l.Check(context.Background(), "tok-1", Limits{Hourly: 1000, Daily: 5000}, time.Now())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.hourly+tt.pending, res.HourlyUsed)
		})
	}
}

func TestCheckUnlimited(t *testing.T) {
	c := &fakeCounter{hourly: 1 << 40}
	l := NewQuotaLimiter(c, nil, strategy(reliability.FailClosed), Config{}, nil, nil)
	_, err := l.Check(context.Background(), "tok-1", Limits{}, time.Now())
	require.NoError(t, err)
	assert.Zero(t, c.calls.Load(), "no ceilings means no reads")
}

func TestDegradePolicies(t *testing.T) {
	boom := errors.New("store down")

	open := NewQuotaLimiter(&fakeCounter{err: boom}, nil, strategy(reliability.FailOpen), Config{}, nil, nil)
	res, err := open.Check(context.Background(), "tok-1", Limits{Hourly: 10}, time.Now())
	require.NoError(t, err)
	assert.True(t, res.Degraded)

	closed := NewQuotaLimiter(&fakeCounter{err: boom}, nil, strategy(reliability.FailClosed), Config{}, nil, nil)
	_, err = closed.Check(context.Background(), "tok-1", Limits{Hourly: 10}, time.Now())
	assert.ErrorIs(t, err, ErrQuotaUnavailable)
	assert.ErrorIs(t, err, boom)
}

func TestReadTimeoutAppliesPolicy(t *testing.T) {
	c := &fakeCounter{delay: time.Second}
	l := NewQuotaLimiter(c, nil, strategy(reliability.FailClosed), Config{ReadTimeout: 20 * time.Millisecond}, nil, nil)

	start := time.Now()
	_, err := l.Check(context.Background(), "tok-1", Limits{Hourly: 10}, time.Now())
	assert.ErrorIs(t, err, ErrQuotaUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBreakerSkipsStoreWhenOpen(t *testing.T) {
	c := &fakeCounter{err: errors.New("store down")}
	l := NewQuotaLimiter(c, nil, strategy(reliability.FailOpen), Config{FailureThreshold: 3, OpenTimeout: time.Minute}, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := l.Check(context.Background(), "tok-1", Limits{Hourly: 10}, time.Now())
		require.NoError(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, l.Breaker().State())
	calls := c.calls.Load()

	res, err := l.Check(context.Background(), "tok-1", Limits{Hourly: 10}, time.Now())
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, calls, c.calls.Load(), "open breaker must not touch the store")
}

func TestRuntimeStrategySwitch(t *testing.T) {
	current := reliability.FailOpen
	l := NewQuotaLimiter(&fakeCounter{err: errors.New("down")}, nil,
		func() reliability.FailureStrategy { return current }, Config{FailureThreshold: 100}, nil, nil)

	_, err := l.Check(context.Background(), "tok-1", Limits{Hourly: 1}, time.Now())
	require.NoError(t, err)

	current = reliability.FailClosed
	_, err = l.Check(context.Background(), "tok-1", Limits{Hourly: 1}, time.Now())
	assert.ErrorIs(t, err, ErrQuotaUnavailable)
}

func TestCallerCancelIsNotAStoreFailure(t *testing.T) {
	c := &fakeCounter{hourly: 1, delay: 5 * time.Millisecond}
	l := NewQuotaLimiter(c, nil, strategy(reliability.FailClosed), Config{FailureThreshold: 1}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "tok-1", Limits{Hourly: 10}, time.Now())
		require.NoError(t, err)
		assert.False(t, res.Degraded)
	}
	assert.Equal(t, circuitbreaker.StateClosed, l.Breaker().State())
}
