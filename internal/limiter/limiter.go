package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/raakeshmj/gatewarden/internal/circuitbreaker"
	"github.com/raakeshmj/gatewarden/internal/logging"
	"github.com/raakeshmj/gatewarden/internal/metrics"
	"github.com/raakeshmj/gatewarden/internal/reliability"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrQuotaUnavailable is returned when usage could not be read and the
	// degrade policy is fail_closed.
	ErrQuotaUnavailable = errors.New("quota check unavailable")
)

// Counter reads the persisted usage ledger.
type Counter interface {
	CountUsageSince(ctx context.Context, tokenID string, since time.Time) (int64, error)
}

// PendingFunc reports usage accepted but not yet persisted for a token.
type PendingFunc func(tokenID string) int64

type Limits struct {
	Hourly int64
	Daily  int64
}

type Result struct {
	HourlyUsed int64
	DailyUsed  int64
	// Degraded is true when the store could not be read and fail_open let
	// the request through.
	Degraded bool
}

type Config struct {
	ReadTimeout      time.Duration
	FailureThreshold int
	OpenTimeout      time.Duration
}

// QuotaLimiter checks a token's sliding hourly and daily usage against its
// ceilings. Reads are bounded by ReadTimeout and guarded by a circuit
// breaker; every failed or skipped read resolves through the degrade policy.
type QuotaLimiter struct {
	counter  Counter
	pending  PendingFunc
	breaker  *circuitbreaker.CircuitBreaker
	strategy func() reliability.FailureStrategy
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Registry
}

func NewQuotaLimiter(counter Counter, pending PendingFunc, strategy func() reliability.FailureStrategy, cfg Config, logger *zap.Logger, m *metrics.Registry) *QuotaLimiter {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 250 * time.Millisecond
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if pending == nil {
		pending = func(string) int64 { return 0 }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &QuotaLimiter{
		counter:  counter,
		pending:  pending,
		breaker:  circuitbreaker.New(cfg.FailureThreshold, cfg.OpenTimeout),
		strategy: strategy,
		timeout:  cfg.ReadTimeout,
		logger:   logger,
		metrics:  m,
	}
	l.breaker.OnStateChange = func(from, to circuitbreaker.State) {
		logger.Warn("quota breaker state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	return l
}

// Breaker exposes the breaker for readiness reporting and tests.
func (l *QuotaLimiter) Breaker() *circuitbreaker.CircuitBreaker {
	return l.breaker
}

// Check returns ErrRateLimitExceeded when either ceiling is met or exceeded,
// and ErrQuotaUnavailable when the store failed under fail_closed. A
// non-positive limit disables that ceiling.
func (l *QuotaLimiter) Check(ctx context.Context, tokenID string, limits Limits, now time.Time) (Result, error) {
	var res Result

	// A caller that goes away must not count as a store failure, so the read
	// is bounded by the read timeout alone.
	ctx = context.WithoutCancel(ctx)
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		var err error
		if limits.Hourly > 0 {
			if res.HourlyUsed, err = l.counter.CountUsageSince(ctx, tokenID, now.Add(-time.Hour)); err != nil {
				return fmt.Errorf("hourly usage: %w", err)
			}
		}
		if limits.Daily > 0 {
			if res.DailyUsed, err = l.counter.CountUsageSince(ctx, tokenID, now.Add(-24*time.Hour)); err != nil {
				return fmt.Errorf("daily usage: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return l.degrade(tokenID, err)
	}

	queued := l.pending(tokenID)
	res.HourlyUsed += queued
	res.DailyUsed += queued

	if limits.Hourly > 0 && res.HourlyUsed >= limits.Hourly {
		return res, ErrRateLimitExceeded
	}
	if limits.Daily > 0 && res.DailyUsed >= limits.Daily {
		return res, ErrRateLimitExceeded
	}
	return res, nil
}

func (l *QuotaLimiter) degrade(tokenID string, cause error) (Result, error) {
	strategy := l.strategy()
	l.metrics.QuotaDegrade(string(strategy))

	fields := []zap.Field{logging.TokenID(tokenID), logging.Policy(string(strategy)), zap.Error(cause)}
	if reliability.ShouldAllow(strategy, cause) {
		l.logger.Warn("quota check failed, allowing request", fields...)
		return Result{Degraded: true}, nil
	}
	l.logger.Warn("quota check failed, rejecting request", fields...)
	return Result{}, fmt.Errorf("%w: %w", ErrQuotaUnavailable, cause)
}
