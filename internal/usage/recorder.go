// Package usage writes usage records and usage counters off the request path
// through a bounded queue drained by background workers.
package usage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/raakeshmj/gatewarden/internal/db"
	"github.com/raakeshmj/gatewarden/internal/logging"
	"github.com/raakeshmj/gatewarden/internal/metrics"
)

// OverflowPolicy decides what happens when the queue is full.
type OverflowPolicy string

const (
	DropNewest OverflowPolicy = "drop_newest"
	DropOldest OverflowPolicy = "drop_oldest"
	Block      OverflowPolicy = "block"
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case DropNewest, DropOldest, Block:
		return p, nil
	case "":
		return DropNewest, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// Sink is the part of the store the recorder writes to.
type Sink interface {
	AppendUsageRecord(ctx context.Context, rec *db.UsageRecord) error
	IncrementUsage(ctx context.Context, id string, delta int64, lastUsed time.Time) error
}

type Config struct {
	QueueSize    int
	Workers      int
	Overflow     OverflowPolicy
	BlockTimeout time.Duration
	WriteTimeout time.Duration
	Retries      int
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Overflow == "" {
		c.Overflow = DropNewest
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 50 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
}

type Stats struct {
	Queued  uint64 `json:"queued"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Depth   int    `json:"depth"`
}

// Recorder accepts usage records without blocking the caller (except under
// the block policy, bounded by BlockTimeout) and persists them in the
// background. Records still queued are visible per token through Pending so
// quota checks do not undercount.
type Recorder struct {
	cfg     Config
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Registry

	mu     sync.RWMutex // guards closed against sends on a closed queue
	closed bool
	queue  chan *db.UsageRecord
	wg     sync.WaitGroup

	pending sync.Map // tokenID -> *atomic.Int64

	queued  atomic.Uint64
	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	backoff func(attempt int) time.Duration
}

func NewRecorder(sink Sink, cfg Config, logger *zap.Logger, m *metrics.Registry) *Recorder {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		metrics: m,
		queue:   make(chan *db.UsageRecord, cfg.QueueSize),
		backoff: func(attempt int) time.Duration {
			return time.Duration(100*(attempt+1)) * time.Millisecond
		},
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

func (r *Recorder) counter(tokenID string) *atomic.Int64 {
	if c, ok := r.pending.Load(tokenID); ok {
		return c.(*atomic.Int64)
	}
	c, _ := r.pending.LoadOrStore(tokenID, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Pending returns how many records for tokenID are queued but not yet
// persisted.
func (r *Recorder) Pending(tokenID string) int64 {
	if c, ok := r.pending.Load(tokenID); ok {
		return c.(*atomic.Int64).Load()
	}
	return 0
}

// Submit enqueues rec. It returns false when the record was dropped.
func (r *Recorder) Submit(rec *db.UsageRecord) bool {
	if rec.TokenID != "" {
		r.counter(rec.TokenID).Add(1)
	}
	return r.enqueue(rec)
}

// Reservation is a usage record counted as pending before it is written,
// so a quota check made while the request is still being served sees it.
type Reservation struct {
	r       *Recorder
	tokenID string
	done    atomic.Bool
}

// Reserve counts one pending record for tokenID. The reservation must end in
// exactly one Submit or Release.
func (r *Recorder) Reserve(tokenID string) *Reservation {
	r.counter(tokenID).Add(1)
	return &Reservation{r: r, tokenID: tokenID}
}

// Submit queues rec in place of the reservation. Calls after the first are
// ignored and return false.
func (res *Reservation) Submit(rec *db.UsageRecord) bool {
	if res == nil || !res.done.CompareAndSwap(false, true) {
		return false
	}
	rec.TokenID = res.tokenID
	return res.r.enqueue(rec)
}

// Release gives the reservation back without writing anything.
func (res *Reservation) Release() {
	if res == nil || !res.done.CompareAndSwap(false, true) {
		return
	}
	res.r.counter(res.tokenID).Add(-1)
}

// enqueue queues rec, whose pending count is already taken, or releases it.
func (r *Recorder) enqueue(rec *db.UsageRecord) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.release(rec)
		r.drop(rec, "closed")
		return false
	}

	select {
	case r.queue <- rec:
		r.queued.Add(1)
		return true
	default:
	}

	switch r.cfg.Overflow {
	case DropOldest:
		for {
			select {
			case old := <-r.queue:
				r.release(old)
				r.drop(old, string(DropOldest))
			default:
			}
			select {
			case r.queue <- rec:
				r.queued.Add(1)
				return true
			default:
			}
		}
	case Block:
		timer := time.NewTimer(r.cfg.BlockTimeout)
		defer timer.Stop()
		select {
		case r.queue <- rec:
			r.queued.Add(1)
			return true
		case <-timer.C:
		}
	}

	r.release(rec)
	r.drop(rec, string(r.cfg.Overflow))
	return false
}

func (r *Recorder) release(rec *db.UsageRecord) {
	if rec.TokenID != "" {
		r.counter(rec.TokenID).Add(-1)
	}
}

func (r *Recorder) drop(rec *db.UsageRecord, why string) {
	n := r.dropped.Add(1)
	r.metrics.UsageDrop(why)
	// Log the first drop and then every 100th to keep overload quiet.
	if n == 1 || n%100 == 0 {
		r.logger.Warn("usage record dropped",
			logging.TokenID(rec.TokenID),
			logging.Policy(why),
			zap.Uint64("dropped_total", n),
		)
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for rec := range r.queue {
		r.persist(rec)
		r.release(rec)
	}
}

// persist writes the ledger entry, then the counter. Each step is retried on
// its own; a counter retry never re-appends the ledger entry.
func (r *Recorder) persist(rec *db.UsageRecord) {
	err := r.retry(func(ctx context.Context) error {
		return r.sink.AppendUsageRecord(ctx, rec)
	})
	if err == nil && rec.TokenID != "" {
		err = r.retry(func(ctx context.Context) error {
			return r.sink.IncrementUsage(ctx, rec.TokenID, 1, rec.Timestamp)
		})
	}
	if err == nil {
		r.written.Add(1)
		return
	}
	r.failed.Add(1)
	r.logger.Error("usage write failed",
		logging.TokenID(rec.TokenID),
		logging.Path(rec.Endpoint),
		zap.Error(err),
	)
}

func (r *Recorder) retry(op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < r.cfg.Retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		err = op(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < r.cfg.Retries-1 {
			time.Sleep(r.backoff(attempt))
		}
	}
	return err
}

func (r *Recorder) Stats() Stats {
	return Stats{
		Queued:  r.queued.Load(),
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
		Depth:   len(r.queue),
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to
// end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain usage queue: %w", ctx.Err())
	}
}
