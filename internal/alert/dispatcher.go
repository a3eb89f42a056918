// Package alert records security alerts and delivers the ones that pass
// cooldown and volume limits to an outbound channel.
package alert

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/raakeshmj/gatewarden/internal/cache"
	"github.com/raakeshmj/gatewarden/internal/db"
	"github.com/raakeshmj/gatewarden/internal/logging"
	"github.com/raakeshmj/gatewarden/internal/metrics"
	"github.com/raakeshmj/gatewarden/internal/repository"
)

// Suppression reasons stored on the alert row.
const (
	SuppressedCooldown  = "cooldown"
	SuppressedHourlyCap = "hourly_cap"
	SuppressedQueueFull = "queue_full"
)

const (
	capWindow = time.Hour
	// Suppressed alerts are recorded too, so the write queue is deeper than
	// the delivery queue.
	writeQueueFactor = 16
)

// Event is one occurrence worth alerting on. Type and IP form the cooldown
// key.
type Event struct {
	Type     string
	Severity db.Severity
	Title    string
	IP       string
	Fields   map[string]string
}

type Config struct {
	Cooldown  time.Duration
	HourlyCap int
	QueueSize int
	// RatePerSecond paces outbound sends. Zero means unpaced.
	RatePerSecond float64
	StoreTimeout  time.Duration
	SendTimeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.HourlyCap <= 0 {
		c.HourlyCap = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
}

// Dispatcher records every alert and delivers unsuppressed ones. Both happen
// on background workers; Notify never waits on the store or the channel.
// Store and delivery failures are logged and never reach the caller.
type Dispatcher struct {
	cfg     Config
	store   repository.AlertRepository
	sender  Sender
	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time

	keys      cache.KeyLock
	cooldowns *cache.MemoryCache[time.Time]
	hourlyCap atomic.Int64

	capMu     sync.Mutex
	delivered []time.Time

	limiter *rate.Limiter
	mu      sync.RWMutex
	closed  bool
	queue   chan *db.SecurityAlert
	writes  chan *db.SecurityAlert
	wg      sync.WaitGroup
}

func NewDispatcher(store repository.AlertRepository, sender Sender, cfg Config, logger *zap.Logger, m *metrics.Registry) *Dispatcher {
	cfg.setDefaults()
	if sender == nil {
		sender = NopSender{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		sender:    sender,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		cooldowns: cache.NewMemoryCache[time.Time](),
		limiter:   rate.NewLimiter(limit, 1),
		queue:     make(chan *db.SecurityAlert, cfg.QueueSize),
		writes:    make(chan *db.SecurityAlert, cfg.QueueSize*writeQueueFactor),
	}
	d.hourlyCap.Store(int64(cfg.HourlyCap))
	d.wg.Add(2)
	go d.worker()
	go d.writer()
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	d.cooldowns.WithClock(now)
	return d
}

// SetHourlyCap changes the delivery cap at runtime.
func (d *Dispatcher) SetHourlyCap(n int) {
	if n > 0 {
		d.hourlyCap.Store(int64(n))
	}
}

func (d *Dispatcher) HourlyCap() int {
	return int(d.hourlyCap.Load())
}

// Notify records ev and queues it for delivery unless a cooldown, the hourly
// cap or a full queue suppresses it. The stored alert is returned; a store
// failure is logged, not returned.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) *db.SecurityAlert {
	now := d.now()
	a := &db.SecurityAlert{
		ID:        uuid.NewString(),
		EventType: ev.Type,
		Severity:  ev.Severity,
		Title:     ev.Title,
		IP:        ev.IP,
		Details:   ev.Fields,
		Timestamp: now,
	}

	key := ev.Type + "|" + ev.IP
	unlock := d.keys.Lock(key)
	if _, hot := d.cooldowns.Get(key); hot {
		a.Suppressed = SuppressedCooldown
	} else if !d.reserve(now) {
		a.Suppressed = SuppressedHourlyCap
	} else if !d.enqueue(a) {
		d.unreserve(now)
		a.Suppressed = SuppressedQueueFull
	} else {
		a.Delivered = true
		d.cooldowns.Set(key, now, d.cfg.Cooldown)
	}
	unlock()

	if a.Suppressed != "" {
		d.metrics.Alert(a.Suppressed)
		d.logger.Debug("alert suppressed",
			zap.String("event_type", ev.Type),
			logging.IP(ev.IP),
			logging.Reason(a.Suppressed),
		)
	}

	d.record(ctx, a)
	return a
}

// record queues a for the writer. After Close it writes directly; a full
// write queue drops the row.
func (d *Dispatcher) record(ctx context.Context, a *db.SecurityAlert) {
	if d.store == nil {
		return
	}
	d.mu.RLock()
	closed := d.closed
	if !closed {
		select {
		case d.writes <- a:
			d.mu.RUnlock()
			return
		default:
		}
	}
	d.mu.RUnlock()

	if !closed {
		d.metrics.Alert("unrecorded")
		d.logger.Warn("alert write queue full", zap.String("event_type", a.EventType), logging.IP(a.IP))
		return
	}
	d.write(context.WithoutCancel(ctx), a)
}

func (d *Dispatcher) write(ctx context.Context, a *db.SecurityAlert) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	if err := d.store.CreateSecurityAlert(ctx, a); err != nil {
		d.logger.Error("alert not recorded", zap.String("event_type", a.EventType), logging.IP(a.IP), zap.Error(err))
	}
}

func (d *Dispatcher) writer() {
	defer d.wg.Done()
	for a := range d.writes {
		d.write(context.Background(), a)
	}
}

// reserve takes a slot in the trailing-hour delivery budget.
func (d *Dispatcher) reserve(now time.Time) bool {
	d.capMu.Lock()
	defer d.capMu.Unlock()

	cutoff := now.Add(-capWindow)
	i := 0
	for i < len(d.delivered) && !d.delivered[i].After(cutoff) {
		i++
	}
	d.delivered = d.delivered[i:]
	if len(d.delivered) >= d.HourlyCap() {
		return false
	}
	d.delivered = append(d.delivered, now)
	return true
}

func (d *Dispatcher) unreserve(now time.Time) {
	d.capMu.Lock()
	defer d.capMu.Unlock()
	for i := len(d.delivered) - 1; i >= 0; i-- {
		if d.delivered[i].Equal(now) {
			d.delivered = append(d.delivered[:i], d.delivered[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) enqueue(a *db.SecurityAlert) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- a:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for a := range d.queue {
		_ = d.limiter.Wait(context.Background())
		d.deliver(a)
	}
}

func (d *Dispatcher) deliver(a *db.SecurityAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()

	err := d.sender.Send(ctx, Payload{
		ID:        a.ID,
		EventType: a.EventType,
		Severity:  a.Severity.String(),
		Title:     a.Title,
		IP:        a.IP,
		Fields:    a.Details,
		Timestamp: a.Timestamp,
	})
	if err != nil {
		d.metrics.Alert("failed")
		d.logger.Warn("alert delivery failed", zap.String("alert_id", a.ID), zap.String("event_type", a.EventType), zap.Error(err))
		return
	}
	d.metrics.Alert("delivered")
}

// ListAlerts returns the newest alerts first, delivered or not.
func (d *Dispatcher) ListAlerts(ctx context.Context, limit int) ([]*db.SecurityAlert, error) {
	if d.store == nil {
		return nil, nil
	}
	alerts, err := d.store.ListSecurityAlerts(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// Sweep drops expired cooldown keys.
func (d *Dispatcher) Sweep() int {
	return d.cooldowns.Sweep()
}

// Run sweeps cooldown keys every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Close stops accepting alerts and waits for queued writes and deliveries or
// ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	close(d.writes)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain alert queue: %w", ctx.Err())
	}
}
