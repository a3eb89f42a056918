// Package reputation keeps rolling per-IP activity windows and decides when a
// source is banned.
//
// State per IP moves Unknown -> Watched on first activity, Watched -> Blocked
// on a ban, and back to Watched when the ban lapses. Automatic bans always
// expire; permanent bans come only from Block with a zero ttl.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/raakeshmj/gatewarden/internal/cache"
	"github.com/raakeshmj/gatewarden/internal/db"
	"github.com/raakeshmj/gatewarden/internal/logging"
	"github.com/raakeshmj/gatewarden/internal/metrics"
	"github.com/raakeshmj/gatewarden/internal/repository"
	"github.com/raakeshmj/gatewarden/internal/threat"
)

const (
	StateUnknown = "unknown"
	StateWatched = "watched"
	StateBlocked = "blocked"
)

const (
	shardCount = 64
	// maxEvents caps each per-IP timestamp list. Every rule threshold is far
	// below it, so capping never hides a signal.
	maxEvents = 4096
	// AutoBlockedBy marks bans placed by the tracker.
	AutoBlockedBy = "auto"
)

var ErrInvalidIP = errors.New("invalid ip address")

type hit struct {
	category string
	at       time.Time
}

type entry struct {
	mu           sync.Mutex
	requests     []time.Time
	errors       []time.Time
	hits         []hit
	signals      []Signal
	fresh        []Signal
	lastRate     map[string]time.Time
	lastSeen     time.Time
	blockedUntil time.Time
	permanent    bool
	evicted      bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Tracker is safe for concurrent use. Work on one IP never waits on another
// IP except for the brief shard map lookup.
type Tracker struct {
	policy  Policy
	shards  [shardCount]*shard
	store   repository.BanRepository
	bans    *cache.MemoryCache[*db.BlockedIP]
	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

// NewTracker builds a tracker persisting bans to store. A nil store keeps
// bans in memory only.
func NewTracker(store repository.BanRepository, policy Policy, logger *zap.Logger, m *metrics.Registry) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		policy:  policy.withDefaults(),
		store:   store,
		bans:    cache.NewMemoryCache[*db.BlockedIP](),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return t
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	t.bans.WithClock(now)
	return t
}

func (t *Tracker) Policy() Policy {
	return t.policy
}

func (t *Tracker) shardFor(ip string) *shard {
	return t.shards[xxhash.Sum64String(ip)%shardCount]
}

func (t *Tracker) lookup(ip string) *entry {
	s := t.shardFor(ip)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[ip]
}

// acquire returns the locked entry for ip, creating it if needed.
func (t *Tracker) acquire(ip string) *entry {
	for {
		s := t.shardFor(ip)
		s.mu.RLock()
		e := s.entries[ip]
		s.mu.RUnlock()
		if e == nil {
			s.mu.Lock()
			if e = s.entries[ip]; e == nil {
				e = &entry{lastRate: make(map[string]time.Time)}
				s.entries[ip] = e
			}
			s.mu.Unlock()
		}
		e.mu.Lock()
		if !e.evicted {
			return e
		}
		e.mu.Unlock()
	}
}

// Record notes one request from ip and the threat matches it produced.
func (t *Tracker) Record(ip string, matches []threat.Match) {
	now := t.now()
	e := t.acquire(ip)
	defer e.mu.Unlock()

	e.lastSeen = now
	e.requests = appendCapped(e.requests, now)
	for _, m := range matches {
		e.hits = append(e.hits, hit{category: m.Category, at: now})
		s := Signal{Kind: SignalThreat, Severity: m.Severity, Category: m.Category, At: now}
		e.signals = append(e.signals, s)
		e.fresh = append(e.fresh, s)
		t.metrics.ThreatHit(m.Category)
	}
	e.trim(now.Add(-t.policy.Window))
}

// ObserveResponse counts error responses (status >= 400) sent to ip.
func (t *Tracker) ObserveResponse(ip string, status int) {
	if status < 400 {
		return
	}
	now := t.now()
	e := t.acquire(ip)
	defer e.mu.Unlock()

	e.lastSeen = now
	e.errors = appendCapped(e.errors, now)
}

// ReportRateLimited records a quota rejection as a medium signal. It never
// counts toward a ban on its own.
func (t *Tracker) ReportRateLimited(ip, tokenID string) {
	now := t.now()
	e := t.acquire(ip)
	defer e.mu.Unlock()

	s := Signal{Kind: SignalRateLimited, Severity: db.SeverityMedium, At: now}
	e.lastSeen = now
	e.signals = append(e.signals, s)
	e.fresh = append(e.fresh, s)
	t.logger.Debug("rate limit signal", logging.IP(ip), logging.TokenID(tokenID))
}

// Evaluate applies the rate rules to ip and decides whether it must be
// banned. Signals returned are the ones raised since the last evaluation.
func (t *Tracker) Evaluate(ip string) Assessment {
	now := t.now()
	if t.lookup(ip) == nil {
		return Assessment{}
	}
	e := t.acquire(ip)
	defer e.mu.Unlock()

	p := t.policy
	e.trim(now.Add(-p.Window))

	since := now.Add(-p.RateWindow)
	reqs := countSince(e.requests, since)
	errs := countSince(e.errors, since)
	if reqs > p.HighFrequency {
		e.raise(SignalHighFrequency, now, p.RateSignalSpacing)
	}
	if errs > p.ErrorCount && float64(errs) > p.ErrorRatio*float64(reqs) {
		e.raise(SignalHighErrorRate, now, p.RateSignalSpacing)
	}

	a := Assessment{Signals: e.fresh}
	e.fresh = nil

	for _, s := range a.Signals {
		if s.Kind == SignalThreat && s.Severity >= db.SeverityCritical {
			a.Block = true
			a.Reason = "critical threat: " + s.Category
			return a
		}
	}
	serious := 0
	for _, s := range e.signals {
		if s.Severity >= db.SeverityHigh {
			serious++
		}
	}
	if serious >= p.BlockSignals {
		a.Block = true
		a.Reason = fmt.Sprintf("%d high-severity signals within %s", serious, p.Window)
	}
	return a
}

// AutoBlock bans ip for the policy's block duration. An existing longer or
// permanent ban is kept. The ban applies locally even when persisting it
// fails.
func (t *Tracker) AutoBlock(ctx context.Context, ip, reason string) error {
	now := t.now()
	e := t.acquire(ip)
	if e.permanent {
		e.mu.Unlock()
		return nil
	}
	until := now.Add(t.policy.BlockDuration)
	if until.After(e.blockedUntil) {
		e.blockedUntil = until
	} else {
		until = e.blockedUntil
	}
	e.signals = nil
	e.lastSeen = now
	e.mu.Unlock()

	t.metrics.AutoBlock()
	t.logger.Warn("ip auto-blocked", logging.IP(ip), logging.Reason(reason), zap.Time("expires_at", until))

	ban := &db.BlockedIP{IP: ip, Reason: reason, BlockedAt: now, ExpiresAt: until, BlockedBy: AutoBlockedBy}
	if t.store == nil {
		t.bans.Set(ip, ban, t.policy.BanCacheTTL)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.policy.StoreTimeout)
	defer cancel()

	existing, err := t.store.IsIPBlocked(ctx, ip, now)
	if err != nil {
		return fmt.Errorf("auto-block %s: %w", ip, err)
	}
	if existing != nil && (existing.Permanent() || !existing.ExpiresAt.Before(until)) {
		t.bans.Set(ip, existing, t.policy.BanCacheTTL)
		return nil
	}
	if err := t.store.BlockIP(ctx, ban); err != nil {
		return fmt.Errorf("auto-block %s: %w", ip, err)
	}
	t.bans.Set(ip, ban, t.policy.BanCacheTTL)
	return nil
}

// IsBlocked reports whether ip has an active ban, local or persisted. A
// failed store lookup is logged and treated as not banned; local bans still
// apply.
func (t *Tracker) IsBlocked(ctx context.Context, ip string) bool {
	now := t.now()
	if e := t.lookup(ip); e != nil {
		e.mu.Lock()
		blocked := e.permanent || now.Before(e.blockedUntil)
		if !blocked {
			e.blockedUntil = time.Time{}
		}
		e.mu.Unlock()
		if blocked {
			return true
		}
	}
	if t.store == nil {
		return false
	}
	if ban, ok := t.bans.Get(ip); ok {
		return ban != nil && ban.Active(now)
	}

	ctx, cancel := context.WithTimeout(ctx, t.policy.StoreTimeout)
	defer cancel()

	ban, err := t.store.IsIPBlocked(ctx, ip, now)
	if err != nil {
		t.logger.Warn("ban lookup failed", logging.IP(ip), zap.Error(err))
		ban = nil
	}
	t.bans.Set(ip, ban, t.policy.BanCacheTTL)
	return ban != nil && ban.Active(now)
}

// Block places a manual ban. A zero ttl makes it permanent.
func (t *Tracker) Block(ctx context.Context, ip, reason string, ttl time.Duration, by string) (*db.BlockedIP, error) {
	if _, err := netip.ParseAddr(ip); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	if ttl < 0 {
		return nil, fmt.Errorf("ban ttl must not be negative")
	}
	if by == "" {
		by = "admin"
	}
	now := t.now()
	ban := &db.BlockedIP{IP: ip, Reason: reason, BlockedAt: now, BlockedBy: by}
	if ttl > 0 {
		ban.ExpiresAt = now.Add(ttl)
	}
	if t.store != nil {
		if err := t.store.BlockIP(ctx, ban); err != nil {
			return nil, fmt.Errorf("block %s: %w", ip, err)
		}
	}

	e := t.acquire(ip)
	e.permanent = ban.Permanent()
	e.blockedUntil = ban.ExpiresAt
	e.lastSeen = now
	e.mu.Unlock()

	t.bans.Set(ip, ban, t.policy.BanCacheTTL)
	t.logger.Info("ip blocked", logging.IP(ip), logging.Reason(reason), zap.String("blocked_by", by), zap.Duration("ttl", ttl))
	return ban, nil
}

// Unblock lifts any ban on ip. It returns repository.ErrNotFound when ip was
// not banned.
func (t *Tracker) Unblock(ctx context.Context, ip string) error {
	wasLocal := false
	if e := t.lookup(ip); e != nil {
		e.mu.Lock()
		wasLocal = e.permanent || t.now().Before(e.blockedUntil)
		e.permanent = false
		e.blockedUntil = time.Time{}
		e.signals = nil
		e.mu.Unlock()
	}
	t.bans.Delete(ip)

	if t.store != nil {
		err := t.store.UnblockIP(ctx, ip)
		if err != nil && !(errors.Is(err, repository.ErrNotFound) && wasLocal) {
			return fmt.Errorf("unblock %s: %w", ip, err)
		}
	} else if !wasLocal {
		return repository.ErrNotFound
	}
	t.logger.Info("ip unblocked", logging.IP(ip))
	return nil
}

// List returns the active bans.
func (t *Tracker) List(ctx context.Context) ([]*db.BlockedIP, error) {
	now := t.now()
	if t.store != nil {
		return t.store.ListBlockedIPs(ctx, now)
	}
	var out []*db.BlockedIP
	for _, s := range t.shards {
		s.mu.RLock()
		for ip, e := range s.entries {
			e.mu.Lock()
			if e.permanent || now.Before(e.blockedUntil) {
				out = append(out, &db.BlockedIP{IP: ip, ExpiresAt: e.blockedUntil, BlockedBy: AutoBlockedBy})
			}
			e.mu.Unlock()
		}
		s.mu.RUnlock()
	}
	return out, nil
}

// Snapshot is a point-in-time view of one IP.
type Snapshot struct {
	IP           string         `json:"ip"`
	State        string         `json:"state"`
	Requests     int            `json:"requests_1h"`
	Errors       int            `json:"errors_1h"`
	Hits         map[string]int `json:"threat_hits"`
	Signals      int            `json:"signals"`
	LastSeen     time.Time      `json:"last_seen"`
	BlockedUntil time.Time      `json:"blocked_until,omitempty"`
}

func (t *Tracker) Snapshot(ip string) Snapshot {
	now := t.now()
	snap := Snapshot{IP: ip, State: StateUnknown}
	e := t.lookup(ip)
	if e == nil {
		return snap
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-t.policy.Window)
	snap.State = StateWatched
	snap.Requests = countSince(e.requests, cutoff)
	snap.Errors = countSince(e.errors, cutoff)
	snap.Hits = make(map[string]int)
	for _, h := range e.hits {
		if !h.at.Before(cutoff) {
			snap.Hits[h.category]++
		}
	}
	snap.Signals = len(e.signals)
	snap.LastSeen = e.lastSeen
	if e.permanent || now.Before(e.blockedUntil) {
		snap.State = StateBlocked
		snap.BlockedUntil = e.blockedUntil
	}
	return snap
}

func (e *entry) raise(kind string, now time.Time, spacing time.Duration) {
	if last, ok := e.lastRate[kind]; ok && now.Sub(last) < spacing {
		return
	}
	e.lastRate[kind] = now
	s := Signal{Kind: kind, Severity: db.SeverityHigh, At: now}
	e.signals = append(e.signals, s)
	e.fresh = append(e.fresh, s)
}

// trim drops everything older than cutoff. Lists are in append order.
func (e *entry) trim(cutoff time.Time) {
	e.requests = dropBefore(e.requests, cutoff)
	e.errors = dropBefore(e.errors, cutoff)

	i := 0
	for i < len(e.hits) && e.hits[i].at.Before(cutoff) {
		i++
	}
	e.hits = e.hits[i:]

	i = 0
	for i < len(e.signals) && e.signals[i].At.Before(cutoff) {
		i++
	}
	e.signals = e.signals[i:]
}

func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func countSince(ts []time.Time, since time.Time) int {
	n := 0
	for i := len(ts) - 1; i >= 0 && !ts[i].Before(since); i-- {
		n++
	}
	return n
}

func appendCapped(ts []time.Time, t time.Time) []time.Time {
	if len(ts) >= maxEvents {
		ts = append(ts[:0], ts[len(ts)-maxEvents+1:]...)
	}
	return append(ts, t)
}
