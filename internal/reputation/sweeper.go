package reputation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval keeps idle-entry staleness well under an hour.
const DefaultSweepInterval = 10 * time.Minute

// Sweep evicts entries idle for longer than the policy's IdleEviction and not
// currently banned, trims the rest, and returns how many were evicted.
func (t *Tracker) Sweep() int {
	now := t.now()
	idleCutoff := now.Add(-t.policy.IdleEviction)
	windowCutoff := now.Add(-t.policy.Window)

	evicted, tracked := 0, 0
	for _, s := range t.shards {
		s.mu.Lock()
		for ip, e := range s.entries {
			e.mu.Lock()
			banned := e.permanent || now.Before(e.blockedUntil)
			if !banned && e.lastSeen.Before(idleCutoff) {
				e.evicted = true
				delete(s.entries, ip)
				evicted++
			} else {
				e.trim(windowCutoff)
				tracked++
			}
			e.mu.Unlock()
		}
		s.mu.Unlock()
	}
	t.bans.Sweep()
	t.metrics.SetTrackedIPs(tracked)
	return evicted
}

// Len returns the number of tracked IPs.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				t.logger.Debug("reputation sweep", zap.Int("evicted", n), zap.Int("tracked", t.Len()))
			}
		}
	}
}
