package reputation

import (
	"time"

	"github.com/raakeshmj/gatewarden/internal/db"
)

// Signal kinds.
const (
	SignalHighFrequency = "high_frequency"
	SignalHighErrorRate = "high_error_rate"
	SignalThreat        = "threat"
	SignalRateLimited   = "rate_limited"
)

// Signal is one suspicious observation about an IP.
type Signal struct {
	Kind     string      `json:"kind"`
	Severity db.Severity `json:"severity"`
	Category string      `json:"category,omitempty"` // threat category, for threat signals
	At       time.Time   `json:"at"`
}

// Policy is the single authority on when an IP gets banned automatically.
type Policy struct {
	// Window is how long request timestamps, threat hits and signals are kept.
	Window time.Duration
	// RateWindow is the span over which the frequency and error rules count.
	RateWindow        time.Duration
	HighFrequency     int
	ErrorCount        int
	ErrorRatio        float64
	RateSignalSpacing time.Duration
	// BlockSignals is how many high-or-critical signals within Window cause a
	// ban. A critical threat hit bans immediately.
	BlockSignals  int
	BlockDuration time.Duration
	IdleEviction  time.Duration
	// BanCacheTTL bounds how long a ban-store lookup is reused.
	BanCacheTTL  time.Duration
	StoreTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Window:            time.Hour,
		RateWindow:        10 * time.Minute,
		HighFrequency:     100,
		ErrorCount:        20,
		ErrorRatio:        0.2,
		RateSignalSpacing: time.Minute,
		BlockSignals:      5,
		BlockDuration:     30 * time.Minute,
		IdleEviction:      24 * time.Hour,
		BanCacheTTL:       5 * time.Second,
		StoreTimeout:      250 * time.Millisecond,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.RateWindow <= 0 {
		p.RateWindow = d.RateWindow
	}
	if p.HighFrequency <= 0 {
		p.HighFrequency = d.HighFrequency
	}
	if p.ErrorCount <= 0 {
		p.ErrorCount = d.ErrorCount
	}
	if p.ErrorRatio <= 0 {
		p.ErrorRatio = d.ErrorRatio
	}
	if p.RateSignalSpacing <= 0 {
		p.RateSignalSpacing = d.RateSignalSpacing
	}
	if p.BlockSignals <= 0 {
		p.BlockSignals = d.BlockSignals
	}
	if p.BlockDuration <= 0 {
		p.BlockDuration = d.BlockDuration
	}
	if p.IdleEviction <= 0 {
		p.IdleEviction = d.IdleEviction
	}
	if p.BanCacheTTL <= 0 {
		p.BanCacheTTL = d.BanCacheTTL
	}
	if p.StoreTimeout <= 0 {
		p.StoreTimeout = d.StoreTimeout
	}
	return p
}

// Assessment is the outcome of Evaluate.
type Assessment struct {
	// Signals raised since the previous evaluation of the same IP.
	Signals []Signal
	Block   bool
	Reason  string
}
