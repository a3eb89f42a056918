package config

import (
	"fmt"
	"sync"

	"github.com/raakeshmj/gatewarden/internal/reliability"
)

// RuntimeSettings are the values the admin surface may change while the
// process runs.
type RuntimeSettings struct {
	DegradePolicy  reliability.FailureStrategy `json:"degrade_policy"`
	AlertHourlyCap int                         `json:"alert_hourly_cap"`
}

func (s RuntimeSettings) validate() error {
	if !s.DegradePolicy.Valid() {
		return fmt.Errorf("degrade_policy must be %q or %q", reliability.FailOpen, reliability.FailClosed)
	}
	if s.AlertHourlyCap <= 0 {
		return fmt.Errorf("alert_hourly_cap must be positive")
	}
	return nil
}

// Runtime manages thread-safe settings updates.
type Runtime struct {
	mu       sync.RWMutex
	settings RuntimeSettings
}

func NewRuntime(cfg *Config) *Runtime {
	return &Runtime{
		settings: RuntimeSettings{
			DegradePolicy:  cfg.Strategy(),
			AlertHourlyCap: cfg.Alerts.HourlyCap,
		},
	}
}

func (r *Runtime) Get() RuntimeSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// Update replaces the settings. Invalid settings leave the current ones in
// place.
func (r *Runtime) Update(s RuntimeSettings) error {
	if err := s.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = s
	return nil
}

// DegradePolicy is the strategy source handed to the quota limiter.
func (r *Runtime) DegradePolicy() reliability.FailureStrategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.DegradePolicy
}
