package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/raakeshmj/gatewarden/internal/access"
	"github.com/raakeshmj/gatewarden/internal/db"
	"github.com/raakeshmj/gatewarden/internal/reliability"
	"github.com/raakeshmj/gatewarden/internal/usage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatewarden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(1000), cfg.Limits.Hourly)
	assert.Equal(t, int64(10000), cfg.Limits.Daily)
	assert.Equal(t, 250*time.Millisecond, cfg.Limits.ReadTimeout)
	assert.Empty(t, cfg.Limits.DegradePolicy)
	assert.Equal(t, 5*time.Minute, cfg.Alerts.Cooldown)
	assert.Equal(t, 10, cfg.Alerts.HourlyCap)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)

	p := cfg.ReputationPolicy()
	assert.Equal(t, 30*time.Minute, p.BlockDuration)
	assert.Equal(t, 5, p.BlockSignals)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
limits:
  hourly: 50
  degrade_policy: fail_open
alerts:
  cooldown: 2m
  min_severity: critical
store:
  driver: sqlite
  sqlite_path: /tmp/gw.db
`)
	t.Setenv("GATEWARDEN_LIMITS_HOURLY", "75")
	t.Setenv("GATEWARDEN_AUTH_SIGNING_SECRET", "from-env-secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(nil))

	assert.Equal(t, int64(75), cfg.Limits.Hourly)
	assert.Equal(t, reliability.FailOpen, cfg.Strategy())
	assert.Equal(t, 2*time.Minute, cfg.Alerts.Cooldown)
	assert.Equal(t, db.SeverityCritical, cfg.AlertMinSeverity())
	assert.Equal(t, "from-env-secret", cfg.Auth.SigningSecret)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, usage.DropNewest, cfg.UsageConfig().Overflow)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDegradePolicyFromEnv(t *testing.T) {
	t.Setenv("GATEWARDEN_LIMITS_DEGRADE_POLICY", "fail_closed")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "fail_closed", cfg.Limits.DegradePolicy)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Auth.SigningSecret = "test-secret"
	cfg.Limits.DegradePolicy = "fail_closed"
	return cfg
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no secret", func(c *Config) { c.Auth.SigningSecret = "" }, "auth.signing_secret"},
		{"no degrade policy", func(c *Config) { c.Limits.DegradePolicy = "" }, "limits.degrade_policy"},
		{"bad degrade policy", func(c *Config) { c.Limits.DegradePolicy = "maybe" }, "limits.degrade_policy"},
		{"bad overflow", func(c *Config) { c.Usage.Overflow = "spill" }, "usage.overflow"},
		{"zero hourly", func(c *Config) { c.Limits.Hourly = 0 }, "limits.hourly"},
		{"negative daily", func(c *Config) { c.Limits.Daily = -1 }, "limits.daily"},
		{"bad severity", func(c *Config) { c.Alerts.MinSeverity = "loud" }, "alerts.min_severity"},
		{"zero cap", func(c *Config) { c.Alerts.HourlyCap = 0 }, "alerts.hourly_cap"},
		{"bad driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Driver = DriverSQLite; c.Store.SQLitePath = "" }, "store.sqlite_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate(nil)
			require.Error(t, err)
			var ce *access.ConfigurationError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestValidateDevModeGeneratesSecretLoudly(t *testing.T) {
	cfg := validConfig(t)
	cfg.Auth.SigningSecret = ""
	cfg.Auth.DevMode = true

	core, logs := observer.New(zap.WarnLevel)
	require.NoError(t, cfg.Validate(zap.New(core)))

	assert.NotEmpty(t, cfg.Auth.SigningSecret)
	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].Message, "DEV MODE")
}

func TestRuntime(t *testing.T) {
	rt := NewRuntime(validConfig(t))
	assert.Equal(t, reliability.FailClosed, rt.DegradePolicy())
	assert.Equal(t, 10, rt.Get().AlertHourlyCap)

	require.NoError(t, rt.Update(RuntimeSettings{DegradePolicy: reliability.FailOpen, AlertHourlyCap: 3}))
	assert.Equal(t, reliability.FailOpen, rt.DegradePolicy())

	assert.Error(t, rt.Update(RuntimeSettings{DegradePolicy: "", AlertHourlyCap: 3}))
	assert.Error(t, rt.Update(RuntimeSettings{DegradePolicy: reliability.FailClosed, AlertHourlyCap: 0}))
	assert.Equal(t, RuntimeSettings{DegradePolicy: reliability.FailOpen, AlertHourlyCap: 3}, rt.Get())
}
