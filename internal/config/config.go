// Package config loads gatewarden settings from defaults, an optional YAML
// file and GATEWARDEN_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/raakeshmj/gatewarden/internal/access"
	"github.com/raakeshmj/gatewarden/internal/alert"
	"github.com/raakeshmj/gatewarden/internal/auth"
	"github.com/raakeshmj/gatewarden/internal/db"
	"github.com/raakeshmj/gatewarden/internal/limiter"
	"github.com/raakeshmj/gatewarden/internal/logging"
	"github.com/raakeshmj/gatewarden/internal/reliability"
	"github.com/raakeshmj/gatewarden/internal/reputation"
	"github.com/raakeshmj/gatewarden/internal/service"
	"github.com/raakeshmj/gatewarden/internal/usage"
)

const EnvPrefix = "GATEWARDEN"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

type Config struct {
	Server       ServerConfig     `mapstructure:"server"`
	Auth         AuthConfig       `mapstructure:"auth"`
	Limits       LimitsConfig     `mapstructure:"limits"`
	Usage        UsageConfig      `mapstructure:"usage"`
	Reputation   ReputationConfig `mapstructure:"reputation"`
	Alerts       AlertsConfig     `mapstructure:"alerts"`
	Store        StoreConfig      `mapstructure:"store"`
	RulesFile    string           `mapstructure:"rules_file"`
	PoliciesFile string           `mapstructure:"policies_file"`
	Log          logging.Config   `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	TrustForwarded  bool          `mapstructure:"trust_forwarded"`
	HSTS            bool          `mapstructure:"hsts"`
	ReplayProtect   bool          `mapstructure:"replay_protection"`
	ReplayWindow    time.Duration `mapstructure:"replay_window"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	SigningSecret string `mapstructure:"signing_secret"`
	Issuer        string `mapstructure:"issuer"`
	// DevMode allows an ephemeral signing secret when none is configured.
	DevMode      bool   `mapstructure:"dev_mode"`
	AdminKeyHash string `mapstructure:"admin_key_hash"`
	QueryParam   string `mapstructure:"query_param"`
	APIKeyHeader string `mapstructure:"api_key_header"`
}

type LimitsConfig struct {
	Hourly int64 `mapstructure:"hourly"`
	Daily  int64 `mapstructure:"daily"`
	// DegradePolicy is fail_open or fail_closed and has no default.
	DegradePolicy    string        `mapstructure:"degrade_policy"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
}

type UsageConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	Workers      int           `mapstructure:"workers"`
	Overflow     string        `mapstructure:"overflow"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
}

type ReputationConfig struct {
	Window            time.Duration `mapstructure:"window"`
	RateWindow        time.Duration `mapstructure:"rate_window"`
	HighFrequency     int           `mapstructure:"high_frequency"`
	ErrorCount        int           `mapstructure:"error_count"`
	ErrorRatio        float64       `mapstructure:"error_ratio"`
	BlockSignals      int           `mapstructure:"block_signals"`
	BlockDuration     time.Duration `mapstructure:"block_duration"`
	IdleEviction      time.Duration `mapstructure:"idle_eviction"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	RateSignalSpacing time.Duration `mapstructure:"rate_signal_spacing"`
}

type AlertsConfig struct {
	WebhookURL  string        `mapstructure:"webhook_url"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	HourlyCap   int           `mapstructure:"hourly_cap"`
	MinSeverity string        `mapstructure:"min_severity"`
	// Rate paces webhook sends per second; 0 disables pacing.
	Rate        float64       `mapstructure:"rate"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	// RedisAddr moves the usage ledger and ban list to Redis when set.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.trust_forwarded", false)
	v.SetDefault("server.hsts", false)
	v.SetDefault("server.replay_protection", false)
	v.SetDefault("server.replay_window", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("auth.issuer", auth.DefaultIssuer)
	v.SetDefault("auth.dev_mode", false)
	v.SetDefault("auth.query_param", "access_token")
	v.SetDefault("auth.api_key_header", "X-API-Key")

	v.SetDefault("limits.hourly", 1000)
	v.SetDefault("limits.daily", 10000)
	v.SetDefault("limits.read_timeout", "250ms")
	v.SetDefault("limits.failure_threshold", 5)
	v.SetDefault("limits.open_timeout", "30s")
	v.SetDefault("limits.cache_ttl", "30s")

	v.SetDefault("usage.queue_size", 4096)
	v.SetDefault("usage.workers", 2)
	v.SetDefault("usage.overflow", string(usage.DropNewest))
	v.SetDefault("usage.block_timeout", "50ms")

	p := reputation.DefaultPolicy()
	v.SetDefault("reputation.window", p.Window.String())
	v.SetDefault("reputation.rate_window", p.RateWindow.String())
	v.SetDefault("reputation.high_frequency", p.HighFrequency)
	v.SetDefault("reputation.error_count", p.ErrorCount)
	v.SetDefault("reputation.error_ratio", p.ErrorRatio)
	v.SetDefault("reputation.block_signals", p.BlockSignals)
	v.SetDefault("reputation.block_duration", p.BlockDuration.String())
	v.SetDefault("reputation.idle_eviction", p.IdleEviction.String())
	v.SetDefault("reputation.sweep_interval", reputation.DefaultSweepInterval.String())
	v.SetDefault("reputation.rate_signal_spacing", p.RateSignalSpacing.String())

	v.SetDefault("alerts.cooldown", "5m")
	v.SetDefault("alerts.hourly_cap", 10)
	v.SetDefault("alerts.min_severity", db.SeverityHigh.String())
	v.SetDefault("alerts.rate", 1.0)
	v.SetDefault("alerts.send_timeout", "5s")

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.sqlite_path", "gatewarden.db")
	v.SetDefault("store.redis_db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Keys without a default still need binding so the environment can set them.
var unsetKeys = []string{
	"auth.signing_secret",
	"auth.admin_key_hash",
	"limits.degrade_policy",
	"alerts.webhook_url",
	"store.redis_addr",
	"store.redis_password",
	"rules_file",
	"policies_file",
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range unsetKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings and fills in the signing secret in dev mode.
// Every failure is an *access.ConfigurationError.
func (c *Config) Validate(logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.Auth.SigningSecret == "" {
		if !c.Auth.DevMode {
			return &access.ConfigurationError{Field: "auth.signing_secret", Message: "signing secret is required"}
		}
		secret, err := auth.GenerateSecret()
		if err != nil {
			return &access.ConfigurationError{Field: "auth.signing_secret", Message: err.Error()}
		}
		c.Auth.SigningSecret = secret
		logger.Warn("DEV MODE: no signing secret configured, using an ephemeral one; tokens will not survive a restart. Never run like this in production.")
	}

	if _, err := reliability.ParseStrategy(c.Limits.DegradePolicy); err != nil {
		return &access.ConfigurationError{Field: "limits.degrade_policy", Message: err.Error()}
	}
	if _, err := usage.ParseOverflowPolicy(c.Usage.Overflow); err != nil {
		return &access.ConfigurationError{Field: "usage.overflow", Message: err.Error()}
	}
	if c.Limits.Hourly <= 0 {
		return &access.ConfigurationError{Field: "limits.hourly", Message: "must be positive"}
	}
	if c.Limits.Daily <= 0 {
		return &access.ConfigurationError{Field: "limits.daily", Message: "must be positive"}
	}
	if _, ok := db.ParseSeverity(c.Alerts.MinSeverity); !ok {
		return &access.ConfigurationError{Field: "alerts.min_severity", Message: fmt.Sprintf("unknown severity %q", c.Alerts.MinSeverity)}
	}
	if c.Alerts.HourlyCap <= 0 {
		return &access.ConfigurationError{Field: "alerts.hourly_cap", Message: "must be positive"}
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return &access.ConfigurationError{Field: "store.sqlite_path", Message: "required for the sqlite driver"}
		}
	default:
		return &access.ConfigurationError{Field: "store.driver", Message: fmt.Sprintf("unknown driver %q", c.Store.Driver)}
	}
	return nil
}

// Strategy returns the parsed degrade policy. Call after Validate.
func (c *Config) Strategy() reliability.FailureStrategy {
	s, _ := reliability.ParseStrategy(c.Limits.DegradePolicy)
	return s
}

func (c *Config) Credentials() auth.CredentialLookup {
	return auth.CredentialLookup{QueryParam: c.Auth.QueryParam, APIKeyHeader: c.Auth.APIKeyHeader}
}

func (c *Config) GovernorConfig() service.GovernorConfig {
	return service.GovernorConfig{
		HourlyLimit: c.Limits.Hourly,
		DailyLimit:  c.Limits.Daily,
		CacheTTL:    c.Limits.CacheTTL,
	}
}

func (c *Config) QuotaConfig() limiter.Config {
	return limiter.Config{
		ReadTimeout:      c.Limits.ReadTimeout,
		FailureThreshold: c.Limits.FailureThreshold,
		OpenTimeout:      c.Limits.OpenTimeout,
	}
}

func (c *Config) UsageConfig() usage.Config {
	overflow, _ := usage.ParseOverflowPolicy(c.Usage.Overflow)
	return usage.Config{
		QueueSize:    c.Usage.QueueSize,
		Workers:      c.Usage.Workers,
		Overflow:     overflow,
		BlockTimeout: c.Usage.BlockTimeout,
	}
}

// ReputationPolicy overlays the configured values on the default policy.
func (c *Config) ReputationPolicy() reputation.Policy {
	p := reputation.DefaultPolicy()
	r := c.Reputation
	if r.Window > 0 {
		p.Window = r.Window
	}
	if r.RateWindow > 0 {
		p.RateWindow = r.RateWindow
	}
	if r.HighFrequency > 0 {
		p.HighFrequency = r.HighFrequency
	}
	if r.ErrorCount > 0 {
		p.ErrorCount = r.ErrorCount
	}
	if r.ErrorRatio > 0 {
		p.ErrorRatio = r.ErrorRatio
	}
	if r.BlockSignals > 0 {
		p.BlockSignals = r.BlockSignals
	}
	if r.BlockDuration > 0 {
		p.BlockDuration = r.BlockDuration
	}
	if r.IdleEviction > 0 {
		p.IdleEviction = r.IdleEviction
	}
	if r.RateSignalSpacing > 0 {
		p.RateSignalSpacing = r.RateSignalSpacing
	}
	return p
}

func (c *Config) AlertConfig() alert.Config {
	return alert.Config{
		Cooldown:      c.Alerts.Cooldown,
		HourlyCap:     c.Alerts.HourlyCap,
		RatePerSecond: c.Alerts.Rate,
		SendTimeout:   c.Alerts.SendTimeout,
	}
}

func (c *Config) AlertMinSeverity() db.Severity {
	s, _ := db.ParseSeverity(c.Alerts.MinSeverity)
	return s
}
