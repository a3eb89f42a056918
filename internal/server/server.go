package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raakeshmj/gatewarden/internal/alert"
	"github.com/raakeshmj/gatewarden/internal/audit"
	"github.com/raakeshmj/gatewarden/internal/auth"
	"github.com/raakeshmj/gatewarden/internal/config"
	"github.com/raakeshmj/gatewarden/internal/gateway"
	"github.com/raakeshmj/gatewarden/internal/logging"
	"github.com/raakeshmj/gatewarden/internal/metrics"
	"github.com/raakeshmj/gatewarden/internal/middleware"
	"github.com/raakeshmj/gatewarden/internal/policy"
	"github.com/raakeshmj/gatewarden/internal/threat"
)

type Server struct {
	cfg          *config.Config
	backend      *Backend
	gateway      *gateway.Gateway
	runtime      *config.Runtime
	policyEngine *policy.Engine
	metrics      *metrics.MetricsCollector
	registry     *metrics.Registry
	auditLogger  audit.Logger
	logger       *zap.Logger
	handler      http.Handler
}

// New wires the gateway and the HTTP surface. cfg must have passed
// Validate.
func New(cfg *config.Config, backend *Backend, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	rules := threat.DefaultRules()
	if cfg.RulesFile != "" {
		loaded, err := threat.LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
		logger.Info("threat rules loaded", zap.String("file", cfg.RulesFile), zap.Int("rules", len(rules)))
	}

	policies := policy.Defaults()
	if cfg.PoliciesFile != "" {
		loaded, err := policy.LoadFile(cfg.PoliciesFile)
		if err != nil {
			return nil, err
		}
		policies = loaded
	}
	eng := policy.NewEngine()
	if err := eng.LoadPolicies(policies); err != nil {
		return nil, err
	}

	signer, err := auth.NewSigner(cfg.Auth.SigningSecret, cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}

	var sender alert.Sender = alert.NopSender{}
	if cfg.Alerts.WebhookURL != "" {
		sender = alert.NewWebhookSender(cfg.Alerts.WebhookURL, nil, cfg.Alerts.SendTimeout)
	}

	rt := config.NewRuntime(cfg)
	registry := metrics.NewRegistry()

	gw, err := gateway.New(gateway.Options{
		Store:            backend.Store,
		Signer:           signer,
		Strategy:         rt.DegradePolicy,
		Governor:         cfg.GovernorConfig(),
		Quota:            cfg.QuotaConfig(),
		Usage:            cfg.UsageConfig(),
		Reputation:       cfg.ReputationPolicy(),
		Rules:            rules,
		Alerts:           cfg.AlertConfig(),
		Sender:           sender,
		AlertMinSeverity: cfg.AlertMinSeverity(),
		SweepInterval:    cfg.Reputation.SweepInterval,
		Logger:           logger,
		Metrics:          registry,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		backend:      backend,
		gateway:      gw,
		runtime:      rt,
		policyEngine: eng,
		metrics:      metrics.NewCollector(1000),
		registry:     registry,
		auditLogger:  audit.NewZapLogger(logger),
		logger:       logger,
	}
	s.handler = s.routes()
	return s, nil
}

// Gateway exposes the composed governance components.
func (s *Server) Gateway() *gateway.Gateway { return s.gateway }

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	app := http.NewServeMux()

	// Basic Health Check (Liveness)
	app.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Readiness Check (Dependencies)
	app.HandleFunc("/ready", s.ready)

	// Public Endpoint Demo
	app.HandleFunc("/api/public/hello", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Hello Public World"))
	})

	app.HandleFunc("/api/whoami", func(w http.ResponseWriter, r *http.Request) {
		info := middleware.Info(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"token_id": info.TokenID,
			"ip":       info.IP,
			"degraded": info.Degraded,
		})
	})

	guarded := middleware.Stack{
		Collector: s.metrics,
		Audit:     s.auditLogger,
		Security: middleware.SecurityConfig{
			HSTS:                   s.cfg.Server.HSTS,
			EnableReplayProtection: s.cfg.Server.ReplayProtect,
			ReplayWindow:           s.cfg.Server.ReplayWindow,
		},
		Policies: s.policyEngine,
		Gateway:  s.gateway,
		Guard: middleware.GuardConfig{
			Credentials:    s.cfg.Credentials(),
			TrustForwarded: s.cfg.Server.TrustForwarded,
		},
	}.Wrap(app)

	root := http.NewServeMux()
	root.Handle("/metrics", s.registry.Handler())
	root.Handle("/admin/", middleware.SecureHeaders(middleware.SecurityConfig{HSTS: s.cfg.Server.HSTS})(s.adminRoutes()))
	root.Handle("/", guarded)
	return root
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	breaker := s.gateway.Quota.Breaker().State().String()
	if err := s.backend.Ping(ctx); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "quota_breaker": breaker})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "quota_breaker": breaker})
}

// Run serves until ctx is cancelled, then shuts down gracefully: in-flight
// requests finish, the usage queue drains and pending alerts are sent.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server starting", logging.Addr(srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.gateway.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")

		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			errs = append(errs, fmt.Errorf("could not stop server gracefully: %w", err))
		}
		if err := s.gateway.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
