// Package gateway composes the governance components into the single service
// object a server holds for its lifetime.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raakeshmj/gatewarden/internal/access"
	"github.com/raakeshmj/gatewarden/internal/alert"
	"github.com/raakeshmj/gatewarden/internal/auth"
	"github.com/raakeshmj/gatewarden/internal/db"
	"github.com/raakeshmj/gatewarden/internal/limiter"
	"github.com/raakeshmj/gatewarden/internal/logging"
	"github.com/raakeshmj/gatewarden/internal/metrics"
	"github.com/raakeshmj/gatewarden/internal/reliability"
	"github.com/raakeshmj/gatewarden/internal/repository"
	"github.com/raakeshmj/gatewarden/internal/reputation"
	"github.com/raakeshmj/gatewarden/internal/service"
	"github.com/raakeshmj/gatewarden/internal/threat"
	"github.com/raakeshmj/gatewarden/internal/usage"
)

// Event types used for alerts raised by the gateway.
const (
	EventAutoBlock = "auto_block"
	threatPrefix   = "threat:"
)

const pruneTimeout = 30 * time.Second

type Options struct {
	Store repository.Store
	// Pruner trims the usage ledger on the sweep timer. When nil, Store is
	// used if it implements repository.Pruner.
	Pruner repository.Pruner
	Signer *auth.Signer
	// Strategy returns the current degrade policy. It is required.
	Strategy func() reliability.FailureStrategy

	Governor   service.GovernorConfig
	Quota      limiter.Config
	Usage      usage.Config
	Reputation reputation.Policy
	Rules      []threat.Rule
	Alerts     alert.Config
	Sender     alert.Sender
	// AlertMinSeverity is the lowest signal severity that raises an alert.
	AlertMinSeverity db.Severity
	SweepInterval    time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

// Gateway holds one instance of each governance component.
type Gateway struct {
	Governor *service.TokenGovernor
	Detector *threat.Detector
	Tracker  *reputation.Tracker
	Alerts   *alert.Dispatcher
	Recorder *usage.Recorder
	Quota    *limiter.QuotaLimiter

	pruner      repository.Pruner
	metrics     *metrics.Registry
	logger      *zap.Logger
	minSeverity db.Severity
	sweep       time.Duration
	now         func() time.Time
}

func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, &access.ConfigurationError{Field: "store", Message: "a store is required"}
	}
	if opts.Signer == nil {
		return nil, &access.ConfigurationError{Field: "auth.signing_secret", Message: "a token signer is required"}
	}
	if opts.Strategy == nil || !opts.Strategy().Valid() {
		return nil, &access.ConfigurationError{Field: "limits.degrade_policy", Message: "must be fail_open or fail_closed"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AlertMinSeverity == 0 {
		opts.AlertMinSeverity = db.SeverityHigh
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	pruner := opts.Pruner
	if pruner == nil {
		pruner, _ = opts.Store.(repository.Pruner)
	}

	recorder := usage.NewRecorder(opts.Store, opts.Usage, logger.Named("usage"), opts.Metrics)
	quota := limiter.NewQuotaLimiter(opts.Store, recorder.Pending, opts.Strategy, opts.Quota, logger.Named("quota"), opts.Metrics)
	tracker := reputation.NewTracker(opts.Store, opts.Reputation, logger.Named("reputation"), opts.Metrics).WithClock(now)
	dispatcher := alert.NewDispatcher(opts.Store, opts.Sender, opts.Alerts, logger.Named("alert"), opts.Metrics).WithClock(now)
	governor := service.NewTokenGovernor(service.GovernorDeps{
		Tokens:   opts.Store,
		Usage:    opts.Store,
		Signer:   opts.Signer,
		Quota:    quota,
		Recorder: recorder,
		Bans:     tracker,
		Signals:  tracker,
		Logger:   logger.Named("governor"),
	}, opts.Governor).WithClock(now)

	return &Gateway{
		Governor:    governor,
		Detector:    threat.NewDetector(opts.Rules),
		Tracker:     tracker,
		Alerts:      dispatcher,
		Recorder:    recorder,
		Quota:       quota,
		pruner:      pruner,
		metrics:     opts.Metrics,
		logger:      logger,
		minSeverity: opts.AlertMinSeverity,
		sweep:       opts.SweepInterval,
		now:         now,
	}, nil
}

// Input is one request to check.
type Input struct {
	Request       access.Request
	RawToken      string
	AuthRequired  bool
	RequiredScope string
}

// Verdict is the outcome of Check. It must be passed to Complete once the
// response status is known.
type Verdict struct {
	access.Decision
	Matches    []threat.Match
	Assessment reputation.Assessment

	ip        string
	recorded  bool
	admission *service.Admission
}

// Check runs the ban check, classifies the request, updates the source's
// reputation and only then validates the token. A request that earns its
// source a ban is rejected ip_blocked and never reaches token validation,
// so it consumes no quota.
func (g *Gateway) Check(ctx context.Context, in Input) Verdict {
	start := g.now()
	ip := in.Request.SourceIP
	v := Verdict{ip: ip}

	defer func() {
		g.metrics.Decision(string(v.Reason), g.now().Sub(start).Seconds())
	}()

	if g.Tracker.IsBlocked(ctx, ip) {
		v.Decision = access.Rejected(access.ReasonIPBlocked, start)
		return v
	}

	v.Matches = g.Detector.Classify(in.Request)
	g.Tracker.Record(ip, v.Matches)
	v.recorded = true
	v.Assessment = g.Tracker.Evaluate(ip)
	g.raiseAlerts(ctx, in.Request, v.Matches, v.Assessment.Signals)

	if v.Assessment.Block {
		if err := g.Tracker.AutoBlock(ctx, ip, v.Assessment.Reason); err != nil {
			g.logger.Error("auto-block not persisted", logging.IP(ip), zap.Error(err))
		}
		g.Alerts.Notify(ctx, alert.Event{
			Type:     EventAutoBlock,
			Severity: db.SeverityCritical,
			Title:    "Source IP blocked automatically",
			IP:       ip,
			Fields: map[string]string{
				"reason":   v.Assessment.Reason,
				"duration": g.Tracker.Policy().BlockDuration.String(),
			},
		})
		v.Decision = access.Rejected(access.ReasonIPBlocked, start)
		return v
	}

	if !in.AuthRequired {
		v.Decision = access.Authorized("", nil, start)
		return v
	}
	v.Decision, v.admission = g.Governor.Admit(ctx, service.AuthorizeInput{
		RawToken:      in.RawToken,
		Request:       in.Request,
		RequiredScope: in.RequiredScope,
	})
	return v
}

func (g *Gateway) raiseAlerts(ctx context.Context, req access.Request, matches []threat.Match, signals []reputation.Signal) {
	for _, s := range signals {
		if s.Severity < g.minSeverity {
			continue
		}
		ev := alert.Event{
			Type:     s.Kind,
			Severity: s.Severity,
			IP:       req.SourceIP,
			Fields: map[string]string{
				"method": req.Method,
				"path":   req.Path,
			},
		}
		switch s.Kind {
		case reputation.SignalThreat:
			ev.Type = threatPrefix + s.Category
			ev.Title = "Threat signature matched: " + s.Category
			for _, m := range matches {
				if m.Category == s.Category {
					ev.Fields["signature"] = m.Signature
					ev.Fields["field"] = string(m.Field)
				}
			}
		case reputation.SignalHighFrequency:
			ev.Title = "High request frequency"
		case reputation.SignalHighErrorRate:
			ev.Title = "High error response rate"
		default:
			ev.Title = s.Kind
		}
		g.Alerts.Notify(ctx, ev)
	}
}

// Complete closes out a checked request with its response status. The status
// counts toward the source's error rate only when the request itself was
// counted, so rejections of a banned source never skew the ratio. The usage
// record of an authorized request is queued here.
func (g *Gateway) Complete(v Verdict, status int) {
	if v.recorded {
		g.Tracker.ObserveResponse(v.ip, status)
	}
	v.admission.Complete(status)
}

// Start runs the background sweepers until ctx is done.
func (g *Gateway) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.Tracker.Run(ctx, g.sweep) })
	eg.Go(func() error { return g.Alerts.Run(ctx, time.Minute) })
	if g.pruner != nil {
		eg.Go(func() error { return g.runPruner(ctx) })
	}
	return eg.Wait()
}

// PruneUsage drops ledger entries older than any quota window. It is a no-op
// for stores that expire entries on their own.
func (g *Gateway) PruneUsage(ctx context.Context) (int64, error) {
	if g.pruner == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()
	n, err := g.pruner.PruneUsage(ctx, g.now().Add(-repository.UsageRetention))
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return n, nil
}

func (g *Gateway) runPruner(ctx context.Context) error {
	interval := g.sweep
	if interval <= 0 {
		interval = reputation.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := g.PruneUsage(ctx)
			if err != nil {
				g.logger.Warn("usage prune failed", zap.Error(err))
			} else if n > 0 {
				g.logger.Debug("usage pruned", zap.Int64("rows", n))
			}
		}
	}
}

// Close drains queued usage records and alert deliveries.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	if err := g.Recorder.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := g.Alerts.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close gateway: %w", err)
	}
	return nil
}
