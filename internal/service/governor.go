package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raakeshmj/gatewarden/internal/access"
	"github.com/raakeshmj/gatewarden/internal/auth"
	"github.com/raakeshmj/gatewarden/internal/cache"
	"github.com/raakeshmj/gatewarden/internal/db"
	"github.com/raakeshmj/gatewarden/internal/limiter"
	"github.com/raakeshmj/gatewarden/internal/logging"
	"github.com/raakeshmj/gatewarden/internal/repository"
	"github.com/raakeshmj/gatewarden/internal/usage"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTokenRevoked    = errors.New("token revoked")
)

var DefaultScopes = []string{"read", "write"}

// BanChecker answers whether a source is currently banned.
type BanChecker interface {
	IsBlocked(ctx context.Context, ip string) bool
}

// SignalReporter receives quota rejections as reputation signals.
type SignalReporter interface {
	ReportRateLimited(ip, tokenID string)
}

type GovernorConfig struct {
	HourlyLimit int64
	DailyLimit  int64
	CacheTTL    time.Duration
}

// TokenGovernor issues, validates, revokes and refreshes bearer tokens and
// enforces per-token ceilings.
type TokenGovernor struct {
	tokens   repository.TokenRepository
	counter  limiter.Counter
	signer   *auth.Signer
	quota    *limiter.QuotaLimiter
	recorder *usage.Recorder
	bans     BanChecker
	signals  SignalReporter
	cfg      GovernorConfig
	logger   *zap.Logger

	// tokenHash -> record; revoke and refresh drop entries eagerly.
	validated *cache.MemoryCache[*db.AccessToken]
	hashLocks cache.KeyLock // cache fill vs revoke and refresh
	locks     cache.KeyLock // quota check per token ID

	now func() time.Time
}

// GovernorDeps are the collaborators of a TokenGovernor. Bans and Signals
// may be nil.
type GovernorDeps struct {
	Tokens   repository.TokenRepository
	Usage    limiter.Counter
	Signer   *auth.Signer
	Quota    *limiter.QuotaLimiter
	Recorder *usage.Recorder
	Bans     BanChecker
	Signals  SignalReporter
	Logger   *zap.Logger
}

func NewTokenGovernor(deps GovernorDeps, cfg GovernorConfig) *TokenGovernor {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenGovernor{
		tokens:    deps.Tokens,
		counter:   deps.Usage,
		signer:    deps.Signer,
		quota:     deps.Quota,
		recorder:  deps.Recorder,
		bans:      deps.Bans,
		signals:   deps.Signals,
		cfg:       cfg,
		logger:    logger,
		validated: cache.NewMemoryCache[*db.AccessToken](),
		now:       time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (g *TokenGovernor) WithClock(now func() time.Time) *TokenGovernor {
	g.now = now
	g.validated.WithClock(now)
	return g
}

type IssueRequest struct {
	Name        string
	Description string
	TTL         string
	Scopes      []string
	HourlyLimit int64 // 0 uses the configured default
	DailyLimit  int64
}

type IssuedToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (g *TokenGovernor) IssueToken(ctx context.Context, req IssueRequest) (*IssuedToken, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	ttl, err := ParseTTL(req.TTL)
	if err != nil {
		return nil, err
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	scopes = append([]string(nil), scopes...)

	hourly, daily := req.HourlyLimit, req.DailyLimit
	if hourly <= 0 {
		hourly = g.cfg.HourlyLimit
	}
	if daily <= 0 {
		daily = g.cfg.DailyLimit
	}

	now := g.now()
	id := uuid.NewString()
	signed, err := g.signer.Sign(id, name, scopes, now)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	record := &db.AccessToken{
		ID:          id,
		Name:        name,
		Description: req.Description,
		TokenHash:   auth.HashToken(signed),
		Scopes:      scopes,
		HourlyLimit: hourly,
		DailyLimit:  daily,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		IsActive:    true,
	}
	if err := g.tokens.CreateToken(ctx, record); err != nil {
		return nil, &access.PersistenceError{Op: "create token", At: now, Err: err}
	}

	g.logger.Info("token issued", logging.TokenID(id), zap.String("name", name), zap.Time("expires_at", record.ExpiresAt))
	return &IssuedToken{ID: id, Token: signed, ExpiresAt: record.ExpiresAt}, nil
}

// ValidateRequest authorizes rawToken for a request from sourceIP to path.
func (g *TokenGovernor) ValidateRequest(ctx context.Context, rawToken, sourceIP, path string) access.Decision {
	return g.Authorize(ctx, AuthorizeInput{
		RawToken: rawToken,
		Request:  access.Request{Method: "GET", Path: path, SourceIP: sourceIP},
	})
}

type AuthorizeInput struct {
	RawToken      string
	Request       access.Request
	RequiredScope string
}

// Authorize runs the checks cheapest first: ban, signature, record state,
// scope, then quota. Callers that never see the response get the usage record
// queued at once, with no status and no response time.
func (g *TokenGovernor) Authorize(ctx context.Context, in AuthorizeInput) access.Decision {
	d, adm := g.Admit(ctx, in)
	adm.Complete(0)
	return d
}

// Admit is Authorize for callers that serve the request. An authorized
// request holds a quota reservation until the returned Admission is
// completed with the final status; the decision never waits for the record
// to be written. The Admission is nil for a rejection.
func (g *TokenGovernor) Admit(ctx context.Context, in AuthorizeInput) (access.Decision, *Admission) {
	start := g.now()
	ip := in.Request.SourceIP

	if g.bans != nil && g.bans.IsBlocked(ctx, ip) {
		return access.Rejected(access.ReasonIPBlocked, start), nil
	}

	if in.RawToken == "" {
		return access.Rejected(access.ReasonMissingToken, start), nil
	}
	claims, err := g.signer.Verify(in.RawToken)
	if err != nil {
		return access.Rejected(access.ReasonInvalidToken, start), nil
	}

	token, reason, err := g.lookup(ctx, in.RawToken, start)
	if err != nil {
		g.logger.Error("token lookup failed", logging.IP(ip), zap.Error(err))
		return access.Rejected(access.ReasonUnavailable, start), nil
	}
	if reason != "" {
		return access.Rejected(reason, start), nil
	}
	if token.ID != claims.ID {
		return access.Rejected(access.ReasonInvalidToken, start), nil
	}
	if in.RequiredScope != "" && !token.HasScope(in.RequiredScope) {
		return access.Rejected(access.ReasonInsufficientScope, start), nil
	}

	unlock := g.locks.Lock(token.ID)
	defer unlock()

	res, err := g.quota.Check(ctx, token.ID, limiter.Limits{Hourly: token.HourlyLimit, Daily: token.DailyLimit}, start)
	switch {
	case errors.Is(err, limiter.ErrRateLimitExceeded):
		if g.signals != nil {
			g.signals.ReportRateLimited(ip, token.ID)
		}
		return access.Rejected(access.ReasonRateLimited, start), nil
	case err != nil:
		return access.Rejected(access.ReasonUnavailable, start), nil
	}

	adm := &Admission{
		reservation: g.recorder.Reserve(token.ID),
		record: db.UsageRecord{
			Endpoint:  in.Request.Path,
			Method:    in.Request.Method,
			IP:        ip,
			UserAgent: in.Request.UserAgent(),
			Timestamp: start,
		},
		now: g.now,
	}

	d := access.Authorized(token.ID, token.Scopes, start)
	d.Degraded = res.Degraded
	return d, adm
}

// Admission is an authorized request whose usage record is still open.
type Admission struct {
	reservation *usage.Reservation
	record      db.UsageRecord
	now         func() time.Time
}

// Complete queues the usage record with the response status and the time
// since authorization. Only the first call counts; a nil Admission is a
// no-op. Status 0 means the response was never observed.
func (a *Admission) Complete(status int) {
	if a == nil {
		return
	}
	rec := a.record
	rec.StatusCode = status
	if status != 0 {
		rec.ResponseTimeMs = a.now().Sub(rec.Timestamp).Milliseconds()
	}
	a.reservation.Submit(&rec)
}

// lookup resolves the persisted record for rawToken through the validation
// cache. A non-empty reason means the token exists but may not be used.
func (g *TokenGovernor) lookup(ctx context.Context, rawToken string, now time.Time) (*db.AccessToken, access.Reason, error) {
	hash := auth.HashToken(rawToken)

	token, ok := g.validated.Get(hash)
	if !ok {
		var err error
		if token, err = g.fill(ctx, hash); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, access.ReasonInvalidToken, nil
			}
			return nil, "", err
		}
	}

	switch {
	case !token.IsActive && !token.RevokedAt.IsZero():
		return nil, access.ReasonRevoked, nil
	case !token.IsActive:
		return nil, access.ReasonInactive, nil
	case token.Expired(now):
		return nil, access.ReasonTokenExpired, nil
	}
	return token, "", nil
}

// fill reads the record for hash and caches it. It holds the hash lock so a
// concurrent revoke or refresh cannot be overwritten by the stale read.
func (g *TokenGovernor) fill(ctx context.Context, hash string) (*db.AccessToken, error) {
	unlock := g.hashLocks.Lock(hash)
	defer unlock()

	if token, ok := g.validated.Get(hash); ok {
		return token, nil
	}
	token, err := g.tokens.GetTokenByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	g.validated.Set(hash, token, g.cfg.CacheTTL)
	return token, nil
}

// RevokeToken deactivates a token. Revoking an already revoked token is a
// no-op.
func (g *TokenGovernor) RevokeToken(ctx context.Context, id, reason string) error {
	token, err := g.tokens.GetToken(ctx, id)
	if err != nil {
		return err
	}
	unlock := g.hashLocks.Lock(token.TokenHash)
	defer unlock()

	if !token.IsActive {
		g.validated.Delete(token.TokenHash)
		return nil
	}
	if err := g.tokens.DeactivateToken(ctx, id, reason, g.now()); err != nil {
		return err
	}
	g.validated.Delete(token.TokenHash)
	g.logger.Info("token revoked", logging.TokenID(id), logging.Reason(reason))
	return nil
}

// RefreshToken moves expiry to now+ttl. Revoked tokens cannot be refreshed.
func (g *TokenGovernor) RefreshToken(ctx context.Context, id, ttl string) (time.Time, error) {
	d, err := ParseTTL(ttl)
	if err != nil {
		return time.Time{}, err
	}
	token, err := g.tokens.GetToken(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if !token.IsActive {
		return time.Time{}, ErrTokenRevoked
	}
	unlock := g.hashLocks.Lock(token.TokenHash)
	defer unlock()

	expiresAt := g.now().Add(d)
	if err := g.tokens.UpdateTokenExpiry(ctx, id, expiresAt); err != nil {
		return time.Time{}, err
	}
	g.validated.Delete(token.TokenHash)
	g.logger.Info("token refreshed", logging.TokenID(id), zap.Time("expires_at", expiresAt))
	return expiresAt, nil
}

type TokenStats struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"` // active, revoked, inactive, expired
	Scopes      []string  `json:"scopes"`
	UsageCount  int64     `json:"usage_count"`
	HourlyUsage int64     `json:"hourly_usage"`
	DailyUsage  int64     `json:"daily_usage"`
	HourlyLimit int64     `json:"hourly_limit"`
	DailyLimit  int64     `json:"daily_limit"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (g *TokenGovernor) TokenStats(ctx context.Context, id string) (*TokenStats, error) {
	token, err := g.tokens.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}
	now := g.now()
	hourly, err := g.counter.CountUsageSince(ctx, id, now.Add(-time.Hour))
	if err != nil {
		return nil, &access.PersistenceError{Op: "usage stats", At: now, Err: err}
	}
	daily, err := g.counter.CountUsageSince(ctx, id, now.Add(-24*time.Hour))
	if err != nil {
		return nil, &access.PersistenceError{Op: "usage stats", At: now, Err: err}
	}
	return &TokenStats{
		ID:          token.ID,
		Name:        token.Name,
		Status:      tokenStatus(token, now),
		Scopes:      token.Scopes,
		UsageCount:  token.UsageCount,
		HourlyUsage: hourly,
		DailyUsage:  daily,
		HourlyLimit: token.HourlyLimit,
		DailyLimit:  token.DailyLimit,
		LastUsedAt:  token.LastUsedAt,
		CreatedAt:   token.CreatedAt,
		ExpiresAt:   token.ExpiresAt,
	}, nil
}

func (g *TokenGovernor) ListTokens(ctx context.Context) ([]*TokenStats, error) {
	tokens, err := g.tokens.ListTokens(ctx)
	if err != nil {
		return nil, err
	}
	now := g.now()
	out := make([]*TokenStats, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, &TokenStats{
			ID:          t.ID,
			Name:        t.Name,
			Status:      tokenStatus(t, now),
			Scopes:      t.Scopes,
			UsageCount:  t.UsageCount,
			HourlyLimit: t.HourlyLimit,
			DailyLimit:  t.DailyLimit,
			LastUsedAt:  t.LastUsedAt,
			CreatedAt:   t.CreatedAt,
			ExpiresAt:   t.ExpiresAt,
		})
	}
	return out, nil
}

func tokenStatus(t *db.AccessToken, now time.Time) string {
	switch {
	case !t.IsActive && !t.RevokedAt.IsZero():
		return "revoked"
	case !t.IsActive:
		return "inactive"
	case t.Expired(now):
		return "expired"
	}
	return "active"
}
