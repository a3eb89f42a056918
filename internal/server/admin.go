package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raakeshmj/gatewarden/internal/access"
	"github.com/raakeshmj/gatewarden/internal/audit"
	"github.com/raakeshmj/gatewarden/internal/auth"
	"github.com/raakeshmj/gatewarden/internal/config"
	"github.com/raakeshmj/gatewarden/internal/repository"
	"github.com/raakeshmj/gatewarden/internal/reputation"
	"github.com/raakeshmj/gatewarden/internal/service"
)

const (
	AdminKeyHeader = "X-Admin-Key"
	adminActor     = "admin"
)

func (s *Server) adminRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/tokens", s.listTokens)
	mux.HandleFunc("POST /admin/tokens", s.issueToken)
	mux.HandleFunc("GET /admin/tokens/{id}", s.tokenStats)
	mux.HandleFunc("POST /admin/tokens/{id}/revoke", s.revokeToken)
	mux.HandleFunc("POST /admin/tokens/{id}/refresh", s.refreshToken)

	mux.HandleFunc("GET /admin/ips", s.listBlocked)
	mux.HandleFunc("POST /admin/ips", s.blockIP)
	mux.HandleFunc("GET /admin/ips/{ip}", s.ipSnapshot)
	mux.HandleFunc("DELETE /admin/ips/{ip}", s.unblockIP)

	mux.HandleFunc("GET /admin/alerts", s.listAlerts)
	mux.HandleFunc("GET /admin/settings", s.getSettings)
	mux.HandleFunc("PUT /admin/settings", s.updateSettings)
	mux.HandleFunc("GET /admin/stats", s.stats)
	return s.requireAdmin(mux)
}

// requireAdmin checks the bcrypt-hashed admin key. Without a configured
// hash the admin surface is closed.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth.AdminKeyHash == "" {
			writeError(w, http.StatusForbidden, "admin_disabled")
			return
		}
		if !auth.CheckAdminKey(r.Header.Get(AdminKeyHeader), s.cfg.Auth.AdminKeyHash) {
			writeError(w, http.StatusUnauthorized, "invalid_admin_key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) audit(r *http.Request, action, resource string, status int, meta map[string]string) {
	s.auditLogger.Log(audit.LogEntry{
		Timestamp: time.Now(),
		ActorID:   adminActor,
		Action:    action,
		Resource:  resource,
		Status:    status,
		IP:        r.RemoteAddr,
		Metadata:  meta,
	})
}

func (s *Server) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.gateway.Governor.ListTokens(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

type issueTokenRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	TTL         string   `json:"ttl"`
	Scopes      []string `json:"scopes"`
	HourlyLimit int64    `json:"hourly_limit"`
	DailyLimit  int64    `json:"daily_limit"`
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	issued, err := s.gateway.Governor.IssueToken(r.Context(), service.IssueRequest{
		Name:        req.Name,
		Description: req.Description,
		TTL:         req.TTL,
		Scopes:      req.Scopes,
		HourlyLimit: req.HourlyLimit,
		DailyLimit:  req.DailyLimit,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	// Don't log the token itself!
	s.audit(r, "token_issue", "token:"+issued.ID, http.StatusCreated, map[string]string{"name": req.Name})
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) tokenStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.gateway.Governor.TokenStats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}
	}
	id := r.PathValue("id")
	if err := s.gateway.Governor.RevokeToken(r.Context(), id, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r, "token_revoke", "token:"+id, http.StatusOK, map[string]string{"reason": req.Reason})
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "revoked"})
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTL string `json:"ttl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	id := r.PathValue("id")
	expiresAt, err := s.gateway.Governor.RefreshToken(r.Context(), id, req.TTL)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r, "token_refresh", "token:"+id, http.StatusOK, map[string]string{"ttl": req.TTL})
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "expires_at": expiresAt})
}

func (s *Server) listBlocked(w http.ResponseWriter, r *http.Request) {
	bans, err := s.gateway.Tracker.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bans)
}

type blockRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
	// TTL uses token lifetime syntax (30m, 12h, 7d). Empty or "permanent"
	// never expires.
	TTL string `json:"ttl"`
}

// ParseBanTTL reads a ban lifetime; zero means permanent.
func ParseBanTTL(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "permanent":
		return 0, nil
	}
	return service.ParseTTL(s)
}

func (s *Server) blockIP(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	ttl, err := ParseBanTTL(req.TTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_ttl")
		return
	}
	ban, err := s.gateway.Tracker.Block(r.Context(), req.IP, req.Reason, ttl, adminActor)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r, "ip_block", "ip:"+req.IP, http.StatusCreated, map[string]string{"reason": req.Reason, "ttl": req.TTL})
	writeJSON(w, http.StatusCreated, ban)
}

func (s *Server) ipSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.gateway.Tracker.Snapshot(r.PathValue("ip"))
	if snap.State != reputation.StateBlocked && s.gateway.Tracker.IsBlocked(r.Context(), snap.IP) {
		snap.State = reputation.StateBlocked
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) unblockIP(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if err := s.gateway.Tracker.Unblock(r.Context(), ip); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r, "ip_unblock", "ip:"+ip, http.StatusOK, nil)
	writeJSON(w, http.StatusOK, map[string]string{"ip": ip, "status": "unblocked"})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}
	alerts, err := s.gateway.Alerts.ListAlerts(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Get())
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var settings config.RuntimeSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := s.runtime.Update(settings); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "invalid_settings",
			"message": err.Error(),
		})
		return
	}
	s.gateway.Alerts.SetHourlyCap(settings.AlertHourlyCap)
	s.audit(r, "settings_update", "settings", http.StatusOK, map[string]string{
		"degrade_policy":   string(settings.DegradePolicy),
		"alert_hourly_cap": strconv.Itoa(settings.AlertHourlyCap),
	})
	s.logger.Warn("runtime settings changed",
		zap.String("degrade_policy", string(settings.DegradePolicy)),
		zap.Int("alert_hourly_cap", settings.AlertHourlyCap))
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"requests":    s.metrics.GetStats(),
		"usage_queue": s.gateway.Recorder.Stats(),
		"tracked_ips": s.gateway.Tracker.Len(),
		"breaker":     s.gateway.Quota.Breaker().State().String(),
	})
}

// fail maps a component error to a status without leaking its text.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var pe *access.PersistenceError
	switch {
	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, reputation.ErrInvalidIP):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_argument", "message": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, service.ErrTokenRevoked):
		writeError(w, http.StatusConflict, "revoked")
	case errors.As(err, &pe):
		s.logger.Error("admin request failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, string(access.ReasonUnavailable))
	default:
		s.logger.Error("admin request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{
		"error":     code,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
