package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/raakeshmj/gatewarden/internal/audit"
	"github.com/raakeshmj/gatewarden/internal/auth"
	"github.com/raakeshmj/gatewarden/internal/gateway"
	"github.com/raakeshmj/gatewarden/internal/metrics"
	"github.com/raakeshmj/gatewarden/internal/policy"
	"github.com/raakeshmj/gatewarden/internal/reliability"
	"github.com/raakeshmj/gatewarden/internal/repository/memory"
	"github.com/raakeshmj/gatewarden/internal/service"
)

type harness struct {
	gw        *gateway.Gateway
	handler   http.Handler
	collector *metrics.MetricsCollector
	logs      *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	signer, err := auth.NewSigner("middleware-test-secret-0123456789", "")
	require.NoError(t, err)
	gw, err := gateway.New(gateway.Options{
		Store:    memory.New(),
		Signer:   signer,
		Strategy: func() reliability.FailureStrategy { return reliability.FailClosed },
		Governor: service.GovernorConfig{HourlyLimit: 100, DailyLimit: 1000},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close(context.Background()) })

	engine := policy.NewEngine()
	require.NoError(t, engine.LoadPolicies(policy.Defaults()))

	core, logs := observer.New(zap.InfoLevel)
	collector := metrics.NewCollector(64)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") == "1" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("token=" + Info(r.Context()).TokenID))
	})

	h := Stack{
		Collector: collector,
		Audit:     audit.NewZapLogger(zap.New(core)),
		Policies:  engine,
		Gateway:   gw,
		Guard:     GuardConfig{Credentials: auth.DefaultCredentialLookup(), TrustForwarded: true},
	}.Wrap(mux)
	return &harness{gw: gw, handler: h, collector: collector, logs: logs}
}

func (h *harness) do(method, target, ip, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("X-Forwarded-For", ip)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestGuardRejectsWithReasonCode(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/data", "10.0.0.1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "missing_token", body["error"])
	_, err := time.Parse(time.RFC3339, body["timestamp"])
	assert.NoError(t, err)
	assert.Len(t, body, 2)

	entries := h.logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "missing_token", entries[0].ContextMap()["reason"])
	assert.Equal(t, "10.0.0.1", entries[0].ContextMap()["ip"])

	stats := h.collector.GetStats()
	assert.Equal(t, uint64(1), stats.TotalRejected)
	assert.Equal(t, uint64(1), stats.Rejections["missing_token"])
}

func TestGuardAllowsValidToken(t *testing.T) {
	h := newHarness(t)
	issued, err := h.gw.Governor.IssueToken(context.Background(), service.IssueRequest{Name: "ci-bot", TTL: "1d"})
	require.NoError(t, err)

	rec := h.do(http.MethodGet, "/api/data", "10.0.0.2", issued.Token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "token="+issued.ID, rec.Body.String())
	assert.Empty(t, h.logs.All())

	rec = h.do(http.MethodGet, "/api/data?access_token="+issued.Token, "10.0.0.2", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGuardEnforcesScope(t *testing.T) {
	h := newHarness(t)
	issued, err := h.gw.Governor.IssueToken(context.Background(), service.IssueRequest{Name: "reader", TTL: "1d", Scopes: []string{"read"}})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/data", "10.0.0.3", issued.Token).Code)
	rec := h.do(http.MethodPost, "/api/data", "10.0.0.3", issued.Token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient_scope")
}

func TestGuardPublicRouteAndBan(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/public/hello", "10.0.0.4", "").Code)

	rec := h.do(http.MethodGet, "/api/public/hello?q=1%20union%20select%20secret", "10.0.0.4", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "ip_blocked")

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/api/public/hello", "10.0.0.4", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/public/hello", "10.0.0.44", "").Code)

	// Only the attack itself counts; rejections while banned do not.
	snap := h.gw.Tracker.Snapshot("10.0.0.4")
	assert.Equal(t, 2, snap.Requests)
	assert.Equal(t, 1, snap.Errors)
}

func TestGuardReportsHandlerStatus(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.do(http.MethodGet, "/api/public/x?fail=1", "10.0.0.6", "")
	}
	assert.Equal(t, 3, h.gw.Tracker.Snapshot("10.0.0.6").Errors)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	assert.Equal(t, "192.0.2.10", ClientIP(r, false))
	assert.Equal(t, "203.0.113.7", ClientIP(r, true))

	r.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "192.0.2.10", ClientIP(r, true))
}

func TestReplayProtection(t *testing.T) {
	h := SecureHeaders(SecurityConfig{EnableReplayProtection: true, ReplayWindow: time.Minute, HSTS: true})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)

	tests := []struct {
		name string
		ts   string
		want int
	}{
		{"missing", "", http.StatusBadRequest},
		{"garbage", "yesterday", http.StatusBadRequest},
		{"skewed", strconv.FormatInt(time.Now().Add(-2*time.Minute).Unix(), 10), http.StatusForbidden},
		{"fresh", strconv.FormatInt(time.Now().Unix(), 10), http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.ts != "" {
				req.Header.Set("X-Timestamp", tt.ts)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
		})
	}
}
