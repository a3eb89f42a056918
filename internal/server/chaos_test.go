package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raakeshmj/gatewarden/internal/config"
	"github.com/raakeshmj/gatewarden/internal/service"
)

// Redis holds the usage ledger; losing it mid-flight must resolve through
// the configured degrade policy, and flipping the policy at runtime takes
// effect on the next request.
func TestRedisOutageFollowsDegradePolicy(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s := newTestServer(t, func(c *config.Config) {
		c.Store.RedisAddr = mr.Addr()
		c.Limits.FailureThreshold = 100
	})

	issued, err := s.Gateway().Governor.IssueToken(context.Background(), service.IssueRequest{Name: "chaos", TTL: "1d"})
	require.NoError(t, err)

	rec := s.do(t, call{method: http.MethodGet, path: "/api/whoami", ip: "10.9.0.1", token: issued.Token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded":false`)

	mr.Close()

	rec = s.do(t, call{method: http.MethodGet, path: "/ready"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/whoami", ip: "10.9.0.1", token: issued.Token})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "governance_unavailable")

	rec = s.do(t, call{method: http.MethodPut, path: "/admin/settings", admin: true,
		body: map[string]any{"degrade_policy": "fail_open", "alert_hourly_cap": 10}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/whoami", ip: "10.9.0.1", token: issued.Token})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded":true`)
}
