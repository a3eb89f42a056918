package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorStats(t *testing.T) {
	c := NewCollector(4)
	for i := 1; i <= 6; i++ {
		c.Record(time.Duration(i)*time.Millisecond, 200, "")
	}
	c.Record(time.Millisecond, 429, "rate_limited")

	s := c.GetStats()
	assert.EqualValues(t, 7, s.TotalRequests)
	assert.EqualValues(t, 1, s.TotalRejected)
	assert.EqualValues(t, 1, s.Rejections["rate_limited"])
	assert.EqualValues(t, 6, s.StatusCounts[200])
	// Window holds the last four samples: 1ms, 4ms, 5ms, 6ms.
	assert.Equal(t, "6ms", s.P99Latency)
	assert.Equal(t, "5ms", s.P50Latency)
}

func TestRegistryNilSafe(t *testing.T) {
	var r *Registry
	r.Decision("", 0.1)
	r.ThreatHit("xss")
	r.AutoBlock()
	r.Alert("delivered")
	r.UsageDrop("drop_newest")
	r.QuotaDegrade("fail_open")
	r.SetTrackedIPs(3)
}

func TestRegistryExposes(t *testing.T) {
	r := NewRegistry()
	r.Decision("", 0.01)
	r.Decision("ip_blocked", 0.001)
	r.ThreatHit("injection-sql")
	r.AutoBlock()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `gatewarden_threat_hits_total{category="injection-sql"} 1`))
	assert.True(t, strings.Contains(text, `gatewarden_decisions_total{reason="authorized"} 1`))
	assert.True(t, strings.Contains(text, "gatewarden_auto_blocks_total 1"))
}
