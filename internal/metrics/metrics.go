package metrics

import (
	"sort"
	"sync"
	"time"
)

// MetricsCollector keeps an in-process view of guarded traffic for the admin
// stats endpoint: totals, rejections by reason and a latency window.
type MetricsCollector struct {
	mu            sync.RWMutex
	totalRequests uint64
	totalRejected uint64
	statusCounts  map[int]uint64
	reasonCounts  map[string]uint64

	// Last maxSamples latencies, oldest first once full.
	latencies  []time.Duration
	next       int
	maxSamples int
}

func NewCollector(maxSamples int) *MetricsCollector {
	if maxSamples <= 0 {
		maxSamples = 1024
	}
	return &MetricsCollector{
		statusCounts: make(map[int]uint64),
		reasonCounts: make(map[string]uint64),
		latencies:    make([]time.Duration, 0, maxSamples),
		maxSamples:   maxSamples,
	}
}

// Record adds one finished request. reason is empty for authorized requests.
func (c *MetricsCollector) Record(duration time.Duration, statusCode int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	c.statusCounts[statusCode]++
	if reason != "" {
		c.totalRejected++
		c.reasonCounts[reason]++
	}

	if len(c.latencies) < c.maxSamples {
		c.latencies = append(c.latencies, duration)
		return
	}
	c.latencies[c.next] = duration
	c.next = (c.next + 1) % c.maxSamples
}

type Stats struct {
	TotalRequests uint64            `json:"total_requests"`
	TotalRejected uint64            `json:"total_rejected"`
	RejectRate    float64           `json:"reject_rate"`
	P50Latency    string            `json:"p50_latency"`
	P95Latency    string            `json:"p95_latency"`
	P99Latency    string            `json:"p99_latency"`
	StatusCounts  map[int]uint64    `json:"status_counts"`
	Rejections    map[string]uint64 `json:"rejections"`
}

func (c *MetricsCollector) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sorted := make([]time.Duration, len(c.latencies))
	copy(sorted, c.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rate := 0.0
	if c.totalRequests > 0 {
		rate = float64(c.totalRejected) / float64(c.totalRequests)
	}

	sc := make(map[int]uint64, len(c.statusCounts))
	for k, v := range c.statusCounts {
		sc[k] = v
	}
	rc := make(map[string]uint64, len(c.reasonCounts))
	for k, v := range c.reasonCounts {
		rc[k] = v
	}

	return Stats{
		TotalRequests: c.totalRequests,
		TotalRejected: c.totalRejected,
		RejectRate:    rate,
		P50Latency:    quantile(sorted, 0.50).String(),
		P95Latency:    quantile(sorted, 0.95).String(),
		P99Latency:    quantile(sorted, 0.99).String(),
		StatusCounts:  sc,
		Rejections:    rc,
	}
}

func quantile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
