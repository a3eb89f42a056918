package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the gatewarden Prometheus collectors. A nil *Registry is
// valid and records nothing.
type Registry struct {
	gatherer prometheus.Gatherer

	Decisions       *prometheus.CounterVec
	DecisionLatency prometheus.Histogram
	ThreatHits      *prometheus.CounterVec
	AutoBlocks      prometheus.Counter
	Alerts          *prometheus.CounterVec
	UsageDropped    *prometheus.CounterVec
	QuotaDegraded   *prometheus.CounterVec
	TrackedIPs      prometheus.Gauge
}

// NewRegistry registers the collectors on a fresh registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return newRegistry(reg, reg)
}

func newRegistry(r prometheus.Registerer, g prometheus.Gatherer) *Registry {
	f := promauto.With(r)
	return &Registry{
		gatherer: g,
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_decisions_total",
			Help: "Access decisions by outcome reason (authorized when empty)",
		}, []string{"reason"}),
		DecisionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatewarden_decision_duration_seconds",
			Help:    "Time spent producing an access decision",
			Buckets: prometheus.DefBuckets,
		}),
		ThreatHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_threat_hits_total",
			Help: "Threat signature matches by category",
		}, []string{"category"}),
		AutoBlocks: f.NewCounter(prometheus.CounterOpts{
			Name: "gatewarden_auto_blocks_total",
			Help: "Automatic IP bans placed",
		}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_alerts_total",
			Help: "Security alerts by outcome (delivered, failed, cooldown, hourly_cap, queue_full)",
		}, []string{"outcome"}),
		UsageDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_usage_dropped_total",
			Help: "Usage records dropped by the bounded queue",
		}, []string{"policy"}),
		QuotaDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_quota_degraded_total",
			Help: "Quota checks resolved by the degrade policy",
		}, []string{"policy"}),
		TrackedIPs: f.NewGauge(prometheus.GaugeOpts{
			Name: "gatewarden_tracked_ips",
			Help: "IP reputation entries currently held in memory",
		}),
	}
}

// Handler serves /metrics.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Registry) Decision(reason string, seconds float64) {
	if r == nil {
		return
	}
	if reason == "" {
		reason = "authorized"
	}
	r.Decisions.WithLabelValues(reason).Inc()
	r.DecisionLatency.Observe(seconds)
}

func (r *Registry) ThreatHit(category string) {
	if r == nil {
		return
	}
	r.ThreatHits.WithLabelValues(category).Inc()
}

func (r *Registry) AutoBlock() {
	if r == nil {
		return
	}
	r.AutoBlocks.Inc()
}

func (r *Registry) Alert(outcome string) {
	if r == nil {
		return
	}
	r.Alerts.WithLabelValues(outcome).Inc()
}

func (r *Registry) UsageDrop(policy string) {
	if r == nil {
		return
	}
	r.UsageDropped.WithLabelValues(policy).Inc()
}

func (r *Registry) QuotaDegrade(policy string) {
	if r == nil {
		return
	}
	r.QuotaDegraded.WithLabelValues(policy).Inc()
}

func (r *Registry) SetTrackedIPs(n int) {
	if r == nil {
		return
	}
	r.TrackedIPs.Set(float64(n))
}
