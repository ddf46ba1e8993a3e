package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the coordinator's Prometheus collectors.
type Metrics struct {
	checks           *prometheus.CounterVec
	verdicts         *prometheus.CounterVec
	fullHashRequests prometheus.Counter
	coalesced        prometheus.Counter
	feedErrors       prometheus.Counter
	pending          prometheus.Gauge
	checkLatency     prometheus.Histogram
	updates          *prometheus.CounterVec
	filterBits       prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		checks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sbguard", Name: "checks_total",
			Help: "URL checks by how they were answered.",
		}, []string{"path"}),
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sbguard", Name: "verdicts_total",
			Help: "Asynchronous verdicts delivered.",
		}, []string{"verdict"}),
		fullHashRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sbguard", Name: "full_hash_requests_total",
			Help: "Full-hash requests sent to the update feed.",
		}),
		coalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sbguard", Name: "full_hash_coalesced_total",
			Help: "Checks that joined an in-flight full-hash request.",
		}),
		feedErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sbguard", Name: "feed_errors_total",
			Help: "Full-hash requests that failed and resolved safe.",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbguard", Name: "pending_checks",
			Help: "Checks awaiting a verdict.",
		}),
		checkLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sbguard", Name: "check_duration_seconds",
			Help:    "Time from check start to verdict for asynchronous checks.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sbguard", Name: "updates_total",
			Help: "Chunk update polls by outcome.",
		}, []string{"outcome"}),
		filterBits: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbguard", Name: "bloom_filter_bits",
			Help: "Size of the published bloom filter.",
		}),
	}
}
