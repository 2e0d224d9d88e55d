// Package metrics exposes the process's observability surface via
// prometheus client_golang, fed by the query layer's perf metrics and the
// resilience substrate's error aggregator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the counters/histograms/gauges the analytic engine
// updates. Callers register it with a prometheus.Registerer of their
// choosing (an external collaborator; this package only defines the
// metric set).
type Registry struct {
	QueryDuration   *prometheus.HistogramVec
	QueryCacheHits  *prometheus.CounterVec
	OptimizationApplied *prometheus.CounterVec

	BreakerState  *prometheus.GaugeVec
	BreakerTrips  *prometheus.CounterVec

	ThreatIntelSourceLatency *prometheus.HistogramVec
	ThreatIntelSourceErrors  *prometheus.CounterVec

	ErrorsByKind *prometheus.CounterVec
}

// NewRegistry constructs the metric set. Metrics are not auto-registered
// with prometheus's default registerer — callers pass the Registerer they
// want (a test registry, the default global one, or a per-instance one).
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dshield_mcp",
			Subsystem: "siem",
			Name:      "query_duration_seconds",
			Help:      "Duration of query_events/query_aggregation calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"complexity"}),
		QueryCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dshield_mcp",
			Subsystem: "siem",
			Name:      "query_cache_hits_total",
			Help:      "Count of query responses served from cache.",
		}, []string{"hit"}),
		OptimizationApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dshield_mcp",
			Subsystem: "siem",
			Name:      "optimization_applied_total",
			Help:      "Count of optimization-ladder steps applied, by step name.",
		}, []string{"step"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dshield_mcp",
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Current circuit breaker state (0=closed,1=half_open,2=open).",
		}, []string{"service"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dshield_mcp",
			Subsystem: "resilience",
			Name:      "breaker_trips_total",
			Help:      "Count of circuit breaker trips, by service.",
		}, []string{"service"}),
		ThreatIntelSourceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dshield_mcp",
			Subsystem: "threatintel",
			Name:      "source_latency_seconds",
			Help:      "Per-source threat-intel lookup latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		ThreatIntelSourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dshield_mcp",
			Subsystem: "threatintel",
			Name:      "source_errors_total",
			Help:      "Per-source threat-intel lookup failures.",
		}, []string{"source", "kind"}),
		ErrorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dshield_mcp",
			Name:      "errors_total",
			Help:      "Errors observed by the error aggregator, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.QueryDuration, m.QueryCacheHits, m.OptimizationApplied,
		m.BreakerState, m.BreakerTrips,
		m.ThreatIntelSourceLatency, m.ThreatIntelSourceErrors,
		m.ErrorsByKind,
	)
	return m
}

// BreakerStateValue converts a circuit state name to the gauge encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}
