package hold

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes hold service counters and latencies.
type Metrics struct {
	HoldsCreated  *prometheus.CounterVec
	HoldsResolved *prometheus.CounterVec
	Failures      *prometheus.CounterVec
	OpDuration    *prometheus.HistogramVec
}

// NewMetrics registers the hold metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HoldsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_holds_created_total",
			Help: "Holds created, by asset.",
		}, []string{"asset"}),
		HoldsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_holds_resolved_total",
			Help: "Holds resolved, by terminal status.",
		}, []string{"status"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_hold_failures_total",
			Help: "Hold operations rejected, by operation and error kind.",
		}, []string{"operation", "kind"}),
		OpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_hold_operation_seconds",
			Help:    "Hold operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}
