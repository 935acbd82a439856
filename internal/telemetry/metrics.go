package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var DeployDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "codeb",
		Subsystem: "deploy",
		Name:      "duration_seconds",
		Help:      "Deploy engine duration in seconds.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
	},
	[]string{"environment", "outcome"},
)

var PromoteDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "codeb",
		Subsystem: "promote",
		Name:      "duration_seconds",
		Help:      "Promote engine duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"environment", "outcome"},
)

var RollbackDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "codeb",
		Subsystem: "rollback",
		Name:      "duration_seconds",
		Help:      "Rollback engine duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"environment", "outcome"},
)

var CleanupDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "codeb",
		Subsystem: "cleanup",
		Name:      "duration_seconds",
		Help:      "Cleanup engine duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"environment", "outcome"},
)

var PortsExhaustedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "codeb",
		Subsystem: "portledger",
		Name:      "exhausted_total",
		Help:      "Total number of port allocation attempts that found no free pair.",
	},
	[]string{"environment"},
)

var LockWaitDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "codeb",
		Subsystem: "control",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting to acquire the per-(project,environment) lock.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	},
	[]string{"outcome"},
)

var ReconcileDivergenceTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "codeb",
		Subsystem: "reconcile",
		Name:      "divergence_total",
		Help:      "Total number of divergences found between registry state and observed proxy site state.",
	},
	[]string{"project", "environment"},
)

var HealthCheckTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "codeb",
		Subsystem: "slot",
		Name:      "healthcheck_total",
		Help:      "Total number of slot health check outcomes.",
	},
	[]string{"outcome"},
)

var NotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "codeb",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Total number of lifecycle notifications sent by event type.",
	},
	[]string{"event", "outcome"},
)

// HTTPRequestDuration records every inbound HTTP request, keyed by
// method, route pattern, and status code.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "codeb",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// All returns every codeb-specific metric for registration with the
// Prometheus registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DeployDuration,
		PromoteDuration,
		RollbackDuration,
		CleanupDuration,
		PortsExhaustedTotal,
		LockWaitDuration,
		ReconcileDivergenceTotal,
		HealthCheckTotal,
		NotificationsTotal,
		HTTPRequestDuration,
	}
}

// NewMetricsRegistry builds a Prometheus registry carrying the Go/process
// collectors plus every codeb metric.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
