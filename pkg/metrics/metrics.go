package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Timer measures elapsed wall time for observation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed duration on h.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed duration on hv with labelValues.
func (t *Timer) ObserveDurationVec(hv *prometheus.HistogramVec, labelValues ...string) {
	hv.WithLabelValues(labelValues...).Observe(t.Duration().Seconds())
}

const namespace = "memstack_agent_pool"

var (
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_total",
			Help:      "Total number of live instances by tier and status.",
		},
		[]string{"tier", "status"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests processed, by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tier"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open) by instance key.",
		},
		[]string{"instance_key"},
	)

	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of health checks, by result.",
		},
		[]string{"result"},
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Total number of reported failures, by failure type.",
		},
		[]string{"failure_type"},
	)

	ScalingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scaling_decisions_total",
			Help:      "Total number of scaling decisions, by direction and reason.",
		},
		[]string{"direction", "reason"},
	)

	CheckpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoints written, by type.",
		},
		[]string{"checkpoint_type"},
	)

	ResourceUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_utilization_ratio",
			Help:      "Fraction of pool-wide resource ceiling in use, by resource.",
		},
		[]string{"resource"},
	)
)

// Registry bundles the metrics registration the orchestrator owns.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a registry and registers every pool metric on it.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		InstancesTotal, RequestsTotal, RequestDuration, CircuitBreakerState,
		HealthChecksTotal, FailuresTotal, ScalingDecisionsTotal, CheckpointsTotal,
		ResourceUtilization,
	)
	return &Registry{registry: reg}
}

// Handler returns the HTTP handler serving this registry in Prometheus
// text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
