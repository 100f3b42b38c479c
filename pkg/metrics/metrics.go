// Package metrics declares the Prometheus metrics surfaced by backend
// coordination: RPC latency, remaining backend/instance counts, status
// errors, and cancel/filter-publish outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BackendRPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_backend_rpc_duration_seconds",
			Help:    "Backend RPC duration in seconds by rpc name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"rpc"},
	)

	BackendsRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_backends_remaining",
			Help: "Number of backends not yet done, per query",
		},
		[]string{"query_id"},
	)

	InstancesRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_instances_remaining",
			Help: "Number of fragment instances not yet done, per query",
		},
		[]string{"query_id"},
	)

	BackendStatusErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_backend_status_errors_total",
			Help: "Total number of non-OK backend statuses observed, by error source",
		},
		[]string{"code"},
	)

	CancelAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_cancel_attempts_total",
			Help: "Total number of CancelQueryFInstances RPC attempts, by outcome",
		},
		[]string{"outcome"},
	)

	FilterPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_filter_publish_failures_total",
			Help: "Total number of PublishFilter RPC failures (best-effort, logged only)",
		},
	)
)

func init() {
	prometheus.MustRegister(BackendRPCLatency)
	prometheus.MustRegister(BackendsRemaining)
	prometheus.MustRegister(InstancesRemaining)
	prometheus.MustRegister(BackendStatusErrors)
	prometheus.MustRegister(CancelAttempts)
	prometheus.MustRegister(FilterPublishFailures)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
