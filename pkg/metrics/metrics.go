// Package metrics exposes Prometheus counters/gauges/histograms for the
// dispatch fabric, plus the bounded 24h time-series ring buffer and alert
// list Prometheus itself does not provide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_tasks_started_total", Help: "Total tasks started by worker"},
		[]string{"worker_id"},
	)
	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_tasks_completed_total", Help: "Total tasks completed by worker"},
		[]string{"worker_id"},
	)
	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_tasks_failed_total", Help: "Total tasks failed by worker and error kind"},
		[]string{"worker_id", "kind"},
	)

	APICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_api_calls_total", Help: "Total Executor calls by worker and outcome"},
		[]string{"worker_id", "outcome"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "relay_task_duration_seconds", Help: "Task execution duration in seconds", Buckets: prometheus.DefBuckets},
		[]string{"worker_id"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relay_queue_depth", Help: "Pending task count by queue"},
		[]string{"queue"},
	)
	QueueProcessingDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relay_queue_processing_depth", Help: "In-flight (leased) task count by queue"},
		[]string{"queue"},
	)
	QueueDLQDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relay_queue_dlq_depth", Help: "Dead-letter task count by queue"},
		[]string{"queue"},
	)

	WorkerLoadScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relay_worker_load_score", Help: "Derived worker load score in [0,1]"},
		[]string{"worker_id"},
	)
	WorkerHealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relay_worker_health_score", Help: "Derived worker health score in [0,1]"},
		[]string{"worker_id"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "relay_dispatch_latency_seconds", Help: "Time taken to classify and select a worker", Buckets: prometheus.DefBuckets},
	)
	SelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_selections_total", Help: "Total dispatcher selections by strategy"},
		[]string{"strategy"},
	)
	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_migrations_total", Help: "Total task migrations by reason"},
		[]string{"reason"},
	)

	HealthCorrectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_health_corrections_total", Help: "Total health-monitor corrections by type"},
		[]string{"type"},
	)
	HealthCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "relay_health_cycle_duration_seconds", Help: "Time taken for a health-monitor assessment cycle", Buckets: prometheus.DefBuckets},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_alerts_total", Help: "Total alerts raised by signal"},
		[]string{"signal"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksStarted, TasksCompleted, TasksFailed, APICallsTotal, TaskDuration,
		QueueDepth, QueueProcessingDepth, QueueDLQDepth,
		WorkerLoadScore, WorkerHealthScore,
		DispatchLatency, SelectionsTotal, MigrationsTotal,
		HealthCorrectionsTotal, HealthCycleDuration, AlertsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, started now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
