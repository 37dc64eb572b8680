/*
Package metrics provides Prometheus metrics collection and exposition for the
dispatch fabric, plus a Recorder for state Prometheus cannot answer directly
(point-in-time snapshots, a bounded 24h time series, a bounded alert history).

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                  │          │
	│  │                                              │          │
	│  │  Tasks: started/completed/failed, duration  │          │
	│  │  Queues: depth, processing depth, DLQ depth │          │
	│  │  Workers: load score, health score          │          │
	│  │  Dispatch: selection latency, strategy      │          │
	│  │  Health monitor: corrections, cycle time    │          │
	│  │  Alerts: threshold crossings by signal      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

The Recorder sits alongside the Prometheus vars: every counter it tracks is
also pushed to the matching Prometheus metric, but it additionally keeps a
per-worker Snapshot, a bounded 24h/10s ring buffer (see Collector, which
samples it every sampleInterval), and a capped alert history, none of which
Prometheus's pull model can serve back to a CLI asking "what happened in the
last 24h for worker X".

# Metrics Catalog

relay_tasks_started_total{worker_id}:
  - Type: Counter
  - Description: Total tasks a worker has begun executing

relay_tasks_completed_total{worker_id}:
  - Type: Counter
  - Description: Total tasks a worker has completed successfully

relay_tasks_failed_total{worker_id, kind}:
  - Type: Counter
  - Description: Total tasks a worker has failed, bucketed by taskerr.Kind

relay_api_calls_total{worker_id, outcome}:
  - Type: Counter
  - Description: Total Executor invocations by outcome (success/error/rate_limited)

relay_task_duration_seconds{worker_id}:
  - Type: Histogram
  - Description: Task execution duration

relay_queue_depth{queue}:
  - Type: Gauge
  - Description: Pending task count

relay_queue_processing_depth{queue}:
  - Type: Gauge
  - Description: In-flight (leased) task count

relay_queue_dlq_depth{queue}:
  - Type: Gauge
  - Description: Dead-letter task count

relay_worker_load_score{worker_id}:
  - Type: Gauge
  - Description: Derived worker load score in [0,1]

relay_worker_health_score{worker_id}:
  - Type: Gauge
  - Description: Derived worker health score in [0,1]

relay_dispatch_latency_seconds:
  - Type: Histogram
  - Description: Time to classify a task and select a worker

relay_selections_total{strategy}:
  - Type: Counter
  - Description: Total dispatcher selections by strategy

relay_migrations_total{reason}:
  - Type: Counter
  - Description: Total task migrations by reason (rebalance, deregistration, deregistration_unreachable)

relay_health_corrections_total{type}:
  - Type: Counter
  - Description: Total health-monitor corrections applied, by type

relay_health_cycle_duration_seconds:
  - Type: Histogram
  - Description: Time taken for one health-monitor assessment cycle

relay_alerts_total{signal}:
  - Type: Counter
  - Description: Total alerts raised, by signal name

# Usage

	import "github.com/cuemby/relay/pkg/metrics"

	recorder := metrics.NewRecorder()
	recorder.RecordTaskStarted("worker-1")

	timer := metrics.NewTimer()
	// ... execute task ...
	recorder.ObserveTaskDuration("worker-1", timer.Duration())
	recorder.RecordTaskCompleted("worker-1")

	snap := recorder.Snapshot("worker-1")

	http.Handle("/metrics", metrics.Handler())

# Integration Points

  - pkg/worker: records task lifecycle counters and durations
  - pkg/dispatcher: records selection latency and strategy counts
  - pkg/health: records corrections and alerts
  - pkg/metrics (Collector): samples queue depths and worker scores on a
    ticker into both the Prometheus gauges and the Recorder's ring buffer

# Cardinality

worker_id is bounded by the number of live worker processes, not by task or
request identity — tasks and requests are never used as label values.

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
