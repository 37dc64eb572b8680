// Package health implements the Health Monitor & Auto-Corrector.
//
// A Monitor runs a ticker loop (default every 5s, Config.CheckInterval)
// that visits every distinct home queue among the registered workers and
// computes four signals per queue:
//
//   - depth: pending task count
//   - dlqDepth: dead-letter task count
//   - processingCount / stuckCount: in-flight tasks, and how many of those
//     have sat longer than Config.StuckThreshold (default 1h)
//   - failureRate: 1 - the owning worker's recent success rate, read from
//     metrics.Recorder and reset after each read so the next cycle's number
//     reflects only the work done since this assessment
//
// Each signal that crosses its threshold triggers a correction:
//
//   - stuck > 0: RecoverStuck every stuck task, raising its priority and
//     marking previouslyStuck
//   - depth > 100: publish a scale_up health.correction event; an operator
//     or autoscaler elsewhere in the deployment owns the actual scaling
//   - failureRate > 0.20 and recent failures > 5: flag the worker and raise
//     an alert (per-kind failure counts are already exposed via
//     metrics.TasksFailed, so this package does not re-bucket them)
//   - dlqDepth > 50: scan the head of the DLQ and retry every task that is
//     under maxDLQRetries, under 5 attempts, outside the 5-minute dampener
//     since its last retry, and was DLQ'd via a retriable (non-permanent)
//     path
//
// Every correction is appended to a bounded in-memory history
// (Config.HistoryCapacity, default 1000) retrievable via Monitor.History.
// When bus is non-nil, scale_up corrections are also published on the
// in-process events.Broker as health.correction events and flagged workers
// as alert.raised events; stuck recoveries and DLQ retries are recorded in
// the history only and are not published.
//
// Grounded on the ticker-driven reconcile-loop shape of
// pkg/reconciler.Reconciler, retargeted from node/container reconciliation
// to queue-health assessment and correction.
package health
