// Package health implements the Health Monitor & Auto-Corrector: a ticker
// loop that assesses every registered worker's home queue against depth,
// stuck-task, failure-rate and DLQ-pressure thresholds, and applies the
// matching correction, recording a bounded history of what it did.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/events"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

const (
	defaultCheckInterval  = 5 * time.Second
	defaultStuckThreshold = time.Hour
	defaultDLQScanN       = 50
	defaultMaxDLQRetries  = 3
	defaultHistoryCap     = 1000

	warnDepth            = 100
	critStuckCount       = 10
	warnFailureRate      = 0.20
	warnDLQDepth         = 50
	problematicFailures  = 5
	maxRetriableAttempts = 5
	dlqRetryDampener     = 5 * time.Minute
)

// Config tunes the Health Monitor's cycle.
type Config struct {
	CheckInterval   time.Duration
	StuckThreshold  time.Duration
	DLQScanN        int64
	MaxDLQRetries   int
	HistoryCapacity int
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = defaultStuckThreshold
	}
	if c.DLQScanN <= 0 {
		c.DLQScanN = defaultDLQScanN
	}
	if c.MaxDLQRetries <= 0 {
		c.MaxDLQRetries = defaultMaxDLQRetries
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = defaultHistoryCap
	}
}

// Assessment is one queue's computed signals for a single cycle.
type Assessment struct {
	Queue           string
	Depth           int64
	DLQDepth        int64
	ProcessingCount int64
	StuckCount      int
	FailureRate     float64
	Ts              time.Time
}

// Correction is one remediation the monitor applied, kept in the bounded
// history.
type Correction struct {
	Queue  string
	Type   string
	Detail string
	Ts     time.Time
}

// Monitor is the Health Monitor & Auto-Corrector.
type Monitor struct {
	cfg      Config
	queues   *queue.Manager
	registry *registry.Registry
	recorder *metrics.Recorder
	bus      *events.Broker
	logger   zerolog.Logger

	mu          sync.Mutex
	history     []Correction
	assessments map[string]Assessment

	stopCh chan struct{}
}

// NewMonitor constructs a Monitor over the given subsystems. bus may be nil,
// in which case corrections are recorded but not published.
func NewMonitor(queues *queue.Manager, reg *registry.Registry, recorder *metrics.Recorder, bus *events.Broker, cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:         cfg,
		queues:      queues,
		registry:    reg,
		recorder:    recorder,
		bus:         bus,
		logger:      log.WithComponent("health"),
		assessments: make(map[string]Assessment),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the assessment loop.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop stops the assessment loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Cycle(ctx); err != nil {
				m.logger.Error().Err(err).Msg("health cycle failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Cycle runs one assessment+correction pass over every distinct home queue
// in the registry.
func (m *Monitor) Cycle(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HealthCycleDuration)

	workers, err := m.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list workers for health cycle: %w", err)
	}

	seen := make(map[string]bool, len(workers))
	for _, w := range workers {
		if w.HomeQueue == "" || seen[w.HomeQueue] {
			continue
		}
		seen[w.HomeQueue] = true
		if err := m.assessAndCorrect(ctx, w.HomeQueue, w.WorkerID); err != nil {
			m.logger.Error().Err(err).Str("queue", w.HomeQueue).Msg("assessment failed")
		}
	}
	return nil
}

func (m *Monitor) assessAndCorrect(ctx context.Context, queueName, workerID string) error {
	a, err := m.assess(ctx, queueName, workerID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.assessments[queueName] = a
	m.mu.Unlock()

	if a.StuckCount > 0 {
		if err := m.recoverStuck(ctx, queueName); err != nil {
			m.logger.Error().Err(err).Str("queue", queueName).Msg("stuck recovery failed")
		}
		m.alertIfCrossed(workerID, "stuck", float64(a.StuckCount), critStuckCount, a.StuckCount >= critStuckCount)
	}
	if a.Depth > warnDepth {
		m.scaleUp(queueName, a.Depth)
		m.alertIfCrossed(workerID, "depth", float64(a.Depth), warnDepth, true)
	}
	if a.FailureRate > warnFailureRate {
		m.flagProblematicWorker(ctx, workerID, queueName, a)
	}
	if a.DLQDepth > warnDLQDepth {
		if err := m.retryDLQ(ctx, queueName); err != nil {
			m.logger.Error().Err(err).Str("queue", queueName).Msg("dlq retry scan failed")
		}
		m.alertIfCrossed(workerID, "dlq_depth", float64(a.DLQDepth), warnDLQDepth, true)
	}
	m.recorder.ResetRecentWindow(workerID)
	return nil
}

// assess computes the four queue-health signals for one queue. failureRate
// is read from the worker's current recorder window; assessAndCorrect resets
// that window after its corrections (including the "recent failures" read in
// flagProblematicWorker) have run, so the next cycle's numbers reflect only
// work done since this assessment.
func (m *Monitor) assess(ctx context.Context, queueName, workerID string) (Assessment, error) {
	depth, err := m.queues.Depth(ctx, queueName)
	if err != nil {
		return Assessment{}, fmt.Errorf("depth for %s: %w", queueName, err)
	}
	dlqDepth, err := m.queues.DLQDepth(ctx, queueName)
	if err != nil {
		return Assessment{}, fmt.Errorf("dlq depth for %s: %w", queueName, err)
	}
	processingCount, err := m.queues.ProcessingCount(ctx, queueName)
	if err != nil {
		return Assessment{}, fmt.Errorf("processing count for %s: %w", queueName, err)
	}
	stuck, err := m.queues.StuckTasks(ctx, queueName, m.cfg.StuckThreshold)
	if err != nil {
		return Assessment{}, fmt.Errorf("stuck tasks for %s: %w", queueName, err)
	}

	snap := m.recorder.Snapshot(workerID)
	var failureRate float64
	if snap.SuccessRate > 0 || snap.TasksFailed > 0 || snap.TasksCompleted > 0 {
		failureRate = 1 - snap.SuccessRate
	}

	return Assessment{
		Queue:           queueName,
		Depth:           depth,
		DLQDepth:        dlqDepth,
		ProcessingCount: processingCount,
		StuckCount:      len(stuck),
		FailureRate:     failureRate,
		Ts:              time.Now(),
	}, nil
}

func (m *Monitor) recoverStuck(ctx context.Context, queueName string) error {
	stuck, err := m.queues.StuckTasks(ctx, queueName, m.cfg.StuckThreshold)
	if err != nil {
		return err
	}
	for _, task := range stuck {
		if err := m.queues.RecoverStuck(ctx, queueName, task); err != nil {
			m.logger.Error().Err(err).Str("task_id", task.ID).Msg("recover stuck task failed")
			continue
		}
		metrics.HealthCorrectionsTotal.WithLabelValues("stuck_recovery").Inc()
		m.record(Correction{Queue: queueName, Type: "stuck_recovery", Detail: task.ID, Ts: time.Now()})
	}
	return nil
}

func (m *Monitor) scaleUp(queueName string, depth int64) {
	metrics.HealthCorrectionsTotal.WithLabelValues("scale_up").Inc()
	m.record(Correction{Queue: queueName, Type: "scale_up", Detail: fmt.Sprintf("depth=%d", depth), Ts: time.Now()})
	m.publish(events.EventHealthCorrection, "scale_up requested", map[string]string{
		"queue": queueName,
		"depth": fmt.Sprintf("%d", depth),
	})
}

// flagProblematicWorker applies the "high failure rate" correction: a worker
// is flagged once its recorder window shows more than problematicFailures
// recent failures, distinct from the failureRate threshold that triggers
// this branch. Error categories are already exposed per-kind via
// metrics.TasksFailed; this correction only needs to name the worker.
func (m *Monitor) flagProblematicWorker(ctx context.Context, workerID, queueName string, a Assessment) {
	snap := m.recorder.Snapshot(workerID)
	recentFailures := int(snap.ErrorRatePerMin)
	if recentFailures <= problematicFailures {
		return
	}
	metrics.HealthCorrectionsTotal.WithLabelValues("worker_flagged").Inc()
	m.record(Correction{Queue: queueName, Type: "worker_flagged", Detail: workerID, Ts: time.Now()})
	m.recorder.RaiseAlert(metrics.Alert{WorkerID: workerID, Signal: "failure_rate", Value: a.FailureRate, Threshold: warnFailureRate, Ts: time.Now()})
	m.publish(events.EventAlertRaised, "worker flagged for high failure rate", map[string]string{
		"worker_id": workerID,
		"queue":     queueName,
	})
}

func (m *Monitor) retryDLQ(ctx context.Context, queueName string) error {
	candidates, err := m.queues.ScanDLQ(ctx, queueName, m.cfg.DLQScanN)
	if err != nil {
		return err
	}
	for _, task := range candidates {
		if !eligibleForDLQRetry(task, m.cfg.MaxDLQRetries) {
			continue
		}
		if err := m.queues.RetryFromDLQ(ctx, queueName, task); err != nil {
			m.logger.Error().Err(err).Str("task_id", task.ID).Msg("dlq retry failed")
			continue
		}
		metrics.HealthCorrectionsTotal.WithLabelValues("dlq_retry").Inc()
		m.record(Correction{Queue: queueName, Type: "dlq_retry", Detail: task.ID, Ts: time.Now()})
	}
	return nil
}

// eligibleForDLQRetry applies the DLQ-retry gate: fewer than 5 total
// attempts, under maxDLQRetries, outside the 5-minute dampener since its
// last retry, and not DLQ'd via a non-retriable path. A task DLQ'd for
// "permanent"/"timeout"/malformed reasons never had Requeue set lastError,
// so an empty lastError is this monitor's proxy for "not permanent-
// classified" (queue.Manager does not retain the DLQ reason on the task
// itself).
func eligibleForDLQRetry(task *types.Task, maxRetries int) bool {
	if task.Attempts >= maxRetriableAttempts {
		return false
	}
	if task.DLQRetryCount >= maxRetries {
		return false
	}
	if task.LastDLQRetryAt != nil && time.Since(*task.LastDLQRetryAt) < dlqRetryDampener {
		return false
	}
	return task.LastError != ""
}

func (m *Monitor) alertIfCrossed(workerID, signal string, value, threshold float64, crossed bool) {
	if !crossed {
		return
	}
	m.recorder.RaiseAlert(metrics.Alert{WorkerID: workerID, Signal: signal, Value: value, Threshold: threshold, Ts: time.Now()})
}

func (m *Monitor) publish(t events.EventType, message string, meta map[string]string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(&events.Event{Type: t, Message: message, Metadata: meta})
}

func (m *Monitor) record(c Correction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, c)
	if len(m.history) > m.cfg.HistoryCapacity {
		m.history = m.history[len(m.history)-m.cfg.HistoryCapacity:]
	}
}

// History returns the bounded correction history, oldest first.
func (m *Monitor) History() []Correction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Correction(nil), m.history...)
}

// Assessments returns the most recent assessment computed for every queue.
func (m *Monitor) Assessments() map[string]Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Assessment, len(m.assessments))
	for k, v := range m.assessments {
		out[k] = v
	}
	return out
}
