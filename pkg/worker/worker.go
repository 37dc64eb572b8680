// Package worker implements the Worker Runtime: the per-worker task loop,
// token-bucket rate limiting, retry backoff, circuit breaking and
// deadline enforcement around the Executor boundary. Executor is the only
// external collaborator interface the core depends on.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/dispatcher"
	"github.com/cuemby/relay/pkg/lock"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/messaging"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/taskerr"
	"github.com/cuemby/relay/pkg/types"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rs/zerolog"
)

// Executor is the sole external collaborator abstraction: it turns a Task
// into a Result or a classified error. Everything upstream of this boundary
// (HTTP calls, prompt templates, provider wire formats) is out of core
// scope.
type Executor interface {
	Execute(ctx context.Context, task *types.Task) (*types.Result, error)
}

// Config configures one Worker Runtime instance.
type Config struct {
	WorkerID       string
	Type           string
	Model          string
	Capabilities   []string
	MaxConcurrency int
	Zone           string
	Priority       int
	HomeQueue      string

	RateLimitPerMinute int
	MaxRetries         int
	BackoffBase        time.Duration
	DefaultTimeout     time.Duration
	DrainTimeout       time.Duration
	HeartbeatInterval  time.Duration

	BreakerFailureThreshold uint32
	BreakerWindow           time.Duration
	BreakerOpenTimeout      time.Duration

	RequiredLockResource func(*types.Task) (resource string, ok bool)
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 4
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = registry.DefaultHeartbeatInterval
	}
	if c.BreakerFailureThreshold == 0 {
		c.BreakerFailureThreshold = 5
	}
	if c.BreakerWindow == 0 {
		c.BreakerWindow = 60 * time.Second
	}
	if c.BreakerOpenTimeout == 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
}

// Worker runs the task loop for one registered worker identity.
type Worker struct {
	cfg      Config
	executor Executor

	queues   *queue.Manager
	reg      *registry.Registry
	arbiter  *lock.Arbiter
	hub      *messaging.Hub
	recorder *metrics.Recorder
	balancer *dispatcher.Balancer

	logger  zerolog.Logger
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	mu          sync.Mutex
	currentLoad int
	callTimes   []time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Worker Runtime. queues/reg/arbiter/hub/recorder are the
// subsystem handles it coordinates through; executor is the opaque
// compute-provider strategy.
func New(cfg Config, executor Executor, queues *queue.Manager, reg *registry.Registry, arbiter *lock.Arbiter, hub *messaging.Hub, recorder *metrics.Recorder) *Worker {
	cfg.applyDefaults()

	breakerSettings := gobreaker.Settings{
		Name:        cfg.WorkerID,
		MaxRequests: 1,
		Interval:    cfg.BreakerWindow,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
	}

	selector := dispatcher.NewSelector(reg)
	balancer := dispatcher.NewBalancer(selector, reg, queues, dispatcher.BalancerConfig{})

	return &Worker{
		cfg:      cfg,
		executor: executor,
		queues:   queues,
		reg:      reg,
		arbiter:  arbiter,
		hub:      hub,
		recorder: recorder,
		balancer: balancer,
		logger:   log.WithComponent("worker").With().Str("worker_id", cfg.WorkerID).Logger(),
		breaker:  gobreaker.NewCircuitBreaker(breakerSettings),
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), cfg.RateLimitPerMinute),
		stopCh:   make(chan struct{}),
	}
}

// Start registers the worker and begins the task loop. It returns once
// registration succeeds; the loop itself runs in the background until
// Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	rec := &types.Worker{
		WorkerID:       w.cfg.WorkerID,
		Type:           w.cfg.Type,
		Model:          w.cfg.Model,
		Capabilities:   w.cfg.Capabilities,
		MaxConcurrency: w.cfg.MaxConcurrency,
		Zone:           w.cfg.Zone,
		Priority:       w.cfg.Priority,
		HomeQueue:      w.cfg.HomeQueue,
		Status:         types.WorkerInitializing,
	}
	if err := w.reg.Register(ctx, rec); err != nil {
		return fmt.Errorf("start worker %s: %w", w.cfg.WorkerID, err)
	}

	w.wg.Add(1)
	go w.run(ctx)

	w.wg.Add(1)
	go w.heartbeatLoop(ctx)

	w.logger.Info().Msg("worker started")
	return nil
}

// heartbeatLoop reports load and resource usage to the registry every H
// seconds (registry.DefaultHeartbeatInterval by default), keeping the
// worker's liveness state from being marked stale by applyLiveness.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sendHeartbeat(ctx)
		}
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) {
	load, _ := w.HealthSnapshot()
	snap := w.recorder.Snapshot(w.cfg.WorkerID)
	usage := types.ResourceUsage{
		ResponseTime: snap.MeanTaskDuration,
		ErrorRate:    snap.ErrorRatePerMin,
	}
	if _, err := w.reg.Heartbeat(ctx, w.cfg.WorkerID, usage, load); err != nil {
		w.logger.Error().Err(err).Msg("heartbeat failed")
	}
}

// Stop stops accepting new leases, waits up to drainTimeout for in-flight
// tasks to finish, then deregisters. It returns the number of in-flight
// tasks that did not drain in time (and were force-cancelled).
func (w *Worker) Stop(ctx context.Context) (undrained int, err error) {
	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.DrainTimeout):
		w.mu.Lock()
		undrained = w.currentLoad
		w.mu.Unlock()
		w.logger.Warn().Int("undrained", undrained).Msg("drain timeout exceeded, forcing shutdown")
	}

	if derr := w.reg.Deregister(ctx, w.cfg.WorkerID); derr != nil {
		return undrained, fmt.Errorf("stop worker %s: %w", w.cfg.WorkerID, derr)
	}

	if err := w.balancer.MigrateOnDeregister(ctx, w.cfg.WorkerID, w.cfg.HomeQueue); err != nil {
		w.logger.Error().Err(err).Msg("deregistration migration failed")
	}

	w.logger.Info().Msg("worker stopped")
	return undrained, nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if w.atCapacity() || !w.isActive(ctx) {
			time.Sleep(time.Second)
			continue
		}

		task, err := w.queues.Lease(ctx, w.cfg.HomeQueue, w.cfg.WorkerID)
		if err != nil {
			w.logger.Error().Err(err).Msg("lease failed")
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			time.Sleep(time.Second)
			continue
		}

		w.mu.Lock()
		w.currentLoad++
		w.mu.Unlock()

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() {
				w.mu.Lock()
				w.currentLoad--
				w.mu.Unlock()
			}()
			w.processTask(ctx, task)
		}()
	}
}

func (w *Worker) atCapacity() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLoad >= w.cfg.MaxConcurrency
}

func (w *Worker) isActive(ctx context.Context) bool {
	rec, err := w.reg.Get(ctx, w.cfg.WorkerID)
	if err != nil || rec == nil {
		return false
	}
	return rec.Status == types.WorkerActive || rec.Status == types.WorkerInitializing || rec.Status == types.WorkerDegraded
}

// processTask drives one task through validation, rate limiting, optional
// lock acquisition, Executor invocation under a deadline, and the
// ack/retry/DLQ decision.
func (w *Worker) processTask(ctx context.Context, task *types.Task) {
	if err := validate(task); err != nil {
		w.logger.Warn().Str("task_id", task.ID).Err(err).Msg("malformed task, DLQ")
		_ = w.queues.DLQ(ctx, w.cfg.HomeQueue, task, "permanent: malformed task")
		w.recorder.RecordTaskFailed(w.cfg.WorkerID, taskerr.Permanent)
		_ = w.hub.PublishEvent(ctx, "task:rejected", types.MessageAnalysisError, map[string]any{
			"event": "task_rejected", "taskId": task.ID, "workerId": w.cfg.WorkerID, "reason": err.Error(),
		})
		return
	}

	if err := w.waitForRateLimit(ctx); err != nil {
		w.logger.Debug().Err(err).Msg("rate limit wait aborted")
		_ = w.queues.Requeue(ctx, w.cfg.HomeQueue, task, taskerr.New(taskerr.RateLimited, err))
		return
	}

	var lockResource string
	if w.cfg.RequiredLockResource != nil {
		if res, ok := w.cfg.RequiredLockResource(task); ok {
			lockResource = res
			result, err := w.arbiter.Claim(ctx, res, w.cfg.WorkerID, 2*time.Minute, task, w.cfg.Capabilities)
			if err != nil {
				w.logger.Error().Err(err).Str("resource", res).Msg("lock claim failed")
				_ = w.queues.Requeue(ctx, w.cfg.HomeQueue, task, taskerr.New(taskerr.CoordinationFailed, err))
				return
			}
			if result.Outcome == lock.Queued {
				_ = w.queues.Requeue(ctx, w.cfg.HomeQueue, task, taskerr.New(taskerr.CoordinationFailed, fmt.Errorf("resource %s queued", res)))
				return
			}
		}
	}
	if lockResource != "" {
		defer func() { _, _ = w.arbiter.Release(ctx, lockResource, w.cfg.WorkerID) }()
	}

	deadline := w.cfg.DefaultTimeout
	if task.DeadlineAt != nil {
		deadline = time.Until(*task.DeadlineAt)
	} else if task.Timeout > 0 {
		deadline = task.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	timer := metrics.NewTimer()
	result, err := w.invoke(execCtx, task)
	w.recorder.ObserveTaskDuration(w.cfg.WorkerID, timer.Duration())

	if err == nil {
		w.onSuccess(ctx, task, result)
		return
	}
	w.onFailure(ctx, task, err)
}

func (w *Worker) invoke(ctx context.Context, task *types.Task) (*types.Result, error) {
	out, err := w.breaker.Execute(func() (interface{}, error) {
		return w.executor.Execute(ctx, task)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, taskerr.New(taskerr.CircuitOpen, err)
		}
		return nil, err
	}
	result, _ := out.(*types.Result)
	return result, nil
}

func (w *Worker) onSuccess(ctx context.Context, task *types.Task, result *types.Result) {
	if err := w.queues.Ack(ctx, w.cfg.HomeQueue, task); err != nil {
		w.logger.Error().Err(err).Str("task_id", task.ID).Msg("ack failed")
	}
	w.recorder.RecordTaskCompleted(w.cfg.WorkerID)
	_ = w.hub.PublishEvent(ctx, "task:complete", types.MessageAnalysisResult, map[string]any{
		"event":    "task_complete",
		"taskId":   task.ID,
		"workerId": w.cfg.WorkerID,
	})
	_ = result
}

func (w *Worker) onFailure(ctx context.Context, task *types.Task, err error) {
	kind := taskerr.Classify(err)
	w.recorder.RecordTaskFailed(w.cfg.WorkerID, kind)

	switch kind {
	case taskerr.Timeout:
		_ = w.queues.DLQ(ctx, w.cfg.HomeQueue, task, "timeout")
		w.publishTaskFailed(ctx, task, kind)
	case taskerr.Permanent:
		_ = w.queues.DLQ(ctx, w.cfg.HomeQueue, task, "permanent")
		w.publishTaskFailed(ctx, task, kind)
	case taskerr.CircuitOpen:
		// Breaker-open tasks return without consuming an attempt; not a
		// terminal state, so no task:failed event.
		_ = w.queues.RequeueVerbatim(ctx, w.cfg.HomeQueue, task)
	default:
		if task.Attempts+1 >= w.cfg.MaxRetries {
			_ = w.queues.DLQ(ctx, w.cfg.HomeQueue, task, "max_retries_exceeded")
			w.publishTaskFailed(ctx, task, kind)
			return
		}
		w.backoffSleep(task.Attempts)
		_ = w.queues.Requeue(ctx, w.cfg.HomeQueue, task, err)
	}
}

func (w *Worker) publishTaskFailed(ctx context.Context, task *types.Task, kind taskerr.Kind) {
	_ = w.hub.PublishEvent(ctx, "task:failed", types.MessageAnalysisError, map[string]any{
		"event": "task_failed", "taskId": task.ID, "workerId": w.cfg.WorkerID, "kind": string(kind),
	})
}

// backoffSleep implements base * 2^attempt with full jitter.
func (w *Worker) backoffSleep(attempt int) {
	backoff := w.cfg.BackoffBase * time.Duration(1<<uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
	time.Sleep(jitter)
}

// waitForRateLimit blocks until the token-bucket limiter admits another
// call: RateLimitPerMinute tokens refill evenly over each minute, with a
// burst of the same size. It does not track a sliding 60s window of past
// calls, so a full burst followed by steady refill can admit more than
// RateLimitPerMinute calls within one 60s span.
func (w *Worker) waitForRateLimit(ctx context.Context) error {
	return w.limiter.Wait(ctx)
}

func validate(task *types.Task) error {
	if task.ID == "" {
		return fmt.Errorf("missing task id")
	}
	if len(task.Prompt) > 50000 {
		return fmt.Errorf("prompt exceeds 50000 chars")
	}
	return nil
}

// HealthSnapshot reports the worker's current load for registry heartbeats.
func (w *Worker) HealthSnapshot() (load int, max int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLoad, w.cfg.MaxConcurrency
}
