package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

const (
	defaultBalanceCycle = 30 * time.Second

	overloadedThreshold  = 0.7
	underloadedThreshold = 0.5
	emergencyThreshold   = 0.9

	defaultMigrationCapPerCycle  = 10
	defaultMigrationCapPerWorker = 5
)

// BalancerConfig tunes the Balancer's rebalance cycle.
type BalancerConfig struct {
	Interval              time.Duration
	MigrationCapPerCycle  int
	MigrationCapPerWorker int
}

func (c *BalancerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultBalanceCycle
	}
	if c.MigrationCapPerCycle <= 0 {
		c.MigrationCapPerCycle = defaultMigrationCapPerCycle
	}
	if c.MigrationCapPerWorker <= 0 {
		c.MigrationCapPerWorker = defaultMigrationCapPerWorker
	}
}

// Balancer periodically rebalances load across workers and migrates
// in-flight/pending work off a deregistering worker.
type Balancer struct {
	cfg      BalancerConfig
	selector *Selector
	registry *registry.Registry
	queues   *queue.Manager
	logger   zerolog.Logger

	mu          sync.Mutex
	rebalancing bool
	stopCh      chan struct{}
}

// NewBalancer constructs a Balancer bound to the given registry and queues.
func NewBalancer(selector *Selector, reg *registry.Registry, queues *queue.Manager, cfg BalancerConfig) *Balancer {
	cfg.applyDefaults()
	return &Balancer{
		cfg:      cfg,
		selector: selector,
		registry: reg,
		queues:   queues,
		logger:   log.WithComponent("balancer"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the rebalance loop.
func (b *Balancer) Start(ctx context.Context) {
	go b.run(ctx)
}

// Stop stops the rebalance loop.
func (b *Balancer) Stop() {
	close(b.stopCh)
}

func (b *Balancer) run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.Cycle(ctx); err != nil {
				b.logger.Error().Err(err).Msg("rebalance cycle failed")
			}
		case <-b.stopCh:
			return
		}
	}
}

// Cycle runs one rebalance pass: classify workers as overloaded/underloaded,
// then migrate up to the per-cycle/per-worker caps from each overloaded
// worker's home queue to the best underloaded target. Never runs
// concurrently with itself.
func (b *Balancer) Cycle(ctx context.Context) error {
	b.mu.Lock()
	if b.rebalancing {
		b.mu.Unlock()
		return nil
	}
	b.rebalancing = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.rebalancing = false
		b.mu.Unlock()
	}()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HealthCycleDuration)

	workers, err := b.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list workers for rebalance: %w", err)
	}

	var overloaded, underloaded []*types.Worker
	for _, w := range workers {
		if w.Status != types.WorkerActive {
			continue
		}
		switch {
		case w.LoadScore > overloadedThreshold:
			overloaded = append(overloaded, w)
		case w.LoadScore < underloadedThreshold:
			underloaded = append(underloaded, w)
		}
	}
	if len(overloaded) == 0 || len(underloaded) == 0 {
		return nil
	}

	migratedThisCycle := 0
	for _, src := range overloaded {
		if migratedThisCycle >= b.cfg.MigrationCapPerCycle {
			break
		}
		migratedFromWorker := 0
		take := b.cfg.MigrationCapPerWorker
		if src.LoadScore > emergencyThreshold {
			// Emergency rebalance bypasses the normal per-worker cap up to
			// twice its usual allowance.
			take = b.cfg.MigrationCapPerWorker * 2
		}

		for migratedFromWorker < take && migratedThisCycle < b.cfg.MigrationCapPerCycle {
			task, err := b.queues.Lease(ctx, src.HomeQueue, "balancer")
			if err != nil {
				b.logger.Error().Err(err).Str("worker_id", src.WorkerID).Msg("lease for migration failed")
				break
			}
			if task == nil {
				break
			}

			target := bestTarget(task, task.Capabilities, underloaded)
			if target == nil {
				// No eligible target right now: put it back and stop trying
				// to drain this worker this cycle.
				_ = b.queues.RequeueVerbatim(ctx, src.HomeQueue, task)
				break
			}

			if err := b.queues.MigrateTask(ctx, src.HomeQueue, task, target.HomeQueue, src.WorkerID); err != nil {
				b.logger.Error().Err(err).Str("task_id", task.ID).Msg("migration failed")
				break
			}
			metrics.MigrationsTotal.WithLabelValues("rebalance").Inc()
			migratedFromWorker++
			migratedThisCycle++
		}
	}
	return nil
}

// bestTarget ranks underloaded workers by selection score and returns the
// top one, or nil if none is eligible for the task's capabilities/zone.
func bestTarget(task *types.Task, requiredCaps []string, underloaded []*types.Worker) *types.Worker {
	eligible := Eligible(task, requiredCaps, underloaded)
	if len(eligible) == 0 {
		return nil
	}
	ranked := RankAll(task, requiredCaps, eligible)
	return ranked[0].Worker
}

// MigrateOnDeregister moves every processing and queued item off a
// deregistering worker's home queue onto the best other eligible worker,
// per task. Unreachable items are DLQ'd with reason no_available_target.
func (b *Balancer) MigrateOnDeregister(ctx context.Context, workerID, homeQueue string) error {
	workers, err := b.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list workers for deregistration migration: %w", err)
	}
	var candidates []*types.Worker
	for _, w := range workers {
		if w.WorkerID == workerID {
			continue
		}
		if w.Status == types.WorkerActive {
			candidates = append(candidates, w)
		}
	}

	// Processing items were already removed from the processing list by
	// DrainProcessing: they are free-floating and either get a fresh
	// Enqueue onto the target or a direct marshal-and-push to the DLQ.
	inFlight, err := b.queues.DrainProcessing(ctx, homeQueue)
	if err != nil {
		return fmt.Errorf("drain processing for %s: %w", homeQueue, err)
	}
	for _, task := range inFlight {
		target := bestTarget(task, task.Capabilities, candidates)
		if target == nil {
			if err := b.queues.DLQDirect(ctx, homeQueue, task, "no_available_target"); err != nil {
				b.logger.Error().Err(err).Str("task_id", task.ID).Msg("dlq during deregistration drain failed")
			}
			metrics.MigrationsTotal.WithLabelValues("deregistration_unreachable").Inc()
			continue
		}
		task.MigratedFrom = workerID
		task.Queue = target.HomeQueue
		if err := b.queues.Enqueue(ctx, task); err != nil {
			b.logger.Error().Err(err).Str("task_id", task.ID).Msg("migration during deregistration drain failed")
			continue
		}
		metrics.MigrationsTotal.WithLabelValues("deregistration").Inc()
	}

	// Pending items are still sitting in queue:homeQueue; lease each one
	// (moving it into processing) and migrate it atomically off again.
	for {
		task, err := b.queues.Lease(ctx, homeQueue, "balancer-drain")
		if err != nil {
			return fmt.Errorf("drain lease from %s: %w", homeQueue, err)
		}
		if task == nil {
			return nil
		}

		target := bestTarget(task, task.Capabilities, candidates)
		if target == nil {
			if err := b.queues.DLQ(ctx, homeQueue, task, "no_available_target"); err != nil {
				b.logger.Error().Err(err).Str("task_id", task.ID).Msg("dlq during deregistration drain failed")
			}
			metrics.MigrationsTotal.WithLabelValues("deregistration_unreachable").Inc()
			continue
		}
		if err := b.queues.MigrateTask(ctx, homeQueue, task, target.HomeQueue, workerID); err != nil {
			b.logger.Error().Err(err).Str("task_id", task.ID).Msg("migration during deregistration drain failed")
			continue
		}
		metrics.MigrationsTotal.WithLabelValues("deregistration").Inc()
	}
}
