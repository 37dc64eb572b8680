// Package registry implements worker registration, heartbeating and the
// liveness state machine: initializing -> active -> degraded -> critical ->
// shutting_down -> deregistered, plus the "stale" liveness override applied
// at read time. Status transitions publish to the worker:status channel.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/relay/pkg/broker"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

const (
	registryKey = "agents:registry"
	statusKey   = "agents:status"
	statusChannel = "worker:status"

	// DefaultHeartbeatInterval is H in the liveness rule: stale at 2H.
	DefaultHeartbeatInterval = 30 * time.Second

	degradedFailureRate = 0.10
	degradedMemory      = 0.70
	criticalFailureRate = 0.25
	criticalMemory      = 0.90
	criticalErrorsPerMin = 15.0
)

// Registry is the Registry & Heartbeat component over one broker client.
type Registry struct {
	client            broker.Client
	logger            zerolog.Logger
	heartbeatInterval time.Duration
}

// New constructs a Registry bound to client.
func New(client broker.Client) *Registry {
	return &Registry{
		client:            client,
		logger:            log.WithComponent("registry"),
		heartbeatInterval: DefaultHeartbeatInterval,
	}
}

// WithHeartbeatInterval overrides H for liveness checks.
func (r *Registry) WithHeartbeatInterval(d time.Duration) *Registry {
	r.heartbeatInterval = d
	return r
}

// Register writes the Worker record and publishes an initializing status
// transition.
func (r *Registry) Register(ctx context.Context, w *types.Worker) error {
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = time.Now()
	}
	w.LastHeartbeat = time.Now()
	if w.Status == "" {
		w.Status = types.WorkerInitializing
	}

	if err := r.write(ctx, w); err != nil {
		return fmt.Errorf("register worker %s: %w", w.WorkerID, err)
	}
	r.publishStatus(ctx, w)
	r.logger.Info().Str("worker_id", w.WorkerID).Str("type", w.Type).Msg("worker registered")
	return nil
}

// Heartbeat updates lastHeartbeat and the resource snapshot, recomputes the
// derived load/health scores, and republishes a status transition if the
// worker's state changed.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, usage types.ResourceUsage, currentLoad int) (*types.Worker, error) {
	w, err := r.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("heartbeat for unregistered worker %s", workerID)
	}

	prevStatus := w.Status
	w.LastHeartbeat = time.Now()
	w.ResourceUsage = usage
	w.CurrentLoad = currentLoad
	w.LoadScore = ComputeLoadScore(usage)
	w.Status = ComputeHealthStatus(w)
	w.HealthScore = ComputeHealthScore(w.Status)

	if err := r.write(ctx, w); err != nil {
		return nil, fmt.Errorf("heartbeat write for %s: %w", workerID, err)
	}
	if w.Status != prevStatus {
		r.publishStatus(ctx, w)
	}
	return w, nil
}

// Deregister removes the Worker record. Migrating its in-flight work is the
// caller's responsibility (dispatcher.Balancer.MigrateOnDeregister), since
// the registry does not itself know about queues.
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	w, err := r.Get(ctx, workerID)
	if err != nil {
		return err
	}
	if w == nil {
		return nil
	}
	w.Status = types.WorkerDeregistered
	r.publishStatus(ctx, w)

	if err := r.client.HashDel(ctx, registryKey, workerID); err != nil {
		return fmt.Errorf("deregister worker %s: %w", workerID, err)
	}
	_ = r.client.HashDel(ctx, statusKey, workerID)
	r.logger.Info().Str("worker_id", workerID).Msg("worker deregistered")
	return nil
}

// Get returns the current Worker record, or nil if not registered. The
// returned record's Status is overridden to WorkerStale if the liveness
// deadline (2H) has passed, without mutating the stored record.
func (r *Registry) Get(ctx context.Context, workerID string) (*types.Worker, error) {
	blob, err := r.client.HashGet(ctx, registryKey, workerID)
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", workerID, err)
	}
	if blob == nil {
		return nil, nil
	}
	var w types.Worker
	if err := json.Unmarshal(blob, &w); err != nil {
		return nil, fmt.Errorf("unmarshal worker %s: %w", workerID, err)
	}
	r.applyLiveness(&w)
	return &w, nil
}

// List returns every registered worker, with liveness applied.
func (r *Registry) List(ctx context.Context) ([]*types.Worker, error) {
	all, err := r.client.HashGetAll(ctx, registryKey)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	workers := make([]*types.Worker, 0, len(all))
	for _, blob := range all {
		var w types.Worker
		if err := json.Unmarshal(blob, &w); err != nil {
			continue
		}
		r.applyLiveness(&w)
		workers = append(workers, &w)
	}
	return workers, nil
}

func (r *Registry) applyLiveness(w *types.Worker) {
	if w.Status == types.WorkerDeregistered || w.Status == types.WorkerShuttingDown {
		return
	}
	if time.Since(w.LastHeartbeat) > 2*r.heartbeatInterval {
		w.Status = types.WorkerStale
		w.HealthScore = 0
	}
}

func (r *Registry) write(ctx context.Context, w *types.Worker) error {
	blob, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal worker: %w", err)
	}
	return r.client.HashSet(ctx, registryKey, w.WorkerID, blob)
}

func (r *Registry) publishStatus(ctx context.Context, w *types.Worker) {
	blob, err := json.Marshal(w)
	if err != nil {
		return
	}
	_ = r.client.HashSet(ctx, statusKey, w.WorkerID, blob)
	if err := r.client.Publish(ctx, statusChannel, blob); err != nil {
		r.logger.Debug().Err(err).Str("worker_id", w.WorkerID).Msg("status publish failed")
	}
}

// ComputeLoadScore derives the [0,1] utilization indicator from a resource
// snapshot: cpu 0.30, memory 0.25, connection saturation 0.20, response
// time normalized to 10s 0.15, error rate 0.10.
func ComputeLoadScore(u types.ResourceUsage) float64 {
	cpu := clamp01(u.CPU)
	mem := clamp01(u.Memory)
	conns := clamp01(float64(u.Connections) / 100.0)
	resp := clamp01(u.ResponseTime.Seconds() / 10.0)
	errRate := clamp01(u.ErrorRate)

	return 0.30*cpu + 0.25*mem + 0.20*conns + 0.15*resp + 0.10*errRate
}

// ComputeHealthStatus applies the degraded/critical thresholds from the
// liveness rule to a worker's current resource usage.
func ComputeHealthStatus(w *types.Worker) types.WorkerStatus {
	u := w.ResourceUsage
	errorsPerMin := u.ErrorRate * 60.0

	if u.ErrorRate > criticalFailureRate || u.Memory > criticalMemory || errorsPerMin >= criticalErrorsPerMin {
		return types.WorkerCritical
	}
	if u.ErrorRate > degradedFailureRate || u.Memory > degradedMemory {
		return types.WorkerDegraded
	}
	if w.Status == types.WorkerInitializing {
		return types.WorkerActive
	}
	if w.Status == types.WorkerShuttingDown || w.Status == types.WorkerDeregistered {
		return w.Status
	}
	return types.WorkerActive
}

// ComputeHealthScore derives the [0,1] health indicator from status.
func ComputeHealthScore(status types.WorkerStatus) float64 {
	switch status {
	case types.WorkerActive:
		return 1.0
	case types.WorkerDegraded:
		return 0.5
	case types.WorkerCritical:
		return 0.15
	case types.WorkerInitializing:
		return 0.8
	default:
		return 0.0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
