// Package lock implements the File-Lock / Conflict Arbiter: exclusive
// named-resource leases with TTL, and the coordinate/override/wait/queue
// resolution policy applied when a resource is already held.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/relay/pkg/broker"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

// Outcome is the result of a Claim attempt.
type Outcome string

const (
	Granted   Outcome = "granted"
	HeldByOther Outcome = "held_by"
	Coordinated Outcome = "coordinated"
	Overridden  Outcome = "overridden"
	Waited      Outcome = "waited"
	Queued      Outcome = "queued"
)

const (
	workChannel          = "work:queued"
	coordinationChannel  = "coordination:requests"
)

var urgentTags = map[string]bool{"urgent": true, "critical": true, "security": true}

// ClaimResult reports what happened when a resource was requested.
type ClaimResult struct {
	Outcome Outcome
	Owner   string
	Reason  string
}

// Arbiter is the File-Lock / Conflict Arbiter over one broker client.
type Arbiter struct {
	client      broker.Client
	registry    *registry.Registry
	logger      zerolog.Logger
	waitTimeout time.Duration
}

// New constructs an Arbiter. registry is used to resolve whether the
// current holder is still a registered, capable worker.
func New(client broker.Client, reg *registry.Registry) *Arbiter {
	return &Arbiter{
		client:      client,
		registry:    reg,
		logger:      log.WithComponent("lock"),
		waitTimeout: 10 * time.Second,
	}
}

// WithWaitTimeout overrides the default wait budget before falling back to
// queue.
func (a *Arbiter) WithWaitTimeout(d time.Duration) *Arbiter {
	a.waitTimeout = d
	return a
}

func lockKey(resource string) string { return "lock:" + resource }
func workQueueKey(resource string) string { return "work_queue:" + resource }

// Claim attempts to acquire resource for owner. If the resource is free it
// is granted outright. If held, the conflict-resolution policy decides
// between coordinate, override, wait and queue.
func (a *Arbiter) Claim(ctx context.Context, resource, owner string, ttl time.Duration, task *types.Task, ownerCapabilities []string) (*ClaimResult, error) {
	ok, err := a.client.ClaimIfAbsent(ctx, lockKey(resource), owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", resource, err)
	}
	if ok {
		return &ClaimResult{Outcome: Granted, Owner: owner}, nil
	}

	holder, err := a.currentHolder(ctx, resource)
	if err != nil {
		return nil, err
	}

	holderWorker, err := a.registry.Get(ctx, holder)
	if err != nil {
		return nil, fmt.Errorf("resolve holder %s: %w", holder, err)
	}

	if holderWorker == nil || holderWorker.Status == types.WorkerDeregistered {
		return a.override(ctx, resource, owner, ttl, "holder_unregistered")
	}

	if isHighPriority(task) {
		return a.override(ctx, resource, owner, ttl, "urgent_priority_override")
	}

	if capabilitiesOverlap(ownerCapabilities, holderWorker.Capabilities) {
		return a.coordinate(ctx, resource, owner, holder, task, holderWorker)
	}

	return a.waitThenQueue(ctx, resource, owner, task)
}

func (a *Arbiter) currentHolder(ctx context.Context, resource string) (string, error) {
	v, err := a.client.KVGet(ctx, lockKey(resource))
	if err != nil {
		return "", fmt.Errorf("read holder of %s: %w", resource, err)
	}
	return string(v), nil
}

func (a *Arbiter) override(ctx context.Context, resource, owner string, ttl time.Duration, reason string) (*ClaimResult, error) {
	if err := a.client.KVSetWithTTL(ctx, lockKey(resource), []byte(owner), ttl); err != nil {
		return nil, fmt.Errorf("override %s: %w", resource, err)
	}
	a.logger.Warn().Str("resource", resource).Str("owner", owner).Str("reason", reason).Msg("lock overridden")
	a.publish(ctx, workChannel, map[string]any{"event": "override", "resource": resource, "owner": owner, "reason": reason})
	return &ClaimResult{Outcome: Overridden, Owner: owner, Reason: reason}, nil
}

func (a *Arbiter) coordinate(ctx context.Context, resource, requester, holder string, task *types.Task, holderWorker *types.Worker) (*ClaimResult, error) {
	hasCapacity := holderWorker.CurrentLoad < holderWorker.MaxConcurrency
	taskID := ""
	if task != nil {
		taskID = task.ID
	}

	payload := map[string]any{
		"resource": resource,
		"requester": requester,
		"taskRef":  taskID,
		"accepted": hasCapacity,
	}
	a.publish(ctx, coordinationChannel, payload)

	if !hasCapacity {
		return a.waitThenQueue(ctx, resource, requester, task)
	}

	a.logger.Info().Str("resource", resource).Str("requester", requester).Str("holder", holder).Msg("coordination accepted")
	return &ClaimResult{Outcome: Coordinated, Owner: holder, Reason: "coordinate_accepted"}, nil
}

func (a *Arbiter) waitThenQueue(ctx context.Context, resource, owner string, task *types.Task) (*ClaimResult, error) {
	deadline := time.Now().Add(a.waitTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			ok, err := a.client.ClaimIfAbsent(ctx, lockKey(resource), owner, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("poll claim %s: %w", resource, err)
			}
			if ok {
				return &ClaimResult{Outcome: Waited, Owner: owner}, nil
			}
		}
	}

	if err := a.enqueueIntent(ctx, resource, owner, task); err != nil {
		return nil, err
	}
	return &ClaimResult{Outcome: Queued, Owner: owner, Reason: "wait_timeout"}, nil
}

func (a *Arbiter) enqueueIntent(ctx context.Context, resource, owner string, task *types.Task) error {
	intent := map[string]any{"owner": owner, "queuedAt": time.Now()}
	if task != nil {
		intent["taskId"] = task.ID
	}
	blob, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal lock intent: %w", err)
	}
	if err := a.client.EnqueueTail(ctx, workQueueKey(resource), blob); err != nil {
		return fmt.Errorf("enqueue lock intent for %s: %w", resource, err)
	}
	a.publish(ctx, workChannel, map[string]any{"event": "queued", "resource": resource, "owner": owner})
	return nil
}

// Release deletes the lock if and only if owner currently holds it
// (compare-and-delete).
func (a *Arbiter) Release(ctx context.Context, resource, owner string) (bool, error) {
	ok, err := a.client.CompareAndDelete(ctx, lockKey(resource), owner)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", resource, err)
	}
	if ok {
		a.publish(ctx, workChannel, map[string]any{"event": "released", "resource": resource, "owner": owner})
	}
	return ok, nil
}

// WaitForRelease polls until resource becomes free or timeout elapses.
func (a *Arbiter) WaitForRelease(ctx context.Context, resource string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			v, err := a.client.KVGet(ctx, lockKey(resource))
			if err != nil {
				return false, fmt.Errorf("poll release %s: %w", resource, err)
			}
			if v == nil {
				return true, nil
			}
		}
	}
	return false, nil
}

func (a *Arbiter) publish(ctx context.Context, channel string, payload map[string]any) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := a.client.Publish(ctx, channel, blob); err != nil {
		a.logger.Debug().Err(err).Str("channel", channel).Msg("publish failed")
	}
}

func isHighPriority(task *types.Task) bool {
	if task == nil {
		return false
	}
	if task.Priority == types.PriorityCritical {
		return true
	}
	for _, cap := range task.Capabilities {
		if urgentTags[cap] {
			return true
		}
	}
	return false
}

func capabilitiesOverlap(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, c := range a {
		set[c] = true
	}
	for _, c := range b {
		if set[c] {
			return true
		}
	}
	return false
}
