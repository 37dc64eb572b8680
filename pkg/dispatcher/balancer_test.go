package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/relay/pkg/broker"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFabric(t *testing.T) (*queue.Manager, *registry.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client := broker.NewFromClient(rdb)
	return queue.NewManager(client), registry.New(client)
}

func TestBalancerCycleMigratesFromOverloadedToUnderloaded(t *testing.T) {
	ctx := context.Background()
	queues, reg := newTestFabric(t)
	sel := NewSelector(reg)
	bal := NewBalancer(sel, reg, queues, BalancerConfig{})

	overloaded := makeWorker("w-hot", 0.9, 1.0, "coding")
	underloaded := makeWorker("w-cold", 0.1, 1.0, "coding")
	require.NoError(t, reg.Register(ctx, overloaded))
	require.NoError(t, reg.Register(ctx, underloaded))

	task := &types.Task{ID: "t1", Queue: "w-hot", Prompt: "implement a fix", Capabilities: []string{"coding"}}
	require.NoError(t, queues.Enqueue(ctx, task))
	hotDepth, err := queues.Depth(ctx, "w-hot")
	require.NoError(t, err)
	require.Equal(t, int64(1), hotDepth)

	require.NoError(t, bal.Cycle(ctx))

	hotDepth, err = queues.Depth(ctx, "w-hot")
	require.NoError(t, err)
	assert.Equal(t, int64(0), hotDepth, "task should have been migrated off the head of the overloaded worker's home queue")

	coldDepth, err := queues.Depth(ctx, "w-cold")
	require.NoError(t, err)
	assert.Equal(t, int64(1), coldDepth, "task should now be pending on the underloaded worker's queue")

	migrated, err := queues.Lease(ctx, "w-cold", "w-cold")
	require.NoError(t, err)
	require.NotNil(t, migrated)
	assert.Equal(t, "w-hot", migrated.MigratedFrom)
}

func TestBalancerCycleNoopsWithoutBothOverloadedAndUnderloaded(t *testing.T) {
	ctx := context.Background()
	queues, reg := newTestFabric(t)
	sel := NewSelector(reg)
	bal := NewBalancer(sel, reg, queues, BalancerConfig{})

	require.NoError(t, reg.Register(ctx, makeWorker("w-mid-1", 0.55, 1.0, "coding")))
	require.NoError(t, reg.Register(ctx, makeWorker("w-mid-2", 0.6, 1.0, "coding")))

	task := &types.Task{ID: "t1", Queue: "w-mid-1", Prompt: "x", Capabilities: []string{"coding"}}
	require.NoError(t, queues.Enqueue(ctx, task))
	_, err := queues.Lease(ctx, "w-mid-1", "w-mid-1")
	require.NoError(t, err)

	require.NoError(t, bal.Cycle(ctx))

	processing, err := queues.ProcessingCount(ctx, "w-mid-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing, "no migration should occur when no worker is underloaded")
}

func TestBalancerCycleSkipsConcurrentRuns(t *testing.T) {
	ctx := context.Background()
	queues, reg := newTestFabric(t)
	sel := NewSelector(reg)
	bal := NewBalancer(sel, reg, queues, BalancerConfig{})

	bal.mu.Lock()
	bal.rebalancing = true
	bal.mu.Unlock()

	require.NoError(t, bal.Cycle(ctx))

	bal.mu.Lock()
	still := bal.rebalancing
	bal.mu.Unlock()
	assert.True(t, still, "Cycle must not clear a flag it did not set")
}

func TestMigrateOnDeregisterDrainsProcessingAndPending(t *testing.T) {
	ctx := context.Background()
	queues, reg := newTestFabric(t)
	sel := NewSelector(reg)
	bal := NewBalancer(sel, reg, queues, BalancerConfig{})

	leaving := makeWorker("w-leaving", 0.5, 1.0, "coding")
	survivor := makeWorker("w-survivor", 0.2, 1.0, "coding")
	require.NoError(t, reg.Register(ctx, leaving))
	require.NoError(t, reg.Register(ctx, survivor))

	inFlight := &types.Task{ID: "in-flight", Queue: "w-leaving", Prompt: "implement a thing", Capabilities: []string{"coding"}}
	pending := &types.Task{ID: "pending", Queue: "w-leaving", Prompt: "implement another thing", Capabilities: []string{"coding"}}
	require.NoError(t, queues.Enqueue(ctx, inFlight))
	require.NoError(t, queues.Enqueue(ctx, pending))
	_, err := queues.Lease(ctx, "w-leaving", "w-leaving")
	require.NoError(t, err)

	require.NoError(t, bal.MigrateOnDeregister(ctx, "w-leaving", "w-leaving"))

	leavingDepth, err := queues.Depth(ctx, "w-leaving")
	require.NoError(t, err)
	assert.Equal(t, int64(0), leavingDepth)
	leavingProcessing, err := queues.ProcessingCount(ctx, "w-leaving")
	require.NoError(t, err)
	assert.Equal(t, int64(0), leavingProcessing)

	survivorDepth, err := queues.Depth(ctx, "w-survivor")
	require.NoError(t, err)
	assert.Equal(t, int64(2), survivorDepth, "both in-flight and pending items should have landed on the sole surviving worker")
}

func TestMigrateOnDeregisterDLQsWhenNoCandidateIsEligible(t *testing.T) {
	ctx := context.Background()
	queues, reg := newTestFabric(t)
	sel := NewSelector(reg)
	bal := NewBalancer(sel, reg, queues, BalancerConfig{})

	leaving := makeWorker("w-leaving", 0.5, 1.0, "coding")
	require.NoError(t, reg.Register(ctx, leaving))

	task := &types.Task{ID: "t1", Queue: "w-leaving", Prompt: "implement", Capabilities: []string{"coding"}}
	require.NoError(t, queues.Enqueue(ctx, task))

	require.NoError(t, bal.MigrateOnDeregister(ctx, "w-leaving", "w-leaving"))

	dlqDepth, err := queues.DLQDepth(ctx, "w-leaving")
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqDepth, "a task with no eligible candidate target must be dead-lettered, not dropped")
}

func TestBalancerStartStop(t *testing.T) {
	ctx := context.Background()
	queues, reg := newTestFabric(t)
	sel := NewSelector(reg)
	bal := NewBalancer(sel, reg, queues, BalancerConfig{Interval: 10 * time.Millisecond})

	bal.Start(ctx)
	time.Sleep(25 * time.Millisecond)
	bal.Stop()
}
