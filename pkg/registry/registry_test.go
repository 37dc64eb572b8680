package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/relay/pkg/broker"
	"github.com/cuemby/relay/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(broker.NewFromClient(rdb))
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	w := &types.Worker{WorkerID: "w1", Type: "llm", Capabilities: []string{"coding"}, MaxConcurrency: 2}
	require.NoError(t, r.Register(ctx, w))

	got, err := r.Get(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "w1", got.WorkerID)
	assert.False(t, got.LastHeartbeat.IsZero())
}

func TestHeartbeatUpdatesLoadScore(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	w := &types.Worker{WorkerID: "w1", MaxConcurrency: 4}
	require.NoError(t, r.Register(ctx, w))

	usage := types.ResourceUsage{CPU: 0.5, Memory: 0.4, Connections: 10, ResponseTime: time.Second, ErrorRate: 0.01}
	updated, err := r.Heartbeat(ctx, "w1", usage, 2)
	require.NoError(t, err)
	assert.InDelta(t, ComputeLoadScore(usage), updated.LoadScore, 0.0001)
	assert.Equal(t, types.WorkerActive, updated.Status)
}

func TestHeartbeatDegradedOnHighMemory(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	w := &types.Worker{WorkerID: "w1"}
	require.NoError(t, r.Register(ctx, w))

	usage := types.ResourceUsage{Memory: 0.8}
	updated, err := r.Heartbeat(ctx, "w1", usage, 1)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerDegraded, updated.Status)
}

func TestHeartbeatCriticalOnHighErrorRate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	w := &types.Worker{WorkerID: "w1"}
	require.NoError(t, r.Register(ctx, w))

	usage := types.ResourceUsage{ErrorRate: 0.30}
	updated, err := r.Heartbeat(ctx, "w1", usage, 1)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerCritical, updated.Status)
}

func TestStaleWorkerExcludedFromSelection(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t).WithHeartbeatInterval(10 * time.Millisecond)

	w := &types.Worker{WorkerID: "w1"}
	require.NoError(t, r.Register(ctx, w))
	w.LastHeartbeat = time.Now().Add(-time.Hour)
	require.NoError(t, r.write(ctx, w))

	got, err := r.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStale, got.Status)
}

func TestDeregisterRemovesRecord(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	w := &types.Worker{WorkerID: "w1"}
	require.NoError(t, r.Register(ctx, w))
	require.NoError(t, r.Deregister(ctx, "w1"))

	got, err := r.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListReturnsAllWorkers(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	require.NoError(t, r.Register(ctx, &types.Worker{WorkerID: "w1"}))
	require.NoError(t, r.Register(ctx, &types.Worker{WorkerID: "w2"}))

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
