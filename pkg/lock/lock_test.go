package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/relay/pkg/broker"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArbiter(t *testing.T) (*Arbiter, *registry.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := broker.NewFromClient(rdb)
	reg := registry.New(client)
	return New(client, reg).WithWaitTimeout(200 * time.Millisecond), reg
}

func TestClaimFreeResourceGranted(t *testing.T) {
	ctx := context.Background()
	arb, _ := newTestArbiter(t)

	res, err := arb.Claim(ctx, "src/foo", "worker-a", time.Minute, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Granted, res.Outcome)
}

func TestClaimHeldByUnregisteredOwnerOverrides(t *testing.T) {
	ctx := context.Background()
	arb, _ := newTestArbiter(t)

	_, err := arb.Claim(ctx, "src/foo", "worker-a", time.Minute, nil, nil)
	require.NoError(t, err)

	res, err := arb.Claim(ctx, "src/foo", "worker-b", time.Minute, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Overridden, res.Outcome)
}

func TestClaimCriticalPriorityOverrides(t *testing.T) {
	ctx := context.Background()
	arb, reg := newTestArbiter(t)

	require.NoError(t, reg.Register(ctx, &types.Worker{WorkerID: "worker-a", MaxConcurrency: 1}))
	_, err := arb.Claim(ctx, "src/foo", "worker-a", time.Minute, nil, nil)
	require.NoError(t, err)

	task := &types.Task{ID: "t1", Priority: types.PriorityCritical}
	res, err := arb.Claim(ctx, "src/foo", "worker-b", time.Minute, task, nil)
	require.NoError(t, err)
	assert.Equal(t, Overridden, res.Outcome)
}

func TestClaimCoordinatesOnOverlap(t *testing.T) {
	ctx := context.Background()
	arb, reg := newTestArbiter(t)

	require.NoError(t, reg.Register(ctx, &types.Worker{
		WorkerID: "worker-a", MaxConcurrency: 4, CurrentLoad: 0, Capabilities: []string{"coding"},
	}))
	_, err := arb.Claim(ctx, "src/foo", "worker-a", time.Minute, nil, nil)
	require.NoError(t, err)

	task := &types.Task{ID: "t1", Priority: types.PriorityNormal}
	res, err := arb.Claim(ctx, "src/foo", "worker-b", time.Minute, task, []string{"coding"})
	require.NoError(t, err)
	assert.Equal(t, Coordinated, res.Outcome)
}

func TestClaimNoOverlapQueuesAfterWait(t *testing.T) {
	ctx := context.Background()
	arb, reg := newTestArbiter(t)

	require.NoError(t, reg.Register(ctx, &types.Worker{
		WorkerID: "worker-a", MaxConcurrency: 4, Capabilities: []string{"testing"},
	}))
	_, err := arb.Claim(ctx, "src/foo", "worker-a", time.Minute, nil, nil)
	require.NoError(t, err)

	task := &types.Task{ID: "t1", Priority: types.PriorityNormal}
	res, err := arb.Claim(ctx, "src/foo", "worker-b", time.Minute, task, []string{"coding"})
	require.NoError(t, err)
	assert.Equal(t, Queued, res.Outcome)
}

func TestReleaseOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	arb, _ := newTestArbiter(t)

	_, err := arb.Claim(ctx, "src/foo", "worker-a", time.Minute, nil, nil)
	require.NoError(t, err)

	ok, err := arb.Release(ctx, "src/foo", "worker-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = arb.Release(ctx, "src/foo", "worker-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitForReleaseReturnsTrueAfterRelease(t *testing.T) {
	ctx := context.Background()
	arb, _ := newTestArbiter(t)

	_, err := arb.Claim(ctx, "src/foo", "worker-a", time.Minute, nil, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = arb.Release(ctx, "src/foo", "worker-a")
		close(done)
	}()

	released, err := arb.WaitForRelease(ctx, "src/foo", time.Second)
	require.NoError(t, err)
	assert.True(t, released)
	<-done
}
