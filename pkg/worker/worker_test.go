package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/relay/pkg/broker"
	"github.com/cuemby/relay/pkg/lock"
	"github.com/cuemby/relay/pkg/messaging"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFabric(t *testing.T) (*queue.Manager, *registry.Registry, *lock.Arbiter, *messaging.Hub, broker.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client := broker.NewFromClient(rdb)
	reg := registry.New(client)
	return queue.NewManager(client), reg, lock.New(client, reg), messaging.New(client), client
}

// stubExecutor returns the queued error for each call in order (nil means
// success), then succeeds on every call past the end of the list.
type stubExecutor struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (s *stubExecutor) Execute(ctx context.Context, task *types.Task) (*types.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx < len(s.results) && s.results[idx] != nil {
		return nil, s.results[idx]
	}
	return &types.Result{Output: task.Prompt}, nil
}

func waitForMessage(t *testing.T, ch <-chan *redis.Message, timeout time.Duration) *redis.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for publish")
		return nil
	}
}

func assertNoMessage(t *testing.T, ch <-chan *redis.Message, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected publish: %s", msg.Payload)
	case <-time.After(wait):
	}
}

func TestProcessTaskRetriesWithBackoffThenDLQs(t *testing.T) {
	ctx := context.Background()
	queues, reg, arbiter, hub, client := newTestFabric(t)

	sub := client.Subscribe(ctx, "task:failed")
	defer sub.Close()

	exec := &stubExecutor{results: []error{errors.New("boom"), errors.New("boom")}}
	w := New(Config{
		WorkerID:       "w-1",
		HomeQueue:      "q-coding",
		MaxConcurrency: 1,
		MaxRetries:     2,
		BackoffBase:    time.Millisecond,
		DefaultTimeout: time.Second,
	}, exec, queues, reg, arbiter, hub, metrics.NewRecorder())

	task := &types.Task{ID: "t1", Queue: "q-coding", Prompt: "fix the bug"}
	require.NoError(t, queues.Enqueue(ctx, task))

	leased, err := queues.Lease(ctx, "q-coding", "w-1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	w.processTask(ctx, leased)

	depth, err := queues.Depth(ctx, "q-coding")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "task should be back in the main queue after the first transient failure")

	requeued, err := queues.Lease(ctx, "q-coding", "w-1")
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, 1, requeued.Attempts, "Requeue must increment Attempts")

	w.processTask(ctx, requeued)

	dlqDepth, err := queues.DLQDepth(ctx, "q-coding")
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqDepth, "task should be DLQ'd once MaxRetries is exhausted")

	msg := waitForMessage(t, sub.Channel(), time.Second)
	assert.Contains(t, msg.Payload, "task_failed")
	assert.Contains(t, msg.Payload, task.ID)
}

func TestProcessTaskCircuitOpenRequeuesWithoutConsumingAttempt(t *testing.T) {
	ctx := context.Background()
	queues, reg, arbiter, hub, client := newTestFabric(t)

	sub := client.Subscribe(ctx, "task:failed")
	defer sub.Close()

	exec := &stubExecutor{results: []error{errors.New("boom")}}
	w := New(Config{
		WorkerID:                "w-1",
		HomeQueue:               "q-coding",
		MaxConcurrency:          1,
		MaxRetries:              5,
		BackoffBase:             time.Millisecond,
		DefaultTimeout:          time.Second,
		BreakerFailureThreshold: 1,
		BreakerOpenTimeout:      time.Minute,
	}, exec, queues, reg, arbiter, hub, metrics.NewRecorder())

	task := &types.Task{ID: "t2", Queue: "q-coding", Prompt: "fix the bug"}
	require.NoError(t, queues.Enqueue(ctx, task))

	// First attempt fails and trips the breaker (threshold 1).
	leased, err := queues.Lease(ctx, "q-coding", "w-1")
	require.NoError(t, err)
	w.processTask(ctx, leased)

	requeued, err := queues.Lease(ctx, "q-coding", "w-1")
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, 1, requeued.Attempts)

	// Second attempt is short-circuited by the now-open breaker: it must be
	// requeued verbatim (no attempt consumed) and must not publish
	// task:failed, since a breaker-open requeue is not a terminal state.
	w.processTask(ctx, requeued)

	afterBreakerOpen, err := queues.Lease(ctx, "q-coding", "w-1")
	require.NoError(t, err)
	require.NotNil(t, afterBreakerOpen)
	assert.Equal(t, 1, afterBreakerOpen.Attempts, "breaker-open requeue must not increment Attempts")

	dlqDepth, err := queues.DLQDepth(ctx, "q-coding")
	require.NoError(t, err)
	assert.Equal(t, int64(0), dlqDepth)

	assertNoMessage(t, sub.Channel(), 200*time.Millisecond)
}

func TestProcessTaskSuccessAcksAndPublishesTaskComplete(t *testing.T) {
	ctx := context.Background()
	queues, reg, arbiter, hub, client := newTestFabric(t)

	sub := client.Subscribe(ctx, "task:complete")
	defer sub.Close()

	exec := &stubExecutor{}
	w := New(Config{
		WorkerID:       "w-1",
		HomeQueue:      "q-coding",
		MaxConcurrency: 1,
		DefaultTimeout: time.Second,
	}, exec, queues, reg, arbiter, hub, metrics.NewRecorder())

	task := &types.Task{ID: "t3", Queue: "q-coding", Prompt: "fix the bug"}
	require.NoError(t, queues.Enqueue(ctx, task))

	leased, err := queues.Lease(ctx, "q-coding", "w-1")
	require.NoError(t, err)
	w.processTask(ctx, leased)

	processing, err := queues.ProcessingCount(ctx, "q-coding")
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing, "successful task must be acked out of processing")

	msg := waitForMessage(t, sub.Channel(), time.Second)
	assert.Contains(t, msg.Payload, "task_complete")
	assert.Contains(t, msg.Payload, task.ID)
}

func TestProcessTaskMalformedPublishesTaskRejected(t *testing.T) {
	ctx := context.Background()
	queues, reg, arbiter, hub, client := newTestFabric(t)

	sub := client.Subscribe(ctx, "task:rejected")
	defer sub.Close()

	w := New(Config{
		WorkerID:       "w-1",
		HomeQueue:      "q-coding",
		MaxConcurrency: 1,
		DefaultTimeout: time.Second,
	}, &stubExecutor{}, queues, reg, arbiter, hub, metrics.NewRecorder())

	task := &types.Task{ID: "", Queue: "q-coding", Prompt: "missing id"}
	w.processTask(ctx, task)

	dlqDepth, err := queues.DLQDepth(ctx, "q-coding")
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqDepth, "malformed task goes straight to DLQ")

	msg := waitForMessage(t, sub.Channel(), time.Second)
	assert.Contains(t, msg.Payload, "task_rejected")
}
