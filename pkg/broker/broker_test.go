package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *RedisClient {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb)
}

func TestEnqueueAndLease(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnqueueTail(ctx, "queue:a", []byte("t1")))
	require.NoError(t, c.EnqueueTail(ctx, "queue:a", []byte("t2")))

	n, err := c.ListLen(ctx, "queue:a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	blob, err := c.LeaseHead(ctx, "queue:a", "processing:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("t1"), blob)

	n, err = c.ListLen(ctx, "queue:a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.ListLen(ctx, "processing:a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLeaseHeadEmptyQueue(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	blob, err := c.LeaseHead(ctx, "queue:empty", "processing:empty")
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestAckRemovesFromProcessing(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnqueueTail(ctx, "queue:a", []byte("t1")))
	blob, err := c.LeaseHead(ctx, "queue:a", "processing:a")
	require.NoError(t, err)

	require.NoError(t, c.AckFromProcessing(ctx, "processing:a", blob))

	n, err := c.ListLen(ctx, "processing:a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRequeueFromProcessingReturnsToTail(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnqueueTail(ctx, "queue:a", []byte("t1")))
	require.NoError(t, c.EnqueueTail(ctx, "queue:a", []byte("t2")))
	blob, err := c.LeaseHead(ctx, "queue:a", "processing:a")
	require.NoError(t, err)
	require.Equal(t, []byte("t1"), blob)

	require.NoError(t, c.MoveModified(ctx, "processing:a", blob, "queue:a", blob, false))

	vals, err := c.ListRange(ctx, "queue:a", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("t2"), []byte("t1")}, vals)
}

func TestDLQMovesFromProcessing(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnqueueTail(ctx, "queue:a", []byte("t1")))
	blob, err := c.LeaseHead(ctx, "queue:a", "processing:a")
	require.NoError(t, err)

	require.NoError(t, c.PushDLQ(ctx, "processing:a", "dlq:a", blob))

	n, err := c.ListLen(ctx, "processing:a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = c.ListLen(ctx, "dlq:a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClaimIfAbsentExclusivity(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	ok, err := c.ClaimIfAbsent(ctx, "lock:res", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ClaimIfAbsent(ctx, "lock:res", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompareAndDeleteOnlyOwner(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.ClaimIfAbsent(ctx, "lock:res", "worker-a", time.Minute)
	require.NoError(t, err)

	ok, err := c.CompareAndDelete(ctx, "lock:res", "worker-b")
	require.NoError(t, err)
	assert.False(t, ok, "non-owner must not release the lock")

	ok, err = c.CompareAndDelete(ctx, "lock:res", "worker-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSortedSetTrim(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.SortedSetAdd(ctx, "txlog:a", float64(i), []byte("event")))
	}
	require.NoError(t, c.SortedSetTrim(ctx, "txlog:a", 3))

	n, err := c.SortedSetLen(ctx, "txlog:a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestHashRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.HashSet(ctx, "agents:registry", "worker-1", []byte(`{"workerId":"worker-1"}`)))
	v, err := c.HashGet(ctx, "agents:registry", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, `{"workerId":"worker-1"}`, string(v))

	all, err := c.HashGetAll(ctx, "agents:registry")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestKVSetWithTTL(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.KVSetWithTTL(ctx, "health:worker-1", []byte("ok"), time.Minute))
	v, err := c.KVGet(ctx, "health:worker-1")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(v))
}
