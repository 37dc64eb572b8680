// Package broker is a typed wrapper over the key-value broker (Redis):
// lists, hashes, sorted sets, pub/sub and the atomic primitives every other
// package in relay builds on. No package outside broker talks to go-redis
// directly.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrPermanent marks a broker failure the caller should not retry; classify
// assigns it only to WRONGTYPE errors (key of the wrong type). ErrTransient
// marks every other failure, to be retried with backoff (connection, timeout).
var (
	ErrTransient = errors.New("broker: transient error")
	ErrPermanent = errors.New("broker: permanent error")
)

// Client is the typed broker surface. It is an interface so tests can swap
// in a miniredis-backed instance without touching call sites.
type Client interface {
	EnqueueTail(ctx context.Context, queue string, blob []byte) error
	EnqueueHead(ctx context.Context, queue string, blob []byte) error
	LeaseHead(ctx context.Context, queue, processing string) ([]byte, error)
	AckFromProcessing(ctx context.Context, processing string, blob []byte) error
	// MoveModified atomically removes oldBlob from fromKey and inserts
	// newBlob into toKey (head if toHead, else tail). Used whenever a task
	// is mutated (attempts incremented, priority raised) as part of its
	// move between queue/processing/DLQ.
	MoveModified(ctx context.Context, fromKey string, oldBlob []byte, toKey string, newBlob []byte, toHead bool) error
	PushDLQ(ctx context.Context, processing, dlq string, blob []byte) error
	ListLen(ctx context.Context, key string) (int64, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	RemoveFromList(ctx context.Context, key string, blob []byte) error

	SortedSetAdd(ctx context.Context, key string, score float64, entry []byte) error
	SortedSetTrim(ctx context.Context, key string, maxN int64) error
	SortedSetLen(ctx context.Context, key string) (int64, error)

	KVSetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	KVGet(ctx context.Context, key string) ([]byte, error)

	HashSet(ctx context.Context, key, field string, value []byte) error
	HashGet(ctx context.Context, key, field string) ([]byte, error)
	HashGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HashDel(ctx context.Context, key, field string) error

	ClaimIfAbsent(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expectedOwner string) (bool, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) Subscription

	Ping(ctx context.Context) error
	Close() error
}

// Subscription is a handle on one or more subscribed channels.
type Subscription interface {
	Channel() <-chan *redis.Message
	Close() error
}

// RedisClient implements Client over go-redis/v9.
type RedisClient struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// compareAndDeleteScript atomically deletes key only if its value matches
// the expected owner, so lock release never steps on a newer claim.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// leaseHeadScript atomically moves the head of the source list to the tail
// of the destination list, returning the moved element (or nil).
var leaseHeadScript = redis.NewScript(`
local v = redis.call("LPOP", KEYS[1])
if v then
	redis.call("RPUSH", KEYS[2], v)
end
return v
`)

// New dials a Redis broker at addr.
func New(addr string) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisClient{rdb: rdb, logger: log.WithComponent("broker")}, nil
}

// NewFromClient wraps an already-constructed go-redis client, used by tests
// to point at a miniredis instance.
func NewFromClient(rdb *redis.Client) *RedisClient {
	return &RedisClient{rdb: rdb, logger: log.WithComponent("broker")}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	// Only WRONGTYPE is permanent; everything else (connection reset, pool
	// timeout, any other server or script error) is transient.
	msg := err.Error()
	if len(msg) >= 9 && msg[:9] == "WRONGTYPE" {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func (c *RedisClient) EnqueueTail(ctx context.Context, queue string, blob []byte) error {
	return classify(c.rdb.RPush(ctx, queue, blob).Err())
}

func (c *RedisClient) EnqueueHead(ctx context.Context, queue string, blob []byte) error {
	return classify(c.rdb.LPush(ctx, queue, blob).Err())
}

func (c *RedisClient) MoveModified(ctx context.Context, fromKey string, oldBlob []byte, toKey string, newBlob []byte, toHead bool) error {
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, fromKey, 1, oldBlob)
	if toHead {
		pipe.LPush(ctx, toKey, newBlob)
	} else {
		pipe.RPush(ctx, toKey, newBlob)
	}
	_, err := pipe.Exec(ctx)
	return classify(err)
}

func (c *RedisClient) LeaseHead(ctx context.Context, queue, processing string) ([]byte, error) {
	v, err := leaseHeadScript.Run(ctx, c.rdb, []string{queue, processing}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, classify(err)
	}
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, nil
	}
	return []byte(s), nil
}

func (c *RedisClient) AckFromProcessing(ctx context.Context, processing string, blob []byte) error {
	return classify(c.rdb.LRem(ctx, processing, 1, blob).Err())
}

func (c *RedisClient) PushDLQ(ctx context.Context, processing, dlq string, blob []byte) error {
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, processing, 1, blob)
	pipe.RPush(ctx, dlq, blob)
	_, err := pipe.Exec(ctx)
	return classify(err)
}

func (c *RedisClient) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	return n, classify(err)
}

func (c *RedisClient) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, classify(err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (c *RedisClient) RemoveFromList(ctx context.Context, key string, blob []byte) error {
	return classify(c.rdb.LRem(ctx, key, 1, blob).Err())
}

func (c *RedisClient) SortedSetAdd(ctx context.Context, key string, score float64, entry []byte) error {
	return classify(c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: entry}).Err())
}

func (c *RedisClient) SortedSetTrim(ctx context.Context, key string, maxN int64) error {
	return classify(c.rdb.ZRemRangeByRank(ctx, key, 0, -maxN-1).Err())
}

func (c *RedisClient) SortedSetLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, key).Result()
	return n, classify(err)
}

func (c *RedisClient) KVSetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return classify(c.rdb.Set(ctx, key, value, ttl).Err())
}

func (c *RedisClient) KVGet(ctx context.Context, key string) ([]byte, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return []byte(v), nil
}

func (c *RedisClient) HashSet(ctx context.Context, key, field string, value []byte) error {
	return classify(c.rdb.HSet(ctx, key, field, value).Err())
}

func (c *RedisClient) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return []byte(v), nil
}

func (c *RedisClient) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (c *RedisClient) HashDel(ctx context.Context, key, field string) error {
	return classify(c.rdb.HDel(ctx, key, field).Err())
}

func (c *RedisClient) ClaimIfAbsent(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

func (c *RedisClient) CompareAndDelete(ctx context.Context, key, expectedOwner string) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, c.rdb, []string{key}, expectedOwner).Int64()
	if err != nil {
		return false, classify(err)
	}
	return res == 1, nil
}

func (c *RedisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	return classify(c.rdb.Publish(ctx, channel, payload).Err())
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Channel() <-chan *redis.Message { return s.ps.Channel() }
func (s *redisSubscription) Close() error                   { return s.ps.Close() }

func (c *RedisClient) Subscribe(ctx context.Context, channels ...string) Subscription {
	return &redisSubscription{ps: c.rdb.Subscribe(ctx, channels...)}
}

func (c *RedisClient) Ping(ctx context.Context) error {
	return classify(c.rdb.Ping(ctx).Err())
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}
