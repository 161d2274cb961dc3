package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteDue atomically moves due members of the delayed set onto the ready list.
var promoteDue = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, v in ipairs(items) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('LPUSH', KEYS[2], v)
end
return #items
`)

// RedisQueue implements Queue using Redis.
//
// Ready tasks live in a list (<prefix>tasks, LPUSH/BRPOP). Delayed tasks
// wait in a sorted set (<prefix>delayed) scored by NotBefore in milliseconds
// and are promoted by consumers once due. Values are gob-encoded Tasks.
type RedisQueue struct {
	client       redis.UniversalClient
	readyKey     string
	delayedKey   string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue. The default prefix uses a
// hash tag so both keys land in the same cluster slot.
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "{flowgate}:"
	}
	return &RedisQueue{
		client:       client,
		readyKey:     prefix + "tasks",
		delayedKey:   prefix + "delayed",
		pollInterval: 250 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	if !t.NotBefore.IsZero() && t.NotBefore.After(time.Now()) {
		return q.client.ZAdd(ctx, q.delayedKey, redis.Z{
			Score:  float64(t.NotBefore.UnixMilli()),
			Member: data,
		}).Err()
	}
	return q.client.LPush(ctx, q.readyKey, data).Err()
}

// Dequeue promotes due delayed tasks, then blocks on BRPOP for up to one
// poll interval, until a task arrives or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := promoteDue.Run(ctx, q.client, []string{q.delayedKey, q.readyKey}, now, 100).Err(); err != nil &&
			!errors.Is(err, redis.Nil) {
			return nil, ctxErr(ctx, err)
		}

		// BRPop returns [key, value]
		res, err := q.client.BRPop(ctx, q.pollInterval, q.readyKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, ctxErr(ctx, err)
		}
		if len(res) != 2 {
			slog.Warn("redis queue: unexpected BRPOP result", slog.Any("result", res))
			continue
		}
		return DecodeTask([]byte(res[1]))
	}
}

// Len returns the number of ready and delayed tasks.
func (q *RedisQueue) Len() int {
	ctx := context.Background()
	ready, err := q.client.LLen(ctx, q.readyKey).Result()
	if err != nil {
		slog.Warn("redis queue: len failed", slog.Any("error", err))
		return 0
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey).Result()
	if err != nil {
		slog.Warn("redis queue: len failed", slog.Any("error", err))
		return int(ready)
	}
	return int(ready + delayed)
}
