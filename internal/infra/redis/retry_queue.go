package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryQueue implements storage.RetryQueue on a sorted set scored by due time
// in unix milliseconds.
type RetryQueue struct {
	rdb *redis.Client
	key string
}

// NewRetryQueue creates a Redis-backed retry queue.
func NewRetryQueue(client *Client) *RetryQueue {
	return &RetryQueue{rdb: client.rdb, key: client.key("retries")}
}

// Schedule adds taskID or moves it to the new due time.
func (q *RetryQueue) Schedule(ctx context.Context, taskID string, at time.Time) error {
	if err := q.rdb.ZAdd(ctx, q.key, redis.Z{
		Score:  score(at),
		Member: taskID,
	}).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// PopDue removes and returns up to limit tasks due at or before now, earliest first.
// Only members this call actually removed are returned, so two pollers never
// receive the same task.
func (q *RetryQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(now), 'f', -1, 64),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.IntCmd, len(ids))
	_, err = q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.ZRem(ctx, q.key, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("zrem failed: %w", err)
	}

	popped := make([]string, 0, len(ids))
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			popped = append(popped, ids[i])
		}
	}
	return popped, nil
}

// Remove drops taskID from the queue.
func (q *RetryQueue) Remove(ctx context.Context, taskID string) error {
	if err := q.rdb.ZRem(ctx, q.key, taskID).Err(); err != nil {
		return fmt.Errorf("zrem failed: %w", err)
	}
	return nil
}

// Len returns the number of queued retries.
func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return n, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
