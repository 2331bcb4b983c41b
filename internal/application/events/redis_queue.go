package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueueKey = "estimate:events"

// RedisQueue is a FIFO of events on a Redis list (LPUSH / BRPOP).
type RedisQueue struct {
	Rdb *redis.Client
	Key string
}

func (q *RedisQueue) key() string {
	if q.Key == "" {
		return defaultQueueKey
	}
	return q.Key
}

// Publish implements Publisher.
func (q *RedisQueue) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return q.Rdb.LPush(ctx, q.key(), b).Err()
}

// Pop waits up to timeout for the oldest event. Returns nil, nil on timeout.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (*Event, error) {
	res, err := q.Rdb.BRPop(ctx, timeout, q.key()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value]
	return decode(res[1])
}

// TryPop returns the oldest event without blocking, nil when the queue is empty.
func (q *RedisQueue) TryPop(ctx context.Context) (*Event, error) {
	s, err := q.Rdb.RPop(ctx, q.key()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(s)
}

// Len returns the number of queued events.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.Rdb.LLen(ctx, q.key()).Result()
}

func decode(s string) (*Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, err
	}
	return &e, nil
}
