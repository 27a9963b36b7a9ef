package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
)

const replayQueueKey = "servana:replay:events"

// ReplayQueue carries ledger event ids from the webhook handler to the
// replay worker.
type ReplayQueue interface {
	Enqueue(ctx context.Context, eventID snowflake.ID) error
	// Dequeue blocks up to the given wait and reports ok=false on timeout.
	Dequeue(ctx context.Context, wait time.Duration) (snowflake.ID, bool, error)
}

type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	if client == nil {
		return nil
	}
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, eventID snowflake.ID) error {
	return q.client.LPush(ctx, replayQueueKey, eventID.String()).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (snowflake.ID, bool, error) {
	values, err := q.client.BRPop(ctx, wait, replayQueueKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(values) != 2 {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(values[1], 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return snowflake.ID(id), true, nil
}

// NoopQueue is the fallback when redis is not configured; the replay worker
// then relies on the replay_requested flag alone.
type NoopQueue struct{}

func (NoopQueue) Enqueue(ctx context.Context, eventID snowflake.ID) error {
	return nil
}

func (NoopQueue) Dequeue(ctx context.Context, wait time.Duration) (snowflake.ID, bool, error) {
	return 0, false, nil
}
