package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueKey is the Redis list holding queued collection ids.
const DefaultQueueKey = "archiver:queue:jobs"

// Queue hands collection ids from the front door to the workers.
type Queue interface {
	Enqueue(ctx context.Context, collectionID string) error

	// Dequeue blocks until an id is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)
}

// MemoryQueue is an in-process Queue backed by a buffered channel.
type MemoryQueue struct {
	ch chan string
}

// NewMemoryQueue creates a MemoryQueue holding up to size ids.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Enqueue implements Queue. It blocks while the queue is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, collectionID string) error {
	select {
	case q.ch <- collectionID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len returns the number of queued ids.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// RedisQueue is a Queue shared by every process attached to the same Redis:
// LPUSH to enqueue, BRPOP to dequeue (FIFO).
type RedisQueue struct {
	redis        *redis.Client
	key          string
	blockTimeout time.Duration
}

// NewRedisQueue creates a RedisQueue on key (DefaultQueueKey when empty).
func NewRedisQueue(redisClient *redis.Client, key string) *RedisQueue {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{redis: redisClient, key: key, blockTimeout: time.Second}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, collectionID string) error {
	if err := q.redis.LPush(ctx, q.key, collectionID).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// Dequeue implements Queue. BRPOP runs in short slices so ctx is observed.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := q.redis.BRPop(ctx, q.blockTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("redis brpop: %w", err)
		}
		// res is [key, value].
		return res[1], nil
	}
}

// Len returns the number of queued ids.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, q.key).Result()
}
