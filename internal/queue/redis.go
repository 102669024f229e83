package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAllocator keeps one INCR counter per day so several API replicas
// share a queue.
type RedisAllocator struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisAllocator
type RedisOption func(*RedisAllocator)

// WithKeyPrefix sets the counter key prefix
func WithKeyPrefix(prefix string) RedisOption {
	return func(a *RedisAllocator) { a.prefix = prefix }
}

// WithTTL sets how long a day's counter outlives its last increment
func WithTTL(ttl time.Duration) RedisOption {
	return func(a *RedisAllocator) { a.ttl = ttl }
}

// NewRedisAllocator creates a Redis-backed allocator
func NewRedisAllocator(client redis.Cmdable, opts ...RedisOption) *RedisAllocator {
	a := &RedisAllocator{
		client: client,
		prefix: "visitflow:queue:",
		ttl:    72 * time.Hour,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NextNumber increments and returns the day's counter
func (a *RedisAllocator) NextNumber(ctx context.Context, day string) (int, error) {
	if err := ValidDay(day); err != nil {
		return 0, err
	}

	key := a.prefix + day
	var incr *redis.IntCmd
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, a.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate queue number: %w", err)
	}
	return int(incr.Val()), nil
}
