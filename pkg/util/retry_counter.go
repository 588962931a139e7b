package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryCounter counts failed deliveries per message key in Redis. The count
// expires ttl after the first failure, so a message that stops failing is
// forgotten without a Reset.
type RetryCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRetryCounter(rdb *redis.Client, ttl time.Duration) *RetryCounter {
	return &RetryCounter{rdb: rdb, ttl: ttl}
}

// IncrementAndGet records one more failure for key and returns the total.
func (r *RetryCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RetryCounter) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// FormatRetryKey builds the counter key for a handler and message key.
func FormatRetryKey(handler, key string) string {
	return "retry:" + handler + ":" + key
}
