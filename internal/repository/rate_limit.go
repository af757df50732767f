package repository

import (
	"context"
	"time"

	"consult_realtime/pkg/logger"

	"github.com/redis/go-redis/v9"
)

type RateLimitRepository interface {
	CheckLimit(ctx context.Context, key string, limit int) (bool, error)
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

type rateLimitRepository struct {
	redis *redis.Client
	log   logger.Logger
}

func NewRateLimitRepository(redis *redis.Client, log logger.Logger) RateLimitRepository {
	return &rateLimitRepository{redis: redis, log: log}
}

func (r *rateLimitRepository) CheckLimit(ctx context.Context, key string, limit int) (bool, error) {
	count, err := r.redis.Get(ctx, key).Int()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		r.log.Error("Failed to check rate limit", "key", key, "error", err)
		return false, err
	}

	return count < limit, nil
}

// Increment counts one hit; the first hit of a window starts its expiry.
func (r *rateLimitRepository) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		r.log.Error("Failed to increment rate limit", "key", key, "error", err)
		return 0, err
	}

	if count == 1 {
		if err := r.redis.Expire(ctx, key, window).Err(); err != nil {
			r.log.Warn("Failed to set rate limit expiry", "key", key, "error", err)
		}
	}

	return count, nil
}
