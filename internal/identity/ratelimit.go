package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter throttles sensitive operations per key (source IP for login,
// email for verification resends) using a fixed window counter in Redis.
type RateLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{redis: client, prefix: "rl:" + prefix + ":", limit: int64(limit), window: window}
}

// Allow increments the counter for the key and reports whether the caller is
// still inside the window budget. Redis failures propagate: the limiter
// guards credential checks and must not fail open.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	full := l.prefix + key
	count, err := l.redis.Incr(ctx, full).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, full, l.window).Err(); err != nil {
			return false, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return count <= l.limit, nil
}

// Reset clears the counter for a key. Used after successful logins so a
// legitimate user does not stay penalized for earlier typos.
func (l *RateLimiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, l.prefix+key).Err()
}
