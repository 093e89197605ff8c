package queue

import (
	"context"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const limiterKey = "pageforge:ratelimit:builds"

// Decision is the outcome of a rate limiter check.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// RateLimiter caps how many builds may start inside a rolling window. The
// counter lives in Redis so the cap holds across worker restarts and
// multiple worker processes. Redis failures fail open: a broken limiter
// must not stall the build pipeline.
type RateLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	limit   int
	window  time.Duration
	timeout time.Duration
}

// NewRateLimiter constructs a Redis backed build rate limiter.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		client:  client,
		logger:  logger,
		limit:   limit,
		window:  window,
		timeout: 250 * time.Millisecond,
	}
}

// Allow reserves a slot in the current window. When the window is full the
// decision carries how long to wait before the window resets.
func (rl *RateLimiter) Allow(ctx context.Context) Decision {
	if rl.limit <= 0 {
		return Decision{Allowed: true}
	}
	opCtx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	counter, err := rl.client.Incr(opCtx, limiterKey).Result()
	if err != nil {
		rl.logRedisError("incr", err)
		return Decision{Allowed: true}
	}
	if counter == 1 {
		if err := rl.client.Expire(opCtx, limiterKey, rl.window).Err(); err != nil {
			rl.logRedisError("expire", err)
		}
	}
	if int(counter) <= rl.limit {
		return Decision{Allowed: true, Count: int(counter)}
	}
	ttl, err := rl.client.TTL(opCtx, limiterKey).Result()
	if err != nil || ttl <= 0 {
		ttl = rl.window
	}
	return Decision{Allowed: false, Count: int(counter), RetryAfter: ttl}
}

func (rl *RateLimiter) logRedisError(op string, err error) {
	if rl.logger == nil {
		return
	}
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}
