package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/steward/internal/domain"
)

var _ domain.RateLimiter = (*RateLimiter)(nil)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const waitPollInterval = 50 * time.Millisecond

// RateLimiter implements domain.RateLimiter with a sliding window kept in a
// sorted set and updated by one Lua script.
type RateLimiter struct {
	client        *Client
	slidingWindow *redis.Script
	// limit and window apply to Wait.
	limit  int
	window time.Duration
}

// NewRateLimiter creates a RateLimiter. limit and window are the defaults
// Wait applies; non-positive values mean 1 per second.
func NewRateLimiter(c *Client, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		client:        c,
		slidingWindow: redis.NewScript(slidingWindowLua),
		limit:         limit,
		window:        window,
	}
}

// Allow counts a request for key and reports whether it fits within limit
// requests per window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := rl.slidingWindow.Run(ctx, rl.client.Underlying(),
		[]string{rl.client.Key("ratelimit:" + key)},
		time.Now().UnixMicro(), window.Microseconds(), limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, nil
}

// Wait blocks until key is allowed under the default limit.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		allowed, err := rl.Allow(ctx, key, rl.limit, rl.window)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		timer := time.NewTimer(waitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}
