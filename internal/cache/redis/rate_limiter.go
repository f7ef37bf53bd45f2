package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evtrade/bidcore/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter implements domain.RateLimiter using a sliding window kept in a
// Redis sorted set and updated by an atomic Lua script.
type RateLimiter struct {
	c             *Client
	rdb           *redis.Client
	slidingWindow *redis.Script
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		c:             c,
		rdb:           c.Underlying(),
		slidingWindow: redis.NewScript(slidingWindowLua),
	}
}

// Allow reports whether one more request for key fits in the window and, if
// so, counts it.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := rl.slidingWindow.Run(
		ctx,
		rl.rdb,
		[]string{rl.c.rateLimitKey(key)},
		time.Now().UnixMicro(),
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, nil
}

// Compile-time interface check.
var _ domain.RateLimiter = (*RateLimiter)(nil)
