package domain

import (
	"context"
	"time"
)

// AuctionCache holds the latest public state of live auctions.
type AuctionCache interface {
	Set(ctx context.Context, state AuctionState) error
	Get(ctx context.Context, auctionID string) (AuctionState, error)
	Invalidate(ctx context.Context, auctionID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. Acquire returns ErrLockHeld
// immediately when another holder owns the key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides topic-based publish/subscribe. Subscribe accepts glob
// patterns such as "auction:*".
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
