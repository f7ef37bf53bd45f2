package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evtrade/bidcore/internal/domain"
)

const lockPollInterval = 5 * time.Millisecond

func auctionLockKey(auctionID string) string {
	return "auction:" + auctionID
}

// acquireWithin polls locks until key is free or timeout elapses. Waiting
// out the timeout yields domain.ErrTimeout.
func acquireWithin(ctx context.Context, locks domain.LockManager, key string, ttl, timeout time.Duration) (func(), error) {
	deadline := time.Now().Add(timeout)
	for {
		unlock, err := locks.Acquire(ctx, key, ttl)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("acquire %s after %s: %w", key, timeout, domain.ErrTimeout)
		}
		wait := min(lockPollInterval, remaining)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}
