package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/evtrade/bidcore/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's token,
// so an expired holder never releases a lock someone else now owns.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// unlockTimeout bounds the release call; it runs on a background context so
// a cancelled caller still frees the lock.
const unlockTimeout = 5 * time.Second

// LockManager implements domain.LockManager using Redis SET NX with a TTL and
// a Lua-based conditional unlock. It is the per-auction mutual exclusion used
// across instances.
type LockManager struct {
	c        *Client
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		c:        c,
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

// Acquire makes one attempt to take the lock for key. On success it returns
// an idempotent unlock function. It returns domain.ErrLockHeld if another
// holder owns the key.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.c.lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
