// Package local provides single-process implementations of the lock manager,
// event bus, rate limiter and auction cache. They back the memory store mode
// and tests; a multi-instance deployment must use the redis package instead.
package local

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/evtrade/bidcore/internal/domain"
)

// LockManager implements domain.LockManager with an in-process map of
// expiring tokens.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	now   func() time.Time
}

type lockEntry struct {
	token   string
	expires time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: map[string]lockEntry{}, now: time.Now}
}

// Acquire takes the lock for key if it is free or its previous holder's TTL
// has expired.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if cur, ok := lm.locks[key]; ok && now.Before(cur.expires) {
		return nil, domain.ErrLockHeld
	}
	token := uuid.NewString()
	lm.locks[key] = lockEntry{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if cur, ok := lm.locks[key]; ok && cur.token == token {
				delete(lm.locks, key)
			}
		})
	}, nil
}

// Bus implements domain.SignalBus in process. Delivery is at-most-once: a
// subscriber whose buffer is full misses the message.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
}

type subscriber struct {
	pattern string
	ch      chan []byte
}

// NewBus creates a Bus whose subscriptions buffer up to buffer messages.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{subs: map[*subscriber]struct{}{}, buffer: buffer}
}

// Publish delivers payload to every subscription whose pattern matches
// channel.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !matches(sub.pattern, channel) {
			continue
		}
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscription for channel, which may be a glob
// pattern. The returned channel closes when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := &subscriber{pattern: channel, ch: make(chan []byte, b.buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, sub)
		close(sub.ch)
		b.mu.Unlock()
	}()
	return sub.ch, nil
}

func matches(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

// limiterIdleTTL is how long an unused per-key limiter is kept.
const limiterIdleTTL = 15 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements domain.RateLimiter with one token bucket per key.
// A bucket holds limit tokens and refills one token every window/limit.
type RateLimiter struct {
	mu          sync.Mutex
	entries     map[string]*limiterEntry
	lastCleanup time.Time
	now         func() time.Time
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: map[string]*limiterEntry{}, now: time.Now}
}

// Allow takes a token from key's bucket if one is available.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, nil
	}
	every := rate.Every(window / time.Duration(limit))

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastCleanup) >= limiterIdleTTL {
		for k, e := range rl.entries {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(rl.entries, k)
			}
		}
		rl.lastCleanup = now
	}

	e, ok := rl.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(every, limit)}
		rl.entries[key] = e
	} else if e.limiter.Limit() != every || e.limiter.Burst() != limit {
		e.limiter.SetLimitAt(now, every)
		e.limiter.SetBurstAt(now, limit)
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1), nil
}

// AuctionCache implements domain.AuctionCache with a map.
type AuctionCache struct {
	mu     sync.RWMutex
	states map[string]domain.AuctionState
}

// NewAuctionCache creates an empty AuctionCache.
func NewAuctionCache() *AuctionCache {
	return &AuctionCache{states: map[string]domain.AuctionState{}}
}

// Set stores state unless a newer version is cached.
func (c *AuctionCache) Set(_ context.Context, state domain.AuctionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.states[state.AuctionID]; ok && cur.Version > state.Version {
		return nil
	}
	c.states[state.AuctionID] = state
	return nil
}

// Get returns the cached state, or domain.ErrNotFound.
func (c *AuctionCache) Get(_ context.Context, auctionID string) (domain.AuctionState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[auctionID]
	if !ok {
		return domain.AuctionState{}, domain.ErrNotFound
	}
	return s, nil
}

// Invalidate drops the cached state.
func (c *AuctionCache) Invalidate(_ context.Context, auctionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, auctionID)
	return nil
}

var (
	_ domain.LockManager  = (*LockManager)(nil)
	_ domain.SignalBus    = (*Bus)(nil)
	_ domain.RateLimiter  = (*RateLimiter)(nil)
	_ domain.AuctionCache = (*AuctionCache)(nil)
)
