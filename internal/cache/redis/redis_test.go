package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/evtrade/bidcore/internal/domain"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	addr, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{Addr: addr, PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisIntegration(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	t.Run("lock", func(t *testing.T) {
		lm := NewLockManager(c)
		unlock, err := lm.Acquire(ctx, "auction:a1", time.Second)
		require.NoError(t, err)

		_, err = lm.Acquire(ctx, "auction:a1", time.Second)
		assert.ErrorIs(t, err, domain.ErrLockHeld)

		unlock()
		unlock()

		unlock2, err := lm.Acquire(ctx, "auction:a1", time.Second)
		require.NoError(t, err)
		unlock2()
	})

	t.Run("rate limiter", func(t *testing.T) {
		rl := NewRateLimiter(c)
		for i := 0; i < 3; i++ {
			ok, err := rl.Allow(ctx, "bid:u1", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := rl.Allow(ctx, "bid:u1", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("auction cache keeps newest version", func(t *testing.T) {
		ac := NewAuctionCache(c)
		end := time.Now().Add(time.Hour).UTC()
		state := domain.AuctionState{
			AuctionID:    "a1",
			Status:       domain.AuctionActive,
			CurrentPrice: decimal.NewFromInt(1200),
			MinNextBid:   decimal.NewFromInt(1300),
			TotalBids:    2,
			EndTime:      end,
			Version:      3,
		}
		require.NoError(t, ac.Set(ctx, state))

		older := state
		older.Version = 2
		older.CurrentPrice = decimal.NewFromInt(1100)
		require.NoError(t, ac.Set(ctx, older))

		got, err := ac.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Version)
		assert.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(1200)))
		assert.True(t, got.EndTime.Equal(end))

		require.NoError(t, ac.Invalidate(ctx, "a1"))
		_, err = ac.Get(ctx, "a1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("auction cache concurrent writers keep the highest version", func(t *testing.T) {
		ac := NewAuctionCache(c)
		var wg sync.WaitGroup
		for v := int64(1); v <= 20; v++ {
			wg.Add(1)
			go func(v int64) {
				defer wg.Done()
				assert.NoError(t, ac.Set(ctx, domain.AuctionState{
					AuctionID:    "a2",
					Status:       domain.AuctionActive,
					CurrentPrice: decimal.NewFromInt(1000 + v),
					MinNextBid:   decimal.NewFromInt(1100 + v),
					TotalBids:    int(v),
					EndTime:      time.Now().Add(time.Hour),
					Version:      v,
				}))
			}(v)
		}
		wg.Wait()

		got, err := ac.Get(ctx, "a2")
		require.NoError(t, err)
		assert.Equal(t, int64(20), got.Version)
		assert.Equal(t, 20, got.TotalBids)
		assert.Equal(t, "1020", got.CurrentPrice.String())

		ttl, err := c.Underlying().PTTL(ctx, c.auctionStateKey("a2")).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
	})

	t.Run("keys are namespaced by prefix", func(t *testing.T) {
		other, err := New(ctx, ClientConfig{
			Addr:      c.Underlying().Options().Addr,
			PoolSize:  2,
			KeyPrefix: "tenant-b:",
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = other.Close() })

		assert.Equal(t, "bidcore:lock:auction:a9", c.lockKey("auction:a9"))
		assert.Equal(t, "tenant-b:lock:auction:a9", other.lockKey("auction:a9"))

		unlockA, err := NewLockManager(c).Acquire(ctx, "auction:a9", time.Second)
		require.NoError(t, err)
		defer unlockA()
		unlockB, err := NewLockManager(other).Acquire(ctx, "auction:a9", time.Second)
		require.NoError(t, err)
		defer unlockB()

		n, err := c.Underlying().Exists(ctx, "bidcore:lock:auction:a9", "tenant-b:lock:auction:a9").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("signal bus pattern subscribe", func(t *testing.T) {
		bus := NewSignalBus(c)
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := bus.Subscribe(subCtx, domain.AuctionTopicPattern)
		require.NoError(t, err)

		require.NoError(t, bus.Publish(ctx, domain.AuctionTopic("a1"), []byte("first")))
		require.NoError(t, bus.Publish(ctx, domain.AuctionTopic("a1"), []byte("second")))

		for _, want := range []string{"first", "second"} {
			select {
			case msg := <-ch:
				assert.Equal(t, want, string(msg))
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	})
}
