package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/evtrade/bidcore/internal/domain"
)

// newTestStore starts a disposable PostgreSQL container and returns a
// migrated Store. The test is skipped in -short mode or without Docker.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("bidcore"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.RunMigrations(ctx))
	// Re-running is a no-op.
	require.NoError(t, client.RunMigrations(ctx))

	return NewStore(client.Pool(), 500*time.Millisecond)
}

func newAuction(now time.Time) domain.Auction {
	return domain.Auction{
		ID:            uuid.NewString(),
		ItemID:        "item-" + uuid.NewString()[:8],
		SellerID:      "seller-1",
		StartingPrice: decimal.NewFromInt(1000),
		CurrentPrice:  decimal.NewFromInt(1000),
		StepPrice:     decimal.NewFromInt(100),
		BuyNowPrice:   decimal.NewNullDecimal(decimal.NewFromInt(5000)),
		StartTime:     now.Add(-time.Minute),
		EndTime:       now.Add(time.Hour),
		Status:        domain.AuctionActive,
		Version:       1,
		CreatedAt:     now,
	}
}

func TestPostgresAuctionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	a := newAuction(now)
	require.NoError(t, s.Auctions().Create(ctx, a))

	got, err := s.Auctions().Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentPrice.Equal(a.CurrentPrice))
	assert.True(t, got.BuyNowPrice.Valid)
	assert.Equal(t, domain.AuctionActive, got.Status)

	_, err = s.Auctions().Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	bid := domain.Bid{
		ID:         uuid.NewString(),
		AuctionID:  a.ID,
		BidderID:   "bidder-1",
		BidderName: "Bidder One",
		Amount:     decimal.NewFromInt(1100),
		CreatedAt:  now,
	}
	require.NoError(t, s.Bids().Create(ctx, bid))

	updated, err := s.Auctions().ApplyBid(ctx, a.ID, got.Version, bid)
	require.NoError(t, err)
	assert.True(t, updated.CurrentPrice.Equal(decimal.NewFromInt(1100)))
	assert.Equal(t, 1, updated.TotalBids)
	assert.Equal(t, got.Version+1, updated.Version)

	// Stale version is rejected.
	_, err = s.Auctions().ApplyBid(ctx, a.ID, got.Version, bid)
	assert.ErrorIs(t, err, domain.ErrConflict)

	bids, err := s.Bids().ListByAuction(ctx, a.ID, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Amount.Equal(bid.Amount))

	due, err := s.Auctions().ListEndDue(ctx, now.Add(2*time.Hour), "", 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	moved, err := s.Auctions().Transition(ctx, a.ID, domain.AuctionActive, domain.AuctionEnded, now)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.Auctions().Transition(ctx, a.ID, domain.AuctionActive, domain.AuctionEnded, now)
	require.NoError(t, err)
	assert.False(t, moved, "second transition is a no-op")

	require.NoError(t, s.Auctions().MarkSettled(ctx, a.ID, "bidder-1", now))
	assert.ErrorIs(t, s.Auctions().MarkSettled(ctx, a.ID, "bidder-1", now), domain.ErrConflict)
}

func TestPostgresWalletHoldsAndLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	w := domain.Wallet{
		ID:        uuid.NewString(),
		OwnerID:   "owner-1",
		Balance:   decimal.NewFromInt(5000),
		Held:      decimal.Zero,
		Currency:  "VND",
		Status:    domain.WalletActive,
		Version:   1,
		CreatedAt: now,
	}
	require.NoError(t, s.Wallets().Create(ctx, w))

	dup := w
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.Wallets().Create(ctx, dup), domain.ErrAlreadyExists)

	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		locked, err := tx.Wallets().LockByOwners(ctx, []string{"owner-1", "nobody"})
		if err != nil {
			return err
		}
		cur := locked["owner-1"]
		cur.Held = decimal.NewFromInt(1200)
		if _, err := tx.Wallets().UpdateBalances(ctx, cur); err != nil {
			return err
		}
		if err := tx.Wallets().CreateHold(ctx, domain.Hold{
			ID: uuid.NewString(), WalletID: cur.ID, Reference: "auction:a1",
			Amount: decimal.NewFromInt(1200), Status: domain.HoldActive, CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.Wallets().AppendTransaction(ctx, domain.WalletTransaction{
			ID: uuid.NewString(), WalletID: cur.ID, Type: domain.TxHold, Amount: decimal.NewFromInt(1200),
			Reference: "auction:a1", BalanceAfter: cur.Balance, HeldAfter: cur.Held, CreatedAt: now,
		})
	})
	require.NoError(t, err)

	got, err := s.Wallets().GetByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.True(t, got.Held.Equal(decimal.NewFromInt(1200)))
	assert.Equal(t, int64(2), got.Version)

	hold, err := s.Wallets().ActiveHold(ctx, w.ID, "auction:a1")
	require.NoError(t, err)
	assert.True(t, hold.Amount.Equal(decimal.NewFromInt(1200)))

	has, err := s.Wallets().HasTransaction(ctx, w.ID, domain.TxHold, "auction:a1")
	require.NoError(t, err)
	assert.True(t, has)

	sums, err := s.Wallets().SumTransactions(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, sums[domain.TxHold].Equal(decimal.NewFromInt(1200)))

	total, err := s.Wallets().SumActiveHolds(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(1200)))

	require.NoError(t, s.Wallets().ReleaseHold(ctx, hold.ID, now))
	assert.ErrorIs(t, s.Wallets().ReleaseHold(ctx, hold.ID, now), domain.ErrNotFound)

	// A failing transaction leaves no trace.
	sentinel := errors.New("abort")
	err = s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		cur, err := tx.Wallets().GetForUpdate(ctx, w.ID)
		if err != nil {
			return err
		}
		cur.Balance = decimal.NewFromInt(1)
		cur.Held = decimal.Zero
		if _, err := tx.Wallets().UpdateBalances(ctx, cur); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err = s.Wallets().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(5000)))
}

func TestPostgresRowLockTimeout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := newAuction(time.Now().UTC())
	require.NoError(t, s.Auctions().Create(ctx, a))

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			if _, err := tx.Auctions().GetForUpdate(ctx, a.ID); err != nil {
				return err
			}
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked
	defer close(done)

	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.Auctions().GetForUpdate(ctx, a.ID)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestPostgresAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Audit().Log(ctx, "bid_accepted", map[string]any{"auction_id": "a1"}))
	entries, err := s.Audit().List(ctx, domain.ListOpts{Limit: 5})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bid_accepted", entries[0].Event)
	assert.Equal(t, "a1", entries[0].Detail["auction_id"])
}
