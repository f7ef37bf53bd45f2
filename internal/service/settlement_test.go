package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evtrade/bidcore/internal/domain"
)

func TestSettleMovesFundsToSeller(t *testing.T) {
	h := newHarness(t)
	a := h.activeAuction(t, "seller")
	for _, u := range []string{"u1", "u2", "u3"} {
		h.fund(t, u, "5000")
	}
	_, err := h.bid(a.ID, "u1", "1100")
	require.NoError(t, err)
	_, err = h.bid(a.ID, "u2", "1200")
	require.NoError(t, err)
	last, err := h.bid(a.ID, "u3", "1300")
	require.NoError(t, err)
	h.drain()

	settled, err := h.settler.Settle(context.Background(), a.ID)
	require.NoError(t, err)
	assert.False(t, settled, "auction is not due yet")

	h.clock.Advance(time.Hour)
	settled, err = h.settler.Settle(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, settled)

	got := h.auction(t, a.ID)
	assert.Equal(t, domain.AuctionEnded, got.Status)
	assert.Equal(t, "u3", got.WinnerID)
	require.NotNil(t, got.SettledAt)

	w3 := h.wallet(t, "u3")
	assert.True(t, w3.Balance.Equal(dec("3700")))
	assert.True(t, w3.Held.IsZero())
	assert.True(t, h.wallet(t, "seller").Balance.Equal(dec("1300")))
	for _, u := range []string{"u1", "u2"} {
		w := h.wallet(t, u)
		assert.True(t, w.Balance.Equal(dec("5000")))
		assert.True(t, w.Held.IsZero())
	}
	h.requireConsistent(t, "u1", "u2", "u3", "seller")

	events := h.drain()
	require.Len(t, eventsOf(events, domain.EventAuctionEnded), 1)
	won := eventsOf(events, domain.EventAuctionWon)
	require.Len(t, won, 1)
	assert.Equal(t, domain.UserTopic("u3"), won[0].Topic)
	ev := decodePayload[domain.SettlementEvent](t, won[0])
	assert.Equal(t, last.BidID, ev.BidID)
	assert.True(t, ev.Amount.Equal(dec("1300")))
	sold := eventsOf(events, domain.EventAuctionSold)
	require.Len(t, sold, 1)
	assert.Equal(t, domain.UserTopic("seller"), sold[0].Topic)

	require.Len(t, h.archive.recs, 1)
	assert.Len(t, h.archive.recs[0].Bids, 3)
	assert.Contains(t, h.alerts.events, AlertAuctionSettled)

	// A second attempt finds nothing to do and moves no money.
	settled, err = h.settler.Settle(context.Background(), a.ID)
	require.NoError(t, err)
	assert.False(t, settled)
	assert.True(t, h.wallet(t, "u3").Balance.Equal(dec("3700")))
	assert.True(t, h.wallet(t, "seller").Balance.Equal(dec("1300")))
}

func TestDepositReferenceCannotShadowSettlementCredit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.activeAuction(t, "seller")
	_, err := h.ledger.Deposit(ctx, "seller", dec("0.01"), domain.SettlementRef(a.ID))
	require.NoError(t, err)
	h.fund(t, "u1", "5000")
	_, err = h.bid(a.ID, "u1", "1100")
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	settled, err := h.settler.Settle(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, settled)

	assert.True(t, h.wallet(t, "u1").Balance.Equal(dec("3900")))
	assert.True(t, h.wallet(t, "seller").Balance.Equal(dec("1100.01")))
	h.requireConsistent(t, "u1", "seller")
}

func TestSettleReleasesRemainingHolds(t *testing.T) {
	h := newHarness(t)
	a := h.activeAuction(t, "seller")
	h.fund(t, "u1", "5000")
	h.fund(t, "u2", "5000")
	_, err := h.bid(a.ID, "u1", "1100")
	require.NoError(t, err)

	// A hold left behind on the auction by some other path.
	w2 := h.wallet(t, "u2")
	_, err = h.ledger.Hold(context.Background(), w2.ID, dec("700"), domain.AuctionRef(a.ID), "")
	require.NoError(t, err)
	h.drain()

	h.clock.Advance(time.Hour)
	settled, err := h.settler.Settle(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, settled)

	assert.True(t, h.wallet(t, "u2").Held.IsZero())
	released := eventsOf(h.drain(), domain.EventFundsReleased)
	require.Len(t, released, 1)
	assert.Equal(t, domain.UserTopic("u2"), released[0].Topic)
	fr := decodePayload[domain.FundsReleasedEvent](t, released[0])
	assert.True(t, fr.Amount.Equal(dec("700")))
	h.requireConsistent(t, "u1", "u2", "seller")
}

func TestSettleWithoutBids(t *testing.T) {
	h := newHarness(t)
	a := h.activeAuction(t, "seller")
	h.clock.Advance(2 * time.Hour)

	settled, err := h.settler.Settle(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, settled)

	got := h.auction(t, a.ID)
	assert.Equal(t, domain.AuctionEnded, got.Status)
	assert.Empty(t, got.WinnerID)
	require.NotNil(t, got.SettledAt)
	assert.Empty(t, eventsOf(h.drain(), domain.EventAuctionWon))

	_, err = h.ledger.Wallet(context.Background(), "seller")
	assert.ErrorIs(t, err, domain.ErrNotFound, "no wallet is opened for a seller with nothing sold")
}

func TestConcurrentSettleMovesMoneyOnce(t *testing.T) {
	h := newHarness(t)
	a := h.activeAuction(t, "seller")
	h.fund(t, "u1", "5000")
	_, err := h.bid(a.ID, "u1", "2000")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.settler.Settle(context.Background(), a.ID)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, settled)
	assert.True(t, h.wallet(t, "u1").Balance.Equal(dec("3000")))
	assert.True(t, h.wallet(t, "seller").Balance.Equal(dec("2000")))
	h.requireConsistent(t, "u1", "seller")
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	a := h.activeAuction(t, "seller")
	h.fund(t, "u1", "5000")
	_, err := h.bid(a.ID, "u1", "1500")
	require.NoError(t, err)
	h.drain()

	_, err = h.auctions.Cancel(context.Background(), a.ID, "u1")
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.auctions.Cancel(context.Background(), a.ID, "")
	require.ErrorIs(t, err, domain.ErrUnauthenticated)

	cancelled, err := h.auctions.Cancel(context.Background(), a.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, domain.AuctionCancelled, cancelled.Status)
	assert.True(t, h.wallet(t, "u1").Held.IsZero())
	h.requireConsistent(t, "u1")

	events := h.drain()
	require.Len(t, eventsOf(events, domain.EventAuctionCancelled), 1)
	released := eventsOf(events, domain.EventFundsReleased)
	require.Len(t, released, 1)
	fr := decodePayload[domain.FundsReleasedEvent](t, released[0])
	assert.Equal(t, "u1", fr.UserID)
	assert.Equal(t, "auction_cancelled", fr.Reason)
	assert.Contains(t, h.alerts.events, AlertAuctionCancelled)

	_, err = h.auctions.Cancel(context.Background(), a.ID, "seller")
	require.ErrorIs(t, err, domain.ErrAuctionNotActive)
	_, err = h.bid(a.ID, "u1", "2000")
	require.ErrorIs(t, err, domain.ErrAuctionNotActive)
}
