package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/evtrade/bidcore/internal/cache/local"
	"github.com/evtrade/bidcore/internal/domain"
	"github.com/evtrade/bidcore/internal/store/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
	msgs   []string
}

func (r *recordingAlerter) Notify(_ context.Context, event, _, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.msgs = append(r.msgs, message)
	return nil
}

type recordingArchiver struct {
	mu   sync.Mutex
	recs []domain.SettlementRecord
}

func (r *recordingArchiver) ArchiveSettlement(_ context.Context, rec domain.SettlementRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

type harness struct {
	store     *memory.Store
	locks     *local.LockManager
	bus       *local.Bus
	cache     *local.AuctionCache
	clock     *fakeClock
	alerts    *recordingAlerter
	archive   *recordingArchiver
	ledger    *Ledger
	fanout    *Fanout
	settler   *Settler
	bids      *BidProcessor
	auctions  *AuctionService
	scheduler *Scheduler
	events    <-chan []byte
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	h := &harness{
		store:   memory.New(),
		locks:   local.NewLockManager(),
		bus:     local.NewBus(4096),
		cache:   local.NewAuctionCache(),
		clock:   &fakeClock{t: testStart},
		alerts:  &recordingAlerter{},
		archive: &recordingArchiver{},
	}
	cfg := BidConfig{LockTimeout: 5 * time.Second, LockTTL: 30 * time.Second}

	h.ledger = NewLedger(h.store, "VND", logger)
	h.ledger.now = h.clock.Now
	h.fanout = NewFanout(h.bus, nil, logger)
	h.fanout.now = h.clock.Now
	h.settler = NewSettler(h.store, h.ledger, h.locks, h.cache, h.fanout, h.alerts, h.archive, nil, cfg, logger)
	h.settler.now = h.clock.Now
	h.bids = NewBidProcessor(h.store, h.ledger, h.locks, nil, h.cache, h.fanout, h.settler, nil, cfg, logger)
	h.bids.now = h.clock.Now
	h.auctions = NewAuctionService(h.store, h.cache, h.settler, h.fanout, logger)
	h.auctions.now = h.clock.Now
	h.scheduler = NewScheduler(h.store, h.settler, h.cache, h.fanout, nil, SchedulerConfig{PageSize: 2}, logger)
	h.scheduler.now = h.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events, err := h.bus.Subscribe(ctx, "*")
	require.NoError(t, err)
	h.events = events
	return h
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decimalNull(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

// activeAuction creates an auction that opened a minute ago and closes in an
// hour, starting at 1000 with a step of 100.
func (h *harness) activeAuction(t *testing.T, sellerID string) domain.Auction {
	t.Helper()
	a, err := h.auctions.Create(context.Background(), CreateAuctionInput{
		ItemID:        "battery-" + sellerID,
		SellerID:      sellerID,
		StartingPrice: dec("1000"),
		StepPrice:     dec("100"),
		StartTime:     h.clock.Now().Add(-time.Minute),
		EndTime:       h.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, domain.AuctionActive, a.Status)
	return a
}

func (h *harness) fund(t *testing.T, ownerID, amount string) {
	t.Helper()
	_, err := h.ledger.Deposit(context.Background(), ownerID, dec(amount), "")
	require.NoError(t, err)
}

func (h *harness) wallet(t *testing.T, ownerID string) domain.Wallet {
	t.Helper()
	w, err := h.ledger.Wallet(context.Background(), ownerID)
	require.NoError(t, err)
	return w
}

func (h *harness) auction(t *testing.T, id string) domain.Auction {
	t.Helper()
	a, err := h.store.Auctions().Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (h *harness) bid(auctionID, bidderID, amount string) (domain.BidResult, error) {
	return h.bids.PlaceBid(context.Background(), domain.BidRequest{
		AuctionID:  auctionID,
		BidderID:   bidderID,
		BidderName: "name-" + bidderID,
		Amount:     dec(amount),
	})
}

func (h *harness) requireConsistent(t *testing.T, owners ...string) {
	t.Helper()
	for _, owner := range owners {
		rec, err := h.ledger.Reconcile(context.Background(), owner)
		require.NoError(t, err)
		require.Truef(t, rec.Consistent, "wallet of %s out of balance: %+v", owner, rec)
	}
}

// drain returns every event published so far.
func (h *harness) drain() []domain.Event {
	var out []domain.Event
	for {
		select {
		case msg := <-h.events:
			var ev domain.Event
			if err := json.Unmarshal(msg, &ev); err == nil {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func eventsOf(events []domain.Event, t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func decodePayload[T any](t *testing.T, ev domain.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Payload, &v))
	return v
}
