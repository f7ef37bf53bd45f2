package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/evtrade/bidcore/internal/domain"
	"github.com/evtrade/bidcore/internal/metrics"
)

// Alerter delivers operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Operator alert event names.
const (
	AlertAuctionSettled   = "auction_settled"
	AlertAuctionCancelled = "auction_cancelled"
	AlertSettlementFailed = "settlement_failed"
)

var errNothingToSettle = errors.New("nothing to settle")

// Settler closes auctions: it ends them, moves the winning amount from the
// winner to the seller, returns every other hold and tells everyone involved.
type Settler struct {
	store    domain.Store
	ledger   *Ledger
	locks    domain.LockManager
	cache    domain.AuctionCache
	fanout   *Fanout
	alerter  Alerter
	archiver domain.Archiver
	metrics  *metrics.Metrics
	cfg      BidConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewSettler creates a Settler. cache, alerter, archiver and m may be nil.
func NewSettler(
	store domain.Store,
	ledger *Ledger,
	locks domain.LockManager,
	cache domain.AuctionCache,
	fanout *Fanout,
	alerter Alerter,
	archiver domain.Archiver,
	m *metrics.Metrics,
	cfg BidConfig,
	logger *slog.Logger,
) *Settler {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 3 * time.Second
	}
	if cfg.LockTTL < cfg.LockTimeout {
		cfg.LockTTL = 10 * time.Second
	}
	return &Settler{
		store:    store,
		ledger:   ledger,
		locks:    locks,
		cache:    cache,
		fanout:   fanout,
		alerter:  alerter,
		archiver: archiver,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "settler")),
	}
}

type releasedFunds struct {
	userID string
	amount decimal.Decimal
}

// settlement is the committed outcome of closing an auction.
type settlement struct {
	auction   domain.Auction
	winnerID  string
	amount    decimal.Decimal
	bidID     string
	released  []releasedFunds
	cancelled bool
	at        time.Time
}

// Settle ends the auction if its end time has passed and settles it. It
// reports false without error when the auction is not due or was already
// settled by someone else.
func (s *Settler) Settle(ctx context.Context, auctionID string) (bool, error) {
	out, err := s.settleLocked(ctx, auctionID)
	switch {
	case errors.Is(err, errNothingToSettle):
		return false, nil
	case err != nil:
		s.metrics.IncSettlement("error")
		if !errors.Is(err, domain.ErrTimeout) {
			s.alert(ctx, AlertSettlementFailed, "Settlement failed",
				fmt.Sprintf("auction %s: %v", auctionID, err))
		}
		return false, fmt.Errorf("settle %s: %w", auctionID, err)
	}
	s.metrics.IncSettlement("ok")
	s.afterSettlement(ctx, out)
	return true, nil
}

func (s *Settler) settleLocked(ctx context.Context, auctionID string) (*settlement, error) {
	unlock, err := acquireWithin(ctx, s.locks, auctionLockKey(auctionID), s.cfg.LockTTL, s.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *settlement
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		a, err := tx.Auctions().GetForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		now := s.now()
		switch {
		case a.Status == domain.AuctionActive && !now.Before(a.EndTime):
			moved, err := tx.Auctions().Transition(ctx, a.ID, domain.AuctionActive, domain.AuctionEnded, now)
			if err != nil {
				return err
			}
			if !moved {
				return errNothingToSettle
			}
			s.metrics.IncTransition(string(domain.AuctionActive), string(domain.AuctionEnded))
			a.Status = domain.AuctionEnded
			a.Version++
		case a.Status == domain.AuctionEnded && a.SettledAt == nil:
			// Ended by an earlier attempt that failed before settling.
		default:
			return errNothingToSettle
		}
		out, err = s.settleTx(ctx, tx, a, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, out)
	return out, nil
}

// settleTx settles the ended auction a inside tx. Debits and credits are
// keyed by the auction's settlement reference so a retried settlement never
// moves funds twice.
func (s *Settler) settleTx(ctx context.Context, tx domain.Tx, a domain.Auction, now time.Time) (*settlement, error) {
	out := &settlement{auction: a, at: now}
	ref := domain.AuctionRef(a.ID)
	lt := s.ledger.Within(tx)

	holds, err := tx.Wallets().ListActiveHolds(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}

	var winner, seller domain.Wallet
	if a.HasBids() {
		winner, err = tx.Wallets().GetByOwner(ctx, a.HighestBidderID)
		if err != nil {
			return nil, fmt.Errorf("winner wallet: %w", err)
		}
		seller, err = lt.EnsureWallet(ctx, a.SellerID)
		if err != nil {
			return nil, fmt.Errorf("seller wallet: %w", err)
		}
	}

	owners, err := lockWallets(ctx, tx, holds, winner.ID, seller.ID)
	if err != nil {
		return nil, err
	}

	if a.HasBids() {
		if _, err := lt.Release(ctx, winner.ID, ref); err != nil {
			return nil, fmt.Errorf("release winner hold: %w", err)
		}
		settleRef := domain.SettlementRef(a.ID)
		if err := lt.Debit(ctx, winner.ID, a.CurrentPrice, settleRef); err != nil {
			return nil, fmt.Errorf("debit winner: %w", err)
		}
		if err := lt.Credit(ctx, seller.ID, a.CurrentPrice, settleRef); err != nil {
			return nil, fmt.Errorf("credit seller: %w", err)
		}
		out.winnerID = a.HighestBidderID
		out.amount = a.CurrentPrice
		out.bidID = a.HighestBidID
	}

	for _, h := range holds {
		if h.WalletID == winner.ID {
			continue
		}
		released, err := lt.Release(ctx, h.WalletID, ref)
		if err != nil {
			return nil, fmt.Errorf("release hold %s: %w", h.ID, err)
		}
		if released.IsPositive() {
			out.released = append(out.released, releasedFunds{userID: owners[h.WalletID], amount: released})
		}
	}

	if err := tx.Auctions().MarkSettled(ctx, a.ID, out.winnerID, now); err != nil {
		return nil, fmt.Errorf("mark settled: %w", err)
	}
	out.auction.WinnerID = out.winnerID
	out.auction.SettledAt = &now
	out.auction.Version++
	return out, nil
}

// lockWallets row-locks every wallet touched by a settlement in ascending id
// order and returns their owners by wallet id.
func lockWallets(ctx context.Context, tx domain.Tx, holds []domain.Hold, extra ...string) (map[string]string, error) {
	ids := make([]string, 0, len(holds)+len(extra))
	for _, h := range holds {
		ids = append(ids, h.WalletID)
	}
	for _, id := range extra {
		if id != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	owners := make(map[string]string, len(ids))
	for _, id := range ids {
		w, err := tx.Wallets().GetForUpdate(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lock wallet %s: %w", id, err)
		}
		owners[id] = w.OwnerID
	}
	return owners, nil
}

// Cancel lets the seller withdraw an auction that has not ended. Every
// outstanding hold is released.
func (s *Settler) Cancel(ctx context.Context, auctionID, requesterID string) (domain.Auction, error) {
	if requesterID == "" {
		return domain.Auction{}, fmt.Errorf("cancel: %w", domain.ErrUnauthenticated)
	}
	unlock, err := acquireWithin(ctx, s.locks, auctionLockKey(auctionID), s.cfg.LockTTL, s.cfg.LockTimeout)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("cancel: %w", err)
	}
	defer unlock()

	var out *settlement
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		a, err := tx.Auctions().GetForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		if a.SellerID != requesterID {
			return fmt.Errorf("only the seller may cancel: %w", domain.ErrForbidden)
		}
		if !a.Status.CanTransition(domain.AuctionCancelled) {
			return fmt.Errorf("auction is %s: %w", a.Status, domain.ErrAuctionNotActive)
		}

		now := s.now()
		moved, err := tx.Auctions().Transition(ctx, a.ID, a.Status, domain.AuctionCancelled, now)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("auction %s changed status: %w", a.ID, domain.ErrConflict)
		}
		s.metrics.IncTransition(string(a.Status), string(domain.AuctionCancelled))
		a.Status = domain.AuctionCancelled
		a.Version++
		a.UpdatedAt = now

		ref := domain.AuctionRef(a.ID)
		holds, err := tx.Wallets().ListActiveHolds(ctx, ref)
		if err != nil {
			return fmt.Errorf("list holds: %w", err)
		}
		owners, err := lockWallets(ctx, tx, holds)
		if err != nil {
			return err
		}
		out = &settlement{auction: a, cancelled: true, at: now}
		lt := s.ledger.Within(tx)
		for _, h := range holds {
			released, err := lt.Release(ctx, h.WalletID, ref)
			if err != nil {
				return fmt.Errorf("release hold %s: %w", h.ID, err)
			}
			if released.IsPositive() {
				out.released = append(out.released, releasedFunds{userID: owners[h.WalletID], amount: released})
			}
		}
		return nil
	})
	if err != nil {
		return domain.Auction{}, fmt.Errorf("cancel %s: %w", auctionID, err)
	}

	s.publish(ctx, out)
	unlock()

	s.audit(ctx, "auction_cancelled", map[string]any{
		"auction_id":   auctionID,
		"requester_id": requesterID,
		"released":     len(out.released),
	})
	s.alert(ctx, AlertAuctionCancelled, "Auction cancelled",
		fmt.Sprintf("auction %s cancelled by seller %s", auctionID, requesterID))
	return out.auction, nil
}

// publish sends the events of a committed settlement or cancellation. It
// runs while the auction lock is still held.
func (s *Settler) publish(ctx context.Context, out *settlement) {
	if out == nil {
		return
	}
	a := out.auction
	if s.cache != nil {
		if err := s.cache.Set(context.WithoutCancel(ctx), a.State()); err != nil {
			s.logger.WarnContext(ctx, "auction cache update failed",
				slog.String("auction_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	reason := "auction_ended"
	if out.cancelled {
		reason = "auction_cancelled"
		s.fanout.Broadcast(ctx, a.ID, domain.EventAuctionCancelled, a.State())
	} else {
		s.fanout.Broadcast(ctx, a.ID, domain.EventAuctionEnded, a.State())
	}

	if out.winnerID != "" {
		ev := domain.SettlementEvent{
			AuctionID: a.ID,
			WinnerID:  out.winnerID,
			SellerID:  a.SellerID,
			Amount:    out.amount,
			BidID:     out.bidID,
		}
		s.fanout.Notify(ctx, out.winnerID, a.ID, domain.EventAuctionWon, ev)
		s.fanout.Notify(ctx, a.SellerID, a.ID, domain.EventAuctionSold, ev)
	}
	for _, r := range out.released {
		s.fanout.Notify(ctx, r.userID, a.ID, domain.EventFundsReleased, domain.FundsReleasedEvent{
			AuctionID: a.ID,
			UserID:    r.userID,
			Amount:    r.amount,
			Reason:    reason,
		})
	}
}

// afterSettlement does the slow follow-up work of a settlement: audit,
// operator alert and archive. Failures are logged only.
func (s *Settler) afterSettlement(ctx context.Context, out *settlement) {
	if out == nil {
		return
	}
	a := out.auction
	s.audit(ctx, "auction_settled", map[string]any{
		"auction_id": a.ID,
		"winner_id":  out.winnerID,
		"amount":     out.amount.String(),
		"released":   len(out.released),
	})
	s.logger.InfoContext(ctx, "auction settled",
		slog.String("auction_id", a.ID),
		slog.String("winner_id", out.winnerID),
		slog.String("amount", out.amount.String()),
	)

	if out.winnerID != "" {
		s.alert(ctx, AlertAuctionSettled, "Auction settled",
			fmt.Sprintf("auction %s sold to %s for %s", a.ID, out.winnerID, out.amount))
	} else {
		s.alert(ctx, AlertAuctionSettled, "Auction ended",
			fmt.Sprintf("auction %s ended without bids", a.ID))
	}

	if s.archiver == nil {
		return
	}
	bids, err := s.store.Bids().ListByAuction(ctx, a.ID, domain.ListOpts{})
	if err != nil {
		s.logger.WarnContext(ctx, "archive: list bids failed",
			slog.String("auction_id", a.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	rec := domain.SettlementRecord{
		Auction:   a,
		WinnerID:  out.winnerID,
		Amount:    out.amount,
		Bids:      bids,
		SettledAt: out.at,
	}
	if err := s.archiver.ArchiveSettlement(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.WarnContext(ctx, "archive settlement failed",
			slog.String("auction_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Settler) audit(ctx context.Context, event string, detail map[string]any) {
	if err := s.store.Audit().Log(context.WithoutCancel(ctx), event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Settler) alert(ctx context.Context, event, title, message string) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Notify(context.WithoutCancel(ctx), event, title, message); err != nil {
		s.logger.WarnContext(ctx, "operator alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
