package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evtrade/bidcore/internal/domain"
	"github.com/evtrade/bidcore/internal/metrics"
)

// BidConfig tunes the bid critical section.
type BidConfig struct {
	LockTimeout time.Duration
	LockTTL     time.Duration
	RateLimit   int
	RateWindow  time.Duration
}

// BidProcessor accepts or rejects bids. All writes for one auction happen
// under its distributed lock and inside one transaction, so at most one bid
// per auction is applied at a time and a rejected bid leaves no trace.
type BidProcessor struct {
	store   domain.Store
	ledger  *Ledger
	locks   domain.LockManager
	limiter domain.RateLimiter
	cache   domain.AuctionCache
	fanout  *Fanout
	settler *Settler
	metrics *metrics.Metrics
	cfg     BidConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewBidProcessor creates a BidProcessor. limiter, cache and m may be nil.
func NewBidProcessor(
	store domain.Store,
	ledger *Ledger,
	locks domain.LockManager,
	limiter domain.RateLimiter,
	cache domain.AuctionCache,
	fanout *Fanout,
	settler *Settler,
	m *metrics.Metrics,
	cfg BidConfig,
	logger *slog.Logger,
) *BidProcessor {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 3 * time.Second
	}
	if cfg.LockTTL < cfg.LockTimeout {
		cfg.LockTTL = 10 * time.Second
	}
	return &BidProcessor{
		store:   store,
		ledger:  ledger,
		locks:   locks,
		limiter: limiter,
		cache:   cache,
		fanout:  fanout,
		settler: settler,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "bid_processor")),
	}
}

// acceptedBid carries what must be published once the bid has committed.
type acceptedBid struct {
	result  domain.BidResult
	auction domain.Auction
	outbid  *domain.OutbidEvent
}

// PlaceBid validates req and, if it beats the current price, records it as
// the auction's highest bid, holds the amount in the bidder's wallet and
// releases the previous highest bidder's hold.
func (p *BidProcessor) PlaceBid(ctx context.Context, req domain.BidRequest) (domain.BidResult, error) {
	start := time.Now()
	res, err := p.placeBid(ctx, req)
	p.observe(ctx, "place_bid", req.AuctionID, req.BidderID, start, err)
	return res, err
}

func (p *BidProcessor) placeBid(ctx context.Context, req domain.BidRequest) (domain.BidResult, error) {
	if err := validateBid(req); err != nil {
		return domain.BidResult{}, err
	}
	if err := p.allow(ctx, req.BidderID); err != nil {
		return domain.BidResult{}, err
	}

	snapshot, err := p.store.Auctions().Get(ctx, req.AuctionID)
	if err != nil {
		return domain.BidResult{}, fmt.Errorf("bid: load auction: %w", err)
	}
	if err := checkBid(snapshot, req, p.now()); err != nil {
		return domain.BidResult{}, err
	}

	unlock, err := p.lockAuction(ctx, req.AuctionID)
	if err != nil {
		return domain.BidResult{}, err
	}
	defer unlock()

	var accepted acceptedBid
	err = p.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		a, err := tx.Auctions().GetForUpdate(ctx, req.AuctionID)
		if err != nil {
			return fmt.Errorf("bid: lock auction: %w", err)
		}
		if err := checkBid(a, req, p.now()); err != nil {
			if errors.Is(err, domain.ErrBidTooLow) && !a.CurrentPrice.Equal(snapshot.CurrentPrice) {
				return fmt.Errorf("bid: price moved from %s to %s: %w", snapshot.CurrentPrice, a.CurrentPrice, domain.ErrStaleBid)
			}
			return err
		}
		accepted, err = p.apply(ctx, tx, a, req)
		return err
	})
	if err != nil {
		return domain.BidResult{}, err
	}

	p.publishBid(ctx, accepted)
	p.audit(ctx, "bid_accepted", map[string]any{
		"auction_id": accepted.result.AuctionID,
		"bid_id":     accepted.result.BidID,
		"bidder_id":  req.BidderID,
		"amount":     req.Amount.String(),
	})
	return accepted.result, nil
}

// apply performs the writes of an accepted bid on the locked auction a.
func (p *BidProcessor) apply(ctx context.Context, tx domain.Tx, a domain.Auction, req domain.BidRequest) (acceptedBid, error) {
	owners := []string{req.BidderID}
	if a.HasBids() && a.HighestBidderID != req.BidderID {
		owners = append(owners, a.HighestBidderID)
	}
	wallets, err := tx.Wallets().LockByOwners(ctx, owners)
	if err != nil {
		return acceptedBid{}, fmt.Errorf("bid: lock wallets: %w", err)
	}
	bidderWallet, ok := wallets[req.BidderID]
	if !ok {
		return acceptedBid{}, fmt.Errorf("bid: bidder %s has no wallet: %w", req.BidderID, domain.ErrInsufficientFunds)
	}

	now := p.now()
	bid := domain.Bid{
		ID:         uuid.NewString(),
		AuctionID:  a.ID,
		BidderID:   req.BidderID,
		BidderName: req.BidderName,
		Amount:     req.Amount,
		CreatedAt:  now,
	}
	if bid.BidderName == "" {
		bid.BidderName = req.BidderID
	}
	if err := tx.Bids().Create(ctx, bid); err != nil {
		return acceptedBid{}, fmt.Errorf("bid: persist: %w", err)
	}

	ref := domain.AuctionRef(a.ID)
	lt := p.ledger.Within(tx)
	if _, err := lt.Hold(ctx, bidderWallet.ID, req.Amount, ref, bid.ID); err != nil {
		return acceptedBid{}, fmt.Errorf("bid: hold funds: %w", err)
	}

	var outbid *domain.OutbidEvent
	if prev, ok := wallets[a.HighestBidderID]; ok && a.HighestBidderID != req.BidderID {
		released, err := lt.Release(ctx, prev.ID, ref)
		if err != nil {
			return acceptedBid{}, fmt.Errorf("bid: release previous hold: %w", err)
		}
		outbid = &domain.OutbidEvent{
			AuctionID:       a.ID,
			OutbidUserID:    a.HighestBidderID,
			AmountToRelease: released,
			OriginalBidID:   a.HighestBidID,
		}
	}

	updated, err := tx.Auctions().ApplyBid(ctx, a.ID, a.Version, bid)
	if err != nil {
		return acceptedBid{}, fmt.Errorf("bid: apply: %w", err)
	}

	return acceptedBid{
		result: domain.BidResult{
			AuctionID:       a.ID,
			BidID:           bid.ID,
			NewCurrentPrice: updated.CurrentPrice,
			TotalBids:       updated.TotalBids,
			BidderName:      bid.BidderName,
			BidTime:         bid.CreatedAt,
		},
		auction: updated,
		outbid:  outbid,
	}, nil
}

// BuyNow buys the auction outright at its buy-now price. The purchase is
// recorded as the final bid and the auction is ended and settled in the
// same transaction.
func (p *BidProcessor) BuyNow(ctx context.Context, auctionID, buyerID, buyerName string) (domain.BidResult, error) {
	start := time.Now()
	res, err := p.buyNow(ctx, auctionID, buyerID, buyerName)
	p.observe(ctx, "buy_now", auctionID, buyerID, start, err)
	return res, err
}

func (p *BidProcessor) buyNow(ctx context.Context, auctionID, buyerID, buyerName string) (domain.BidResult, error) {
	if buyerID == "" {
		return domain.BidResult{}, fmt.Errorf("bid: missing buyer: %w", domain.ErrUnauthenticated)
	}
	if auctionID == "" {
		return domain.BidResult{}, fmt.Errorf("bid: missing auction id: %w", domain.ErrInvalidRequest)
	}
	if err := p.allow(ctx, buyerID); err != nil {
		return domain.BidResult{}, err
	}

	unlock, err := p.lockAuction(ctx, auctionID)
	if err != nil {
		return domain.BidResult{}, err
	}
	defer unlock()

	var (
		accepted acceptedBid
		outcome  *settlement
	)
	err = p.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		a, err := tx.Auctions().GetForUpdate(ctx, auctionID)
		if err != nil {
			return fmt.Errorf("bid: lock auction: %w", err)
		}
		now := p.now()
		switch {
		case !a.AcceptingBids(now):
			return fmt.Errorf("bid: auction %s is %s: %w", a.ID, a.Status, domain.ErrAuctionNotActive)
		case a.SellerID == buyerID:
			return fmt.Errorf("bid: seller cannot buy own auction: %w", domain.ErrForbidden)
		case !a.BuyNowAvailable():
			return fmt.Errorf("bid: auction %s: %w", a.ID, domain.ErrBuyNowUnavailable)
		}

		req := domain.BidRequest{
			AuctionID:  a.ID,
			BidderID:   buyerID,
			BidderName: buyerName,
			Amount:     a.BuyNowPrice.Decimal,
		}
		accepted, err = p.apply(ctx, tx, a, req)
		if err != nil {
			return err
		}

		ended := accepted.auction
		moved, err := tx.Auctions().Transition(ctx, ended.ID, domain.AuctionActive, domain.AuctionEnded, now)
		if err != nil {
			return fmt.Errorf("bid: end auction: %w", err)
		}
		if !moved {
			return fmt.Errorf("bid: auction %s changed status: %w", ended.ID, domain.ErrConflict)
		}
		ended.Status = domain.AuctionEnded
		ended.Version++
		outcome, err = p.settler.settleTx(ctx, tx, ended, now)
		return err
	})
	if err != nil {
		return domain.BidResult{}, err
	}

	p.publishBid(ctx, accepted)
	p.settler.publish(ctx, outcome)
	p.audit(ctx, "buy_now", map[string]any{
		"auction_id": auctionID,
		"bid_id":     accepted.result.BidID,
		"buyer_id":   buyerID,
		"amount":     accepted.result.NewCurrentPrice.String(),
	})
	p.settler.afterSettlement(ctx, outcome)
	return accepted.result, nil
}

func (p *BidProcessor) lockAuction(ctx context.Context, auctionID string) (func(), error) {
	waitStart := time.Now()
	unlock, err := acquireWithin(ctx, p.locks, auctionLockKey(auctionID), p.cfg.LockTTL, p.cfg.LockTimeout)
	p.metrics.ObserveLockWait(time.Since(waitStart))
	if err != nil {
		return nil, fmt.Errorf("bid: %w", err)
	}
	return unlock, nil
}

func (p *BidProcessor) allow(ctx context.Context, bidderID string) error {
	if p.limiter == nil || p.cfg.RateLimit <= 0 {
		return nil
	}
	ok, err := p.limiter.Allow(ctx, "bid:"+bidderID, p.cfg.RateLimit, p.cfg.RateWindow)
	if err != nil {
		// A broken limiter must not stop bidding.
		p.logger.WarnContext(ctx, "rate limiter unavailable",
			slog.String("bidder_id", bidderID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok {
		return fmt.Errorf("bid: bidder %s: %w", bidderID, domain.ErrRateLimited)
	}
	return nil
}

// publishBid runs after commit while the auction lock is still held, so
// watchers see accepted bids in the order they were applied.
func (p *BidProcessor) publishBid(ctx context.Context, b acceptedBid) {
	p.fanout.Broadcast(ctx, b.result.AuctionID, domain.EventBidAccepted, b.result)
	if b.outbid != nil {
		p.fanout.Notify(ctx, b.outbid.OutbidUserID, b.outbid.AuctionID, domain.EventOutbid, b.outbid)
	}
	if p.cache != nil {
		if err := p.cache.Set(context.WithoutCancel(ctx), b.auction.State()); err != nil {
			p.logger.WarnContext(ctx, "auction cache update failed",
				slog.String("auction_id", b.auction.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *BidProcessor) audit(ctx context.Context, event string, detail map[string]any) {
	if err := p.store.Audit().Log(context.WithoutCancel(ctx), event, detail); err != nil {
		p.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (p *BidProcessor) observe(ctx context.Context, op, auctionID, bidderID string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = domain.ErrorCode(err)
	}
	p.metrics.ObserveBid(result, time.Since(start))

	switch result {
	case "ok":
		p.logger.DebugContext(ctx, "bid accepted",
			slog.String("op", op),
			slog.String("auction_id", auctionID),
			slog.String("bidder_id", bidderID),
		)
	case domain.CodeInternal, domain.CodeConflict, domain.CodeTimeout:
		p.logger.ErrorContext(ctx, "bid failed",
			slog.String("op", op),
			slog.String("auction_id", auctionID),
			slog.String("bidder_id", bidderID),
			slog.String("code", result),
			slog.String("error", err.Error()),
		)
	default:
		p.logger.DebugContext(ctx, "bid rejected",
			slog.String("op", op),
			slog.String("auction_id", auctionID),
			slog.String("bidder_id", bidderID),
			slog.String("code", result),
		)
	}
}

func validateBid(req domain.BidRequest) error {
	switch {
	case req.BidderID == "":
		return fmt.Errorf("bid: missing bidder: %w", domain.ErrUnauthenticated)
	case req.AuctionID == "":
		return fmt.Errorf("bid: missing auction id: %w", domain.ErrInvalidRequest)
	case !req.Amount.IsPositive():
		return fmt.Errorf("bid: amount %s: %w", req.Amount, domain.ErrInvalidAmount)
	case !req.Amount.Equal(req.Amount.Round(2)):
		return fmt.Errorf("bid: amount %s has more than two decimals: %w", req.Amount, domain.ErrInvalidAmount)
	}
	return nil
}

// checkBid applies the business rules that depend on the auction's state.
func checkBid(a domain.Auction, req domain.BidRequest, now time.Time) error {
	switch {
	case !a.AcceptingBids(now):
		return fmt.Errorf("bid: auction %s is %s: %w", a.ID, a.Status, domain.ErrAuctionNotActive)
	case a.SellerID == req.BidderID:
		return fmt.Errorf("bid: seller cannot bid on own auction: %w", domain.ErrForbidden)
	case req.Amount.LessThan(a.MinNextBid()):
		return fmt.Errorf("bid: %s below minimum %s: %w", req.Amount, a.MinNextBid(), domain.ErrBidTooLow)
	case a.HighestBidderID == req.BidderID:
		return fmt.Errorf("bid: %w", domain.ErrAlreadyHighestBidder)
	}
	return nil
}
