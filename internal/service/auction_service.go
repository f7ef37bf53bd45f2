package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/evtrade/bidcore/internal/domain"
)

// CreateAuctionInput holds the seller-supplied fields of a new auction.
type CreateAuctionInput struct {
	ItemID        string
	SellerID      string
	StartingPrice decimal.Decimal
	StepPrice     decimal.Decimal
	BuyNowPrice   decimal.NullDecimal
	StartTime     time.Time
	EndTime       time.Time
}

// AuctionService handles auction creation and read access.
type AuctionService struct {
	store   domain.Store
	cache   domain.AuctionCache
	settler *Settler
	fanout  *Fanout
	now     func() time.Time
	logger  *slog.Logger
}

// NewAuctionService creates an AuctionService. cache may be nil.
func NewAuctionService(store domain.Store, cache domain.AuctionCache, settler *Settler, fanout *Fanout, logger *slog.Logger) *AuctionService {
	return &AuctionService{
		store:   store,
		cache:   cache,
		settler: settler,
		fanout:  fanout,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "auction_service")),
	}
}

// Create validates and stores a new auction. Auctions whose start time has
// already passed open immediately.
func (s *AuctionService) Create(ctx context.Context, in CreateAuctionInput) (domain.Auction, error) {
	now := s.now()
	a := domain.Auction{
		ID:            uuid.NewString(),
		ItemID:        in.ItemID,
		SellerID:      in.SellerID,
		StartingPrice: in.StartingPrice,
		CurrentPrice:  in.StartingPrice,
		StepPrice:     in.StepPrice,
		BuyNowPrice:   in.BuyNowPrice,
		StartTime:     in.StartTime.UTC(),
		EndTime:       in.EndTime.UTC(),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.Validate(); err != nil {
		return domain.Auction{}, err
	}
	a.Status = domain.InitialStatus(a.StartTime, a.EndTime, now)
	if a.Status == domain.AuctionEnded {
		return domain.Auction{}, fmt.Errorf("end time %s already passed: %w", a.EndTime.Format(time.RFC3339), domain.ErrInvalidAuction)
	}

	if err := s.store.Auctions().Create(ctx, a); err != nil {
		return domain.Auction{}, fmt.Errorf("auction_service: create: %w", err)
	}
	s.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", a.ID),
		slog.String("seller_id", a.SellerID),
		slog.String("status", string(a.Status)),
	)
	if err := s.store.Audit().Log(ctx, "auction_created", map[string]any{
		"auction_id": a.ID,
		"seller_id":  a.SellerID,
		"item_id":    a.ItemID,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
	if a.Status == domain.AuctionActive {
		s.fanout.Broadcast(ctx, a.ID, domain.EventAuctionStarted, a.State())
	}
	return a, nil
}

// Get returns an auction by id.
func (s *AuctionService) Get(ctx context.Context, id string) (domain.Auction, error) {
	return s.store.Auctions().Get(ctx, id)
}

// List pages auctions matching filter, newest first.
func (s *AuctionService) List(ctx context.Context, filter domain.AuctionFilter, opts domain.ListOpts) ([]domain.Auction, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("status %q: %w", filter.Status, domain.ErrInvalidRequest)
	}
	return s.store.Auctions().List(ctx, filter, opts)
}

// Bids pages the bid history of an auction.
func (s *AuctionService) Bids(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.Bid, error) {
	if _, err := s.store.Auctions().Get(ctx, auctionID); err != nil {
		return nil, err
	}
	return s.store.Bids().ListByAuction(ctx, auctionID, opts)
}

// BidderHistory pages every bid placed by bidderID.
func (s *AuctionService) BidderHistory(ctx context.Context, bidderID string, opts domain.ListOpts) ([]domain.Bid, error) {
	return s.store.Bids().ListByBidder(ctx, bidderID, opts)
}

// State returns the public state of an auction, served from the cache when
// possible.
func (s *AuctionService) State(ctx context.Context, id string) (domain.AuctionState, error) {
	if s.cache != nil {
		state, err := s.cache.Get(ctx, id)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "auction cache read failed",
				slog.String("auction_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	a, err := s.store.Auctions().Get(ctx, id)
	if err != nil {
		return domain.AuctionState{}, err
	}
	state := a.State()
	if s.cache != nil {
		if err := s.cache.Set(ctx, state); err != nil {
			s.logger.WarnContext(ctx, "auction cache update failed",
				slog.String("auction_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return state, nil
}

// Cancel withdraws an auction on behalf of its seller.
func (s *AuctionService) Cancel(ctx context.Context, id, requesterID string) (domain.Auction, error) {
	return s.settler.Cancel(ctx, id, requesterID)
}
