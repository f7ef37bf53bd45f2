package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/evtrade/bidcore/internal/domain"
)

// AuctionStore implements domain.AuctionStore in memory.
type AuctionStore struct {
	view
}

// Create stores a new auction.
func (s *AuctionStore) Create(_ context.Context, a domain.Auction) error {
	defer s.lock()()
	if _, ok := s.s.d.auctions[a.ID]; ok {
		return fmt.Errorf("memory: create auction %s: %w", a.ID, domain.ErrAlreadyExists)
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	s.s.d.auctions[a.ID] = a
	return nil
}

// Get retrieves an auction by id.
func (s *AuctionStore) Get(_ context.Context, id string) (domain.Auction, error) {
	defer s.lock()()
	a, ok := s.s.d.auctions[id]
	if !ok {
		return domain.Auction{}, fmt.Errorf("memory: get auction %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

// GetForUpdate is Get; the transaction already has exclusive access.
func (s *AuctionStore) GetForUpdate(ctx context.Context, id string) (domain.Auction, error) {
	return s.Get(ctx, id)
}

// List returns auctions matching filter ordered by start time, latest first.
func (s *AuctionStore) List(_ context.Context, filter domain.AuctionFilter, opts domain.ListOpts) ([]domain.Auction, error) {
	defer s.lock()()
	var out []domain.Auction
	for _, a := range s.s.d.auctions {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.SellerID != "" && a.SellerID != filter.SellerID {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(x, y domain.Auction) int {
		if c := y.StartTime.Compare(x.StartTime); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	return paginate(out, opts, func(a domain.Auction) time.Time { return a.CreatedAt }), nil
}

// ListStartDue pages scheduled auctions whose start time has passed.
func (s *AuctionStore) ListStartDue(_ context.Context, now time.Time, afterID string, limit int) ([]domain.Auction, error) {
	defer s.lock()()
	return s.due(afterID, limit, func(a domain.Auction) bool {
		return a.Status == domain.AuctionScheduled && !a.StartTime.After(now)
	}), nil
}

// ListEndDue pages active auctions whose end time has passed.
func (s *AuctionStore) ListEndDue(_ context.Context, now time.Time, afterID string, limit int) ([]domain.Auction, error) {
	defer s.lock()()
	return s.due(afterID, limit, func(a domain.Auction) bool {
		return a.Status == domain.AuctionActive && !a.EndTime.After(now)
	}), nil
}

func (s *AuctionStore) due(afterID string, limit int, match func(domain.Auction) bool) []domain.Auction {
	var out []domain.Auction
	for _, a := range s.s.d.auctions {
		if a.ID > afterID && match(a) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(x, y domain.Auction) int { return strings.Compare(x.ID, y.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Transition performs a status-conditioned update.
func (s *AuctionStore) Transition(_ context.Context, id string, from, to domain.AuctionStatus, at time.Time) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("memory: transition auction %s %s->%s: %w", id, from, to, domain.ErrInvalidRequest)
	}
	defer s.lock()()
	a, ok := s.s.d.auctions[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	a.Version++
	a.UpdatedAt = at
	s.s.d.auctions[id] = a
	return true, nil
}

// ApplyBid records bid as the highest bid under a version check.
func (s *AuctionStore) ApplyBid(_ context.Context, id string, expectedVersion int64, bid domain.Bid) (domain.Auction, error) {
	defer s.lock()()
	a, ok := s.s.d.auctions[id]
	if !ok {
		return domain.Auction{}, fmt.Errorf("memory: apply bid to auction %s: %w", id, domain.ErrNotFound)
	}
	if a.Version != expectedVersion {
		return domain.Auction{}, fmt.Errorf("memory: apply bid to auction %s: %w", id, domain.ErrConflict)
	}
	a.CurrentPrice = bid.Amount
	a.HighestBidID = bid.ID
	a.HighestBidderID = bid.BidderID
	a.TotalBids++
	a.Version++
	a.UpdatedAt = bid.CreatedAt
	s.s.d.auctions[id] = a
	return a, nil
}

// MarkSettled records the winner once.
func (s *AuctionStore) MarkSettled(_ context.Context, id, winnerID string, at time.Time) error {
	defer s.lock()()
	a, ok := s.s.d.auctions[id]
	if !ok {
		return fmt.Errorf("memory: mark auction %s settled: %w", id, domain.ErrNotFound)
	}
	if a.SettledAt != nil {
		return fmt.Errorf("memory: mark auction %s settled: %w", id, domain.ErrConflict)
	}
	settled := at
	a.WinnerID = winnerID
	a.SettledAt = &settled
	a.Version++
	a.UpdatedAt = at
	s.s.d.auctions[id] = a
	return nil
}

// BidStore implements domain.BidStore in memory.
type BidStore struct {
	view
}

// Create stores an accepted bid.
func (s *BidStore) Create(_ context.Context, b domain.Bid) error {
	defer s.lock()()
	if _, ok := s.s.d.bids[b.ID]; ok {
		return fmt.Errorf("memory: create bid %s: %w", b.ID, domain.ErrAlreadyExists)
	}
	s.s.d.bids[b.ID] = b
	s.s.d.bidOrder = append(s.s.d.bidOrder, b.ID)
	return nil
}

// Get retrieves a bid by id.
func (s *BidStore) Get(_ context.Context, id string) (domain.Bid, error) {
	defer s.lock()()
	b, ok := s.s.d.bids[id]
	if !ok {
		return domain.Bid{}, fmt.Errorf("memory: get bid %s: %w", id, domain.ErrNotFound)
	}
	return b, nil
}

// ListByAuction returns an auction's bids, newest first.
func (s *BidStore) ListByAuction(_ context.Context, auctionID string, opts domain.ListOpts) ([]domain.Bid, error) {
	defer s.lock()()
	return s.list(opts, func(b domain.Bid) bool { return b.AuctionID == auctionID }), nil
}

// ListByBidder returns a bidder's bids, newest first.
func (s *BidStore) ListByBidder(_ context.Context, bidderID string, opts domain.ListOpts) ([]domain.Bid, error) {
	defer s.lock()()
	return s.list(opts, func(b domain.Bid) bool { return b.BidderID == bidderID }), nil
}

func (s *BidStore) list(opts domain.ListOpts, match func(domain.Bid) bool) []domain.Bid {
	var out []domain.Bid
	for i := len(s.s.d.bidOrder) - 1; i >= 0; i-- {
		b := s.s.d.bids[s.s.d.bidOrder[i]]
		if match(b) {
			out = append(out, b)
		}
	}
	return paginate(out, opts, func(b domain.Bid) time.Time { return b.CreatedAt })
}

var (
	_ domain.AuctionStore = (*AuctionStore)(nil)
	_ domain.BidStore     = (*BidStore)(nil)
)
