package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus represents the lifecycle stage of an auction.
type AuctionStatus string

const (
	AuctionScheduled AuctionStatus = "scheduled"
	AuctionActive    AuctionStatus = "active"
	AuctionEnded     AuctionStatus = "ended"
	AuctionCancelled AuctionStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s AuctionStatus) Valid() bool {
	switch s {
	case AuctionScheduled, AuctionActive, AuctionEnded, AuctionCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionEnded || s == AuctionCancelled
}

// CanTransition reports whether moving from s to next is allowed.
// Transitions only move forward: scheduled -> active -> ended, with
// cancellation possible from either non-terminal state. A scheduled auction
// whose window passed without activation may go straight to ended.
func (s AuctionStatus) CanTransition(next AuctionStatus) bool {
	switch s {
	case AuctionScheduled:
		return next == AuctionActive || next == AuctionEnded || next == AuctionCancelled
	case AuctionActive:
		return next == AuctionEnded || next == AuctionCancelled
	}
	return false
}

// Auction is the mutable state of a single timed auction.
type Auction struct {
	ID              string
	ItemID          string
	SellerID        string
	StartingPrice   decimal.Decimal
	CurrentPrice    decimal.Decimal
	StepPrice       decimal.Decimal
	BuyNowPrice     decimal.NullDecimal
	TotalBids       int
	HighestBidID    string
	HighestBidderID string
	StartTime       time.Time
	EndTime         time.Time
	Status          AuctionStatus
	Version         int64
	WinnerID        string
	SettledAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MinNextBid is the smallest amount the next bid must reach.
func (a Auction) MinNextBid() decimal.Decimal {
	return a.CurrentPrice.Add(a.StepPrice)
}

// HasBids reports whether at least one bid has been accepted.
func (a Auction) HasBids() bool {
	return a.HighestBidID != ""
}

// AcceptingBids reports whether the auction is active and now lies within
// [StartTime, EndTime).
func (a Auction) AcceptingBids(now time.Time) bool {
	return a.Status == AuctionActive && !now.Before(a.StartTime) && now.Before(a.EndTime)
}

// BuyNowAvailable reports whether a buy-now purchase is still possible.
func (a Auction) BuyNowAvailable() bool {
	return a.BuyNowPrice.Valid && a.BuyNowPrice.Decimal.GreaterThan(a.CurrentPrice)
}

// InitialStatus returns the status a newly created auction starts in.
func InitialStatus(start, end, now time.Time) AuctionStatus {
	switch {
	case !now.Before(end):
		return AuctionEnded
	case !now.Before(start):
		return AuctionActive
	default:
		return AuctionScheduled
	}
}

// Validate checks the static fields of a new auction.
func (a Auction) Validate() error {
	switch {
	case a.ItemID == "":
		return fmt.Errorf("%w: item id is required", ErrInvalidAuction)
	case a.SellerID == "":
		return fmt.Errorf("%w: seller id is required", ErrInvalidAuction)
	case !a.StartingPrice.IsPositive():
		return fmt.Errorf("%w: starting price must be positive", ErrInvalidAuction)
	case !a.StepPrice.IsPositive():
		return fmt.Errorf("%w: step price must be positive", ErrInvalidAuction)
	case !a.EndTime.After(a.StartTime):
		return fmt.Errorf("%w: end time must be after start time", ErrInvalidAuction)
	}
	if a.BuyNowPrice.Valid && !a.BuyNowPrice.Decimal.GreaterThan(a.StartingPrice) {
		return fmt.Errorf("%w: buy-now price must exceed starting price", ErrInvalidAuction)
	}
	return nil
}

// AuctionRef is the ledger reference used for holds placed on an auction.
func AuctionRef(auctionID string) string {
	return "auction:" + auctionID
}

// SettlementRef is the ledger reference used for settlement debits and
// credits of an auction.
func SettlementRef(auctionID string) string {
	return "settlement:" + auctionID
}

// DepositRef and WithdrawalRef namespace caller-supplied references so they
// can never collide with the references the engine assigns to auctions and
// settlements.
func DepositRef(ref string) string {
	return "deposit:" + ref
}

func WithdrawalRef(ref string) string {
	return "withdrawal:" + ref
}

// AuctionState is the public snapshot broadcast to clients and cached.
type AuctionState struct {
	AuctionID       string          `json:"auction_id"`
	Status          AuctionStatus   `json:"status"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	MinNextBid      decimal.Decimal `json:"min_next_bid"`
	TotalBids       int             `json:"total_bids"`
	HighestBidderID string          `json:"highest_bidder_id,omitempty"`
	EndTime         time.Time       `json:"end_time"`
	Version         int64           `json:"version"`
}

// State returns the public snapshot of a.
func (a Auction) State() AuctionState {
	return AuctionState{
		AuctionID:       a.ID,
		Status:          a.Status,
		CurrentPrice:    a.CurrentPrice,
		MinNextBid:      a.MinNextBid(),
		TotalBids:       a.TotalBids,
		HighestBidderID: a.HighestBidderID,
		EndTime:         a.EndTime,
		Version:         a.Version,
	}
}
