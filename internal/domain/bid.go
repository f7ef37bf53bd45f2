package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bid is an accepted offer on an auction. Bids are immutable once stored;
// whether a bid is still winning is derived from the auction's highest bid.
type Bid struct {
	ID         string
	AuctionID  string
	BidderID   string
	BidderName string
	Amount     decimal.Decimal
	CreatedAt  time.Time
}

// BidRequest is a bidder's attempt to place a bid.
type BidRequest struct {
	AuctionID  string
	BidderID   string
	BidderName string
	Amount     decimal.Decimal
}

// BidResult describes an accepted bid. It doubles as the broadcast payload
// sent to everyone watching the auction.
type BidResult struct {
	AuctionID       string          `json:"auction_id"`
	BidID           string          `json:"bid_id"`
	NewCurrentPrice decimal.Decimal `json:"new_current_price"`
	TotalBids       int             `json:"total_bids"`
	BidderName      string          `json:"bidder_name"`
	BidTime         time.Time       `json:"bid_time"`
}

// OutbidEvent is sent directly to a bidder whose hold was released because
// somebody else placed a higher bid.
type OutbidEvent struct {
	AuctionID       string          `json:"auction_id"`
	OutbidUserID    string          `json:"outbid_user_id"`
	AmountToRelease decimal.Decimal `json:"amount_to_release"`
	OriginalBidID   string          `json:"original_bid_id"`
}
