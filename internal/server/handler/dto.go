package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/evtrade/bidcore/internal/domain"
)

type auctionResponse struct {
	ID              string               `json:"id"`
	ItemID          string               `json:"item_id"`
	SellerID        string               `json:"seller_id"`
	StartingPrice   decimal.Decimal      `json:"starting_price"`
	CurrentPrice    decimal.Decimal      `json:"current_price"`
	StepPrice       decimal.Decimal      `json:"step_price"`
	BuyNowPrice     decimal.NullDecimal  `json:"buy_now_price"`
	MinNextBid      decimal.Decimal      `json:"min_next_bid"`
	TotalBids       int                  `json:"total_bids"`
	HighestBidID    string               `json:"highest_bid_id,omitempty"`
	HighestBidderID string               `json:"highest_bidder_id,omitempty"`
	StartTime       time.Time            `json:"start_time"`
	EndTime         time.Time            `json:"end_time"`
	Status          domain.AuctionStatus `json:"status"`
	Version         int64                `json:"version"`
	WinnerID        string               `json:"winner_id,omitempty"`
	SettledAt       *time.Time           `json:"settled_at,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

func toAuctionResponse(a domain.Auction) auctionResponse {
	return auctionResponse{
		ID:              a.ID,
		ItemID:          a.ItemID,
		SellerID:        a.SellerID,
		StartingPrice:   a.StartingPrice,
		CurrentPrice:    a.CurrentPrice,
		StepPrice:       a.StepPrice,
		BuyNowPrice:     a.BuyNowPrice,
		MinNextBid:      a.MinNextBid(),
		TotalBids:       a.TotalBids,
		HighestBidID:    a.HighestBidID,
		HighestBidderID: a.HighestBidderID,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime,
		Status:          a.Status,
		Version:         a.Version,
		WinnerID:        a.WinnerID,
		SettledAt:       a.SettledAt,
		CreatedAt:       a.CreatedAt,
	}
}

type bidResponse struct {
	ID         string          `json:"id"`
	AuctionID  string          `json:"auction_id"`
	BidderID   string          `json:"bidder_id"`
	BidderName string          `json:"bidder_name"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"created_at"`
}

func toBidResponses(bids []domain.Bid) []bidResponse {
	out := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, bidResponse{
			ID:         b.ID,
			AuctionID:  b.AuctionID,
			BidderID:   b.BidderID,
			BidderName: b.BidderName,
			Amount:     b.Amount,
			CreatedAt:  b.CreatedAt,
		})
	}
	return out
}

type walletResponse struct {
	ID        string              `json:"id"`
	OwnerID   string              `json:"owner_id"`
	Balance   decimal.Decimal     `json:"balance"`
	Held      decimal.Decimal     `json:"held"`
	Available decimal.Decimal     `json:"available"`
	Currency  string              `json:"currency"`
	Status    domain.WalletStatus `json:"status"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func toWalletResponse(w domain.Wallet) walletResponse {
	return walletResponse{
		ID:        w.ID,
		OwnerID:   w.OwnerID,
		Balance:   w.Balance,
		Held:      w.Held,
		Available: w.Available(),
		Currency:  w.Currency,
		Status:    w.Status,
		UpdatedAt: w.UpdatedAt,
	}
}

type transactionResponse struct {
	ID           string          `json:"id"`
	Type         domain.TxType   `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Reference    string          `json:"reference"`
	BidID        string          `json:"bid_id,omitempty"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	HeldAfter    decimal.Decimal `json:"held_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

func toTransactionResponses(txs []domain.WalletTransaction) []transactionResponse {
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, transactionResponse{
			ID:           t.ID,
			Type:         t.Type,
			Amount:       t.Amount,
			Reference:    t.Reference,
			BidID:        t.BidID,
			BalanceAfter: t.BalanceAfter,
			HeldAfter:    t.HeldAfter,
			CreatedAt:    t.CreatedAt,
		})
	}
	return out
}
