package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/evtrade/bidcore/internal/domain"
	"github.com/evtrade/bidcore/internal/service"
)

// AuctionService is what the auction handler needs from the service layer.
type AuctionService interface {
	Create(ctx context.Context, in service.CreateAuctionInput) (domain.Auction, error)
	Get(ctx context.Context, id string) (domain.Auction, error)
	List(ctx context.Context, filter domain.AuctionFilter, opts domain.ListOpts) ([]domain.Auction, error)
	Bids(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.Bid, error)
	BidderHistory(ctx context.Context, bidderID string, opts domain.ListOpts) ([]domain.Bid, error)
	State(ctx context.Context, id string) (domain.AuctionState, error)
	Cancel(ctx context.Context, id, requesterID string) (domain.Auction, error)
}

// BidService places bids.
type BidService interface {
	PlaceBid(ctx context.Context, req domain.BidRequest) (domain.BidResult, error)
	BuyNow(ctx context.Context, auctionID, buyerID, buyerName string) (domain.BidResult, error)
}

// AuctionHandler serves auction and bid endpoints.
type AuctionHandler struct {
	auctions AuctionService
	bids     BidService
	logger   *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler.
func NewAuctionHandler(auctions AuctionService, bids BidService, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{auctions: auctions, bids: bids, logger: logger}
}

type createAuctionRequest struct {
	ItemID        string              `json:"item_id"`
	StartingPrice decimal.Decimal     `json:"starting_price"`
	StepPrice     decimal.Decimal     `json:"step_price"`
	BuyNowPrice   decimal.NullDecimal `json:"buy_now_price"`
	StartTime     time.Time           `json:"start_time"`
	EndTime       time.Time           `json:"end_time"`
}

// CreateAuction creates an auction sold by the caller.
// POST /api/auctions
func (h *AuctionHandler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createAuctionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	a, err := h.auctions.Create(r.Context(), service.CreateAuctionInput{
		ItemID:        req.ItemID,
		SellerID:      userID,
		StartingPrice: req.StartingPrice,
		StepPrice:     req.StepPrice,
		BuyNowPrice:   req.BuyNowPrice,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
	})
	if err != nil {
		writeError(w, r, h.logger, "create auction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAuctionResponse(a))
}

// ListAuctions lists auctions, optionally by status or seller.
// GET /api/auctions?status=active&seller_id=...&limit=50&offset=0
func (h *AuctionHandler) ListAuctions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AuctionFilter{
		Status:   domain.AuctionStatus(q.Get("status")),
		SellerID: q.Get("seller_id"),
	}
	auctions, err := h.auctions.List(r.Context(), filter, parseListOpts(r))
	if err != nil {
		writeError(w, r, h.logger, "list auctions", err)
		return
	}
	out := make([]auctionResponse, 0, len(auctions))
	for _, a := range auctions {
		out = append(out, toAuctionResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"auctions": out})
}

// GetAuction returns one auction.
// GET /api/auctions/{id}
func (h *AuctionHandler) GetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := h.auctions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, "get auction", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuctionResponse(a))
}

// GetState returns the live state snapshot, served from the cache when
// possible. Clients re-fetch it after reconnecting.
// GET /api/auctions/{id}/state
func (h *AuctionHandler) GetState(w http.ResponseWriter, r *http.Request) {
	state, err := h.auctions.State(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, "get auction state", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ListBids returns an auction's bids, newest first.
// GET /api/auctions/{id}/bids
func (h *AuctionHandler) ListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.auctions.Bids(r.Context(), r.PathValue("id"), parseListOpts(r))
	if err != nil {
		writeError(w, r, h.logger, "list bids", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": toBidResponses(bids)})
}

// ListMyBids returns the caller's bids across auctions, newest first.
// GET /api/bids/mine
func (h *AuctionHandler) ListMyBids(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requireUser(w, r)
	if !ok {
		return
	}
	bids, err := h.auctions.BidderHistory(r.Context(), userID, parseListOpts(r))
	if err != nil {
		writeError(w, r, h.logger, "list my bids", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": toBidResponses(bids)})
}

type placeBidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PlaceBid submits a bid for the caller.
// POST /api/auctions/{id}/bids
func (h *AuctionHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	userID, name, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req placeBidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.bids.PlaceBid(r.Context(), domain.BidRequest{
		AuctionID:  r.PathValue("id"),
		BidderID:   userID,
		BidderName: name,
		Amount:     req.Amount,
	})
	if err != nil {
		writeError(w, r, h.logger, "place bid", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// BuyNow buys the auction at its buy-now price and ends it.
// POST /api/auctions/{id}/buy-now
func (h *AuctionHandler) BuyNow(w http.ResponseWriter, r *http.Request) {
	userID, name, ok := requireUser(w, r)
	if !ok {
		return
	}
	res, err := h.bids.BuyNow(r.Context(), r.PathValue("id"), userID, name)
	if err != nil {
		writeError(w, r, h.logger, "buy now", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// CancelAuction cancels the caller's own auction.
// POST /api/auctions/{id}/cancel
func (h *AuctionHandler) CancelAuction(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requireUser(w, r)
	if !ok {
		return
	}
	a, err := h.auctions.Cancel(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, r, h.logger, "cancel auction", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuctionResponse(a))
}
