package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/evtrade/bidcore/internal/domain"
)

// LedgerService is what the wallet handler needs from the ledger.
type LedgerService interface {
	OpenWallet(ctx context.Context, ownerID string) (domain.Wallet, error)
	Deposit(ctx context.Context, ownerID string, amount decimal.Decimal, ref string) (domain.Wallet, error)
	Withdraw(ctx context.Context, ownerID string, amount decimal.Decimal, ref string) (domain.Wallet, error)
	Transactions(ctx context.Context, ownerID string, opts domain.ListOpts) ([]domain.WalletTransaction, error)
	Reconcile(ctx context.Context, ownerID string) (domain.Reconciliation, error)
}

// WalletHandler serves the caller's wallet.
type WalletHandler struct {
	ledger LedgerService
	logger *slog.Logger
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(ledger LedgerService, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{ledger: ledger, logger: logger}
}

// GetWallet returns the caller's wallet, opening an empty one on first use.
// GET /api/wallet
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requireUser(w, r)
	if !ok {
		return
	}
	wallet, err := h.ledger.OpenWallet(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.logger, "get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletResponse(wallet))
}

// ListTransactions returns the caller's ledger, newest first.
// GET /api/wallet/transactions
func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requireUser(w, r)
	if !ok {
		return
	}
	txs, err := h.ledger.Transactions(r.Context(), userID, parseListOpts(r))
	if err != nil {
		writeError(w, r, h.logger, "list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": toTransactionResponses(txs)})
}

type depositRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// Deposit credits the caller's wallet. A repeated reference is applied once.
// POST /api/wallet/deposit
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	wallet, err := h.ledger.Deposit(r.Context(), userID, req.Amount, req.Reference)
	if err != nil {
		writeError(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletResponse(wallet))
}

// Withdraw debits the caller's available funds. Held funds stay put.
// POST /api/wallet/withdraw
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	wallet, err := h.ledger.Withdraw(r.Context(), userID, req.Amount, req.Reference)
	if err != nil {
		writeError(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletResponse(wallet))
}

// Reconcile recomputes the caller's balances from the ledger.
// GET /api/wallet/reconcile
func (h *WalletHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requireUser(w, r)
	if !ok {
		return
	}
	rec, err := h.ledger.Reconcile(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.logger, "reconcile wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
