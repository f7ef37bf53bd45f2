package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletStatus indicates whether a wallet may take on new obligations.
type WalletStatus string

const (
	WalletActive WalletStatus = "active"
	WalletFrozen WalletStatus = "frozen"
)

// Wallet is a user's funds. Held is the portion of Balance reserved for
// outstanding bids.
type Wallet struct {
	ID        string
	OwnerID   string
	Balance   decimal.Decimal
	Held      decimal.Decimal
	Currency  string
	Status    WalletStatus
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available is the balance not reserved by holds.
func (w Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Held)
}

// TxType classifies a ledger entry.
type TxType string

const (
	TxHold    TxType = "hold"
	TxRelease TxType = "release"
	TxDebit   TxType = "debit"
	TxCredit  TxType = "credit"
)

// WalletTransaction is an append-only ledger entry. Amount is always
// positive; the type carries the direction.
type WalletTransaction struct {
	ID           string
	WalletID     string
	Type         TxType
	Amount       decimal.Decimal
	Reference    string
	BidID        string
	BalanceAfter decimal.Decimal
	HeldAfter    decimal.Decimal
	CreatedAt    time.Time
}

// HoldStatus is the state of a hold.
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldReleased HoldStatus = "released"
)

// Hold reserves part of a wallet for a bid. At most one hold per
// (wallet, reference) is active at a time.
type Hold struct {
	ID         string
	WalletID   string
	Reference  string
	BidID      string
	Amount     decimal.Decimal
	Status     HoldStatus
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

// Reconciliation compares a wallet's stored totals against its ledger.
type Reconciliation struct {
	WalletID      string          `json:"wallet_id"`
	Balance       decimal.Decimal `json:"balance"`
	Held          decimal.Decimal `json:"held"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	LedgerHeld    decimal.Decimal `json:"ledger_held"`
	ActiveHolds   decimal.Decimal `json:"active_holds"`
	Consistent    bool            `json:"consistent"`
}
