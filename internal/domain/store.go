package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuctionFilter narrows auction listings.
type AuctionFilter struct {
	Status   AuctionStatus
	SellerID string
}

// AuctionStore persists auctions.
type AuctionStore interface {
	Create(ctx context.Context, a Auction) error
	Get(ctx context.Context, id string) (Auction, error)
	// GetForUpdate reads the auction and, inside a transaction, locks its row
	// until commit. It returns ErrTimeout if the row lock cannot be obtained
	// in time.
	GetForUpdate(ctx context.Context, id string) (Auction, error)
	List(ctx context.Context, filter AuctionFilter, opts ListOpts) ([]Auction, error)
	// ListStartDue pages scheduled auctions whose start time is at or before
	// now, ordered by id and strictly after afterID.
	ListStartDue(ctx context.Context, now time.Time, afterID string, limit int) ([]Auction, error)
	// ListEndDue pages active auctions whose end time is at or before now.
	ListEndDue(ctx context.Context, now time.Time, afterID string, limit int) ([]Auction, error)
	// Transition moves the auction from one status to another only if it is
	// still in from. It reports whether the row changed.
	Transition(ctx context.Context, id string, from, to AuctionStatus, at time.Time) (bool, error)
	// ApplyBid records bid as the new highest bid if the stored version still
	// equals expectedVersion, returning the updated auction. A version
	// mismatch yields ErrConflict.
	ApplyBid(ctx context.Context, id string, expectedVersion int64, bid Bid) (Auction, error)
	MarkSettled(ctx context.Context, id, winnerID string, at time.Time) error
}

// BidStore persists accepted bids.
type BidStore interface {
	Create(ctx context.Context, b Bid) error
	Get(ctx context.Context, id string) (Bid, error)
	ListByAuction(ctx context.Context, auctionID string, opts ListOpts) ([]Bid, error)
	ListByBidder(ctx context.Context, bidderID string, opts ListOpts) ([]Bid, error)
}

// WalletStore persists wallets, their ledger and their holds.
type WalletStore interface {
	Create(ctx context.Context, w Wallet) error
	Get(ctx context.Context, id string) (Wallet, error)
	GetByOwner(ctx context.Context, ownerID string) (Wallet, error)
	GetForUpdate(ctx context.Context, id string) (Wallet, error)
	// LockByOwners locks the wallets of the given owners in ascending wallet
	// id order. Owners without a wallet are absent from the result.
	LockByOwners(ctx context.Context, ownerIDs []string) (map[string]Wallet, error)
	// UpdateBalances writes balance, held and status if the stored version
	// equals w.Version and returns the wallet with its new version.
	UpdateBalances(ctx context.Context, w Wallet) (Wallet, error)

	AppendTransaction(ctx context.Context, t WalletTransaction) error
	HasTransaction(ctx context.Context, walletID string, typ TxType, ref string) (bool, error)
	ListTransactions(ctx context.Context, walletID string, opts ListOpts) ([]WalletTransaction, error)
	SumTransactions(ctx context.Context, walletID string) (map[TxType]decimal.Decimal, error)

	// ActiveHold returns the active hold for (walletID, ref) or ErrNotFound.
	ActiveHold(ctx context.Context, walletID, ref string) (Hold, error)
	CreateHold(ctx context.Context, h Hold) error
	ReleaseHold(ctx context.Context, holdID string, at time.Time) error
	ListActiveHolds(ctx context.Context, ref string) ([]Hold, error)
	SumActiveHolds(ctx context.Context, walletID string) (decimal.Decimal, error)
}

// Tx exposes the stores bound to one database transaction.
type Tx interface {
	Auctions() AuctionStore
	Bids() BidStore
	Wallets() WalletStore
}

// TxRunner runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store is the full persistence layer: autocommit accessors plus
// transactions.
type Store interface {
	Tx
	TxRunner
	Audit() AuditStore
	Ping(ctx context.Context) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
