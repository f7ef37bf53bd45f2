package domain

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// SettlementRecord is the archived outcome of a settled auction.
type SettlementRecord struct {
	Auction   Auction         `json:"auction"`
	WinnerID  string          `json:"winner_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Bids      []Bid           `json:"bids"`
	SettledAt time.Time       `json:"settled_at"`
}

// Archiver copies settled auctions to cold storage.
type Archiver interface {
	ArchiveSettlement(ctx context.Context, rec SettlementRecord) error
}
