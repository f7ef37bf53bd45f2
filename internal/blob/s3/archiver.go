package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evtrade/bidcore/internal/domain"
)

// multipartThreshold is the payload size above which an archive is uploaded
// in parts. Auctions with very long bid histories cross it.
const multipartThreshold = 8 * 1024 * 1024

// Archiver implements domain.Archiver by writing one JSON document per
// settled auction to settlements/YYYY/MM/DD/<auction id>.json. Writing the
// same auction twice overwrites the object, so retries are safe.
type Archiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, audit: audit}
}

// ArchiveSettlement uploads rec and records the object path in the audit log.
func (a *Archiver) ArchiveSettlement(ctx context.Context, rec domain.SettlementRecord) error {
	if rec.Auction.ID == "" {
		return fmt.Errorf("s3blob: archive settlement: %w", domain.ErrInvalidRequest)
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("s3blob: archive settlement marshal: %w", err)
	}

	path := SettlementPath(rec.Auction.ID, rec.SettledAt)
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json")
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive settlement upload: %w", err)
	}

	if a.audit == nil {
		return nil
	}
	if err := a.audit.Log(ctx, "archive.settlement", map[string]any{
		"auction_id": rec.Auction.ID,
		"path":       path,
		"bids":       len(rec.Bids),
	}); err != nil {
		return fmt.Errorf("s3blob: archive settlement audit log: %w", err)
	}
	return nil
}

// SettlementPath builds the object key for a settled auction, partitioned by
// the UTC settlement day.
//
//	settlements/2026/03/01/8f0c….json
func SettlementPath(auctionID string, settledAt time.Time) string {
	return fmt.Sprintf("settlements/%s/%s.json", settledAt.UTC().Format("2006/01/02"), auctionID)
}
