package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/evtrade/bidcore/internal/domain"
)

// BidStore implements domain.BidStore using PostgreSQL.
type BidStore struct {
	q querier
}

const bidSelectCols = `id, auction_id, bidder_id, bidder_name, amount::text, created_at`

func scanBid(row scanner) (domain.Bid, error) {
	var b domain.Bid
	var amount string
	if err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.BidderName, &amount, &b.CreatedAt); err != nil {
		return domain.Bid{}, err
	}
	d, err := parseDecimal(amount)
	if err != nil {
		return domain.Bid{}, err
	}
	b.Amount = d
	return b, nil
}

func scanBidRows(rows pgx.Rows) ([]domain.Bid, error) {
	var out []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Create inserts an accepted bid.
func (s *BidStore) Create(ctx context.Context, b domain.Bid) error {
	const query = `
		INSERT INTO bids (id, auction_id, bidder_id, bidder_name, amount, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)`
	_, err := s.q.Exec(ctx, query, b.ID, b.AuctionID, b.BidderID, b.BidderName, b.Amount.String(), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create bid %s: %w", b.ID, classify(err))
	}
	return nil
}

// Get retrieves a bid by id.
func (s *BidStore) Get(ctx context.Context, id string) (domain.Bid, error) {
	row := s.q.QueryRow(ctx, `SELECT `+bidSelectCols+` FROM bids WHERE id = $1`, id)
	b, err := scanBid(row)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("postgres: get bid %s: %w", id, classify(err))
	}
	return b, nil
}

// ListByAuction returns an auction's bids, newest first.
func (s *BidStore) ListByAuction(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.Bid, error) {
	return s.list(ctx, "auction_id", auctionID, opts)
}

// ListByBidder returns a bidder's bids across auctions, newest first.
func (s *BidStore) ListByBidder(ctx context.Context, bidderID string, opts domain.ListOpts) ([]domain.Bid, error) {
	return s.list(ctx, "bidder_id", bidderID, opts)
}

func (s *BidStore) list(ctx context.Context, column, value string, opts domain.ListOpts) ([]domain.Bid, error) {
	query := `SELECT ` + bidSelectCols + ` FROM bids WHERE ` + column + ` = $1`
	query, args := appendPaging(query, []any{value}, "created_at DESC, amount DESC", opts)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bids by %s: %w", column, classify(err))
	}
	defer rows.Close()

	out, err := scanBidRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bids: %w", err)
	}
	return out, nil
}

var _ domain.BidStore = (*BidStore)(nil)
