package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/evtrade/bidcore/internal/domain"
)

// AuctionStore implements domain.AuctionStore using PostgreSQL.
type AuctionStore struct {
	q querier
}

const auctionSelectCols = `id, item_id, seller_id,
	starting_price::text, current_price::text, step_price::text, buy_now_price::text,
	total_bids, highest_bid_id, highest_bidder_id, start_time, end_time,
	status, version, winner_id, settled_at, created_at, updated_at`

func scanAuction(row scanner) (domain.Auction, error) {
	var (
		a                                      domain.Auction
		startingPrice, currentPrice, stepPrice string
		buyNowPrice                            *string
		status                                 string
	)
	err := row.Scan(
		&a.ID, &a.ItemID, &a.SellerID,
		&startingPrice, &currentPrice, &stepPrice, &buyNowPrice,
		&a.TotalBids, &a.HighestBidID, &a.HighestBidderID, &a.StartTime, &a.EndTime,
		&status, &a.Version, &a.WinnerID, &a.SettledAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.Auction{}, err
	}
	a.Status = domain.AuctionStatus(status)

	if a.StartingPrice, err = parseDecimal(startingPrice); err != nil {
		return domain.Auction{}, err
	}
	if a.CurrentPrice, err = parseDecimal(currentPrice); err != nil {
		return domain.Auction{}, err
	}
	if a.StepPrice, err = parseDecimal(stepPrice); err != nil {
		return domain.Auction{}, err
	}
	if buyNowPrice != nil {
		d, err := parseDecimal(*buyNowPrice)
		if err != nil {
			return domain.Auction{}, err
		}
		a.BuyNowPrice = decimal.NewNullDecimal(d)
	}
	return a, nil
}

func scanAuctionRows(rows pgx.Rows) ([]domain.Auction, error) {
	var out []domain.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create inserts a new auction.
func (s *AuctionStore) Create(ctx context.Context, a domain.Auction) error {
	var buyNow *string
	if a.BuyNowPrice.Valid {
		v := a.BuyNowPrice.Decimal.String()
		buyNow = &v
	}

	const query = `
		INSERT INTO auctions (
			id, item_id, seller_id, starting_price, current_price, step_price, buy_now_price,
			start_time, end_time, status, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric,
			$8, $9, $10, $11, $12, $12
		)`
	_, err := s.q.Exec(ctx, query,
		a.ID, a.ItemID, a.SellerID,
		a.StartingPrice.String(), a.CurrentPrice.String(), a.StepPrice.String(), buyNow,
		a.StartTime, a.EndTime, string(a.Status), a.Version, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create auction %s: %w", a.ID, classify(err))
	}
	return nil
}

// Get retrieves an auction by id.
func (s *AuctionStore) Get(ctx context.Context, id string) (domain.Auction, error) {
	return s.get(ctx, id, "")
}

// GetForUpdate retrieves an auction and locks its row for the rest of the
// enclosing transaction.
func (s *AuctionStore) GetForUpdate(ctx context.Context, id string) (domain.Auction, error) {
	return s.get(ctx, id, " FOR UPDATE")
}

func (s *AuctionStore) get(ctx context.Context, id, suffix string) (domain.Auction, error) {
	row := s.q.QueryRow(ctx, `SELECT `+auctionSelectCols+` FROM auctions WHERE id = $1`+suffix, id)
	a, err := scanAuction(row)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("postgres: get auction %s: %w", id, classify(err))
	}
	return a, nil
}

// List returns auctions matching filter, newest first.
func (s *AuctionStore) List(ctx context.Context, filter domain.AuctionFilter, opts domain.ListOpts) ([]domain.Auction, error) {
	query := `SELECT ` + auctionSelectCols + ` FROM auctions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.SellerID != "" {
		args = append(args, filter.SellerID)
		query += fmt.Sprintf(" AND seller_id = $%d", len(args))
	}
	query, args = appendPaging(query, args, "start_time DESC, id", opts)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list auctions: %w", classify(err))
	}
	defer rows.Close()

	out, err := scanAuctionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan auctions: %w", err)
	}
	return out, nil
}

// ListStartDue pages scheduled auctions whose start time has passed.
func (s *AuctionStore) ListStartDue(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Auction, error) {
	return s.listDue(ctx, "status = 'scheduled' AND start_time <= $1", now, afterID, limit)
}

// ListEndDue pages active auctions whose end time has passed.
func (s *AuctionStore) ListEndDue(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Auction, error) {
	return s.listDue(ctx, "status = 'active' AND end_time <= $1", now, afterID, limit)
}

func (s *AuctionStore) listDue(ctx context.Context, cond string, now time.Time, afterID string, limit int) ([]domain.Auction, error) {
	query := `SELECT ` + auctionSelectCols + ` FROM auctions
		WHERE ` + cond + ` AND id > $2
		ORDER BY id
		LIMIT $3`
	rows, err := s.q.Query(ctx, query, now, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due auctions: %w", classify(err))
	}
	defer rows.Close()

	out, err := scanAuctionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan due auctions: %w", err)
	}
	return out, nil
}

// Transition performs a status-conditioned update.
func (s *AuctionStore) Transition(ctx context.Context, id string, from, to domain.AuctionStatus, at time.Time) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("postgres: transition auction %s %s->%s: %w", id, from, to, domain.ErrInvalidRequest)
	}
	const query = `
		UPDATE auctions
		SET status = $3, version = version + 1, updated_at = $4
		WHERE id = $1 AND status = $2`
	tag, err := s.q.Exec(ctx, query, id, string(from), string(to), at)
	if err != nil {
		return false, fmt.Errorf("postgres: transition auction %s: %w", id, classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyBid records bid as the highest bid under an optimistic version check.
func (s *AuctionStore) ApplyBid(ctx context.Context, id string, expectedVersion int64, bid domain.Bid) (domain.Auction, error) {
	query := `
		UPDATE auctions
		SET current_price = $3::numeric,
			highest_bid_id = $4,
			highest_bidder_id = $5,
			total_bids = total_bids + 1,
			version = version + 1,
			updated_at = $6
		WHERE id = $1 AND version = $2
		RETURNING ` + auctionSelectCols
	row := s.q.QueryRow(ctx, query, id, expectedVersion, bid.Amount.String(), bid.ID, bid.BidderID, bid.CreatedAt)
	a, err := scanAuction(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Auction{}, fmt.Errorf("postgres: apply bid to auction %s: %w", id, domain.ErrConflict)
		}
		return domain.Auction{}, fmt.Errorf("postgres: apply bid to auction %s: %w", id, classify(err))
	}
	return a, nil
}

// MarkSettled records the winner and settlement time once.
func (s *AuctionStore) MarkSettled(ctx context.Context, id, winnerID string, at time.Time) error {
	const query = `
		UPDATE auctions
		SET winner_id = $2, settled_at = $3, version = version + 1, updated_at = $3
		WHERE id = $1 AND settled_at IS NULL`
	tag, err := s.q.Exec(ctx, query, id, winnerID, at)
	if err != nil {
		return fmt.Errorf("postgres: mark auction %s settled: %w", id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark auction %s settled: %w", id, domain.ErrConflict)
	}
	return nil
}

var _ domain.AuctionStore = (*AuctionStore)(nil)
