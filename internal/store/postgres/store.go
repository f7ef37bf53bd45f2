package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/evtrade/bidcore/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so every store can
// run either in autocommit mode or bound to a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// scanner is implemented by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Store implements domain.Store on a pgx connection pool.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	audit       *AuditStore
}

// NewStore creates a Store. lockTimeout bounds how long a transaction waits
// for a row lock before failing with domain.ErrTimeout.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{
		pool:        pool,
		lockTimeout: lockTimeout,
		audit:       NewAuditStore(pool),
	}
}

func (s *Store) Auctions() domain.AuctionStore { return &AuctionStore{q: s.pool} }
func (s *Store) Bids() domain.BidStore         { return &BidStore{q: s.pool} }
func (s *Store) Wallets() domain.WalletStore   { return &WalletStore{q: s.pool} }
func (s *Store) Audit() domain.AuditStore      { return s.audit }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction with a local lock_timeout.
// Row locks taken through the transactional stores are held until commit.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if s.lockTimeout > 0 {
		// SET does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: set lock_timeout: %w", classify(err))
		}
	}

	if err := fn(ctx, txStores{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", classify(err))
	}
	return nil
}

type txStores struct {
	q querier
}

func (t txStores) Auctions() domain.AuctionStore { return &AuctionStore{q: t.q} }
func (t txStores) Bids() domain.BidStore         { return &BidStore{q: t.q} }
func (t txStores) Wallets() domain.WalletStore   { return &WalletStore{q: t.q} }

// PostgreSQL error codes mapped onto the domain taxonomy.
const (
	pgLockNotAvailable     = "55P03"
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
)

// classify maps driver errors onto domain sentinels while keeping the
// original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable:
			return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		case pgDeadlockDetected, pgSerializationFailure:
			return fmt.Errorf("%w: %w", domain.ErrConflict, err)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %w", domain.ErrAlreadyExists, err)
		}
	}
	return err
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse numeric %q: %w", s, err)
	}
	return d, nil
}

// appendPaging adds ORDER BY, LIMIT and OFFSET clauses.
func appendPaging(query string, args []any, orderBy string, opts domain.ListOpts) (string, []any) {
	argIdx := len(args) + 1
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY " + orderBy

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// Compile-time interface checks.
var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = txStores{}
)
