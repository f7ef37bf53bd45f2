package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/evtrade/bidcore/internal/domain"
)

// WalletStore implements domain.WalletStore using PostgreSQL. Wallet rows,
// their ledger and their holds live in the wallets, wallet_transactions and
// holds tables.
type WalletStore struct {
	q querier
}

const walletSelectCols = `id, owner_id, balance::text, held::text, currency, status, version, created_at, updated_at`

func scanWallet(row scanner) (domain.Wallet, error) {
	var (
		w             domain.Wallet
		balance, held string
		status        string
	)
	if err := row.Scan(&w.ID, &w.OwnerID, &balance, &held, &w.Currency, &status, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return domain.Wallet{}, err
	}
	w.Status = domain.WalletStatus(status)

	var err error
	if w.Balance, err = parseDecimal(balance); err != nil {
		return domain.Wallet{}, err
	}
	if w.Held, err = parseDecimal(held); err != nil {
		return domain.Wallet{}, err
	}
	return w, nil
}

// Create inserts a new wallet. A second wallet for the same owner yields
// domain.ErrAlreadyExists.
func (s *WalletStore) Create(ctx context.Context, w domain.Wallet) error {
	const query = `
		INSERT INTO wallets (id, owner_id, balance, held, currency, status, version, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8, $8)
		ON CONFLICT DO NOTHING`
	// ON CONFLICT keeps the surrounding transaction usable when two callers
	// race to open the same owner's wallet.
	tag, err := s.q.Exec(ctx, query,
		w.ID, w.OwnerID, w.Balance.String(), w.Held.String(), w.Currency, string(w.Status), w.Version, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create wallet for %s: %w", w.OwnerID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create wallet for %s: %w", w.OwnerID, domain.ErrAlreadyExists)
	}
	return nil
}

// Get retrieves a wallet by id.
func (s *WalletStore) Get(ctx context.Context, id string) (domain.Wallet, error) {
	return s.getBy(ctx, "id", id, "")
}

// GetByOwner retrieves the wallet owned by ownerID.
func (s *WalletStore) GetByOwner(ctx context.Context, ownerID string) (domain.Wallet, error) {
	return s.getBy(ctx, "owner_id", ownerID, "")
}

// GetForUpdate retrieves and row-locks a wallet.
func (s *WalletStore) GetForUpdate(ctx context.Context, id string) (domain.Wallet, error) {
	return s.getBy(ctx, "id", id, " FOR UPDATE")
}

func (s *WalletStore) getBy(ctx context.Context, column, value, suffix string) (domain.Wallet, error) {
	row := s.q.QueryRow(ctx, `SELECT `+walletSelectCols+` FROM wallets WHERE `+column+` = $1`+suffix, value)
	w, err := scanWallet(row)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("postgres: get wallet by %s %s: %w", column, value, classify(err))
	}
	return w, nil
}

// LockByOwners locks the wallets of ownerIDs in ascending id order.
func (s *WalletStore) LockByOwners(ctx context.Context, ownerIDs []string) (map[string]domain.Wallet, error) {
	out := make(map[string]domain.Wallet, len(ownerIDs))
	if len(ownerIDs) == 0 {
		return out, nil
	}

	rows, err := s.q.Query(ctx,
		`SELECT `+walletSelectCols+` FROM wallets WHERE owner_id = ANY($1) ORDER BY id FOR UPDATE`,
		ownerIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock wallets: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan locked wallet: %w", err)
		}
		out[w.OwnerID] = w
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: lock wallets rows: %w", classify(err))
	}
	return out, nil
}

// UpdateBalances writes balance, held and status under a version check.
func (s *WalletStore) UpdateBalances(ctx context.Context, w domain.Wallet) (domain.Wallet, error) {
	query := `
		UPDATE wallets
		SET balance = $3::numeric, held = $4::numeric, status = $5,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING ` + walletSelectCols
	row := s.q.QueryRow(ctx, query, w.ID, w.Version, w.Balance.String(), w.Held.String(), string(w.Status))
	updated, err := scanWallet(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Wallet{}, fmt.Errorf("postgres: update wallet %s: %w", w.ID, domain.ErrConflict)
		}
		return domain.Wallet{}, fmt.Errorf("postgres: update wallet %s: %w", w.ID, classify(err))
	}
	return updated, nil
}

// AppendTransaction adds an entry to the wallet ledger.
func (s *WalletStore) AppendTransaction(ctx context.Context, t domain.WalletTransaction) error {
	const query = `
		INSERT INTO wallet_transactions (
			id, wallet_id, type, amount, reference, bid_id, balance_after, held_after, created_at
		) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7::numeric, $8::numeric, $9)`
	_, err := s.q.Exec(ctx, query,
		t.ID, t.WalletID, string(t.Type), t.Amount.String(), t.Reference, t.BidID,
		t.BalanceAfter.String(), t.HeldAfter.String(), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append wallet transaction %s: %w", t.ID, classify(err))
	}
	return nil
}

// HasTransaction reports whether a ledger entry of typ with ref exists.
func (s *WalletStore) HasTransaction(ctx context.Context, walletID string, typ domain.TxType, ref string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM wallet_transactions WHERE wallet_id = $1 AND type = $2 AND reference = $3)`,
		walletID, string(typ), ref,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check wallet transaction: %w", classify(err))
	}
	return exists, nil
}

// ListTransactions returns ledger entries for a wallet, newest first.
func (s *WalletStore) ListTransactions(ctx context.Context, walletID string, opts domain.ListOpts) ([]domain.WalletTransaction, error) {
	query := `SELECT id, wallet_id, type, amount::text, reference, bid_id, balance_after::text, held_after::text, created_at
		FROM wallet_transactions WHERE wallet_id = $1`
	query, args := appendPaging(query, []any{walletID}, "created_at DESC, id", opts)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list wallet transactions: %w", classify(err))
	}
	defer rows.Close()

	var out []domain.WalletTransaction
	for rows.Next() {
		var (
			t                              domain.WalletTransaction
			typ, amount, balance, heldText string
		)
		if err := rows.Scan(&t.ID, &t.WalletID, &typ, &amount, &t.Reference, &t.BidID, &balance, &heldText, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan wallet transaction: %w", err)
		}
		t.Type = domain.TxType(typ)
		if t.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if t.BalanceAfter, err = parseDecimal(balance); err != nil {
			return nil, err
		}
		if t.HeldAfter, err = parseDecimal(heldText); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SumTransactions totals the ledger per transaction type.
func (s *WalletStore) SumTransactions(ctx context.Context, walletID string) (map[domain.TxType]decimal.Decimal, error) {
	rows, err := s.q.Query(ctx,
		`SELECT type, COALESCE(SUM(amount), 0)::text FROM wallet_transactions WHERE wallet_id = $1 GROUP BY type`,
		walletID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: sum wallet transactions: %w", classify(err))
	}
	defer rows.Close()

	out := map[domain.TxType]decimal.Decimal{}
	for rows.Next() {
		var typ, total string
		if err := rows.Scan(&typ, &total); err != nil {
			return nil, fmt.Errorf("postgres: scan wallet sum: %w", err)
		}
		d, err := parseDecimal(total)
		if err != nil {
			return nil, err
		}
		out[domain.TxType(typ)] = d
	}
	return out, rows.Err()
}

const holdSelectCols = `id, wallet_id, reference, bid_id, amount::text, status, created_at, released_at`

func scanHold(row scanner) (domain.Hold, error) {
	var (
		h              domain.Hold
		amount, status string
	)
	if err := row.Scan(&h.ID, &h.WalletID, &h.Reference, &h.BidID, &amount, &status, &h.CreatedAt, &h.ReleasedAt); err != nil {
		return domain.Hold{}, err
	}
	h.Status = domain.HoldStatus(status)
	d, err := parseDecimal(amount)
	if err != nil {
		return domain.Hold{}, err
	}
	h.Amount = d
	return h, nil
}

// ActiveHold returns the active hold for (walletID, ref).
func (s *WalletStore) ActiveHold(ctx context.Context, walletID, ref string) (domain.Hold, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+holdSelectCols+` FROM holds WHERE wallet_id = $1 AND reference = $2 AND status = 'active'`,
		walletID, ref,
	)
	h, err := scanHold(row)
	if err != nil {
		return domain.Hold{}, fmt.Errorf("postgres: active hold %s/%s: %w", walletID, ref, classify(err))
	}
	return h, nil
}

// CreateHold inserts an active hold.
func (s *WalletStore) CreateHold(ctx context.Context, h domain.Hold) error {
	const query = `
		INSERT INTO holds (id, wallet_id, reference, bid_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)`
	_, err := s.q.Exec(ctx, query, h.ID, h.WalletID, h.Reference, h.BidID, h.Amount.String(), string(h.Status), h.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create hold %s: %w", h.ID, classify(err))
	}
	return nil
}

// ReleaseHold marks an active hold released.
func (s *WalletStore) ReleaseHold(ctx context.Context, holdID string, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE holds SET status = 'released', released_at = $2 WHERE id = $1 AND status = 'active'`,
		holdID, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: release hold %s: %w", holdID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: release hold %s: %w", holdID, domain.ErrNotFound)
	}
	return nil
}

// ListActiveHolds returns every active hold carrying ref.
func (s *WalletStore) ListActiveHolds(ctx context.Context, ref string) ([]domain.Hold, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+holdSelectCols+` FROM holds WHERE reference = $1 AND status = 'active' ORDER BY wallet_id`,
		ref,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active holds %s: %w", ref, classify(err))
	}
	defer rows.Close()

	var out []domain.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SumActiveHolds totals the active holds of a wallet.
func (s *WalletStore) SumActiveHolds(ctx context.Context, walletID string) (decimal.Decimal, error) {
	var total string
	err := s.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM holds WHERE wallet_id = $1 AND status = 'active'`,
		walletID,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum active holds: %w", classify(err))
	}
	return parseDecimal(total)
}

var _ domain.WalletStore = (*WalletStore)(nil)
