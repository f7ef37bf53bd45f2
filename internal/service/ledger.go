package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/evtrade/bidcore/internal/domain"
)

// Ledger owns every movement of funds. Each movement updates the wallet row
// and appends a matching WalletTransaction, so a wallet can always be
// reconciled against its history.
type Ledger struct {
	store    domain.Store
	currency string
	now      func() time.Time
	logger   *slog.Logger
}

// NewLedger creates a Ledger that opens wallets in currency.
func NewLedger(store domain.Store, currency string, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:    store,
		currency: currency,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "ledger")),
	}
}

// Within binds the ledger to an open transaction so fund movements commit or
// roll back together with the caller's other writes.
func (l *Ledger) Within(tx domain.Tx) *LedgerTx {
	return &LedgerTx{wallets: tx.Wallets(), currency: l.currency, now: l.now}
}

// LedgerTx performs ledger operations inside one transaction. Every method
// re-reads and row-locks the wallet it changes.
type LedgerTx struct {
	wallets  domain.WalletStore
	currency string
	now      func() time.Time
}

// EnsureWallet returns the owner's wallet, opening an empty one if none
// exists yet.
func (t *LedgerTx) EnsureWallet(ctx context.Context, ownerID string) (domain.Wallet, error) {
	if ownerID == "" {
		return domain.Wallet{}, fmt.Errorf("ledger: owner id is required: %w", domain.ErrInvalidRequest)
	}
	w, err := t.wallets.GetByOwner(ctx, ownerID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Wallet{}, fmt.Errorf("ledger: get wallet: %w", err)
	}

	now := t.now()
	w = domain.Wallet{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Balance:   decimal.Zero,
		Held:      decimal.Zero,
		Currency:  t.currency,
		Status:    domain.WalletActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.wallets.Create(ctx, w); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return domain.Wallet{}, fmt.Errorf("ledger: open wallet: %w", err)
		}
		// Lost the race to a concurrent opener.
		return t.wallets.GetByOwner(ctx, ownerID)
	}
	return w, nil
}

// Hold reserves amount in the wallet for ref. An existing active hold for
// the same ref is superseded rather than stacked, so a bidder raising their
// own bid only needs to cover the difference.
func (t *LedgerTx) Hold(ctx context.Context, walletID string, amount decimal.Decimal, ref, bidID string) (domain.Hold, error) {
	if !amount.IsPositive() {
		return domain.Hold{}, fmt.Errorf("ledger: hold %s: %w", amount, domain.ErrInvalidAmount)
	}
	w, err := t.wallets.GetForUpdate(ctx, walletID)
	if err != nil {
		return domain.Hold{}, fmt.Errorf("ledger: lock wallet %s: %w", walletID, err)
	}
	if w.Status != domain.WalletActive {
		return domain.Hold{}, fmt.Errorf("ledger: wallet %s is %s: %w", walletID, w.Status, domain.ErrInsufficientFunds)
	}

	superseded := decimal.Zero
	prev, err := t.wallets.ActiveHold(ctx, walletID, ref)
	switch {
	case err == nil:
		superseded = prev.Amount
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Hold{}, fmt.Errorf("ledger: read hold: %w", err)
	}

	available := w.Balance.Sub(w.Held.Sub(superseded))
	if available.LessThan(amount) {
		return domain.Hold{}, fmt.Errorf("ledger: hold %s with %s available: %w", amount, available, domain.ErrInsufficientFunds)
	}

	now := t.now()
	if superseded.IsPositive() {
		if err := t.wallets.ReleaseHold(ctx, prev.ID, now); err != nil {
			return domain.Hold{}, fmt.Errorf("ledger: supersede hold: %w", err)
		}
		w.Held = w.Held.Sub(superseded)
		if err := t.append(ctx, w, domain.TxRelease, superseded, ref, prev.BidID, now); err != nil {
			return domain.Hold{}, err
		}
	}

	w.Held = w.Held.Add(amount)
	w, err = t.wallets.UpdateBalances(ctx, w)
	if err != nil {
		return domain.Hold{}, fmt.Errorf("ledger: update wallet %s: %w", walletID, err)
	}

	h := domain.Hold{
		ID:        uuid.NewString(),
		WalletID:  walletID,
		Reference: ref,
		BidID:     bidID,
		Amount:    amount,
		Status:    domain.HoldActive,
		CreatedAt: now,
	}
	if err := t.wallets.CreateHold(ctx, h); err != nil {
		return domain.Hold{}, fmt.Errorf("ledger: create hold: %w", err)
	}
	if err := t.append(ctx, w, domain.TxHold, amount, ref, bidID, now); err != nil {
		return domain.Hold{}, err
	}
	return h, nil
}

// Release returns the active hold for (walletID, ref) to the wallet's
// available balance and reports the amount released. Releasing when no hold
// is active is a no-op.
func (t *LedgerTx) Release(ctx context.Context, walletID, ref string) (decimal.Decimal, error) {
	// The wallet row lock serialises releases, so a concurrent release of the
	// same hold sees it released and becomes a no-op.
	w, err := t.wallets.GetForUpdate(ctx, walletID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: lock wallet %s: %w", walletID, err)
	}
	h, err := t.wallets.ActiveHold(ctx, walletID, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: read hold: %w", err)
	}
	if w.Held.LessThan(h.Amount) {
		return decimal.Zero, fmt.Errorf("ledger: wallet %s holds %s but hold %s is %s", walletID, w.Held, h.ID, h.Amount)
	}

	now := t.now()
	if err := t.wallets.ReleaseHold(ctx, h.ID, now); err != nil {
		return decimal.Zero, fmt.Errorf("ledger: release hold: %w", err)
	}
	w.Held = w.Held.Sub(h.Amount)
	w, err = t.wallets.UpdateBalances(ctx, w)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: update wallet %s: %w", walletID, err)
	}
	if err := t.append(ctx, w, domain.TxRelease, h.Amount, ref, h.BidID, now); err != nil {
		return decimal.Zero, err
	}
	return h.Amount, nil
}

// Debit removes amount from the wallet balance. A debit already recorded for
// (walletID, ref) is not applied twice.
func (t *LedgerTx) Debit(ctx context.Context, walletID string, amount decimal.Decimal, ref string) error {
	return t.move(ctx, walletID, domain.TxDebit, amount, ref)
}

// Credit adds amount to the wallet balance. A credit already recorded for
// (walletID, ref) is not applied twice.
func (t *LedgerTx) Credit(ctx context.Context, walletID string, amount decimal.Decimal, ref string) error {
	return t.move(ctx, walletID, domain.TxCredit, amount, ref)
}

func (t *LedgerTx) move(ctx context.Context, walletID string, typ domain.TxType, amount decimal.Decimal, ref string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("ledger: %s %s: %w", typ, amount, domain.ErrInvalidAmount)
	}
	w, err := t.wallets.GetForUpdate(ctx, walletID)
	if err != nil {
		return fmt.Errorf("ledger: lock wallet %s: %w", walletID, err)
	}
	done, err := t.wallets.HasTransaction(ctx, walletID, typ, ref)
	if err != nil {
		return fmt.Errorf("ledger: check %s %s: %w", typ, ref, err)
	}
	if done {
		return nil
	}

	if typ == domain.TxDebit {
		if w.Status != domain.WalletActive {
			return fmt.Errorf("ledger: wallet %s is %s: %w", walletID, w.Status, domain.ErrInsufficientFunds)
		}
		if w.Available().LessThan(amount) {
			return fmt.Errorf("ledger: debit %s with %s available: %w", amount, w.Available(), domain.ErrInsufficientFunds)
		}
		w.Balance = w.Balance.Sub(amount)
	} else {
		w.Balance = w.Balance.Add(amount)
	}

	w, err = t.wallets.UpdateBalances(ctx, w)
	if err != nil {
		return fmt.Errorf("ledger: update wallet %s: %w", walletID, err)
	}
	return t.append(ctx, w, typ, amount, ref, "", t.now())
}

func (t *LedgerTx) append(ctx context.Context, w domain.Wallet, typ domain.TxType, amount decimal.Decimal, ref, bidID string, at time.Time) error {
	err := t.wallets.AppendTransaction(ctx, domain.WalletTransaction{
		ID:           uuid.NewString(),
		WalletID:     w.ID,
		Type:         typ,
		Amount:       amount,
		Reference:    ref,
		BidID:        bidID,
		BalanceAfter: w.Balance,
		HeldAfter:    w.Held,
		CreatedAt:    at,
	})
	if err != nil {
		return fmt.Errorf("ledger: append %s: %w", typ, err)
	}
	return nil
}

// OpenWallet returns the owner's wallet, creating it when missing.
func (l *Ledger) OpenWallet(ctx context.Context, ownerID string) (domain.Wallet, error) {
	var w domain.Wallet
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		w, err = l.Within(tx).EnsureWallet(ctx, ownerID)
		return err
	})
	return w, err
}

// Deposit credits amount to the owner's wallet, opening it if needed. An
// empty reference gets a generated one, so only caller-supplied references
// make deposits idempotent. References are stored under the deposit
// namespace and cannot match an engine-assigned settlement reference.
func (l *Ledger) Deposit(ctx context.Context, ownerID string, amount decimal.Decimal, ref string) (domain.Wallet, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return domain.Wallet{}, fmt.Errorf("ledger: deposit %s: %w", amount, domain.ErrInvalidAmount)
	}
	if ref == "" {
		ref = uuid.NewString()
	}
	ref = domain.DepositRef(ref)

	var w domain.Wallet
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		lt := l.Within(tx)
		opened, err := lt.EnsureWallet(ctx, ownerID)
		if err != nil {
			return err
		}
		if err := lt.Credit(ctx, opened.ID, amount, ref); err != nil {
			return err
		}
		w, err = tx.Wallets().Get(ctx, opened.ID)
		return err
	})
	if err != nil {
		return domain.Wallet{}, err
	}

	l.logger.InfoContext(ctx, "deposit credited",
		slog.String("owner_id", ownerID),
		slog.String("amount", amount.String()),
		slog.String("reference", ref),
	)
	return w, nil
}

// Withdraw debits amount from the owner's available funds; held money
// cannot be withdrawn. A repeated reference is applied once.
func (l *Ledger) Withdraw(ctx context.Context, ownerID string, amount decimal.Decimal, ref string) (domain.Wallet, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return domain.Wallet{}, fmt.Errorf("ledger: withdraw %s: %w", amount, domain.ErrInvalidAmount)
	}
	if ref == "" {
		ref = uuid.NewString()
	}
	ref = domain.WithdrawalRef(ref)

	var w domain.Wallet
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		current, err := tx.Wallets().GetByOwner(ctx, ownerID)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("ledger: %s has no wallet: %w", ownerID, domain.ErrInsufficientFunds)
		}
		if err != nil {
			return fmt.Errorf("ledger: wallet of %s: %w", ownerID, err)
		}
		if err := l.Within(tx).Debit(ctx, current.ID, amount, ref); err != nil {
			return err
		}
		w, err = tx.Wallets().Get(ctx, current.ID)
		return err
	})
	if err != nil {
		return domain.Wallet{}, err
	}

	l.logger.InfoContext(ctx, "withdrawal debited",
		slog.String("owner_id", ownerID),
		slog.String("amount", amount.String()),
		slog.String("reference", ref),
	)
	return w, nil
}

// Hold places a hold outside any wider transaction.
func (l *Ledger) Hold(ctx context.Context, walletID string, amount decimal.Decimal, ref, bidID string) (domain.Hold, error) {
	var h domain.Hold
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		h, err = l.Within(tx).Hold(ctx, walletID, amount, ref, bidID)
		return err
	})
	return h, err
}

// Release releases a hold outside any wider transaction.
func (l *Ledger) Release(ctx context.Context, walletID, ref string) (decimal.Decimal, error) {
	var released decimal.Decimal
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		released, err = l.Within(tx).Release(ctx, walletID, ref)
		return err
	})
	return released, err
}

// Wallet returns the owner's wallet.
func (l *Ledger) Wallet(ctx context.Context, ownerID string) (domain.Wallet, error) {
	w, err := l.store.Wallets().GetByOwner(ctx, ownerID)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("ledger: wallet of %s: %w", ownerID, err)
	}
	return w, nil
}

// Transactions pages the owner's ledger entries, newest first.
func (l *Ledger) Transactions(ctx context.Context, ownerID string, opts domain.ListOpts) ([]domain.WalletTransaction, error) {
	w, err := l.Wallet(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return l.store.Wallets().ListTransactions(ctx, w.ID, opts)
}

// Reconcile recomputes the owner's balance and held amount from the ledger
// and the active holds and compares them with the stored wallet.
func (l *Ledger) Reconcile(ctx context.Context, ownerID string) (domain.Reconciliation, error) {
	w, err := l.Wallet(ctx, ownerID)
	if err != nil {
		return domain.Reconciliation{}, err
	}
	sums, err := l.store.Wallets().SumTransactions(ctx, w.ID)
	if err != nil {
		return domain.Reconciliation{}, fmt.Errorf("ledger: sum transactions: %w", err)
	}
	active, err := l.store.Wallets().SumActiveHolds(ctx, w.ID)
	if err != nil {
		return domain.Reconciliation{}, fmt.Errorf("ledger: sum holds: %w", err)
	}

	rec := domain.Reconciliation{
		WalletID:      w.ID,
		Balance:       w.Balance,
		Held:          w.Held,
		LedgerBalance: sums[domain.TxCredit].Sub(sums[domain.TxDebit]),
		LedgerHeld:    sums[domain.TxHold].Sub(sums[domain.TxRelease]),
		ActiveHolds:   active,
	}
	rec.Consistent = rec.Balance.Equal(rec.LedgerBalance) &&
		rec.Held.Equal(rec.LedgerHeld) &&
		rec.Held.Equal(rec.ActiveHolds)
	if !rec.Consistent {
		l.logger.WarnContext(ctx, "wallet out of balance with ledger",
			slog.String("wallet_id", w.ID),
			slog.String("balance", w.Balance.String()),
			slog.String("ledger_balance", rec.LedgerBalance.String()),
			slog.String("held", w.Held.String()),
			slog.String("ledger_held", rec.LedgerHeld.String()),
		)
	}
	return rec, nil
}
