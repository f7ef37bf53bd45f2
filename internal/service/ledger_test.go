package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evtrade/bidcore/internal/domain"
)

func TestLedgerHoldSupersedesSameReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "1000")
	w := h.wallet(t, "u1")

	_, err := h.ledger.Hold(ctx, w.ID, dec("600"), "auction:a1", "b1")
	require.NoError(t, err)
	_, err = h.ledger.Hold(ctx, w.ID, dec("900"), "auction:a1", "b2")
	require.NoError(t, err, "superseded hold counts as available")
	assert.True(t, h.wallet(t, "u1").Held.Equal(dec("900")))

	_, err = h.ledger.Hold(ctx, w.ID, dec("1100"), "auction:a1", "b3")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = h.ledger.Hold(ctx, w.ID, dec("200"), "auction:a2", "b4")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = h.ledger.Hold(ctx, w.ID, dec("100"), "auction:a2", "b5")
	require.NoError(t, err)

	active, err := h.store.Wallets().SumActiveHolds(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, active.Equal(dec("1000")))
	h.requireConsistent(t, "u1")
}

func TestLedgerReleaseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "1000")
	w := h.wallet(t, "u1")

	_, err := h.ledger.Hold(ctx, w.ID, dec("400"), "auction:a1", "")
	require.NoError(t, err)

	released, err := h.ledger.Release(ctx, w.ID, "auction:a1")
	require.NoError(t, err)
	assert.True(t, released.Equal(dec("400")))

	released, err = h.ledger.Release(ctx, w.ID, "auction:a1")
	require.NoError(t, err)
	assert.True(t, released.IsZero())

	released, err = h.ledger.Release(ctx, w.ID, "auction:never")
	require.NoError(t, err)
	assert.True(t, released.IsZero())

	assert.True(t, h.wallet(t, "u1").Held.IsZero())
	h.requireConsistent(t, "u1")
}

func TestLedgerDebitAndCreditAreIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "1000")
	w := h.wallet(t, "u1")

	err := h.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		lt := h.ledger.Within(tx)
		if err := lt.Debit(ctx, w.ID, dec("300"), "settlement:a1"); err != nil {
			return err
		}
		return lt.Debit(ctx, w.ID, dec("300"), "settlement:a1")
	})
	require.NoError(t, err)
	assert.True(t, h.wallet(t, "u1").Balance.Equal(dec("700")))

	err = h.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return h.ledger.Within(tx).Debit(ctx, w.ID, dec("800"), "settlement:a2")
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	err = h.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return h.ledger.Within(tx).Credit(ctx, w.ID, dec("0"), "refund:1")
	})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = h.ledger.Deposit(ctx, "u1", dec("50"), "topup:1")
	require.NoError(t, err)
	_, err = h.ledger.Deposit(ctx, "u1", dec("50"), "topup:1")
	require.NoError(t, err)
	assert.True(t, h.wallet(t, "u1").Balance.Equal(dec("750")))

	txs, err := h.ledger.Transactions(ctx, "u1", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, txs, 3)
	h.requireConsistent(t, "u1")
}

func TestLedgerDebitCannotTouchHeldFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "1000")
	w := h.wallet(t, "u1")
	_, err := h.ledger.Hold(ctx, w.ID, dec("800"), "auction:a1", "")
	require.NoError(t, err)

	err = h.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return h.ledger.Within(tx).Debit(ctx, w.ID, dec("300"), "settlement:a9")
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestLedgerFrozenWallet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "1000")
	w := h.wallet(t, "u1")
	w.Status = domain.WalletFrozen
	_, err := h.store.Wallets().UpdateBalances(ctx, w)
	require.NoError(t, err)

	_, err = h.ledger.Hold(ctx, w.ID, dec("10"), "auction:a1", "")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = h.ledger.Deposit(ctx, "u1", dec("10"), "")
	require.NoError(t, err, "frozen wallets still receive credits")
}

func TestLedgerReconcileDetectsDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "1000")
	h.requireConsistent(t, "u1")

	w := h.wallet(t, "u1")
	w.Balance = w.Balance.Add(dec("1"))
	_, err := h.store.Wallets().UpdateBalances(ctx, w)
	require.NoError(t, err)

	rec, err := h.ledger.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, rec.Consistent)
	assert.True(t, rec.LedgerBalance.Equal(dec("1000")))
	assert.True(t, rec.Balance.Equal(dec("1001")))
}

func TestLedgerOpenWalletAndDepositValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w1, err := h.ledger.OpenWallet(ctx, "u1")
	require.NoError(t, err)
	w2, err := h.ledger.OpenWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)
	assert.Equal(t, "VND", w1.Currency)
	assert.True(t, w1.Balance.IsZero())

	_, err = h.ledger.OpenWallet(ctx, "")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = h.ledger.Deposit(ctx, "u1", dec("-1"), "")
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = h.ledger.Deposit(ctx, "u1", dec("0.001"), "")
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = h.ledger.Wallet(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedgerWithdrawLeavesHeldFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "1000")
	w := h.wallet(t, "u1")
	_, err := h.ledger.Hold(ctx, w.ID, dec("700"), "auction:a1", "")
	require.NoError(t, err)

	_, err = h.ledger.Withdraw(ctx, "u1", dec("400"), "cashout-1")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	got, err := h.ledger.Withdraw(ctx, "u1", dec("300"), "cashout-1")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(dec("700")))
	assert.True(t, got.Held.Equal(dec("700")))
	assert.True(t, got.Available().IsZero())
	h.requireConsistent(t, "u1")
}

func TestLedgerWithdrawReferenceAppliedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "1000")

	for range 3 {
		_, err := h.ledger.Withdraw(ctx, "u1", dec("250"), "cashout-7")
		require.NoError(t, err)
	}
	assert.True(t, h.wallet(t, "u1").Balance.Equal(dec("750")))

	// Same reference text as a deposit is a different movement.
	_, err := h.ledger.Deposit(ctx, "u1", dec("10"), "cashout-7")
	require.NoError(t, err)
	assert.True(t, h.wallet(t, "u1").Balance.Equal(dec("760")))

	_, err = h.ledger.Withdraw(ctx, "nobody", dec("1"), "")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = h.ledger.Withdraw(ctx, "u1", dec("0"), "")
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	h.requireConsistent(t, "u1")
}

func TestLedgerConcurrentReleaseReleasesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "1000")
	w := h.wallet(t, "u1")
	_, err := h.ledger.Hold(ctx, w.ID, dec("400"), "auction:a1", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			released, err := h.ledger.Release(ctx, w.ID, "auction:a1")
			results[i], errs[i] = released.String(), err
		}(i)
	}
	wg.Wait()

	var total int
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] == "400" {
			total++
		}
	}
	assert.Equal(t, 1, total)
	assert.True(t, h.wallet(t, "u1").Held.IsZero())
	h.requireConsistent(t, "u1")
}
