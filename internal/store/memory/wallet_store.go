package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/evtrade/bidcore/internal/domain"
)

// WalletStore implements domain.WalletStore in memory.
type WalletStore struct {
	view
}

// Create stores a new wallet; one wallet per owner.
func (s *WalletStore) Create(_ context.Context, w domain.Wallet) error {
	defer s.lock()()
	if _, ok := s.s.d.walletByOwner[w.OwnerID]; ok {
		return fmt.Errorf("memory: create wallet for %s: %w", w.OwnerID, domain.ErrAlreadyExists)
	}
	if _, ok := s.s.d.wallets[w.ID]; ok {
		return fmt.Errorf("memory: create wallet %s: %w", w.ID, domain.ErrAlreadyExists)
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = w.CreatedAt
	}
	s.s.d.wallets[w.ID] = w
	s.s.d.walletByOwner[w.OwnerID] = w.ID
	return nil
}

// Get retrieves a wallet by id.
func (s *WalletStore) Get(_ context.Context, id string) (domain.Wallet, error) {
	defer s.lock()()
	return s.get(id)
}

func (s *WalletStore) get(id string) (domain.Wallet, error) {
	w, ok := s.s.d.wallets[id]
	if !ok {
		return domain.Wallet{}, fmt.Errorf("memory: get wallet %s: %w", id, domain.ErrNotFound)
	}
	return w, nil
}

// GetByOwner retrieves the wallet owned by ownerID.
func (s *WalletStore) GetByOwner(_ context.Context, ownerID string) (domain.Wallet, error) {
	defer s.lock()()
	id, ok := s.s.d.walletByOwner[ownerID]
	if !ok {
		return domain.Wallet{}, fmt.Errorf("memory: get wallet of %s: %w", ownerID, domain.ErrNotFound)
	}
	return s.get(id)
}

// GetForUpdate is Get; the transaction already has exclusive access.
func (s *WalletStore) GetForUpdate(ctx context.Context, id string) (domain.Wallet, error) {
	return s.Get(ctx, id)
}

// LockByOwners returns the wallets of ownerIDs that exist.
func (s *WalletStore) LockByOwners(_ context.Context, ownerIDs []string) (map[string]domain.Wallet, error) {
	defer s.lock()()
	out := make(map[string]domain.Wallet, len(ownerIDs))
	for _, owner := range ownerIDs {
		if id, ok := s.s.d.walletByOwner[owner]; ok {
			out[owner] = s.s.d.wallets[id]
		}
	}
	return out, nil
}

// UpdateBalances writes balance, held and status under a version check.
func (s *WalletStore) UpdateBalances(_ context.Context, w domain.Wallet) (domain.Wallet, error) {
	defer s.lock()()
	cur, err := s.get(w.ID)
	if err != nil {
		return domain.Wallet{}, err
	}
	if cur.Version != w.Version {
		return domain.Wallet{}, fmt.Errorf("memory: update wallet %s: %w", w.ID, domain.ErrConflict)
	}
	if w.Balance.IsNegative() || w.Held.IsNegative() || w.Held.GreaterThan(w.Balance) {
		return domain.Wallet{}, fmt.Errorf("memory: update wallet %s: %w", w.ID, domain.ErrInsufficientFunds)
	}
	cur.Balance = w.Balance
	cur.Held = w.Held
	cur.Status = w.Status
	cur.Version++
	cur.UpdatedAt = time.Now().UTC()
	s.s.d.wallets[w.ID] = cur
	return cur, nil
}

// AppendTransaction adds an entry to the ledger.
func (s *WalletStore) AppendTransaction(_ context.Context, t domain.WalletTransaction) error {
	defer s.lock()()
	s.s.d.ledger = append(s.s.d.ledger, t)
	return nil
}

// HasTransaction reports whether a ledger entry of typ with ref exists.
func (s *WalletStore) HasTransaction(_ context.Context, walletID string, typ domain.TxType, ref string) (bool, error) {
	defer s.lock()()
	for _, t := range s.s.d.ledger {
		if t.WalletID == walletID && t.Type == typ && t.Reference == ref {
			return true, nil
		}
	}
	return false, nil
}

// ListTransactions returns ledger entries of a wallet, newest first.
func (s *WalletStore) ListTransactions(_ context.Context, walletID string, opts domain.ListOpts) ([]domain.WalletTransaction, error) {
	defer s.lock()()
	var out []domain.WalletTransaction
	for i := len(s.s.d.ledger) - 1; i >= 0; i-- {
		if t := s.s.d.ledger[i]; t.WalletID == walletID {
			out = append(out, t)
		}
	}
	return paginate(out, opts, func(t domain.WalletTransaction) time.Time { return t.CreatedAt }), nil
}

// SumTransactions totals the ledger per transaction type.
func (s *WalletStore) SumTransactions(_ context.Context, walletID string) (map[domain.TxType]decimal.Decimal, error) {
	defer s.lock()()
	out := map[domain.TxType]decimal.Decimal{}
	for _, t := range s.s.d.ledger {
		if t.WalletID == walletID {
			out[t.Type] = out[t.Type].Add(t.Amount)
		}
	}
	return out, nil
}

// ActiveHold returns the active hold for (walletID, ref).
func (s *WalletStore) ActiveHold(_ context.Context, walletID, ref string) (domain.Hold, error) {
	defer s.lock()()
	for _, id := range s.s.d.holdOrder {
		h := s.s.d.holds[id]
		if h.WalletID == walletID && h.Reference == ref && h.Status == domain.HoldActive {
			return h, nil
		}
	}
	return domain.Hold{}, fmt.Errorf("memory: active hold %s/%s: %w", walletID, ref, domain.ErrNotFound)
}

// CreateHold stores an active hold. A second active hold for the same
// (wallet, reference) is rejected.
func (s *WalletStore) CreateHold(_ context.Context, h domain.Hold) error {
	defer s.lock()()
	for _, existing := range s.s.d.holds {
		if existing.WalletID == h.WalletID && existing.Reference == h.Reference && existing.Status == domain.HoldActive {
			return fmt.Errorf("memory: create hold %s: %w", h.ID, domain.ErrAlreadyExists)
		}
	}
	s.s.d.holds[h.ID] = h
	s.s.d.holdOrder = append(s.s.d.holdOrder, h.ID)
	return nil
}

// ReleaseHold marks an active hold released.
func (s *WalletStore) ReleaseHold(_ context.Context, holdID string, at time.Time) error {
	defer s.lock()()
	h, ok := s.s.d.holds[holdID]
	if !ok || h.Status != domain.HoldActive {
		return fmt.Errorf("memory: release hold %s: %w", holdID, domain.ErrNotFound)
	}
	released := at
	h.Status = domain.HoldReleased
	h.ReleasedAt = &released
	s.s.d.holds[holdID] = h
	return nil
}

// ListActiveHolds returns every active hold carrying ref.
func (s *WalletStore) ListActiveHolds(_ context.Context, ref string) ([]domain.Hold, error) {
	defer s.lock()()
	var out []domain.Hold
	for _, h := range s.s.d.holds {
		if h.Reference == ref && h.Status == domain.HoldActive {
			out = append(out, h)
		}
	}
	slices.SortFunc(out, func(x, y domain.Hold) int { return strings.Compare(x.WalletID, y.WalletID) })
	return out, nil
}

// SumActiveHolds totals the active holds of a wallet.
func (s *WalletStore) SumActiveHolds(_ context.Context, walletID string) (decimal.Decimal, error) {
	defer s.lock()()
	total := decimal.Zero
	for _, h := range s.s.d.holds {
		if h.WalletID == walletID && h.Status == domain.HoldActive {
			total = total.Add(h.Amount)
		}
	}
	return total, nil
}

var _ domain.WalletStore = (*WalletStore)(nil)
