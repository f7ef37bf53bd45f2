// Package memory implements the domain stores in process memory. It backs
// the "memory" store mode and the service tests. Transactions are serialized
// by a single mutex and roll back by restoring a snapshot.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/evtrade/bidcore/internal/domain"
)

type data struct {
	auctions      map[string]domain.Auction
	bids          map[string]domain.Bid
	bidOrder      []string
	wallets       map[string]domain.Wallet
	walletByOwner map[string]string
	ledger        []domain.WalletTransaction
	holds         map[string]domain.Hold
	holdOrder     []string
	audit         []domain.AuditEntry
}

func newData() *data {
	return &data{
		auctions:      map[string]domain.Auction{},
		bids:          map[string]domain.Bid{},
		wallets:       map[string]domain.Wallet{},
		walletByOwner: map[string]string{},
		holds:         map[string]domain.Hold{},
	}
}

func (d *data) clone() *data {
	return &data{
		auctions:      maps.Clone(d.auctions),
		bids:          maps.Clone(d.bids),
		bidOrder:      slices.Clone(d.bidOrder),
		wallets:       maps.Clone(d.wallets),
		walletByOwner: maps.Clone(d.walletByOwner),
		ledger:        slices.Clone(d.ledger),
		holds:         maps.Clone(d.holds),
		holdOrder:     slices.Clone(d.holdOrder),
		audit:         slices.Clone(d.audit),
	}
}

// Store implements domain.Store in memory.
type Store struct {
	mu sync.Mutex
	d  *data
}

// New returns an empty Store.
func New() *Store {
	return &Store{d: newData()}
}

// view binds the stores either to the Store's own locking (autocommit) or to
// an open transaction that already holds the mutex.
type view struct {
	s    *Store
	inTx bool
}

func (v view) lock() func() {
	if v.inTx {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

func (s *Store) Auctions() domain.AuctionStore { return &AuctionStore{view{s: s}} }
func (s *Store) Bids() domain.BidStore         { return &BidStore{view{s: s}} }
func (s *Store) Wallets() domain.WalletStore   { return &WalletStore{view{s: s}} }
func (s *Store) Audit() domain.AuditStore      { return &AuditStore{s: s} }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// WithinTx runs fn with exclusive access to the store. Any error or panic
// restores the state from before fn ran.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	snapshot := s.d.clone()
	committed := false
	defer func() {
		if !committed {
			s.d = snapshot
		}
		s.mu.Unlock()
	}()

	v := view{s: s, inTx: true}
	if err := fn(ctx, txStores{v}); err != nil {
		return err
	}
	committed = true
	return nil
}

type txStores struct {
	v view
}

func (t txStores) Auctions() domain.AuctionStore { return &AuctionStore{t.v} }
func (t txStores) Bids() domain.BidStore         { return &BidStore{t.v} }
func (t txStores) Wallets() domain.WalletStore   { return &WalletStore{t.v} }

// paginate applies the time window, offset and limit of opts to items that
// are already in the desired order.
func paginate[T any](items []T, opts domain.ListOpts, createdAt func(T) time.Time) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		ts := createdAt(it)
		if opts.Since != nil && ts.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && ts.After(*opts.Until) {
			continue
		}
		out = append(out, it)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// AuditStore implements domain.AuditStore in memory.
type AuditStore struct {
	s *Store
}

// Log appends an audit entry.
func (a *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.d.audit = append(a.s.d.audit, domain.AuditEntry{
		ID:        int64(len(a.s.d.audit) + 1),
		Event:     event,
		Detail:    maps.Clone(detail),
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns audit entries, newest first.
func (a *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	entries := slices.Clone(a.s.d.audit)
	slices.Reverse(entries)
	return paginate(entries, opts, func(e domain.AuditEntry) time.Time { return e.CreatedAt }), nil
}

var (
	_ domain.Store      = (*Store)(nil)
	_ domain.AuditStore = (*AuditStore)(nil)
)
