package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/evtrade/bidcore/internal/domain"
	"github.com/evtrade/bidcore/internal/metrics"
)

// SchedulerConfig tunes the lifecycle scheduler.
type SchedulerConfig struct {
	Interval    time.Duration
	TickTimeout time.Duration
	PageSize    int
}

// TickStats summarizes one scheduler pass.
type TickStats struct {
	Activated int
	Expired   int
	Settled   int
	Failed    int
}

// Scheduler moves auctions through their lifecycle on a timer: scheduled
// auctions whose start time has passed become active, and active auctions
// whose end time has passed are settled. Every transition is conditioned on
// the current status, so several scheduler instances may run at once.
type Scheduler struct {
	store   domain.Store
	settler *Settler
	cache   domain.AuctionCache
	fanout  *Fanout
	metrics *metrics.Metrics
	cfg     SchedulerConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewScheduler creates a Scheduler. cache and m may be nil.
func NewScheduler(
	store domain.Store,
	settler *Settler,
	cache domain.AuctionCache,
	fanout *Fanout,
	m *metrics.Metrics,
	cfg SchedulerConfig,
	logger *slog.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Scheduler{
		store:   store,
		settler: settler,
		cache:   cache,
		fanout:  fanout,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "scheduler")),
	}
}

// Run ticks immediately and then every interval until ctx is cancelled.
// Call in a goroutine.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started", slog.Duration("interval", s.cfg.Interval))
	s.runTick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncSchedulerTick("panic")
			s.logger.ErrorContext(ctx, "scheduler tick panicked", slog.Any("panic", r))
		}
	}()

	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	stats, err := s.Tick(tickCtx)
	if err != nil {
		s.metrics.IncSchedulerTick("error")
		s.logger.ErrorContext(ctx, "scheduler tick failed",
			slog.Int("failed", stats.Failed),
			slog.String("error", err.Error()),
		)
		return
	}
	s.metrics.IncSchedulerTick("ok")
	if stats.Activated+stats.Expired+stats.Settled > 0 {
		s.logger.InfoContext(ctx, "scheduler tick",
			slog.Int("activated", stats.Activated),
			slog.Int("expired", stats.Expired),
			slog.Int("settled", stats.Settled),
		)
	}
}

// Tick runs one pass over due auctions. Per-auction failures are collected
// and returned together; they do not stop the pass.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, error) {
	var (
		stats TickStats
		errs  []error
	)
	now := s.now()

	err := s.pages(ctx, func(afterID string) ([]domain.Auction, error) {
		return s.store.Auctions().ListStartDue(ctx, now, afterID, s.cfg.PageSize)
	}, func(a domain.Auction) {
		expired, err := s.activate(ctx, a, now)
		switch {
		case err != nil:
			stats.Failed++
			errs = append(errs, err)
		case expired:
			stats.Expired++
		default:
			stats.Activated++
		}
	})
	if err != nil {
		return stats, err
	}

	err = s.pages(ctx, func(afterID string) ([]domain.Auction, error) {
		return s.store.Auctions().ListEndDue(ctx, now, afterID, s.cfg.PageSize)
	}, func(a domain.Auction) {
		settled, err := s.settler.Settle(ctx, a.ID)
		switch {
		case err != nil:
			stats.Failed++
			errs = append(errs, err)
		case settled:
			stats.Settled++
		}
	})
	if err != nil {
		return stats, err
	}
	return stats, errors.Join(errs...)
}

// pages walks a keyset-paginated listing, calling fn for every auction.
func (s *Scheduler) pages(ctx context.Context, list func(afterID string) ([]domain.Auction, error), fn func(domain.Auction)) error {
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := list(afterID)
		if err != nil {
			return fmt.Errorf("scheduler: list due auctions: %w", err)
		}
		for _, a := range page {
			fn(a)
		}
		if len(page) < s.cfg.PageSize {
			return nil
		}
		afterID = page[len(page)-1].ID
	}
}

// activate opens a scheduled auction, or closes it straight away when its
// end time has also passed. It reports whether the auction expired unopened.
func (s *Scheduler) activate(ctx context.Context, a domain.Auction, now time.Time) (bool, error) {
	if !now.Before(a.EndTime) {
		moved := false
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			moved, err = tx.Auctions().Transition(ctx, a.ID, domain.AuctionScheduled, domain.AuctionEnded, now)
			if err != nil || !moved {
				return err
			}
			return tx.Auctions().MarkSettled(ctx, a.ID, "", now)
		})
		if err != nil {
			return true, fmt.Errorf("scheduler: expire %s: %w", a.ID, err)
		}
		if moved {
			s.metrics.IncTransition(string(domain.AuctionScheduled), string(domain.AuctionEnded))
			a.Status = domain.AuctionEnded
			a.Version += 2
			s.publishState(ctx, a, domain.EventAuctionEnded)
		}
		return true, nil
	}

	moved, err := s.store.Auctions().Transition(ctx, a.ID, domain.AuctionScheduled, domain.AuctionActive, now)
	if err != nil {
		return false, fmt.Errorf("scheduler: activate %s: %w", a.ID, err)
	}
	if moved {
		s.metrics.IncTransition(string(domain.AuctionScheduled), string(domain.AuctionActive))
		a.Status = domain.AuctionActive
		a.Version++
		s.publishState(ctx, a, domain.EventAuctionStarted)
	}
	return false, nil
}

func (s *Scheduler) publishState(ctx context.Context, a domain.Auction, t domain.EventType) {
	state := a.State()
	if s.cache != nil {
		if err := s.cache.Set(ctx, state); err != nil {
			s.logger.WarnContext(ctx, "auction cache update failed",
				slog.String("auction_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.fanout.Broadcast(ctx, a.ID, t, state)
}
