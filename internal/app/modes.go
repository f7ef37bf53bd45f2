package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/evtrade/bidcore/internal/crypto"
	"github.com/evtrade/bidcore/internal/server"
	"github.com/evtrade/bidcore/internal/server/handler"
	"github.com/evtrade/bidcore/internal/server/ws"
	"github.com/evtrade/bidcore/internal/service"
)

// shutdownTimeout bounds how long in-flight HTTP requests may take to finish.
const shutdownTimeout = 5 * time.Second

// ServerMode serves the HTTP API and WebSocket hub. Auctions still open and
// close when another process runs the scheduler.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering server mode")
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startHTTPServer(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// SchedulerMode runs only the auction lifecycle scheduler.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering scheduler mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API and the scheduler in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering full mode")
	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		if err := a.startHTTPServer(ctx, g, deps); err != nil {
			return err
		}
	}
	if a.cfg.Scheduler.Enabled {
		a.startScheduler(ctx, g, deps)
	}
	return g.Wait()
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sched := service.NewScheduler(deps.Store, deps.Settler, deps.Cache, deps.Fanout, deps.Metrics,
		service.SchedulerConfig{
			Interval:    a.cfg.Scheduler.Interval.Duration,
			TickTimeout: a.cfg.Scheduler.TickTimeout.Duration,
			PageSize:    a.cfg.Scheduler.PageSize,
		}, a.logger)
	g.Go(func() error {
		return ignoreCancel(sched.Run(ctx))
	})
}

// startHTTPServer adds the HTTP server and the WebSocket hub to g. Both stop
// when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	signer, err := crypto.NewSessionSigner(a.cfg.Session.Secret, a.cfg.Session.Salt, a.cfg.Session.TTL.Duration)
	if err != nil {
		return fmt.Errorf("app: session signer: %w", err)
	}

	hub := ws.NewHub(deps.SignalBus, deps.Auctions, deps.Bids, deps.Metrics,
		ws.Config{AllowedOrigins: a.cfg.Server.CORSOrigins}, a.logger)

	pingers := make(map[string]handler.Pinger, len(deps.Pingers))
	for name, p := range deps.Pingers {
		pingers[name] = p
	}

	srv := server.NewServer(server.Config{
		Port:              a.cfg.Server.Port,
		CORSOrigins:       a.cfg.Server.CORSOrigins,
		RequestsPerMinute: a.cfg.Server.RequestsPerMinute,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(a.cfg.Mode, pingers, a.logger),
		Auctions: handler.NewAuctionHandler(deps.Auctions, deps.Bids, a.logger),
		Wallet:   handler.NewWalletHandler(deps.Ledger, a.logger),
		Metrics:  promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
	}, signer, deps.RateLimiter, hub, a.logger)

	g.Go(func() error {
		return ignoreCancel(hub.Run(ctx))
	})

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}

// ignoreCancel treats a cancelled context as a clean stop.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
