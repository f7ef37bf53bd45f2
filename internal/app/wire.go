package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/evtrade/bidcore/internal/blob/s3"
	"github.com/evtrade/bidcore/internal/cache/local"
	"github.com/evtrade/bidcore/internal/cache/redis"
	"github.com/evtrade/bidcore/internal/config"
	"github.com/evtrade/bidcore/internal/domain"
	"github.com/evtrade/bidcore/internal/metrics"
	"github.com/evtrade/bidcore/internal/notify"
	"github.com/evtrade/bidcore/internal/service"
	"github.com/evtrade/bidcore/internal/store/memory"
	"github.com/evtrade/bidcore/internal/store/postgres"
)

// localBusBuffer is the per-subscriber buffer of the in-process event bus.
const localBusBuffer = 1024

// Dependencies bundles the infrastructure and services every mode shares.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Infrastructure
	Store       domain.Store
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	Cache       domain.AuctionCache
	Archiver    domain.Archiver
	Notifier    *notify.Notifier

	// Observability
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	// Pingers are the dependencies reported by the health endpoint.
	Pingers map[string]pinger

	// Services
	Ledger   *service.Ledger
	Fanout   *service.Fanout
	Settler  *service.Settler
	Bids     *service.BidProcessor
	Auctions *service.AuctionService
}

// pinger matches handler.Pinger without importing the HTTP layer here.
type pinger interface {
	Ping(ctx context.Context) error
}

// pingFunc adapts a health function to pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs all concrete dependency implementations from cfg and returns
// them together with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Pingers: make(map[string]pinger)}

	// --- Metrics ---
	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = metrics.MustNew(deps.Registry)

	// --- Store ---
	switch strings.ToLower(cfg.Store) {
	case "memory":
		logger.WarnContext(ctx, "using in-memory store; data is lost on restart")
		deps.Store = memory.New()
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Store = postgres.NewStore(pgClient.Pool(), cfg.Postgres.LockTimeout.Duration)
	}
	deps.Pingers["store"] = deps.Store

	// --- Coordination: Redis or in-process ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			KeyPrefix:   cfg.Redis.KeyPrefix,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
			OpTimeout:   cfg.Redis.OpTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Cache = redis.NewAuctionCache(redisClient)
		deps.Pingers["redis"] = redisClient
	} else {
		logger.WarnContext(ctx, "redis disabled; locks and events are local to this process")
		deps.LockManager = local.NewLockManager()
		deps.SignalBus = local.NewBus(localBusBuffer)
		deps.RateLimiter = local.NewRateLimiter()
		deps.Cache = local.NewAuctionCache()
	}

	// --- Settlement archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Pingers["s3"] = pingFunc(s3Client.Health)
		if cfg.Scheduler.Archive {
			deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Store.Audit())
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Services ---
	bidCfg := service.BidConfig{
		LockTimeout: cfg.Bidding.LockTimeout.Duration,
		LockTTL:     cfg.Bidding.LockTTL.Duration,
		RateLimit:   cfg.Bidding.RateLimit,
		RateWindow:  cfg.Bidding.RateWindow.Duration,
	}
	var alerter service.Alerter
	if deps.Notifier.Enabled() {
		alerter = deps.Notifier
	}

	deps.Ledger = service.NewLedger(deps.Store, cfg.Bidding.Currency, logger)
	deps.Fanout = service.NewFanout(deps.SignalBus, deps.Metrics, logger)
	deps.Settler = service.NewSettler(deps.Store, deps.Ledger, deps.LockManager, deps.Cache,
		deps.Fanout, alerter, deps.Archiver, deps.Metrics, bidCfg, logger)
	deps.Bids = service.NewBidProcessor(deps.Store, deps.Ledger, deps.LockManager, deps.RateLimiter,
		deps.Cache, deps.Fanout, deps.Settler, deps.Metrics, bidCfg, logger)
	deps.Auctions = service.NewAuctionService(deps.Store, deps.Cache, deps.Settler, deps.Fanout, logger)

	return deps, cleanup, nil
}
