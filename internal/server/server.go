package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/evtrade/bidcore/internal/domain"
	"github.com/evtrade/bidcore/internal/server/handler"
	"github.com/evtrade/bidcore/internal/server/middleware"
	"github.com/evtrade/bidcore/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// RequestsPerMinute is the per-client limit; zero disables it.
	RequestsPerMinute int
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health   *handler.HealthHandler
	Auctions *handler.AuctionHandler
	Wallet   *handler.WalletHandler
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP and WebSocket API of the bidding engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in CORS, request
// logging, session auth and rate limiting, outermost first.
func NewServer(
	cfg Config,
	handlers Handlers,
	verifier middleware.TokenVerifier,
	limiter domain.RateLimiter,
	wsHub *ws.Hub,
	logger *slog.Logger,
) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	mux.HandleFunc("POST /api/auctions", handlers.Auctions.CreateAuction)
	mux.HandleFunc("GET /api/auctions", handlers.Auctions.ListAuctions)
	mux.HandleFunc("GET /api/auctions/{id}", handlers.Auctions.GetAuction)
	mux.HandleFunc("GET /api/auctions/{id}/state", handlers.Auctions.GetState)
	mux.HandleFunc("GET /api/auctions/{id}/bids", handlers.Auctions.ListBids)
	mux.HandleFunc("POST /api/auctions/{id}/bids", handlers.Auctions.PlaceBid)
	mux.HandleFunc("POST /api/auctions/{id}/buy-now", handlers.Auctions.BuyNow)
	mux.HandleFunc("POST /api/auctions/{id}/cancel", handlers.Auctions.CancelAuction)
	mux.HandleFunc("GET /api/bids/mine", handlers.Auctions.ListMyBids)

	mux.HandleFunc("GET /api/wallet", handlers.Wallet.GetWallet)
	mux.HandleFunc("GET /api/wallet/transactions", handlers.Wallet.ListTransactions)
	mux.HandleFunc("POST /api/wallet/deposit", handlers.Wallet.Deposit)
	mux.HandleFunc("POST /api/wallet/withdraw", handlers.Wallet.Withdraw)
	mux.HandleFunc("GET /api/wallet/reconcile", handlers.Wallet.Reconcile)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RequestsPerMinute, time.Minute, logger)(h)
	h = middleware.Auth(verifier)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires. Hijacked
// WebSocket connections are closed by the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
