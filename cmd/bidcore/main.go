// Command bidcore is the entry point of the auction bidding engine. It loads
// configuration, validates it, sets up signal handling, and starts the
// application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evtrade/bidcore/internal/app"
	"github.com/evtrade/bidcore/internal/config"
	"github.com/evtrade/bidcore/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	issueFor := flag.String("issue-token", "", "print a session token for this user ID and exit")
	issueName := flag.String("name", "", "display name embedded in the issued token")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if *issueFor != "" {
		if err := issueToken(cfg, *issueFor, *issueName); err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("bidcore starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		application.Close()
		os.Exit(1)
	}

	logger.Info("bidcore stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// issueToken prints a session token signed with the configured secret. The
// marketplace's identity service does this in production.
func issueToken(cfg *config.Config, userID, name string) error {
	signer, err := crypto.NewSessionSigner(cfg.Session.Secret, cfg.Session.Salt, cfg.Session.TTL.Duration)
	if err != nil {
		return err
	}
	token, exp, err := signer.Issue(userID, name)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	return nil
}
