// Package config defines the top-level configuration for the bidding engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BIDCORE_* environment variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Bidding   BiddingConfig   `toml:"bidding"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Server    ServerConfig    `toml:"server"`
	Session   SessionConfig   `toml:"session"`
	Notify    NotifyConfig    `toml:"notify"`
	// Store selects the persistence backend: "postgres" or "memory".
	Store    string `toml:"store"`
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	RunMigrations bool     `toml:"run_migrations"`
	LockTimeout   duration `toml:"lock_timeout"`
}

// RedisConfig holds Redis connection parameters. When disabled, locks, the
// event bus and rate limiting run in-process, which is only correct for a
// single instance.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// KeyPrefix namespaces every key so deployments can share a database.
	KeyPrefix   string   `toml:"key_prefix"`
	DialTimeout duration `toml:"dial_timeout"`
	OpTimeout   duration `toml:"op_timeout"`
}

// S3Config holds S3-compatible object storage parameters for the settlement
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// BiddingConfig tunes the bid critical section.
type BiddingConfig struct {
	// LockTimeout bounds how long a bid waits for the per-auction lock.
	LockTimeout duration `toml:"lock_timeout"`
	// LockTTL is the expiry of the distributed lock if the holder dies.
	LockTTL duration `toml:"lock_ttl"`
	// RateLimit is the number of bids one bidder may place per RateWindow.
	// Zero disables rate limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
	Currency   string   `toml:"currency"`
}

// SchedulerConfig tunes the auction lifecycle scheduler.
type SchedulerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Interval    duration `toml:"interval"`
	TickTimeout duration `toml:"tick_timeout"`
	PageSize    int      `toml:"page_size"`
	Archive     bool     `toml:"archive"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// RequestsPerMinute is the per-client HTTP rate limit. Zero disables it.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// SessionConfig holds parameters for signing session tokens.
type SessionConfig struct {
	Secret string   `toml:"secret"`
	Salt   string   `toml:"salt"`
	TTL    duration `toml:"ttl"`
}

// NotifyConfig holds operator alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "bidcore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  20,
			PoolMinConns:  2,
			RunMigrations: true,
			LockTimeout:   duration{3 * time.Second},
		},
		Redis: RedisConfig{
			Enabled:     true,
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			KeyPrefix:   "bidcore",
			DialTimeout: duration{5 * time.Second},
			OpTimeout:   duration{3 * time.Second},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bidcore-archive",
			ForcePathStyle: true,
		},
		Bidding: BiddingConfig{
			LockTimeout: duration{3 * time.Second},
			LockTTL:     duration{10 * time.Second},
			RateLimit:   10,
			RateWindow:  duration{time.Second},
			Currency:    "VND",
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			Interval:    duration{5 * time.Second},
			TickTimeout: duration{30 * time.Second},
			PageSize:    100,
			Archive:     false,
		},
		Server: ServerConfig{
			Enabled:           true,
			Port:              8080,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			RequestsPerMinute: 600,
		},
		Session: SessionConfig{
			Salt: "bidcore-session",
			TTL:  duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"auction_settled", "auction_cancelled", "settlement_failed"},
		},
		Store:    "postgres",
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":    true,
	"scheduler": true,
	"full":      true,
}

var validStores = map[string]bool{
	"postgres": true,
	"memory":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, scheduler, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validStores[strings.ToLower(c.Store)] {
		errs = append(errs, fmt.Sprintf("unknown store %q (valid: postgres, memory)", c.Store))
	}

	// Postgres
	if strings.ToLower(c.Store) == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
		if c.Postgres.LockTimeout.Duration <= 0 {
			errs = append(errs, "postgres: lock_timeout must be > 0")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Bidding
	if c.Bidding.LockTimeout.Duration <= 0 {
		errs = append(errs, "bidding: lock_timeout must be > 0")
	}
	if c.Bidding.LockTTL.Duration < c.Bidding.LockTimeout.Duration {
		errs = append(errs, "bidding: lock_ttl must be >= lock_timeout")
	}
	if c.Bidding.RateLimit < 0 {
		errs = append(errs, "bidding: rate_limit must be >= 0")
	}
	if c.Bidding.RateLimit > 0 && c.Bidding.RateWindow.Duration <= 0 {
		errs = append(errs, "bidding: rate_window must be > 0 when rate_limit is set")
	}
	if c.Bidding.Currency == "" {
		errs = append(errs, "bidding: currency must not be empty")
	}

	// Scheduler
	if c.Scheduler.Enabled {
		if c.Scheduler.Interval.Duration <= 0 {
			errs = append(errs, "scheduler: interval must be > 0")
		}
		if c.Scheduler.TickTimeout.Duration <= 0 {
			errs = append(errs, "scheduler: tick_timeout must be > 0")
		}
		if c.Scheduler.PageSize < 1 {
			errs = append(errs, "scheduler: page_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if len(c.Session.Secret) < 16 {
			errs = append(errs, "session: secret must be at least 16 characters when the server is enabled")
		}
	}
	if c.Session.TTL.Duration <= 0 {
		errs = append(errs, "session: ttl must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
