package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BIDCORE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BIDCORE_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BIDCORE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "BIDCORE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BIDCORE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BIDCORE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BIDCORE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BIDCORE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BIDCORE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BIDCORE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BIDCORE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BIDCORE_POSTGRES_RUN_MIGRATIONS")
	setDuration(&cfg.Postgres.LockTimeout, "BIDCORE_POSTGRES_LOCK_TIMEOUT")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BIDCORE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "BIDCORE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BIDCORE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BIDCORE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BIDCORE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BIDCORE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BIDCORE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "BIDCORE_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.DialTimeout, "BIDCORE_REDIS_DIAL_TIMEOUT")
	setDuration(&cfg.Redis.OpTimeout, "BIDCORE_REDIS_OP_TIMEOUT")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "BIDCORE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "BIDCORE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BIDCORE_S3_REGION")
	setStr(&cfg.S3.Bucket, "BIDCORE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BIDCORE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BIDCORE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BIDCORE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BIDCORE_S3_FORCE_PATH_STYLE")

	// ── Bidding ──
	setDuration(&cfg.Bidding.LockTimeout, "BIDCORE_BIDDING_LOCK_TIMEOUT")
	setDuration(&cfg.Bidding.LockTTL, "BIDCORE_BIDDING_LOCK_TTL")
	setInt(&cfg.Bidding.RateLimit, "BIDCORE_BIDDING_RATE_LIMIT")
	setDuration(&cfg.Bidding.RateWindow, "BIDCORE_BIDDING_RATE_WINDOW")
	setStr(&cfg.Bidding.Currency, "BIDCORE_BIDDING_CURRENCY")

	// ── Scheduler ──
	setBool(&cfg.Scheduler.Enabled, "BIDCORE_SCHEDULER_ENABLED")
	setDuration(&cfg.Scheduler.Interval, "BIDCORE_SCHEDULER_INTERVAL")
	setDuration(&cfg.Scheduler.TickTimeout, "BIDCORE_SCHEDULER_TICK_TIMEOUT")
	setInt(&cfg.Scheduler.PageSize, "BIDCORE_SCHEDULER_PAGE_SIZE")
	setBool(&cfg.Scheduler.Archive, "BIDCORE_SCHEDULER_ARCHIVE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BIDCORE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BIDCORE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BIDCORE_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RequestsPerMinute, "BIDCORE_SERVER_REQUESTS_PER_MINUTE")

	// ── Session ──
	setStr(&cfg.Session.Secret, "BIDCORE_SESSION_SECRET")
	setStr(&cfg.Session.Salt, "BIDCORE_SESSION_SALT")
	setDuration(&cfg.Session.TTL, "BIDCORE_SESSION_TTL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BIDCORE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BIDCORE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BIDCORE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BIDCORE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Store, "BIDCORE_STORE")
	setStr(&cfg.Mode, "BIDCORE_MODE")
	setStr(&cfg.LogLevel, "BIDCORE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
