package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Session.Secret = "0123456789abcdef0123"
	return cfg
}

func TestDefaultsValidateWithSecret(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	cfg.Store = "sqlite"
	cfg.Bidding.LockTimeout.Duration = 0
	cfg.Scheduler.PageSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "trade"`)
	assert.Contains(t, err.Error(), `unknown store "sqlite"`)
	assert.Contains(t, err.Error(), "bidding: lock_timeout must be > 0")
	assert.Contains(t, err.Error(), "scheduler: page_size must be >= 1")
}

func TestValidateRequiresSessionSecretForServer(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session: secret")

	cfg.Server.Enabled = false
	require.NoError(t, cfg.Validate())
}

func TestValidateMemoryStoreSkipsPostgres(t *testing.T) {
	cfg := validConfig()
	cfg.Store = "memory"
	cfg.Postgres.Host = ""
	cfg.Postgres.PoolMaxConns = 0
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bidcore.toml")
	body := `
mode = "server"
store = "memory"

[bidding]
lock_timeout = "750ms"
rate_limit = 3

[scheduler]
interval = "2s"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("BIDCORE_SESSION_SECRET", "from-env-secret-value")
	t.Setenv("BIDCORE_SERVER_PORT", "9090")
	t.Setenv("BIDCORE_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 750*time.Millisecond, cfg.Bidding.LockTimeout.Duration)
	assert.Equal(t, 3, cfg.Bidding.RateLimit)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.Interval.Duration)
	// Untouched values keep their defaults.
	assert.Equal(t, 100, cfg.Scheduler.PageSize)
	assert.Equal(t, "from-env-secret-value", cfg.Session.Secret)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg-pass"
	cfg.Notify.Events = []string{"auction_settled"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Session.Secret)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "", out.Redis.Password, "empty secrets stay empty")

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "auction_settled", cfg.Notify.Events[0])
	assert.Equal(t, "0123456789abcdef0123", cfg.Session.Secret)
}
