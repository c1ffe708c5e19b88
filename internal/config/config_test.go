package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LENS_ENV", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, int64(1<<20), cfg.Ingest.MaxBodyBytes)
	assert.Equal(t, int64(10<<20), cfg.Ingest.MaxBatchBodyBytes)
	assert.Equal(t, 5, cfg.Ingest.BulkThreshold)
	assert.Equal(t, 100, cfg.Ingest.MaxBatchSize)
	assert.Equal(t, 10, cfg.Ingest.SyncGroupingLimit)
	assert.Equal(t, 1024, cfg.Jobs.QueueCapacity)
	assert.Equal(t, 64, cfg.Stream.SubscriberBuffer)
	assert.Equal(t, 100, cfg.Stream.PollMaxEvents)
	assert.Equal(t, 7, cfg.Stats.DefaultDays)
	assert.Equal(t, 90, cfg.Stats.MaxDays)
	assert.Equal(t, 256, cfg.Alerts.QueueCapacity)
	assert.Equal(t, 3, cfg.Alerts.Attempts)
	assert.Equal(t, 600, cfg.RateLimit.RequestsPerMinute)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("DATABASE_URL", "postgres://lens:secret@db:5432/lens")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("LENS_ADMIN_TOKEN", "admin-token")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9191", cfg.Server.Port)
	assert.Equal(t, "postgres://lens:secret@db:5432/lens", cfg.Database.URL)
	assert.True(t, cfg.Redis.Enabled, "setting REDIS_ADDR turns redis on")
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "admin-token", cfg.Server.AdminToken)
}

func TestLoadYAMLFileAndEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lens.yaml")
	yaml := `
server:
  port: "7777"
  env: production
ingest:
  bulk_threshold: 8
stream:
  poll_timeout_seconds: 10
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("PORT", "6666")
	t.Setenv("LENS_ENV", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Env beats file, file beats defaults.
	assert.Equal(t, "6666", cfg.Server.Port)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.Equal(t, 8, cfg.Ingest.BulkThreshold)
	assert.Equal(t, 10, cfg.Stream.PollTimeoutSeconds)
	// Untouched keys still default.
	assert.Equal(t, 100, cfg.Ingest.MaxBatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Database.ConnMaxLifetimeDuration())
	assert.Equal(t, 5*time.Second, cfg.Stream.Heartbeat())
	assert.Equal(t, 25*time.Second, cfg.Stream.PollTimeout())
	assert.Equal(t, 2*time.Minute, cfg.Stats.CacheTTL())
	assert.Equal(t, 10*time.Second, cfg.Alerts.Timeout())
	assert.Equal(t, time.Second, cfg.Alerts.RetryBackoff())
}
