package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JOB_STORE", "")
	t.Setenv("DISPATCH_MODE", "")
	t.Setenv("CALLBACK_MAX_ATTEMPTS", "")
	t.Setenv("VIDFLOW_PUBLIC_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, "http://localhost:8080", cfg.API.PublicURL)
	assert.Equal(t, JobStoreMemory, cfg.Store.Kind)
	assert.Equal(t, DispatchProcess, cfg.Dispatch.Mode)
	assert.Equal(t, 1, cfg.Callback.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Monitor.StaleAfter)
	assert.GreaterOrEqual(t, cfg.Worker.MaxActiveJobs, 1)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JOB_STORE", "Badger")
	t.Setenv("DISPATCH_MODE", "container")
	t.Setenv("VIDFLOW_PUBLIC_URL", "http://api.internal:8080/")
	t.Setenv("CALLBACK_TIMEOUT", "3s")
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_CAPACITY", "5")
	t.Setenv("RATE_LIMIT_FLEET_CAPACITY", "200")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, JobStoreBadger, cfg.Store.Kind)
	assert.Equal(t, DispatchContainer, cfg.Dispatch.Mode)
	assert.Equal(t, "http://api.internal:8080", cfg.API.PublicURL)
	assert.Equal(t, 3*time.Second, cfg.Callback.Timeout)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 5, cfg.RateLimit.Capacity)
	assert.Equal(t, 200, cfg.RateLimit.FleetCapacity)
	assert.Equal(t, 0, cfg.Queue.RedisDB)
}

func TestLoadRejectsUnknownEnums(t *testing.T) {
	t.Setenv("JOB_STORE", "mongo")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JOB_STORE")

	t.Setenv("JOB_STORE", "memory")
	t.Setenv("DISPATCH_MODE", "thread")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCH_MODE")
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, APIConfig{LogLevel: "DEBUG"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, APIConfig{LogLevel: "warning"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, APIConfig{LogLevel: ""}.SlogLevel())
}
