package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"RELAY_BROKER_URL", "RELAY_WORKER_ID", "RELAY_RATE_LIMIT",
		"RELAY_HOME_QUEUE", "RELAY_DRAIN_TIMEOUT", "RELAY_ENCRYPTION_KEY",
		"RELAY_CONFIG_FILE",
	} {
		os.Unsetenv(k)
	}
	Reset()
	t.Cleanup(Reset)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Broker.Addr)
	assert.Equal(t, 5, cfg.Worker.MaxConcurrency)
	assert.Equal(t, 60, cfg.Worker.RateLimitPerMinute)
	assert.Equal(t, 30*time.Second, cfg.Worker.DrainTimeout)
	assert.Equal(t, "top_score", cfg.Dispatcher.Strategy)
	assert.Equal(t, 5.0, cfg.Dispatcher.ZoneBonus)
	assert.Equal(t, time.Hour, cfg.Health.StuckThreshold)
	assert.Equal(t, int64(50), cfg.Health.DLQScanN)
}

func TestLoadCachesSingleton(t *testing.T) {
	clearEnv(t)

	first, err := Load()
	require.NoError(t, err)

	os.Setenv("RELAY_WORKER_ID", "w-late")
	second, err := Load()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Empty(t, second.Worker.ID, "env set after the first Load must not retroactively change the cached config")
}

func TestLoadHonorsExplicitEnvBindings(t *testing.T) {
	clearEnv(t)
	os.Setenv("RELAY_BROKER_URL", "redis.internal:6380")
	os.Setenv("RELAY_WORKER_ID", "w-1")
	os.Setenv("RELAY_RATE_LIMIT", "120")
	os.Setenv("RELAY_HOME_QUEUE", "queue-a")
	os.Setenv("RELAY_DRAIN_TIMEOUT", "45s")
	os.Setenv("RELAY_ENCRYPTION_KEY", "s3cr3t")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Broker.Addr)
	assert.Equal(t, "w-1", cfg.Worker.ID)
	assert.Equal(t, 120, cfg.Worker.RateLimitPerMinute)
	assert.Equal(t, "queue-a", cfg.Worker.HomeQueue)
	assert.Equal(t, 45*time.Second, cfg.Worker.DrainTimeout)
	assert.Equal(t, "s3cr3t", cfg.Worker.EncryptionKey)
}

func TestLoadHonorsAutomaticEnvForUnboundKeys(t *testing.T) {
	clearEnv(t)
	os.Setenv("RELAY_LOG_LEVEL", "debug")
	t.Cleanup(func() { os.Unsetenv("RELAY_LOG_LEVEL") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestResetForcesReload(t *testing.T) {
	clearEnv(t)

	first, err := Load()
	require.NoError(t, err)

	os.Setenv("RELAY_WORKER_ID", "w-2")
	Reset()

	second, err := Load()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, "w-2", second.Worker.ID)
}
