package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujan174/Ai-Link-sub000/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AILINK_ENV", "AILINK_PORT", "AILINK_LOG_LEVEL", "DATABASE_URL", "REDIS_URL",
		"AILINK_MASTER_KEY", "AILINK_ADMIN_KEY", "DASHBOARD_ORIGIN", "DASHBOARD_SECRET",
		"AILINK_ENABLE_TEST_HOOKS", "AILINK_CACHE_PROCESS_TTL_MS", "AILINK_AUDIT_BUFFER_SIZE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_DevelopmentDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.EnvDevelopment, cfg.Env)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, config.LogLevelInfo, cfg.LogLevel)
	assert.NotEmpty(t, cfg.MasterKey)
}

func TestLoad_ProductionRequiresMasterKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("AILINK_ENV", "production")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_ProductionRejectsDevDefaultKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("AILINK_ENV", "production")
	t.Setenv("AILINK_MASTER_KEY", "ailink-development-only-master-key-32byte")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_ProductionWithRealKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("AILINK_ENV", "production")
	t.Setenv("AILINK_MASTER_KEY", "a-real-32-byte-production-master-key!!")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.EnvProduction, cfg.Env)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AILINK_PORT", "9090")
	t.Setenv("AILINK_LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://prod:5432/db")
	t.Setenv("REDIS_URL", "redis://prod:6379/0")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, config.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, "postgres://prod:5432/db", cfg.DatabaseURL)
	assert.Equal(t, "redis://prod:6379/0", cfg.RedisURL)
}
