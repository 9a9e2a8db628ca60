package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", cfg.Addr())
	assert.Equal(t, 5.0, cfg.Budget.Soft)
	assert.Equal(t, 15.0, cfg.Budget.Medium)
	assert.Equal(t, 50.0, cfg.Budget.Hard)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 100000, cfg.RateLimit.TokensPerMinute)
	assert.Equal(t, "./data", cfg.Cache.DataDir)
	assert.InDelta(t, 0.92, cfg.Cache.SemanticThreshold, 1e-9)
	assert.Equal(t, 4000, cfg.Routing.ContextBudgetCheap)
	assert.Equal(t, 16000, cfg.Routing.ContextBudgetPremium)
	assert.True(t, cfg.Providers.LocalEnabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("DAILY_BUDGET_HARD", "120.5")
	t.Setenv("GATEWAY_SECRET", "sekrit")
	t.Setenv("CACHE_DIR", "/var/lib/gateway")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 120.5, cfg.Budget.Hard)
	assert.Equal(t, "sekrit", cfg.Server.GatewaySecret)
	assert.Equal(t, "/var/lib/gateway", cfg.Cache.DataDir)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8443
budget:
  soft: 2
  medium: 4
  hard: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, 2.0, cfg.Budget.Soft)
	assert.Equal(t, 8.0, cfg.Budget.Hard)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("defaults pass outside production", func(t *testing.T) {
		assert.NoError(t, base().Validate("development"))
	})

	t.Run("default secret rejected in production", func(t *testing.T) {
		err := base().Validate("production")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "default value")
	})

	t.Run("empty secret rejected", func(t *testing.T) {
		cfg := base()
		cfg.Server.GatewaySecret = ""
		assert.Error(t, cfg.Validate("development"))
	})

	t.Run("unordered budget rejected", func(t *testing.T) {
		cfg := base()
		cfg.Budget.Medium = 100
		assert.Error(t, cfg.Validate("development"))
	})

	t.Run("zero rate limits rejected", func(t *testing.T) {
		cfg := base()
		cfg.RateLimit.RequestsPerMinute = 0
		assert.Error(t, cfg.Validate("development"))
	})

	t.Run("semantic threshold bounds", func(t *testing.T) {
		cfg := base()
		cfg.Cache.SemanticThreshold = 1.5
		assert.Error(t, cfg.Validate("development"))
	})
}
