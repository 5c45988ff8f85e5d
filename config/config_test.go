package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagents/conductor/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 100, cfg.Cache.MaxSize)
	assert.Equal(t, 300, cfg.Cache.TTLSeconds)
	assert.Equal(t, 30*time.Second, cfg.MCP.HealthInterval())
	assert.Equal(t, 3, cfg.MCP.MaxRestarts)
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
agents:
  summarizer:
    enabled: true
    model: small-1
    advanced:
      retry_config:
        strategy: fixed_delay
        max_retries: 2
        initial_delay_ms: 50
      timeout_seconds: 10
      enable_metrics: true
    sub_agents:
      - agent_type: critic
        enabled: true
        priority: 5
        output_key: critique
        condition: len(response.result) > 0
mcp:
  enabled: true
  max_restarts: 5
  servers:
    search:
      command: mcp-search
      args: ["--fast"]
      env:
        API_KEY: test
      enabled: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.MCP.Enabled)
	assert.Equal(t, 5, cfg.MCP.MaxRestarts)

	srv, ok := cfg.MCP.Servers["search"]
	require.True(t, ok)
	assert.Equal(t, "mcp-search", srv.Command)
	assert.Equal(t, []string{"--fast"}, srv.Args)
	assert.Equal(t, "test", srv.Env["API_KEY"])

	settings := cfg.Agents["summarizer"].Settings()
	assert.True(t, settings.Enabled)
	assert.Equal(t, types.RetryFixedDelay, settings.Retry.Strategy)
	assert.Equal(t, 2, settings.Retry.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, settings.Retry.InitialDelay)
	assert.Equal(t, 10*time.Second, settings.Timeout)
	assert.True(t, settings.EnableMetrics)
	require.Len(t, settings.SubAgents, 1)
	assert.Equal(t, "critic", settings.SubAgents[0].AgentType)
	assert.Equal(t, "critique", settings.SubAgents[0].OutputKey)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONDUCTOR_LOG_LEVEL", "warn")
	t.Setenv("CONDUCTOR_MCP_ENABLED", "true")
	t.Setenv("CONDUCTOR_REDIS_ADDR", "redis:6380")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.MCP.Enabled)
	assert.Equal(t, "redis:6380", cfg.Cache.Redis.Addr)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Default()
	cfg.Cache.Backend = "memcached"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MCP.Servers = map[string]ServerConfig{"empty": {Enabled: true}}
	assert.Error(t, cfg.Validate())
}

func TestRetryPolicyFallbacks(t *testing.T) {
	// Unknown strategy falls back to the default policy.
	policy := RetryConfig{Strategy: "aggressive"}.Policy()
	assert.Equal(t, types.DefaultRetryConfig(), policy)

	// Zero delays get usable values.
	policy = RetryConfig{Strategy: "exponential_backoff", MaxRetries: 1}.Policy()
	assert.Equal(t, time.Second, policy.InitialDelay)
	assert.Equal(t, 30*time.Second, policy.MaxDelay)
	assert.Equal(t, 2.0, policy.BackoffFactor)
}
