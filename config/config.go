// Package config loads the orchestrator configuration: per-agent-type
// settings (enablement, retry, timeout, sub-agents), MCP server definitions,
// result-cache and rate-limit tuning.
//
// Precedence: built-in defaults, then the YAML file, then CONDUCTOR_*
// environment variables. The loaded Config is a read-only snapshot; callers
// reload explicitly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openagents/conductor/types"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "CONDUCTOR"

// Config is the full orchestrator configuration.
type Config struct {
	Log       LogConfig              `yaml:"log"`
	Agents    map[string]AgentConfig `yaml:"agents"`
	MCP       MCPConfig              `yaml:"mcp"`
	Cache     CacheConfig            `yaml:"cache"`
	RateLimit RateLimitConfig        `yaml:"rate_limit"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// AgentConfig is the per-agent-type configuration block.
type AgentConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Model       string           `yaml:"model"`
	Temperature float64          `yaml:"temperature"`
	Advanced    AdvancedConfig   `yaml:"advanced"`
	SubAgents   []SubAgentConfig `yaml:"sub_agents"`
}

// AdvancedConfig holds the advanced tuning block of one agent.
type AdvancedConfig struct {
	Retry          RetryConfig `yaml:"retry_config"`
	TimeoutSeconds int         `yaml:"timeout_seconds"`
	EnableCaching  bool        `yaml:"enable_caching"`
	EnableMetrics  bool        `yaml:"enable_metrics"`
}

// RetryConfig is the YAML shape of a retry policy. Delays are milliseconds.
type RetryConfig struct {
	Strategy       string  `yaml:"strategy"`
	MaxRetries     int     `yaml:"max_retries"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
}

// SubAgentConfig is the YAML shape of a sub-agent declaration.
type SubAgentConfig struct {
	AgentType   string `yaml:"agent_type"`
	Enabled     bool   `yaml:"enabled"`
	Priority    int    `yaml:"priority"`
	Required    bool   `yaml:"required"`
	PassContext bool   `yaml:"pass_context"`
	OutputKey   string `yaml:"output_key"`
	Condition   string `yaml:"condition"`
}

// MCPConfig configures the MCP server manager and its health monitor.
type MCPConfig struct {
	Enabled               bool                    `yaml:"enabled"`
	HealthIntervalSeconds int                     `yaml:"health_interval_seconds"`
	MaxRestarts           int                     `yaml:"max_restarts"`
	Servers               map[string]ServerConfig `yaml:"servers"`
}

// ServerConfig describes one MCP server launch target. Either Command (a
// subprocess with stdio transport) or URL (a WebSocket endpoint) is set.
type ServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Enabled bool              `yaml:"enabled"`
}

// CacheConfig configures the tool result cache.
type CacheConfig struct {
	Backend    string      `yaml:"backend"` // memory, redis
	MaxSize    int         `yaml:"max_size"`
	TTLSeconds int         `yaml:"ttl_seconds"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig configures the optional Redis cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig configures tool-call throttling. Intervals are the
// minimum spacing between dispatches, in milliseconds.
type RateLimitConfig struct {
	ServerIntervalMS int `yaml:"server_interval_ms"`
	ToolIntervalMS   int `yaml:"tool_interval_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Agents: map[string]AgentConfig{},
		MCP: MCPConfig{
			Enabled:               false,
			HealthIntervalSeconds: 30,
			MaxRestarts:           3,
			Servers:               map[string]ServerConfig{},
		},
		Cache: CacheConfig{
			Backend:    "memory",
			MaxSize:    100,
			TTLSeconds: 300,
			Redis:      RedisConfig{Addr: "localhost:6379"},
		},
		RateLimit: RateLimitConfig{
			ServerIntervalMS: 100,
			ToolIntervalMS:   250,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies it
// over the defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides selected fields from CONDUCTOR_* variables.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPrefix + "_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvPrefix + "_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv(EnvPrefix + "_MCP_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.MCP.Enabled = b
		}
	}
	if v := os.Getenv(EnvPrefix + "_MCP_MAX_RESTARTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MCP.MaxRestarts = n
		}
	}
	if v := os.Getenv(EnvPrefix + "_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv(EnvPrefix + "_REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
	}
	if v := os.Getenv(EnvPrefix + "_REDIS_PASSWORD"); v != "" {
		c.Cache.Redis.Password = v
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache max_size must be positive, got %d", c.Cache.MaxSize)
	}
	if c.MCP.HealthIntervalSeconds <= 0 {
		return fmt.Errorf("mcp health_interval_seconds must be positive, got %d", c.MCP.HealthIntervalSeconds)
	}
	for name, srv := range c.MCP.Servers {
		if srv.Command == "" && srv.URL == "" {
			return fmt.Errorf("mcp server %q needs a command or a url", name)
		}
	}
	return nil
}

// Settings converts one agent block into the scheduler's settings type.
func (a AgentConfig) Settings() types.AgentSettings {
	return types.AgentSettings{
		Enabled:       a.Enabled,
		Model:         a.Model,
		Temperature:   a.Temperature,
		Retry:         a.Advanced.Retry.Policy(),
		Timeout:       time.Duration(a.Advanced.TimeoutSeconds) * time.Second,
		EnableCaching: a.Advanced.EnableCaching,
		EnableMetrics: a.Advanced.EnableMetrics,
		SubAgents:     convertSubAgents(a.SubAgents),
	}
}

// Policy converts the YAML retry block into the scheduler's retry policy.
// Unknown or empty strategies fall back to the default policy.
func (r RetryConfig) Policy() types.RetryConfig {
	strategy := types.RetryStrategy(r.Strategy)
	switch strategy {
	case types.RetryNone, types.RetryFixedDelay, types.RetryLinearBackoff, types.RetryExponentialBackoff:
	default:
		return types.DefaultRetryConfig()
	}

	cfg := types.RetryConfig{
		Strategy:      strategy,
		MaxRetries:    r.MaxRetries,
		InitialDelay:  time.Duration(r.InitialDelayMS) * time.Millisecond,
		MaxDelay:      time.Duration(r.MaxDelayMS) * time.Millisecond,
		BackoffFactor: r.BackoffFactor,
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2.0
	}
	return cfg
}

func convertSubAgents(subs []SubAgentConfig) []types.SubAgentConfig {
	if len(subs) == 0 {
		return nil
	}
	out := make([]types.SubAgentConfig, 0, len(subs))
	for _, s := range subs {
		out = append(out, types.SubAgentConfig{
			AgentType:   s.AgentType,
			Enabled:     s.Enabled,
			Priority:    s.Priority,
			Required:    s.Required,
			PassContext: s.PassContext,
			OutputKey:   s.OutputKey,
			Condition:   s.Condition,
		})
	}
	return out
}

// HealthInterval returns the monitor scan interval as a duration.
func (m MCPConfig) HealthInterval() time.Duration {
	return time.Duration(m.HealthIntervalSeconds) * time.Second
}

// TTL returns the cache entry time-to-live as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ServerInterval returns the per-server minimum dispatch spacing.
func (r RateLimitConfig) ServerInterval() time.Duration {
	return time.Duration(r.ServerIntervalMS) * time.Millisecond
}

// ToolInterval returns the per-(server,tool) minimum dispatch spacing.
func (r RateLimitConfig) ToolInterval() time.Duration {
	return time.Duration(r.ToolIntervalMS) * time.Millisecond
}
