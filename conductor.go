// Package conductor wires the orchestration engine together: the agent
// scheduler, chain executor, MCP server manager with its health monitor,
// and the tool registry with caching and rate limiting.
//
// Usage:
//
//	cfg, err := config.Load("conductor.yaml")
//	sys, err := conductor.New(cfg, logger)
//	defer sys.Close()
//
//	resp := sys.Agents.ExecuteAgentTask(ctx, "summarizer", task)
package conductor

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/openagents/conductor/agent"
	"github.com/openagents/conductor/chain"
	"github.com/openagents/conductor/config"
	"github.com/openagents/conductor/internal/metrics"
	"github.com/openagents/conductor/mcp"
	"github.com/openagents/conductor/tool"
)

// System is a fully wired orchestrator instance. Construct it with New and
// release it with Close; there is no package-level singleton.
type System struct {
	Agents  *agent.Manager
	Chains  *chain.Executor
	MCP     *mcp.Manager
	Tools   *tool.Registry
	Monitor *mcp.HealthMonitor
	Metrics *metrics.Collector

	cfg        *config.Config
	logger     *zap.Logger
	monitorCtx context.CancelFunc
	toolOpts   []tool.WrapperOption
}

// New builds a System from configuration. MCP servers are started and their
// tools registered when the MCP block is enabled; a partial server startup
// is logged but not fatal.
func New(cfg *config.Config, logger *zap.Logger) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	collector := metrics.NewCollector("conductor", prometheus.DefaultRegisterer, logger)

	sys := &System{
		Metrics: collector,
		cfg:     cfg,
		logger:  logger,
	}

	sys.Agents = agent.NewManager(logger, agent.WithMetrics(collector))
	sys.Chains = chain.NewExecutor(sys.Agents, logger, chain.WithExecutorMetrics(collector))
	sys.MCP = mcp.NewManager(logger, mcp.WithManagerMetrics(collector))
	sys.Tools = tool.NewRegistry(logger)

	if cfg.MCP.Enabled && len(cfg.MCP.Servers) > 0 {
		if err := sys.startMCP(context.Background()); err != nil {
			logger.Warn("mcp startup incomplete", zap.Error(err))
		}

		monitorCtx, cancel := context.WithCancel(context.Background())
		sys.monitorCtx = cancel
		sys.Monitor = mcp.NewHealthMonitor(sys.MCP, cfg.MCP.HealthInterval(), cfg.MCP.MaxRestarts, logger)
		go sys.Monitor.Run(monitorCtx)
	}

	return sys, nil
}

// startMCP launches the enabled servers and registers their tools with the
// configured cache and rate limiter.
func (s *System) startMCP(ctx context.Context) error {
	configs := make(map[string]mcp.ServerConfig)
	for name, sc := range s.cfg.MCP.Servers {
		if !sc.Enabled {
			continue
		}
		configs[name] = mcp.ServerConfig{
			Command: sc.Command,
			Args:    sc.Args,
			Env:     sc.Env,
			URL:     sc.URL,
		}
	}
	startErr := s.MCP.StartEnabled(ctx, configs)

	cache, err := s.buildCache(ctx)
	if err != nil {
		return err
	}
	limiter := tool.NewRateLimiter(
		s.cfg.RateLimit.ServerInterval(),
		s.cfg.RateLimit.ToolInterval(),
	)
	s.toolOpts = []tool.WrapperOption{
		tool.WithCache(cache),
		tool.WithRateLimiter(limiter),
		tool.WithWrapperMetrics(s.Metrics),
	}
	s.Tools.RegisterMCPTools(s.MCP, s.toolOpts...)
	return startErr
}

// buildCache constructs the configured result cache backend.
func (s *System) buildCache(ctx context.Context) (tool.ResultCache, error) {
	switch s.cfg.Cache.Backend {
	case "redis":
		return tool.NewRedisCache(ctx,
			s.cfg.Cache.Redis.Addr,
			s.cfg.Cache.Redis.Password,
			s.cfg.Cache.Redis.DB,
			s.cfg.Cache.TTL(),
			s.logger,
		)
	case "memory":
		return tool.NewLRUCache(s.cfg.Cache.MaxSize, s.cfg.Cache.TTL()), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", s.cfg.Cache.Backend)
	}
}

// RefreshTools re-registers the MCP tool catalog, replacing the previous
// registration. Call it after restarting servers with changed tool sets.
func (s *System) RefreshTools() int {
	return s.Tools.RegisterMCPTools(s.MCP, s.toolOpts...)
}

// Close stops the health monitor and every MCP server.
func (s *System) Close() error {
	if s.Monitor != nil {
		s.monitorCtx()
		s.Monitor.Stop()
	}
	return s.MCP.Close()
}
