package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/openagents/conductor/internal/metrics"
	"github.com/openagents/conductor/internal/pool"
	"github.com/openagents/conductor/types"
)

// Manager owns the set of MCP servers: start, stop, restart, tool dispatch.
// One mutex guards the server table; request round trips run outside it.
type Manager struct {
	mu      sync.Mutex
	servers map[string]*Server

	logger  *zap.Logger
	metrics *metrics.Collector
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerMetrics attaches a metrics collector.
func WithManagerMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// NewManager creates an empty server manager.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		servers: make(map[string]*Server),
		logger:  logger.With(zap.String("component", "mcp_manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartServer launches and registers one server. Starting a name that is
// already running is an error; restart it instead.
func (m *Manager) StartServer(ctx context.Context, name string, cfg ServerConfig) error {
	m.mu.Lock()
	if _, exists := m.servers[name]; exists {
		m.mu.Unlock()
		return types.NewValidationError("server %q already running", name)
	}
	m.mu.Unlock()

	srv, err := launch(ctx, name, cfg, m.logger)
	if err != nil {
		m.logger.Error("server start failed", zap.String("server", name), zap.Error(err))
		return err
	}

	m.mu.Lock()
	if _, exists := m.servers[name]; exists {
		m.mu.Unlock()
		_ = srv.shutdown()
		return types.NewValidationError("server %q already running", name)
	}
	m.servers[name] = srv
	m.mu.Unlock()

	m.logger.Info("server started", zap.String("server", name))
	return nil
}

// StartEnabled launches every config entry on a small worker pool so slow
// server startups overlap.
func (m *Manager) StartEnabled(ctx context.Context, configs map[string]ServerConfig) error {
	if len(configs) == 0 {
		return nil
	}

	p := pool.New(3, len(configs))
	var mu sync.Mutex
	var errs []error

	for name, cfg := range configs {
		name, cfg := name, cfg
		err := p.Submit(ctx, func(ctx context.Context) error {
			if err := m.StartServer(ctx, name, cfg); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("start %s: %w", name, err))
				mu.Unlock()
				return err
			}
			return nil
		})
		if err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("submit start of %s: %w", name, err))
			mu.Unlock()
		}
	}
	p.Close()

	if len(errs) > 0 {
		// Partial startup is usable; report what failed.
		for _, err := range errs {
			m.logger.Warn("server startup incomplete", zap.Error(err))
		}
		return fmt.Errorf("%d of %d servers failed to start", len(errs), len(configs))
	}
	return nil
}

// StopServer shuts one server down and removes it.
func (m *Manager) StopServer(name string) error {
	m.mu.Lock()
	srv, ok := m.servers[name]
	if ok {
		delete(m.servers, name)
	}
	m.mu.Unlock()
	if !ok {
		return types.NewValidationError("server %q not running", name)
	}

	err := srv.shutdown()
	m.logger.Info("server stopped", zap.String("server", name))
	return err
}

// RestartServer stops and relaunches one server with its original config.
func (m *Manager) RestartServer(ctx context.Context, name string) error {
	m.mu.Lock()
	srv, ok := m.servers[name]
	if ok {
		delete(m.servers, name)
	}
	m.mu.Unlock()
	if !ok {
		return types.NewValidationError("server %q not running", name)
	}

	cfg := srv.Config
	_ = srv.shutdown()

	err := m.StartServer(ctx, name, cfg)
	status := "success"
	if err != nil {
		status = "failure"
	}
	if m.metrics != nil {
		m.metrics.RecordMCPRestart(name, status)
	}
	return err
}

// Server looks up a running server.
func (m *Manager) Server(name string) (*Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[name]
	return srv, ok
}

// ServerNames returns the running server names, sorted.
func (m *Manager) ServerNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteTool invokes one tool on one server.
func (m *Manager) ExecuteTool(ctx context.Context, server, tool string, args map[string]any) (*CallToolResult, error) {
	m.mu.Lock()
	srv, ok := m.servers[server]
	m.mu.Unlock()
	if !ok {
		return nil, types.NewValidationError("server %q not running", server)
	}

	result, err := srv.client.CallTool(ctx, tool, args)
	if m.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.metrics.RecordMCPRequest(server, "tools/call", status)
	}
	return result, err
}

// AllTools returns the discovered tool catalogs keyed by server name.
func (m *Manager) AllTools() map[string][]types.ToolSchema {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]types.ToolSchema, len(m.servers))
	for name, srv := range m.servers {
		out[name] = srv.Tools()
	}
	return out
}

// Close stops every server.
func (m *Manager) Close() error {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*Server)
	m.mu.Unlock()

	var firstErr error
	for name, srv := range servers {
		if err := srv.shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.logger.Info("server stopped", zap.String("server", name))
	}
	return firstErr
}
