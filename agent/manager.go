package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openagents/conductor/expr"
	"github.com/openagents/conductor/internal/metrics"
	"github.com/openagents/conductor/types"
)

// defaultFanoutLimit bounds how many sub-agents run concurrently per task.
const defaultFanoutLimit = 3

// Manager schedules agent task executions: registry lookup, retry policy,
// sub-agent fan-out, and panic containment. ExecuteAgentTask never returns
// an error to its caller; every internal failure becomes a failed response,
// and an unconfigured agent type returns nil.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]types.Agent

	logger      *zap.Logger
	metrics     *metrics.Collector
	tracer      trace.Tracer
	fanoutLimit int
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithFanoutLimit overrides the sub-agent concurrency bound.
func WithFanoutLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.fanoutLimit = n
		}
	}
}

// NewManager creates a scheduler with an empty registry.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		agents:      make(map[string]types.Agent),
		logger:      logger.With(zap.String("component", "agent_manager")),
		tracer:      otel.Tracer("conductor/agent"),
		fanoutLimit: defaultFanoutLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterAgent adds or replaces an agent instance in the registry.
func (m *Manager) RegisterAgent(ag types.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[ag.Type()] = ag
	m.logger.Debug("agent registered", zap.String("agent_type", ag.Type()))
}

// Agent looks up a registered agent instance.
func (m *Manager) Agent(agentType string) (types.Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ag, ok := m.agents[agentType]
	return ag, ok
}

// AgentTypes returns the registered agent type names, sorted.
func (m *Manager) AgentTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReloadAgents clears the registry and rebuilds it from the given
// instances. A task execution that read the old registry keeps running
// against the old instance; the swap is not synchronized with in-flight
// executions.
func (m *Manager) ReloadAgents(agents []types.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = make(map[string]types.Agent, len(agents))
	for _, ag := range agents {
		m.agents[ag.Type()] = ag
	}
	m.logger.Info("agent registry reloaded", zap.Int("agents", len(agents)))
}

// ExecuteAgentTask runs a task on the agent registered for agentType.
//
// It returns nil when no enabled agent is configured for the type: that is
// a distinct "not available" signal, not a failure response, and callers
// must check it before reading the response. Every other outcome is a
// non-nil response; failures are reported through Success and Error.
func (m *Manager) ExecuteAgentTask(ctx context.Context, agentType string, task *types.AgentTask) (resp *types.AgentResponse) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("agent execution panicked",
				zap.String("agent_type", agentType),
				zap.Any("panic", r),
			)
			resp = types.FailedResponse(fmt.Sprintf("agent %s panicked: %v", agentType, r))
		}
	}()

	m.mu.RLock()
	ag, ok := m.agents[agentType]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("agent type not configured", zap.String("agent_type", agentType))
		return nil
	}

	settings := ag.Settings()
	if !settings.Enabled {
		m.logger.Debug("agent type disabled", zap.String("agent_type", agentType))
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "agent.execute_task",
		trace.WithAttributes(attribute.String("agent.type", agentType)))
	defer span.End()

	if settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, attempts, err := m.executeWithRetry(ctx, ag, task)
	if err != nil {
		m.logger.Warn("agent execution failed",
			zap.String("agent_type", agentType),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		out = types.FailedResponse(err.Error())
	} else if out == nil {
		out = types.FailedResponse(fmt.Sprintf("agent %s returned no response", agentType))
	}

	if len(settings.SubAgents) > 0 {
		subResults := m.executeSubAgents(ctx, settings.SubAgents, task, out)
		if len(subResults) > 0 {
			out.SubAgentResults = subResults
		}
	}

	if settings.EnableMetrics {
		end := time.Now()
		out.Metrics = &types.ExecutionMetrics{
			StartTime: start,
			EndTime:   end,
			Duration:  end.Sub(start),
			Attempts:  attempts,
		}
	}

	status := "success"
	if !out.Success {
		status = "failure"
	}
	if m.metrics != nil {
		m.metrics.RecordAgentExecution(agentType, status, time.Since(start))
	}

	return out
}

// executeSubAgents fans out the enabled sub-agents of a primary execution,
// highest priority first, on a bounded worker group. Each result lands
// under its configured output key. A failing sub-agent, required or not,
// never aborts its siblings or the parent.
func (m *Manager) executeSubAgents(ctx context.Context, subs []types.SubAgentConfig, task *types.AgentTask, parent *types.AgentResponse) map[string]*types.AgentResponse {
	eligible := make([]types.SubAgentConfig, 0, len(subs))
	for _, sub := range subs {
		if sub.Enabled {
			eligible = append(eligible, sub)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority > eligible[j].Priority
	})

	results := make(map[string]*types.AgentResponse, len(eligible))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fanoutLimit)

	for _, sub := range eligible {
		sub := sub

		if sub.Condition != "" {
			resultsMu.Lock()
			accumulated := make(map[string]any, len(results))
			for k, v := range results {
				accumulated[k] = map[string]any{"success": v.Success, "result": v.Result}
			}
			resultsMu.Unlock()

			vars := map[string]any{
				"task": map[string]any{
					"description": task.Description,
					"context":     task.Context,
				},
				"response": map[string]any{
					"result":  parent.Result,
					"success": parent.Success,
					"error":   parent.Error,
				},
				"sub_results": accumulated,
			}
			run, err := expr.Evaluate(sub.Condition, vars)
			if err != nil {
				m.logger.Warn("sub-agent condition evaluation failed, executing anyway",
					zap.String("agent_type", sub.AgentType),
					zap.String("condition", sub.Condition),
					zap.Error(err),
				)
				run = true
			}
			if !run {
				m.logger.Debug("sub-agent skipped by condition",
					zap.String("agent_type", sub.AgentType))
				continue
			}
		}

		outputKey := sub.OutputKey
		if outputKey == "" {
			outputKey = sub.AgentType
		}

		subTask := &types.AgentTask{
			Description:   task.Description,
			InputData:     task.InputData,
			MaxIterations: task.MaxIterations,
		}
		if sub.PassContext {
			subTask.Context = task.Context
		}

		g.Go(func() error {
			r := m.ExecuteAgentTask(gctx, sub.AgentType, subTask)
			if r == nil {
				r = types.FailedResponse(fmt.Sprintf("agent type %q not configured or enabled", sub.AgentType))
			}
			if !r.Success {
				m.logger.Warn("sub-agent failed",
					zap.String("agent_type", sub.AgentType),
					zap.String("output_key", outputKey),
					zap.Bool("required", sub.Required),
					zap.String("error", r.Error),
				)
			}
			if m.metrics != nil {
				status := "success"
				if !r.Success {
					status = "failure"
				}
				m.metrics.RecordSubAgentRun(sub.AgentType, status)
			}
			resultsMu.Lock()
			results[outputKey] = r
			resultsMu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}
