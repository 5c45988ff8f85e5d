// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the prometheus instruments of the orchestration core.
type Collector struct {
	// Agent scheduler
	agentExecutionsTotal   *prometheus.CounterVec
	agentExecutionDuration *prometheus.HistogramVec
	agentRetriesTotal      *prometheus.CounterVec
	subAgentRunsTotal      *prometheus.CounterVec

	// Chain interpreter
	chainRunsTotal    *prometheus.CounterVec
	chainRunDuration  *prometheus.HistogramVec
	chainNodeDuration *prometheus.HistogramVec

	// MCP layer
	mcpRestartsTotal *prometheus.CounterVec
	mcpRequestsTotal *prometheus.CounterVec
	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	// Result cache
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.agentExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_executions_total",
			Help:      "Total number of agent task executions",
		},
		[]string{"agent_type", "status"},
	)

	c.agentExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_execution_duration_seconds",
			Help:      "Agent task execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"agent_type"},
	)

	c.agentRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_retries_total",
			Help:      "Total number of agent retry attempts",
		},
		[]string{"agent_type"},
	)

	c.subAgentRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sub_agent_runs_total",
			Help:      "Total number of sub-agent fan-out executions",
		},
		[]string{"agent_type", "status"},
	)

	c.chainRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_runs_total",
			Help:      "Total number of chain executions",
		},
		[]string{"chain_id", "status"},
	)

	c.chainRunDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_run_duration_seconds",
			Help:      "Chain execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"chain_id"},
	)

	c.chainNodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_node_duration_seconds",
			Help:      "Chain node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node_type"},
	)

	c.mcpRestartsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mcp_restarts_total",
			Help:      "Total number of MCP server restart attempts",
		},
		[]string{"server", "status"},
	)

	c.mcpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mcp_requests_total",
			Help:      "Total number of JSON-RPC requests sent to MCP servers",
		},
		[]string{"server", "method", "status"},
	)

	c.toolCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of wrapped tool calls",
		},
		[]string{"server", "tool", "status"},
	)

	c.toolCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Wrapped tool call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "tool"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of result cache hits",
		},
		[]string{"backend"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of result cache misses",
		},
		[]string{"backend"},
	)

	return c
}

// RecordAgentExecution records one completed agent task execution.
func (c *Collector) RecordAgentExecution(agentType, status string, duration time.Duration) {
	c.agentExecutionsTotal.WithLabelValues(agentType, status).Inc()
	c.agentExecutionDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// RecordAgentRetry records one retry attempt for an agent type.
func (c *Collector) RecordAgentRetry(agentType string) {
	c.agentRetriesTotal.WithLabelValues(agentType).Inc()
}

// RecordSubAgentRun records one sub-agent fan-out execution.
func (c *Collector) RecordSubAgentRun(agentType, status string) {
	c.subAgentRunsTotal.WithLabelValues(agentType, status).Inc()
}

// RecordChainRun records one completed chain execution.
func (c *Collector) RecordChainRun(chainID, status string, duration time.Duration) {
	c.chainRunsTotal.WithLabelValues(chainID, status).Inc()
	c.chainRunDuration.WithLabelValues(chainID).Observe(duration.Seconds())
}

// RecordChainNode records one chain node execution.
func (c *Collector) RecordChainNode(nodeType string, duration time.Duration) {
	c.chainNodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// RecordMCPRestart records one restart attempt for an MCP server.
func (c *Collector) RecordMCPRestart(server, status string) {
	c.mcpRestartsTotal.WithLabelValues(server, status).Inc()
}

// RecordMCPRequest records one JSON-RPC request.
func (c *Collector) RecordMCPRequest(server, method, status string) {
	c.mcpRequestsTotal.WithLabelValues(server, method, status).Inc()
}

// RecordToolCall records one wrapped tool call.
func (c *Collector) RecordToolCall(server, tool, status string, duration time.Duration) {
	c.toolCallsTotal.WithLabelValues(server, tool, status).Inc()
	c.toolCallDuration.WithLabelValues(server, tool).Observe(duration.Seconds())
}

// RecordCacheHit records one result cache hit.
func (c *Collector) RecordCacheHit(backend string) {
	c.cacheHits.WithLabelValues(backend).Inc()
}

// RecordCacheMiss records one result cache miss.
func (c *Collector) RecordCacheMiss(backend string) {
	c.cacheMisses.WithLabelValues(backend).Inc()
}
