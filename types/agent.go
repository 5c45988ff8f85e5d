package types

import (
	"context"
	"time"
)

// AgentTask describes one unit of work handed to an agent. A task is
// immutable for the duration of an invocation: the scheduler never mutates
// it after dispatch.
type AgentTask struct {
	// Description is the task text the agent acts on.
	Description string `json:"description"`
	// Context is optional background text supplied by the caller.
	Context string `json:"context,omitempty"`
	// InputData carries named inputs selected for this task.
	InputData map[string]any `json:"input_data,omitempty"`
	// MaxIterations bounds internal agent iteration (0 = agent default).
	MaxIterations int `json:"max_iterations,omitempty"`
}

// ToolCall records a single tool invocation made during an agent execution.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result,omitempty"`
}

// ExecutionMetrics captures timing for one agent execution. Attached to a
// response only when the agent's settings enable metrics.
type ExecutionMetrics struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
}

// AgentResponse is the result of one agent execution. It is created once per
// execution and never mutated after being returned.
type AgentResponse struct {
	Result          string                    `json:"result"`
	Success         bool                      `json:"success"`
	Error           string                    `json:"error,omitempty"`
	Thoughts        string                    `json:"thoughts,omitempty"`
	Metadata        map[string]any            `json:"metadata,omitempty"`
	ToolCalls       []ToolCall                `json:"tool_calls,omitempty"`
	SubAgentResults map[string]*AgentResponse `json:"sub_agent_results,omitempty"`
	Metrics         *ExecutionMetrics         `json:"metrics,omitempty"`
}

// FailedResponse builds a failure response from an error message.
func FailedResponse(msg string) *AgentResponse {
	return &AgentResponse{Success: false, Error: msg}
}

// RetryStrategy selects how the scheduler spaces retry attempts.
type RetryStrategy string

const (
	// RetryNone executes exactly once.
	RetryNone RetryStrategy = "no_retry"
	// RetryFixedDelay sleeps a constant InitialDelay between attempts.
	RetryFixedDelay RetryStrategy = "fixed_delay"
	// RetryLinearBackoff increases the delay by InitialDelay each retry.
	RetryLinearBackoff RetryStrategy = "linear_backoff"
	// RetryExponentialBackoff multiplies the delay by BackoffFactor each
	// retry, capped at MaxDelay.
	RetryExponentialBackoff RetryStrategy = "exponential_backoff"
)

// RetryConfig configures the retry behavior of one agent.
type RetryConfig struct {
	Strategy      RetryStrategy `json:"strategy"`
	MaxRetries    int           `json:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultRetryConfig returns the retry configuration applied when an agent
// declares none.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Strategy:      RetryExponentialBackoff,
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// SubAgentConfig declares a secondary agent fanned out from a primary
// agent's execution.
type SubAgentConfig struct {
	// AgentType names the target agent.
	AgentType string `json:"agent_type"`
	// Enabled gates the sub-agent without removing its declaration.
	Enabled bool `json:"enabled"`
	// Priority orders execution; higher runs first.
	Priority int `json:"priority"`
	// Required marks the sub-agent as important to the caller. A required
	// sub-agent failure is recorded but never fails the parent task.
	Required bool `json:"required"`
	// PassContext forwards the parent task's context text to the sub-agent.
	PassContext bool `json:"pass_context"`
	// OutputKey names the slot in SubAgentResults for this sub-agent.
	OutputKey string `json:"output_key"`
	// Condition is an optional expression evaluated against the parent
	// task, response and accumulated sub-results. Empty means always run.
	Condition string `json:"condition,omitempty"`
}

// AgentSettings is the per-agent configuration block consumed by the
// scheduler: enablement, retry policy, timeout, caching and sub-agents.
type AgentSettings struct {
	Enabled       bool             `json:"enabled"`
	Model         string           `json:"model,omitempty"`
	Temperature   float64          `json:"temperature,omitempty"`
	Retry         RetryConfig      `json:"retry"`
	Timeout       time.Duration    `json:"timeout,omitempty"`
	EnableCaching bool             `json:"enable_caching"`
	EnableMetrics bool             `json:"enable_metrics"`
	SubAgents     []SubAgentConfig `json:"sub_agents,omitempty"`
}

// Agent is the execution contract implemented by concrete agent units and
// consumed by the scheduler. Implementations typically wrap an LLM call;
// that business logic lives outside this core.
//
// Execute should fail with a VALIDATION-coded error for bad input (never
// retried) and a TRANSIENT-coded error for network/API issues (retried per
// the agent's settings).
type Agent interface {
	// Type returns the agent's registry key.
	Type() string
	// Execute runs the task and returns a response.
	Execute(ctx context.Context, task *AgentTask) (*AgentResponse, error)
	// Settings returns the agent's configuration block.
	Settings() AgentSettings
}
