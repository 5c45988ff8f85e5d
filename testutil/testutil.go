// Package testutil provides shared helpers for tests: bounded contexts and
// a scriptable agent double with call accounting.
package testutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openagents/conductor/types"
)

// TestContext returns a context that expires with a generous test deadline
// and is cancelled on cleanup.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext returns an already-cancelled context.
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// MockAgent is a scriptable types.Agent. Each Execute call consumes the next
// scripted step; when the script runs out the last step repeats. A nil script
// yields a generic success.
type MockAgent struct {
	AgentType string
	Config    types.AgentSettings

	steps []step
	calls atomic.Int64
}

type step struct {
	resp *types.AgentResponse
	err  error
	fn   func(ctx context.Context, task *types.AgentTask) (*types.AgentResponse, error)
}

// NewMockAgent creates an enabled mock with no retry policy.
func NewMockAgent(agentType string) *MockAgent {
	return &MockAgent{
		AgentType: agentType,
		Config: types.AgentSettings{
			Enabled: true,
			Retry:   types.RetryConfig{Strategy: types.RetryNone},
		},
	}
}

// WithSettings replaces the mock's settings.
func (m *MockAgent) WithSettings(s types.AgentSettings) *MockAgent {
	m.Config = s
	return m
}

// Respond scripts a successful response step.
func (m *MockAgent) Respond(resp *types.AgentResponse) *MockAgent {
	m.steps = append(m.steps, step{resp: resp})
	return m
}

// Fail scripts an error step.
func (m *MockAgent) Fail(err error) *MockAgent {
	m.steps = append(m.steps, step{err: err})
	return m
}

// Do scripts an arbitrary step, including ones that panic or block.
func (m *MockAgent) Do(fn func(ctx context.Context, task *types.AgentTask) (*types.AgentResponse, error)) *MockAgent {
	m.steps = append(m.steps, step{fn: fn})
	return m
}

// Calls reports how many times Execute ran.
func (m *MockAgent) Calls() int {
	return int(m.calls.Load())
}

func (m *MockAgent) Type() string { return m.AgentType }

func (m *MockAgent) Settings() types.AgentSettings { return m.Config }

func (m *MockAgent) Execute(ctx context.Context, task *types.AgentTask) (*types.AgentResponse, error) {
	n := int(m.calls.Add(1))
	if len(m.steps) == 0 {
		return &types.AgentResponse{Result: "ok", Success: true}, nil
	}
	s := m.steps[len(m.steps)-1]
	if n <= len(m.steps) {
		s = m.steps[n-1]
	}
	if s.fn != nil {
		return s.fn(ctx, task)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}
