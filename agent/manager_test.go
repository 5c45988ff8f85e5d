package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openagents/conductor/internal/metrics"
	"github.com/openagents/conductor/testutil"
	"github.com/openagents/conductor/types"
)

func TestExecuteAgentTaskUnknownTypeReturnsNil(t *testing.T) {
	m := NewManager(zap.NewNop())
	resp := m.ExecuteAgentTask(testutil.TestContext(t), "unregistered", &types.AgentTask{})
	assert.Nil(t, resp)
}

func TestExecuteAgentTaskDisabledAgentReturnsNil(t *testing.T) {
	mock := testutil.NewMockAgent("off")
	mock.Config.Enabled = false

	m := NewManager(zap.NewNop())
	m.RegisterAgent(mock)

	resp := m.ExecuteAgentTask(testutil.TestContext(t), "off", &types.AgentTask{})
	assert.Nil(t, resp)
	assert.Equal(t, 0, mock.Calls())
}

func TestExecuteAgentTaskSuccess(t *testing.T) {
	mock := testutil.NewMockAgent("writer").
		Respond(&types.AgentResponse{Result: "draft", Success: true})

	m := NewManager(zap.NewNop())
	m.RegisterAgent(mock)

	resp := m.ExecuteAgentTask(testutil.TestContext(t), "writer", &types.AgentTask{Description: "write"})
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "draft", resp.Result)
}

func TestExecuteAgentTaskPanicBecomesFailedResponse(t *testing.T) {
	mock := testutil.NewMockAgent("bomb").
		Do(func(ctx context.Context, task *types.AgentTask) (*types.AgentResponse, error) {
			panic("nil map write")
		})

	m := NewManager(zap.NewNop())
	m.RegisterAgent(mock)

	resp := m.ExecuteAgentTask(testutil.TestContext(t), "bomb", &types.AgentTask{})
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "panicked")
	assert.Contains(t, resp.Error, "nil map write")
}

func TestExecuteAgentTaskRetriesThenFails(t *testing.T) {
	mock := testutil.NewMockAgent("flaky").
		WithSettings(fastRetry(types.RetryFixedDelay, 2)).
		Fail(types.NewTransientError("busy"))

	m := NewManager(zap.NewNop())
	m.RegisterAgent(mock)

	resp := m.ExecuteAgentTask(testutil.TestContext(t), "flaky", &types.AgentTask{})
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Equal(t, 3, mock.Calls())
}

func TestExecuteAgentTaskRecordsMetricsWhenEnabled(t *testing.T) {
	settings := fastRetry(types.RetryNone, 0)
	settings.EnableMetrics = true
	mock := testutil.NewMockAgent("timed").
		WithSettings(settings).
		Respond(&types.AgentResponse{Result: "ok", Success: true})

	collector := metrics.NewCollector("conductor_test", prometheus.NewRegistry(), zap.NewNop())
	m := NewManager(zap.NewNop(), WithMetrics(collector))
	m.RegisterAgent(mock)

	resp := m.ExecuteAgentTask(testutil.TestContext(t), "timed", &types.AgentTask{})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Metrics)
	assert.Equal(t, 1, resp.Metrics.Attempts)
	assert.False(t, resp.Metrics.EndTime.Before(resp.Metrics.StartTime))
}

func TestExecuteAgentTaskHonorsTimeout(t *testing.T) {
	settings := fastRetry(types.RetryNone, 0)
	settings.Timeout = 20 * time.Millisecond
	mock := testutil.NewMockAgent("slow").
		WithSettings(settings).
		Do(func(ctx context.Context, task *types.AgentTask) (*types.AgentResponse, error) {
			<-ctx.Done()
			return nil, types.NewTimeoutError("deadline hit")
		})

	m := NewManager(zap.NewNop())
	m.RegisterAgent(mock)

	resp := m.ExecuteAgentTask(testutil.TestContext(t), "slow", &types.AgentTask{})
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
}

func TestSubAgentFanOut(t *testing.T) {
	critic := testutil.NewMockAgent("critic").
		Respond(&types.AgentResponse{Result: "looks fine", Success: true})
	checker := testutil.NewMockAgent("fact_checker").
		Respond(&types.AgentResponse{Result: "verified", Success: true})

	primarySettings := types.AgentSettings{
		Enabled: true,
		Retry:   types.RetryConfig{Strategy: types.RetryNone},
		SubAgents: []types.SubAgentConfig{
			{AgentType: "critic", Enabled: true, Priority: 1, OutputKey: "critique"},
			{AgentType: "fact_checker", Enabled: true, Priority: 2},
			{AgentType: "ghost", Enabled: false},
		},
	}
	primary := testutil.NewMockAgent("writer").
		WithSettings(primarySettings).
		Respond(&types.AgentResponse{Result: "draft", Success: true})

	m := NewManager(zap.NewNop())
	m.RegisterAgent(primary)
	m.RegisterAgent(critic)
	m.RegisterAgent(checker)

	resp := m.ExecuteAgentTask(testutil.TestContext(t), "writer", &types.AgentTask{Description: "write"})
	require.NotNil(t, resp)
	require.Len(t, resp.SubAgentResults, 2)
	assert.Equal(t, "looks fine", resp.SubAgentResults["critique"].Result)
	assert.Equal(t, "verified", resp.SubAgentResults["fact_checker"].Result)
	assert.Equal(t, 1, critic.Calls())
	assert.Equal(t, 1, checker.Calls())
}

func TestSubAgentFailureIsolated(t *testing.T) {
	bad := testutil.NewMockAgent("auditor").
		Fail(types.NewTransientError("unreachable"))
	good := testutil.NewMockAgent("formatter").
		Respond(&types.AgentResponse{Result: "formatted", Success: true})

	primarySettings := types.AgentSettings{
		Enabled: true,
		Retry:   types.RetryConfig{Strategy: types.RetryNone},
		SubAgents: []types.SubAgentConfig{
			{AgentType: "auditor", Enabled: true, Required: true},
			{AgentType: "formatter", Enabled: true},
		},
	}
	primary := testutil.NewMockAgent("writer").
		WithSettings(primarySettings).
		Respond(&types.AgentResponse{Result: "draft", Success: true})

	m := NewManager(zap.NewNop())
	m.RegisterAgent(primary)
	m.RegisterAgent(bad)
	m.RegisterAgent(good)

	resp := m.ExecuteAgentTask(testutil.TestContext(t), "writer", &types.AgentTask{})
	require.NotNil(t, resp)
	// The primary result survives a failing required sub-agent.
	assert.True(t, resp.Success)
	require.Len(t, resp.SubAgentResults, 2)
	assert.False(t, resp.SubAgentResults["auditor"].Success)
	assert.True(t, resp.SubAgentResults["formatter"].Success)
}

func TestSubAgentUnknownTypeRecordedAsFailure(t *testing.T) {
	primarySettings := types.AgentSettings{
		Enabled: true,
		Retry:   types.RetryConfig{Strategy: types.RetryNone},
		SubAgents: []types.SubAgentConfig{
			{AgentType: "missing", Enabled: true},
		},
	}
	primary := testutil.NewMockAgent("writer").
		WithSettings(primarySettings).
		Respond(&types.AgentResponse{Result: "draft", Success: true})

	m := NewManager(zap.NewNop())
	m.RegisterAgent(primary)

	resp := m.ExecuteAgentTask(testutil.TestContext(t), "writer", &types.AgentTask{})
	require.NotNil(t, resp)
	require.Contains(t, resp.SubAgentResults, "missing")
	assert.False(t, resp.SubAgentResults["missing"].Success)
}

func TestSubAgentConditionSkips(t *testing.T) {
	critic := testutil.NewMockAgent("critic").
		Respond(&types.AgentResponse{Result: "skip me", Success: true})

	primarySettings := types.AgentSettings{
		Enabled: true,
		Retry:   types.RetryConfig{Strategy: types.RetryNone},
		SubAgents: []types.SubAgentConfig{
			{AgentType: "critic", Enabled: true, Condition: `response.success == false`},
		},
	}
	primary := testutil.NewMockAgent("writer").
		WithSettings(primarySettings).
		Respond(&types.AgentResponse{Result: "draft", Success: true})

	m := NewManager(zap.NewNop())
	m.RegisterAgent(primary)
	m.RegisterAgent(critic)

	resp := m.ExecuteAgentTask(testutil.TestContext(t), "writer", &types.AgentTask{})
	require.NotNil(t, resp)
	assert.Empty(t, resp.SubAgentResults)
	assert.Equal(t, 0, critic.Calls())
}

func TestSubAgentBrokenConditionStillExecutes(t *testing.T) {
	critic := testutil.NewMockAgent("critic").
		Respond(&types.AgentResponse{Result: "ran anyway", Success: true})

	primarySettings := types.AgentSettings{
		Enabled: true,
		Retry:   types.RetryConfig{Strategy: types.RetryNone},
		SubAgents: []types.SubAgentConfig{
			{AgentType: "critic", Enabled: true, Condition: `((`},
		},
	}
	primary := testutil.NewMockAgent("writer").
		WithSettings(primarySettings).
		Respond(&types.AgentResponse{Result: "draft", Success: true})

	m := NewManager(zap.NewNop())
	m.RegisterAgent(primary)
	m.RegisterAgent(critic)

	resp := m.ExecuteAgentTask(testutil.TestContext(t), "writer", &types.AgentTask{})
	require.NotNil(t, resp)
	assert.Equal(t, 1, critic.Calls())
}

func TestSubAgentConcurrencyBounded(t *testing.T) {
	var current, peak atomic.Int64
	mkSub := func(name string) *testutil.MockAgent {
		return testutil.NewMockAgent(name).
			Do(func(ctx context.Context, task *types.AgentTask) (*types.AgentResponse, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				current.Add(-1)
				return &types.AgentResponse{Result: name, Success: true}, nil
			})
	}

	subs := make([]types.SubAgentConfig, 0, 6)
	m := NewManager(zap.NewNop())
	for _, name := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		m.RegisterAgent(mkSub(name))
		subs = append(subs, types.SubAgentConfig{AgentType: name, Enabled: true})
	}

	primary := testutil.NewMockAgent("writer").
		WithSettings(types.AgentSettings{
			Enabled:   true,
			Retry:     types.RetryConfig{Strategy: types.RetryNone},
			SubAgents: subs,
		}).
		Respond(&types.AgentResponse{Result: "draft", Success: true})
	m.RegisterAgent(primary)

	resp := m.ExecuteAgentTask(testutil.TestContext(t), "writer", &types.AgentTask{})
	require.NotNil(t, resp)
	assert.Len(t, resp.SubAgentResults, 6)
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestSubAgentPassContext(t *testing.T) {
	var sawContext atomic.Bool
	sub := testutil.NewMockAgent("reader").
		Do(func(ctx context.Context, task *types.AgentTask) (*types.AgentResponse, error) {
			sawContext.Store(task.Context != "")
			return &types.AgentResponse{Result: "ok", Success: true}, nil
		})

	primarySettings := types.AgentSettings{
		Enabled: true,
		Retry:   types.RetryConfig{Strategy: types.RetryNone},
		SubAgents: []types.SubAgentConfig{
			{AgentType: "reader", Enabled: true, PassContext: false},
		},
	}
	primary := testutil.NewMockAgent("writer").
		WithSettings(primarySettings).
		Respond(&types.AgentResponse{Result: "draft", Success: true})

	m := NewManager(zap.NewNop())
	m.RegisterAgent(primary)
	m.RegisterAgent(sub)

	m.ExecuteAgentTask(testutil.TestContext(t), "writer", &types.AgentTask{Context: "secret history"})
	assert.False(t, sawContext.Load())
}

func TestReloadAgentsSwapsRegistry(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.RegisterAgent(testutil.NewMockAgent("old"))
	require.Equal(t, []string{"old"}, m.AgentTypes())

	m.ReloadAgents([]types.Agent{
		testutil.NewMockAgent("alpha"),
		testutil.NewMockAgent("beta"),
	})
	assert.Equal(t, []string{"alpha", "beta"}, m.AgentTypes())
	assert.Nil(t, m.ExecuteAgentTask(testutil.TestContext(t), "old", &types.AgentTask{}))
}
