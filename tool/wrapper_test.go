package tool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openagents/conductor/mcp"
	"github.com/openagents/conductor/types"
)

// fakeCaller scripts tool call outcomes and counts dispatches.
type fakeCaller struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, args map[string]any) (*mcp.CallToolResult, error)
}

func (f *fakeCaller) ExecuteTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n, args)
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func searchSchema() types.ToolSchema {
	return types.ToolSchema{
		Name:        "search",
		Description: "web search",
		InputSchema: types.InputSchema{
			Type: "object",
			Properties: map[string]types.PropertySchema{
				"query": {Type: "string"},
				"limit": {Type: "integer"},
			},
			Required: []string{"query"},
		},
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ToolContent{{Type: "text", Text: text}}}
}

func TestWrapperValidationFailsWithoutDispatch(t *testing.T) {
	caller := &fakeCaller{fn: func(int, map[string]any) (*mcp.CallToolResult, error) {
		t.Fatal("call must not reach the server")
		return nil, nil
	}}
	w := NewMCPToolWrapper("srv", searchSchema(), caller, zap.NewNop())

	t.Run("missing required", func(t *testing.T) {
		result := w.Execute(context.Background(), map[string]any{"limit": 3})
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, `missing required field "query"`)
	})

	t.Run("wrong type", func(t *testing.T) {
		result := w.Execute(context.Background(), map[string]any{"query": 42})
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, `"query" is not a string`)
	})

	assert.Equal(t, 0, caller.callCount())
}

func TestWrapperValidatesJSONNumbersAsIntegers(t *testing.T) {
	caller := &fakeCaller{fn: func(int, map[string]any) (*mcp.CallToolResult, error) {
		return textResult("ok"), nil
	}}
	w := NewMCPToolWrapper("srv", searchSchema(), caller, zap.NewNop())

	// Decoded JSON carries integers as float64.
	result := w.Execute(context.Background(), map[string]any{"query": "go", "limit": float64(5)})
	assert.True(t, result.Success)

	result = w.Execute(context.Background(), map[string]any{"query": "go", "limit": 5.5})
	assert.False(t, result.Success)
}

func TestWrapperCachesSuccessfulResults(t *testing.T) {
	caller := &fakeCaller{fn: func(int, map[string]any) (*mcp.CallToolResult, error) {
		return textResult("fresh"), nil
	}}
	w := NewMCPToolWrapper("srv", searchSchema(), caller, zap.NewNop(),
		WithCache(NewLRUCache(10, time.Minute)))

	args := map[string]any{"query": "go"}
	first := w.Execute(context.Background(), args)
	require.True(t, first.Success)
	assert.Nil(t, first.Metadata["cached"])

	second := w.Execute(context.Background(), args)
	require.True(t, second.Success)
	assert.Equal(t, "fresh", second.Output)
	assert.Equal(t, true, second.Metadata["cached"])

	assert.Equal(t, 1, caller.callCount())
}

func TestWrapperDoesNotCacheFailures(t *testing.T) {
	caller := &fakeCaller{fn: func(int, map[string]any) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content: []mcp.ToolContent{{Type: "text", Text: "boom"}},
			IsError: true,
		}, nil
	}}
	w := NewMCPToolWrapper("srv", searchSchema(), caller, zap.NewNop(),
		WithCache(NewLRUCache(10, time.Minute)))

	args := map[string]any{"query": "go"}
	for i := 0; i < 2; i++ {
		result := w.Execute(context.Background(), args)
		assert.False(t, result.Success)
		assert.Equal(t, "boom", result.Error)
	}
	assert.Equal(t, 2, caller.callCount())
}

func TestWrapperRetriesRateLimitWithHint(t *testing.T) {
	caller := &fakeCaller{fn: func(call int, _ map[string]any) (*mcp.CallToolResult, error) {
		if call == 1 {
			return nil, types.NewRateLimitError(5*time.Millisecond, "slow down")
		}
		return textResult("eventually"), nil
	}}
	w := NewMCPToolWrapper("srv", searchSchema(), caller, zap.NewNop())

	result := w.Execute(context.Background(), map[string]any{"query": "go"})
	require.True(t, result.Success)
	assert.Equal(t, "eventually", result.Output)
	assert.Equal(t, 2, caller.callCount())
}

func TestWrapperGivesUpAfterRepeatedRateLimits(t *testing.T) {
	caller := &fakeCaller{fn: func(int, map[string]any) (*mcp.CallToolResult, error) {
		return nil, types.NewRateLimitError(time.Millisecond, "still limited")
	}}
	w := NewMCPToolWrapper("srv", searchSchema(), caller, zap.NewNop())

	result := w.Execute(context.Background(), map[string]any{"query": "go"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "still limited")
	assert.Equal(t, 1+maxRateLimitRetries, caller.callCount())
}

func TestWrapperNonRateLimitErrorsAreNotRetried(t *testing.T) {
	caller := &fakeCaller{fn: func(int, map[string]any) (*mcp.CallToolResult, error) {
		return nil, types.NewProcessError(1, "server crashed")
	}}
	w := NewMCPToolWrapper("srv", searchSchema(), caller, zap.NewNop())

	result := w.Execute(context.Background(), map[string]any{"query": "go"})
	assert.False(t, result.Success)
	assert.Equal(t, 1, caller.callCount())
}

func TestWrapperRateLimiterSpacesDispatches(t *testing.T) {
	caller := &fakeCaller{fn: func(int, map[string]any) (*mcp.CallToolResult, error) {
		return textResult("ok"), nil
	}}
	limiter := NewRateLimiter(20*time.Millisecond, 0)
	w := NewMCPToolWrapper("srv", searchSchema(), caller, zap.NewNop(),
		WithRateLimiter(limiter))

	start := time.Now()
	for i := 0; i < 3; i++ {
		result := w.Execute(context.Background(), map[string]any{"query": "go", "limit": float64(i)})
		require.True(t, result.Success)
	}
	// Two inter-call gaps at 20ms minimum spacing.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
