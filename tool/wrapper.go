package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openagents/conductor/internal/metrics"
	"github.com/openagents/conductor/mcp"
	"github.com/openagents/conductor/types"
)

// maxRateLimitRetries bounds in-call retries after a rate-limited dispatch.
const maxRateLimitRetries = 3

// ToolCaller dispatches a tool call to a server. mcp.Manager satisfies this.
type ToolCaller interface {
	ExecuteTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error)
}

// MCPToolWrapper adapts one remote MCP tool to the Tool interface. It
// validates arguments against the tool's schema before anything touches the
// wire, consults the result cache, and paces dispatches through the rate
// limiter.
type MCPToolWrapper struct {
	server string
	schema types.ToolSchema

	caller  ToolCaller
	cache   ResultCache
	limiter *RateLimiter
	logger  *zap.Logger
	metrics *metrics.Collector
}

// WrapperOption configures an MCPToolWrapper.
type WrapperOption func(*MCPToolWrapper)

// WithCache attaches a result cache.
func WithCache(cache ResultCache) WrapperOption {
	return func(w *MCPToolWrapper) { w.cache = cache }
}

// WithRateLimiter attaches a dispatch rate limiter.
func WithRateLimiter(limiter *RateLimiter) WrapperOption {
	return func(w *MCPToolWrapper) { w.limiter = limiter }
}

// WithWrapperMetrics attaches a metrics collector.
func WithWrapperMetrics(c *metrics.Collector) WrapperOption {
	return func(w *MCPToolWrapper) { w.metrics = c }
}

// NewMCPToolWrapper wraps one discovered tool of one server.
func NewMCPToolWrapper(server string, schema types.ToolSchema, caller ToolCaller, logger *zap.Logger, opts ...WrapperOption) *MCPToolWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &MCPToolWrapper{
		server: server,
		schema: schema,
		caller: caller,
		logger: logger.With(
			zap.String("server", server),
			zap.String("tool", schema.Name),
		),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name returns the qualified tool name.
func (w *MCPToolWrapper) Name() string {
	return w.server + "." + w.schema.Name
}

// Description returns the server-provided description.
func (w *MCPToolWrapper) Description() string {
	return w.schema.Description
}

// Schema returns the tool's input schema.
func (w *MCPToolWrapper) Schema() types.ToolSchema {
	return w.schema
}

// Execute validates, caches and dispatches one call. It never returns an
// error value; failures come back as failed results.
func (w *MCPToolWrapper) Execute(ctx context.Context, args map[string]any) *types.ToolResult {
	if msg := validateArgs(w.schema.InputSchema, args); msg != "" {
		// Invalid arguments never reach the server.
		w.logger.Debug("argument validation failed", zap.String("reason", msg))
		return types.FailedToolResult("invalid arguments: " + msg)
	}

	key := cacheKey(w.server, w.schema.Name, args)
	if w.cache != nil {
		if cached, ok := w.cache.Get(ctx, key); ok {
			if w.metrics != nil {
				w.metrics.RecordCacheHit("tool")
			}
			out := *cached
			out.Metadata = withMeta(out.Metadata, "cached", true)
			return &out
		}
		if w.metrics != nil {
			w.metrics.RecordCacheMiss("tool")
		}
	}

	start := time.Now()
	result := w.dispatch(ctx, args)
	if w.metrics != nil {
		status := "success"
		if !result.Success {
			status = "failure"
		}
		w.metrics.RecordToolCall(w.server, w.schema.Name, status, time.Since(start))
	}

	if result.Success && w.cache != nil {
		w.cache.Set(ctx, key, result)
	}
	return result
}

// dispatch performs the wire call with bounded rate-limit retries. The
// server's retry-after hint is honored when present; otherwise the wait
// doubles per attempt.
func (w *MCPToolWrapper) dispatch(ctx context.Context, args map[string]any) *types.ToolResult {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, w.server, w.schema.Name); err != nil {
			return types.FailedToolResult("rate limiter wait: " + err.Error())
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRateLimitRetries; attempt++ {
		raw, err := w.caller.ExecuteTool(ctx, w.server, w.schema.Name, args)
		if err == nil {
			return normalizeResult(raw)
		}
		lastErr = err
		if !types.IsRateLimit(err) {
			break
		}

		wait := types.RetryAfterOf(err)
		if wait <= 0 {
			wait = 500 * time.Millisecond << attempt
		}
		w.logger.Warn("tool call rate limited",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
		)
		select {
		case <-ctx.Done():
			return types.FailedToolResult("rate limit wait: " + ctx.Err().Error())
		case <-time.After(wait):
		}
	}
	return types.FailedToolResult(lastErr.Error())
}

// normalizeResult flattens an MCP content list into a ToolResult.
func normalizeResult(raw *mcp.CallToolResult) *types.ToolResult {
	if raw == nil {
		return types.FailedToolResult("empty tool response")
	}
	text := raw.Text()
	if raw.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return types.FailedToolResult(text)
	}
	return &types.ToolResult{Success: true, Output: text}
}

// cacheKey derives a stable key from the call identity. Map keys are sorted
// during JSON encoding, so equal argument sets hash equally.
func cacheKey(server, tool string, args map[string]any) string {
	payload, err := json.Marshal(args)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256([]byte(server + "\x00" + tool + "\x00" + string(payload)))
	return hex.EncodeToString(sum[:])
}

// validateArgs checks required fields and property types against the
// schema. An empty return means valid.
func validateArgs(schema types.InputSchema, args map[string]any) string {
	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			return fmt.Sprintf("missing required field %q", name)
		}
	}
	for name, value := range args {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		if !typeMatches(prop.Type, value) {
			return fmt.Sprintf("field %q is not a %s", name, prop.Type)
		}
	}
	return ""
}

func typeMatches(schemaType string, value any) bool {
	if value == nil {
		return true
	}
	switch schemaType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		switch value.(type) {
		case []any, []string, []int, []float64:
			return true
		}
		return false
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func withMeta(meta map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[key] = value
	return out
}
