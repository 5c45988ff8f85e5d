package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openagents/conductor/types"
)

// scriptedTransport answers requests through a handler function. A nil
// handler result swallows the request, which simulates a hung server.
type scriptedTransport struct {
	handler func(req *Message) *Message

	mu       sync.Mutex
	inbox    chan *Message
	closed   bool
	closedCh chan struct{}
}

func newScriptedTransport(handler func(req *Message) *Message) *scriptedTransport {
	return &scriptedTransport{
		handler:  handler,
		inbox:    make(chan *Message, 16),
		closedCh: make(chan struct{}),
	}
}

func (t *scriptedTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return io.ErrClosedPipe
	}
	t.mu.Unlock()

	if msg.ID == nil {
		// Notifications need no answer.
		return nil
	}
	if resp := t.handler(msg); resp != nil {
		t.inbox <- resp
	}
	return nil
}

func (t *scriptedTransport) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.closedCh:
		return nil, io.EOF
	}
}

func (t *scriptedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.closedCh)
	}
	return nil
}

func okResponse(req *Message, result any) *Message {
	raw, _ := json.Marshal(result)
	return &Message{JSONRPC: "2.0", ID: req.ID, Result: raw}
}

func errResponse(req *Message, code int, msg string, data any) *Message {
	rpcErr := &RPCError{Code: code, Message: msg}
	if data != nil {
		raw, _ := json.Marshal(data)
		rpcErr.Data = raw
	}
	return &Message{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
}

func TestClientRoundTrip(t *testing.T) {
	transport := newScriptedTransport(func(req *Message) *Message {
		return okResponse(req, map[string]any{"echo": req.Method})
	})
	c := NewClient(transport, zap.NewNop())
	defer c.Close()

	resp, err := c.SendRequest(context.Background(), "ping", nil)
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "ping", result["echo"])
}

func TestClientConcurrentRequestsMatchByID(t *testing.T) {
	transport := newScriptedTransport(func(req *Message) *Message {
		var params map[string]int
		_ = json.Unmarshal(req.Params, &params)
		return okResponse(req, map[string]int{"n": params["n"]})
	})
	c := NewClient(transport, zap.NewNop())
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.SendRequest(context.Background(), "echo", map[string]int{"n": i})
			require.NoError(t, err)
			var result map[string]int
			require.NoError(t, json.Unmarshal(resp.Result, &result))
			assert.Equal(t, i, result["n"])
		}()
	}
	wg.Wait()
}

func TestClientTimeoutDistinctFromProcessDeath(t *testing.T) {
	t.Run("hung server times out", func(t *testing.T) {
		transport := newScriptedTransport(func(req *Message) *Message {
			return nil // never answer
		})
		c := NewClient(transport, zap.NewNop(), WithRequestTimeout(30*time.Millisecond))
		defer c.Close()

		_, err := c.SendRequest(context.Background(), "tools/call", nil)
		require.Error(t, err)
		assert.True(t, types.IsTimeout(err))
		assert.False(t, types.IsProcess(err))
	})

	t.Run("dead process fails fast with exit code", func(t *testing.T) {
		transport := newScriptedTransport(func(req *Message) *Message {
			return nil
		})
		died := make(chan struct{})
		c := NewClient(transport, zap.NewNop(),
			WithRequestTimeout(10*time.Second),
			WithProcessLiveness(died, func() int { return 137 }),
		)
		defer c.Close()

		go func() {
			time.Sleep(20 * time.Millisecond)
			close(died)
		}()

		start := time.Now()
		_, err := c.SendRequest(context.Background(), "tools/call", nil)
		require.Error(t, err)
		assert.True(t, types.IsProcess(err))
		assert.False(t, types.IsTimeout(err))
		assert.Less(t, time.Since(start), time.Second)

		var terr *types.Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, 137, terr.ExitCode)
	})
}

func TestClientTransportEOFFailsPending(t *testing.T) {
	transport := newScriptedTransport(func(req *Message) *Message {
		return nil
	})
	c := NewClient(transport, zap.NewNop(), WithRequestTimeout(10*time.Second))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = transport.Close()
	}()

	_, err := c.SendRequest(context.Background(), "tools/list", nil)
	require.Error(t, err)
	assert.True(t, types.IsProcess(err))
}

func TestTranslateRPCError(t *testing.T) {
	t.Run("429 code becomes rate limit with retry after", func(t *testing.T) {
		transport := newScriptedTransport(func(req *Message) *Message {
			return errResponse(req, 429, "Too Many Requests", map[string]any{"retry_after": 2.5})
		})
		c := NewClient(transport, zap.NewNop())
		defer c.Close()

		_, err := c.SendRequest(context.Background(), "tools/call", nil)
		require.Error(t, err)
		assert.True(t, types.IsRateLimit(err))
		assert.Equal(t, 2500*time.Millisecond, types.RetryAfterOf(err))
	})

	t.Run("rate limit message without code", func(t *testing.T) {
		transport := newScriptedTransport(func(req *Message) *Message {
			return errResponse(req, CodeInternalError, "rate limit exceeded, slow down", nil)
		})
		c := NewClient(transport, zap.NewNop())
		defer c.Close()

		_, err := c.SendRequest(context.Background(), "tools/call", nil)
		require.Error(t, err)
		assert.True(t, types.IsRateLimit(err))
		assert.Equal(t, time.Duration(0), types.RetryAfterOf(err))
	})

	t.Run("method not found is protocol error", func(t *testing.T) {
		transport := newScriptedTransport(func(req *Message) *Message {
			return errResponse(req, CodeMethodNotFound, "no such method", nil)
		})
		c := NewClient(transport, zap.NewNop())
		defer c.Close()

		_, err := c.SendRequest(context.Background(), "bogus/method", nil)
		require.Error(t, err)
		assert.Equal(t, types.ErrProtocol, types.CodeOf(err))
		assert.False(t, types.IsRetryable(err))
	})

	t.Run("other server errors are transient", func(t *testing.T) {
		transport := newScriptedTransport(func(req *Message) *Message {
			return errResponse(req, CodeInternalError, "database hiccup", nil)
		})
		c := NewClient(transport, zap.NewNop())
		defer c.Close()

		_, err := c.SendRequest(context.Background(), "tools/call", nil)
		require.Error(t, err)
		assert.Equal(t, types.ErrTransient, types.CodeOf(err))
		assert.True(t, types.IsRetryable(err))
	})

	t.Run("percent in server message survives literally", func(t *testing.T) {
		transport := newScriptedTransport(func(req *Message) *Message {
			return errResponse(req, CodeInternalError, "rate limit: 100%d of quota used", nil)
		})
		c := NewClient(transport, zap.NewNop())
		defer c.Close()

		_, err := c.SendRequest(context.Background(), "tools/call", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "100%d of quota used")
	})
}

func TestClientInitializeHandshake(t *testing.T) {
	var sawInitialized bool
	var mu sync.Mutex
	transport := newScriptedTransport(func(req *Message) *Message {
		switch req.Method {
		case "initialize":
			return okResponse(req, InitializeResult{
				ProtocolVersion: ProtocolVersion,
				ServerInfo:      ServerInfo{Name: "test-server", Version: "0.1.0"},
			})
		default:
			return errResponse(req, CodeMethodNotFound, "unexpected "+req.Method, nil)
		}
	})

	c := NewClient(&initObserver{inner: transport, mu: &mu, saw: &sawInitialized}, zap.NewNop())
	defer c.Close()

	info, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-server", info.ServerInfo.Name)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, sawInitialized)
}

// initObserver records whether the initialized notification went out.
type initObserver struct {
	inner Transport
	mu    *sync.Mutex
	saw   *bool
}

func (o *initObserver) Send(ctx context.Context, msg *Message) error {
	if msg.Method == "notifications/initialized" {
		o.mu.Lock()
		*o.saw = true
		o.mu.Unlock()
	}
	return o.inner.Send(ctx, msg)
}

func (o *initObserver) Receive(ctx context.Context) (*Message, error) {
	return o.inner.Receive(ctx)
}

func (o *initObserver) Close() error { return o.inner.Close() }

func TestClientListTools(t *testing.T) {
	transport := newScriptedTransport(func(req *Message) *Message {
		require.Equal(t, "tools/list", req.Method)
		return okResponse(req, map[string]any{
			"tools": []map[string]any{
				{
					"name":        "search",
					"description": "web search",
					"inputSchema": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"query": map[string]any{"type": "string"},
						},
						"required": []string{"query"},
					},
				},
			},
		})
	})
	c := NewClient(transport, zap.NewNop())
	defer c.Close()

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)
	assert.Equal(t, []string{"query"}, tools[0].InputSchema.Required)
}

func TestClientCallToolResultText(t *testing.T) {
	transport := newScriptedTransport(func(req *Message) *Message {
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		require.NoError(t, json.Unmarshal(req.Params, &params))
		return okResponse(req, CallToolResult{
			Content: []ToolContent{
				{Type: "text", Text: fmt.Sprintf("called %s", params.Name)},
				{Type: "image"},
				{Type: "text", Text: " done"},
			},
		})
	})
	c := NewClient(transport, zap.NewNop())
	defer c.Close()

	result, err := c.CallTool(context.Background(), "search", map[string]any{"query": "go"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "called search done", result.Text())
}
