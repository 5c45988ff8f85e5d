package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openagents/conductor/types"
)

// defaultRequestTimeout bounds one request/response round trip.
const defaultRequestTimeout = 30 * time.Second

// Client speaks JSON-RPC to one MCP server over a Transport. It matches
// responses to requests by ID and translates JSON-RPC errors into the
// orchestrator error taxonomy.
type Client struct {
	transport Transport
	logger    *zap.Logger
	timeout   time.Duration

	// died is closed when the underlying process exits; exitCode then
	// reports its status. Both are optional for transports without a
	// subprocess.
	died     <-chan struct{}
	exitCode func() int

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *Message
	closed  bool

	readDone chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout overrides the default round-trip timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithProcessLiveness wires process-exit detection. A request that is still
// waiting when died closes fails with a process error instead of running
// out its timeout.
func WithProcessLiveness(died <-chan struct{}, exitCode func() int) ClientOption {
	return func(c *Client) {
		c.died = died
		c.exitCode = exitCode
	}
}

// NewClient starts a client and its read loop.
func NewClient(transport Transport, logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		transport: transport,
		logger:    logger,
		timeout:   defaultRequestTimeout,
		pending:   make(map[int64]chan *Message),
		readDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// readLoop routes incoming frames to their waiting requests. It exits on
// transport error and fails everything still pending.
func (c *Client) readLoop() {
	defer close(c.readDone)
	ctx := context.Background()
	for {
		msg, err := c.transport.Receive(ctx)
		if err != nil {
			c.failPending(err)
			return
		}
		if !msg.IsResponse() {
			// Server-initiated requests and notifications are not handled.
			c.logger.Debug("ignoring server-initiated message",
				zap.String("method", msg.Method))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("response for unknown request id", zap.Int64("id", *msg.ID))
			continue
		}
		ch <- msg
	}
}

// failPending drops all in-flight requests. Their waiters observe the
// closed channel and report the terminal condition.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	if !c.closed {
		c.logger.Debug("transport closed", zap.Error(err))
	}
}

// SendRequest performs one round trip. A dead process fails the request
// immediately with a process error carrying the exit code; an expired
// timeout fails it with a timeout error. The two are never conflated.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (*Message, error) {
	id := c.nextID.Add(1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, types.NewValidationError("%v", err)
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, types.NewProcessError(-1, "client closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.transport.Send(ctx, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, c.processError("send %s: %v", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, c.processError("server exited during %s", method)
		}
		if msg.Error != nil {
			return nil, translateRPCError(method, msg.Error)
		}
		return msg, nil
	case <-c.died:
		// Drain a response that raced with the exit notification.
		select {
		case msg, ok := <-ch:
			if ok {
				if msg.Error != nil {
					return nil, translateRPCError(method, msg.Error)
				}
				return msg, nil
			}
		default:
		}
		c.abandon(id)
		return nil, c.processError("server exited during %s", method)
	case <-timer.C:
		c.abandon(id)
		return nil, types.NewTimeoutError("%s timed out after %s", method, c.timeout)
	case <-ctx.Done():
		c.abandon(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) abandon(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) processError(format string, args ...any) *types.Error {
	code := -1
	if c.exitCode != nil {
		code = c.exitCode()
	}
	return types.NewProcessError(code, format, args...)
}

// translateRPCError maps a JSON-RPC error onto the orchestrator taxonomy.
// Rate limiting is recognized by code 429 or a rate-limit message and
// carries the server's retry-after hint when present.
func translateRPCError(method string, rpcErr *RPCError) error {
	lower := strings.ToLower(rpcErr.Message)
	if rpcErr.Code == 429 || strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests") {
		retryAfter := time.Duration(0)
		if len(rpcErr.Data) > 0 {
			var data struct {
				RetryAfter float64 `json:"retry_after"`
			}
			if err := json.Unmarshal(rpcErr.Data, &data); err == nil && data.RetryAfter > 0 {
				retryAfter = time.Duration(data.RetryAfter * float64(time.Second))
			}
		}
		return types.NewRateLimitError(retryAfter, "%s rate limited: %s", method, rpcErr.Message)
	}

	switch rpcErr.Code {
	case CodeParseError, CodeInvalidRequest, CodeMethodNotFound, CodeInvalidParams:
		return types.NewProtocolError("%s: %s", method, rpcErr.Error())
	default:
		return types.NewTransientError("%s: %s", method, rpcErr.Error())
	}
}

// Initialize performs the MCP handshake and the initialized notification.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "conductor",
			"version": "1.0.0",
		},
	}
	resp, err := c.SendRequest(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, types.NewProtocolError("decode initialize result: %v", err)
	}

	note, err := NewNotification("notifications/initialized", nil)
	if err != nil {
		return nil, err
	}
	if err := c.transport.Send(ctx, note); err != nil {
		return nil, c.processError("send initialized: %v", err)
	}
	return &result, nil
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]types.ToolSchema, error) {
	resp, err := c.SendRequest(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []types.ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, types.NewProtocolError("decode tools/list result: %v", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	resp, err := c.SendRequest(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var result CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, types.NewProtocolError("decode tools/call result: %v", err)
	}
	return &result, nil
}

// Close shuts the client down and releases any waiters.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.transport.Close()
	c.failPending(nil)
	return err
}
