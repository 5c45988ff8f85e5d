package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WSTransport carries JSON-RPC frames over a WebSocket connection, for MCP
// servers reached by URL instead of launched as subprocesses.
type WSTransport struct {
	url    string
	conn   *websocket.Conn
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// DialWS connects to a WebSocket MCP endpoint.
func DialWS(ctx context.Context, url string, logger *zap.Logger) (*WSTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &WSTransport{url: url, conn: conn, logger: logger}, nil
}

// Send writes one frame as a text message.
func (t *WSTransport) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return t.conn.Write(ctx, websocket.MessageText, body)
}

// Receive blocks for the next text message.
func (t *WSTransport) Receive(ctx context.Context) (*Message, error) {
	_, body, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &msg, nil
}

// Close closes the connection with a normal closure status.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close(websocket.StatusNormalClosure, "closing")
}
