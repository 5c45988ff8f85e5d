package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// maxFrameBytes bounds a single newline-delimited frame.
const maxFrameBytes = 16 * 1024 * 1024

// Transport moves JSON-RPC frames to and from a server.
type Transport interface {
	// Send writes one frame.
	Send(ctx context.Context, msg *Message) error
	// Receive blocks for the next frame.
	Receive(ctx context.Context) (*Message, error)
	// Close shuts the transport down.
	Close() error
}

// StdioTransport frames messages as newline-delimited JSON on a subprocess's
// stdin and stdout.
type StdioTransport struct {
	scanner *bufio.Scanner
	writer  io.Writer
	writeMu sync.Mutex
	logger  *zap.Logger
}

// NewStdioTransport wraps a subprocess's pipes.
func NewStdioTransport(reader io.Reader, writer io.Writer, logger *zap.Logger) *StdioTransport {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	return &StdioTransport{
		scanner: scanner,
		writer:  writer,
		logger:  logger,
	}
}

// Send writes one frame followed by a newline. Concurrent sends are
// serialized so frames never interleave.
func (t *StdioTransport) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive reads the next line and decodes it. Blank lines are skipped;
// undecodable lines are logged and skipped rather than killing the reader,
// since servers sometimes write diagnostics to stdout.
func (t *StdioTransport) Receive(ctx context.Context) (*Message, error) {
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			if t.logger != nil {
				t.logger.Warn("discarding undecodable frame",
					zap.Int("bytes", len(line)),
					zap.Error(err),
				)
			}
			continue
		}
		return &msg, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close is a no-op; the owning server closes the pipes.
func (t *StdioTransport) Close() error {
	return nil
}
