package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStdioTransportFramesAreNewlineDelimited(t *testing.T) {
	var out bytes.Buffer
	tr := NewStdioTransport(strings.NewReader(""), &out, zap.NewNop())

	req, err := NewRequest(7, "tools/list", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), req))

	frame := out.String()
	assert.True(t, strings.HasSuffix(frame, "\n"))
	assert.Equal(t, 1, strings.Count(frame, "\n"))

	var decoded Message
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(frame, "\n")), &decoded))
	assert.Equal(t, "2.0", decoded.JSONRPC)
	assert.Equal(t, int64(7), *decoded.ID)
	assert.Equal(t, "tools/list", decoded.Method)
}

func TestStdioTransportReceiveSkipsNoise(t *testing.T) {
	input := strings.Join([]string{
		"",
		"some stray diagnostic output",
		`{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`,
	}, "\n") + "\n"
	tr := NewStdioTransport(strings.NewReader(input), io.Discard, zap.NewNop())

	msg, err := tr.Receive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, msg.ID)
	assert.Equal(t, int64(3), *msg.ID)

	_, err = tr.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStdioTransportConcurrentSendsDoNotInterleave(t *testing.T) {
	var out syncBuffer
	tr := NewStdioTransport(strings.NewReader(""), &out, zap.NewNop())

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(id int64) {
			defer func() { done <- struct{}{} }()
			req, err := NewRequest(id, "ping", map[string]any{"payload": strings.Repeat("x", 512)})
			require.NoError(t, err)
			require.NoError(t, tr.Send(context.Background(), req))
		}(int64(i))
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 8)
	for _, line := range lines {
		var msg Message
		assert.NoError(t, json.Unmarshal([]byte(line), &msg))
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
