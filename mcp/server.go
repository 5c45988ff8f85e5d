package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openagents/conductor/types"
)

// stderrRingSize bounds the retained stderr lines per server.
const stderrRingSize = 100

// ServerConfig describes how to reach one MCP server.
type ServerConfig struct {
	// Command launches a subprocess with stdio transport.
	Command string
	Args    []string
	Env     map[string]string
	// URL connects over WebSocket instead of launching a subprocess.
	URL string
}

// Server is one managed MCP server: its transport, client, discovered tools
// and, for subprocess servers, the process handle and stderr tail.
type Server struct {
	Name   string
	Config ServerConfig

	client *Client
	tools  []types.ToolSchema

	cmd      *exec.Cmd
	waitDone chan struct{}
	exitCode exitStatus

	stderr *stderrRing
	logger *zap.Logger
}

// exitStatus holds the process exit code. Written once by the waiter
// goroutine, read from request paths.
type exitStatus struct {
	mu sync.Mutex
	v  int
	ok bool
}

func (a *exitStatus) set(v int) {
	a.mu.Lock()
	a.v, a.ok = v, true
	a.mu.Unlock()
}

func (a *exitStatus) get() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ok {
		return -1
	}
	return a.v
}

// stderrRing keeps the last N stderr lines of a subprocess.
type stderrRing struct {
	mu    sync.Mutex
	lines []string
}

func (r *stderrRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > stderrRingSize {
		r.lines = r.lines[len(r.lines)-stderrRingSize:]
	}
}

// Tail returns a copy of the retained lines, oldest first.
func (r *stderrRing) Tail() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// launch starts the server process or dials its URL, performs the MCP
// handshake and discovers its tools.
func launch(ctx context.Context, name string, cfg ServerConfig, logger *zap.Logger) (*Server, error) {
	s := &Server{
		Name:   name,
		Config: cfg,
		stderr: &stderrRing{},
		logger: logger.With(zap.String("server", name)),
	}

	var transport Transport
	var clientOpts []ClientOption

	switch {
	case cfg.Command != "":
		t, err := s.spawn(cfg)
		if err != nil {
			return nil, err
		}
		transport = t
		clientOpts = append(clientOpts, WithProcessLiveness(s.waitDone, s.exitCode.get))
	case cfg.URL != "":
		t, err := DialWS(ctx, cfg.URL, s.logger)
		if err != nil {
			return nil, types.NewTransientError("connect %s: %v", name, err)
		}
		transport = t
	default:
		return nil, types.NewValidationError("server %s has neither command nor url", name)
	}

	s.client = NewClient(transport, s.logger, clientOpts...)

	info, err := s.client.Initialize(ctx)
	if err != nil {
		_ = s.shutdown()
		return nil, fmt.Errorf("initialize %s: %w", name, err)
	}
	s.logger.Info("server initialized",
		zap.String("server_name", info.ServerInfo.Name),
		zap.String("server_version", info.ServerInfo.Version),
		zap.String("protocol_version", info.ProtocolVersion),
	)

	tools, err := s.client.ListTools(ctx)
	if err != nil {
		_ = s.shutdown()
		return nil, fmt.Errorf("list tools of %s: %w", name, err)
	}
	s.tools = tools
	s.logger.Info("tools discovered", zap.Int("count", len(tools)))

	return s, nil
}

// spawn starts the subprocess, wires its pipes and begins exit tracking.
func (s *Server) spawn(cfg ServerConfig) (*StdioTransport, error) {
	command, args := platformCommand(cfg.Command, cfg.Args)
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, types.NewProcessError(-1, "stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, types.NewProcessError(-1, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, types.NewProcessError(-1, "stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, types.NewProcessError(-1, "start %s: %v", command, err)
	}

	s.cmd = cmd
	s.waitDone = make(chan struct{})

	go s.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		s.exitCode.set(code)
		close(s.waitDone)
		s.logger.Info("server process exited", zap.Int("exit_code", code))
	}()

	return NewStdioTransport(stdout, stdin, s.logger), nil
}

func (s *Server) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.stderr.add(line)
		s.logger.Debug("server stderr", zap.String("line", line))
	}
}

// Alive reports whether the server can still take requests.
func (s *Server) Alive() bool {
	if s.cmd == nil {
		// URL servers have no process to watch.
		return s.client != nil
	}
	select {
	case <-s.waitDone:
		return false
	default:
		return true
	}
}

// Tools returns the tool catalog discovered at startup.
func (s *Server) Tools() []types.ToolSchema {
	out := make([]types.ToolSchema, len(s.tools))
	copy(out, s.tools)
	return out
}

// StderrTail returns the last retained stderr lines.
func (s *Server) StderrTail() []string {
	return s.stderr.Tail()
}

// shutdown closes the client and, for subprocesses, terminates the process:
// a graceful signal first, then a kill if it lingers.
func (s *Server) shutdown() error {
	var err error
	if s.client != nil {
		err = s.client.Close()
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return err
	}

	select {
	case <-s.waitDone:
		return err
	default:
	}

	if runtime.GOOS != "windows" {
		_ = s.cmd.Process.Signal(os.Interrupt)
		select {
		case <-s.waitDone:
			return err
		case <-time.After(3 * time.Second):
		}
	}
	_ = s.cmd.Process.Kill()
	<-s.waitDone
	return err
}

// platformCommand resolves interpreter-wrapped commands on Windows, where
// npm-installed servers ship as .cmd shims.
func platformCommand(command string, args []string) (string, []string) {
	if runtime.GOOS != "windows" {
		return command, args
	}
	switch command {
	case "npx", "npm", "yarn", "pnpm":
		return "cmd", append([]string{"/c", command}, args...)
	}
	return command, args
}
