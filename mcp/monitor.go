package mcp

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// supervisor is the slice of Manager the monitor needs. Narrowed for tests.
type supervisor interface {
	ServerNames() []string
	Server(name string) (*Server, bool)
	RestartServer(ctx context.Context, name string) error
}

// HealthMonitor periodically scans the managed servers and restarts dead
// ones with exponential backoff. A successful restart resets a server's
// attempt count; after maxRestarts consecutive failed restarts the monitor
// gives up on the server until ResetAttempts clears the count.
type HealthMonitor struct {
	manager  supervisor
	logger   *zap.Logger
	interval time.Duration
	// backoffBase scales the restart backoff (base * 2^attempts). Tests
	// shrink it; production uses one second.
	backoffBase time.Duration
	maxRestarts int

	mu       sync.Mutex
	attempts map[string]int
	gaveUp   map[string]bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// MonitorOption configures a HealthMonitor.
type MonitorOption func(*HealthMonitor)

// WithBackoffBase overrides the backoff unit.
func WithBackoffBase(d time.Duration) MonitorOption {
	return func(h *HealthMonitor) {
		if d > 0 {
			h.backoffBase = d
		}
	}
}

// NewHealthMonitor creates a monitor. It does not start scanning until Run.
func NewHealthMonitor(manager supervisor, interval time.Duration, maxRestarts int, logger *zap.Logger, opts ...MonitorOption) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	h := &HealthMonitor{
		manager:     manager,
		logger:      logger.With(zap.String("component", "health_monitor")),
		interval:    interval,
		backoffBase: time.Second,
		maxRestarts: maxRestarts,
		attempts:    make(map[string]int),
		gaveUp:      make(map[string]bool),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run scans until Stop or context cancellation. The interval elapses in
// one-second steps so shutdown is never stuck behind a long sleep.
func (h *HealthMonitor) Run(ctx context.Context) {
	defer close(h.done)

	step := time.Second
	if h.interval < step {
		step = h.interval
	}

	for {
		var waited time.Duration
		for waited < h.interval {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-time.After(step):
				waited += step
			}
		}
		h.scan(ctx)
	}
}

// Stop ends the monitor loop and waits for it to finish.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// scan checks every server once and restarts the dead ones.
func (h *HealthMonitor) scan(ctx context.Context) {
	for _, name := range h.manager.ServerNames() {
		srv, ok := h.manager.Server(name)
		if !ok || srv.Alive() {
			continue
		}
		h.restart(ctx, name)
	}
}

// restart attempts one backed-off restart of a dead server. The monitor
// holds no lock while sleeping, so ResetAttempts and Stop stay responsive.
func (h *HealthMonitor) restart(ctx context.Context, name string) {
	h.mu.Lock()
	if h.gaveUp[name] {
		h.mu.Unlock()
		return
	}
	attempts := h.attempts[name]
	if attempts >= h.maxRestarts {
		h.gaveUp[name] = true
		h.mu.Unlock()
		h.logger.Error("giving up on server after repeated restart failures",
			zap.String("server", name),
			zap.Int("attempts", attempts),
		)
		return
	}
	h.attempts[name] = attempts + 1
	h.mu.Unlock()

	backoff := h.backoffBase * (1 << attempts)
	h.logger.Warn("server dead, restarting",
		zap.String("server", name),
		zap.Int("attempt", attempts+1),
		zap.Duration("backoff", backoff),
	)

	select {
	case <-ctx.Done():
		return
	case <-h.stop:
		return
	case <-time.After(backoff):
	}

	if err := h.manager.RestartServer(ctx, name); err != nil {
		h.logger.Error("restart failed",
			zap.String("server", name),
			zap.Error(err),
		)
		return
	}

	// A successful restart clears the count; only consecutive failures
	// accumulate toward the give-up bound.
	h.mu.Lock()
	h.attempts[name] = 0
	h.mu.Unlock()
	h.logger.Info("server restarted", zap.String("server", name))
}

// ResetAttempts clears the failure count and give-up flag for a server,
// re-admitting it to monitoring.
func (h *HealthMonitor) ResetAttempts(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts[name] = 0
	delete(h.gaveUp, name)
}

// Attempts reports the consecutive failed restart attempts for a server.
func (h *HealthMonitor) Attempts(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[name]
}

// GaveUp reports whether the monitor stopped trying to restart a server.
func (h *HealthMonitor) GaveUp(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gaveUp[name]
}
