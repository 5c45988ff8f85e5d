package tool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a minimum spacing between tool dispatches, per
// server and per (server, tool) pair. Both limits apply; a call waits for
// whichever is further behind.
type RateLimiter struct {
	serverInterval time.Duration
	toolInterval   time.Duration

	mu      sync.Mutex
	servers map[string]*rate.Limiter
	tools   map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter. Non-positive intervals disable the
// corresponding level.
func NewRateLimiter(serverInterval, toolInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		serverInterval: serverInterval,
		toolInterval:   toolInterval,
		servers:        make(map[string]*rate.Limiter),
		tools:          make(map[string]*rate.Limiter),
	}
}

func (l *RateLimiter) serverLimiter(server string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.servers[server]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.serverInterval), 1)
		l.servers[server] = lim
	}
	return lim
}

func (l *RateLimiter) toolLimiter(server, tool string) *rate.Limiter {
	key := server + "/" + tool
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.tools[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.toolInterval), 1)
		l.tools[key] = lim
	}
	return lim
}

// Wait blocks until both the server and the tool limiter admit a dispatch,
// or the context ends.
func (l *RateLimiter) Wait(ctx context.Context, server, tool string) error {
	if l.serverInterval > 0 {
		if err := l.serverLimiter(server).Wait(ctx); err != nil {
			return err
		}
	}
	if l.toolInterval > 0 {
		if err := l.toolLimiter(server, tool).Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
