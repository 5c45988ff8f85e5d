package agent

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/openagents/conductor/types"
)

// retryDelay computes the sleep before retry number retry (1-based).
func retryDelay(cfg types.RetryConfig, retry int) time.Duration {
	switch cfg.Strategy {
	case types.RetryNone:
		return 0
	case types.RetryFixedDelay:
		return cfg.InitialDelay
	case types.RetryLinearBackoff:
		return cfg.InitialDelay * time.Duration(retry)
	case types.RetryExponentialBackoff:
		delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(retry-1))
		if delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}
		return time.Duration(delay)
	default:
		return cfg.InitialDelay
	}
}

// executeWithRetry runs the agent under its configured retry strategy.
// VALIDATION-coded failures propagate immediately without another attempt;
// other failures are retried up to MaxRetries times (MaxRetries+1 total
// attempts). RetryNone executes exactly once regardless of MaxRetries.
//
// Returns the response, the number of attempts made, and the terminal error.
func (m *Manager) executeWithRetry(ctx context.Context, ag types.Agent, task *types.AgentTask) (*types.AgentResponse, int, error) {
	cfg := ag.Settings().Retry
	maxAttempts := 1
	if cfg.Strategy != types.RetryNone && cfg.MaxRetries > 0 {
		maxAttempts = cfg.MaxRetries + 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := retryDelay(cfg, attempt-1)
			m.logger.Debug("retrying agent execution",
				zap.String("agent_type", ag.Type()),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if m.metrics != nil {
				m.metrics.RecordAgentRetry(ag.Type())
			}
			select {
			case <-ctx.Done():
				return nil, attempt - 1, fmt.Errorf("retry aborted: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := ag.Execute(ctx, task)
		if err == nil {
			return resp, attempt, nil
		}
		lastErr = err

		// Bad input stays bad input; retrying cannot fix it.
		if types.IsValidation(err) {
			return nil, attempt, err
		}
		if !types.IsRetryable(err) {
			return nil, attempt, err
		}
	}

	return nil, maxAttempts, fmt.Errorf("agent %s failed after %d attempts: %w", ag.Type(), maxAttempts, lastErr)
}
