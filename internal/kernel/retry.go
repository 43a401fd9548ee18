package kernel

import (
	"context"
	"time"

	"finger/internal/bus"
	"finger/internal/errors"
)

// RunTurnWithRetry runs a turn under the turn retry policy: a failed turn is
// resubmitted up to TurnRetryCount more times with exponential backoff
// starting at 750ms and capped at 30s. Only retryable failures resubmit;
// authentication and quota errors surface immediately. Each resubmission
// emits a turn_retry event.
func (m *Manager) RunTurnWithRetry(ctx context.Context, req TurnRequest) (TurnResult, error) {
	policy := errors.TurnRetryConfig(m.cfg.TurnRetryCount)
	if m.cfg.TestMode {
		policy.BaseDelay = 0
		policy.MaxDelay = 0
	}
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		m.logger.Warn("kernel turn retry %d/%d for session %s in %v: %v",
			attempt, m.cfg.TurnRetryCount, req.SessionID, delay, err)
		if m.cfg.Bus != nil {
			m.cfg.Bus.Emit(bus.Event{
				Type:      bus.EventTurnRetry,
				SessionID: req.SessionID,
				AgentID:   req.AgentID,
				Payload: map[string]any{
					"attempt":     attempt,
					"maxAttempts": m.cfg.TurnRetryCount + 1,
					"delayMs":     delay.Milliseconds(),
					"error":       err.Error(),
				},
			})
		}
	}
	return errors.RetryWithResult(ctx, policy, m.logger, func(ctx context.Context) (TurnResult, error) {
		return m.RunTurn(ctx, req)
	})
}
