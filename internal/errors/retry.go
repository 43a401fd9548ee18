package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures exponential-backoff retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // retries after the first attempt (default: 3)
	BaseDelay    time.Duration // first backoff delay (default: 1s)
	MaxDelay     time.Duration // backoff cap (default: 30s)
	JitterFactor float64       // +-fraction of randomization (default: 0.25)

	// OnRetry observes each scheduled retry before its delay elapses. The
	// kernel bridge uses it to emit turn_retry events with the delay.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig returns the general-purpose policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// TurnRetryConfig returns the kernel turn policy: retryCount resubmissions,
// backoff starting at 750ms, doubling, capped at 30s, no jitter so retry
// delays stay predictable in event streams.
func TurnRetryConfig(retryCount int) RetryConfig {
	return RetryConfig{
		MaxAttempts: retryCount,
		BaseDelay:   750 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// RetryLogger is the logging surface Retry needs.
type RetryLogger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
}

type nopRetryLogger struct{}

func (nopRetryLogger) Debug(string, ...any) {}
func (nopRetryLogger) Info(string, ...any)  {}
func (nopRetryLogger) Warn(string, ...any)  {}

// Retry runs fn until it succeeds, the error is non-retryable, the attempt
// budget is exhausted, or ctx is cancelled.
func Retry(ctx context.Context, config RetryConfig, logger RetryLogger, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, config, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger RetryLogger, fn func(ctx context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = nopRetryLogger{}
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, Wrap(KindUserInterrupt, ctx.Err(), "retry cancelled")
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("succeeded after %d attempts", attempt+1)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("attempt %d/%d failed: %v", attempt+1, config.MaxAttempts+1, err)

		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			logger.Warn("retry budget (%d attempts) exhausted", config.MaxAttempts+1)
			break
		}

		delay := Backoff(attempt, config)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, delay, err)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, Wrap(KindUserInterrupt, ctx.Err(), "retry cancelled during backoff")
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Backoff computes the delay before retrying after the given zero-based
// attempt: BaseDelay * 2^attempt, capped at MaxDelay, with optional jitter.
func Backoff(attempt int, config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = 0
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}
