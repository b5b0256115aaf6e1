package services

import (
	"context"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"time"
)

// RetryPolicy retries retryable failures with exponential backoff.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Backoff returns the wait before the given retry (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. Only errors for which models.IsRetryable is true
// are retried.
func (p RetryPolicy) Do(ctx context.Context, operation string, log *logger.Logger, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !models.IsRetryable(lastErr) || attempt == attempts {
			return lastErr
		}

		backoff := p.Backoff(attempt)
		log.WithFields(logger.Fields{
			"operation":   operation,
			"attempt":     attempt,
			"max_retries": attempts,
			"backoff_ms":  backoff.Milliseconds(),
			"error":       lastErr.Error(),
		}).Warn("Retrying after recoverable failure")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return models.WrapTimeoutError(operation, ctx.Err())
		}
	}

	return lastErr
}
