package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy describes an exponential backoff schedule.
// MaxAttempts counts the first try; the n-th retry waits BaseDelay*Factor^(n-1).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
}

// Delay returns the wait before retry number n (1-based)
func (p RetryPolicy) Delay(n int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.Factor
	}
	return time.Duration(d)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry runs fn until it succeeds, returns a permanent error, ctx is done,
// or the policy's attempts are used up.
func Retry(ctx context.Context, policy RetryPolicy, logger *Logger, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := policy.Delay(attempt - 1)
			if logger != nil {
				logger.Warn("Retrying (attempt %d/%d) after %v...", attempt, attempts, backoff)
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry aborted after %d attempts: %w", attempt-1, errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if logger != nil {
			logger.Debug("Attempt %d failed: %v", attempt, err)
		}
		if IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		}
	}
	return fmt.Errorf("all %d attempts failed, last error: %w", attempts, lastErr)
}
