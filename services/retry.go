package services

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy is the caller-owned bounded retry for write contention during
// resolution.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// IsRetryable reports whether an error is a transient persistence conflict.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// Run executes op up to MaxAttempts times with linear backoff. Non-retryable
// errors abort immediately; exhaustion returns the last conflict.
func (p RetryPolicy) Run(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff * time.Duration(attempt)):
		}
	}
	return err
}
