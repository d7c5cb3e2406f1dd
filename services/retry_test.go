package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryRunsUntilSuccess(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}
	calls := 0
	err := p.Run(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: lost race", ErrRetryable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("want 3 attempts, got %d", calls)
	}
}

func TestRetryStopsOnHardError(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Backoff: time.Millisecond}
	hard := errors.New("constraint violation")
	calls := 0
	err := p.Run(context.Background(), func() error {
		calls++
		return hard
	})
	if !errors.Is(err, hard) {
		t.Fatalf("got %v", err)
	}
	if calls != 1 {
		t.Fatalf("hard errors must not be retried, got %d attempts", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}
	calls := 0
	err := p.Run(context.Background(), func() error {
		calls++
		return fmt.Errorf("%w: deadlock", ErrRetryable)
	})
	if !IsRetryable(err) {
		t.Fatalf("exhaustion must surface the last conflict, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("want 2 attempts, got %d", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, Backoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Run(ctx, func() error {
		return fmt.Errorf("%w: deadlock", ErrRetryable)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}
