package services

import (
	"context"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{Attempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRetryPolicy_RetriesOnlyRetryable(t *testing.T) {
	p := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	log := logger.NewNop()

	calls := 0
	err := p.Do(context.Background(), "retryable", log, func(int) error {
		calls++
		return models.NewExternalError("UPSTREAM", "boom")
	})
	if err == nil || calls != 3 {
		t.Errorf("retryable: calls = %d, err = %v; want 3 calls and an error", calls, err)
	}

	calls = 0
	err = p.Do(context.Background(), "permanent", log, func(int) error {
		calls++
		return errors.New("parse failure")
	})
	if err == nil || calls != 1 {
		t.Errorf("permanent: calls = %d, err = %v; want 1 call and an error", calls, err)
	}

	calls = 0
	err = p.Do(context.Background(), "eventual", log, func(attempt int) error {
		calls++
		if attempt < 2 {
			return models.NewTimeoutError("SLOW", "slow")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("eventual: calls = %d, err = %v; want 2 calls and success", calls, err)
	}
}

func TestRetryPolicy_StopsOnCancel(t *testing.T) {
	p := RetryPolicy{Attempts: 10, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := p.Do(ctx, "cancelled", logger.NewNop(), func(int) error {
		return models.NewExternalError("UPSTREAM", "boom")
	})
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if time.Since(start) > time.Second {
		t.Errorf("cancelled retry took %v", time.Since(start))
	}
}
