package services

import (
	"context"
	"dealflow-pipeline/internal/config"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisService(t *testing.T) *RedisService {
	t.Helper()
	mr := miniredis.RunT(t)
	service, err := NewRedisService(config.RedisConfig{
		URL:           "redis://" + mr.Addr(),
		PoolSize:      4,
		Stream:        "test:observations",
		Group:         "test-pipeline",
		StreamMaxLen:  1000,
		LockTTL:       time.Second,
		ClaimMinIdle:  50 * time.Millisecond,
		ClaimInterval: 50 * time.Millisecond,
		MaxDeliveries: 3,
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewRedisService: %v", err)
	}
	t.Cleanup(func() { service.Close() })
	return service
}

func newTestStreamQueue(t *testing.T) *RedisStreamQueue {
	t.Helper()
	q, err := NewRedisStreamQueue(context.Background(), newTestRedisService(t))
	if err != nil {
		t.Fatalf("NewRedisStreamQueue: %v", err)
	}
	q.block = 50 * time.Millisecond
	return q
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startConsumer(q *RedisStreamQueue, consumer string, handle ObservationHandler) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, consumer, handle)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestRedisStreamQueue_FailingMessageDoesNotStallStream(t *testing.T) {
	q := newTestStreamQueue(t)
	ctx := context.Background()

	var failingCalls, freshCalls atomic.Int64
	handle := func(_ context.Context, obs models.RawObservation) error {
		if obs.ID == "obs-failing" {
			failingCalls.Add(1)
			return errors.New("store unavailable")
		}
		freshCalls.Add(1)
		return nil
	}

	if err := q.Enqueue(ctx, models.RawObservation{ID: "obs-failing"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stop := startConsumer(q, "host-worker-0", handle)
	waitFor(t, 2*time.Second, "first delivery", func() bool { return failingCalls.Load() >= 1 })
	stop()

	// A restarted consumer begins with the failed message still pending.
	stop = startConsumer(q, "host-worker-0", handle)
	defer stop()

	if err := q.Enqueue(ctx, models.RawObservation{ID: "obs-fresh"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, "fresh delivery", func() bool { return freshCalls.Load() == 1 })

	waitFor(t, 5*time.Second, "dead message ack", func() bool {
		pending, err := q.redis.client.XPending(ctx, q.stream, q.group).Result()
		return err == nil && pending.Count == 0
	})
	if calls := failingCalls.Load(); calls < 2 || calls > q.maxDeliveries+1 {
		t.Errorf("failing handler calls = %d, want redelivery capped near %d", calls, q.maxDeliveries)
	}
}

func TestRedisStreamQueue_ReclaimsFromAnotherConsumer(t *testing.T) {
	q := newTestStreamQueue(t)
	ctx := context.Background()

	var attempts atomic.Int64
	handle := func(_ context.Context, obs models.RawObservation) error {
		if attempts.Add(1) == 1 {
			return errors.New("lock timeout")
		}
		return nil
	}

	if err := q.Enqueue(ctx, models.RawObservation{ID: "obs-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stop := startConsumer(q, "host-a-worker-0", handle)
	waitFor(t, 2*time.Second, "first attempt", func() bool { return attempts.Load() >= 1 })
	stop()

	stop = startConsumer(q, "host-b-worker-0", handle)
	defer stop()
	waitFor(t, 3*time.Second, "reclaimed delivery", func() bool {
		pending, err := q.redis.client.XPending(ctx, q.stream, q.group).Result()
		return err == nil && pending.Count == 0
	})
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestRedisLocker_ExclusiveUntilReleased(t *testing.T) {
	locker := NewRedisLocker(newTestRedisService(t))

	release, err := locker.Lock(context.Background(), "identity-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "identity-1")
	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Type != models.ErrorTypeTimeout {
		t.Fatalf("second Lock = %v, want timeout while held", err)
	}

	release()
	release2, err := locker.Lock(context.Background(), "identity-1")
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	release2()
}
