package services

import (
	"context"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"sync"
)

// ObservationHandler processes one dequeued observation. A nil return
// acknowledges it.
type ObservationHandler func(ctx context.Context, obs models.RawObservation) error

// ObservationQueue feeds observations to the pipeline workers.
type ObservationQueue interface {
	Enqueue(ctx context.Context, obs models.RawObservation) error
	// Consume delivers observations to handle until ctx is done or the queue
	// is closed.
	Consume(ctx context.Context, consumer string, handle ObservationHandler) error
	Len(ctx context.Context) (int64, error)
	Close() error
}

// MemoryQueue is a buffered channel. It never redelivers: a failed
// observation is logged and dropped, and observations still queued at
// shutdown are lost. Use the Redis stream queue when that matters.
type MemoryQueue struct {
	ch     chan models.RawObservation
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	logger *logger.Logger
}

func NewMemoryQueue(size int, logger *logger.Logger) *MemoryQueue {
	if size < 1 {
		size = 1
	}
	return &MemoryQueue{
		ch:     make(chan models.RawObservation, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, obs models.RawObservation) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return models.ErrQueueClosed
	}
	select {
	case q.ch <- obs:
		return nil
	case <-ctx.Done():
		return models.WrapTimeoutError("enqueue_observation", ctx.Err())
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, consumer string, handle ObservationHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case obs := <-q.ch:
			if err := handle(ctx, obs); err != nil {
				q.logger.WithObservationID(obs.ID).
					WithField("consumer", consumer).
					WithError(err).
					Error("Observation dropped after failure, memory queue does not redeliver")
			}
		}
	}
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
