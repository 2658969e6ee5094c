package room

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPersistenceQueueSize = 256
	defaultStoreCallTimeout     = 10 * time.Second
)

type persistenceJob struct {
	operation string
	fields    []zap.Field
	run       func(ctx context.Context) error
	barrier   chan struct{}
}

// persistenceQueue applies store writes in order on a single goroutine so
// the coordinator never waits on the store for ordinary transitions.
type persistenceQueue struct {
	jobs        chan persistenceJob
	callTimeout time.Duration
	logger      *zap.Logger
	roomID      string
	stopped     chan struct{}
}

func newPersistenceQueue(roomID string, callTimeout time.Duration, logger *zap.Logger) *persistenceQueue {
	if callTimeout <= 0 {
		callTimeout = defaultStoreCallTimeout
	}
	return &persistenceQueue{
		jobs:        make(chan persistenceJob, defaultPersistenceQueueSize),
		callTimeout: callTimeout,
		logger:      logger,
		roomID:      roomID,
		stopped:     make(chan struct{}),
	}
}

// run consumes jobs until ctx ends, then drains whatever is already queued.
func (q *persistenceQueue) run(ctx context.Context) {
	defer close(q.stopped)
	for {
		select {
		case job := <-q.jobs:
			q.apply(job)
		case <-ctx.Done():
			q.drain()
			return
		}
	}
}

func (q *persistenceQueue) drain() {
	for {
		select {
		case job := <-q.jobs:
			q.apply(job)
		default:
			return
		}
	}
}

func (q *persistenceQueue) apply(job persistenceJob) {
	if job.barrier != nil {
		close(job.barrier)
		return
	}
	callCtx, cancel := context.WithTimeout(context.Background(), q.callTimeout)
	defer cancel()
	if err := job.run(callCtx); err != nil {
		fields := append([]zap.Field{
			zap.String("operation", job.operation),
			zap.String("reason", "store_write_failed"),
			zap.String("room_id", q.roomID),
			zap.Error(err),
		}, job.fields...)
		q.logger.Warn("room persistence failed", fields...)
	}
}

// enqueue schedules a write. It blocks only while the queue is full.
func (q *persistenceQueue) enqueue(ctx context.Context, operation string, run func(ctx context.Context) error, fields ...zap.Field) {
	job := persistenceJob{operation: operation, run: run, fields: fields}
	select {
	case q.jobs <- job:
		return
	default:
	}
	select {
	case q.jobs <- job:
	case <-q.stopped:
		q.logger.Warn("room persistence dropped",
			zap.String("operation", operation),
			zap.String("reason", "queue_stopped"),
			zap.String("room_id", q.roomID))
	case <-ctx.Done():
		q.logger.Warn("room persistence dropped",
			zap.String("operation", operation),
			zap.String("reason", "context_done"),
			zap.String("room_id", q.roomID))
	}
}

// flush waits until every job enqueued before the call has been applied.
func (q *persistenceQueue) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case q.jobs <- persistenceJob{operation: "flush", barrier: barrier}:
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
