package syncqueue

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned by Publish when the buffer has no room.
var ErrQueueFull = errors.New("sync queue buffer full")

// InMemoryQueue is a bounded in-process job queue.
type InMemoryQueue struct {
	ch chan Job
}

// NewInMemoryQueue creates an in-memory queue.
func NewInMemoryQueue(buffer int) *InMemoryQueue {
	if buffer <= 0 {
		buffer = 1
	}
	return &InMemoryQueue{ch: make(chan Job, buffer)}
}

// Publish enqueues a job without blocking.
func (q *InMemoryQueue) Publish(job Job) error {
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume hands jobs to handler until ctx is cancelled. Jobs older than
// maxAge are dropped and reported through onDrop when it is set.
func (q *InMemoryQueue) Consume(
	ctx context.Context,
	handler func(context.Context, Job) error,
	maxAge time.Duration,
	nowFn func() time.Time,
	onDrop func(Job),
) {
	if nowFn == nil {
		nowFn = time.Now
	}
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.ch:
			if ShouldDropJobByAge(job, nowFn(), maxAge) {
				if onDrop != nil {
					onDrop(job)
				}
				continue
			}
			_ = handler(ctx, job)
		}
	}
}

// Depth returns the number of queued jobs.
func (q *InMemoryQueue) Depth() int {
	return len(q.ch)
}
