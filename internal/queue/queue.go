// Package queue is the task-queue abstraction the order worker runs on:
// durable enqueue, delayed retry, and a consumer loop.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"fulfillment/models"
)

// Handler processes one job. A non-nil error asks the queue to redeliver.
type Handler func(ctx context.Context, job models.OrderJob) error

type Queue interface {
	Enqueue(ctx context.Context, job models.OrderJob) error
	// EnqueueAfter makes job visible to consumers once delay has passed.
	EnqueueAfter(ctx context.Context, job models.OrderJob, delay time.Duration) error
	// Consume runs handler on workers goroutines until ctx is done.
	Consume(ctx context.Context, workers int, handler Handler) error
	Close() error
}

var ErrClosed = errors.New("queue is closed")

// Scheduled is one enqueue call seen by a MemoryQueue.
type Scheduled struct {
	Job   models.OrderJob
	Delay time.Duration
}

// MemoryQueue is a process-local queue. Jobs are lost on restart.
type MemoryQueue struct {
	jobs      chan models.OrderJob
	mu        sync.Mutex
	history   []Scheduled
	timers    map[uint64]*time.Timer
	nextTimer uint64
	closed    bool
	redeliver time.Duration
	logger    *zap.Logger
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	return &MemoryQueue{
		jobs:      make(chan models.OrderJob, buffer),
		timers:    map[uint64]*time.Timer{},
		redeliver: time.Second,
		logger:    zap.NewNop(),
	}
}

func (q *MemoryQueue) WithLogger(logger *zap.Logger) *MemoryQueue {
	q.logger = logger
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job models.OrderJob) error {
	return q.EnqueueAfter(ctx, job, 0)
}

func (q *MemoryQueue) EnqueueAfter(ctx context.Context, job models.OrderJob, delay time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	q.history = append(q.history, Scheduled{Job: job, Delay: delay})
	if delay > 0 {
		id := q.nextTimer
		q.nextTimer++
		q.timers[id] = time.AfterFunc(delay, func() {
			q.mu.Lock()
			delete(q.timers, id)
			q.mu.Unlock()
			if err := q.push(context.Background(), job); err != nil {
				q.logger.Error("Failed to deliver delayed job", zap.String("order_id", job.OrderID), zap.Error(err))
			}
		})
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	return q.push(ctx, job)
}

func (q *MemoryQueue) push(ctx context.Context, job models.OrderJob) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					if err := handler(ctx, job); err != nil {
						// Redeliver like a nacked message.
						q.logger.Warn("Job failed, redelivering",
							zap.String("order_id", job.OrderID),
							zap.Error(err))
						if rerr := q.EnqueueAfter(ctx, job, q.redeliver); rerr != nil {
							q.logger.Error("Failed to redeliver job",
								zap.String("order_id", job.OrderID),
								zap.Error(rerr))
						}
					}
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// TryNext pops a ready job without blocking.
func (q *MemoryQueue) TryNext() (models.OrderJob, bool) {
	select {
	case job := <-q.jobs:
		return job, true
	default:
		return models.OrderJob{}, false
	}
}

// Pending counts delayed jobs not yet delivered.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// History lists every enqueue call in order.
func (q *MemoryQueue) History() []Scheduled {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Scheduled(nil), q.history...)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	return nil
}
