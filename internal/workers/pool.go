package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fulfillment/internal/apperr"
	"fulfillment/internal/metrics"
	"fulfillment/internal/notify"
	"fulfillment/internal/queue"
	"fulfillment/models"
)

// Processor is the per-order job logic run by the pool.
type Processor interface {
	Process(ctx context.Context, orderID string) error
	Fail(ctx context.Context, orderID, reason string) error
}

// Locker serializes jobs for the same order across pool goroutines and
// processes. Acquire returns apperr.ErrLocked when key is held elsewhere.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

type PoolConfig struct {
	Concurrency  int
	MaxAttempts  int
	RetryBackoff time.Duration
	// PendingRecheck is how long an unsettled payment waits before the next look.
	PendingRecheck time.Duration
	// LockRetry delays a job whose order is being worked on elsewhere.
	LockRetry time.Duration
	LockTTL   time.Duration
	// JobTimeout bounds a single Process call.
	JobTimeout time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Minute
	}
	if c.PendingRecheck <= 0 {
		c.PendingRecheck = 30 * time.Second
	}
	if c.LockRetry <= 0 {
		c.LockRetry = 5 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	return c
}

// Pool consumes order jobs and applies the retry policy: a failed job is
// retried after RetryBackoff × attempt until MaxAttempts, after which the
// order is failed and operators are alerted.
type Pool struct {
	queue     queue.Queue
	processor Processor
	locker    Locker
	alerter   *notify.Alerter
	cfg       PoolConfig
	logger    *zap.Logger
}

func NewPool(q queue.Queue, processor Processor, locker Locker, alerter *notify.Alerter, cfg PoolConfig, logger *zap.Logger) *Pool {
	return &Pool{
		queue:     q,
		processor: processor,
		locker:    locker,
		alerter:   alerter,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Starting order worker pool",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Int("max_attempts", p.cfg.MaxAttempts))
	return p.queue.Consume(ctx, p.cfg.Concurrency, p.Handle)
}

// Handle processes one delivery. It only returns an error when the job
// could not be handed back to the queue, so the broker redelivers it.
func (p *Pool) Handle(ctx context.Context, job models.OrderJob) error {
	logger := p.logger.With(zap.String("order_id", job.OrderID), zap.Int("attempt", job.Attempt))

	release, err := p.locker.Acquire(ctx, "order-job:"+job.OrderID, p.cfg.LockTTL)
	if errors.Is(err, apperr.ErrLocked) {
		logger.Debug("Order is locked by another worker, delaying job")
		return p.queue.EnqueueAfter(ctx, job, p.cfg.LockRetry)
	}
	if err != nil {
		return fmt.Errorf("failed to lock order %s: %w", job.OrderID, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release order lock", zap.Error(err))
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	start := time.Now()
	err = p.processor.Process(jobCtx, job.OrderID)
	cancel()
	took := time.Since(start)

	switch {
	case err == nil:
		metrics.RecordJob("succeeded", took)
		return nil

	case errors.Is(err, apperr.ErrPaymentPending):
		// Waiting on the provider is not a failure and does not use an attempt.
		metrics.RecordJob("deferred", took)
		logger.Debug("Payment still pending, rechecking later", zap.Duration("delay", p.cfg.PendingRecheck))
		next := job
		next.Reason = "deferred"
		return p.queue.EnqueueAfter(ctx, next, p.cfg.PendingRecheck)

	case !apperr.Retryable(err) || job.Attempt+1 >= p.cfg.MaxAttempts:
		metrics.RecordJob("exhausted", took)
		p.exhaust(ctx, job, err)
		return nil

	default:
		metrics.RecordJob("retried", took)
		next := job
		next.Attempt++
		next.Reason = "retry"
		delay := p.cfg.RetryBackoff * time.Duration(next.Attempt)
		logger.Warn("Order job failed, retrying",
			zap.Duration("delay", delay),
			zap.Error(err))
		return p.queue.EnqueueAfter(ctx, next, delay)
	}
}

func (p *Pool) exhaust(ctx context.Context, job models.OrderJob, cause error) {
	reason := fmt.Sprintf("%v after %d attempt(s): %v", apperr.ErrJobExhausted, job.Attempt+1, cause)
	if err := p.processor.Fail(ctx, job.OrderID, reason); err != nil {
		p.logger.Error("Failed to mark order failed", zap.String("order_id", job.OrderID), zap.Error(err))
	}
	p.alerter.Alert(ctx, "job_exhausted", job.OrderID, reason)
}

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]uint64{}}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, apperr.ErrLocked
	}
	l.seq++
	token := l.seq
	l.held[key] = token
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key] == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}
