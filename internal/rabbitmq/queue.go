package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"fulfillment/config"
	"fulfillment/internal/queue"
	"fulfillment/models"
)

// Queue carries order jobs over RabbitMQ. Delayed jobs wait in a per-delay
// queue whose messages dead-letter back into the main queue when their TTL
// runs out.
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  config.RabbitMQConfig
	logger  *zap.Logger

	mu       sync.Mutex
	declared map[string]bool
}

var _ queue.Queue = (*Queue)(nil)

func NewQueue(cfg config.RabbitMQConfig, logger *zap.Logger) (*Queue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q := &Queue{
		conn:     conn,
		channel:  channel,
		config:   cfg,
		logger:   logger,
		declared: map[string]bool{},
	}
	if err := q.declare(cfg.OrderQueue, nil); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// declare is idempotent; the caller must not hold q.mu.
func (q *Queue) declare(name string, args amqp.Table) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[name] {
		return nil
	}
	_, err := q.channel.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	q.declared[name] = true
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, job models.OrderJob) error {
	return q.publish(ctx, q.config.OrderQueue, job)
}

func (q *Queue) EnqueueAfter(ctx context.Context, job models.OrderJob, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	name := retryQueueName(q.config.OrderQueue, delay)
	if err := q.declare(name, retryQueueArgs(q.config.OrderQueue, delay)); err != nil {
		return err
	}
	return q.publish(ctx, name, job)
}

func (q *Queue) publish(ctx context.Context, routingKey string, job models.OrderJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	body, err := encodeJob(job)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.channel.PublishWithContext(ctx,
		"",         // default exchange
		routingKey, // queue name
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    job.EnqueuedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job for order %s: %w", job.OrderID, err)
	}
	return nil
}

// Consume acks a job once handler returns nil and requeues it otherwise.
// Undecodable messages are dropped.
func (q *Queue) Consume(ctx context.Context, workers int, handler queue.Handler) error {
	if workers < 1 {
		workers = 1
	}
	channel, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer channel.Close()

	prefetch := q.config.PrefetchCount
	if prefetch < workers {
		prefetch = workers
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := channel.Consume(
		q.config.OrderQueue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	q.logger.Info("Started consuming", zap.String("queue", q.config.OrderQueue), zap.Int("workers", workers))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					q.deliver(ctx, msg, handler)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *Queue) deliver(ctx context.Context, msg amqp.Delivery, handler queue.Handler) {
	job, err := decodeJob(msg.Body)
	if err != nil {
		q.logger.Error("Dropping undecodable job", zap.Error(err))
		msg.Nack(false, false)
		return
	}
	if err := handler(ctx, job); err != nil {
		q.logger.Warn("Job failed, requeueing",
			zap.String("order_id", job.OrderID),
			zap.Error(err),
		)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}

func retryQueueName(main string, delay time.Duration) string {
	return fmt.Sprintf("%s.retry.%dms", main, delay.Milliseconds())
}

// Idle retry queues are removed a minute after their last use.
func retryQueueArgs(main string, delay time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": main,
		"x-expires":                 (delay + time.Minute).Milliseconds(),
	}
}

func encodeJob(job models.OrderJob) ([]byte, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return body, nil
}

func decodeJob(body []byte) (models.OrderJob, error) {
	var job models.OrderJob
	if err := json.Unmarshal(body, &job); err != nil {
		return job, fmt.Errorf("failed to decode job: %w", err)
	}
	if job.OrderID == "" {
		return job, fmt.Errorf("failed to decode job: missing order_id")
	}
	return job, nil
}
