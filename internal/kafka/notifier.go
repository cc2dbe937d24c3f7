package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"fulfillment/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier publishes notification events keyed by recipient, so one
// recipient's messages stay on one partition.
type Notifier struct {
	writer  messageWriter
	timeout time.Duration
	logger  *zap.Logger
}

func NewNotifier(brokersCSV, topic string, timeout time.Duration, logger *zap.Logger) *Notifier {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	logger.Info("Kafka notifier initialized", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return newNotifier(writer, timeout, logger)
}

func newNotifier(writer messageWriter, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{writer: writer, timeout: timeout, logger: logger}
}

func (n *Notifier) Notify(ctx context.Context, recipientID, template string, data map[string]any) error {
	event := models.NotificationEvent{
		RecipientID: recipientID,
		Template:    template,
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(recipientID),
		Value: value,
		Time:  event.CreatedAt,
	}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(&msg.Headers))

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish notification %s: %w", template, err)
	}

	n.logger.Debug("Notification published",
		zap.String("recipient_id", recipientID),
		zap.String("template", template))
	return nil
}

func (n *Notifier) Close() error {
	return n.writer.Close()
}

// headerCarrier adapts kafka headers to the otel TextMapCarrier interface.
type headerCarrier []kafka.Header

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, len(*c))
	for i, h := range *c {
		keys[i] = h.Key
	}
	return keys
}
