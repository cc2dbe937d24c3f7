// Package notify delivers shopper, seller and operator messages. Delivery
// is fire-and-forget: failures are logged and never block an order.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"fulfillment/internal/metrics"
	"fulfillment/models"
)

// Template keys.
const (
	TemplateOrderConfirmed = "order_confirmed"
	TemplateSellerNewOrder = "seller_new_order"
	TemplateOrderCancelled = "order_cancelled"
	TemplateOrderRefunded  = "order_refunded"
	TemplateOrderShipped   = "order_shipped"
	TemplateOrderDelivered = "order_delivered"
	TemplateOperatorAlert  = "operator_alert"
)

// OperationsRecipient receives operator alerts.
const OperationsRecipient = "operations"

type Dispatcher interface {
	Notify(ctx context.Context, recipientID, template string, data map[string]any) error
}

// Send dispatches and swallows the error after logging it.
func Send(ctx context.Context, d Dispatcher, logger *zap.Logger, recipientID, template string, data map[string]any) {
	if err := d.Notify(ctx, recipientID, template, data); err != nil {
		metrics.RecordNotification(template, "failed")
		logger.Warn("Failed to dispatch notification",
			zap.String("recipient_id", recipientID),
			zap.String("template", template),
			zap.Error(err))
		return
	}
	metrics.RecordNotification(template, "sent")
}

// LogDispatcher writes notifications to the log; used when no broker is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Notify(ctx context.Context, recipientID, template string, data map[string]any) error {
	d.logger.Info("Notification",
		zap.String("recipient_id", recipientID),
		zap.String("template", template),
		zap.Any("data", data))
	return nil
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu     sync.Mutex
	events []models.NotificationEvent
	Err    error
}

func (r *Recorder) Notify(ctx context.Context, recipientID, template string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, models.NotificationEvent{
		RecipientID: recipientID,
		Template:    template,
		Data:        data,
		CreatedAt:   time.Now(),
	})
	return nil
}

func (r *Recorder) Events() []models.NotificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.NotificationEvent(nil), r.events...)
}

// Count returns how many notifications used template.
func (r *Recorder) Count(template string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Template == template {
			n++
		}
	}
	return n
}

// Alerter raises operator-facing alerts.
type Alerter struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewAlerter(dispatcher Dispatcher, logger *zap.Logger) *Alerter {
	return &Alerter{dispatcher: dispatcher, logger: logger}
}

func (a *Alerter) Alert(ctx context.Context, kind, orderID, message string) {
	metrics.RecordAlert(kind)
	a.logger.Error("Operator alert",
		zap.String("kind", kind),
		zap.String("order_id", orderID),
		zap.String("message", message))
	Send(ctx, a.dispatcher, a.logger, OperationsRecipient, TemplateOperatorAlert, map[string]any{
		"kind":     kind,
		"order_id": orderID,
		"message":  message,
	})
}
