// Package orders owns the order lifecycle after checkout: cancellation,
// refunds, shipment and delivery. The order worker and the admin API both
// go through it so stock, payment and commission stay consistent.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fulfillment/internal/apperr"
	"fulfillment/internal/commission"
	"fulfillment/internal/inventory"
	"fulfillment/internal/notify"
	"fulfillment/internal/payment"
	"fulfillment/internal/repository"
	"fulfillment/models"
	"fulfillment/pkg/money"
)

const currencyPlaces = 2

// Fact events.
const (
	FactProcessed = "processed"
	FactCancelled = "cancelled"
	FactRefunded  = "refunded"
	FactDelivered = "delivered"
)

// FactSink receives one analytics row per lifecycle event.
type FactSink interface {
	InsertOrderFact(ctx context.Context, fact models.OrderFact) error
}

type Service struct {
	orders      repository.OrderRepository
	ledger      *inventory.Ledger
	payments    *payment.Service
	commissions *commission.Settlement
	dispatcher  notify.Dispatcher
	facts       FactSink
	logger      *zap.Logger
	now         func() time.Time
}

func NewService(
	orders repository.OrderRepository,
	ledger *inventory.Ledger,
	payments *payment.Service,
	commissions *commission.Settlement,
	dispatcher notify.Dispatcher,
	logger *zap.Logger,
) *Service {
	return &Service{
		orders:      orders,
		ledger:      ledger,
		payments:    payments,
		commissions: commissions,
		dispatcher:  dispatcher,
		logger:      logger,
		now:         time.Now,
	}
}

// WithFacts enables the analytics export.
func (s *Service) WithFacts(sink FactSink) *Service {
	s.facts = sink
	return s
}

func (s *Service) Get(ctx context.Context, id string) (*models.Order, error) {
	return s.orders.GetOrder(ctx, id)
}

// Cancel stops an order that has not shipped. A paid order is refunded in
// full and ends up refunded; any other order is cancelled. Stock goes back
// either way.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (*models.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !cancellable(order.Status) {
		return nil, fmt.Errorf("%w: order %s is %s", apperr.ErrInvalidTransition, orderID, order.Status)
	}
	if refundable(order.PaymentStatus) {
		remaining := order.Total.Sub(order.RefundedAmount)
		if _, err := s.payments.Refund(ctx, order.PaymentMethod, order.PaymentReference, remaining, reason); err != nil {
			return nil, err
		}
		return s.applyRefund(ctx, order, remaining, reason)
	}

	applied, err := s.orders.TransitionOrder(ctx, orderID, models.Cancellable, models.OrderStatusCancelled,
		models.OrderUpdate{FailureReason: &reason})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: order %s changed concurrently", apperr.ErrInvalidTransition, orderID)
	}
	order.Status = models.OrderStatusCancelled
	order.FailureReason = reason

	s.restoreStock(ctx, order)
	s.logger.Info("Order cancelled", zap.String("order_id", orderID), zap.String("reason", reason))
	notify.Send(ctx, s.dispatcher, s.logger, order.ShopperID, notify.TemplateOrderCancelled, map[string]any{
		"order_id": order.ID,
		"reason":   reason,
	})
	s.ExportFact(ctx, order, FactCancelled)
	return order, nil
}

// Refund returns amount of a single order's payment.
func (s *Service) Refund(ctx context.Context, orderID string, amount decimal.Decimal, reason string) (*models.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.checkRefund(order, amount); err != nil {
		return nil, err
	}
	if _, err := s.payments.Refund(ctx, order.PaymentMethod, order.PaymentReference, amount, reason); err != nil {
		return nil, err
	}
	return s.applyRefund(ctx, order, amount, reason)
}

// RefundPayment refunds part of a payment that covered several orders. The
// amount is split across the orders pro-rata by what each still has
// outstanding; the rounding remainder lands on the last order.
func (s *Service) RefundPayment(ctx context.Context, provider, reference string, amount decimal.Decimal, reason string) ([]models.Order, error) {
	if _, err := s.payments.Transaction(ctx, provider, reference); err != nil {
		return nil, err
	}
	all, err := s.orders.ListOrdersByPayment(ctx, reference)
	if err != nil {
		return nil, err
	}

	var eligible []models.Order
	var weights []decimal.Decimal
	for _, o := range all {
		if o.PaymentMethod != provider || !cancellable(o.Status) || !refundable(o.PaymentStatus) {
			continue
		}
		eligible = append(eligible, o)
		weights = append(weights, o.Total.Sub(o.RefundedAmount))
	}
	outstanding := money.Sum(weights...)
	if len(eligible) == 0 || !amount.IsPositive() || amount.GreaterThan(outstanding) {
		return nil, fmt.Errorf("%w: %s of %s refundable on %s", apperr.ErrInvalidRefund, amount, outstanding, reference)
	}

	if _, err := s.payments.Refund(ctx, provider, reference, amount, reason); err != nil {
		return nil, err
	}

	shares := money.Allocate(amount, weights, currencyPlaces)
	var out []models.Order
	var errs []error
	for i := range eligible {
		if !shares[i].IsPositive() {
			out = append(out, eligible[i])
			continue
		}
		updated, err := s.applyRefund(ctx, &eligible[i], shares[i], reason)
		if err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", eligible[i].ID, err))
			continue
		}
		out = append(out, *updated)
	}
	return out, errors.Join(errs...)
}

// MarkShipped moves a processing order to shipped.
func (s *Service) MarkShipped(ctx context.Context, orderID, trackingCode string) (*models.Order, error) {
	now := s.now()
	applied, err := s.orders.TransitionOrder(ctx, orderID,
		[]models.OrderStatus{models.OrderStatusProcessing}, models.OrderStatusShipped,
		models.OrderUpdate{TrackingCode: &trackingCode, ShippedAt: &now})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, s.transitionError(ctx, orderID, models.OrderStatusShipped)
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Order shipped", zap.String("order_id", orderID), zap.String("tracking_code", trackingCode))
	notify.Send(ctx, s.dispatcher, s.logger, order.ShopperID, notify.TemplateOrderShipped, map[string]any{
		"order_id":      order.ID,
		"tracking_code": trackingCode,
	})
	return order, nil
}

// MarkDelivered closes a shipped order. Cash on delivery is collected here,
// so its commission is settled at this point.
func (s *Service) MarkDelivered(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	upd := models.OrderUpdate{DeliveredAt: &now}
	cod := order.IsCashOnDelivery()
	if cod {
		paid := models.PaymentStatusPaid
		upd.PaymentStatus = &paid
		upd.PaidAt = &now
	}
	applied, err := s.orders.TransitionOrder(ctx, orderID,
		[]models.OrderStatus{models.OrderStatusShipped}, models.OrderStatusDelivered, upd)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, s.transitionError(ctx, orderID, models.OrderStatusDelivered)
	}
	upd.Apply(order)
	order.Status = models.OrderStatusDelivered

	if cod {
		if _, err := s.commissions.Settle(ctx, order); err != nil {
			return nil, fmt.Errorf("failed to settle commission for order %s: %w", orderID, err)
		}
	}
	s.logger.Info("Order delivered", zap.String("order_id", orderID), zap.Bool("cash_on_delivery", cod))
	notify.Send(ctx, s.dispatcher, s.logger, order.ShopperID, notify.TemplateOrderDelivered, map[string]any{
		"order_id": order.ID,
	})
	s.ExportFact(ctx, order, FactDelivered)
	return order, nil
}

// ExportFact writes an analytics row; failures are logged only.
func (s *Service) ExportFact(ctx context.Context, order *models.Order, event string) {
	if s.facts == nil {
		return
	}
	fact := models.OrderFact{
		OrderID:   order.ID,
		SellerID:  order.SellerID,
		ShopperID: order.ShopperID,
		DateKey:   order.CreatedAt.Format("02012006"),
		Subtotal:  order.Subtotal.InexactFloat64(),
		Tax:       order.Tax.InexactFloat64(),
		Shipping:  order.Shipping.InexactFloat64(),
		Discount:  order.Discount.InexactFloat64(),
		Total:     order.Total.InexactFloat64(),
		Currency:  order.Currency,
		EventType: event,
		EventTime: s.now(),
	}
	if rec, err := s.commissions.Record(ctx, order.ID); err == nil {
		fact.Commission = rec.CommissionAmount.InexactFloat64()
	}
	if err := s.facts.InsertOrderFact(ctx, fact); err != nil {
		s.logger.Warn("Failed to export order fact",
			zap.String("order_id", order.ID),
			zap.String("event", event),
			zap.Error(err))
	}
}

func (s *Service) checkRefund(order *models.Order, amount decimal.Decimal) error {
	if !cancellable(order.Status) {
		return fmt.Errorf("%w: order %s is %s", apperr.ErrInvalidTransition, order.ID, order.Status)
	}
	if !refundable(order.PaymentStatus) {
		return fmt.Errorf("%w: order %s payment is %s", apperr.ErrInvalidRefund, order.ID, order.PaymentStatus)
	}
	remaining := order.Total.Sub(order.RefundedAmount)
	if !amount.IsPositive() || amount.GreaterThan(remaining) {
		return fmt.Errorf("%w: %s of %s remaining", apperr.ErrInvalidRefund, amount, remaining)
	}
	return nil
}

// applyRefund records amount as refunded on order once the provider has
// accepted it. A refund reaching the order total closes the order.
func (s *Service) applyRefund(ctx context.Context, order *models.Order, amount decimal.Decimal, reason string) (*models.Order, error) {
	refunded := order.RefundedAmount.Add(amount)
	full := refunded.GreaterThanOrEqual(order.Total)

	if err := s.commissions.Reverse(ctx, order.ID, amount); err != nil {
		return nil, fmt.Errorf("failed to reverse commission for order %s: %w", order.ID, err)
	}

	if full {
		status := models.PaymentStatusRefunded
		upd := models.OrderUpdate{PaymentStatus: &status, RefundedAmount: &refunded, FailureReason: &reason}
		applied, err := s.orders.TransitionOrder(ctx, order.ID, models.Cancellable, models.OrderStatusRefunded, upd)
		if err != nil {
			return nil, err
		}
		if !applied {
			return nil, fmt.Errorf("%w: order %s changed concurrently", apperr.ErrInvalidTransition, order.ID)
		}
		upd.Apply(order)
		order.Status = models.OrderStatusRefunded
		s.restoreStock(ctx, order)
		s.ExportFact(ctx, order, FactRefunded)
	} else {
		status := models.PaymentStatusPartiallyRefunded
		upd := models.OrderUpdate{PaymentStatus: &status, RefundedAmount: &refunded}
		if err := s.orders.UpdateOrder(ctx, order.ID, upd); err != nil {
			return nil, err
		}
		upd.Apply(order)
	}

	s.logger.Info("Order refunded",
		zap.String("order_id", order.ID),
		zap.String("amount", amount.StringFixed(2)),
		zap.Bool("full", full))
	notify.Send(ctx, s.dispatcher, s.logger, order.ShopperID, notify.TemplateOrderRefunded, map[string]any{
		"order_id": order.ID,
		"amount":   amount.StringFixed(2),
		"full":     full,
	})
	return order, nil
}

// restoreStock releases open holds and puts back anything already taken
// off the shelf.
func (s *Service) restoreStock(ctx context.Context, order *models.Order) {
	if err := s.ledger.ReleaseReference(ctx, order.ID, inventory.ActorAdmin); err != nil {
		s.logger.Error("Failed to release reservations", zap.String("order_id", order.ID), zap.Error(err))
	}
	for _, it := range order.Items {
		done, err := s.ledger.Decremented(ctx, it.ProductID, order.ID)
		if err != nil {
			s.logger.Error("Failed to read movements", zap.String("order_id", order.ID), zap.String("product_id", it.ProductID), zap.Error(err))
			continue
		}
		if !done {
			continue
		}
		if err := s.ledger.Restock(ctx, it.ProductID, it.Quantity, order.ID, inventory.ActorAdmin); err != nil {
			s.logger.Error("Failed to restock", zap.String("order_id", order.ID), zap.String("product_id", it.ProductID), zap.Error(err))
		}
	}
}

func (s *Service) transitionError(ctx context.Context, orderID string, to models.OrderStatus) error {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: order %s is %s, cannot become %s", apperr.ErrInvalidTransition, orderID, order.Status, to)
}

func cancellable(status models.OrderStatus) bool {
	for _, s := range models.Cancellable {
		if s == status {
			return true
		}
	}
	return false
}

func refundable(status models.PaymentStatus) bool {
	return status == models.PaymentStatusPaid || status == models.PaymentStatusPartiallyRefunded
}
