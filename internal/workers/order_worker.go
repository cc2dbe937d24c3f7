package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"fulfillment/internal/apperr"
	"fulfillment/internal/commission"
	"fulfillment/internal/inventory"
	"fulfillment/internal/invoice"
	"fulfillment/internal/notify"
	"fulfillment/internal/orders"
	"fulfillment/internal/payment"
	"fulfillment/internal/repository"
	"fulfillment/models"
)

// Step names, persisted per order once completed.
const (
	StepVerifyStock     = "verify_stock"
	StepConfirmPayment  = "confirm_payment"
	StepDecrementStock  = "decrement_stock"
	StepInvoice         = "invoice"
	StepCommission      = "commission"
	StepNotify          = "notify"
	StepReconcileRefund = "reconcile_refund"
)

const reasonReservationExpired = "reservation expired before payment"

var tracer = otel.Tracer("fulfillment/workers")

// errStop ends a job early without failing it.
var errStop = errors.New("order closed")

type OrderWorkerDeps struct {
	Orders      repository.OrderRepository
	Steps       repository.StepRepository
	Ledger      *inventory.Ledger
	Payments    *payment.Service
	Lifecycle   *orders.Service
	Invoices    *invoice.Generator
	Commissions *commission.Settlement
	Dispatcher  notify.Dispatcher
}

// OrderWorker drives one order from checkout to processing. Every step is
// recorded when it completes and skipped on redelivery, and every step is
// itself idempotent, so a crash between a step and its record only repeats
// a no-op.
type OrderWorker struct {
	orders         repository.OrderRepository
	steps          repository.StepRepository
	ledger         *inventory.Ledger
	payments       *payment.Service
	lifecycle      *orders.Service
	invoices       *invoice.Generator
	commissions    *commission.Settlement
	dispatcher     notify.Dispatcher
	reservationTTL time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

func NewOrderWorker(deps OrderWorkerDeps, reservationTTL time.Duration, logger *zap.Logger) *OrderWorker {
	return &OrderWorker{
		orders:         deps.Orders,
		steps:          deps.Steps,
		ledger:         deps.Ledger,
		payments:       deps.Payments,
		lifecycle:      deps.Lifecycle,
		invoices:       deps.Invoices,
		commissions:    deps.Commissions,
		dispatcher:     deps.Dispatcher,
		reservationTTL: reservationTTL,
		logger:         logger,
		now:            time.Now,
	}
}

// Process runs the remaining steps for orderID. It returns
// apperr.ErrPaymentPending while the provider has not settled the payment.
func (w *OrderWorker) Process(ctx context.Context, orderID string) (err error) {
	ctx, span := tracer.Start(ctx, "order.process")
	span.SetAttributes(attribute.String("order_id", orderID))
	defer func() {
		if err != nil && !errors.Is(err, apperr.ErrPaymentPending) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	order, err := w.orders.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	if order.Status.Terminal() {
		return w.reconcile(ctx, order)
	}

	steps := []struct {
		name string
		run  func(context.Context, *models.Order) error
	}{
		{StepVerifyStock, w.verifyStock},
		{StepConfirmPayment, w.confirmPayment},
		{StepDecrementStock, w.decrementStock},
		{StepInvoice, w.issueInvoice},
		{StepCommission, w.settleCommission},
		{StepNotify, w.announce},
	}
	for _, step := range steps {
		done, err := w.steps.StepDone(ctx, orderID, step.name)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if err := step.run(ctx, order); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			if !errors.Is(err, apperr.ErrPaymentPending) {
				w.logger.Warn("Order step failed",
					zap.String("order_id", orderID),
					zap.String("step", step.name),
					zap.Error(err))
			}
			return fmt.Errorf("step %s: %w", step.name, err)
		}
		if err := w.steps.MarkStepDone(ctx, orderID, step.name); err != nil {
			return err
		}
	}

	w.logger.Info("Order processed", zap.String("order_id", orderID))
	return nil
}

// Fail marks an order failed after its retries ran out and gives its stock back.
func (w *OrderWorker) Fail(ctx context.Context, orderID, reason string) error {
	applied, err := w.orders.TransitionOrder(ctx, orderID, models.Cancellable, models.OrderStatusFailed,
		models.OrderUpdate{FailureReason: &reason})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if err := w.ledger.ReleaseReference(ctx, orderID, inventory.ActorWorker); err != nil {
		w.logger.Error("Failed to release reservations", zap.String("order_id", orderID), zap.Error(err))
	}
	return nil
}

// verifyStock checks the checkout reservations still cover the order. Holds
// that lapsed are taken again once the payment is known to be good;
// otherwise the order is cancelled.
func (w *OrderWorker) verifyStock(ctx context.Context, order *models.Order) error {
	if order.Status != models.OrderStatusPending {
		return nil
	}
	held, err := w.ledger.ActiveQuantity(ctx, order.ID)
	if err != nil {
		return err
	}
	if covered(order.Items, held) {
		return nil
	}

	paid := order.IsCashOnDelivery()
	if !paid {
		tx, err := w.transaction(ctx, order)
		if err != nil && !errors.Is(err, apperr.ErrPaymentPending) {
			return err
		}
		paid = err == nil && tx.Status == models.TransactionPaid
		if paid {
			if err := w.markPaid(ctx, order, tx); err != nil {
				return err
			}
		}
	}
	if !paid {
		if _, err := w.lifecycle.Cancel(ctx, order.ID, reasonReservationExpired); err != nil {
			return err
		}
		w.logger.Info("Order cancelled after its reservation expired", zap.String("order_id", order.ID))
		return errStop
	}

	if err := w.ledger.ReleaseReference(ctx, order.ID, inventory.ActorWorker); err != nil {
		return err
	}
	for _, it := range order.Items {
		if _, err := w.ledger.Reserve(ctx, it.ProductID, it.Quantity, order.ID, w.reservationTTL, inventory.ActorWorker); err != nil {
			if !errors.Is(err, apperr.ErrInsufficientStock) {
				return err
			}
			reason := fmt.Sprintf("stock no longer available: %v", err)
			if _, cerr := w.lifecycle.Cancel(ctx, order.ID, reason); cerr != nil {
				return cerr
			}
			w.logger.Warn("Paid order cancelled for lack of stock", zap.String("order_id", order.ID), zap.Error(err))
			return errStop
		}
	}
	return nil
}

// confirmPayment moves the order to confirmed once money is secured.
// Cash on delivery is confirmed straight away.
func (w *OrderWorker) confirmPayment(ctx context.Context, order *models.Order) error {
	if order.Status != models.OrderStatusPending {
		return nil
	}
	if order.IsCashOnDelivery() {
		return w.confirm(ctx, order, models.OrderUpdate{})
	}
	// Holds may have lapsed while the payment was pending.
	if err := w.verifyStock(ctx, order); err != nil {
		return err
	}

	tx, err := w.transaction(ctx, order)
	if err != nil {
		return err
	}
	switch tx.Status {
	case models.TransactionPaid:
		paid := models.PaymentStatusPaid
		return w.confirm(ctx, order, models.OrderUpdate{PaymentStatus: &paid, PaidAt: tx.PaidAt})
	case models.TransactionFailed:
		failed := models.PaymentStatusFailed
		if err := w.orders.UpdateOrder(ctx, order.ID, models.OrderUpdate{PaymentStatus: &failed}); err != nil {
			return err
		}
		order.PaymentStatus = failed
		if _, err := w.lifecycle.Cancel(ctx, order.ID, "payment failed"); err != nil {
			return err
		}
		return errStop
	default:
		return apperr.ErrPaymentPending
	}
}

func (w *OrderWorker) confirm(ctx context.Context, order *models.Order, upd models.OrderUpdate) error {
	applied, err := w.orders.TransitionOrder(ctx, order.ID,
		[]models.OrderStatus{models.OrderStatusPending}, models.OrderStatusConfirmed, upd)
	if err != nil {
		return err
	}
	if !applied {
		return w.reload(ctx, order, models.OrderStatusConfirmed)
	}
	upd.Apply(order)
	order.Status = models.OrderStatusConfirmed
	return nil
}

func (w *OrderWorker) decrementStock(ctx context.Context, order *models.Order) error {
	for _, it := range order.Items {
		if err := w.ledger.Decrement(ctx, it.ProductID, it.Quantity, order.ID, inventory.ActorWorker); err != nil {
			return err
		}
	}
	return nil
}

func (w *OrderWorker) issueInvoice(ctx context.Context, order *models.Order) error {
	inv, err := w.invoices.Generate(ctx, order)
	if err != nil {
		return err
	}
	now := w.now()
	upd := models.OrderUpdate{InvoiceNumber: &inv.Number, ProcessedAt: &now}
	applied, err := w.orders.TransitionOrder(ctx, order.ID,
		[]models.OrderStatus{models.OrderStatusConfirmed}, models.OrderStatusProcessing, upd)
	if err != nil {
		return err
	}
	if !applied {
		return w.reload(ctx, order, models.OrderStatusProcessing)
	}
	upd.Apply(order)
	order.Status = models.OrderStatusProcessing
	return nil
}

// settleCommission books the seller's share of a paid order. Cash on
// delivery is settled when the order is delivered.
func (w *OrderWorker) settleCommission(ctx context.Context, order *models.Order) error {
	if order.PaymentStatus != models.PaymentStatusPaid {
		return nil
	}
	_, err := w.commissions.Settle(ctx, order)
	return err
}

func (w *OrderWorker) announce(ctx context.Context, order *models.Order) error {
	notify.Send(ctx, w.dispatcher, w.logger, order.ShopperID, notify.TemplateOrderConfirmed, map[string]any{
		"order_id":       order.ID,
		"checkout_id":    order.CheckoutID,
		"total":          order.Total.StringFixed(2),
		"currency":       order.Currency,
		"invoice_number": order.InvoiceNumber,
	})
	items := make([]map[string]any, 0, len(order.Items))
	for _, it := range order.Items {
		items = append(items, map[string]any{"product_id": it.ProductID, "quantity": it.Quantity})
	}
	notify.Send(ctx, w.dispatcher, w.logger, order.SellerID, notify.TemplateSellerNewOrder, map[string]any{
		"order_id":         order.ID,
		"items":            items,
		"shipping_option":  order.ShippingOption,
		"shipping_address": order.ShippingAddress,
		"cash_on_delivery": order.IsCashOnDelivery(),
	})
	w.lifecycle.ExportFact(ctx, order, orders.FactProcessed)
	return nil
}

// reconcile handles a job for an order that is already closed. A payment
// that succeeded after its order was cancelled is returned to the shopper.
func (w *OrderWorker) reconcile(ctx context.Context, order *models.Order) error {
	if order.Status != models.OrderStatusCancelled || order.PaymentReference == "" || order.IsCashOnDelivery() {
		return nil
	}
	done, err := w.steps.StepDone(ctx, order.ID, StepReconcileRefund)
	if err != nil || done {
		return err
	}
	tx, err := w.transaction(ctx, order)
	if err != nil {
		return err
	}
	if tx.Status != models.TransactionPaid {
		return nil
	}

	if _, err := w.payments.Refund(ctx, order.PaymentMethod, order.PaymentReference, order.Total, "order cancelled before payment settled"); err != nil {
		return fmt.Errorf("failed to refund late payment for order %s: %w", order.ID, err)
	}
	refunded := models.PaymentStatusRefunded
	amount := order.Total
	if err := w.orders.UpdateOrder(ctx, order.ID, models.OrderUpdate{PaymentStatus: &refunded, RefundedAmount: &amount}); err != nil {
		return err
	}
	if err := w.steps.MarkStepDone(ctx, order.ID, StepReconcileRefund); err != nil {
		return err
	}
	w.logger.Warn("Refunded payment that arrived after cancellation",
		zap.String("order_id", order.ID),
		zap.String("reference", order.PaymentReference),
		zap.String("amount", amount.StringFixed(2)))
	notify.Send(ctx, w.dispatcher, w.logger, order.ShopperID, notify.TemplateOrderRefunded, map[string]any{
		"order_id": order.ID,
		"amount":   amount.StringFixed(2),
		"full":     true,
	})
	return nil
}

// transaction reads the order's payment, polling the provider while it is
// still open.
func (w *OrderWorker) transaction(ctx context.Context, order *models.Order) (*models.PaymentTransaction, error) {
	if order.PaymentReference == "" {
		// Not recorded yet; the payment counts as open until it is or the
		// holds lapse.
		return nil, fmt.Errorf("%w: order %s has no payment reference", apperr.ErrPaymentPending, order.ID)
	}
	outcome, err := w.payments.Refresh(ctx, order.PaymentMethod, order.PaymentReference)
	if err != nil {
		return nil, err
	}
	return outcome.Transaction, nil
}

func (w *OrderWorker) markPaid(ctx context.Context, order *models.Order, tx *models.PaymentTransaction) error {
	paid := models.PaymentStatusPaid
	upd := models.OrderUpdate{PaymentStatus: &paid, PaidAt: tx.PaidAt}
	if err := w.orders.UpdateOrder(ctx, order.ID, upd); err != nil {
		return err
	}
	upd.Apply(order)
	return nil
}

// reload refreshes order after a lost transition. Reaching want through a
// concurrent run is fine; anything else is not.
func (w *OrderWorker) reload(ctx context.Context, order *models.Order, want models.OrderStatus) error {
	current, err := w.orders.GetOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	*order = *current
	if current.Status == want {
		return nil
	}
	if current.Status.Terminal() {
		return errStop
	}
	return fmt.Errorf("%w: order %s is %s, expected %s", apperr.ErrInvalidTransition, order.ID, current.Status, want)
}

func covered(items []models.OrderItem, held map[string]int) bool {
	need := map[string]int{}
	for _, it := range items {
		need[it.ProductID] += it.Quantity
	}
	for product, qty := range need {
		if held[product] < qty {
			return false
		}
	}
	return true
}
