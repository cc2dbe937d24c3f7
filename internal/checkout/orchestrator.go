// Package checkout turns a basket into one pending order per seller, holds
// stock for them and hands the combined amount to the payment provider.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"fulfillment/internal/apperr"
	"fulfillment/internal/cart"
	"fulfillment/internal/inventory"
	"fulfillment/internal/metrics"
	"fulfillment/internal/payment"
	"fulfillment/internal/queue"
	"fulfillment/internal/repository"
	"fulfillment/models"
	"fulfillment/pkg/money"
)

const currencyPlaces = 2

var tracer = otel.Tracer("fulfillment/checkout")

// DiscountPolicy returns the discount a seller grants on a subtotal.
type DiscountPolicy interface {
	Discount(ctx context.Context, shopperID, sellerID string, subtotal decimal.Decimal) (decimal.Decimal, error)
}

type Config struct {
	Currency       string
	TaxRate        decimal.Decimal
	ReservationTTL time.Duration
	// FreeShippingAbove waives shipping for a seller subtotal at or above it; zero disables.
	FreeShippingAbove decimal.Decimal
	// CashOnDeliveryMax caps the checkout total payable in cash; zero disables.
	CashOnDeliveryMax decimal.Decimal
}

type Request struct {
	ShopperID         string            `json:"shopper_id"`
	Lines             []models.CartLine `json:"lines"`
	ShippingAddressID string            `json:"shipping_address_id"`
	BillingAddressID  string            `json:"billing_address_id"`
	PaymentMethod     string            `json:"payment_method"`
	ShippingOption    string            `json:"shipping_option"`
	DistanceHint      string            `json:"distance_hint"`
	Email             string            `json:"email"`
}

type Result struct {
	CheckoutID       string               `json:"checkout_id"`
	Orders           []models.Order       `json:"orders"`
	Total            decimal.Decimal      `json:"total"`
	PaymentReference string               `json:"payment_reference,omitempty"`
	RedirectURL      string               `json:"redirect_url,omitempty"`
	Installments     []models.Installment `json:"installments,omitempty"`
}

type Orchestrator struct {
	aggregator *cart.Aggregator
	ledger     *inventory.Ledger
	orders     repository.OrderRepository
	addresses  repository.AddressRepository
	payments   *payment.Service
	shipping   ShippingCalculator
	discounts  DiscountPolicy
	queue      queue.Queue
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

func NewOrchestrator(
	aggregator *cart.Aggregator,
	ledger *inventory.Ledger,
	orders repository.OrderRepository,
	addresses repository.AddressRepository,
	payments *payment.Service,
	shipping ShippingCalculator,
	q queue.Queue,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		aggregator: aggregator,
		ledger:     ledger,
		orders:     orders,
		addresses:  addresses,
		payments:   payments,
		shipping:   shipping,
		queue:      q,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// WithDiscounts enables a discount policy.
func (o *Orchestrator) WithDiscounts(p DiscountPolicy) *Orchestrator {
	o.discounts = p
	return o
}

func (o *Orchestrator) Checkout(ctx context.Context, req Request) (result *Result, err error) {
	ctx, span := tracer.Start(ctx, "checkout")
	span.SetAttributes(
		attribute.String("shopper_id", req.ShopperID),
		attribute.String("payment_method", req.PaymentMethod))
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = checkoutOutcome(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.RecordCheckout(outcome)
		span.End()
	}()

	if len(req.Lines) == 0 {
		return nil, apperr.ErrEmptyCart
	}
	if _, err := o.payments.Registry().Get(req.PaymentMethod); err != nil {
		return nil, err
	}
	shipTo, billTo, err := o.resolveAddresses(ctx, req)
	if err != nil {
		return nil, err
	}

	groups, err := o.aggregator.Group(ctx, req.Lines)
	if err != nil {
		return nil, err
	}

	checkoutID := o.newID()
	span.SetAttributes(attribute.String("checkout_id", checkoutID))
	orders := make([]*models.Order, 0, len(groups))
	for _, g := range groups {
		order, err := o.buildOrder(ctx, checkoutID, req, g, shipTo, billTo)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	total := checkoutTotal(orders)
	if req.PaymentMethod == payment.MethodCashOnDelivery &&
		o.cfg.CashOnDeliveryMax.IsPositive() && total.GreaterThan(o.cfg.CashOnDeliveryMax) {
		return nil, fmt.Errorf("%w: %s over %s", apperr.ErrCashOnDeliveryLimit, total.StringFixed(2), o.cfg.CashOnDeliveryMax.StringFixed(2))
	}

	if err := o.orders.CreateOrders(ctx, orders); err != nil {
		return nil, fmt.Errorf("failed to create orders: %w", err)
	}

	if err := o.reserve(ctx, orders); err != nil {
		o.abandon(ctx, orders, "insufficient stock")
		return nil, err
	}

	result = &Result{CheckoutID: checkoutID, Total: total}
	if payment.IsOnline(req.PaymentMethod) {
		tx, err := o.payments.Initiate(ctx, req.PaymentMethod, checkoutID, orders, payment.Customer{
			ID:    req.ShopperID,
			Name:  billTo.FullName,
			Email: req.Email,
			Phone: billTo.Phone,
		})
		if err != nil {
			o.abandon(ctx, orders, "payment initiation failed: "+err.Error())
			return nil, err
		}
		pending := models.PaymentStatusPending
		for _, order := range orders {
			upd := models.OrderUpdate{PaymentStatus: &pending, PaymentReference: &tx.Reference}
			if err := o.orders.UpdateOrder(ctx, order.ID, upd); err != nil {
				err = fmt.Errorf("failed to attach payment to order %s: %w", order.ID, err)
				o.abandon(ctx, orders, "payment reference not recorded: "+err.Error())
				return nil, err
			}
			upd.Apply(order)
		}
		result.PaymentReference = tx.Reference
		result.RedirectURL = tx.RedirectURL
		result.Installments = tx.Installments
	}

	for _, order := range orders {
		job := models.OrderJob{OrderID: order.ID, Reason: "checkout", EnqueuedAt: o.now()}
		if err := o.queue.Enqueue(ctx, job); err != nil {
			// The payment callback and the reservation sweeper enqueue again.
			o.logger.Error("Failed to enqueue order job", zap.String("order_id", order.ID), zap.Error(err))
		}
		result.Orders = append(result.Orders, *order)
	}

	o.logger.Info("Checkout completed",
		zap.String("checkout_id", checkoutID),
		zap.String("shopper_id", req.ShopperID),
		zap.Int("orders", len(orders)),
		zap.String("total", total.StringFixed(2)),
		zap.String("payment_method", req.PaymentMethod))
	return result, nil
}

func (o *Orchestrator) resolveAddresses(ctx context.Context, req Request) (models.Address, models.Address, error) {
	shipTo, err := o.address(ctx, req.ShopperID, req.ShippingAddressID, "shipping")
	if err != nil {
		return models.Address{}, models.Address{}, err
	}
	if req.BillingAddressID == "" || req.BillingAddressID == req.ShippingAddressID {
		return shipTo, shipTo, nil
	}
	billTo, err := o.address(ctx, req.ShopperID, req.BillingAddressID, "billing")
	if err != nil {
		return models.Address{}, models.Address{}, err
	}
	return shipTo, billTo, nil
}

func (o *Orchestrator) address(ctx context.Context, shopperID, addressID, kind string) (models.Address, error) {
	if addressID == "" {
		return models.Address{}, fmt.Errorf("%w: %s address is required", apperr.ErrInvalidAddress, kind)
	}
	addr, err := o.addresses.GetAddress(ctx, shopperID, addressID)
	if errors.Is(err, apperr.ErrNotFound) {
		return models.Address{}, fmt.Errorf("%w: %s address %s not found", apperr.ErrInvalidAddress, kind, addressID)
	}
	if err != nil {
		return models.Address{}, err
	}
	if err := addr.Validate(); err != nil {
		return models.Address{}, fmt.Errorf("%w: %s address %v", apperr.ErrInvalidAddress, kind, err)
	}
	return *addr, nil
}

// buildOrder prices one seller group. The total is derived from the rounded
// components, so it always equals subtotal + tax + shipping - discount.
func (o *Orchestrator) buildOrder(ctx context.Context, checkoutID string, req Request, g cart.SellerGroup, shipTo, billTo models.Address) (*models.Order, error) {
	orderID := o.newID()
	subtotal := money.Round(g.Subtotal(), currencyPlaces)
	tax := money.Percent(subtotal, o.cfg.TaxRate, currencyPlaces)

	shipping, err := o.shipping.CalculateCost(ctx, req.ShippingOption, g.Weight(), req.DistanceHint)
	if err != nil {
		return nil, err
	}
	if o.cfg.FreeShippingAbove.IsPositive() && subtotal.GreaterThanOrEqual(o.cfg.FreeShippingAbove) {
		shipping = decimal.Zero
	}
	shipping = money.Round(shipping, currencyPlaces)

	discount := decimal.Zero
	if o.discounts != nil {
		d, err := o.discounts.Discount(ctx, req.ShopperID, g.SellerID, subtotal)
		if err != nil {
			return nil, fmt.Errorf("failed to compute discount for seller %s: %w", g.SellerID, err)
		}
		discount = money.Round(decimal.Min(decimal.Max(d, decimal.Zero), subtotal), currencyPlaces)
	}

	paymentStatus := models.PaymentStatusUnpaid
	if req.PaymentMethod == payment.MethodCashOnDelivery {
		paymentStatus = models.PaymentStatusCashOnDelivery
	}

	now := o.now()
	order := &models.Order{
		ID:              orderID,
		CheckoutID:      checkoutID,
		ShopperID:       req.ShopperID,
		SellerID:        g.SellerID,
		Status:          models.OrderStatusPending,
		Subtotal:        subtotal,
		Tax:             tax,
		Shipping:        shipping,
		Discount:        discount,
		Total:           subtotal.Add(tax).Add(shipping).Sub(discount),
		RefundedAmount:  decimal.Zero,
		Currency:        o.cfg.Currency,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   paymentStatus,
		ShippingOption:  req.ShippingOption,
		ShippingAddress: shipTo,
		BillingAddress:  billTo,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, l := range g.Lines {
		order.Items = append(order.Items, models.OrderItem{
			OrderID:      orderID,
			ProductID:    l.ProductID,
			Name:         l.Name,
			Quantity:     l.Quantity,
			UnitPrice:    l.UnitPrice,
			LineTotal:    money.Round(l.LineTotal(), currencyPlaces),
			UnitWeightKg: l.UnitWeightKg,
		})
	}
	return order, nil
}

// reserve holds stock for every line of every order. On the first failure
// everything taken so far for this checkout is released.
func (o *Orchestrator) reserve(ctx context.Context, orders []*models.Order) error {
	var taken []string
	for _, order := range orders {
		for _, it := range order.Items {
			id, err := o.ledger.Reserve(ctx, it.ProductID, it.Quantity, order.ID, o.cfg.ReservationTTL, inventory.ActorCheckout)
			if err != nil {
				for _, rid := range taken {
					if rerr := o.ledger.Release(ctx, rid, inventory.ActorCheckout); rerr != nil {
						o.logger.Error("Failed to release reservation", zap.String("reservation_id", rid), zap.Error(rerr))
					}
				}
				return err
			}
			taken = append(taken, id)
		}
	}
	return nil
}

// abandon cancels orders that never reached the worker.
func (o *Orchestrator) abandon(ctx context.Context, orders []*models.Order, reason string) {
	for _, order := range orders {
		if err := o.ledger.ReleaseReference(ctx, order.ID, inventory.ActorCheckout); err != nil {
			o.logger.Error("Failed to release reservations", zap.String("order_id", order.ID), zap.Error(err))
		}
		r := reason
		if _, err := o.orders.TransitionOrder(ctx, order.ID,
			[]models.OrderStatus{models.OrderStatusPending}, models.OrderStatusCancelled,
			models.OrderUpdate{FailureReason: &r}); err != nil {
			o.logger.Error("Failed to cancel order", zap.String("order_id", order.ID), zap.Error(err))
		}
		order.Status = models.OrderStatusCancelled
		order.FailureReason = r
	}
}

func checkoutTotal(orders []*models.Order) decimal.Decimal {
	totals := make([]decimal.Decimal, len(orders))
	for i, o := range orders {
		totals[i] = o.Total
	}
	return money.Sum(totals...)
}

func checkoutOutcome(err error) string {
	switch {
	case errors.Is(err, apperr.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, apperr.ErrGateway), errors.Is(err, apperr.ErrGatewayTimeout), errors.Is(err, apperr.ErrPaymentFailed):
		return "payment_error"
	default:
		return "rejected"
	}
}
