// Package repository declares the storage contracts of the fulfillment
// pipeline. Implementations live in internal/postgres and internal/memory;
// every guarded mutation must be a single atomic operation in the backing
// store.
package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fulfillment/models"
)

type InventoryRepository interface {
	GetStock(ctx context.Context, productID string) (*models.Stock, error)
	// ReserveStock raises reserved by res.Quantity only if available stock
	// covers it, storing res and mv with the update. Returns *apperr.StockError.
	ReserveStock(ctx context.Context, res *models.Reservation, mv *models.InventoryMovement) error
	// CommitReservation moves an active reservation to committed and removes
	// its quantity from both on_hand and reserved. Returns
	// apperr.ErrReservationInactive when the reservation is not active.
	CommitReservation(ctx context.Context, reservationID string, mv *models.InventoryMovement) error
	// DecrementStock removes -mv.Delta from on_hand if available covers it.
	DecrementStock(ctx context.Context, mv *models.InventoryMovement) error
	// ReleaseReservation moves an active reservation to released. It reports
	// false when the reservation was not active.
	ReleaseReservation(ctx context.Context, reservationID string, mv *models.InventoryMovement) (bool, error)
	// AdjustStock adds mv.Delta to on_hand; on_hand never drops below reserved.
	AdjustStock(ctx context.Context, mv *models.InventoryMovement) error
	GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error)
	ListReservations(ctx context.Context, reference string) ([]models.Reservation, error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
	HasMovement(ctx context.Context, productID, reference string, kind models.MovementType) (bool, error)
	ListMovements(ctx context.Context, productID string) ([]models.InventoryMovement, error)
}

type OrderRepository interface {
	// CreateOrders stores orders with their items in one transaction.
	CreateOrders(ctx context.Context, orders []*models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrdersByCheckout(ctx context.Context, checkoutID string) ([]models.Order, error)
	ListOrdersByPayment(ctx context.Context, reference string) ([]models.Order, error)
	// TransitionOrder sets status to `to` only when the current status is in
	// from. It reports false when no row matched.
	TransitionOrder(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus, upd models.OrderUpdate) (bool, error)
	UpdateOrder(ctx context.Context, id string, upd models.OrderUpdate) error
}

type PaymentRepository interface {
	CreateTransaction(ctx context.Context, tx *models.PaymentTransaction) error
	GetTransaction(ctx context.Context, provider, reference string) (*models.PaymentTransaction, error)
	// TransitionTransaction is the convergence point of webhook and polling.
	TransitionTransaction(ctx context.Context, provider, reference string, from []models.TransactionStatus, to models.TransactionStatus, upd models.TransactionUpdate) (bool, error)
	// ReserveRefund adds amount to the refunded total of a paid transaction
	// only while the total stays within the captured amount, and returns
	// the total before the addition. Fails with apperr.ErrInvalidRefund
	// otherwise.
	ReserveRefund(ctx context.Context, provider, reference string, amount decimal.Decimal) (decimal.Decimal, error)
	// ReleaseRefund undoes a reservation whose gateway call failed.
	ReleaseRefund(ctx context.Context, provider, reference string, amount decimal.Decimal) error
}

type CommissionRepository interface {
	GetSeller(ctx context.Context, id string) (*models.Seller, error)
	GetCommissionByOrder(ctx context.Context, orderID string) (*models.CommissionRecord, error)
	ListCommissions(ctx context.Context, sellerID string) ([]models.CommissionRecord, error)
	// CreateCommission inserts rec and credits the seller atomically. It
	// reports false, without changes, when the order already has a record.
	CreateCommission(ctx context.Context, rec *models.CommissionRecord, payoutThreshold decimal.Decimal) (bool, error)
	// AdjustCommission applies a reversal to the order's record and debits
	// the seller by adj.Net atomically.
	AdjustCommission(ctx context.Context, adj models.CommissionAdjustment, payoutThreshold decimal.Decimal) error
}

type StepRepository interface {
	StepDone(ctx context.Context, orderID, step string) (bool, error)
	MarkStepDone(ctx context.Context, orderID, step string) error
}

type AddressRepository interface {
	GetAddress(ctx context.Context, shopperID, addressID string) (*models.Address, error)
}

type InvoiceRepository interface {
	GetInvoiceByOrder(ctx context.Context, orderID string) (*models.Invoice, error)
	SaveInvoice(ctx context.Context, inv *models.Invoice) error
}
