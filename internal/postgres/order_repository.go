package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"fulfillment/internal/apperr"
	"fulfillment/models"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(c *Client) *OrderRepository {
	return &OrderRepository{db: c.DB()}
}

func (r *OrderRepository) CreateOrders(ctx context.Context, orders []*models.Order) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, o := range orders {
			// Items are inserted through the association.
			if err := tx.Create(o).Error; err != nil {
				return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
			}
		}
		return nil
	})
}

func (r *OrderRepository) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	err := r.db.WithContext(ctx).Preload("Items").Where("id = ?", id).Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	return &o, nil
}

func (r *OrderRepository) ListOrdersByCheckout(ctx context.Context, checkoutID string) ([]models.Order, error) {
	var out []models.Order
	err := r.db.WithContext(ctx).Preload("Items").Where("checkout_id = ?", checkoutID).Order("created_at, id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders of checkout %s: %w", checkoutID, err)
	}
	return out, nil
}

func (r *OrderRepository) ListOrdersByPayment(ctx context.Context, reference string) ([]models.Order, error) {
	var out []models.Order
	err := r.db.WithContext(ctx).Preload("Items").Where("payment_reference = ?", reference).Order("created_at, id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders of payment %s: %w", reference, err)
	}
	return out, nil
}

func (r *OrderRepository) TransitionOrder(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus, upd models.OrderUpdate) (bool, error) {
	cols := upd.Columns()
	cols["status"] = to
	cols["updated_at"] = time.Now()

	result := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(cols)
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition order %s to %s: %w", id, to, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *OrderRepository) UpdateOrder(ctx context.Context, id string, upd models.OrderUpdate) error {
	cols := upd.Columns()
	if len(cols) == 0 {
		return nil
	}
	cols["updated_at"] = time.Now()
	result := r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).Updates(cols)
	if result.Error != nil {
		return fmt.Errorf("failed to update order %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

type StepRepository struct {
	db *gorm.DB
}

func NewStepRepository(c *Client) *StepRepository {
	return &StepRepository{db: c.DB()}
}

func (r *StepRepository) StepDone(ctx context.Context, orderID, step string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.JobStep{}).
		Where("order_id = ? AND step = ?", orderID, step).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check step %s of order %s: %w", step, orderID, err)
	}
	return count > 0, nil
}

func (r *StepRepository) MarkStepDone(ctx context.Context, orderID, step string) error {
	err := r.db.WithContext(ctx).Exec(`INSERT INTO order_job_steps (order_id, step, completed_at)
		VALUES (?, ?, NOW()) ON CONFLICT (order_id, step) DO NOTHING`, orderID, step).Error
	if err != nil {
		return fmt.Errorf("failed to mark step %s of order %s: %w", step, orderID, err)
	}
	return nil
}

type AddressRepository struct {
	db *gorm.DB
}

func NewAddressRepository(c *Client) *AddressRepository {
	return &AddressRepository{db: c.DB()}
}

func (r *AddressRepository) GetAddress(ctx context.Context, shopperID, addressID string) (*models.Address, error) {
	var addr models.Address
	err := r.db.WithContext(ctx).Where("id = ? AND shopper_id = ?", addressID, shopperID).Take(&addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load address %s: %w", addressID, err)
	}
	return &addr, nil
}

type InvoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(c *Client) *InvoiceRepository {
	return &InvoiceRepository{db: c.DB()}
}

func (r *InvoiceRepository) GetInvoiceByOrder(ctx context.Context, orderID string) (*models.Invoice, error) {
	var inv models.Invoice
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Take(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice of order %s: %w", orderID, err)
	}
	return &inv, nil
}

func (r *InvoiceRepository) SaveInvoice(ctx context.Context, inv *models.Invoice) error {
	result := r.db.WithContext(ctx).Exec(`INSERT INTO invoices (number, order_id, seller_id, shopper_id, total, currency, body, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (order_id) DO NOTHING`,
		inv.Number, inv.OrderID, inv.SellerID, inv.ShopperID, inv.Total, inv.Currency, inv.Body, inv.IssuedAt)
	if result.Error != nil {
		return fmt.Errorf("failed to save invoice %s: %w", inv.Number, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.ErrIdempotencyConflict
	}
	return nil
}
