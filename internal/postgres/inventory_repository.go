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

// InventoryRepository keeps stock counters consistent with single guarded
// UPDATE statements; the row lock is held only for the statement's
// transaction.
type InventoryRepository struct {
	db *gorm.DB
}

func NewInventoryRepository(c *Client) *InventoryRepository {
	return &InventoryRepository{db: c.DB()}
}

func (r *InventoryRepository) GetStock(ctx context.Context, productID string) (*models.Stock, error) {
	var st models.Stock
	err := r.db.WithContext(ctx).Where("product_id = ?", productID).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stock %s: %w", productID, err)
	}
	return &st, nil
}

func (r *InventoryRepository) ReserveStock(ctx context.Context, res *models.Reservation, mv *models.InventoryMovement) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(`UPDATE inventory_stocks SET reserved = reserved + ?, updated_at = NOW()
			WHERE product_id = ? AND on_hand - reserved >= ?`, res.Quantity, res.ProductID, res.Quantity)
		if result.Error != nil {
			return fmt.Errorf("failed to reserve stock: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return stockError(tx, res.ProductID, res.Quantity)
		}
		if err := tx.Create(res).Error; err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		if err := tx.Create(mv).Error; err != nil {
			return fmt.Errorf("failed to insert movement: %w", err)
		}
		return nil
	})
}

func (r *InventoryRepository) CommitReservation(ctx context.Context, reservationID string, mv *models.InventoryMovement) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res models.Reservation
		result := tx.Raw(`UPDATE inventory_reservations SET status = ?, updated_at = NOW()
			WHERE id = ? AND status = ? RETURNING id, product_id, quantity`,
			models.ReservationCommitted, reservationID, models.ReservationActive).Scan(&res)
		if result.Error != nil {
			return fmt.Errorf("failed to commit reservation: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return apperr.ErrReservationInactive
		}

		upd := tx.Exec(`UPDATE inventory_stocks SET on_hand = on_hand - ?, reserved = reserved - ?, updated_at = NOW()
			WHERE product_id = ? AND reserved >= ? AND on_hand >= ?`,
			res.Quantity, res.Quantity, res.ProductID, res.Quantity, res.Quantity)
		if upd.Error != nil {
			return fmt.Errorf("failed to decrement stock: %w", upd.Error)
		}
		if upd.RowsAffected == 0 {
			return stockError(tx, res.ProductID, res.Quantity)
		}
		if err := tx.Create(mv).Error; err != nil {
			return fmt.Errorf("failed to insert movement: %w", err)
		}
		return nil
	})
}

func (r *InventoryRepository) DecrementStock(ctx context.Context, mv *models.InventoryMovement) error {
	qty := -mv.Delta
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(`UPDATE inventory_stocks SET on_hand = on_hand - ?, updated_at = NOW()
			WHERE product_id = ? AND on_hand - reserved >= ?`, qty, mv.ProductID, qty)
		if result.Error != nil {
			return fmt.Errorf("failed to decrement stock: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return stockError(tx, mv.ProductID, qty)
		}
		if err := tx.Create(mv).Error; err != nil {
			return fmt.Errorf("failed to insert movement: %w", err)
		}
		return nil
	})
}

func (r *InventoryRepository) ReleaseReservation(ctx context.Context, reservationID string, mv *models.InventoryMovement) (bool, error) {
	released := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res models.Reservation
		result := tx.Raw(`UPDATE inventory_reservations SET status = ?, updated_at = NOW()
			WHERE id = ? AND status = ? RETURNING id, product_id, quantity`,
			models.ReservationReleased, reservationID, models.ReservationActive).Scan(&res)
		if result.Error != nil {
			return fmt.Errorf("failed to release reservation: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		upd := tx.Exec(`UPDATE inventory_stocks SET reserved = reserved - ?, updated_at = NOW()
			WHERE product_id = ? AND reserved >= ?`, res.Quantity, res.ProductID, res.Quantity)
		if upd.Error != nil {
			return fmt.Errorf("failed to return reserved stock: %w", upd.Error)
		}
		if err := tx.Create(mv).Error; err != nil {
			return fmt.Errorf("failed to insert movement: %w", err)
		}
		released = true
		return nil
	})
	return released, err
}

func (r *InventoryRepository) AdjustStock(ctx context.Context, mv *models.InventoryMovement) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(`INSERT INTO inventory_stocks (product_id, on_hand, reserved, updated_at)
			VALUES (?, ?, 0, NOW())
			ON CONFLICT (product_id) DO UPDATE SET on_hand = inventory_stocks.on_hand + EXCLUDED.on_hand, updated_at = NOW()
			WHERE inventory_stocks.on_hand + EXCLUDED.on_hand >= inventory_stocks.reserved`,
			mv.ProductID, mv.Delta)
		if result.Error != nil {
			return fmt.Errorf("failed to adjust stock: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return stockError(tx, mv.ProductID, -mv.Delta)
		}
		if err := tx.Create(mv).Error; err != nil {
			return fmt.Errorf("failed to insert movement: %w", err)
		}
		return nil
	})
}

func (r *InventoryRepository) GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	var res models.Reservation
	err := r.db.WithContext(ctx).Where("id = ?", reservationID).Take(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", err)
	}
	return &res, nil
}

func (r *InventoryRepository) ListReservations(ctx context.Context, reference string) ([]models.Reservation, error) {
	var out []models.Reservation
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).Order("created_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return out, nil
}

func (r *InventoryRepository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	var out []models.Reservation
	q := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", models.ReservationActive, now).
		Order("expires_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired reservations: %w", err)
	}
	return out, nil
}

func (r *InventoryRepository) HasMovement(ctx context.Context, productID, reference string, kind models.MovementType) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.InventoryMovement{}).
		Where("product_id = ? AND reference = ? AND type = ?", productID, reference, kind).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count movements: %w", err)
	}
	return count > 0, nil
}

func (r *InventoryRepository) ListMovements(ctx context.Context, productID string) ([]models.InventoryMovement, error) {
	var out []models.InventoryMovement
	if err := r.db.WithContext(ctx).Where("product_id = ?", productID).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}
	return out, nil
}

func stockError(tx *gorm.DB, productID string, requested int) error {
	var st models.Stock
	if err := tx.Where("product_id = ?", productID).Take(&st).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to load stock %s: %w", productID, err)
	}
	return &apperr.StockError{ProductID: productID, Requested: requested, Available: st.Available()}
}
