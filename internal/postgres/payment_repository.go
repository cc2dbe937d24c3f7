package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fulfillment/internal/apperr"
	"fulfillment/models"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(c *Client) *PaymentRepository {
	return &PaymentRepository{db: c.DB()}
}

func (r *PaymentRepository) CreateTransaction(ctx context.Context, tx *models.PaymentTransaction) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(tx)
	if result.Error != nil {
		return fmt.Errorf("failed to insert transaction %s/%s: %w", tx.Provider, tx.Reference, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.ErrIdempotencyConflict
	}
	return nil
}

func (r *PaymentRepository) GetTransaction(ctx context.Context, provider, reference string) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	err := r.db.WithContext(ctx).Where("provider = ? AND reference = ?", provider, reference).Take(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s/%s: %w", provider, reference, err)
	}
	return &tx, nil
}

func (r *PaymentRepository) TransitionTransaction(ctx context.Context, provider, reference string, from []models.TransactionStatus, to models.TransactionStatus, upd models.TransactionUpdate) (bool, error) {
	cols := upd.Columns()
	cols["status"] = to
	cols["updated_at"] = time.Now()
	result := r.db.WithContext(ctx).Model(&models.PaymentTransaction{}).
		Where("provider = ? AND reference = ? AND status IN ?", provider, reference, from).
		Updates(cols)
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition transaction %s/%s: %w", provider, reference, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *PaymentRepository) ReserveRefund(ctx context.Context, provider, reference string, amount decimal.Decimal) (decimal.Decimal, error) {
	var before decimal.Decimal
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(`UPDATE payment_transactions SET refunded_amount = refunded_amount + ?, updated_at = NOW()
			WHERE provider = ? AND reference = ? AND status = ? AND refunded_amount + ? <= amount`,
			amount, provider, reference, string(models.TransactionPaid), amount)
		if result.Error != nil {
			return fmt.Errorf("failed to reserve refund on %s/%s: %w", provider, reference, result.Error)
		}
		var cur models.PaymentTransaction
		err := tx.Where("provider = ? AND reference = ?", provider, reference).Take(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load transaction %s/%s: %w", provider, reference, err)
		}
		if result.RowsAffected == 0 {
			if cur.Status != models.TransactionPaid {
				return fmt.Errorf("%w: transaction %s is %s", apperr.ErrInvalidRefund, reference, cur.Status)
			}
			return fmt.Errorf("%w: %s of %s remaining", apperr.ErrInvalidRefund, amount, cur.Amount.Sub(cur.RefundedAmount))
		}
		before = cur.RefundedAmount.Sub(amount)
		return nil
	})
	return before, err
}

func (r *PaymentRepository) ReleaseRefund(ctx context.Context, provider, reference string, amount decimal.Decimal) error {
	result := r.db.WithContext(ctx).Exec(`UPDATE payment_transactions SET refunded_amount = refunded_amount - ?, updated_at = NOW()
		WHERE provider = ? AND reference = ? AND refunded_amount >= ?`, amount, provider, reference, amount)
	if result.Error != nil {
		return fmt.Errorf("failed to release refund on %s/%s: %w", provider, reference, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

type CommissionRepository struct {
	db *gorm.DB
}

func NewCommissionRepository(c *Client) *CommissionRepository {
	return &CommissionRepository{db: c.DB()}
}

func (r *CommissionRepository) GetSeller(ctx context.Context, id string) (*models.Seller, error) {
	var s models.Seller
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load seller %s: %w", id, err)
	}
	return &s, nil
}

func (r *CommissionRepository) GetCommissionByOrder(ctx context.Context, orderID string) (*models.CommissionRecord, error) {
	var rec models.CommissionRecord
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load commission of order %s: %w", orderID, err)
	}
	return &rec, nil
}

func (r *CommissionRepository) ListCommissions(ctx context.Context, sellerID string) ([]models.CommissionRecord, error) {
	var out []models.CommissionRecord
	if err := r.db.WithContext(ctx).Where("seller_id = ?", sellerID).Order("created_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list commissions of seller %s: %w", sellerID, err)
	}
	return out, nil
}

func (r *CommissionRepository) CreateCommission(ctx context.Context, rec *models.CommissionRecord, payoutThreshold decimal.Decimal) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The unique index on order_id makes a concurrent duplicate a no-op.
		result := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}}, DoNothing: true}).Create(rec)
		if result.Error != nil {
			return fmt.Errorf("failed to insert commission for order %s: %w", rec.OrderID, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		upd := tx.Exec(`UPDATE sellers SET balance = balance + ?, total_sales = total_sales + ?,
			total_commission = total_commission + ?, payout_eligible = (balance + ? >= ?), updated_at = NOW()
			WHERE id = ?`,
			rec.NetAmount, rec.GrossAmount, rec.CommissionAmount, rec.NetAmount, payoutThreshold, rec.SellerID)
		if upd.Error != nil {
			return fmt.Errorf("failed to credit seller %s: %w", rec.SellerID, upd.Error)
		}
		if upd.RowsAffected == 0 {
			return apperr.ErrNotFound
		}
		created = true
		return nil
	})
	return created, err
}

func (r *CommissionRepository) AdjustCommission(ctx context.Context, adj models.CommissionAdjustment, payoutThreshold decimal.Decimal) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.CommissionRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("order_id = ?", adj.OrderID).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock commission of order %s: %w", adj.OrderID, err)
		}
		if rec.Status == models.CommissionReversed {
			return apperr.ErrIdempotencyConflict
		}

		cols := map[string]any{"updated_at": time.Now()}
		if adj.Full {
			cols["status"] = models.CommissionReversed
		} else {
			cols["gross_amount"] = rec.GrossAmount.Sub(adj.Gross)
			cols["commission_amount"] = rec.CommissionAmount.Sub(adj.Commission)
			cols["net_amount"] = rec.NetAmount.Sub(adj.Net)
		}
		if err := tx.Model(&models.CommissionRecord{}).Where("id = ?", rec.ID).Updates(cols).Error; err != nil {
			return fmt.Errorf("failed to adjust commission %s: %w", rec.ID, err)
		}

		upd := tx.Exec(`UPDATE sellers SET balance = balance - ?, total_sales = total_sales - ?,
			total_commission = total_commission - ?, payout_eligible = (balance - ? >= ?), updated_at = NOW()
			WHERE id = ?`,
			adj.Net, adj.Gross, adj.Commission, adj.Net, payoutThreshold, rec.SellerID)
		if upd.Error != nil {
			return fmt.Errorf("failed to debit seller %s: %w", rec.SellerID, upd.Error)
		}
		return nil
	})
}
