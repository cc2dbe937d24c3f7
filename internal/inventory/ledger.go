// Package inventory is the authoritative stock ledger. Every mutation is a
// guarded update in the repository plus an appended movement.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fulfillment/internal/apperr"
	"fulfillment/internal/metrics"
	"fulfillment/internal/repository"
	"fulfillment/models"
)

// Movement actors.
const (
	ActorCheckout = "checkout"
	ActorWorker   = "worker"
	ActorSweeper  = "sweeper"
	ActorAdmin    = "admin"
)

type Ledger struct {
	repo   repository.InventoryRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewLedger(repo repository.InventoryRepository, logger *zap.Logger) *Ledger {
	return &Ledger{repo: repo, logger: logger, now: time.Now}
}

// CheckAvailable reads current stock without side effects.
func (l *Ledger) CheckAvailable(ctx context.Context, productID string, qty int) (bool, error) {
	st, err := l.repo.GetStock(ctx, productID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.Available() >= qty, nil
}

// Available returns on_hand - reserved, zero for unknown products.
func (l *Ledger) Available(ctx context.Context, productID string) (int, error) {
	st, err := l.repo.GetStock(ctx, productID)
	if errors.Is(err, apperr.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return st.Available(), nil
}

// Reserve holds qty of available stock for reference until ttl elapses.
func (l *Ledger) Reserve(ctx context.Context, productID string, qty int, reference string, ttl time.Duration, actor string) (string, error) {
	if qty <= 0 {
		return "", fmt.Errorf("reserve %s: quantity must be positive, got %d", productID, qty)
	}
	now := l.now()
	res := &models.Reservation{
		ID:        uuid.NewString(),
		ProductID: productID,
		Reference: reference,
		Quantity:  qty,
		Status:    models.ReservationActive,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	mv := &models.InventoryMovement{
		ProductID:     productID,
		Delta:         -qty,
		Type:          models.MovementReserve,
		Reference:     reference,
		ReservationID: res.ID,
		Actor:         actor,
		CreatedAt:     now,
	}
	if err := l.repo.ReserveStock(ctx, res, mv); err != nil {
		metrics.RecordReservation("rejected")
		return "", err
	}
	metrics.RecordReservation("reserved")
	l.logger.Debug("Stock reserved",
		zap.String("product_id", productID),
		zap.String("reference", reference),
		zap.String("reservation_id", res.ID),
		zap.Int("quantity", qty))
	return res.ID, nil
}

// Decrement makes a stock reduction permanent. The active reservation held
// by reference is converted when one exists; otherwise available stock is
// decremented directly. A second call for the same (product, reference) is
// a no-op.
func (l *Ledger) Decrement(ctx context.Context, productID string, qty int, reference, actor string) error {
	done, err := l.repo.HasMovement(ctx, productID, reference, models.MovementDecrement)
	if err != nil {
		return err
	}
	if done {
		l.logger.Debug("Decrement already applied",
			zap.String("product_id", productID), zap.String("reference", reference))
		return nil
	}

	reservations, err := l.repo.ListReservations(ctx, reference)
	if err != nil {
		return err
	}
	for _, res := range reservations {
		if res.ProductID != productID || res.Status != models.ReservationActive || res.Quantity != qty {
			continue
		}
		mv := l.movement(productID, -qty, models.MovementDecrement, reference, res.ID, actor)
		err := l.repo.CommitReservation(ctx, res.ID, mv)
		if errors.Is(err, apperr.ErrReservationInactive) {
			// Released or committed concurrently; fall through to a direct decrement.
			break
		}
		return err
	}

	return l.repo.DecrementStock(ctx, l.movement(productID, -qty, models.MovementDecrement, reference, "", actor))
}

// Release returns an unused reservation to available stock. Releasing a
// reservation that is no longer active is a no-op.
func (l *Ledger) Release(ctx context.Context, reservationID, actor string) error {
	res, err := l.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	mv := l.movement(res.ProductID, res.Quantity, models.MovementRelease, res.Reference, res.ID, actor)
	released, err := l.repo.ReleaseReservation(ctx, reservationID, mv)
	if err != nil {
		return err
	}
	if released {
		l.logger.Debug("Reservation released",
			zap.String("reservation_id", reservationID),
			zap.String("product_id", res.ProductID),
			zap.Int("quantity", res.Quantity))
	}
	return nil
}

// ReleaseReference releases every active reservation held by reference.
func (l *Ledger) ReleaseReference(ctx context.Context, reference, actor string) error {
	reservations, err := l.repo.ListReservations(ctx, reference)
	if err != nil {
		return err
	}
	var errs []error
	for _, res := range reservations {
		if res.Status != models.ReservationActive {
			continue
		}
		if err := l.Release(ctx, res.ID, actor); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", res.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Reservations lists all reservations held by reference.
func (l *Ledger) Reservations(ctx context.Context, reference string) ([]models.Reservation, error) {
	return l.repo.ListReservations(ctx, reference)
}

// ActiveQuantity sums the unexpired active reservations of reference per product.
func (l *Ledger) ActiveQuantity(ctx context.Context, reference string) (map[string]int, error) {
	reservations, err := l.repo.ListReservations(ctx, reference)
	if err != nil {
		return nil, err
	}
	now := l.now()
	out := map[string]int{}
	for _, res := range reservations {
		if res.Status == models.ReservationActive && !res.Expired(now) {
			out[res.ProductID] += res.Quantity
		}
	}
	return out, nil
}

// ReleaseExpired releases up to limit reservations whose TTL has elapsed and
// returns them.
func (l *Ledger) ReleaseExpired(ctx context.Context, limit int) ([]models.Reservation, error) {
	expired, err := l.repo.ListExpiredReservations(ctx, l.now(), limit)
	if err != nil {
		return nil, err
	}
	var released []models.Reservation
	for _, res := range expired {
		mv := l.movement(res.ProductID, res.Quantity, models.MovementRelease, res.Reference, res.ID, ActorSweeper)
		ok, err := l.repo.ReleaseReservation(ctx, res.ID, mv)
		if err != nil {
			l.logger.Error("Failed to release expired reservation",
				zap.String("reservation_id", res.ID), zap.Error(err))
			continue
		}
		if ok {
			released = append(released, res)
		}
	}
	if len(released) > 0 {
		metrics.RecordReservationsExpired(len(released))
	}
	return released, nil
}

// Restock puts qty back on hand, used when a decremented order is refunded.
func (l *Ledger) Restock(ctx context.Context, productID string, qty int, reference, actor string) error {
	done, err := l.repo.HasMovement(ctx, productID, reference, models.MovementAdjustment)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	return l.repo.AdjustStock(ctx, l.movement(productID, qty, models.MovementAdjustment, reference, "", actor))
}

// Decremented reports whether reference already holds a permanent decrement for productID.
func (l *Ledger) Decremented(ctx context.Context, productID, reference string) (bool, error) {
	return l.repo.HasMovement(ctx, productID, reference, models.MovementDecrement)
}

func (l *Ledger) Movements(ctx context.Context, productID string) ([]models.InventoryMovement, error) {
	return l.repo.ListMovements(ctx, productID)
}

func (l *Ledger) movement(productID string, delta int, kind models.MovementType, reference, reservationID, actor string) *models.InventoryMovement {
	return &models.InventoryMovement{
		ProductID:     productID,
		Delta:         delta,
		Type:          kind,
		Reference:     reference,
		ReservationID: reservationID,
		Actor:         actor,
		CreatedAt:     l.now(),
	}
}
