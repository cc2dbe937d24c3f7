package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"fulfillment/internal/apperr"
	"fulfillment/models"
)

func setupMockDB(t *testing.T) (*Client, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)
	return NewClientFromDB(db, zaptest.NewLogger(t)), mock
}

func TestInventoryRepository_ReserveStock_Success(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewInventoryRepository(client)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE inventory_stocks SET reserved = reserved \+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "inventory_reservations"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO "inventory_movements"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	now := time.Now()
	err := repo.ReserveStock(context.Background(),
		&models.Reservation{ID: "r-1", ProductID: "p-1", Reference: "o-1", Quantity: 2, Status: models.ReservationActive, ExpiresAt: now.Add(time.Minute), CreatedAt: now, UpdatedAt: now},
		&models.InventoryMovement{ProductID: "p-1", Delta: -2, Type: models.MovementReserve, Reference: "o-1", ReservationID: "r-1", CreatedAt: now})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInventoryRepository_ReserveStock_Insufficient(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewInventoryRepository(client)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE inventory_stocks SET reserved = reserved \+`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "inventory_stocks"`).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "on_hand", "reserved", "updated_at"}).
			AddRow("p-1", 3, 2, time.Now()))
	mock.ExpectRollback()

	err := repo.ReserveStock(context.Background(),
		&models.Reservation{ID: "r-1", ProductID: "p-1", Reference: "o-1", Quantity: 2, Status: models.ReservationActive},
		&models.InventoryMovement{ProductID: "p-1", Delta: -2, Type: models.MovementReserve})

	var stockErr *apperr.StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, "p-1", stockErr.ProductID)
	assert.Equal(t, 1, stockErr.Available)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInventoryRepository_ReleaseReservation_NotActive(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewInventoryRepository(client)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE inventory_reservations SET status`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "quantity"}))
	mock.ExpectCommit()

	released, err := repo.ReleaseReservation(context.Background(), "r-1",
		&models.InventoryMovement{ProductID: "p-1", Delta: 2, Type: models.MovementRelease})

	require.NoError(t, err)
	assert.False(t, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepository_TransitionTransaction(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewPaymentRepository(client)
	from := []models.TransactionStatus{models.TransactionInitiated, models.TransactionPending}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "payment_transactions" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "payment_transactions" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := repo.TransitionTransaction(context.Background(), "card", "ch_1", from, models.TransactionPaid, models.TransactionUpdate{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TransitionTransaction(context.Background(), "card", "ch_1", from, models.TransactionPaid, models.TransactionUpdate{})
	require.NoError(t, err)
	assert.False(t, ok, "second delivery must be a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepository_ReserveRefund(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewPaymentRepository(client)
	cols := []string{"provider", "reference", "amount", "refunded_amount", "status"}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE payment_transactions SET refunded_amount = refunded_amount \+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "payment_transactions"`).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("card", "ch_1", "250.00", "160.00", "paid"))
	mock.ExpectCommit()

	before, err := repo.ReserveRefund(context.Background(), "card", "ch_1", decimal.NewFromInt(60))

	require.NoError(t, err)
	assert.True(t, before.Equal(decimal.NewFromInt(100)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepository_ReserveRefund_ExceedsRemaining(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewPaymentRepository(client)
	cols := []string{"provider", "reference", "amount", "refunded_amount", "status"}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE payment_transactions SET refunded_amount = refunded_amount \+`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "payment_transactions"`).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("card", "ch_1", "250.00", "200.00", "paid"))
	mock.ExpectRollback()

	_, err := repo.ReserveRefund(context.Background(), "card", "ch_1", decimal.NewFromInt(60))

	assert.ErrorIs(t, err, apperr.ErrInvalidRefund)
	assert.Contains(t, err.Error(), "50 remaining")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepository_ReleaseRefund(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewPaymentRepository(client)

	mock.ExpectExec(`UPDATE payment_transactions SET refunded_amount = refunded_amount -`).
		WithArgs("60", "card", "ch_1", "60").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.ReleaseRefund(context.Background(), "card", "ch_1", decimal.NewFromInt(60))

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommissionRepository_CreateCommission_Duplicate(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewCommissionRepository(client)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "commission_records"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	created, err := repo.CreateCommission(context.Background(), &models.CommissionRecord{
		ID: "c-1", SellerID: "s-1", OrderID: "o-1",
		GrossAmount: decimal.NewFromInt(500), CommissionRate: decimal.RequireFromString("0.12"),
		CommissionAmount: decimal.NewFromInt(60), NetAmount: decimal.NewFromInt(440),
		Status: models.CommissionPending,
	}, decimal.NewFromInt(1000))

	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}
