package postgres

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"fulfillment/models"
)

type Client struct {
	db     *gorm.DB
	logger *zap.Logger
}

type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
	TimeZone string
	MaxOpen  int
	MaxIdle  int
}

func NewClient(cfg PostgresConfig, logger *zap.Logger) (*Client, error) {
	timeZone := cfg.TimeZone
	if timeZone == "" {
		timeZone = "UTC"
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		cfg.Host, cfg.Username, cfg.Password, cfg.Database, cfg.Port, sslMode, timeZone)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// Set connection pool settings
	maxIdle, maxOpen := cfg.MaxIdle, cfg.MaxOpen
	if maxIdle <= 0 {
		maxIdle = 10
	}
	if maxOpen <= 0 {
		maxOpen = 100
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &Client{db: db, logger: logger}, nil
}

// NewClientFromDB wraps an already opened gorm handle.
func NewClientFromDB(db *gorm.DB, logger *zap.Logger) *Client {
	return &Client{db: db, logger: logger}
}

func (c *Client) DB() *gorm.DB {
	return c.db
}

// Migrate creates or updates the fulfillment schema.
func (c *Client) Migrate() error {
	err := c.db.AutoMigrate(
		&models.Stock{},
		&models.Reservation{},
		&models.InventoryMovement{},
		&models.Order{},
		&models.OrderItem{},
		&models.PaymentTransaction{},
		&models.Seller{},
		&models.CommissionRecord{},
		&models.JobStep{},
		&models.Address{},
		&models.Invoice{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	c.logger.Info("Postgres schema migrated")
	return nil
}

func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
