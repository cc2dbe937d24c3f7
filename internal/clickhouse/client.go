package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"fulfillment/config"
	"fulfillment/models"
)

const factTable = "Fact_Order_Event"

type Client struct {
	conn     driver.Conn
	database string
	logger   *zap.Logger
}

func NewClient(cfg config.ClickHouseConfig, logger *zap.Logger) (*Client, error) {
	opts := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		DialTimeout:  time.Second * 30,
	}

	// 8443 is the HTTPS port; the native port 9000 runs without TLS.
	if cfg.Port == 8443 {
		opts.TLS = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("ClickHouse connection established",
		zap.String("addr", opts.Addr[0]),
		zap.String("database", cfg.Database),
	)
	return &Client{
		conn:     conn,
		database: cfg.Database,
		logger:   logger,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// EnsureSchema creates the order event fact table if it is missing.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if err := c.conn.Exec(ctx, createFactTableQuery(c.database)); err != nil {
		return fmt.Errorf("failed to create %s: %w", factTable, err)
	}
	return nil
}

// InsertOrderFact appends one order lifecycle event to the warehouse.
func (c *Client) InsertOrderFact(ctx context.Context, fact models.OrderFact) error {
	if err := c.conn.Exec(ctx, insertFactQuery(c.database), factRow(fact)...); err != nil {
		return fmt.Errorf("failed to insert %s fact for order %s: %w", fact.EventType, fact.OrderID, err)
	}
	return nil
}

func (c *Client) Conn() driver.Conn {
	return c.conn
}

func createFactTableQuery(database string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			order_id String,
			seller_id String,
			shopper_id String,
			date_key String,
			subtotal Float64,
			tax Float64,
			shipping Float64,
			discount Float64,
			total Float64,
			commission Float64,
			currency LowCardinality(String),
			event_type LowCardinality(String),
			event_time DateTime64(3)
		) ENGINE = ReplacingMergeTree
		ORDER BY (order_id, event_type)
	`, database, factTable)
}

func insertFactQuery(database string) string {
	return fmt.Sprintf(`
		INSERT INTO %s.%s (
			order_id, seller_id, shopper_id, date_key,
			subtotal, tax, shipping, discount, total, commission,
			currency, event_type, event_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, database, factTable)
}

func factRow(f models.OrderFact) []any {
	return []any{
		f.OrderID,
		f.SellerID,
		f.ShopperID,
		f.DateKey,
		f.Subtotal,
		f.Tax,
		f.Shipping,
		f.Discount,
		f.Total,
		f.Commission,
		f.Currency,
		f.EventType,
		f.EventTime,
	}
}
