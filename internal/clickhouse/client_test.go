package clickhouse

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fulfillment/models"
)

func TestInsertFactQuery_MatchesRow(t *testing.T) {
	query := insertFactQuery("marketplace")
	row := factRow(models.OrderFact{
		OrderID:   "o-1",
		SellerID:  "seller-a",
		DateKey:   "01042026",
		Total:     115,
		EventType: "processed",
		EventTime: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	})

	assert.Contains(t, query, "INSERT INTO marketplace.Fact_Order_Event")
	assert.Equal(t, strings.Count(query, "?"), len(row))
	assert.Equal(t, "o-1", row[0])
	assert.Equal(t, "01042026", row[3])
	assert.Equal(t, 115.0, row[8])
	assert.Equal(t, "processed", row[11])
}

func TestCreateFactTableQuery(t *testing.T) {
	query := createFactTableQuery("marketplace")

	assert.Contains(t, query, "CREATE TABLE IF NOT EXISTS marketplace.Fact_Order_Event")
	assert.Contains(t, query, "ReplacingMergeTree")
}
