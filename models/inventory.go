package models

import "time"

// Stock is the authoritative counter row for a product.
// Available stock is OnHand - Reserved.
type Stock struct {
	ProductID string    `gorm:"column:product_id;primaryKey" json:"product_id"`
	OnHand    int       `gorm:"column:on_hand;not null;check:on_hand >= 0" json:"on_hand"`
	Reserved  int       `gorm:"column:reserved;not null;default:0;check:reserved >= 0" json:"reserved"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Stock) TableName() string { return "inventory_stocks" }

func (s Stock) Available() int {
	return s.OnHand - s.Reserved
}

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is a TTL-bounded hold on available stock.
type Reservation struct {
	ID        string            `gorm:"column:id;primaryKey" json:"id"`
	ProductID string            `gorm:"column:product_id;index;not null" json:"product_id"`
	Reference string            `gorm:"column:reference;index;not null" json:"reference"`
	Quantity  int               `gorm:"column:quantity;not null" json:"quantity"`
	Status    ReservationStatus `gorm:"column:status;index;not null" json:"status"`
	ExpiresAt time.Time         `gorm:"column:expires_at;index" json:"expires_at"`
	CreatedAt time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (Reservation) TableName() string { return "inventory_reservations" }

func (r Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

type MovementType string

const (
	MovementReserve    MovementType = "reserve"
	MovementDecrement  MovementType = "decrement"
	MovementRelease    MovementType = "release"
	MovementAdjustment MovementType = "adjustment"
)

// InventoryMovement is an append-only audit entry. Delta is signed:
// reserve and decrement are negative, release and restock positive.
type InventoryMovement struct {
	ID            uint         `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProductID     string       `gorm:"column:product_id;index:idx_movement_ref;not null" json:"product_id"`
	Delta         int          `gorm:"column:delta;not null" json:"delta"`
	Type          MovementType `gorm:"column:type;index:idx_movement_ref;not null" json:"type"`
	Reference     string       `gorm:"column:reference;index:idx_movement_ref" json:"reference"`
	ReservationID string       `gorm:"column:reservation_id" json:"reservation_id,omitempty"`
	Actor         string       `gorm:"column:actor" json:"actor"`
	CreatedAt     time.Time    `gorm:"column:created_at" json:"created_at"`
}

func (InventoryMovement) TableName() string { return "inventory_movements" }
