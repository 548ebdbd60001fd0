package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Product represents a product in the catalog together with its stock counter
type Product struct {
	ID                int64     `db:"id" json:"id"`
	SKU               string    `db:"sku" json:"sku"`
	Name              string    `db:"name" json:"name"`
	Price             int64     `db:"price" json:"price"`
	AvailableQuantity int       `db:"available_quantity" json:"available_quantity"`
	InitialQuantity   int       `db:"initial_quantity" json:"initial_quantity"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// ReservationStatus is the lifecycle state of a reservation
type ReservationStatus string

// Reservation statuses. Only active is mutable.
const (
	ReservationActive    ReservationStatus = "active"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// IsTerminal reports whether the status can no longer change.
func (s ReservationStatus) IsTerminal() bool {
	return s != ReservationActive && s.Valid()
}

// Valid reports whether s is one of the known statuses.
func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationActive, ReservationConfirmed, ReservationReleased, ReservationExpired:
		return true
	}
	return false
}

// Reservation is a time-boxed logical hold on stock
type Reservation struct {
	ID        string            `db:"id" json:"id"`
	SessionID string            `db:"session_id" json:"session_id"`
	Status    ReservationStatus `db:"status" json:"status"`
	ExpiresAt time.Time         `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
	Items     []ReservationItem `db:"-" json:"items"`
}

// ActiveAt reports whether the reservation still holds stock at t.
func (r *Reservation) ActiveAt(t time.Time) bool {
	return r.Status == ReservationActive && r.ExpiresAt.After(t)
}

// TotalQuantity sums the quantities of all items.
func (r *Reservation) TotalQuantity() int {
	total := 0
	for _, item := range r.Items {
		total += item.Quantity
	}
	return total
}

// ReservationItem is one product line of a reservation
type ReservationItem struct {
	ID            int64  `db:"id" json:"-"`
	ReservationID string `db:"reservation_id" json:"-"`
	ProductID     int64  `db:"product_id" json:"product_id"`
	Quantity      int    `db:"quantity" json:"quantity"`
}

// Order represents a committed customer order
type Order struct {
	ID                  int64       `db:"id" json:"id"`
	OrderNumber         string      `db:"order_number" json:"order_number"`
	ReservationID       string      `db:"reservation_id" json:"reservation_id"`
	SessionID           string      `db:"session_id" json:"session_id"`
	Status              string      `db:"status" json:"status"`
	Total               int64       `db:"total" json:"total"`
	PaymentConfirmation string      `db:"payment_confirmation" json:"-"`
	ShippingAddress     Address     `db:"shipping_address" json:"shipping_address"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
	Items               []OrderItem `db:"-" json:"items"`
}

// OrderItem is an immutable price snapshot of one order line
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	ProductID int64 `db:"product_id" json:"product_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
	UnitPrice int64 `db:"unit_price" json:"unit_price"`
}

// Order statuses
const (
	OrderStatusConfirmed = "CONFIRMED"
)

// Address is the shipping address captured at commit time. It is stored as JSONB.
type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1" binding:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" binding:"required"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code" binding:"required"`
	Country    string `json:"country" binding:"required"`
}

// Value implements driver.Valuer
func (a Address) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner
func (a *Address) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Address{}
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported address type %T", src)
	}
}

// MovementType is the direction of a stock movement
type MovementType string

// Movement types
const (
	MovementIn  MovementType = "in"
	MovementOut MovementType = "out"
)

// Movement reasons
const (
	ReasonOrderCreated        = "order_created"
	ReasonManualAdjustment    = "manual_adjustment"
	ReasonReservationReleased = "reservation_released"
)

// StockMovement is an append-only ledger row
type StockMovement struct {
	ID          int64        `db:"id" json:"id"`
	ProductID   int64        `db:"product_id" json:"product_id"`
	Type        MovementType `db:"type" json:"type"`
	Quantity    int          `db:"quantity" json:"quantity"`
	Reason      string       `db:"reason" json:"reason"`
	ReferenceID string       `db:"reference_id" json:"reference_id"`
	CreatedBy   string       `db:"created_by" json:"created_by"`
	Notes       string       `db:"notes" json:"notes,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

// AffectsCounter reports whether the movement changed available_quantity.
// Release movements are audit-only: reservations never touch the counter.
func (m *StockMovement) AffectsCounter() bool {
	return m.Reason != ReasonReservationReleased
}

// Delta is the signed effect of the movement on available_quantity.
func (m *StockMovement) Delta() int {
	if !m.AffectsCounter() {
		return 0
	}
	if m.Type == MovementOut {
		return -m.Quantity
	}
	return m.Quantity
}
