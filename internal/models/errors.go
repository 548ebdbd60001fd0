package models

import (
	"errors"
	"fmt"
	"strings"
)

// Caller-facing and internal errors of the reservation subsystem.
var (
	ErrInvalidSession           = errors.New("invalid session")
	ErrInvalidItems             = errors.New("invalid reservation items")
	ErrInvalidPayment           = errors.New("payment confirmation is required")
	ErrInvalidMovement          = errors.New("invalid stock movement")
	ErrInsufficientStock        = errors.New("insufficient stock")
	ErrProductNotFound          = errors.New("product not found")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrReservationNoLongerValid = errors.New("reservation no longer valid")
	ErrOrderNotFound            = errors.New("order not found")
	ErrTransactionConflict      = errors.New("transaction conflict")
	ErrStockIntegrity           = errors.New("stock integrity violation")
)

// Shortage describes one cart line that cannot be reserved
type Shortage struct {
	ProductID int64 `json:"product_id"`
	Requested int   `json:"requested"`
	Sellable  int   `json:"sellable"`
}

// InsufficientStockError lists every short line of a rejected reservation
type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("product %d: requested=%d sellable=%d", s.ProductID, s.Requested, s.Sellable))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// StockIntegrityError means the counter disagrees with a reservation that proved
// stock existed. It is never retried.
type StockIntegrityError struct {
	ReservationID string
	ProductID     int64
	Requested     int
}

func (e *StockIntegrityError) Error() string {
	return fmt.Sprintf("stock integrity violation: reservation=%s product=%d requested=%d",
		e.ReservationID, e.ProductID, e.Requested)
}

func (e *StockIntegrityError) Is(target error) bool {
	return target == ErrStockIntegrity
}
