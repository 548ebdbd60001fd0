package store

import (
	"context"
	"database/sql"
	"fmt"

	"checkout-service/internal/models"
)

const orderColumns = `id, order_number, reservation_id, session_id, status, total, payment_confirmation, shipping_address, created_at`

// CreateOrder inserts an order and its items. The unique constraint on
// reservation_id surfaces as ErrDuplicate.
func (s *queries) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_number, reservation_id, session_id, status, total, payment_confirmation, shipping_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	err := s.q.GetContext(ctx, order, query,
		order.OrderNumber, order.ReservationID, order.SessionID, order.Status,
		order.Total, order.PaymentConfirmation, order.ShippingAddress)
	if err != nil {
		return mapError(fmt.Errorf("failed to insert order: %w", err))
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := s.q.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			item.OrderID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}
	return nil
}

// GetOrder retrieves an order by ID with its items
func (s *queries) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return s.getOrder(ctx, "id", id)
}

// GetOrderByReservationID retrieves the order created from a reservation
func (s *queries) GetOrderByReservationID(ctx context.Context, reservationID string) (*models.Order, error) {
	return s.getOrder(ctx, "reservation_id", reservationID)
}

func (s *queries) getOrder(ctx context.Context, column string, value interface{}) (*models.Order, error) {
	var order models.Order
	query := fmt.Sprintf("SELECT %s FROM orders WHERE %s = $1", orderColumns, column)
	err := s.q.GetContext(ctx, &order, query, value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s=%v: %w", column, value, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	err = s.q.SelectContext(ctx, &order.Items,
		"SELECT id, order_id, product_id, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY id", order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	return &order, nil
}
