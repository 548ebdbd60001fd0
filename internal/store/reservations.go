package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"checkout-service/internal/models"
)

const reservationColumns = `id, session_id, status, expires_at, created_at, updated_at`

// CreateReservation inserts a reservation and its items
func (s *queries) CreateReservation(ctx context.Context, r *models.Reservation) error {
	query := `
		INSERT INTO reservations (id, session_id, status, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	if err := s.q.GetContext(ctx, r, query, r.ID, r.SessionID, r.Status, r.ExpiresAt); err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}

	for i := range r.Items {
		item := &r.Items[i]
		item.ReservationID = r.ID
		err := s.q.GetContext(ctx, &item.ID, `
			INSERT INTO reservation_items (reservation_id, product_id, quantity)
			VALUES ($1, $2, $3)
			RETURNING id`,
			item.ReservationID, item.ProductID, item.Quantity)
		if err != nil {
			return fmt.Errorf("failed to insert reservation item: %w", err)
		}
	}
	return nil
}

// GetReservation retrieves a reservation with its items
func (s *queries) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return s.getReservation(ctx, id, false)
}

func (s *queries) getReservation(ctx context.Context, id string, lock bool) (*models.Reservation, error) {
	query := "SELECT " + reservationColumns + " FROM reservations WHERE id = $1"
	if lock {
		query += " FOR UPDATE"
	}

	var r models.Reservation
	err := s.q.GetContext(ctx, &r, query, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !r.Status.Valid() {
		return nil, fmt.Errorf("reservation %s has unknown status %q", id, r.Status)
	}

	err = s.q.SelectContext(ctx, &r.Items, `
		SELECT id, reservation_id, product_id, quantity
		FROM reservation_items WHERE reservation_id = $1 ORDER BY product_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation items: %w", err)
	}
	return &r, nil
}

// TransitionReservation moves a reservation from one status to another only if
// it is still in the expected status. It reports whether this call won.
func (s *queries) TransitionReservation(ctx context.Context, id string, from, to models.ReservationStatus) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		"UPDATE reservations SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition reservation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ListExpiredReservations returns ids of active reservations past their deadline
func (s *queries) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.q.SelectContext(ctx, &ids, `
		SELECT id FROM reservations
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3`,
		models.ReservationActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired reservations: %w", err)
	}
	return ids, nil
}
