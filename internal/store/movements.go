package store

import (
	"context"
	"fmt"

	"checkout-service/internal/models"
)

const movementColumns = `id, product_id, type, quantity, reason, reference_id, created_by, notes, created_at`

// AppendMovement inserts a ledger row. The table rejects updates and deletes.
func (s *queries) AppendMovement(ctx context.Context, m *models.StockMovement) error {
	query := `
		INSERT INTO stock_movements (product_id, type, quantity, reason, reference_id, created_by, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	err := s.q.GetContext(ctx, m, query,
		m.ProductID, m.Type, m.Quantity, m.Reason, m.ReferenceID, m.CreatedBy, m.Notes)
	if err != nil {
		return fmt.Errorf("failed to append stock movement: %w", err)
	}
	return nil
}

// ListMovements returns up to limit movements of a product strictly after the
// cursor, ordered by (created_at, id)
func (s *queries) ListMovements(ctx context.Context, productID int64, after Cursor, limit int) ([]models.StockMovement, error) {
	var movements []models.StockMovement
	err := s.q.SelectContext(ctx, &movements, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE product_id = $1 AND (created_at, id) > ($2::timestamptz, $3::bigint)
		ORDER BY created_at, id
		LIMIT $4`,
		productID, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock movements: %w", err)
	}
	return movements, nil
}

// SumMovementDeltas replays the counter-affecting ledger rows of a product
func (s *queries) SumMovementDeltas(ctx context.Context, productID int64) (int, error) {
	var delta int
	err := s.q.GetContext(ctx, &delta, `
		SELECT COALESCE(SUM(CASE WHEN type = $2 THEN quantity ELSE -quantity END), 0)
		FROM stock_movements
		WHERE product_id = $1 AND reason <> $3`,
		productID, models.MovementIn, models.ReasonReservationReleased)
	if err != nil {
		return 0, fmt.Errorf("failed to sum stock movements: %w", err)
	}
	return delta, nil
}
