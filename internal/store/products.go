package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const productColumns = `id, sku, name, price, available_quantity, initial_quantity, created_at, updated_at`

// GetProduct retrieves a product by ID
func (s *queries) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.q.GetContext(ctx, &product, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// ListProductIDs returns every product id in ascending order
func (s *queries) ListProductIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.q.SelectContext(ctx, &ids, "SELECT id FROM products ORDER BY id")
	return ids, err
}

// lockProducts loads products in ascending id order and holds their rows FOR
// UPDATE; the fixed order keeps concurrent lockers deadlock free.
func (s *queries) lockProducts(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query := "SELECT " + productColumns + " FROM products WHERE id IN (?) ORDER BY id FOR UPDATE"
	query, args, err := sqlx.In(query, ids)
	if err != nil {
		return nil, err
	}
	query = s.q.Rebind(query)

	var products []models.Product
	if err := s.q.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, fmt.Errorf("failed to lock products: %w", err)
	}
	return products, nil
}

// ReservedQuantities sums the quantities held by active, unexpired reservations
func (s *queries) ReservedQuantities(ctx context.Context, ids []int64, now time.Time) (map[int64]int, error) {
	reserved := make(map[int64]int, len(ids))
	if len(ids) == 0 {
		return reserved, nil
	}

	query, args, err := sqlx.In(`
		SELECT ri.product_id, SUM(ri.quantity) AS quantity
		FROM reservation_items ri
		JOIN reservations r ON r.id = ri.reservation_id
		WHERE r.status = ? AND r.expires_at > ? AND ri.product_id IN (?)
		GROUP BY ri.product_id`, string(models.ReservationActive), now, ids)
	if err != nil {
		return nil, err
	}
	query = s.q.Rebind(query)

	var rows []struct {
		ProductID int64 `db:"product_id"`
		Quantity  int   `db:"quantity"`
	}
	if err := s.q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to sum reserved quantities: %w", err)
	}

	for _, row := range rows {
		reserved[row.ProductID] = row.Quantity
	}
	return reserved, nil
}

// DecrementStock lowers available_quantity unless that would make it negative
func (s *queries) DecrementStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE products
		SET available_quantity = available_quantity - $1, updated_at = NOW()
		WHERE id = $2 AND available_quantity >= $1`,
		quantity, productID)
	if err != nil {
		return false, fmt.Errorf("failed to decrement stock: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// IncrementStock raises available_quantity
func (s *queries) IncrementStock(ctx context.Context, productID int64, quantity int) error {
	result, err := s.q.ExecContext(ctx,
		"UPDATE products SET available_quantity = available_quantity + $1, updated_at = NOW() WHERE id = $2",
		quantity, productID)
	if err != nil {
		return fmt.Errorf("failed to increment stock: %w", err)
	}
	return expectOneRow(result, productID)
}

// SetStock overwrites available_quantity, used when rebuilding from the ledger
func (s *queries) SetStock(ctx context.Context, productID int64, quantity int) error {
	result, err := s.q.ExecContext(ctx,
		"UPDATE products SET available_quantity = $1, updated_at = NOW() WHERE id = $2",
		quantity, productID)
	if err != nil {
		return fmt.Errorf("failed to set stock: %w", err)
	}
	return expectOneRow(result, productID)
}

func expectOneRow(result sql.Result, productID int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	return nil
}

// CreateProduct inserts a catalog product. Its available quantity becomes the
// opening balance that ledger replays start from.
func (s *queries) CreateProduct(ctx context.Context, p *models.Product) error {
	p.InitialQuantity = p.AvailableQuantity
	err := s.q.GetContext(ctx, p, `
		INSERT INTO products (sku, name, price, available_quantity, initial_quantity)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		p.SKU, p.Name, p.Price, p.AvailableQuantity, p.InitialQuantity)
	if err != nil {
		return mapError(fmt.Errorf("failed to insert product: %w", err))
	}
	return nil
}
