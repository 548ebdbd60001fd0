// Package memstore is an in-process implementation of store.Repository.
// Transactions are serialized by a single mutex and roll back by restoring a
// snapshot, so they behave like SERIALIZABLE database transactions.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
)

// Store keeps all rows in memory
type Store struct {
	mu        sync.Mutex
	st        *state
	now       func() time.Time
	conflicts int
}

var _ store.Repository = (*Store)(nil)

type state struct {
	products     map[int64]models.Product
	reservations map[string]models.Reservation
	orders       map[int64]models.Order
	byResv       map[string]int64
	orderNumbers map[string]struct{}
	movements    []models.StockMovement

	productSeq  int64
	itemSeq     int64
	orderSeq    int64
	movementSeq int64
}

// New creates an empty store
func New() *Store {
	return &Store{
		st: &state{
			products:     make(map[int64]models.Product),
			reservations: make(map[string]models.Reservation),
			orders:       make(map[int64]models.Order),
			byResv:       make(map[string]int64),
			orderNumbers: make(map[string]struct{}),
		},
		now: time.Now,
	}
}

// SetClock replaces the clock used for created_at/updated_at
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// InjectConflicts makes the next n transactions fail with ErrTransactionConflict
// before running
func (s *Store) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

// AddProduct seeds a catalog product. The available quantity becomes the
// product's initial quantity for ledger replay.
func (s *Store) AddProduct(p models.Product) models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.productSeq++
	p.ID = s.st.productSeq
	p.InitialQuantity = p.AvailableQuantity
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	s.st.products[p.ID] = p
	return p
}

// SetPrice changes a catalog price
func (s *Store) SetPrice(productID int64, price int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.st.products[productID]; ok {
		p.Price = price
		s.st.products[productID] = p
	}
}

// CorruptStock overwrites a counter without writing to the ledger
func (s *Store) CorruptStock(productID int64, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.st.products[productID]; ok {
		p.AvailableQuantity = quantity
		s.st.products[productID] = p
	}
}

// WithTx runs fn with exclusive access to the store and restores the previous
// state if fn fails
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conflicts > 0 {
		s.conflicts--
		return fmt.Errorf("memstore: %w", models.ErrTransactionConflict)
	}

	snapshot := s.st.clone()
	if err := fn(&memTx{st: s.st, now: s.now}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func (s *Store) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.st.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, store.ErrNotFound)
	}
	return &p, nil
}

func (s *Store) ListProductIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.st.products))
	for id := range s.st.products {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.reservation(id)
}

func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.Reservation
	for _, r := range s.st.reservations {
		if r.Status == models.ReservationActive && r.ExpiresAt.Before(now) {
			expired = append(expired, r)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })

	ids := make([]string, 0, len(expired))
	for i := 0; i < len(expired) && i < limit; i++ {
		ids = append(ids, expired[i].ID)
	}
	return ids, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.order(id)
}

func (s *Store) GetOrderByReservationID(ctx context.Context, reservationID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.orderByReservation(reservationID)
}

func (s *Store) ListMovements(ctx context.Context, productID int64, after store.Cursor, limit int) ([]models.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.StockMovement
	for _, m := range s.st.movements {
		if m.ProductID != productID || !isAfter(m, after) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func isAfter(m models.StockMovement, c store.Cursor) bool {
	if m.CreatedAt.After(c.CreatedAt) {
		return true
	}
	return m.CreatedAt.Equal(c.CreatedAt) && m.ID > c.ID
}

func (st *state) clone() *state {
	c := &state{
		products:     make(map[int64]models.Product, len(st.products)),
		reservations: make(map[string]models.Reservation, len(st.reservations)),
		orders:       make(map[int64]models.Order, len(st.orders)),
		byResv:       make(map[string]int64, len(st.byResv)),
		orderNumbers: make(map[string]struct{}, len(st.orderNumbers)),
		movements:    append([]models.StockMovement(nil), st.movements...),
		productSeq:   st.productSeq,
		itemSeq:      st.itemSeq,
		orderSeq:     st.orderSeq,
		movementSeq:  st.movementSeq,
	}
	for k, v := range st.products {
		c.products[k] = v
	}
	for k, v := range st.reservations {
		v.Items = append([]models.ReservationItem(nil), v.Items...)
		c.reservations[k] = v
	}
	for k, v := range st.orders {
		v.Items = append([]models.OrderItem(nil), v.Items...)
		c.orders[k] = v
	}
	for k, v := range st.byResv {
		c.byResv[k] = v
	}
	for k := range st.orderNumbers {
		c.orderNumbers[k] = struct{}{}
	}
	return c
}

func (st *state) productsByIDs(ids []int64) []models.Product {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	products := make([]models.Product, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range sorted {
		if p, ok := st.products[id]; ok && !seen[id] {
			seen[id] = true
			products = append(products, p)
		}
	}
	return products
}

func (st *state) reservation(id string) (*models.Reservation, error) {
	r, ok := st.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, store.ErrNotFound)
	}
	r.Items = append([]models.ReservationItem(nil), r.Items...)
	return &r, nil
}

func (st *state) order(id int64) (*models.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	o.Items = append([]models.OrderItem(nil), o.Items...)
	return &o, nil
}

func (st *state) orderByReservation(reservationID string) (*models.Order, error) {
	id, ok := st.byResv[reservationID]
	if !ok {
		return nil, fmt.Errorf("order for reservation %s: %w", reservationID, store.ErrNotFound)
	}
	return st.order(id)
}
