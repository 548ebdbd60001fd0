package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
)

// memTx operates on the live state while the store mutex is held
type memTx struct {
	st  *state
	now func() time.Time
}

var _ store.Tx = (*memTx)(nil)

func (t *memTx) LockProducts(ctx context.Context, ids []int64) ([]models.Product, error) {
	return t.st.productsByIDs(ids), nil
}

func (t *memTx) ReservedQuantities(ctx context.Context, ids []int64, now time.Time) (map[int64]int, error) {
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	reserved := make(map[int64]int, len(ids))
	for _, r := range t.st.reservations {
		if !r.ActiveAt(now) {
			continue
		}
		for _, item := range r.Items {
			if wanted[item.ProductID] {
				reserved[item.ProductID] += item.Quantity
			}
		}
	}
	return reserved, nil
}

func (t *memTx) DecrementStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	p, ok := t.st.products[productID]
	if !ok || p.AvailableQuantity < quantity {
		return false, nil
	}
	p.AvailableQuantity -= quantity
	p.UpdatedAt = t.now()
	t.st.products[productID] = p
	return true, nil
}

func (t *memTx) IncrementStock(ctx context.Context, productID int64, quantity int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
	}
	p.AvailableQuantity += quantity
	p.UpdatedAt = t.now()
	t.st.products[productID] = p
	return nil
}

func (t *memTx) SetStock(ctx context.Context, productID int64, quantity int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
	}
	if quantity < 0 {
		return fmt.Errorf("product %d: negative stock %d", productID, quantity)
	}
	p.AvailableQuantity = quantity
	p.UpdatedAt = t.now()
	t.st.products[productID] = p
	return nil
}

func (t *memTx) CreateReservation(ctx context.Context, r *models.Reservation) error {
	if _, exists := t.st.reservations[r.ID]; exists {
		return fmt.Errorf("reservation %s: %w", r.ID, store.ErrDuplicate)
	}

	now := t.now()
	r.CreatedAt = now
	r.UpdatedAt = now
	for i := range r.Items {
		if _, ok := t.st.products[r.Items[i].ProductID]; !ok {
			return fmt.Errorf("product %d: %w", r.Items[i].ProductID, store.ErrNotFound)
		}
		t.st.itemSeq++
		r.Items[i].ID = t.st.itemSeq
		r.Items[i].ReservationID = r.ID
	}

	row := *r
	row.Items = append([]models.ReservationItem(nil), r.Items...)
	sort.Slice(row.Items, func(i, j int) bool { return row.Items[i].ProductID < row.Items[j].ProductID })
	t.st.reservations[r.ID] = row
	return nil
}

func (t *memTx) GetReservationForUpdate(ctx context.Context, id string) (*models.Reservation, error) {
	return t.st.reservation(id)
}

func (t *memTx) TransitionReservation(ctx context.Context, id string, from, to models.ReservationStatus) (bool, error) {
	r, ok := t.st.reservations[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = t.now()
	t.st.reservations[id] = r
	return true, nil
}

func (t *memTx) CreateOrder(ctx context.Context, o *models.Order) error {
	if _, exists := t.st.byResv[o.ReservationID]; exists {
		return fmt.Errorf("order for reservation %s: %w", o.ReservationID, store.ErrDuplicate)
	}
	if _, exists := t.st.orderNumbers[o.OrderNumber]; exists {
		return fmt.Errorf("order number %s: %w", o.OrderNumber, store.ErrDuplicate)
	}

	t.st.orderSeq++
	o.ID = t.st.orderSeq
	o.CreatedAt = t.now()
	for i := range o.Items {
		t.st.itemSeq++
		o.Items[i].ID = t.st.itemSeq
		o.Items[i].OrderID = o.ID
	}

	row := *o
	row.Items = append([]models.OrderItem(nil), o.Items...)
	t.st.orders[o.ID] = row
	t.st.byResv[o.ReservationID] = o.ID
	t.st.orderNumbers[o.OrderNumber] = struct{}{}
	return nil
}

func (t *memTx) GetOrderByReservationID(ctx context.Context, reservationID string) (*models.Order, error) {
	return t.st.orderByReservation(reservationID)
}

func (t *memTx) AppendMovement(ctx context.Context, m *models.StockMovement) error {
	if _, ok := t.st.products[m.ProductID]; !ok {
		return fmt.Errorf("product %d: %w", m.ProductID, store.ErrNotFound)
	}
	t.st.movementSeq++
	m.ID = t.st.movementSeq
	m.CreatedAt = t.now()
	t.st.movements = append(t.st.movements, *m)
	return nil
}

func (t *memTx) SumMovementDeltas(ctx context.Context, productID int64) (int, error) {
	delta := 0
	for i := range t.st.movements {
		if t.st.movements[i].ProductID == productID {
			delta += t.st.movements[i].Delta()
		}
	}
	return delta, nil
}
