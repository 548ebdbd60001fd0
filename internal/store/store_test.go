//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *Store

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("checkout"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
		os.Exit(1)
	}

	code := func() int {
		defer pgC.Terminate(ctx)

		url, err := pgC.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
			return 1
		}

		testDB, err = NewStore(url, 2*time.Second)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
			return 1
		}
		defer testDB.Close()

		if err := testDB.Migrate(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to migrate: %v\n", err)
			return 1
		}
		// a second run is a no-op
		if err := testDB.Migrate(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to re-run migrations: %v\n", err)
			return 1
		}
		return m.Run()
	}()
	os.Exit(code)
}

func newProduct(t *testing.T, stock int) *models.Product {
	t.Helper()

	p := &models.Product{
		SKU:               "SKU-" + uuid.NewString()[:8],
		Name:              "Test product",
		Price:             1500,
		AvailableQuantity: stock,
	}
	require.NoError(t, testDB.CreateProduct(context.Background(), p))
	return p
}

func newReservation(t *testing.T, expiresAt time.Time, items ...models.ReservationItem) *models.Reservation {
	t.Helper()

	r := &models.Reservation{
		ID:        uuid.NewString(),
		SessionID: "session-" + uuid.NewString()[:8],
		Status:    models.ReservationActive,
		ExpiresAt: expiresAt,
		Items:     items,
	}
	err := testDB.WithTx(context.Background(), func(tx Tx) error {
		return tx.CreateReservation(context.Background(), r)
	})
	require.NoError(t, err)
	return r
}

func TestCreateProduct(t *testing.T) {
	ctx := context.Background()
	p := newProduct(t, 7)

	assert.NotZero(t, p.ID)
	assert.Equal(t, 7, p.InitialQuantity)

	got, err := testDB.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.SKU, got.SKU)
	assert.Equal(t, 7, got.AvailableQuantity)

	dup := &models.Product{SKU: p.SKU, Name: "again", Price: 1}
	err = testDB.CreateProduct(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = testDB.GetProduct(ctx, -1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLockProductsOrdersByID(t *testing.T) {
	ctx := context.Background()
	a := newProduct(t, 1)
	b := newProduct(t, 2)

	err := testDB.WithTx(ctx, func(tx Tx) error {
		products, err := tx.LockProducts(ctx, []int64{b.ID, a.ID, -5})
		require.NoError(t, err)
		require.Len(t, products, 2)
		assert.Equal(t, a.ID, products[0].ID)
		assert.Equal(t, b.ID, products[1].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestReservedQuantitiesIgnoresClosedAndExpired(t *testing.T) {
	ctx := context.Background()
	p := newProduct(t, 10)
	now := time.Now()

	newReservation(t, now.Add(time.Hour), models.ReservationItem{ProductID: p.ID, Quantity: 3})
	newReservation(t, now.Add(-time.Minute), models.ReservationItem{ProductID: p.ID, Quantity: 4})
	released := newReservation(t, now.Add(time.Hour), models.ReservationItem{ProductID: p.ID, Quantity: 2})

	err := testDB.WithTx(ctx, func(tx Tx) error {
		ok, err := tx.TransitionReservation(ctx, released.ID, models.ReservationActive, models.ReservationReleased)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	err = testDB.WithTx(ctx, func(tx Tx) error {
		reserved, err := tx.ReservedQuantities(ctx, []int64{p.ID}, now)
		require.NoError(t, err)
		assert.Equal(t, 3, reserved[p.ID])
		return nil
	})
	require.NoError(t, err)
}

func TestTransitionReservationIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	p := newProduct(t, 5)
	r := newReservation(t, time.Now().Add(time.Hour), models.ReservationItem{ProductID: p.ID, Quantity: 1})

	var first, second bool
	err := testDB.WithTx(ctx, func(tx Tx) error {
		var err error
		first, err = tx.TransitionReservation(ctx, r.ID, models.ReservationActive, models.ReservationConfirmed)
		if err != nil {
			return err
		}
		second, err = tx.TransitionReservation(ctx, r.ID, models.ReservationActive, models.ReservationExpired)
		return err
	})
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	got, err := testDB.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationConfirmed, got.Status)
	require.Len(t, got.Items, 1)
	assert.Equal(t, p.ID, got.Items[0].ProductID)
}

func TestDecrementStockNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	p := newProduct(t, 2)

	err := testDB.WithTx(ctx, func(tx Tx) error {
		ok, err := tx.DecrementStock(ctx, p.ID, 3)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.DecrementStock(ctx, p.ID, 2)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	got, err := testDB.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AvailableQuantity)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	p := newProduct(t, 4)
	boom := errors.New("boom")

	err := testDB.WithTx(ctx, func(tx Tx) error {
		if err := tx.IncrementStock(ctx, p.ID, 10); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := testDB.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.AvailableQuantity)
}

func TestCreateOrderUniquePerReservation(t *testing.T) {
	ctx := context.Background()
	p := newProduct(t, 5)
	r := newReservation(t, time.Now().Add(time.Hour), models.ReservationItem{ProductID: p.ID, Quantity: 2})

	newOrder := func(number string) *models.Order {
		return &models.Order{
			OrderNumber:         number,
			ReservationID:       r.ID,
			SessionID:           r.SessionID,
			Status:              models.OrderStatusConfirmed,
			Total:               3000,
			PaymentConfirmation: "pay-1",
			ShippingAddress:     models.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
			Items:               []models.OrderItem{{ProductID: p.ID, Quantity: 2, UnitPrice: 1500}},
		}
	}

	order := newOrder("ORD-" + uuid.NewString()[:8])
	err := testDB.WithTx(ctx, func(tx Tx) error { return tx.CreateOrder(ctx, order) })
	require.NoError(t, err)
	assert.NotZero(t, order.ID)

	err = testDB.WithTx(ctx, func(tx Tx) error { return tx.CreateOrder(ctx, newOrder("ORD-"+uuid.NewString()[:8])) })
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := testDB.GetOrderByReservationID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, "Springfield", got.ShippingAddress.City)
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(1500), got.Items[0].UnitPrice)

	_, err = testDB.GetOrder(ctx, -1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerKeysetPagination(t *testing.T) {
	ctx := context.Background()
	p := newProduct(t, 10)

	err := testDB.WithTx(ctx, func(tx Tx) error {
		for i := 0; i < 5; i++ {
			m := &models.StockMovement{
				ProductID: p.ID,
				Type:      models.MovementOut,
				Quantity:  1,
				Reason:    models.ReasonOrderCreated,
				CreatedBy: "checkout",
			}
			if err := tx.AppendMovement(ctx, m); err != nil {
				return err
			}
		}
		return tx.AppendMovement(ctx, &models.StockMovement{
			ProductID: p.ID,
			Type:      models.MovementIn,
			Quantity:  3,
			Reason:    models.ReasonReservationReleased,
			CreatedBy: "reclaimer",
		})
	})
	require.NoError(t, err)

	var seen []models.StockMovement
	cursor := Cursor{}
	for {
		page, err := testDB.ListMovements(ctx, p.ID, cursor, 2)
		require.NoError(t, err)
		seen = append(seen, page...)
		if len(page) < 2 {
			break
		}
		last := page[len(page)-1]
		cursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	require.Len(t, seen, 6)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i].ID, seen[i-1].ID)
	}

	err = testDB.WithTx(ctx, func(tx Tx) error {
		delta, err := tx.SumMovementDeltas(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, -5, delta)
		return nil
	})
	require.NoError(t, err)
}

func TestLedgerCursorSurvivesLateCommit(t *testing.T) {
	ctx := context.Background()
	p := newProduct(t, 10)

	appendOut := func(tx Tx) (*models.StockMovement, error) {
		if _, err := tx.LockProducts(ctx, []int64{p.ID}); err != nil {
			return nil, err
		}
		m := &models.StockMovement{
			ProductID: p.ID,
			Type:      models.MovementOut,
			Quantity:  1,
			Reason:    models.ReasonOrderCreated,
			CreatedBy: "checkout",
		}
		return m, tx.AppendMovement(ctx, m)
	}

	// the first transaction starts before the second but appends after it
	started := make(chan struct{})
	resume := make(chan struct{})
	lateErr := make(chan error, 1)
	var late *models.StockMovement
	go func() {
		lateErr <- testDB.WithTx(ctx, func(tx Tx) error {
			if _, err := tx.SumMovementDeltas(ctx, p.ID); err != nil {
				return err
			}
			close(started)
			<-resume
			var err error
			late, err = appendOut(tx)
			return err
		})
	}()

	<-started
	time.Sleep(20 * time.Millisecond)

	var early *models.StockMovement
	err := testDB.WithTx(ctx, func(tx Tx) error {
		var err error
		early, err = appendOut(tx)
		return err
	})
	require.NoError(t, err)

	// a reader has already consumed everything up to the early row
	page, err := testDB.ListMovements(ctx, p.ID, Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	cursor := Cursor{CreatedAt: page[0].CreatedAt, ID: page[0].ID}

	close(resume)
	require.NoError(t, <-lateErr)

	rest, err := testDB.ListMovements(ctx, p.ID, cursor, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, late.ID, rest[0].ID)
	assert.True(t, rest[0].CreatedAt.After(early.CreatedAt))
}

func TestLedgerRejectsUpdates(t *testing.T) {
	ctx := context.Background()
	p := newProduct(t, 1)

	m := &models.StockMovement{ProductID: p.ID, Type: models.MovementIn, Quantity: 1, Reason: models.ReasonManualAdjustment, CreatedBy: "ops"}
	require.NoError(t, testDB.WithTx(ctx, func(tx Tx) error { return tx.AppendMovement(ctx, m) }))

	_, err := testDB.db.ExecContext(ctx, "UPDATE stock_movements SET quantity = 99 WHERE id = $1", m.ID)
	require.NoError(t, err)
	_, err = testDB.db.ExecContext(ctx, "DELETE FROM stock_movements WHERE id = $1", m.ID)
	require.NoError(t, err)

	page, err := testDB.ListMovements(ctx, p.ID, Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 1, page[0].Quantity)
}

func TestLockTimeoutMapsToConflict(t *testing.T) {
	ctx := context.Background()
	p := newProduct(t, 1)

	locked := make(chan struct{})
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = testDB.WithTx(ctx, func(tx Tx) error {
			if _, err := tx.LockProducts(ctx, []int64{p.ID}); err != nil {
				return err
			}
			close(locked)
			<-done
			return nil
		})
	}()

	<-locked
	err := testDB.WithTx(ctx, func(tx Tx) error {
		_, err := tx.LockProducts(ctx, []int64{p.ID})
		return err
	})
	close(done)
	wg.Wait()

	assert.ErrorIs(t, err, models.ErrTransactionConflict)
}

func TestListExpiredReservations(t *testing.T) {
	ctx := context.Background()
	p := newProduct(t, 3)
	now := time.Now()

	old := newReservation(t, now.Add(-2*time.Minute), models.ReservationItem{ProductID: p.ID, Quantity: 1})
	newer := newReservation(t, now.Add(-time.Minute), models.ReservationItem{ProductID: p.ID, Quantity: 1})
	newReservation(t, now.Add(time.Hour), models.ReservationItem{ProductID: p.ID, Quantity: 1})

	ids, err := testDB.ListExpiredReservations(ctx, now, 1000)
	require.NoError(t, err)
	assert.Contains(t, ids, old.ID)
	assert.Contains(t, ids, newer.ID)

	var oldIdx, newerIdx int
	for i, id := range ids {
		switch id {
		case old.ID:
			oldIdx = i
		case newer.ID:
			newerIdx = i
		}
	}
	assert.Less(t, oldIdx, newerIdx)
}
