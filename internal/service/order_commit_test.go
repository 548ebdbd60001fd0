package service

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastUnitsScenario(t *testing.T) {
	f := newFixture(t, false)
	p := f.addProduct("P", 2500, 2)
	ctx := context.Background()

	r1, err := f.reservations.Reserve(ctx, "shopper-a", items(p.ID, 2), 0)
	require.NoError(t, err)

	_, err = f.reservations.Reserve(ctx, "shopper-b", items(p.ID, 1), 0)
	var insufficient *models.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, []models.Shortage{{ProductID: p.ID, Requested: 1, Sellable: 0}}, insufficient.Shortages)

	first, err := f.commits.Commit(ctx, r1.ID, "pay-1", testAddress)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, 0, f.available(t, p.ID))

	movements, err := f.ledger.Query(p.ID, time.Time{}).All(ctx)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, models.MovementOut, movements[0].Type)
	assert.Equal(t, 2, movements[0].Quantity)
	assert.Equal(t, models.ReasonOrderCreated, movements[0].Reason)
	assert.Equal(t, strconv.FormatInt(first.Order.ID, 10), movements[0].ReferenceID)

	f.clock.Advance(time.Hour)
	sweep, err := f.reclaimer.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sweep.Expired)
	assert.Equal(t, models.ReservationConfirmed, f.status(t, r1.ID))

	second, err := f.commits.Commit(ctx, r1.ID, "pay-1", testAddress)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 0, f.available(t, p.ID))

	_, err = f.reservations.Reserve(ctx, "shopper-b", items(p.ID, 1), 0)
	assert.ErrorIs(t, err, models.ErrInsufficientStock)
}

func TestCommitCreatesOrderWithCurrentPrices(t *testing.T) {
	f := newFixture(t, false)
	a := f.addProduct("a", 1000, 5)
	b := f.addProduct("b", 250, 5)
	ctx := context.Background()

	r, err := f.reservations.Reserve(ctx, "s", items(a.ID, 2, b.ID, 3), 0)
	require.NoError(t, err)

	f.store.SetPrice(a.ID, 1100)

	result, err := f.commits.Commit(ctx, r.ID, "pay", testAddress)
	require.NoError(t, err)

	order := result.Order
	assert.Equal(t, models.OrderStatusConfirmed, order.Status)
	assert.Equal(t, r.ID, order.ReservationID)
	assert.Equal(t, "s", order.SessionID)
	assert.Equal(t, testAddress, order.ShippingAddress)
	assert.Regexp(t, `^ORD\d{13}[0-9A-F]{4}$`, order.OrderNumber)
	assert.Equal(t, int64(2*1100+3*250), order.Total)
	require.Len(t, order.Items, 2)
	assert.Equal(t, int64(1100), order.Items[0].UnitPrice)

	assert.Equal(t, 3, f.available(t, a.ID))
	assert.Equal(t, 2, f.available(t, b.ID))

	stored, err := f.commits.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, stored.OrderNumber)

	// later price changes do not touch the snapshot
	f.store.SetPrice(a.ID, 5)
	stored, err = f.commits.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), stored.Items[0].UnitPrice)

	require.Len(t, f.events.orders, 1)
	assert.Equal(t, order.ID, f.events.orders[0].OrderID)
}

func TestCommitRejectsDifferentPaymentOnConfirmedReservation(t *testing.T) {
	f := newFixture(t, false)
	p := f.addProduct("mug", 100, 1)
	ctx := context.Background()

	r, err := f.reservations.Reserve(ctx, "s", items(p.ID, 1), 0)
	require.NoError(t, err)
	_, err = f.commits.Commit(ctx, r.ID, "pay-1", testAddress)
	require.NoError(t, err)

	_, err = f.commits.Commit(ctx, r.ID, "pay-2", testAddress)
	assert.ErrorIs(t, err, models.ErrReservationNoLongerValid)
}

func TestCommitValidation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.commits.Commit(ctx, uuid.New().String(), " ", testAddress)
	assert.ErrorIs(t, err, models.ErrInvalidPayment)

	_, err = f.commits.Commit(ctx, uuid.New().String(), "pay", testAddress)
	assert.ErrorIs(t, err, models.ErrReservationNotFound)

	_, err = f.commits.Commit(ctx, "R1", "pay", testAddress)
	assert.ErrorIs(t, err, models.ErrReservationNotFound)

	_, err = f.commits.GetOrder(ctx, 42)
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}

func TestCommitExpiredReservation(t *testing.T) {
	f := newFixture(t, false)
	p := f.addProduct("mug", 100, 1)
	ctx := context.Background()

	r, err := f.reservations.Reserve(ctx, "s", items(p.ID, 1), time.Minute)
	require.NoError(t, err)

	// past the deadline but not yet swept
	f.clock.Advance(time.Minute)
	_, err = f.commits.Commit(ctx, r.ID, "pay", testAddress)
	assert.ErrorIs(t, err, models.ErrReservationNoLongerValid)
	assert.Equal(t, models.ReservationActive, f.status(t, r.ID))
	assert.Equal(t, 1, f.available(t, p.ID))
}

func TestCommitReleasedReservation(t *testing.T) {
	f := newFixture(t, false)
	p := f.addProduct("mug", 100, 1)
	ctx := context.Background()

	r, err := f.reservations.Reserve(ctx, "s", items(p.ID, 1), 0)
	require.NoError(t, err)
	_, err = f.reservations.Release(ctx, r.ID, "s")
	require.NoError(t, err)

	_, err = f.commits.Commit(ctx, r.ID, "pay", testAddress)
	assert.ErrorIs(t, err, models.ErrReservationNoLongerValid)
	assert.Equal(t, 1, f.available(t, p.ID))
}

func TestCommitStockIntegrityRollsBack(t *testing.T) {
	f := newFixture(t, false)
	a := f.addProduct("a", 100, 5)
	b := f.addProduct("b", 100, 5)
	ctx := context.Background()

	r, err := f.reservations.Reserve(ctx, "s", items(a.ID, 2, b.ID, 3), 0)
	require.NoError(t, err)

	f.store.CorruptStock(b.ID, 1)

	_, err = f.commits.Commit(ctx, r.ID, "pay", testAddress)
	var integrity *models.StockIntegrityError
	require.True(t, errors.As(err, &integrity))
	assert.Equal(t, r.ID, integrity.ReservationID)
	assert.Equal(t, b.ID, integrity.ProductID)
	assert.Equal(t, 3, integrity.Requested)

	assert.Equal(t, models.ReservationActive, f.status(t, r.ID))
	assert.Equal(t, 5, f.available(t, a.ID))
	assert.Equal(t, 1, f.available(t, b.ID))

	movements, err := f.ledger.Query(a.ID, time.Time{}).All(ctx)
	require.NoError(t, err)
	assert.Empty(t, movements)
	assert.Empty(t, f.events.orders)
}

func TestCommitRetriesOnceOnConflict(t *testing.T) {
	f := newFixture(t, false)
	p := f.addProduct("mug", 100, 3)
	ctx := context.Background()

	r, err := f.reservations.Reserve(ctx, "s", items(p.ID, 3), 0)
	require.NoError(t, err)

	f.store.InjectConflicts(2)
	_, err = f.commits.Commit(ctx, r.ID, "pay", testAddress)
	assert.ErrorIs(t, err, models.ErrTransactionConflict)
	assert.Equal(t, models.ReservationActive, f.status(t, r.ID))

	f.store.InjectConflicts(1)
	result, err := f.commits.Commit(ctx, r.ID, "pay", testAddress)
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, 0, f.available(t, p.ID))
}

func TestCommitReplayFromCache(t *testing.T) {
	f := newFixture(t, false)
	p := f.addProduct("mug", 100, 3)
	ctx := context.Background()

	r, err := f.reservations.Reserve(ctx, "s", items(p.ID, 1), 0)
	require.NoError(t, err)
	first, err := f.commits.Commit(ctx, r.ID, "pay", testAddress)
	require.NoError(t, err)

	orderID, ok, err := f.cache.LookupCommit(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.Order.ID, orderID)

	// a cached replay needs no transaction
	f.store.InjectConflicts(5)
	replay, err := f.commits.Commit(ctx, r.ID, "pay", testAddress)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Order.ID, replay.Order.ID)
}
