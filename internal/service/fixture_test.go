package service

import (
	"context"
	"sync"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store/memstore"

	"github.com/stretchr/testify/require"
)

// testingT is satisfied by *testing.T and *rapid.T
type testingT = require.TestingT

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	closed []*models.ReservationClosedEvent
	orders []*models.OrderCommittedEvent
}

func (p *recordingPublisher) PublishReservationCreated(_ context.Context, e *models.ReservationCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e.EventType)
	return nil
}

func (p *recordingPublisher) PublishReservationClosed(_ context.Context, e *models.ReservationClosedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e.EventType)
	p.closed = append(p.closed, e)
	return nil
}

func (p *recordingPublisher) PublishOrderCommitted(_ context.Context, e *models.OrderCommittedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e.EventType)
	p.orders = append(p.orders, e)
	return nil
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]int64
}

func (c *mapCache) RememberCommit(_ context.Context, reservationID string, orderID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]int64)
	}
	c.entries[reservationID] = orderID
	return nil
}

func (c *mapCache) LookupCommit(_ context.Context, reservationID string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.entries[reservationID]
	return id, ok, nil
}

type fixture struct {
	store        *memstore.Store
	clock        *fakeClock
	events       *recordingPublisher
	cache        *mapCache
	ledger       *Ledger
	reservations *ReservationManager
	commits      *CommitEngine
	reclaimer    *Reclaimer
}

func newFixture(t testingT, recordReleases bool) *fixture {
	f := &fixture{
		store:  memstore.New(),
		clock:  newFakeClock(),
		events: &recordingPublisher{},
		cache:  &mapCache{},
	}
	f.store.SetClock(f.clock.Now)

	f.ledger = NewLedger(f.store)
	f.ledger.now = f.clock.Now

	f.reservations = NewReservationManager(f.store, f.ledger, f.events, ReservationConfig{
		DefaultTTL:             15 * time.Minute,
		MaxTTL:                 time.Hour,
		RecordReleaseMovements: recordReleases,
	})
	f.reservations.now = f.clock.Now

	f.commits = NewCommitEngine(f.store, f.ledger, f.events, f.cache)
	f.commits.now = f.clock.Now

	f.reclaimer = NewReclaimer(f.store, f.ledger, f.events, 2, recordReleases)
	f.reclaimer.now = f.clock.Now
	return f
}

func (f *fixture) addProduct(name string, price int64, qty int) models.Product {
	return f.store.AddProduct(models.Product{SKU: name, Name: name, Price: price, AvailableQuantity: qty})
}

func (f *fixture) available(t testingT, productID int64) int {
	p, err := f.store.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.AvailableQuantity
}

func (f *fixture) status(t testingT, reservationID string) models.ReservationStatus {
	r, err := f.store.GetReservation(context.Background(), reservationID)
	require.NoError(t, err)
	return r.Status
}

var testAddress = models.Address{
	Name:       "Ada Lovelace",
	Line1:      "12 St James's Square",
	City:       "London",
	PostalCode: "SW1Y 4JH",
	Country:    "GB",
}

func items(pairs ...int64) []models.ItemQuantity {
	out := make([]models.ItemQuantity, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.ItemQuantity{ProductID: pairs[i], Quantity: int(pairs[i+1])})
	}
	return out
}
