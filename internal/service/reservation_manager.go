package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ReservationConfig bounds reservation lifetimes and controls the audit trail
// of released holds
type ReservationConfig struct {
	DefaultTTL             time.Duration
	MaxTTL                 time.Duration
	RecordReleaseMovements bool
}

// ReservationManager places and releases time-boxed holds on stock
type ReservationManager struct {
	repo   store.Repository
	ledger *Ledger
	events EventPublisher
	cfg    ReservationConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewReservationManager creates a new reservation manager. events may be nil.
func NewReservationManager(
	repo store.Repository,
	ledger *Ledger,
	events EventPublisher,
	cfg ReservationConfig,
) *ReservationManager {
	if events == nil {
		events = noopPublisher{}
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	if cfg.MaxTTL < cfg.DefaultTTL {
		cfg.MaxTTL = cfg.DefaultTTL
	}
	return &ReservationManager{
		repo:   repo,
		ledger: ledger,
		events: events,
		cfg:    cfg,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// TTL returns the hold duration applied for a requested ttl
func (m *ReservationManager) TTL(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return m.cfg.DefaultTTL
	case requested > m.cfg.MaxTTL:
		return m.cfg.MaxTTL
	default:
		return requested
	}
}

// Reserve places an all-or-nothing hold on items for sessionID. Stock counters
// are not touched: the hold only lowers the sellable quantity of each product
// until it is committed, released or expires.
func (m *ReservationManager) Reserve(ctx context.Context, sessionID string, items []models.ItemQuantity, ttl time.Duration) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.Reserve",
		attribute.String("session_id", sessionID),
		attribute.Int("items", len(items)))
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(sessionID) == "" {
		util.ReservationsFailedTotal.WithLabelValues("invalid_session").Inc()
		return nil, models.ErrInvalidSession
	}

	lines, err := mergeItems(items)
	if err != nil {
		util.ReservationsFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}
	ttl = m.TTL(ttl)

	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}

	var reservation *models.Reservation
	err = withRetry(ctx, "reserve", func() error {
		return m.repo.WithTx(ctx, func(tx store.Tx) error {
			now := m.now()

			products, err := tx.LockProducts(ctx, ids)
			if err != nil {
				return err
			}
			if missing := missingProduct(ids, products); missing != 0 {
				return fmt.Errorf("%w: %d", models.ErrProductNotFound, missing)
			}

			reserved, err := tx.ReservedQuantities(ctx, ids, now)
			if err != nil {
				return err
			}

			available := make(map[int64]int, len(products))
			for _, p := range products {
				available[p.ID] = p.AvailableQuantity
			}

			var shortages []models.Shortage
			for _, line := range lines {
				sellable := available[line.ProductID] - reserved[line.ProductID]
				if line.Quantity > sellable {
					shortages = append(shortages, models.Shortage{
						ProductID: line.ProductID,
						Requested: line.Quantity,
						Sellable:  max(sellable, 0),
					})
				}
			}
			if len(shortages) > 0 {
				return &models.InsufficientStockError{Shortages: shortages}
			}

			r := &models.Reservation{
				ID:        uuid.New().String(),
				SessionID: sessionID,
				Status:    models.ReservationActive,
				ExpiresAt: now.Add(ttl),
				Items:     make([]models.ReservationItem, 0, len(lines)),
			}
			for _, line := range lines {
				r.Items = append(r.Items, models.ReservationItem{ProductID: line.ProductID, Quantity: line.Quantity})
			}
			if err := tx.CreateReservation(ctx, r); err != nil {
				return err
			}
			reservation = r
			return nil
		})
	})
	if err != nil {
		util.RecordError(span, err)
		util.ReservationsFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	util.ReservationsCreatedTotal.Inc()
	m.logger.Info("Reservation created",
		zap.String("reservation_id", reservation.ID),
		zap.String("session_id", sessionID),
		zap.Time("expires_at", reservation.ExpiresAt),
		zap.Int("quantity", reservation.TotalQuantity()))

	event := &models.ReservationCreatedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeReservationCreated, m.now()),
		ReservationID: reservation.ID,
		SessionID:     reservation.SessionID,
		ExpiresAt:     reservation.ExpiresAt,
		Items:         reservationItems(reservation.Items),
	}
	if err := m.events.PublishReservationCreated(ctx, event); err != nil {
		m.logger.Error("Failed to publish ReservationCreated event", zap.Error(err))
	}

	return reservation, nil
}

// Get returns a reservation with its items
func (m *ReservationManager) Get(ctx context.Context, id string) (*models.Reservation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrReservationNotFound, id)
	}

	r, err := m.repo.GetReservation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrReservationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

// Release gives up an active reservation on behalf of the session that owns
// it. Reservations of other sessions are reported as not found.
func (m *ReservationManager) Release(ctx context.Context, id, sessionID string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.Release",
		attribute.String("reservation_id", id))
	defer span.End()

	if strings.TrimSpace(sessionID) == "" {
		return nil, models.ErrInvalidSession
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrReservationNotFound, id)
	}

	var released *models.Reservation
	err := withRetry(ctx, "release", func() error {
		return m.repo.WithTx(ctx, func(tx store.Tx) error {
			r, err := tx.GetReservationForUpdate(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", models.ErrReservationNotFound, id)
			}
			if err != nil {
				return err
			}
			if r.SessionID != sessionID {
				return fmt.Errorf("%w: %s", models.ErrReservationNotFound, id)
			}
			if r.Status.IsTerminal() {
				return fmt.Errorf("%w: reservation %s is %s", models.ErrReservationNoLongerValid, id, r.Status)
			}

			won, err := closeHold(ctx, tx, m.ledger, r, models.ReservationReleased, m.cfg.RecordReleaseMovements, sessionID)
			if err != nil {
				return err
			}
			if !won {
				return fmt.Errorf("%w: reservation %s", models.ErrReservationNoLongerValid, id)
			}
			released = r
			return nil
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.ReservationsClosedTotal.WithLabelValues(string(models.ReservationReleased)).Inc()
	m.logger.Info("Reservation released",
		zap.String("reservation_id", id),
		zap.String("session_id", sessionID))

	publishClosed(ctx, m.events, m.logger, released, m.now())
	return released, nil
}

// closeHold moves r from active to the terminal status to. It reports false
// when another writer already moved the reservation.
func closeHold(
	ctx context.Context,
	tx store.Tx,
	ledger *Ledger,
	r *models.Reservation,
	to models.ReservationStatus,
	recordMovements bool,
	actor string,
) (bool, error) {
	if !to.IsTerminal() {
		return false, fmt.Errorf("cannot close reservation %s as %s", r.ID, to)
	}

	won, err := tx.TransitionReservation(ctx, r.ID, models.ReservationActive, to)
	if err != nil || !won {
		return false, err
	}
	r.Status = to

	if recordMovements && ledger != nil {
		// ledger rows of a product are appended under its row lock so that
		// their (created_at, id) order matches commit order
		ids := make([]int64, 0, len(r.Items))
		for _, item := range r.Items {
			ids = append(ids, item.ProductID)
		}
		if _, err := tx.LockProducts(ctx, ids); err != nil {
			return false, err
		}

		for _, item := range r.Items {
			err := ledger.Append(ctx, tx, &models.StockMovement{
				ProductID:   item.ProductID,
				Type:        models.MovementIn,
				Quantity:    item.Quantity,
				Reason:      models.ReasonReservationReleased,
				ReferenceID: r.ID,
				CreatedBy:   actor,
				Notes:       string(to),
			})
			if err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

func publishClosed(ctx context.Context, events EventPublisher, logger *zap.Logger, r *models.Reservation, now time.Time) {
	eventType := models.EventTypeReservationReleased
	if r.Status == models.ReservationExpired {
		eventType = models.EventTypeReservationExpired
	}

	event := &models.ReservationClosedEvent{
		BaseEvent:     newBaseEvent(eventType, now),
		ReservationID: r.ID,
		Status:        r.Status,
		Items:         reservationItems(r.Items),
	}
	if err := events.PublishReservationClosed(ctx, event); err != nil {
		logger.Error("Failed to publish ReservationClosed event",
			zap.String("reservation_id", r.ID),
			zap.Error(err))
	}
}

// maxLineQuantity is the largest quantity a reservation or order line can
// carry; quantities are stored in INTEGER columns.
const maxLineQuantity = math.MaxInt32

// mergeItems validates cart lines and folds duplicates of the same product.
// The result is ordered by product id.
func mergeItems(items []models.ItemQuantity) ([]models.ItemQuantity, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", models.ErrInvalidItems)
	}

	totals := make(map[int64]int, len(items))
	for _, item := range items {
		if item.ProductID <= 0 {
			return nil, fmt.Errorf("%w: product id %d", models.ErrInvalidItems, item.ProductID)
		}
		if item.Quantity <= 0 || item.Quantity > maxLineQuantity {
			return nil, fmt.Errorf("%w: quantity %d for product %d", models.ErrInvalidItems, item.Quantity, item.ProductID)
		}
		if totals[item.ProductID] > maxLineQuantity-item.Quantity {
			return nil, fmt.Errorf("%w: quantity for product %d exceeds %d", models.ErrInvalidItems, item.ProductID, maxLineQuantity)
		}
		totals[item.ProductID] += item.Quantity
	}

	merged := make([]models.ItemQuantity, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, models.ItemQuantity{ProductID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged, nil
}

func missingProduct(ids []int64, products []models.Product) int64 {
	found := make(map[int64]bool, len(products))
	for _, p := range products {
		found[p.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return id
		}
	}
	return 0
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, models.ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, models.ErrReservationNotFound):
		return "not_found"
	case errors.Is(err, models.ErrReservationNoLongerValid):
		return "no_longer_valid"
	case errors.Is(err, models.ErrStockIntegrity):
		return "stock_integrity"
	case errors.Is(err, models.ErrTransactionConflict):
		return "conflict"
	default:
		return "error"
	}
}
