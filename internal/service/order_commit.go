package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CommitActor is recorded as created_by on movements written by commits
const CommitActor = "checkout"

// CommitEngine turns active reservations into orders
type CommitEngine struct {
	repo   store.Repository
	ledger *Ledger
	events EventPublisher
	cache  CommitCache
	now    func() time.Time
	logger *zap.Logger
}

// NewCommitEngine creates a new commit engine. events and cache may be nil.
func NewCommitEngine(repo store.Repository, ledger *Ledger, events EventPublisher, cache CommitCache) *CommitEngine {
	if events == nil {
		events = noopPublisher{}
	}
	if cache == nil {
		cache = noopCache{}
	}
	return &CommitEngine{
		repo:   repo,
		ledger: ledger,
		events: events,
		cache:  cache,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// CommitResult is the order a reservation was committed into. Replayed is set
// when the order already existed and this call changed nothing.
type CommitResult struct {
	Order    *models.Order
	Replayed bool
}

// Commit confirms an active reservation after payment. In one transaction it
// marks the reservation confirmed, decrements stock, creates the order with
// current catalog prices and appends an outbound movement per item. Retrying
// with the same payment confirmation returns the same order.
func (e *CommitEngine) Commit(ctx context.Context, reservationID, paymentConfirmation string, address models.Address) (*CommitResult, error) {
	ctx, span := util.StartSpan(ctx, "CommitEngine.Commit",
		attribute.String("reservation_id", reservationID))
	defer span.End()

	start := time.Now()
	defer func() {
		util.CommitLatency.Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(paymentConfirmation) == "" {
		util.CommitFailedTotal.WithLabelValues("invalid_payment").Inc()
		return nil, models.ErrInvalidPayment
	}
	if _, err := uuid.Parse(reservationID); err != nil {
		util.CommitFailedTotal.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %s", models.ErrReservationNotFound, reservationID)
	}

	if result, ok := e.fromCache(ctx, reservationID, paymentConfirmation); ok {
		return result, nil
	}

	var result *CommitResult
	err := withRetry(ctx, "commit", func() error {
		var err error
		result, err = e.commitTx(ctx, reservationID, paymentConfirmation, address)
		return err
	})
	if errors.Is(err, store.ErrDuplicate) {
		result, err = e.existingOrder(ctx, reservationID, paymentConfirmation)
	}
	if err != nil {
		util.RecordError(span, err)
		util.CommitFailedTotal.WithLabelValues(failureReason(err)).Inc()

		var integrity *models.StockIntegrityError
		if errors.As(err, &integrity) {
			util.StockIntegrityErrorsTotal.Inc()
			e.logger.Error("Stock integrity violation during commit",
				zap.String("reservation_id", integrity.ReservationID),
				zap.Int64("product_id", integrity.ProductID),
				zap.Int("requested", integrity.Requested),
				zap.Error(err))
		}
		return nil, err
	}

	order := result.Order
	if err := e.cache.RememberCommit(ctx, reservationID, order.ID); err != nil {
		e.logger.Warn("Failed to cache commit", zap.String("reservation_id", reservationID), zap.Error(err))
	}

	if result.Replayed {
		util.CommitReplaysTotal.Inc()
		e.logger.Info("Commit replayed",
			zap.String("reservation_id", reservationID),
			zap.Int64("order_id", order.ID))
		return result, nil
	}

	util.OrdersCommittedTotal.Inc()
	util.ReservationsClosedTotal.WithLabelValues(string(models.ReservationConfirmed)).Inc()
	e.logger.Info("Order committed",
		zap.String("reservation_id", reservationID),
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total", order.Total))

	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	event := &models.OrderCommittedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderCommitted, e.now()),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		ReservationID: reservationID,
		Total:         order.Total,
		Items:         items,
	}
	if err := e.events.PublishOrderCommitted(ctx, event); err != nil {
		e.logger.Error("Failed to publish OrderCommitted event", zap.Error(err))
	}

	return result, nil
}

func (e *CommitEngine) commitTx(ctx context.Context, reservationID, paymentConfirmation string, address models.Address) (*CommitResult, error) {
	var result *CommitResult
	err := e.repo.WithTx(ctx, func(tx store.Tx) error {
		now := e.now()

		r, err := tx.GetReservationForUpdate(ctx, reservationID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", models.ErrReservationNotFound, reservationID)
		}
		if err != nil {
			return err
		}

		if r.Status == models.ReservationConfirmed {
			existing, err := tx.GetOrderByReservationID(ctx, reservationID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: reservation %s has no order", models.ErrReservationNoLongerValid, reservationID)
			}
			if err != nil {
				return err
			}
			if existing.PaymentConfirmation != paymentConfirmation {
				return fmt.Errorf("%w: reservation %s was confirmed by another payment", models.ErrReservationNoLongerValid, reservationID)
			}
			result = &CommitResult{Order: existing, Replayed: true}
			return nil
		}

		if !r.ActiveAt(now) {
			return fmt.Errorf("%w: reservation %s is %s, expires_at %s",
				models.ErrReservationNoLongerValid, reservationID, r.Status, r.ExpiresAt.Format(time.RFC3339))
		}

		won, err := tx.TransitionReservation(ctx, reservationID, models.ReservationActive, models.ReservationConfirmed)
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("%w: reservation %s", models.ErrReservationNoLongerValid, reservationID)
		}

		ids := make([]int64, 0, len(r.Items))
		for _, item := range r.Items {
			ids = append(ids, item.ProductID)
		}
		products, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}
		prices := make(map[int64]int64, len(products))
		for _, p := range products {
			prices[p.ID] = p.Price
		}

		order := &models.Order{
			OrderNumber:         newOrderNumber(now),
			ReservationID:       reservationID,
			SessionID:           r.SessionID,
			Status:              models.OrderStatusConfirmed,
			PaymentConfirmation: paymentConfirmation,
			ShippingAddress:     address,
			Items:               make([]models.OrderItem, 0, len(r.Items)),
		}

		for _, item := range r.Items {
			price, ok := prices[item.ProductID]
			if !ok {
				return &models.StockIntegrityError{ReservationID: reservationID, ProductID: item.ProductID, Requested: item.Quantity}
			}
			decremented, err := tx.DecrementStock(ctx, item.ProductID, item.Quantity)
			if err != nil {
				return err
			}
			if !decremented {
				return &models.StockIntegrityError{ReservationID: reservationID, ProductID: item.ProductID, Requested: item.Quantity}
			}

			order.Items = append(order.Items, models.OrderItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: price,
			})
			order.Total += price * int64(item.Quantity)
		}

		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}

		for _, item := range order.Items {
			err := e.ledger.Append(ctx, tx, &models.StockMovement{
				ProductID:   item.ProductID,
				Type:        models.MovementOut,
				Quantity:    item.Quantity,
				Reason:      models.ReasonOrderCreated,
				ReferenceID: strconv.FormatInt(order.ID, 10),
				CreatedBy:   CommitActor,
				Notes:       order.OrderNumber,
			})
			if err != nil {
				return err
			}
		}

		result = &CommitResult{Order: order}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// existingOrder resolves a unique violation on orders.reservation_id: a
// concurrent commit of the same reservation won the insert
func (e *CommitEngine) existingOrder(ctx context.Context, reservationID, paymentConfirmation string) (*CommitResult, error) {
	order, err := e.repo.GetOrderByReservationID(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order after duplicate commit: %w", err)
	}
	if order.PaymentConfirmation != paymentConfirmation {
		return nil, fmt.Errorf("%w: reservation %s was confirmed by another payment", models.ErrReservationNoLongerValid, reservationID)
	}
	return &CommitResult{Order: order, Replayed: true}, nil
}

func (e *CommitEngine) fromCache(ctx context.Context, reservationID, paymentConfirmation string) (*CommitResult, bool) {
	orderID, ok, err := e.cache.LookupCommit(ctx, reservationID)
	if err != nil {
		e.logger.Warn("Commit cache lookup failed", zap.String("reservation_id", reservationID), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	order, err := e.repo.GetOrder(ctx, orderID)
	if err != nil || order.ReservationID != reservationID || order.PaymentConfirmation != paymentConfirmation {
		return nil, false
	}

	util.CommitReplaysTotal.Inc()
	return &CommitResult{Order: order, Replayed: true}, true
}

// GetOrder returns an order with its items
func (e *CommitEngine) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := e.repo.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:4])
	return fmt.Sprintf("ORD%d%s", now.UnixMilli(), suffix)
}
