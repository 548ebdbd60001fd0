package service

import (
	"context"
	"time"

	"checkout-service/internal/models"

	"github.com/google/uuid"
)

// EventPublisher receives domain events after their transaction committed.
// Publishing is best effort: failures are logged, never returned to callers.
type EventPublisher interface {
	PublishReservationCreated(ctx context.Context, event *models.ReservationCreatedEvent) error
	PublishReservationClosed(ctx context.Context, event *models.ReservationClosedEvent) error
	PublishOrderCommitted(ctx context.Context, event *models.OrderCommittedEvent) error
}

// CommitCache remembers which order a reservation was committed into so that
// retried commits can skip the database transaction.
type CommitCache interface {
	RememberCommit(ctx context.Context, reservationID string, orderID int64) error
	LookupCommit(ctx context.Context, reservationID string) (int64, bool, error)
}

type noopPublisher struct{}

func (noopPublisher) PublishReservationCreated(context.Context, *models.ReservationCreatedEvent) error {
	return nil
}

func (noopPublisher) PublishReservationClosed(context.Context, *models.ReservationClosedEvent) error {
	return nil
}

func (noopPublisher) PublishOrderCommitted(context.Context, *models.OrderCommittedEvent) error {
	return nil
}

type noopCache struct{}

func (noopCache) RememberCommit(context.Context, string, int64) error { return nil }

func (noopCache) LookupCommit(context.Context, string) (int64, bool, error) { return 0, false, nil }

func newBaseEvent(eventType string, now time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: now,
	}
}

func reservationItems(items []models.ReservationItem) []models.ItemQuantity {
	out := make([]models.ItemQuantity, 0, len(items))
	for _, item := range items {
		out = append(out, models.ItemQuantity{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return out
}
