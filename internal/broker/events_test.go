package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func newTestPublisher() (*EventPublisher, *fakeWriter) {
	w := &fakeWriter{}
	p := NewProducer([]string{"localhost:9092"}, "checkout-events")
	p.writer = w
	return NewEventPublisher(p), w
}

func TestPublishKeysByReservation(t *testing.T) {
	ep, w := newTestPublisher()
	ctx := context.Background()

	created := &models.ReservationCreatedEvent{
		BaseEvent:     models.BaseEvent{EventID: "e-1", EventType: models.EventTypeReservationCreated, Timestamp: time.Now()},
		ReservationID: "r-1",
		SessionID:     "s-1",
		Items:         []models.ItemQuantity{{ProductID: 7, Quantity: 2}},
	}
	committed := &models.OrderCommittedEvent{
		BaseEvent:     models.BaseEvent{EventID: "e-2", EventType: models.EventTypeOrderCommitted, Timestamp: time.Now()},
		OrderID:       11,
		ReservationID: "r-1",
		Total:         5000,
	}

	require.NoError(t, ep.PublishReservationCreated(ctx, created))
	require.NoError(t, ep.PublishOrderCommitted(ctx, committed))

	require.Len(t, w.messages, 2)
	for _, msg := range w.messages {
		assert.Equal(t, "reservation-r-1", string(msg.Key))
	}

	var decoded models.ReservationCreatedEvent
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, models.EventTypeReservationCreated, decoded.EventType)
	assert.Equal(t, created.Items, decoded.Items)
}

func TestPublishWrapsWriterError(t *testing.T) {
	ep, w := newTestPublisher()
	w.err = errors.New("broker down")

	err := ep.PublishReservationClosed(context.Background(), &models.ReservationClosedEvent{ReservationID: "r-2"})
	assert.ErrorIs(t, err, w.err)
}

func TestHandleMessageRoutesPaymentConfirmed(t *testing.T) {
	eh := NewEventHandler()

	var got *models.PaymentConfirmedEvent
	eh.OnPaymentConfirmed(func(_ context.Context, e *models.PaymentConfirmedEvent) error {
		got = e
		return nil
	})

	payload, err := json.Marshal(models.PaymentConfirmedEvent{
		BaseEvent:           models.BaseEvent{EventID: "e-3", EventType: models.EventTypePaymentConfirmed},
		ReservationID:       "r-3",
		PaymentConfirmation: "pi_123",
		ShippingAddress:     models.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
	})
	require.NoError(t, err)

	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: payload}))
	require.NotNil(t, got)
	assert.Equal(t, "r-3", got.ReservationID)
	assert.Equal(t, "pi_123", got.PaymentConfirmation)
	assert.Equal(t, "Springfield", got.ShippingAddress.City)
}

func TestHandleMessageIgnoresOtherEvents(t *testing.T) {
	eh := NewEventHandler()
	eh.OnPaymentConfirmed(func(context.Context, *models.PaymentConfirmedEvent) error {
		t.Fatal("unexpected call")
		return nil
	})

	payload := []byte(`{"event_id":"e-4","event_type":"ORDER_COMMITTED"}`)
	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: payload}))

	// malformed payloads are dropped rather than retried forever
	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")}))
}
