package worker

import (
	"context"
	"errors"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// ReclaimLockKey is the Redis lock shared by all reclaimer instances
const ReclaimLockKey = "reservation-reclaimer"

// Sweeper runs one expiration sweep
type Sweeper interface {
	SweepOnce(ctx context.Context) (service.SweepResult, error)
}

// ReclaimWorker runs the expiration sweep on a fixed interval. When a Redis
// client is configured only one instance sweeps per interval.
type ReclaimWorker struct {
	sweeper  Sweeper
	redis    *redisclient.Client
	interval time.Duration
	logger   *zap.Logger
}

// NewReclaimWorker creates a new reclaim worker. redis may be nil.
func NewReclaimWorker(sweeper Sweeper, redis *redisclient.Client, interval time.Duration) *ReclaimWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReclaimWorker{
		sweeper:  sweeper,
		redis:    redis,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start sweeps immediately and then once per interval until ctx is cancelled
func (w *ReclaimWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reclaim worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("Stopping reclaim worker")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a sweep unless another instance holds the lock. It reports
// whether a sweep ran. The lock is kept alive while sweeping and then left to
// expire at the end of the sweep window, so instances with offset tickers do
// not sweep again within the same interval.
func (w *ReclaimWorker) RunOnce(ctx context.Context) bool {
	if w.redis != nil {
		window := w.lockWindow()
		deadline := time.Now().Add(window)

		lock, err := w.redis.AcquireLock(ctx, ReclaimLockKey, window)
		switch {
		case err != nil:
			// concurrent sweeps stay safe through the status compare-and-set
			w.logger.Warn("Reclaim lock unavailable, sweeping without it", zap.Error(err))
		case lock == nil:
			w.logger.Debug("Reclaim lock held by another instance")
			return false
		default:
			stop := w.keepAlive(ctx, lock, window)
			defer func() {
				stop()
				w.holdUntil(lock, deadline)
			}()
		}
	}

	if _, err := w.sweeper.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("Reclaim sweep failed", zap.Error(err))
	}
	return true
}

// lockWindow is shorter than the interval so the lock holder can take the lock
// again on its next tick.
func (w *ReclaimWorker) lockWindow() time.Duration {
	return w.interval * 9 / 10
}

// keepAlive extends the lock every half window until stop is called
func (w *ReclaimWorker) keepAlive(ctx context.Context, lock *redisclient.Lock, ttl time.Duration) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := lock.Extend(ctx, ttl)
				if err != nil {
					w.logger.Warn("Failed to extend reclaim lock", zap.Error(err))
					continue
				}
				if !held {
					w.logger.Warn("Reclaim lock lost during sweep")
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// holdUntil keeps the lock until deadline, or releases it when the sweep ran
// past the window.
func (w *ReclaimWorker) holdUntil(lock *redisclient.Lock, deadline time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remaining := time.Until(deadline)
	if remaining < time.Millisecond {
		if err := lock.Release(ctx); err != nil {
			w.logger.Warn("Failed to release reclaim lock", zap.Error(err))
		}
		return
	}
	if _, err := lock.Extend(ctx, remaining); err != nil {
		w.logger.Warn("Failed to shorten reclaim lock", zap.Error(err))
	}
}

// Committer commits reservations
type Committer interface {
	Commit(ctx context.Context, reservationID, paymentConfirmation string, address models.Address) (*service.CommitResult, error)
}

// CheckoutWorker commits reservations when the payment layer confirms them
type CheckoutWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	committer    Committer
	logger       *zap.Logger
}

// NewCheckoutWorker creates a new checkout worker
func NewCheckoutWorker(consumer *broker.Consumer, committer Committer) *CheckoutWorker {
	w := &CheckoutWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		committer:    committer,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnPaymentConfirmed(w.HandlePaymentConfirmed)
	return w
}

// Start starts the worker
func (w *CheckoutWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting checkout worker")
	err := w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop stops the worker
func (w *CheckoutWorker) Stop() error {
	w.logger.Info("Stopping checkout worker")
	return w.consumer.Close()
}

// HandlePaymentConfirmed commits the paid reservation. Only transient failures
// are returned, so permanent rejections are not redelivered.
func (w *CheckoutWorker) HandlePaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) error {
	result, err := w.committer.Commit(ctx, event.ReservationID, event.PaymentConfirmation, event.ShippingAddress)
	switch {
	case err == nil:
		w.logger.Info("Payment confirmed, reservation committed",
			zap.String("reservation_id", event.ReservationID),
			zap.Int64("order_id", result.Order.ID),
			zap.Bool("replayed", result.Replayed))
		return nil
	case errors.Is(err, models.ErrTransactionConflict):
		return err
	case errors.Is(err, models.ErrStockIntegrity):
		w.logger.Error("Paid reservation could not be committed",
			zap.String("reservation_id", event.ReservationID),
			zap.String("payment_confirmation", event.PaymentConfirmation),
			zap.Error(err))
		return nil
	default:
		w.logger.Warn("Payment confirmation rejected",
			zap.String("reservation_id", event.ReservationID),
			zap.Error(err))
		return nil
	}
}
