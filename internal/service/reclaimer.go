package service

import (
	"context"
	"errors"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// ReclaimActor is recorded as created_by on release movements of expired holds
const ReclaimActor = "reclaimer"

// Reclaimer expires active reservations whose deadline has passed. Each
// reservation is expired in its own transaction with a compare-and-set on its
// status, so a sweep racing a commit or a release simply loses.
type Reclaimer struct {
	repo            store.Repository
	ledger          *Ledger
	events          EventPublisher
	batchSize       int
	recordMovements bool
	now             func() time.Time
	logger          *zap.Logger
}

// NewReclaimer creates a new reclaimer. events may be nil.
func NewReclaimer(repo store.Repository, ledger *Ledger, events EventPublisher, batchSize int, recordMovements bool) *Reclaimer {
	if events == nil {
		events = noopPublisher{}
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reclaimer{
		repo:            repo,
		ledger:          ledger,
		events:          events,
		batchSize:       batchSize,
		recordMovements: recordMovements,
		now:             time.Now,
		logger:          util.GetLogger(),
	}
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Expired int
	Skipped int
	Failed  int
}

// SweepOnce expires every reservation that was past its deadline when the
// sweep started. Failures on single reservations are logged and left for the
// next sweep.
func (r *Reclaimer) SweepOnce(ctx context.Context) (SweepResult, error) {
	ctx, span := util.StartSpan(ctx, "Reclaimer.SweepOnce")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReclaimSweepDuration.Observe(time.Since(start).Seconds())
	}()

	var result SweepResult
	cutoff := r.now()

	for {
		ids, err := r.repo.ListExpiredReservations(ctx, cutoff, r.batchSize)
		if err != nil {
			util.RecordError(span, err)
			return result, err
		}

		progressed := false
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			expired, err := r.expire(ctx, id, cutoff)
			switch {
			case err != nil:
				result.Failed++
				r.logger.Error("Failed to expire reservation",
					zap.String("reservation_id", id),
					zap.Error(err))
			case expired == nil:
				result.Skipped++
				progressed = true
				util.ReclaimSkippedTotal.Inc()
			default:
				result.Expired++
				progressed = true
				util.ReservationsClosedTotal.WithLabelValues(string(models.ReservationExpired)).Inc()
				publishClosed(ctx, r.events, r.logger, expired, r.now())
			}
		}

		if len(ids) < r.batchSize || !progressed {
			break
		}
	}

	if result.Expired > 0 || result.Failed > 0 {
		r.logger.Info("Reclaim sweep finished",
			zap.Int("expired", result.Expired),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// expire returns nil without error when the reservation is no longer an
// expired active hold
func (r *Reclaimer) expire(ctx context.Context, id string, cutoff time.Time) (*models.Reservation, error) {
	var expired *models.Reservation
	err := withRetry(ctx, "reclaim", func() error {
		expired = nil
		return r.repo.WithTx(ctx, func(tx store.Tx) error {
			res, err := tx.GetReservationForUpdate(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if res.Status != models.ReservationActive || !res.ExpiresAt.Before(cutoff) {
				return nil
			}

			won, err := closeHold(ctx, tx, r.ledger, res, models.ReservationExpired, r.recordMovements, ReclaimActor)
			if err != nil {
				return err
			}
			if won {
				expired = res
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}
