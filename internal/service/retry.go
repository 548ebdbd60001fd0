package service

import (
	"context"
	"errors"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// withRetry runs fn and, when it fails with a transaction conflict, runs it
// exactly once more. The second error is returned as is.
func withRetry(ctx context.Context, operation string, fn func() error) error {
	err := fn()
	if err == nil || !errors.Is(err, models.ErrTransactionConflict) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}

	util.TxConflictRetriesTotal.WithLabelValues(operation).Inc()
	util.GetLogger().Warn("Retrying transaction after conflict",
		zap.String("operation", operation),
		zap.Error(err))

	return fn()
}
