package store

import (
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"github.com/lib/pq"
)

// ErrDuplicate is returned when a unique constraint rejects an insert
var ErrDuplicate = errors.New("duplicate key")

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"
)

// mapError translates PostgreSQL errors into store and domain errors
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch pqErr.Code {
	case pqSerializationFailure, pqDeadlockDetected, pqLockNotAvailable:
		return fmt.Errorf("%w: %w", models.ErrTransactionConflict, err)
	case pqUniqueViolation:
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	}
	return err
}
