package api

import (
	"errors"
	"fmt"
	"net/http"

	"checkout-service/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writeError maps domain errors to HTTP responses
func (h *Handler) writeError(c *gin.Context, err error) {
	var insufficient *models.InsufficientStockError
	if errors.As(err, &insufficient) {
		c.JSON(http.StatusConflict, gin.H{
			"error":        "insufficient_stock",
			"details":      err.Error(),
			"failed_items": insufficient.Shortages,
		})
		return
	}

	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   code,
		"details": err.Error(),
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidSession):
		return http.StatusUnauthorized, "invalid_session"
	case errors.Is(err, models.ErrInvalidItems):
		return http.StatusBadRequest, "invalid_items"
	case errors.Is(err, models.ErrInvalidPayment):
		return http.StatusBadRequest, "invalid_payment"
	case errors.Is(err, models.ErrInvalidMovement):
		return http.StatusBadRequest, "invalid_movement"
	case errors.Is(err, models.ErrReservationNotFound):
		return http.StatusNotFound, "reservation_not_found"
	case errors.Is(err, models.ErrProductNotFound):
		return http.StatusNotFound, "product_not_found"
	case errors.Is(err, models.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found"
	case errors.Is(err, models.ErrReservationNoLongerValid):
		return http.StatusConflict, "reservation_no_longer_valid"
	case errors.Is(err, models.ErrTransactionConflict):
		return http.StatusServiceUnavailable, "transaction_conflict"
	case errors.Is(err, models.ErrStockIntegrity):
		return http.StatusInternalServerError, "stock_integrity_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// releaseError reports a reservation that can no longer be released as not
// found
func releaseError(err error) error {
	if errors.Is(err, models.ErrReservationNoLongerValid) {
		return fmt.Errorf("%w: %w", models.ErrReservationNotFound, err)
	}
	return err
}
