package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SessionHeader carries the shopper session when the body does not
const SessionHeader = "X-Session-ID"

// Pinger is a dependency checked by the readiness endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	reservations *service.ReservationManager
	commits      *service.CommitEngine
	ledger       *service.Ledger
	dependencies map[string]Pinger
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	reservations *service.ReservationManager,
	commits *service.CommitEngine,
	ledger *service.Ledger,
	dependencies map[string]Pinger,
) *Handler {
	return &Handler{
		reservations: reservations,
		commits:      commits,
		ledger:       ledger,
		dependencies: dependencies,
		logger:       util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/reservations", h.createReservation)
		v1.GET("/reservations/:id", h.getReservation)
		v1.POST("/reservations/:id/commit", h.commitReservation)
		v1.POST("/reservations/:id/release", h.releaseReservation)
		v1.DELETE("/reservations/:id", h.releaseReservation)

		v1.GET("/orders/:id", h.getOrder)

		v1.GET("/ledger/:productId", h.streamLedger)
		v1.POST("/stock/adjustments", h.adjustStock)
		v1.GET("/stock/:productId/reconcile", h.reconcileStock)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.dependencies {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// CreateReservationRequest represents a request to hold a cart
type CreateReservationRequest struct {
	SessionID  string                `json:"session_id"`
	Items      []models.ItemQuantity `json:"items" binding:"required,min=1"`
	TTLSeconds int                   `json:"ttl_seconds,omitempty" binding:"min=0"`
}

// createReservation handles reservation placement
func (h *Handler) createReservation(c *gin.Context) {
	var req CreateReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = c.GetHeader(SessionHeader)
	}

	r, err := h.reservations.Reserve(c.Request.Context(), sessionID, req.Items, ttlFromSeconds(req.TTLSeconds))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"reservation_id": r.ID,
		"expires_at":     r.ExpiresAt,
		"items":          r.Items,
	})
}

// ttlFromSeconds saturates at the largest time.Duration; the reservation
// manager clamps the result to its maximum ttl.
func ttlFromSeconds(seconds int) time.Duration {
	if seconds > int(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(seconds) * time.Second
}

// getReservation returns a reservation with its items
func (h *Handler) getReservation(c *gin.Context) {
	r, err := h.reservations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// CommitRequest represents a payment confirmation for a reservation
type CommitRequest struct {
	PaymentConfirmation string         `json:"payment_confirmation"`
	ShippingAddress     models.Address `json:"shipping_address" binding:"required"`
}

// commitReservation converts a reservation into an order
func (h *Handler) commitReservation(c *gin.Context) {
	var req CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.commits.Commit(c.Request.Context(), c.Param("id"), req.PaymentConfirmation, req.ShippingAddress)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"order_id":     result.Order.ID,
		"order_number": result.Order.OrderNumber,
		"total":        result.Order.Total,
		"replayed":     result.Replayed,
	})
}

type releaseRequest struct {
	SessionID string `json:"session_id"`
}

// releaseReservation gives up a hold on behalf of its session
func (h *Handler) releaseReservation(c *gin.Context) {
	sessionID := c.GetHeader(SessionHeader)
	if sessionID == "" {
		var req releaseRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "Invalid request body",
					"details": err.Error(),
				})
				return
			}
		}
		sessionID = req.SessionID
	}

	r, err := h.reservations.Release(c.Request.Context(), c.Param("id"), sessionID)
	if err != nil {
		h.writeError(c, releaseError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reservation_id": r.ID,
		"status":         r.Status,
	})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	order, err := h.commits.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(time.Since(start).Seconds())

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}

func parseProductID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("productId")), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid product ID",
		})
		return 0, false
	}
	return id, true
}
