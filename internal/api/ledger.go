package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NDJSONContentType is the media type of streamed ledger responses
const NDJSONContentType = "application/x-ndjson"

// LedgerLine is one streamed movement together with the cursor that resumes
// the stream after it
type LedgerLine struct {
	models.StockMovement
	Cursor string `json:"cursor"`
}

// EncodeCursor renders a ledger position as an opaque token
func EncodeCursor(c store.Cursor) string {
	raw := fmt.Sprintf("%d:%d", c.CreatedAt.UnixNano(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor
func DecodeCursor(token string) (store.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return store.Cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}

	var nanos, id int64
	if _, err := fmt.Sscanf(string(raw), "%d:%d", &nanos, &id); err != nil {
		return store.Cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	return store.Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// streamLedger writes the movements of a product as newline-delimited JSON.
// ?cursor= resumes after a previous line, ?since= starts at an RFC 3339 time.
func (h *Handler) streamLedger(c *gin.Context) {
	productID, ok := parseProductID(c)
	if !ok {
		return
	}

	var it *service.MovementIterator
	switch {
	case c.Query("cursor") != "":
		cursor, err := DecodeCursor(c.Query("cursor"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor", "details": err.Error()})
			return
		}
		it = h.ledger.QueryFrom(productID, cursor)
	case c.Query("since") != "":
		since, err := time.Parse(time.RFC3339Nano, c.Query("since"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since", "details": err.Error()})
			return
		}
		it = h.ledger.Query(productID, since)
	default:
		it = h.ledger.Query(productID, time.Time{})
	}

	ctx := c.Request.Context()
	hasFirst := it.Next(ctx)
	if err := it.Err(); err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Content-Type", NDJSONContentType)
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	for more := hasFirst; more; more = it.Next(ctx) {
		line := LedgerLine{StockMovement: it.Movement(), Cursor: EncodeCursor(it.Cursor())}
		if err := enc.Encode(line); err != nil {
			h.logger.Warn("Ledger stream aborted", zap.Int64("product_id", productID), zap.Error(err))
			return
		}
		c.Writer.Flush()
	}

	if err := it.Err(); err != nil {
		h.logger.Error("Ledger stream failed", zap.Int64("product_id", productID), zap.Error(err))
		_ = enc.Encode(gin.H{"error": err.Error()})
	}
}

// adjustStock records a manual restock or write-off
func (h *Handler) adjustStock(c *gin.Context) {
	var req service.AdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	movement, err := h.ledger.Adjust(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, movement)
}

// reconcileStock compares a counter with its ledger; ?fix=true rebuilds it
func (h *Handler) reconcileStock(c *gin.Context) {
	productID, ok := parseProductID(c)
	if !ok {
		return
	}

	fix, _ := strconv.ParseBool(c.Query("fix"))

	var (
		result *service.Reconciliation
		err    error
	)
	if fix {
		result, err = h.ledger.Rebuild(c.Request.Context(), productID)
	} else {
		result, err = h.ledger.Reconcile(c.Request.Context(), productID)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
