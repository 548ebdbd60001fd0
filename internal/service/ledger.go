package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultLedgerPageSize = 500

// Ledger is the append-only record of stock movements
type Ledger struct {
	repo     store.Repository
	pageSize int
	now      func() time.Time
	logger   *zap.Logger
}

// NewLedger creates a new ledger over repo
func NewLedger(repo store.Repository) *Ledger {
	return &Ledger{
		repo:     repo,
		pageSize: defaultLedgerPageSize,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// Append validates m and writes it inside tx. There is no variant without a
// transaction: a movement always commits or rolls back with the change it
// describes.
func (l *Ledger) Append(ctx context.Context, tx store.Tx, m *models.StockMovement) error {
	if tx == nil {
		return fmt.Errorf("%w: no open transaction", models.ErrInvalidMovement)
	}
	if err := validateMovement(m); err != nil {
		return err
	}

	if err := tx.AppendMovement(ctx, m); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: product %d", models.ErrProductNotFound, m.ProductID)
		}
		return fmt.Errorf("failed to append movement: %w", err)
	}

	util.LedgerMovementsTotal.WithLabelValues(string(m.Type), m.Reason).Inc()
	return nil
}

func validateMovement(m *models.StockMovement) error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: empty entry", models.ErrInvalidMovement)
	case m.ProductID <= 0:
		return fmt.Errorf("%w: product id %d", models.ErrInvalidMovement, m.ProductID)
	case m.Quantity <= 0:
		return fmt.Errorf("%w: quantity %d", models.ErrInvalidMovement, m.Quantity)
	case m.Type != models.MovementIn && m.Type != models.MovementOut:
		return fmt.Errorf("%w: type %q", models.ErrInvalidMovement, m.Type)
	}

	switch m.Reason {
	case models.ReasonOrderCreated:
		if m.Type != models.MovementOut {
			return fmt.Errorf("%w: %s must be an outbound movement", models.ErrInvalidMovement, m.Reason)
		}
	case models.ReasonReservationReleased:
		if m.Type != models.MovementIn {
			return fmt.Errorf("%w: %s must be an inbound movement", models.ErrInvalidMovement, m.Reason)
		}
	case models.ReasonManualAdjustment:
	default:
		return fmt.Errorf("%w: reason %q", models.ErrInvalidMovement, m.Reason)
	}
	return nil
}

// Query returns an iterator over the movements of a product created at or
// after since
func (l *Ledger) Query(productID int64, since time.Time) *MovementIterator {
	return l.QueryFrom(productID, store.Cursor{CreatedAt: since})
}

// QueryFrom resumes iteration strictly after cursor
func (l *Ledger) QueryFrom(productID int64, cursor store.Cursor) *MovementIterator {
	return &MovementIterator{
		repo:      l.repo,
		productID: productID,
		cursor:    cursor,
		pageSize:  l.pageSize,
	}
}

// MovementIterator pages through a product's ledger in (created_at, id)
// order. Pages are fetched lazily by keyset, so iteration can be resumed from
// Cursor() by a later QueryFrom.
type MovementIterator struct {
	repo      store.Repository
	productID int64
	cursor    store.Cursor
	pageSize  int

	page    []models.StockMovement
	pos     int
	current models.StockMovement
	last    bool
	err     error
}

// Next advances to the next movement. It returns false once the ledger is
// exhausted or a page could not be loaded.
func (it *MovementIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}

	if it.pos >= len(it.page) {
		if it.last {
			return false
		}
		page, err := it.repo.ListMovements(ctx, it.productID, it.cursor, it.pageSize)
		if err != nil {
			it.err = err
			return false
		}
		it.page = page
		it.pos = 0
		it.last = len(page) < it.pageSize
		if len(page) == 0 {
			return false
		}
	}

	it.current = it.page[it.pos]
	it.pos++
	it.cursor = store.Cursor{CreatedAt: it.current.CreatedAt, ID: it.current.ID}
	return true
}

// Movement returns the movement Next advanced to
func (it *MovementIterator) Movement() models.StockMovement {
	return it.current
}

// Cursor returns the position of the last movement returned
func (it *MovementIterator) Cursor() store.Cursor {
	return it.cursor
}

// Err returns the error that stopped iteration, if any
func (it *MovementIterator) Err() error {
	return it.err
}

// All drains the iterator
func (it *MovementIterator) All(ctx context.Context) ([]models.StockMovement, error) {
	var movements []models.StockMovement
	for it.Next(ctx) {
		movements = append(movements, it.Movement())
	}
	return movements, it.Err()
}

// Reconciliation compares a stock counter with its ledger replay
type Reconciliation struct {
	ProductID int64 `json:"product_id"`
	Initial   int   `json:"initial_quantity"`
	Available int   `json:"available_quantity"`
	Expected  int   `json:"expected_quantity"`
	Drift     int   `json:"drift"`
	Rebuilt   bool  `json:"rebuilt"`
}

// Consistent reports whether the counter matches the ledger
func (r *Reconciliation) Consistent() bool {
	return r.Drift == 0
}

// Reconcile replays the ledger of a product and reports any drift
func (l *Ledger) Reconcile(ctx context.Context, productID int64) (*Reconciliation, error) {
	return l.reconcile(ctx, productID, false)
}

// Rebuild rewrites the stock counter from the ledger when they disagree
func (l *Ledger) Rebuild(ctx context.Context, productID int64) (*Reconciliation, error) {
	return l.reconcile(ctx, productID, true)
}

func (l *Ledger) reconcile(ctx context.Context, productID int64, fix bool) (*Reconciliation, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Reconcile",
		attribute.Int64("product_id", productID),
		attribute.Bool("fix", fix))
	defer span.End()

	var result *Reconciliation
	err := withRetry(ctx, "reconcile", func() error {
		return l.repo.WithTx(ctx, func(tx store.Tx) error {
			products, err := tx.LockProducts(ctx, []int64{productID})
			if err != nil {
				return err
			}
			if len(products) == 0 {
				return fmt.Errorf("%w: %d", models.ErrProductNotFound, productID)
			}
			product := products[0]

			delta, err := tx.SumMovementDeltas(ctx, productID)
			if err != nil {
				return err
			}

			result = &Reconciliation{
				ProductID: productID,
				Initial:   product.InitialQuantity,
				Available: product.AvailableQuantity,
				Expected:  product.InitialQuantity + delta,
			}
			result.Drift = result.Available - result.Expected

			if !fix || result.Consistent() {
				return nil
			}
			if result.Expected < 0 {
				return fmt.Errorf("%w: ledger replays product %d to %d", models.ErrStockIntegrity, productID, result.Expected)
			}
			if err := tx.SetStock(ctx, productID, result.Expected); err != nil {
				return err
			}
			result.Rebuilt = true
			return nil
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if !result.Consistent() {
		util.StockIntegrityErrorsTotal.Inc()
		l.logger.Error("Stock counter disagrees with ledger",
			zap.Int64("product_id", productID),
			zap.Int("available", result.Available),
			zap.Int("expected", result.Expected),
			zap.Bool("rebuilt", result.Rebuilt))
	}
	return result, nil
}

// ReconcileAll reconciles every product in the catalog
func (l *Ledger) ReconcileAll(ctx context.Context, fix bool) ([]Reconciliation, error) {
	ids, err := l.repo.ListProductIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	results := make([]Reconciliation, 0, len(ids))
	for _, id := range ids {
		r, err := l.reconcile(ctx, id, fix)
		if err != nil {
			return results, fmt.Errorf("product %d: %w", id, err)
		}
		results = append(results, *r)
	}
	return results, nil
}

// Adjustment kinds. AdjustSet sets the counter to an absolute count and is
// recorded as the in or out movement that gets there.
const (
	AdjustIn  = "in"
	AdjustOut = "out"
	AdjustSet = "adjustment"
)

// AdjustmentRequest is a manual restock, write-off or stock count
type AdjustmentRequest struct {
	ProductID int64  `json:"product_id" binding:"required"`
	Type      string `json:"type" binding:"required,oneof=in out adjustment"`
	Quantity  int    `json:"quantity" binding:"min=0"`
	CreatedBy string `json:"created_by" binding:"required"`
	Reason    string `json:"reason"`
	Notes     string `json:"notes"`
}

func (r *AdjustmentRequest) notes() string {
	reason := strings.TrimSpace(r.Reason)
	switch {
	case reason == "":
		return r.Notes
	case r.Notes == "":
		return reason
	default:
		return reason + ": " + r.Notes
	}
}

// Adjust changes a stock counter outside the order flow and records the
// movement in the same transaction. A write-off cannot take stock that active
// reservations are holding.
func (l *Ledger) Adjust(ctx context.Context, req *AdjustmentRequest) (*models.StockMovement, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Adjust",
		attribute.Int64("product_id", req.ProductID),
		attribute.String("type", req.Type))
	defer span.End()

	createdBy := strings.TrimSpace(req.CreatedBy)
	switch {
	case req.ProductID <= 0:
		return nil, fmt.Errorf("%w: product id %d", models.ErrInvalidMovement, req.ProductID)
	case createdBy == "":
		return nil, fmt.Errorf("%w: created_by is required", models.ErrInvalidMovement)
	case req.Type == AdjustSet:
		if req.Quantity < 0 || req.Quantity > maxLineQuantity {
			return nil, fmt.Errorf("%w: count %d", models.ErrInvalidMovement, req.Quantity)
		}
	case req.Type == AdjustIn || req.Type == AdjustOut:
		if req.Quantity <= 0 || req.Quantity > maxLineQuantity {
			return nil, fmt.Errorf("%w: quantity %d", models.ErrInvalidMovement, req.Quantity)
		}
	default:
		return nil, fmt.Errorf("%w: type %q", models.ErrInvalidMovement, req.Type)
	}

	var appended models.StockMovement
	err := withRetry(ctx, "adjust", func() error {
		return l.repo.WithTx(ctx, func(tx store.Tx) error {
			products, err := tx.LockProducts(ctx, []int64{req.ProductID})
			if err != nil {
				return err
			}
			if len(products) == 0 {
				return fmt.Errorf("%w: %d", models.ErrProductNotFound, req.ProductID)
			}

			movement := models.StockMovement{
				ProductID:   req.ProductID,
				Type:        models.MovementType(req.Type),
				Quantity:    req.Quantity,
				Reason:      models.ReasonManualAdjustment,
				ReferenceID: uuid.New().String(),
				CreatedBy:   createdBy,
				Notes:       req.notes(),
			}
			if req.Type == AdjustSet {
				delta := req.Quantity - products[0].AvailableQuantity
				switch {
				case delta == 0:
					return fmt.Errorf("%w: stock of product %d is already %d",
						models.ErrInvalidMovement, req.ProductID, req.Quantity)
				case delta > 0:
					movement.Type, movement.Quantity = models.MovementIn, delta
				default:
					movement.Type, movement.Quantity = models.MovementOut, -delta
				}
			}
			if err := validateMovement(&movement); err != nil {
				return err
			}

			if movement.Type == models.MovementIn {
				if err := tx.IncrementStock(ctx, req.ProductID, movement.Quantity); err != nil {
					return err
				}
			} else {
				reserved, err := tx.ReservedQuantities(ctx, []int64{req.ProductID}, l.now())
				if err != nil {
					return err
				}
				sellable := products[0].AvailableQuantity - reserved[req.ProductID]
				if movement.Quantity > sellable {
					return &models.InsufficientStockError{Shortages: []models.Shortage{{
						ProductID: req.ProductID,
						Requested: movement.Quantity,
						Sellable:  max(sellable, 0),
					}}}
				}
				ok, err := tx.DecrementStock(ctx, req.ProductID, movement.Quantity)
				if err != nil {
					return err
				}
				if !ok {
					return &models.StockIntegrityError{ProductID: req.ProductID, Requested: movement.Quantity}
				}
			}

			appended = movement
			return l.Append(ctx, tx, &appended)
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	l.logger.Info("Stock adjusted",
		zap.Int64("product_id", appended.ProductID),
		zap.String("type", string(appended.Type)),
		zap.Int("quantity", appended.Quantity),
		zap.String("created_by", appended.CreatedBy))
	return &appended, nil
}
