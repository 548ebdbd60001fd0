package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrNotFound is returned by lookups that match no row
var ErrNotFound = errors.New("not found")

// Cursor marks a position in a product's ledger. Rows strictly after
// (CreatedAt, ID) are returned by ListMovements.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        int64     `json:"id"`
}

// Repository is the persistence surface used by the services
type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	ListProductIDs(ctx context.Context) ([]int64, error)

	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error)

	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByReservationID(ctx context.Context, reservationID string) (*models.Order, error)

	ListMovements(ctx context.Context, productID int64, after Cursor, limit int) ([]models.StockMovement, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of operations that only run inside a database transaction
type Tx interface {
	LockProducts(ctx context.Context, ids []int64) ([]models.Product, error)
	ReservedQuantities(ctx context.Context, ids []int64, now time.Time) (map[int64]int, error)
	DecrementStock(ctx context.Context, productID int64, quantity int) (bool, error)
	IncrementStock(ctx context.Context, productID int64, quantity int) error
	SetStock(ctx context.Context, productID int64, quantity int) error

	CreateReservation(ctx context.Context, r *models.Reservation) error
	GetReservationForUpdate(ctx context.Context, id string) (*models.Reservation, error)
	TransitionReservation(ctx context.Context, id string, from, to models.ReservationStatus) (bool, error)

	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrderByReservationID(ctx context.Context, reservationID string) (*models.Order, error)

	AppendMovement(ctx context.Context, m *models.StockMovement) error
	SumMovementDeltas(ctx context.Context, productID int64) (int, error)
}

// querier is satisfied by both *sqlx.DB and *sqlx.Tx
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

type queries struct {
	q querier
}

// Store is the PostgreSQL repository
type Store struct {
	queries
	db          *sqlx.DB
	lockTimeout time.Duration
}

var _ Repository = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string, lockTimeout time.Duration) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{queries: queries{q: db}, db: db, lockTimeout: lockTimeout}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a READ COMMITTED transaction. Row locks taken by fn
// serialize competing writers; lock waits are bounded by lockTimeout.
func (s *Store) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return mapError(fmt.Errorf("failed to set lock timeout: %w", err))
		}
	}

	if err := fn(&sqlTx{queries: queries{q: tx}}); err != nil {
		return mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// sqlTx binds the transactional queries to an open *sqlx.Tx
type sqlTx struct {
	queries
}

var _ Tx = (*sqlTx)(nil)

func (s *sqlTx) LockProducts(ctx context.Context, ids []int64) ([]models.Product, error) {
	return s.lockProducts(ctx, ids)
}

func (s *sqlTx) GetReservationForUpdate(ctx context.Context, id string) (*models.Reservation, error) {
	return s.getReservation(ctx, id, true)
}
