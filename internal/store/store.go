package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"reservation-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// Store is the Postgres-backed Ledger
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
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

	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing connection
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema; every statement is idempotent
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// WithTransaction runs fn inside a database transaction
func (s *Store) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stx := &sqlTx{tx: tx}
	if err := fn(stx); err != nil {
		_ = tx.Rollback()
		stx.finish(false)
		return err
	}

	if err := tx.Commit(); err != nil {
		stx.finish(false)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	stx.finish(true)
	return nil
}

// GetVariant retrieves a variant without locking it
func (s *Store) GetVariant(ctx context.Context, variantID int64) (*models.ProductVariant, error) {
	var v models.ProductVariant
	err := s.db.GetContext(ctx, &v, variantSelect+" WHERE v.id = $1", variantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVariantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

const variantSelect = `
	SELECT v.id, v.product_id, v.initial_stock, v.reserved_stock, v.price_cents, v.currency,
	       v.updated_at, p.max_per_customer
	FROM product_variants v
	JOIN products p ON p.id = v.product_id`

type sqlTx struct {
	txHooks
	tx *sqlx.Tx
}

// LockVariant selects the variant row FOR UPDATE
func (t *sqlTx) LockVariant(ctx context.Context, variantID int64) (*models.ProductVariant, error) {
	var v models.ProductVariant
	err := t.tx.GetContext(ctx, &v, variantSelect+" WHERE v.id = $1 FOR UPDATE OF v", variantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVariantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock variant %d: %w", variantID, err)
	}
	return &v, nil
}

func (t *sqlTx) PurchasedQuantity(ctx context.Context, userID string, productID int64) (int, error) {
	var qty int
	err := t.tx.GetContext(ctx, &qty, `
		SELECT COALESCE(SUM(oi.quantity), 0)
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE o.user_id = $1 AND oi.product_id = $2 AND o.status <> $3`,
		userID, productID, models.OrderStatusCancelled)
	if err != nil {
		return 0, fmt.Errorf("failed to sum purchases: %w", err)
	}
	return qty, nil
}

func (t *sqlTx) AdjustReservedStock(ctx context.Context, variantID int64, delta int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE product_variants
		SET reserved_stock = reserved_stock + $1, updated_at = NOW()
		WHERE id = $2 AND reserved_stock + $1 >= 0 AND reserved_stock + $1 <= initial_stock`,
		delta, variantID)
	if err != nil {
		return fmt.Errorf("failed to adjust reserved stock: %w", err)
	}
	return expectOneRow(res)
}

func (t *sqlTx) CommitSoldStock(ctx context.Context, variantID int64, quantity int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE product_variants
		SET reserved_stock = reserved_stock - $1, initial_stock = initial_stock - $1, updated_at = NOW()
		WHERE id = $2 AND reserved_stock >= $1`,
		quantity, variantID)
	if err != nil {
		return fmt.Errorf("failed to commit stock: %w", err)
	}
	return expectOneRow(res)
}

func (t *sqlTx) AppendInventoryLog(ctx context.Context, entry *models.InventoryLog) error {
	query := `
		INSERT INTO inventory_logs (variant_id, change_type, quantity_diff, order_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	return t.tx.GetContext(ctx, entry, query,
		entry.VariantID, entry.ChangeType, entry.QuantityDiff, entry.OrderID)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrStockConflict
	}
	return nil
}
