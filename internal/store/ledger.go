package store

import (
	"context"
	"errors"

	"reservation-service/internal/models"
)

var (
	// ErrVariantNotFound is returned when a referenced product variant does not exist
	ErrVariantNotFound = errors.New("product variant not found")
	// ErrOrderNotFound is returned when an order lookup misses
	ErrOrderNotFound = errors.New("order not found")
	// ErrStockConflict is returned when a guarded stock update would break 0 <= reserved <= initial
	ErrStockConflict = errors.New("stock update violates reserved/initial bounds")
)

// Tx is the handle passed to WithTransaction callbacks. Every method runs inside the
// surrounding ledger transaction.
type Tx interface {
	// LockVariant row-locks the variant and returns it joined with its product's purchase cap
	LockVariant(ctx context.Context, variantID int64) (*models.ProductVariant, error)
	// PurchasedQuantity sums a user's non-cancelled purchased quantity of a product
	PurchasedQuantity(ctx context.Context, userID string, productID int64) (int, error)
	// AdjustReservedStock adds delta to reserved_stock, refusing to leave [0, initial_stock]
	AdjustReservedStock(ctx context.Context, variantID int64, delta int) error
	// CommitSoldStock removes quantity from both reserved_stock and initial_stock
	CommitSoldStock(ctx context.Context, variantID int64, quantity int) error
	AppendInventoryLog(ctx context.Context, entry *models.InventoryLog) error
	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error

	// OnCommit registers fn to run after the transaction commits
	OnCommit(fn func())
	// OnRollback registers fn to run after the transaction rolls back or fails to commit
	OnRollback(fn func())
}

// txHooks holds the callbacks waiting on a transaction's outcome
type txHooks struct {
	onCommit   []func()
	onRollback []func()
}

// OnCommit queues fn for a successful commit
func (h *txHooks) OnCommit(fn func()) {
	h.onCommit = append(h.onCommit, fn)
}

// OnRollback queues fn for a rollback
func (h *txHooks) OnRollback(fn func()) {
	h.onRollback = append(h.onRollback, fn)
}

func (h *txHooks) finish(committed bool) {
	fns := h.onRollback
	if committed {
		fns = h.onCommit
	}
	for _, fn := range fns {
		fn()
	}
}

// Ledger is the durable stock and order store
type Ledger interface {
	// WithTransaction runs fn in one transaction, committing on nil and rolling back otherwise
	WithTransaction(ctx context.Context, fn func(tx Tx) error) error

	GetVariant(ctx context.Context, variantID int64) (*models.ProductVariant, error)
	GetOrderByID(ctx context.Context, orderID int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error

	RecordAbandonedCart(ctx context.Context, cart *models.AbandonedCart) error

	Ping(ctx context.Context) error
	Close() error
}
