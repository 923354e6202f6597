package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reservation-service/internal/models"
)

// MemoryLedger is an in-process Ledger for offline development and tests.
// A transaction works on a private copy of the state and publishes it on commit;
// the ledger mutex is held for the whole transaction, so transactions are serial.
type MemoryLedger struct {
	mu    sync.Mutex
	state *memState

	processed map[string]models.ProcessedEvent
	carts     map[string]models.AbandonedCart
	nextCart  int64
}

type memState struct {
	maxPerCustomer map[int64]*int
	variants       map[int64]models.ProductVariant
	logs           []models.InventoryLog
	orders         map[int64]models.Order
	orderItems     map[int64][]models.OrderItem
	nextLogID      int64
	nextOrderID    int64
	nextItemID     int64
}

func (s *memState) clone() *memState {
	c := &memState{
		maxPerCustomer: make(map[int64]*int, len(s.maxPerCustomer)),
		variants:       make(map[int64]models.ProductVariant, len(s.variants)),
		logs:           append([]models.InventoryLog(nil), s.logs...),
		orders:         make(map[int64]models.Order, len(s.orders)),
		orderItems:     make(map[int64][]models.OrderItem, len(s.orderItems)),
		nextLogID:      s.nextLogID,
		nextOrderID:    s.nextOrderID,
		nextItemID:     s.nextItemID,
	}
	for k, v := range s.maxPerCustomer {
		c.maxPerCustomer[k] = v
	}
	for k, v := range s.variants {
		c.variants[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.orderItems {
		c.orderItems[k] = append([]models.OrderItem(nil), v...)
	}
	return c
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		state: &memState{
			maxPerCustomer: make(map[int64]*int),
			variants:       make(map[int64]models.ProductVariant),
			orders:         make(map[int64]models.Order),
			orderItems:     make(map[int64][]models.OrderItem),
		},
		processed: make(map[string]models.ProcessedEvent),
		carts:     make(map[string]models.AbandonedCart),
	}
}

// AddProduct registers a product and its optional per-customer cap
func (m *MemoryLedger) AddProduct(productID int64, maxPerCustomer *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.maxPerCustomer[productID] = maxPerCustomer
}

// AddVariant registers a variant; its product is created without a cap if unknown
func (m *MemoryLedger) AddVariant(v models.ProductVariant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.maxPerCustomer[v.ProductID]; !ok {
		m.state.maxPerCustomer[v.ProductID] = nil
	}
	v.MaxPerCustomer = nil
	v.UpdatedAt = time.Now()
	m.state.variants[v.ID] = v
}

// InventoryLogs returns a copy of the inventory log
func (m *MemoryLedger) InventoryLogs() []models.InventoryLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.InventoryLog(nil), m.state.logs...)
}

// Orders returns all orders ordered by id
func (m *MemoryLedger) Orders() []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Order, 0, len(m.state.orders))
	for _, o := range m.state.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetOrderStatus changes an order's status, standing in for order-management flows
func (m *MemoryLedger) SetOrderStatus(orderID int64, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.state.orders[orderID]; ok {
		o.Status = status
		m.state.orders[orderID] = o
	}
}

// AbandonedCarts returns recorded carts
func (m *MemoryLedger) AbandonedCarts() []models.AbandonedCart {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AbandonedCart, 0, len(m.carts))
	for _, c := range m.carts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithTransaction runs fn against a private copy of the state. Hooks run after the
// ledger is unlocked.
func (m *MemoryLedger) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{}
	err := m.runTx(ctx, tx, fn)
	tx.finish(err == nil)
	return err
}

func (m *MemoryLedger) runTx(ctx context.Context, tx *memTx, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx.state = m.state.clone()
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	m.state = tx.state
	return nil
}

// GetVariant returns a variant with its product's purchase cap
func (m *MemoryLedger) GetVariant(ctx context.Context, variantID int64) (*models.ProductVariant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.variant(variantID)
}

// GetOrderByID retrieves an order
func (m *MemoryLedger) GetOrderByID(ctx context.Context, orderID int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.state.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &o, nil
}

// GetOrderItemsByOrderID retrieves the lines of an order
func (m *MemoryLedger) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderItem(nil), m.state.orderItems[orderID]...), nil
}

// IsEventProcessed checks if an event has been handled
func (m *MemoryLedger) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[eventID]
	return ok, nil
}

// MarkEventProcessed records a handled event
func (m *MemoryLedger) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[eventID]; !ok {
		m.processed[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: time.Now()}
	}
	return nil
}

// RecordAbandonedCart stores an expired reservation once per reservation id
func (m *MemoryLedger) RecordAbandonedCart(ctx context.Context, cart *models.AbandonedCart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.carts[cart.ReservationID]; ok {
		return nil
	}
	m.nextCart++
	c := *cart
	c.ID = m.nextCart
	c.CreatedAt = time.Now()
	m.carts[c.ReservationID] = c
	return nil
}

// Ping always succeeds
func (m *MemoryLedger) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (m *MemoryLedger) Close() error { return nil }

func (s *memState) variant(id int64) (*models.ProductVariant, error) {
	v, ok := s.variants[id]
	if !ok {
		return nil, ErrVariantNotFound
	}
	v.MaxPerCustomer = s.maxPerCustomer[v.ProductID]
	return &v, nil
}

type memTx struct {
	txHooks
	state *memState
}

func (t *memTx) LockVariant(ctx context.Context, variantID int64) (*models.ProductVariant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.state.variant(variantID)
}

func (t *memTx) PurchasedQuantity(ctx context.Context, userID string, productID int64) (int, error) {
	total := 0
	for id, o := range t.state.orders {
		if o.UserID == nil || *o.UserID != userID || o.Status == models.OrderStatusCancelled {
			continue
		}
		for _, it := range t.state.orderItems[id] {
			if it.ProductID == productID {
				total += it.Quantity
			}
		}
	}
	return total, nil
}

func (t *memTx) AdjustReservedStock(ctx context.Context, variantID int64, delta int) error {
	v, ok := t.state.variants[variantID]
	if !ok {
		return ErrVariantNotFound
	}
	next := v.ReservedStock + delta
	if next < 0 || next > v.InitialStock {
		return ErrStockConflict
	}
	v.ReservedStock = next
	v.UpdatedAt = time.Now()
	t.state.variants[variantID] = v
	return nil
}

func (t *memTx) CommitSoldStock(ctx context.Context, variantID int64, quantity int) error {
	v, ok := t.state.variants[variantID]
	if !ok {
		return ErrVariantNotFound
	}
	if v.ReservedStock < quantity {
		return ErrStockConflict
	}
	v.ReservedStock -= quantity
	v.InitialStock -= quantity
	v.UpdatedAt = time.Now()
	t.state.variants[variantID] = v
	return nil
}

func (t *memTx) AppendInventoryLog(ctx context.Context, entry *models.InventoryLog) error {
	t.state.nextLogID++
	entry.ID = t.state.nextLogID
	entry.CreatedAt = time.Now()
	t.state.logs = append(t.state.logs, *entry)
	return nil
}

func (t *memTx) CreateOrder(ctx context.Context, order *models.Order) error {
	for _, o := range t.state.orders {
		if o.StripePaymentIntentID == order.StripePaymentIntentID {
			return fmt.Errorf("failed to insert order: duplicate payment intent %s", order.StripePaymentIntentID)
		}
	}
	t.state.nextOrderID++
	now := time.Now()
	order.ID = t.state.nextOrderID
	order.CreatedAt = now
	order.UpdatedAt = now
	t.state.orders[order.ID] = *order
	return nil
}

func (t *memTx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	t.state.nextItemID++
	item.ID = t.state.nextItemID
	t.state.orderItems[item.OrderID] = append(t.state.orderItems[item.OrderID], *item)
	return nil
}
