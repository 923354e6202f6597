package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reservation-service/internal/models"
)

// CreateOrder inserts an order inside the transaction
func (t *sqlTx) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_number, user_id, guest_email, status, total_cents, currency, stripe_payment_intent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	if err := t.tx.GetContext(ctx, order, query,
		order.OrderNumber, order.UserID, order.GuestEmail, order.Status,
		order.TotalCents, order.Currency, order.StripePaymentIntentID); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// CreateOrderItem inserts an order item inside the transaction
func (t *sqlTx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, variant_id, product_id, quantity, unit_price_cents, total_price_cents, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	if err := t.tx.GetContext(ctx, &item.ID, query,
		item.OrderID, item.VariantID, item.ProductID, item.Quantity,
		item.UnitPriceCents, item.TotalPriceCents, item.Currency); err != nil {
		return fmt.Errorf("failed to insert order item: %w", err)
	}
	return nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}

// RecordAbandonedCart stores the contents of an expired reservation once per reservation
func (s *Store) RecordAbandonedCart(ctx context.Context, cart *models.AbandonedCart) error {
	query := `
		INSERT INTO abandoned_carts (reservation_id, caller_id, email, items, total_cents, currency, expired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reservation_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		cart.ReservationID, cart.CallerID, cart.Email, string(cart.Items),
		cart.TotalCents, cart.Currency, cart.ExpiredAt)
	if err != nil {
		return fmt.Errorf("failed to record abandoned cart: %w", err)
	}
	return nil
}
