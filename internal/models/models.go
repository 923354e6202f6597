package models

import (
	"strings"
	"time"
)

// GuestPrefix marks caller ids synthesized for anonymous shoppers
const GuestPrefix = "guest:"

// IsGuest reports whether a caller id belongs to a guest
func IsGuest(callerID string) bool {
	return strings.HasPrefix(callerID, GuestPrefix)
}

// ProductVariant represents a purchasable SKU and its stock counters
type ProductVariant struct {
	ID             int64     `db:"id" json:"id"`
	ProductID      int64     `db:"product_id" json:"product_id"`
	InitialStock   int       `db:"initial_stock" json:"initial_stock"`
	ReservedStock  int       `db:"reserved_stock" json:"reserved_stock"`
	PriceCents     int64     `db:"price_cents" json:"price_cents"`
	Currency       string    `db:"currency" json:"currency"`
	MaxPerCustomer *int      `db:"max_per_customer" json:"max_per_customer,omitempty"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// AvailableStock returns the quantity that can still be reserved
func (v *ProductVariant) AvailableStock() int {
	return v.InitialStock - v.ReservedStock
}

// InventoryLog is an append-only record of a stock-affecting event
type InventoryLog struct {
	ID           int64     `db:"id" json:"id"`
	VariantID    int64     `db:"variant_id" json:"variant_id"`
	ChangeType   string    `db:"change_type" json:"change_type"`
	QuantityDiff int       `db:"quantity_diff" json:"quantity_diff"`
	OrderID      *int64    `db:"order_id" json:"order_id,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Inventory log change types
const (
	ChangeReserve           = "RESERVE"
	ChangeRelease           = "RELEASE"
	ChangeReleaseExpired    = "RELEASE_EXPIRED"
	ChangeCheckoutConfirmed = "CHECKOUT_CONFIRMED"
)

// Order represents a paid customer order
type Order struct {
	ID                    int64     `db:"id" json:"id"`
	OrderNumber           string    `db:"order_number" json:"order_number"`
	UserID                *string   `db:"user_id" json:"user_id,omitempty"`
	GuestEmail            *string   `db:"guest_email" json:"guest_email,omitempty"`
	Status                string    `db:"status" json:"status"`
	TotalCents            int64     `db:"total_cents" json:"total_cents"`
	Currency              string    `db:"currency" json:"currency"`
	StripePaymentIntentID string    `db:"stripe_payment_intent_id" json:"stripe_payment_intent_id"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem is the price snapshot of one reserved line at confirmation time
type OrderItem struct {
	ID              int64  `db:"id" json:"id"`
	OrderID         int64  `db:"order_id" json:"order_id"`
	VariantID       int64  `db:"variant_id" json:"variant_id"`
	ProductID       int64  `db:"product_id" json:"product_id"`
	Quantity        int    `db:"quantity" json:"quantity"`
	UnitPriceCents  int64  `db:"unit_price_cents" json:"unit_price_cents"`
	TotalPriceCents int64  `db:"total_price_cents" json:"total_price_cents"`
	Currency        string `db:"currency" json:"currency"`
}

// Order statuses
const (
	OrderStatusPaid      = "PAID"
	OrderStatusShipped   = "SHIPPED"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRefunded  = "REFUNDED"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// AbandonedCart keeps the contents of an expired reservation for recovery campaigns
type AbandonedCart struct {
	ID            int64     `db:"id" json:"id"`
	ReservationID string    `db:"reservation_id" json:"reservation_id"`
	CallerID      string    `db:"caller_id" json:"caller_id"`
	Email         *string   `db:"email" json:"email,omitempty"`
	Items         []byte    `db:"items" json:"items"`
	TotalCents    int64     `db:"total_cents" json:"total_cents"`
	Currency      string    `db:"currency" json:"currency"`
	ExpiredAt     time.Time `db:"expired_at" json:"expired_at"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
