package models

import "time"

// Event types
const (
	EventTypeReservationCreated   = "RESERVATION_CREATED"
	EventTypeReservationConfirmed = "RESERVATION_CONFIRMED"
	EventTypeReservationCancelled = "RESERVATION_CANCELLED"
	EventTypeReservationExpired   = "RESERVATION_EXPIRED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ReservationCreatedEvent published when stock is put on hold
type ReservationCreatedEvent struct {
	BaseEvent
	ReservationID string            `json:"reservation_id"`
	CallerID      string            `json:"caller_id"`
	TotalCents    int64             `json:"total_cents"`
	Currency      string            `json:"currency"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Items         []ReservationItem `json:"items"`
}

// ReservationConfirmedEvent published when a hold becomes a paid order
type ReservationConfirmedEvent struct {
	BaseEvent
	ReservationID   string `json:"reservation_id"`
	OrderID         int64  `json:"order_id"`
	OrderNumber     string `json:"order_number"`
	PaymentIntentID string `json:"payment_intent_id"`
	TotalCents      int64  `json:"total_cents"`
}

// ReservationCancelledEvent published when a hold is released by its owner
type ReservationCancelledEvent struct {
	BaseEvent
	ReservationID string `json:"reservation_id"`
	CallerID      string `json:"caller_id"`
	Reason        string `json:"reason"`
}

// ReservationExpiredEvent published by the sweeper; carries the full hold for recovery
type ReservationExpiredEvent struct {
	BaseEvent
	Reservation Reservation `json:"reservation"`
}
