package models

import (
	"net/http"
	"time"
)

// ReservationItem is one held line of a reservation
type ReservationItem struct {
	VariantID       int64  `json:"variant_id"`
	ProductID       int64  `json:"product_id"`
	Quantity        int    `json:"quantity"`
	UnitPriceCents  int64  `json:"unit_price_cents"`
	TotalPriceCents int64  `json:"total_price_cents"`
	Currency        string `json:"currency"`
}

// Reservation is the transient stock hold kept in the cache
type Reservation struct {
	ID              string            `json:"id"`
	CallerID        string            `json:"caller_id"`
	Email           string            `json:"email,omitempty"`
	Items           []ReservationItem `json:"items"`
	TotalCents      int64             `json:"total_cents"`
	Currency        string            `json:"currency"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	PaymentIntentID string            `json:"payment_intent_id,omitempty"`
	ClientSecret    string            `json:"client_secret,omitempty"`
}

// Expired reports whether the hold has outlived its expiry at the given instant
func (r *Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Remaining returns the time left before expiry, never negative
func (r *Reservation) Remaining(now time.Time) time.Duration {
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IdempotencyRecord is the snapshot of the first response to a mutating request
type IdempotencyRecord struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`
}
