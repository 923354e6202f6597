package payment

import (
	"context"
	"errors"
)

// Intent statuses reported by the gateway
const (
	StatusRequiresPaymentMethod = "requires_payment_method"
	StatusRequiresConfirmation  = "requires_confirmation"
	StatusRequiresAction        = "requires_action"
	StatusProcessing            = "processing"
	StatusSucceeded             = "succeeded"
	StatusCanceled              = "canceled"
)

// Webhook event types the service reacts to
const (
	EventIntentSucceeded     = "payment_intent.succeeded"
	EventIntentPaymentFailed = "payment_intent.payment_failed"
	EventIntentCanceled      = "payment_intent.canceled"
)

// Metadata keys attached to every intent
const (
	MetadataReservationID = "reservation_id"
	MetadataCallerID      = "caller_id"
)

var (
	// ErrIntentNotFound is returned when the gateway does not know an intent id
	ErrIntentNotFound = errors.New("payment intent not found")
	// ErrInvalidSignature is returned when a webhook payload fails verification
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Gateway is the payment provider used by the reservation flow
type Gateway interface {
	// CreateIntent creates an intent; calls sharing an idempotency key return the same intent
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error)
	RetrieveIntent(ctx context.Context, id string) (*Intent, error)
	// ConstructEvent verifies a webhook signature header and decodes the event
	ConstructEvent(payload []byte, signatureHeader string) (*WebhookEvent, error)
}

// CreateIntentRequest describes a payment intent to create
type CreateIntentRequest struct {
	AmountCents    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
	ReceiptEmail   string
}

// Intent is the provider-side payment object
type Intent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Status       string            `json:"status"`
	AmountCents  int64             `json:"amount"`
	Currency     string            `json:"currency"`
	ReceiptEmail string            `json:"receipt_email,omitempty"`
	Metadata     map[string]string `json:"metadata"`
}

// Succeeded returns whether the intent has been paid
func (i *Intent) Succeeded() bool {
	return i.Status == StatusSucceeded
}

// WebhookEvent is a verified gateway notification about an intent
type WebhookEvent struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Intent Intent `json:"-"`
}
