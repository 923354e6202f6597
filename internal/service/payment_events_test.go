package service

import (
	"context"
	"testing"

	"reservation-service/internal/models"
	"reservation-service/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) webhook(t *testing.T, eventID, eventType, intentID string) *payment.WebhookEvent {
	payload, header, err := f.gateway.SignedEvent(eventID, eventType, intentID)
	require.NoError(t, err)
	event, err := f.gateway.ConstructEvent(payload, header)
	require.NoError(t, err)
	return event
}

func TestPaymentEventHandler_SucceededConfirmsOnce(t *testing.T) {
	f := newFixture(t)
	h := NewPaymentEventHandler(f.ledger, f.svc)
	ctx := context.Background()

	r := f.reserve(t, "guest:g1", ItemRequest{VariantID: 2, Quantity: 2})
	intent := f.pay(t, "", r)
	event := f.webhook(t, "evt_1", payment.EventIntentSucceeded, intent.PaymentIntentID)

	result, err := h.Handle(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, WebhookConfirmed, result)
	require.Len(t, f.ledger.Orders(), 1)
	assert.Equal(t, 8, f.variant(t, 2).InitialStock)

	result, err = h.Handle(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, result)

	redelivered := f.webhook(t, "evt_2", payment.EventIntentSucceeded, intent.PaymentIntentID)
	result, err = h.Handle(ctx, redelivered)
	require.NoError(t, err)
	assert.Equal(t, WebhookAlreadyResolved, result)
	assert.Len(t, f.ledger.Orders(), 1)
}

func TestPaymentEventHandler_FailureReleasesStock(t *testing.T) {
	f := newFixture(t)
	f.gateway.SetAutoSucceed(false)
	h := NewPaymentEventHandler(f.ledger, f.svc)
	ctx := context.Background()

	r := f.reserve(t, "u1", ItemRequest{VariantID: 1, Quantity: 3})
	intent := f.pay(t, "u1", r)
	f.gateway.SetStatus(intent.PaymentIntentID, payment.StatusCanceled)

	result, err := h.Handle(ctx, f.webhook(t, "evt_fail", payment.EventIntentPaymentFailed, intent.PaymentIntentID))
	require.NoError(t, err)
	assert.Equal(t, WebhookReleased, result)
	assert.Equal(t, 0, f.variant(t, 1).ReservedStock)
	assert.Empty(t, f.ledger.Orders())

	result, err = h.Handle(ctx, f.webhook(t, "evt_cancel", payment.EventIntentCanceled, intent.PaymentIntentID))
	require.NoError(t, err)
	assert.Equal(t, WebhookAlreadyResolved, result)
	assert.Contains(t, f.eventTypes(), models.EventTypeReservationCancelled)
}

func TestPaymentEventHandler_SucceededButNotPaidIsRejected(t *testing.T) {
	f := newFixture(t)
	f.gateway.SetAutoSucceed(false)
	h := NewPaymentEventHandler(f.ledger, f.svc)

	r := f.reserve(t, "u1", ItemRequest{VariantID: 1, Quantity: 1})
	intent := f.pay(t, "u1", r)

	// forged success type while the gateway still reports the intent unpaid
	result, err := h.Handle(context.Background(), f.webhook(t, "evt_x", payment.EventIntentSucceeded, intent.PaymentIntentID))
	require.NoError(t, err)
	assert.Equal(t, WebhookRejected, result)
	assert.Empty(t, f.ledger.Orders())
}

func TestPaymentEventHandler_IgnoresUnrelatedEvents(t *testing.T) {
	f := newFixture(t)
	h := NewPaymentEventHandler(f.ledger, f.svc)

	result, err := h.Handle(context.Background(), &payment.WebhookEvent{
		ID:     "evt_other",
		Type:   "charge.refunded",
		Intent: payment.Intent{ID: "pi_1", Metadata: map[string]string{payment.MetadataReservationID: "r1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, result)

	result, err = h.Handle(context.Background(), &payment.WebhookEvent{
		ID:   "evt_no_meta",
		Type: payment.EventIntentSucceeded,
	})
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, result)
}
