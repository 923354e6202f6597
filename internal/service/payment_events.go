package service

import (
	"context"
	"fmt"

	"reservation-service/internal/payment"
	"reservation-service/internal/store"
	"reservation-service/internal/util"

	"go.uber.org/zap"
)

// Webhook handling outcomes
const (
	WebhookConfirmed       = "confirmed"
	WebhookReleased        = "released"
	WebhookAlreadyResolved = "already_resolved"
	WebhookDuplicate       = "duplicate"
	WebhookRejected        = "rejected"
	WebhookIgnored         = "ignored"
)

// PaymentEventHandler applies verified gateway notifications to reservations
type PaymentEventHandler struct {
	ledger       store.Ledger
	reservations *ReservationService
	logger       *zap.Logger
}

// NewPaymentEventHandler creates a new payment event handler
func NewPaymentEventHandler(ledger store.Ledger, reservations *ReservationService) *PaymentEventHandler {
	return &PaymentEventHandler{
		ledger:       ledger,
		reservations: reservations,
		logger:       util.GetLogger(),
	}
}

// Handle processes one webhook event at most once. A returned error means the
// gateway should redeliver.
func (h *PaymentEventHandler) Handle(ctx context.Context, event *payment.WebhookEvent) (string, error) {
	ctx, span := util.StartSpan(ctx, "PaymentEventHandler.Handle")
	defer span.End()

	processed, err := h.ledger.IsEventProcessed(ctx, event.ID)
	if err != nil {
		return "", fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		h.logger.Info("Event already processed", zap.String("event_id", event.ID))
		util.WebhookEventsTotal.WithLabelValues(event.Type, WebhookDuplicate).Inc()
		return WebhookDuplicate, nil
	}

	reservationID := event.Intent.Metadata[payment.MetadataReservationID]
	var result string

	switch {
	case reservationID == "":
		result = WebhookIgnored
	case event.Type == payment.EventIntentSucceeded:
		result, err = h.handleSucceeded(ctx, reservationID, event)
	case event.Type == payment.EventIntentPaymentFailed, event.Type == payment.EventIntentCanceled:
		result, err = h.handleFailed(ctx, reservationID, event)
	default:
		result = WebhookIgnored
	}
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(event.Type, "error").Inc()
		return "", err
	}

	if err := h.ledger.MarkEventProcessed(ctx, event.ID, event.Type); err != nil {
		h.logger.Error("Failed to mark event processed", zap.String("event_id", event.ID), zap.Error(err))
	}
	util.WebhookEventsTotal.WithLabelValues(event.Type, result).Inc()
	return result, nil
}

func (h *PaymentEventHandler) handleSucceeded(ctx context.Context, reservationID string, event *payment.WebhookEvent) (string, error) {
	h.logger.Info("Handling payment success",
		zap.String("reservation_id", reservationID),
		zap.String("intent_id", event.Intent.ID))

	resp, err := h.reservations.ConfirmFromPayment(ctx, reservationID, event.Intent.ID)
	if err == nil {
		h.logger.Info("Order confirmed from webhook",
			zap.String("reservation_id", reservationID),
			zap.Int64("order_id", resp.OrderID))
		return WebhookConfirmed, nil
	}

	switch CodeOf(err) {
	case CodeReservationNotFound:
		return WebhookAlreadyResolved, nil
	case CodePaymentFailed:
		h.logger.Warn("Webhook confirmation rejected",
			zap.String("reservation_id", reservationID),
			zap.Error(err))
		return WebhookRejected, nil
	default:
		return "", err
	}
}

func (h *PaymentEventHandler) handleFailed(ctx context.Context, reservationID string, event *payment.WebhookEvent) (string, error) {
	h.logger.Warn("Handling payment failure - releasing reservation",
		zap.String("reservation_id", reservationID),
		zap.String("intent_id", event.Intent.ID),
		zap.String("event_type", event.Type))

	released, err := h.reservations.CancelFromPayment(ctx, reservationID, event.Type)
	if err != nil {
		return "", err
	}
	if !released {
		return WebhookAlreadyResolved, nil
	}
	return WebhookReleased, nil
}
