package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"reservation-service/internal/models"
	"reservation-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes reservation lifecycle events. Publishing is best effort:
// failures are logged and counted, never returned to the caller.
type EventPublisher struct {
	writer MessageWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(writer MessageWriter) *EventPublisher {
	return &EventPublisher{writer: writer, logger: util.GetLogger(), now: time.Now}
}

func (ep *EventPublisher) base(eventType string) models.BaseEvent {
	ts := time.Now()
	if ep != nil && ep.now != nil {
		ts = ep.now()
	}
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: ts,
	}
}

func (ep *EventPublisher) publish(ctx context.Context, reservationID, eventType string, event interface{}) {
	if ep == nil || ep.writer == nil {
		return
	}
	if err := ep.writer.PublishEvent(ctx, "reservation-"+reservationID, event); err != nil {
		util.EventPublishFailuresTotal.WithLabelValues(eventType).Inc()
		ep.logger.Warn("Failed to publish reservation event",
			zap.String("event_type", eventType),
			zap.String("reservation_id", reservationID),
			zap.Error(err))
		return
	}
	util.EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// PublishReservationCreated publishes RESERVATION_CREATED
func (ep *EventPublisher) PublishReservationCreated(ctx context.Context, r *models.Reservation) {
	ep.publish(ctx, r.ID, models.EventTypeReservationCreated, &models.ReservationCreatedEvent{
		BaseEvent:     ep.base(models.EventTypeReservationCreated),
		ReservationID: r.ID,
		CallerID:      r.CallerID,
		TotalCents:    r.TotalCents,
		Currency:      r.Currency,
		ExpiresAt:     r.ExpiresAt,
		Items:         r.Items,
	})
}

// PublishReservationConfirmed publishes RESERVATION_CONFIRMED
func (ep *EventPublisher) PublishReservationConfirmed(ctx context.Context, r *models.Reservation, order *models.Order) {
	ep.publish(ctx, r.ID, models.EventTypeReservationConfirmed, &models.ReservationConfirmedEvent{
		BaseEvent:       ep.base(models.EventTypeReservationConfirmed),
		ReservationID:   r.ID,
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		PaymentIntentID: order.StripePaymentIntentID,
		TotalCents:      order.TotalCents,
	})
}

// PublishReservationCancelled publishes RESERVATION_CANCELLED
func (ep *EventPublisher) PublishReservationCancelled(ctx context.Context, r *models.Reservation, reason string) {
	ep.publish(ctx, r.ID, models.EventTypeReservationCancelled, &models.ReservationCancelledEvent{
		BaseEvent:     ep.base(models.EventTypeReservationCancelled),
		ReservationID: r.ID,
		CallerID:      r.CallerID,
		Reason:        reason,
	})
}

// PublishReservationExpired publishes RESERVATION_EXPIRED with the full hold
func (ep *EventPublisher) PublishReservationExpired(ctx context.Context, r *models.Reservation) {
	ep.publish(ctx, r.ID, models.EventTypeReservationExpired, &models.ReservationExpiredEvent{
		BaseEvent:   ep.base(models.EventTypeReservationExpired),
		Reservation: *r,
	})
}

// EventHandler handles incoming events
type EventHandler struct {
	onReservationExpired func(context.Context, *models.ReservationExpiredEvent) error
	logger               *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnReservationExpired registers a handler for RESERVATION_EXPIRED events
func (eh *EventHandler) OnReservationExpired(handler func(context.Context, *models.ReservationExpiredEvent) error) {
	eh.onReservationExpired = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeReservationExpired:
		if eh.onReservationExpired != nil {
			var event models.ReservationExpiredEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal ReservationExpired event: %w", err)
			}
			return eh.onReservationExpired(ctx, &event)
		}
	}

	return nil
}
