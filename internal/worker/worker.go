package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"reservation-service/internal/broker"
	"reservation-service/internal/models"
	"reservation-service/internal/store"
	"reservation-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// RecoveryWorker turns expired reservations into abandoned cart rows
type RecoveryWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	ledger       store.Ledger
	logger       *zap.Logger
}

// NewRecoveryWorker creates a new recovery worker. consumer may be nil when events
// are delivered in-process through HandleMessage.
func NewRecoveryWorker(consumer *broker.Consumer, ledger store.Ledger) *RecoveryWorker {
	w := &RecoveryWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		ledger:       ledger,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnReservationExpired(w.HandleExpired)
	return w
}

// HandleMessage routes one raw lifecycle event
func (w *RecoveryWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return w.eventHandler.HandleMessage(ctx, msg)
}

// HandleExpired records the contents of an expired reservation once per event
func (w *RecoveryWorker) HandleExpired(ctx context.Context, event *models.ReservationExpiredEvent) error {
	ctx, span := util.StartSpan(ctx, "RecoveryWorker.HandleExpired")
	defer span.End()

	processed, err := w.ledger.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		w.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	r := event.Reservation
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal cart items: %w", err)
	}

	cart := &models.AbandonedCart{
		ReservationID: r.ID,
		CallerID:      r.CallerID,
		Items:         items,
		TotalCents:    r.TotalCents,
		Currency:      r.Currency,
		ExpiredAt:     r.ExpiresAt,
	}
	if r.Email != "" {
		email := r.Email
		cart.Email = &email
	}

	if err := w.ledger.RecordAbandonedCart(ctx, cart); err != nil {
		return err
	}
	if err := w.ledger.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		w.logger.Warn("Failed to mark event processed", zap.String("event_id", event.EventID), zap.Error(err))
	}

	util.AbandonedCartsRecordedTotal.Inc()
	w.logger.Info("Abandoned cart recorded",
		zap.String("reservation_id", r.ID),
		zap.String("caller_id", r.CallerID),
		zap.Int64("total_cents", r.TotalCents))
	return nil
}

// Start consumes lifecycle events until ctx is cancelled
func (w *RecoveryWorker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return nil
	}
	w.logger.Info("Starting recovery worker")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// Stop stops the worker
func (w *RecoveryWorker) Stop() error {
	if w.consumer == nil {
		return nil
	}
	w.logger.Info("Stopping recovery worker")
	return w.consumer.Close()
}
