package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"reservation-service/internal/models"
	"reservation-service/internal/service"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryWorker_RecordsSweptReservations(t *testing.T) {
	e := newEnv(t)
	r := e.reserve(t, "u1", 2, 3)
	e.advance(601 * time.Second)

	_, err := e.sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	carts := e.ledger.AbandonedCarts()
	require.Len(t, carts, 1)
	cart := carts[0]
	assert.Equal(t, r.ID, cart.ReservationID)
	assert.Equal(t, "u1", cart.CallerID)
	require.NotNil(t, cart.Email)
	assert.Equal(t, "u1@example.com", *cart.Email)
	assert.Equal(t, int64(750), cart.TotalCents)
	assert.True(t, r.ExpiresAt.Equal(cart.ExpiredAt))

	var items []models.ReservationItem
	require.NoError(t, json.Unmarshal(cart.Items, &items))
	require.Len(t, items, 1)
	assert.Equal(t, int64(2), items[0].VariantID)
	assert.Equal(t, 3, items[0].Quantity)
}

func TestRecoveryWorker_CancelledReservationsAreNotCarts(t *testing.T) {
	e := newEnv(t)
	r := e.reserve(t, "u1", 1, 1)

	_, err := e.svc.Cancel(context.Background(), service.CancelRequest{CallerID: "u1", ReservationID: r.ID})
	require.NoError(t, err)
	assert.Empty(t, e.ledger.AbandonedCarts())
}

func TestRecoveryWorker_DuplicateDeliveryIsIgnored(t *testing.T) {
	e := newEnv(t)
	event := &models.ReservationExpiredEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-1", EventType: models.EventTypeReservationExpired, Timestamp: time.Now()},
		Reservation: models.Reservation{
			ID:         "r1",
			CallerID:   "guest:abc",
			Items:      []models.ReservationItem{{VariantID: 1, Quantity: 2}},
			TotalCents: 2000,
			Currency:   "usd",
		},
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.recovery.HandleMessage(context.Background(), kafka.Message{Value: payload}))
	}

	carts := e.ledger.AbandonedCarts()
	require.Len(t, carts, 1)
	assert.Nil(t, carts[0].Email)
	assert.Equal(t, "guest:abc", carts[0].CallerID)
}

func TestRecoveryWorker_StartWithoutConsumerReturns(t *testing.T) {
	e := newEnv(t)
	assert.NoError(t, e.recovery.Start(context.Background()))
	assert.NoError(t, e.recovery.Stop())
}
