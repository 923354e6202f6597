package store

import (
	"context"
	"errors"
	"testing"

	"reservation-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryLedger() *MemoryLedger {
	l := NewMemoryLedger()
	limit := 2
	l.AddProduct(10, &limit)
	l.AddVariant(models.ProductVariant{ID: 1, ProductID: 10, InitialStock: 5, PriceCents: 1000, Currency: "usd"})
	return l
}

func TestMemoryLedger_RollbackDiscardsChanges(t *testing.T) {
	l := newMemoryLedger()
	ctx := context.Background()

	boom := errors.New("boom")
	err := l.WithTransaction(ctx, func(tx Tx) error {
		require.NoError(t, tx.AdjustReservedStock(ctx, 1, 4))
		require.NoError(t, tx.AppendInventoryLog(ctx, &models.InventoryLog{VariantID: 1, ChangeType: models.ChangeReserve, QuantityDiff: 4}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := l.GetVariant(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, v.ReservedStock)
	assert.Empty(t, l.InventoryLogs())
}

func TestMemoryLedger_HooksFollowOutcome(t *testing.T) {
	l := newMemoryLedger()
	ctx := context.Background()

	var outcome []string
	err := l.WithTransaction(ctx, func(tx Tx) error {
		tx.OnCommit(func() { outcome = append(outcome, "commit") })
		tx.OnRollback(func() { outcome = append(outcome, "rollback") })
		return tx.AdjustReservedStock(ctx, 1, 1)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"commit"}, outcome)

	outcome = nil
	boom := errors.New("boom")
	err = l.WithTransaction(ctx, func(tx Tx) error {
		tx.OnCommit(func() { outcome = append(outcome, "commit") })
		tx.OnRollback(func() {
			// the ledger is unlocked by the time hooks run
			v, err := l.GetVariant(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, 1, v.ReservedStock)
			outcome = append(outcome, "rollback")
		})
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"rollback"}, outcome)
}

func TestMemoryLedger_StockBounds(t *testing.T) {
	l := newMemoryLedger()
	ctx := context.Background()

	err := l.WithTransaction(ctx, func(tx Tx) error {
		return tx.AdjustReservedStock(ctx, 1, 6)
	})
	assert.ErrorIs(t, err, ErrStockConflict)

	err = l.WithTransaction(ctx, func(tx Tx) error {
		return tx.AdjustReservedStock(ctx, 1, -1)
	})
	assert.ErrorIs(t, err, ErrStockConflict)

	err = l.WithTransaction(ctx, func(tx Tx) error {
		return tx.CommitSoldStock(ctx, 1, 1)
	})
	assert.ErrorIs(t, err, ErrStockConflict)
}

func TestMemoryLedger_CommitSoldStockReducesBothCounters(t *testing.T) {
	l := newMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.WithTransaction(ctx, func(tx Tx) error {
		return tx.AdjustReservedStock(ctx, 1, 2)
	}))
	require.NoError(t, l.WithTransaction(ctx, func(tx Tx) error {
		return tx.CommitSoldStock(ctx, 1, 2)
	}))

	v, err := l.GetVariant(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, v.InitialStock)
	assert.Equal(t, 0, v.ReservedStock)
	require.NotNil(t, v.MaxPerCustomer)
	assert.Equal(t, 2, *v.MaxPerCustomer)
}

func TestMemoryLedger_PurchasedQuantityIgnoresCancelledOrders(t *testing.T) {
	l := newMemoryLedger()
	ctx := context.Background()
	user := "u1"

	for i, status := range []string{models.OrderStatusPaid, models.OrderStatusCancelled} {
		order := &models.Order{UserID: &user, Status: status, StripePaymentIntentID: []string{"pi_a", "pi_b"}[i]}
		require.NoError(t, l.WithTransaction(ctx, func(tx Tx) error {
			if err := tx.CreateOrder(ctx, order); err != nil {
				return err
			}
			return tx.CreateOrderItem(ctx, &models.OrderItem{OrderID: order.ID, VariantID: 1, ProductID: 10, Quantity: 1})
		}))
	}

	err := l.WithTransaction(ctx, func(tx Tx) error {
		qty, err := tx.PurchasedQuantity(ctx, user, 10)
		assert.Equal(t, 1, qty)
		return err
	})
	require.NoError(t, err)
}

func TestMemoryLedger_ProcessedEventsAndCarts(t *testing.T) {
	l := newMemoryLedger()
	ctx := context.Background()

	processed, err := l.IsEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, l.MarkEventProcessed(ctx, "evt_1", "payment_intent.succeeded"))
	processed, err = l.IsEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)

	cart := &models.AbandonedCart{ReservationID: "r1", CallerID: "u1", Items: []byte(`[]`)}
	require.NoError(t, l.RecordAbandonedCart(ctx, cart))
	require.NoError(t, l.RecordAbandonedCart(ctx, cart))
	assert.Len(t, l.AbandonedCarts(), 1)
}
