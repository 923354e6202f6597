package store

import (
	"context"
	"os"
	"testing"

	"reservation-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires database (set TEST_DATABASE_URL)")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedVariant(t *testing.T, s *Store, initial int) int64 {
	t.Helper()
	ctx := context.Background()

	var productID int64
	require.NoError(t, s.GetDB().GetContext(ctx, &productID,
		"INSERT INTO products (name) VALUES ('test product') RETURNING id"))

	var variantID int64
	require.NoError(t, s.GetDB().GetContext(ctx, &variantID,
		"INSERT INTO product_variants (product_id, initial_stock, price_cents, currency) VALUES ($1, $2, 1500, 'usd') RETURNING id",
		productID, initial))
	return variantID
}

func TestReserveAndReleaseStock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	variantID := seedVariant(t, s, 5)

	err := s.WithTransaction(ctx, func(tx Tx) error {
		v, err := tx.LockVariant(ctx, variantID)
		if err != nil {
			return err
		}
		assert.Equal(t, 5, v.AvailableStock())
		if err := tx.AdjustReservedStock(ctx, variantID, 3); err != nil {
			return err
		}
		return tx.AppendInventoryLog(ctx, &models.InventoryLog{
			VariantID: variantID, ChangeType: models.ChangeReserve, QuantityDiff: 3,
		})
	})
	require.NoError(t, err)

	v, err := s.GetVariant(ctx, variantID)
	require.NoError(t, err)
	assert.Equal(t, 3, v.ReservedStock)

	err = s.WithTransaction(ctx, func(tx Tx) error {
		return tx.AdjustReservedStock(ctx, variantID, 3)
	})
	assert.ErrorIs(t, err, ErrStockConflict)
}

func TestRollbackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	variantID := seedVariant(t, s, 2)

	err := s.WithTransaction(ctx, func(tx Tx) error {
		if err := tx.AdjustReservedStock(ctx, variantID, 1); err != nil {
			return err
		}
		_, err := tx.LockVariant(ctx, -1)
		return err
	})
	assert.ErrorIs(t, err, ErrVariantNotFound)

	v, err := s.GetVariant(ctx, variantID)
	require.NoError(t, err)
	assert.Equal(t, 0, v.ReservedStock)
}
