package service

import (
	"context"
	"errors"

	"reservation-service/internal/models"
	"reservation-service/internal/store"
	"reservation-service/internal/util"
)

// Availability is the stock view of one variant
type Availability struct {
	VariantID      int64  `json:"variant_id"`
	ProductID      int64  `json:"product_id"`
	InitialStock   int    `json:"initial_stock"`
	ReservedStock  int    `json:"reserved_stock"`
	AvailableStock int    `json:"available_stock"`
	PriceCents     int64  `json:"price_cents"`
	Currency       string `json:"currency"`
	MaxPerCustomer *int   `json:"max_per_customer,omitempty"`
}

// GetAvailability reads a variant's stock counters without locking
func (s *ReservationService) GetAvailability(ctx context.Context, variantID int64) (*Availability, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.GetAvailability")
	defer span.End()

	v, err := s.ledger.GetVariant(ctx, variantID)
	if errors.Is(err, store.ErrVariantNotFound) {
		return nil, newError(CodeVariantNotFound, "product variant %d not found", variantID)
	}
	if err != nil {
		return nil, wrapError(CodeTransactionFailure, err, "failed to load variant")
	}

	return &Availability{
		VariantID:      v.ID,
		ProductID:      v.ProductID,
		InitialStock:   v.InitialStock,
		ReservedStock:  v.ReservedStock,
		AvailableStock: v.AvailableStock(),
		PriceCents:     v.PriceCents,
		Currency:       v.Currency,
		MaxPerCustomer: v.MaxPerCustomer,
	}, nil
}

// GetOrder retrieves an order and its items by ID
func (s *ReservationService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.GetOrder")
	defer span.End()

	order, err := s.ledger.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	items, err := s.ledger.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	return order, items, nil
}
