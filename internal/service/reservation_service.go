package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reservation-service/internal/broker"
	"reservation-service/internal/cache"
	"reservation-service/internal/models"
	"reservation-service/internal/payment"
	"reservation-service/internal/store"
	"reservation-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds the reservation timing knobs
type Config struct {
	// ReservationTTL is how long stock stays on hold; expiresAt is never extended
	ReservationTTL time.Duration
	// GracePeriod keeps the cache record alive past expiry so the sweeper can release it
	GracePeriod time.Duration
}

// DefaultConfig returns a 10 minute hold with a one hour sweep grace
func DefaultConfig() Config {
	return Config{ReservationTTL: 10 * time.Minute, GracePeriod: time.Hour}
}

// ReservationService orchestrates reserve, payment, confirm, cancel and expiry
type ReservationService struct {
	ledger  store.Ledger
	cache   cache.Cache
	gateway payment.Gateway
	events  *broker.EventPublisher
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

// NewReservationService creates a new reservation service
func NewReservationService(
	ledger store.Ledger,
	c cache.Cache,
	gateway payment.Gateway,
	events *broker.EventPublisher,
	cfg Config,
) *ReservationService {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultConfig().ReservationTTL
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	return &ReservationService{
		ledger:  ledger,
		cache:   c,
		gateway: gateway,
		events:  events,
		cfg:     cfg,
		now:     time.Now,
		logger:  util.GetLogger(),
	}
}

// SetClock replaces the service clock
func (s *ReservationService) SetClock(now func() time.Time) {
	s.now = now
}

// ItemRequest is one requested line of a reservation
type ItemRequest struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

// ReserveRequest represents a request to hold stock
type ReserveRequest struct {
	CallerID string        `json:"-"`
	Items    []ItemRequest `json:"items"`
	Email    string        `json:"email,omitempty"`
}

// PaymentIntentRequest asks for a payment intent on a reservation
type PaymentIntentRequest struct {
	CallerID      string
	ReservationID string
}

// PaymentIntentResponse carries what the client needs to collect payment
type PaymentIntentResponse struct {
	ClientSecret    string `json:"client_secret"`
	PaymentIntentID string `json:"payment_intent_id"`
	AmountCents     int64  `json:"amount"`
	Currency        string `json:"currency"`
}

// ConfirmRequest converts a paid reservation into an order
type ConfirmRequest struct {
	CallerID        string   `json:"-"`
	ReservationID   string   `json:"-"`
	PaymentIntentID string   `json:"payment_intent_id"`
	Email           string   `json:"email,omitempty"`
	Tx              store.Tx `json:"-"`
}

// ConfirmResponse describes the created order
type ConfirmResponse struct {
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	TotalCents  int64  `json:"total_cents"`
}

// CancelRequest releases a reservation on behalf of its owner
type CancelRequest struct {
	CallerID      string
	ReservationID string
}

// Cancel outcomes
const (
	CancelStatusCancelled   = "cancelled"
	CancelStatusAlreadyGone = "already_gone"
)

// CancelResponse reports whether stock was released by this call
type CancelResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StatusRequest asks for the state of a reservation
type StatusRequest struct {
	CallerID      string
	ReservationID string
}

// Reservation statuses
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// StatusResponse is the read-only view of a reservation
type StatusResponse struct {
	Status           string     `json:"status"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	SecondsRemaining int64      `json:"seconds_remaining"`
}

// Reserve holds stock for every requested item or for none of them
func (s *ReservationService) Reserve(ctx context.Context, req ReserveRequest) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if err := validateReserve(req); err != nil {
		return nil, s.fail("reserve", err)
	}

	reservationID := uuid.New().String()
	acquired, err := s.cache.AcquireActive(ctx, req.CallerID, reservationID, s.cfg.ReservationTTL)
	if err != nil {
		return nil, s.fail("reserve", wrapError(CodeTransactionFailure, err, "failed to acquire active reservation"))
	}
	if !acquired {
		return nil, s.fail("reserve", newError(CodeActiveReservationExists, "caller already holds an active reservation"))
	}

	var items []models.ReservationItem
	var total int64
	var currency string

	err = s.ledger.WithTransaction(ctx, func(tx store.Tx) error {
		items = make([]models.ReservationItem, 0, len(req.Items))
		total = 0
		currency = ""
		requested := make(map[int64]int)

		for _, item := range req.Items {
			variant, err := tx.LockVariant(ctx, item.VariantID)
			if errors.Is(err, store.ErrVariantNotFound) {
				return newError(CodeVariantNotFound, "product variant %d not found", item.VariantID)
			}
			if err != nil {
				return err
			}

			if variant.AvailableStock() < item.Quantity {
				return newError(CodeInsufficientStock, "insufficient stock for variant %d: requested %d, available %d",
					item.VariantID, item.Quantity, variant.AvailableStock())
			}

			if variant.MaxPerCustomer != nil && !models.IsGuest(req.CallerID) {
				past, err := tx.PurchasedQuantity(ctx, req.CallerID, variant.ProductID)
				if err != nil {
					return err
				}
				if past+requested[variant.ProductID]+item.Quantity > *variant.MaxPerCustomer {
					return newError(CodeMaxPerCustomerExceeded, "product %d is limited to %d per customer",
						variant.ProductID, *variant.MaxPerCustomer)
				}
			}

			if currency == "" {
				currency = variant.Currency
			} else if !strings.EqualFold(currency, variant.Currency) {
				return newError(CodeInvalidRequest, "items must share one currency")
			}

			if err := tx.AdjustReservedStock(ctx, variant.ID, item.Quantity); err != nil {
				if errors.Is(err, store.ErrStockConflict) {
					return newError(CodeInsufficientStock, "insufficient stock for variant %d", item.VariantID)
				}
				return err
			}
			if err := tx.AppendInventoryLog(ctx, &models.InventoryLog{
				VariantID:    variant.ID,
				ChangeType:   models.ChangeReserve,
				QuantityDiff: item.Quantity,
			}); err != nil {
				return err
			}

			lineTotal := variant.PriceCents * int64(item.Quantity)
			total += lineTotal
			requested[variant.ProductID] += item.Quantity
			items = append(items, models.ReservationItem{
				VariantID:       variant.ID,
				ProductID:       variant.ProductID,
				Quantity:        item.Quantity,
				UnitPriceCents:  variant.PriceCents,
				TotalPriceCents: lineTotal,
				Currency:        variant.Currency,
			})
		}
		return nil
	})
	if err != nil {
		s.releaseActiveKey(ctx, req.CallerID, reservationID)
		return nil, s.fail("reserve", asTransactionFailure(err, "failed to reserve stock"))
	}

	now := s.now()
	reservation := &models.Reservation{
		ID:         reservationID,
		CallerID:   req.CallerID,
		Email:      req.Email,
		Items:      items,
		TotalCents: total,
		Currency:   currency,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.ReservationTTL),
	}

	// the stock is committed; the cache write must not be abandoned with the request
	saveCtx := context.WithoutCancel(ctx)
	if err := s.cache.SaveReservation(saveCtx, reservation, s.cfg.ReservationTTL+s.cfg.GracePeriod, s.cfg.ReservationTTL); err != nil {
		s.logger.Error("Failed to cache reservation, releasing stock",
			zap.String("reservation_id", reservationID),
			zap.Error(err))
		if relErr := s.releaseItems(saveCtx, reservation, models.ChangeRelease); relErr != nil {
			s.logger.Error("Failed to release stock of uncached reservation",
				zap.String("reservation_id", reservationID),
				zap.Any("items", items),
				zap.Error(relErr))
		}
		s.releaseActiveKey(saveCtx, req.CallerID, reservationID)
		return nil, s.fail("reserve", wrapError(CodeTransactionFailure, err, "failed to store reservation"))
	}

	util.ReservationsCreatedTotal.Inc()
	s.logger.Info("Reservation created",
		zap.String("reservation_id", reservationID),
		zap.String("caller_id", req.CallerID),
		zap.Int64("total_cents", total),
		zap.Time("expires_at", reservation.ExpiresAt))
	s.events.PublishReservationCreated(ctx, reservation)

	return reservation, nil
}

func validateReserve(req ReserveRequest) error {
	if strings.TrimSpace(req.CallerID) == "" {
		return newError(CodeInvalidRequest, "caller id is required")
	}
	if len(req.Items) == 0 {
		return newError(CodeInvalidRequest, "at least one item is required")
	}
	for i, item := range req.Items {
		if item.VariantID <= 0 {
			return newError(CodeInvalidRequest, "item %d: variant_id must be positive", i)
		}
		if item.Quantity <= 0 {
			return newError(CodeInvalidRequest, "item %d: quantity must be positive", i)
		}
	}
	return nil
}

// CreatePaymentIntent creates or returns the single payment intent of a reservation
func (s *ReservationService) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntentResponse, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.CreatePaymentIntent")
	defer span.End()

	if req.ReservationID == "" {
		return nil, s.fail("payment_intent", newError(CodeInvalidRequest, "reservation id is required"))
	}

	r, err := s.loadLive(ctx, req.ReservationID)
	if err != nil {
		return nil, s.fail("payment_intent", err)
	}
	remaining := r.Remaining(s.now())

	if req.CallerID != r.CallerID {
		switch {
		case req.CallerID == "" && models.IsGuest(r.CallerID):
			// anonymous access to a guest reservation
		case req.CallerID != "" && !models.IsGuest(req.CallerID) && models.IsGuest(r.CallerID):
			if err := s.claimGuest(ctx, r, req.CallerID, remaining); err != nil {
				return nil, s.fail("payment_intent", err)
			}
		default:
			return nil, s.fail("payment_intent", newError(CodeReservationUserMismatch, "reservation belongs to another caller"))
		}
	}

	if r.PaymentIntentID != "" {
		return intentResponse(r), nil
	}

	intent, err := s.gateway.CreateIntent(ctx, payment.CreateIntentRequest{
		AmountCents: r.TotalCents,
		Currency:    r.Currency,
		Metadata: map[string]string{
			payment.MetadataReservationID: r.ID,
			payment.MetadataCallerID:      r.CallerID,
		},
		IdempotencyKey: r.ID,
		ReceiptEmail:   r.Email,
	})
	if err != nil {
		return nil, s.fail("payment_intent", wrapError(CodePaymentFailed, err, "failed to create payment intent"))
	}

	r.PaymentIntentID = intent.ID
	r.ClientSecret = intent.ClientSecret
	if err := s.cache.UpdateReservation(ctx, r, remaining+s.cfg.GracePeriod); err != nil {
		if errors.Is(err, cache.ErrReservationGone) {
			return nil, s.fail("payment_intent", newError(CodeReservationNotFound, "reservation resolved while creating payment intent"))
		}
		return nil, s.fail("payment_intent", wrapError(CodeTransactionFailure, err, "failed to store payment intent"))
	}

	s.logger.Info("Payment intent attached",
		zap.String("reservation_id", r.ID),
		zap.String("intent_id", intent.ID))
	return intentResponse(r), nil
}

// claimGuest hands a guest reservation and its active key to an authenticated caller
func (s *ReservationService) claimGuest(ctx context.Context, r *models.Reservation, callerID string, remaining time.Duration) error {
	previous := r.CallerID
	r.CallerID = callerID
	err := s.cache.TransferOwnership(ctx, r, previous, remaining+s.cfg.GracePeriod, remaining)
	switch {
	case errors.Is(err, cache.ErrReservationGone):
		return newError(CodeReservationNotFound, "reservation not found")
	case errors.Is(err, cache.ErrActiveReservationExists):
		return newError(CodeActiveReservationExists, "caller already holds an active reservation")
	case err != nil:
		return wrapError(CodeTransactionFailure, err, "failed to claim guest reservation")
	}

	s.logger.Info("Guest reservation claimed",
		zap.String("reservation_id", r.ID),
		zap.String("guest_id", previous),
		zap.String("caller_id", callerID))
	return nil
}

func intentResponse(r *models.Reservation) *PaymentIntentResponse {
	return &PaymentIntentResponse{
		ClientSecret:    r.ClientSecret,
		PaymentIntentID: r.PaymentIntentID,
		AmountCents:     r.TotalCents,
		Currency:        r.Currency,
	}
}

// Confirm verifies payment and turns the reservation into a paid order
func (s *ReservationService) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResponse, error) {
	return s.confirm(ctx, req, true)
}

// ConfirmFromPayment confirms on behalf of a verified gateway notification
func (s *ReservationService) ConfirmFromPayment(ctx context.Context, reservationID, paymentIntentID string) (*ConfirmResponse, error) {
	return s.confirm(ctx, ConfirmRequest{ReservationID: reservationID, PaymentIntentID: paymentIntentID}, false)
}

func (s *ReservationService) confirm(ctx context.Context, req ConfirmRequest, checkOwner bool) (*ConfirmResponse, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Confirm")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ConfirmLatency.Observe(time.Since(start).Seconds())
	}()

	if req.ReservationID == "" || req.PaymentIntentID == "" {
		return nil, s.fail("confirm", newError(CodeInvalidRequest, "reservation id and payment intent id are required"))
	}

	r, err := s.load(ctx, req.ReservationID)
	if err != nil {
		return nil, s.fail("confirm", err)
	}
	if checkOwner {
		if err := checkOwnership(req.CallerID, r); err != nil {
			return nil, s.fail("confirm", err)
		}
	}

	if r.PaymentIntentID != "" && r.PaymentIntentID != req.PaymentIntentID {
		util.PaymentVerificationFailuresTotal.WithLabelValues("intent_mismatch").Inc()
		return nil, s.fail("confirm", newError(CodePaymentFailed, "payment intent does not belong to this reservation"))
	}

	intent, err := s.gateway.RetrieveIntent(ctx, req.PaymentIntentID)
	if err != nil {
		util.PaymentVerificationFailuresTotal.WithLabelValues("retrieve_error").Inc()
		return nil, s.fail("confirm", wrapError(CodePaymentFailed, err, "failed to verify payment"))
	}
	if err := verifyIntent(intent, r); err != nil {
		return nil, s.fail("confirm", err)
	}

	if !intent.Succeeded() {
		util.PaymentVerificationFailuresTotal.WithLabelValues("not_succeeded").Inc()
		s.logger.Warn("Payment not successful, releasing reservation",
			zap.String("reservation_id", r.ID),
			zap.String("intent_id", intent.ID),
			zap.String("status", intent.Status))
		if _, err := s.release(context.WithoutCancel(ctx), r.ID, models.ChangeRelease, "payment_"+intent.Status); err != nil {
			s.logger.Error("Failed to release reservation after failed payment",
				zap.String("reservation_id", r.ID),
				zap.Error(err))
		}
		return nil, s.fail("confirm", newError(CodePaymentFailed, "payment status is %s", intent.Status))
	}

	claimed, err := s.cache.ClaimReservation(ctx, r.ID)
	if err != nil {
		return nil, s.fail("confirm", wrapError(CodeTransactionFailure, err, "failed to claim reservation"))
	}
	if claimed == nil {
		s.logger.Warn("Paid reservation resolved concurrently",
			zap.String("reservation_id", r.ID),
			zap.String("intent_id", intent.ID))
		return nil, s.fail("confirm", newError(CodeReservationNotFound, "reservation not found"))
	}

	order := s.buildOrder(claimed, intent, req.Email)
	writeOrder := func(tx store.Tx) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		for _, item := range claimed.Items {
			if err := tx.CreateOrderItem(ctx, &models.OrderItem{
				OrderID:         order.ID,
				VariantID:       item.VariantID,
				ProductID:       item.ProductID,
				Quantity:        item.Quantity,
				UnitPriceCents:  item.UnitPriceCents,
				TotalPriceCents: item.TotalPriceCents,
				Currency:        item.Currency,
			}); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
			if err := tx.CommitSoldStock(ctx, item.VariantID, item.Quantity); err != nil {
				return fmt.Errorf("failed to commit stock for variant %d: %w", item.VariantID, err)
			}
			orderID := order.ID
			if err := tx.AppendInventoryLog(ctx, &models.InventoryLog{
				VariantID:    item.VariantID,
				ChangeType:   models.ChangeCheckoutConfirmed,
				QuantityDiff: -item.Quantity,
				OrderID:      &orderID,
			}); err != nil {
				return err
			}
		}
		return nil
	}

	if req.Tx != nil {
		err = writeOrder(req.Tx)
	} else {
		err = s.ledger.WithTransaction(ctx, writeOrder)
	}
	if err != nil {
		s.restore(context.WithoutCancel(ctx), claimed)
		s.logger.Error("Payment captured but order could not be written",
			zap.String("reservation_id", claimed.ID),
			zap.String("intent_id", intent.ID),
			zap.Int64("amount", intent.AmountCents),
			zap.Error(err))
		return nil, s.fail("confirm", wrapError(CodePaymentCapturedOrderFailed, err,
			"payment %s captured but order creation failed", intent.ID))
	}

	detached := context.WithoutCancel(ctx)
	confirmed := func() {
		util.ReservationsConfirmedTotal.Inc()
		util.OrdersCreatedTotal.Inc()
		s.logger.Info("Reservation confirmed",
			zap.String("reservation_id", claimed.ID),
			zap.Int64("order_id", order.ID),
			zap.String("order_number", order.OrderNumber))
		s.events.PublishReservationConfirmed(detached, claimed, order)
	}

	// the claim already removed the hold from the cache; if the caller's transaction
	// is rolled back the hold must come back or nothing could ever release it
	if req.Tx != nil {
		req.Tx.OnCommit(confirmed)
		req.Tx.OnRollback(func() {
			s.logger.Warn("Order transaction rolled back after confirm, restoring reservation",
				zap.String("reservation_id", claimed.ID),
				zap.String("intent_id", intent.ID))
			s.restore(detached, claimed)
		})
	} else {
		confirmed()
	}

	return &ConfirmResponse{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      order.Status,
		TotalCents:  order.TotalCents,
	}, nil
}

func verifyIntent(intent *payment.Intent, r *models.Reservation) error {
	if id := intent.Metadata[payment.MetadataReservationID]; id != r.ID {
		util.PaymentVerificationFailuresTotal.WithLabelValues("reservation_mismatch").Inc()
		return newError(CodePaymentFailed, "payment intent was not created for this reservation")
	}
	if intent.AmountCents != r.TotalCents || !strings.EqualFold(intent.Currency, r.Currency) {
		util.PaymentVerificationFailuresTotal.WithLabelValues("amount_mismatch").Inc()
		return newError(CodePaymentFailed, "payment amount %d %s does not match reservation total %d %s",
			intent.AmountCents, intent.Currency, r.TotalCents, r.Currency)
	}
	return nil
}

func (s *ReservationService) buildOrder(r *models.Reservation, intent *payment.Intent, email string) *models.Order {
	now := s.now()
	order := &models.Order{
		OrderNumber:           fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), strings.ToUpper(uuid.New().String()[:8])),
		Status:                models.OrderStatusPaid,
		TotalCents:            r.TotalCents,
		Currency:              r.Currency,
		StripePaymentIntentID: intent.ID,
	}

	if models.IsGuest(r.CallerID) {
		for _, candidate := range []string{email, r.Email, intent.ReceiptEmail} {
			if candidate != "" {
				e := candidate
				order.GuestEmail = &e
				break
			}
		}
	} else {
		userID := r.CallerID
		order.UserID = &userID
	}
	return order
}

// Cancel releases a reservation's stock; an unknown reservation is already gone
func (s *ReservationService) Cancel(ctx context.Context, req CancelRequest) (*CancelResponse, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Cancel")
	defer span.End()

	if req.ReservationID == "" {
		return nil, s.fail("cancel", newError(CodeInvalidRequest, "reservation id is required"))
	}

	r, err := s.cache.GetReservation(ctx, req.ReservationID)
	if err != nil {
		return nil, s.fail("cancel", wrapError(CodeTransactionFailure, err, "failed to load reservation"))
	}
	if r == nil {
		return alreadyGone(), nil
	}
	if err := checkOwnership(req.CallerID, r); err != nil {
		return nil, s.fail("cancel", err)
	}

	released, err := s.release(ctx, r.ID, models.ChangeRelease, "cancelled_by_caller")
	if err != nil {
		return nil, s.fail("cancel", err)
	}
	if !released {
		return alreadyGone(), nil
	}
	return &CancelResponse{Status: CancelStatusCancelled, Message: "reservation cancelled and stock released"}, nil
}

// CancelFromPayment releases a reservation after the gateway reported a failed payment
func (s *ReservationService) CancelFromPayment(ctx context.Context, reservationID, reason string) (bool, error) {
	return s.release(ctx, reservationID, models.ChangeRelease, reason)
}

func alreadyGone() *CancelResponse {
	return &CancelResponse{Status: CancelStatusAlreadyGone, Message: "reservation already expired or resolved"}
}

// GetStatus reports whether a reservation is still holding stock
func (s *ReservationService) GetStatus(ctx context.Context, req StatusRequest) (*StatusResponse, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.GetStatus")
	defer span.End()

	r, err := s.cache.GetReservation(ctx, req.ReservationID)
	if err != nil {
		return nil, wrapError(CodeTransactionFailure, err, "failed to load reservation")
	}
	if r == nil {
		return &StatusResponse{Status: StatusExpired}, nil
	}
	if err := checkOwnership(req.CallerID, r); err != nil {
		return nil, err
	}

	now := s.now()
	if r.Expired(now) {
		return &StatusResponse{Status: StatusExpired}, nil
	}
	expiresAt := r.ExpiresAt
	return &StatusResponse{
		Status:           StatusActive,
		ExpiresAt:        &expiresAt,
		SecondsRemaining: int64(r.Remaining(now).Seconds()),
	}, nil
}

// ReleaseExpired releases the stock of one timed-out reservation. It reports false when the
// reservation was already resolved or is not yet due.
func (s *ReservationService) ReleaseExpired(ctx context.Context, reservationID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.ReleaseExpired")
	defer span.End()

	r, err := s.cache.GetReservation(ctx, reservationID)
	if err != nil {
		return false, fmt.Errorf("failed to load reservation: %w", err)
	}
	if r == nil {
		if err := s.cache.RemoveFromIndex(ctx, reservationID); err != nil {
			return false, fmt.Errorf("failed to remove stale index entry: %w", err)
		}
		return false, nil
	}
	if !r.Expired(s.now()) {
		return false, nil
	}

	return s.release(ctx, reservationID, models.ChangeReleaseExpired, "expired")
}

// release claims the reservation and returns its held stock in one ledger transaction.
// Only the caller that wins the claim touches the ledger.
func (s *ReservationService) release(ctx context.Context, reservationID, changeType, reason string) (bool, error) {
	claimed, err := s.cache.ClaimReservation(ctx, reservationID)
	if err != nil {
		return false, wrapError(CodeTransactionFailure, err, "failed to claim reservation")
	}
	if claimed == nil {
		return false, nil
	}

	if err := s.releaseItems(ctx, claimed, changeType); err != nil {
		s.restore(context.WithoutCancel(ctx), claimed)
		return false, wrapError(CodeTransactionFailure, err, "failed to release stock")
	}

	if changeType == models.ChangeReleaseExpired {
		util.ReservationsExpiredTotal.Inc()
		s.events.PublishReservationExpired(ctx, claimed)
	} else {
		util.ReservationsCancelledTotal.Inc()
		s.events.PublishReservationCancelled(ctx, claimed, reason)
	}
	s.logger.Info("Reservation released",
		zap.String("reservation_id", claimed.ID),
		zap.String("change_type", changeType),
		zap.String("reason", reason))
	return true, nil
}

func (s *ReservationService) releaseItems(ctx context.Context, r *models.Reservation, changeType string) error {
	return s.ledger.WithTransaction(ctx, func(tx store.Tx) error {
		for _, item := range r.Items {
			if err := tx.AdjustReservedStock(ctx, item.VariantID, -item.Quantity); err != nil {
				return fmt.Errorf("failed to release variant %d: %w", item.VariantID, err)
			}
			if err := tx.AppendInventoryLog(ctx, &models.InventoryLog{
				VariantID:    item.VariantID,
				ChangeType:   changeType,
				QuantityDiff: -item.Quantity,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// restore puts a claimed reservation back so it can still be resolved later
func (s *ReservationService) restore(ctx context.Context, r *models.Reservation) {
	remaining := r.Remaining(s.now())
	recordTTL := remaining + s.cfg.GracePeriod
	if recordTTL <= 0 {
		recordTTL = time.Minute
	}
	if err := s.cache.RestoreReservation(ctx, r, recordTTL, remaining); err != nil {
		s.logger.Error("Failed to restore claimed reservation; stock stays held until reconciled",
			zap.String("reservation_id", r.ID),
			zap.Any("items", r.Items),
			zap.Error(err))
	}
}

func (s *ReservationService) releaseActiveKey(ctx context.Context, callerID, reservationID string) {
	if err := s.cache.ReleaseActive(context.WithoutCancel(ctx), callerID, reservationID); err != nil {
		s.logger.Warn("Failed to release active reservation key",
			zap.String("caller_id", callerID),
			zap.String("reservation_id", reservationID),
			zap.Error(err))
	}
}

func (s *ReservationService) load(ctx context.Context, reservationID string) (*models.Reservation, error) {
	r, err := s.cache.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, wrapError(CodeTransactionFailure, err, "failed to load reservation")
	}
	if r == nil {
		return nil, newError(CodeReservationNotFound, "reservation not found")
	}
	return r, nil
}

// loadLive is load that also treats a reservation past its expiry as gone
func (s *ReservationService) loadLive(ctx context.Context, reservationID string) (*models.Reservation, error) {
	r, err := s.load(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.Remaining(s.now()) < time.Millisecond {
		return nil, newError(CodeReservationNotFound, "reservation expired")
	}
	return r, nil
}

func checkOwnership(callerID string, r *models.Reservation) error {
	if callerID == "" {
		if models.IsGuest(r.CallerID) {
			return nil
		}
		return newError(CodeReservationUserMismatch, "reservation belongs to an authenticated user")
	}
	if callerID != r.CallerID {
		return newError(CodeReservationUserMismatch, "reservation belongs to another caller")
	}
	return nil
}

func (s *ReservationService) fail(operation string, err error) error {
	util.ReservationsFailedTotal.WithLabelValues(operation, string(CodeOf(err))).Inc()
	if IsCode(err, CodeTransactionFailure) {
		s.logger.Error("Reservation operation failed", zap.String("operation", operation), zap.Error(err))
	}
	return err
}
