package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reservation-service/internal/idempotency"
	"reservation-service/internal/models"
	"reservation-service/internal/payment"
	"reservation-service/internal/service"
	"reservation-service/internal/store"
	"reservation-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Identity headers set by the authentication layer in front of the service
const (
	HeaderUserID  = "X-User-ID"
	HeaderGuestID = "X-Guest-ID"
)

const maxWebhookBody = 1 << 20

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	reservations  *service.ReservationService
	paymentEvents *service.PaymentEventHandler
	gateway       payment.Gateway
	guard         *idempotency.Guard
	dependencies  map[string]Pinger
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	reservations *service.ReservationService,
	paymentEvents *service.PaymentEventHandler,
	gateway payment.Gateway,
	guard *idempotency.Guard,
	dependencies map[string]Pinger,
) *Handler {
	return &Handler{
		reservations:  reservations,
		paymentEvents: paymentEvents,
		gateway:       gateway,
		guard:         guard,
		dependencies:  dependencies,
		logger:        util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		reservations := v1.Group("/reservations", IdempotencyMiddleware(h.guard))
		reservations.POST("", h.reserve)
		reservations.POST("/:id/payment-intent", h.createPaymentIntent)
		reservations.POST("/:id/confirm", h.confirm)
		reservations.POST("/:id/cancel", h.cancel)
		reservations.DELETE("/:id", h.cancel)
		reservations.GET("/:id/status", h.getStatus)

		v1.GET("/variants/:id/availability", h.getAvailability)
		v1.GET("/orders/:id", h.getOrder)

		v1.POST("/webhooks/payment", h.paymentWebhook)
	}
}

// callerID resolves the caller from the identity headers; empty means anonymous
func callerID(c *gin.Context) string {
	if user := strings.TrimSpace(c.GetHeader(HeaderUserID)); user != "" {
		return user
	}
	if guest := strings.TrimSpace(c.GetHeader(HeaderGuestID)); guest != "" {
		if !models.IsGuest(guest) {
			guest = models.GuestPrefix + guest
		}
		return guest
	}
	return ""
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every backing store answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.dependencies))
	ready := true
	for name, dep := range h.dependencies {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

type reserveResponse struct {
	ReservationID    string                   `json:"reservation_id"`
	CallerID         string                   `json:"caller_id"`
	Items            []models.ReservationItem `json:"items"`
	TotalCents       int64                    `json:"total_cents"`
	Currency         string                   `json:"currency"`
	ExpiresAt        time.Time                `json:"expires_at"`
	SecondsRemaining int64                    `json:"seconds_remaining"`
}

// reserve handles reservation creation
func (h *Handler) reserve(c *gin.Context) {
	var req service.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, string(service.CodeInvalidRequest), "invalid request body: "+err.Error())
		return
	}

	req.CallerID = callerID(c)
	if req.CallerID == "" {
		req.CallerID = models.GuestPrefix + uuid.New().String()
	}
	if models.IsGuest(req.CallerID) {
		c.Header(HeaderGuestID, req.CallerID)
	}

	r, err := h.reservations.Reserve(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, reserveResponse{
		ReservationID:    r.ID,
		CallerID:         r.CallerID,
		Items:            r.Items,
		TotalCents:       r.TotalCents,
		Currency:         r.Currency,
		ExpiresAt:        r.ExpiresAt,
		SecondsRemaining: int64(time.Until(r.ExpiresAt).Seconds()),
	})
}

// createPaymentIntent handles payment intent creation
func (h *Handler) createPaymentIntent(c *gin.Context) {
	resp, err := h.reservations.CreatePaymentIntent(c.Request.Context(), service.PaymentIntentRequest{
		CallerID:      callerID(c),
		ReservationID: c.Param("id"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// confirm handles payment confirmation
func (h *Handler) confirm(c *gin.Context) {
	var req service.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, string(service.CodeInvalidRequest), "invalid request body: "+err.Error())
		return
	}
	req.CallerID = callerID(c)
	req.ReservationID = c.Param("id")

	resp, err := h.reservations.Confirm(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// cancel handles reservation cancellation
func (h *Handler) cancel(c *gin.Context) {
	resp, err := h.reservations.Cancel(c.Request.Context(), service.CancelRequest{
		CallerID:      callerID(c),
		ReservationID: c.Param("id"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// getStatus handles reservation status lookups
func (h *Handler) getStatus(c *gin.Context) {
	resp, err := h.reservations.GetStatus(c.Request.Context(), service.StatusRequest{
		CallerID:      callerID(c),
		ReservationID: c.Param("id"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// getAvailability handles variant stock lookups
func (h *Handler) getAvailability(c *gin.Context) {
	variantID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, string(service.CodeInvalidRequest), "invalid variant ID")
		return
	}

	availability, err := h.reservations.GetAvailability(c.Request.Context(), variantID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, availability)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, string(service.CodeInvalidRequest), "invalid order ID")
		return
	}

	order, items, err := h.reservations.GetOrder(c.Request.Context(), orderID)
	if errors.Is(err, store.ErrOrderNotFound) {
		abortWithError(c, http.StatusNotFound, codeNotFound, "order not found")
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// paymentWebhook verifies and applies a payment provider notification
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, string(service.CodeInvalidRequest), "failed to read body")
		return
	}

	event, err := h.gateway.ConstructEvent(payload, c.GetHeader(payment.SignatureHeader))
	if err != nil {
		h.logger.Warn("Rejected payment webhook", zap.Error(err))
		if errors.Is(err, payment.ErrInvalidSignature) {
			abortWithError(c, http.StatusBadRequest, codeInvalidSignature, "invalid webhook signature")
			return
		}
		abortWithError(c, http.StatusBadRequest, string(service.CodeInvalidRequest), "malformed webhook payload")
		return
	}

	result, err := h.paymentEvents.Handle(c.Request.Context(), event)
	if err != nil {
		h.logger.Error("Failed to handle payment webhook",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"result":   result,
	})
}
