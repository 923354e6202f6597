package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_created_total",
		Help: "Total number of reservations created",
	})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_failed_total",
		Help: "Total number of failed reservation operations",
	}, []string{"operation", "code"})

	ReservationsConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_confirmed_total",
		Help: "Total number of reservations converted into paid orders",
	})

	ReservationsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_cancelled_total",
		Help: "Total number of reservations released by their owner",
	})

	ReservationsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_expired_total",
		Help: "Total number of reservations released by the expiry sweeper",
	})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reservation_reserve_latency_seconds",
		Help:    "Latency of reserve operations",
		Buckets: prometheus.DefBuckets,
	})

	ConfirmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reservation_confirm_latency_seconds",
		Help:    "Latency of confirm operations",
		Buckets: prometheus.DefBuckets,
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "expiry_sweep_duration_seconds",
		Help:    "Duration of one expiry sweep pass",
		Buckets: prometheus.DefBuckets,
	})

	SweepReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expiry_sweep_reservations_total",
		Help: "Reservations handled by the expiry sweeper",
	}, []string{"result"})

	PaymentIntentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_intents_created_total",
		Help: "Total number of payment intents created",
	})

	PaymentGatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_gateway_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	PaymentGatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_gateway_errors_total",
		Help: "Total number of failed payment gateway calls",
	}, []string{"operation"})

	PaymentVerificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_verification_failures_total",
		Help: "Confirmations rejected after checking the payment intent",
	}, []string{"reason"})

	WebhookSignatureFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_signature_failures_total",
		Help: "Webhook deliveries rejected by signature verification",
	}, []string{"reason"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_events_total",
		Help: "Webhook events handled",
	}, []string{"type", "result"})

	IdempotencyReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_replays_total",
		Help: "Responses replayed from the idempotency store",
	})

	IdempotencyConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_conflicts_total",
		Help: "Requests rejected because the same token was in flight",
	})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_events_published_total",
		Help: "Reservation lifecycle events published",
	}, []string{"type"})

	EventPublishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_event_publish_failures_total",
		Help: "Reservation lifecycle events that could not be published",
	}, []string{"type"})

	AbandonedCartsRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abandoned_carts_recorded_total",
		Help: "Expired reservations recorded for recovery",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
