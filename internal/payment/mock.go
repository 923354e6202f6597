package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"reservation-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MockGateway is an in-process Gateway for offline development and tests
type MockGateway struct {
	mu          sync.Mutex
	intents     map[string]*Intent
	byKey       map[string]string
	autoSucceed bool
	createErr   error
	retrieveErr error
	verifier    *WebhookVerifier
	logger      *zap.Logger
}

// NewMockGateway creates a mock gateway whose intents succeed immediately
func NewMockGateway(verifier *WebhookVerifier) *MockGateway {
	return &MockGateway{
		intents:     make(map[string]*Intent),
		byKey:       make(map[string]string),
		autoSucceed: true,
		verifier:    verifier,
		logger:      util.GetLogger(),
	}
}

// SetAutoSucceed controls whether new intents start out succeeded
func (m *MockGateway) SetAutoSucceed(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoSucceed = v
}

// SetStatus overrides the status of an existing intent
func (m *MockGateway) SetStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intent, ok := m.intents[id]; ok {
		intent.Status = status
	}
}

// FailCreate makes CreateIntent return err until reset with nil
func (m *MockGateway) FailCreate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// FailRetrieve makes RetrieveIntent return err until reset with nil
func (m *MockGateway) FailRetrieve(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retrieveErr = err
}

// IntentCount returns the number of distinct intents created
func (m *MockGateway) IntentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.intents)
}

// CreateIntent creates a mock intent
func (m *MockGateway) CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error) {
	_, span := util.StartSpan(ctx, "MockGateway.CreateIntent")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		util.PaymentGatewayErrorsTotal.WithLabelValues("create_intent").Inc()
		return nil, m.createErr
	}
	if req.IdempotencyKey != "" {
		if id, ok := m.byKey[req.IdempotencyKey]; ok {
			return copyIntent(m.intents[id]), nil
		}
	}

	id := "pi_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
	status := StatusRequiresPaymentMethod
	if m.autoSucceed {
		status = StatusSucceeded
	}
	metadata := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	intent := &Intent{
		ID:           id,
		ClientSecret: fmt.Sprintf("%s_secret_%s", id, uuid.New().String()[:8]),
		Status:       status,
		AmountCents:  req.AmountCents,
		Currency:     strings.ToLower(req.Currency),
		ReceiptEmail: req.ReceiptEmail,
		Metadata:     metadata,
	}
	m.intents[id] = intent
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = id
	}

	util.PaymentIntentsCreatedTotal.Inc()
	m.logger.Info("Mock payment intent created",
		zap.String("intent_id", id),
		zap.Int64("amount", req.AmountCents))
	return copyIntent(intent), nil
}

// RetrieveIntent returns a stored mock intent
func (m *MockGateway) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	_, span := util.StartSpan(ctx, "MockGateway.RetrieveIntent")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retrieveErr != nil {
		util.PaymentGatewayErrorsTotal.WithLabelValues("retrieve_intent").Inc()
		return nil, m.retrieveErr
	}
	intent, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return copyIntent(intent), nil
}

// ConstructEvent verifies and decodes a webhook delivery
func (m *MockGateway) ConstructEvent(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	if err := m.verifier.Verify(payload, signatureHeader); err != nil {
		return nil, err
	}
	return ParseWebhookEvent(payload)
}

// SignedEvent builds a signed webhook delivery for an existing intent
func (m *MockGateway) SignedEvent(eventID, eventType, intentID string) ([]byte, string, error) {
	m.mu.Lock()
	intent, ok := m.intents[intentID]
	var snapshot *Intent
	if ok {
		snapshot = copyIntent(intent)
	}
	m.mu.Unlock()
	if !ok {
		return nil, "", ErrIntentNotFound
	}

	payload, err := EncodeWebhookEvent(eventID, eventType, snapshot)
	if err != nil {
		return nil, "", err
	}
	return payload, m.verifier.Sign(payload, time.Now()), nil
}

func copyIntent(i *Intent) *Intent {
	c := *i
	c.Metadata = make(map[string]string, len(i.Metadata))
	for k, v := range i.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
