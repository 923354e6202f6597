package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"reservation-service/internal/util"

	"go.uber.org/zap"
)

// DefaultStripeURL is the public Stripe API base
const DefaultStripeURL = "https://api.stripe.com"

// StripeGateway implements Gateway against the Stripe REST API
type StripeGateway struct {
	baseURL   string
	secretKey string
	http      *http.Client
	verifier  *WebhookVerifier
	logger    *zap.Logger
}

// NewStripeGateway creates a Stripe client
func NewStripeGateway(baseURL, secretKey string, verifier *WebhookVerifier) *StripeGateway {
	if baseURL == "" {
		baseURL = DefaultStripeURL
	}
	return &StripeGateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		http:      &http.Client{Timeout: 10 * time.Second},
		verifier:  verifier,
		logger:    util.GetLogger(),
	}
}

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateIntent creates a payment intent
func (g *StripeGateway) CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.CreateIntent")
	defer span.End()

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	if req.ReceiptEmail != "" {
		form.Set("receipt_email", req.ReceiptEmail)
	}
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Set(fmt.Sprintf("metadata[%s]", k), req.Metadata[k])
	}

	intent, err := g.do(ctx, "create_intent", http.MethodPost, "/v1/payment_intents", form, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	util.PaymentIntentsCreatedTotal.Inc()
	return intent, nil
}

// RetrieveIntent fetches an intent by id
func (g *StripeGateway) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.RetrieveIntent")
	defer span.End()

	return g.do(ctx, "retrieve_intent", http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, "")
}

// ConstructEvent verifies and decodes a webhook delivery
func (g *StripeGateway) ConstructEvent(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	if err := g.verifier.Verify(payload, signatureHeader); err != nil {
		return nil, err
	}
	return ParseWebhookEvent(payload)
}

func (g *StripeGateway) do(ctx context.Context, op, method, path string, form url.Values, idempotencyKey string) (*Intent, error) {
	start := time.Now()
	defer func() {
		util.PaymentGatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		util.PaymentGatewayErrorsTotal.WithLabelValues(op).Inc()
		return nil, fmt.Errorf("stripe %s failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrIntentNotFound
	}
	if resp.StatusCode >= 300 {
		util.PaymentGatewayErrorsTotal.WithLabelValues(op).Inc()
		var se stripeError
		_ = json.NewDecoder(resp.Body).Decode(&se)
		g.logger.Warn("Stripe request rejected",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("code", se.Error.Code))
		return nil, fmt.Errorf("stripe %s failed: status=%d code=%s: %s", op, resp.StatusCode, se.Error.Code, se.Error.Message)
	}

	var intent Intent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("failed to decode stripe response: %w", err)
	}
	return &intent, nil
}
