package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"reservation-service/internal/util"
)

// SignatureHeader carries the webhook signature
const SignatureHeader = "Stripe-Signature"

// WebhookVerifier checks "t=<unix>,v1=<hex hmac-sha256>" signature headers
type WebhookVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookVerifier creates a verifier; a zero tolerance disables the timestamp window
func NewWebhookVerifier(secret string, tolerance time.Duration) *WebhookVerifier {
	return &WebhookVerifier{
		secret:    []byte(strings.TrimSpace(secret)),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Sign produces a signature header for payload at timestamp ts
func (v *WebhookVerifier) Sign(payload []byte, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", unix, hex.EncodeToString(v.mac(unix, payload)))
}

// Verify checks the header against payload
func (v *WebhookVerifier) Verify(payload []byte, header string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		util.WebhookSignatureFailuresTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		util.WebhookSignatureFailuresTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(unix, 0))
		if age > v.tolerance || age < -v.tolerance {
			util.WebhookSignatureFailuresTotal.WithLabelValues("expired").Inc()
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}

	expected := v.mac(timestamp, payload)
	for _, sig := range signatures {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	util.WebhookSignatureFailuresTotal.WithLabelValues("mismatch").Inc()
	return ErrInvalidSignature
}

func (v *WebhookVerifier) mac(timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseWebhookEvent decodes a verified payload
func ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("webhook event missing id or type")
	}

	event := &WebhookEvent{ID: env.ID, Type: env.Type}
	if len(env.Data.Object) > 0 {
		if err := json.Unmarshal(env.Data.Object, &event.Intent); err != nil {
			return nil, fmt.Errorf("failed to decode webhook object: %w", err)
		}
	}
	return event, nil
}

// EncodeWebhookEvent builds the payload delivered for an intent event
func EncodeWebhookEvent(eventID, eventType string, intent *Intent) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"id":   eventID,
		"type": eventType,
		"data": map[string]interface{}{"object": intent},
	})
}
