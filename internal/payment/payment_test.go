package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookVerifier_RoundTrip(t *testing.T) {
	v := NewWebhookVerifier("whsec_test", 5*time.Minute)
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)

	header := v.Sign(payload, time.Now())
	assert.NoError(t, v.Verify(payload, header))

	assert.ErrorIs(t, v.Verify([]byte(`{"id":"evt_2"}`), header), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(payload, "garbage"), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(payload, ""), ErrInvalidSignature)

	other := NewWebhookVerifier("whsec_other", 5*time.Minute)
	assert.ErrorIs(t, other.Verify(payload, header), ErrInvalidSignature)
}

func TestWebhookVerifier_Tolerance(t *testing.T) {
	v := NewWebhookVerifier("whsec_test", time.Minute)
	payload := []byte(`{}`)

	stale := v.Sign(payload, time.Now().Add(-2*time.Minute))
	assert.ErrorIs(t, v.Verify(payload, stale), ErrInvalidSignature)

	v.tolerance = 0
	assert.NoError(t, v.Verify(payload, stale))
}

func TestWebhookVerifier_AcceptsAnyMatchingV1(t *testing.T) {
	v := NewWebhookVerifier("whsec_test", time.Minute)
	payload := []byte(`{"a":1}`)
	header := v.Sign(payload, time.Now())
	assert.NoError(t, v.Verify(payload, header+",v1=deadbeef"))
	assert.NoError(t, v.Verify(payload, strings.Replace(header, ",", ",v1=00,", 1)))
}

func TestParseWebhookEvent(t *testing.T) {
	intent := &Intent{ID: "pi_1", Status: StatusSucceeded, AmountCents: 1500, Currency: "usd",
		Metadata: map[string]string{MetadataReservationID: "r1"}}
	payload, err := EncodeWebhookEvent("evt_1", EventIntentSucceeded, intent)
	require.NoError(t, err)

	event, err := ParseWebhookEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, EventIntentSucceeded, event.Type)
	assert.Equal(t, "pi_1", event.Intent.ID)
	assert.Equal(t, "r1", event.Intent.Metadata[MetadataReservationID])

	_, err = ParseWebhookEvent([]byte(`{"type":"x"}`))
	assert.Error(t, err)
}

func TestStripeGateway_CreateAndRetrieve(t *testing.T) {
	var seenKey, seenAuth string
	var seenForm map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents":
			seenKey = r.Header.Get("Idempotency-Key")
			require.NoError(t, r.ParseForm())
			seenForm = map[string]string{}
			for k := range r.PostForm {
				seenForm[k] = r.PostForm.Get(k)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"id": "pi_123", "client_secret": "pi_123_secret", "status": "requires_payment_method",
				"amount": 2500, "currency": "usd", "metadata": map[string]string{"reservation_id": "r1"},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/payment_intents/pi_123":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"id": "pi_123", "status": "succeeded", "amount": 2500, "currency": "usd",
				"receipt_email": "a@b.c", "metadata": map[string]string{"reservation_id": "r1"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing"}}`))
		}
	}))
	defer srv.Close()

	g := NewStripeGateway(srv.URL, "sk_test", NewWebhookVerifier("whsec", time.Minute))
	ctx := context.Background()

	intent, err := g.CreateIntent(ctx, CreateIntentRequest{
		AmountCents:    2500,
		Currency:       "USD",
		Metadata:       map[string]string{MetadataReservationID: "r1", MetadataCallerID: "u1"},
		IdempotencyKey: "r1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", intent.ID)
	assert.Equal(t, "pi_123_secret", intent.ClientSecret)
	assert.Equal(t, "Bearer sk_test", seenAuth)
	assert.Equal(t, "r1", seenKey)
	assert.Equal(t, "2500", seenForm["amount"])
	assert.Equal(t, "usd", seenForm["currency"])
	assert.Equal(t, "r1", seenForm["metadata[reservation_id]"])
	assert.Equal(t, "u1", seenForm["metadata[caller_id]"])

	got, err := g.RetrieveIntent(ctx, "pi_123")
	require.NoError(t, err)
	assert.True(t, got.Succeeded())
	assert.Equal(t, "a@b.c", got.ReceiptEmail)

	_, err = g.RetrieveIntent(ctx, "pi_missing")
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestStripeGateway_SurfacesProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"code":"card_declined","message":"declined"}}`))
	}))
	defer srv.Close()

	g := NewStripeGateway(srv.URL, "sk_test", NewWebhookVerifier("whsec", time.Minute))
	_, err := g.CreateIntent(context.Background(), CreateIntentRequest{AmountCents: 100, Currency: "usd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "card_declined")
}

func TestMockGateway_IdempotencyKeyReturnsSameIntent(t *testing.T) {
	g := NewMockGateway(NewWebhookVerifier("whsec", time.Minute))
	ctx := context.Background()

	first, err := g.CreateIntent(ctx, CreateIntentRequest{AmountCents: 100, Currency: "USD", IdempotencyKey: "r1"})
	require.NoError(t, err)
	second, err := g.CreateIntent(ctx, CreateIntentRequest{AmountCents: 100, Currency: "USD", IdempotencyKey: "r1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ClientSecret, second.ClientSecret)
	assert.Equal(t, 1, g.IntentCount())
	assert.Equal(t, "usd", first.Currency)
	assert.True(t, first.Succeeded())
}

func TestMockGateway_StatusAndFailures(t *testing.T) {
	g := NewMockGateway(NewWebhookVerifier("whsec", time.Minute))
	g.SetAutoSucceed(false)
	ctx := context.Background()

	intent, err := g.CreateIntent(ctx, CreateIntentRequest{AmountCents: 100, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, StatusRequiresPaymentMethod, intent.Status)

	g.SetStatus(intent.ID, StatusSucceeded)
	got, err := g.RetrieveIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.True(t, got.Succeeded())

	_, err = g.RetrieveIntent(ctx, "pi_unknown")
	assert.ErrorIs(t, err, ErrIntentNotFound)

	boom := assert.AnError
	g.FailRetrieve(boom)
	_, err = g.RetrieveIntent(ctx, intent.ID)
	assert.ErrorIs(t, err, boom)
}

func TestMockGateway_SignedEventVerifies(t *testing.T) {
	g := NewMockGateway(NewWebhookVerifier("whsec", time.Minute))
	ctx := context.Background()
	intent, err := g.CreateIntent(ctx, CreateIntentRequest{AmountCents: 100, Currency: "usd",
		Metadata: map[string]string{MetadataReservationID: "r9"}})
	require.NoError(t, err)

	payload, header, err := g.SignedEvent("evt_9", EventIntentSucceeded, intent.ID)
	require.NoError(t, err)

	event, err := g.ConstructEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, "r9", event.Intent.Metadata[MetadataReservationID])

	_, err = g.ConstructEvent(payload, "t=1,v1=00")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
