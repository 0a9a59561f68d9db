package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/billing/application"
	"github.com/felixgeelhaar/lingomarket/pkg/observability"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stripeRequest struct {
	Method         string
	Path           string
	Form           map[string]string
	IdempotencyKey string
}

type fakeStripe struct {
	mu       sync.Mutex
	requests []stripeRequest
	respond  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	f.mu.Lock()
	f.requests = append(f.requests, stripeRequest{
		Method:         r.Method,
		Path:           r.URL.Path,
		Form:           form,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	f.respond(w, r)
}

func newTestProvider(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) (*StripeProvider, *fakeStripe) {
	t.Helper()
	fake := &fakeStripe{respond: respond}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	p, err := NewStripeProvider(StripeConfig{
		SecretKey:  "sk_test_123",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	}, nil)
	require.NoError(t, err)
	return p, fake
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestNewStripeProvider_RequiresKey(t *testing.T) {
	_, err := NewStripeProvider(StripeConfig{}, nil)
	require.Error(t, err)
}

func TestStripeProvider_CreateCustomer(t *testing.T) {
	p, fake := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "cus_123", "object": "customer"})
	})

	id, err := p.CreateCustomer(context.Background(), application.CustomerRequest{
		Email:    "ana@example.com",
		Name:     "Ana",
		Metadata: map[string]string{"user_type": "STUDENT"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cus_123", id)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1/customers", req.Path)
	assert.Equal(t, "ana@example.com", req.Form["email"])
	assert.Equal(t, "STUDENT", req.Form["metadata[user_type]"])
}

func TestStripeProvider_CreatePaymentIntent(t *testing.T) {
	p, fake := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":            "pi_123",
			"object":        "payment_intent",
			"client_secret": "pi_123_secret",
			"status":        "requires_payment_method",
			"amount":        1299,
			"currency":      "usd",
			"customer":      "cus_123",
			"metadata":      map[string]string{"kind": "post_trial"},
		})
	})

	intent, err := p.CreatePaymentIntent(context.Background(), application.PaymentIntentParams{
		Amount:      1299,
		Currency:    "usd",
		CustomerID:  "cus_123",
		Description: "Standard monthly subscription",
		Metadata:    map[string]string{"kind": "post_trial", "subscription_id": "sub-1", "attempt_number": "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", intent.ID)
	assert.Equal(t, "pi_123_secret", intent.ClientSecret)
	assert.Equal(t, "cus_123", intent.CustomerID)
	assert.Equal(t, int64(1299), intent.Amount)
	assert.False(t, intent.RequiresAction())

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "/v1/payment_intents", req.Path)
	assert.Equal(t, "1299", req.Form["amount"])
	assert.Equal(t, "usd", req.Form["currency"])
	assert.Equal(t, "cus_123", req.Form["customer"])
	assert.Equal(t, "true", req.Form["automatic_payment_methods[enabled]"])
	assert.Equal(t, "off_session", req.Form["setup_future_usage"])
	assert.Equal(t, "post_trial", req.Form["metadata[kind]"])
	assert.Equal(t, "post-trial-sub-1-2", req.IdempotencyKey)
}

func TestStripeProvider_GetPaymentIntent(t *testing.T) {
	p, fake := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":            "pi_123",
			"object":        "payment_intent",
			"status":        "succeeded",
			"amount":        4900,
			"currency":      "usd",
			"latest_charge": "ch_999",
		})
	})

	intent, err := p.GetPaymentIntent(context.Background(), "pi_123")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", intent.Status)
	assert.Equal(t, "ch_999", intent.TransactionID())
	assert.Equal(t, http.MethodGet, fake.requests[0].Method)
	assert.Equal(t, "/v1/payment_intents/pi_123", fake.requests[0].Path)
}

func TestStripeProvider_CardErrorIsDecline(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": map[string]any{
				"type":    "card_error",
				"code":    "card_declined",
				"message": "Your card was declined.",
			},
		})
	})

	_, err := p.CreatePaymentIntent(context.Background(), application.PaymentIntentParams{Amount: 100, Currency: "usd"})
	require.Error(t, err)
	var decline *DeclineError
	require.ErrorAs(t, err, &decline)
	assert.Equal(t, "card_declined", decline.Code)
	assert.Contains(t, err.Error(), "Your card was declined.")
}

func TestWebhookVerifier_Parse(t *testing.T) {
	secret := "whsec_test"
	verifier := NewWebhookVerifier(secret)
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"type":        "payment_intent.payment_failed",
		"api_version": stripe.APIVersion,
		"data": map[string]any{
			"object": map[string]any{
				"id":       "pi_1",
				"object":   "payment_intent",
				"metadata": map[string]string{"kind": "post_trial", "subscription_id": "abc"},
				"last_payment_error": map[string]any{
					"type":    "card_error",
					"message": "Your card has insufficient funds.",
				},
			},
		},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})

	event, err := verifier.Parse(payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, application.EventPaymentIntentFailed, event.Type)
	assert.Equal(t, "pi_1", event.PaymentIntentID)
	assert.Equal(t, "abc", event.Metadata["subscription_id"])
	assert.Equal(t, "Your card has insufficient funds.", event.FailureMessage)

	_, err = verifier.Parse(payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

type flakyProvider struct {
	err error
}

func (f *flakyProvider) CreateCustomer(context.Context, application.CustomerRequest) (string, error) {
	return "", f.err
}

func (f *flakyProvider) CreatePaymentIntent(context.Context, application.PaymentIntentParams) (*application.PaymentIntent, error) {
	return nil, f.err
}

func (f *flakyProvider) GetPaymentIntent(_ context.Context, id string) (*application.PaymentIntent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &application.PaymentIntent{ID: id}, nil
}

func TestBreakerProvider_OpensOnOutage(t *testing.T) {
	next := &flakyProvider{err: errors.New("connection reset")}
	metrics := observability.NewInMemoryMetrics()
	p := NewBreakerProvider(next, BreakerConfig{MaxRequests: 1, Timeout: time.Minute, FailureThreshold: 2}, nil, metrics)

	for i := 0; i < 2; i++ {
		_, err := p.GetPaymentIntent(context.Background(), "pi_1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrProviderUnavailable)
	}

	_, err := p.GetPaymentIntent(context.Background(), "pi_1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, "open", p.State())
	assert.Equal(t, float64(2), metrics.GetGauge(observability.MetricProviderBreaker, observability.T("breaker", "payment-provider")))
}

func TestBreakerProvider_DeclinesDoNotTrip(t *testing.T) {
	next := &flakyProvider{err: &DeclineError{Code: "card_declined", Message: "Your card was declined."}}
	p := NewBreakerProvider(next, BreakerConfig{MaxRequests: 1, Timeout: time.Minute, FailureThreshold: 1}, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := p.CreatePaymentIntent(context.Background(), application.PaymentIntentParams{})
		var decline *DeclineError
		require.ErrorAs(t, err, &decline)
	}
	assert.Equal(t, "closed", p.State())

	next.err = nil
	intent, err := p.GetPaymentIntent(context.Background(), "pi_ok")
	require.NoError(t, err)
	assert.Equal(t, "pi_ok", intent.ID)
}
