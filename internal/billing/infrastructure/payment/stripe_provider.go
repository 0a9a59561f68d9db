// Package payment connects billing to Stripe.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felixgeelhaar/lingomarket/internal/billing/application"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// StripeConfig configures the Stripe client.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL overrides the API endpoint. Empty means api.stripe.com.
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int64
}

// StripeProvider creates customers and payment intents through the Stripe API.
type StripeProvider struct {
	customers customer.Client
	intents   paymentintent.Client
	logger    *slog.Logger
}

var _ application.PaymentProvider = (*StripeProvider)(nil)

// NewStripeProvider creates a provider with its own backend, leaving the
// package-level stripe.Key untouched.
func NewStripeProvider(cfg StripeConfig, logger *slog.Logger) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	backendConfig := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(cfg.MaxRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendConfig.URL = stripe.String(cfg.BaseURL)
	}
	if cfg.HTTPClient != nil {
		backendConfig.HTTPClient = cfg.HTTPClient
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig)

	return &StripeProvider{
		customers: customer.Client{B: backend, Key: cfg.SecretKey},
		intents:   paymentintent.Client{B: backend, Key: cfg.SecretKey},
		logger:    logger.With("component", "stripe"),
	}, nil
}

// CreateCustomer creates a Stripe customer and returns its id.
func (p *StripeProvider) CreateCustomer(ctx context.Context, req application.CustomerRequest) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	c, err := p.customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", providerError(err))
	}
	p.logger.DebugContext(ctx, "stripe customer created", "customer_id", c.ID)
	return c.ID, nil
}

// CreatePaymentIntent creates an intent with automatic payment methods that
// keeps the payment method for later off-session charges. Intents for the
// same subscription attempt share an idempotency key.
func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, req application.PaymentIntentParams) (*application.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		SetupFutureUsage: stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession)),
	}
	params.Context = ctx
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if sub, attempt := req.Metadata["subscription_id"], req.Metadata["attempt_number"]; sub != "" && attempt != "" {
		params.SetIdempotencyKey(fmt.Sprintf("post-trial-%s-%s", sub, attempt))
	}

	pi, err := p.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe payment intent: %w", providerError(err))
	}
	return toPaymentIntent(pi), nil
}

// GetPaymentIntent retrieves an intent by id.
func (p *StripeProvider) GetPaymentIntent(ctx context.Context, id string) (*application.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := p.intents.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get stripe payment intent %s: %w", id, providerError(err))
	}
	return toPaymentIntent(pi), nil
}

func toPaymentIntent(pi *stripe.PaymentIntent) *application.PaymentIntent {
	out := &application.PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	if pi.LatestCharge != nil {
		out.LatestChargeID = pi.LatestCharge.ID
	}
	return out
}

// DeclineError is a payment the provider refused for business reasons,
// such as a declined card. It does not indicate an unhealthy provider.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string { return e.Message }

// providerError keeps Stripe's user-facing message and marks card and
// request errors as declines.
func providerError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return err
	}
	switch stripeErr.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
		return &DeclineError{Code: string(stripeErr.Code), Message: stripeErr.Msg}
	}
	if stripeErr.Msg != "" {
		return fmt.Errorf("%s: %w", stripeErr.Msg, err)
	}
	return err
}
