package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/billing/application"
	"github.com/felixgeelhaar/lingomarket/pkg/observability"
	"github.com/sony/gobreaker/v2"
)

// ErrProviderUnavailable is returned while the circuit is open.
var ErrProviderUnavailable = errors.New("payment provider unavailable")

// BreakerConfig configures the circuit breaker around the provider.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig returns the production breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// BreakerProvider guards a payment provider with a circuit breaker.
// Declines count as successful calls.
type BreakerProvider struct {
	next    application.PaymentProvider
	breaker *gobreaker.CircuitBreaker[any]
}

var _ application.PaymentProvider = (*BreakerProvider)(nil)

// NewBreakerProvider wraps next.
func NewBreakerProvider(next application.PaymentProvider, cfg BreakerConfig, logger *slog.Logger, metrics observability.Metrics) *BreakerProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	settings := gobreaker.Settings{
		Name:        "payment-provider",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			var decline *DeclineError
			return err == nil || errors.As(err, &decline) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.Gauge(observability.MetricProviderBreaker, float64(to), observability.T("breaker", name))
		},
	}

	return &BreakerProvider{next: next, breaker: gobreaker.NewCircuitBreaker[any](settings)}
}

// State reports the breaker state.
func (p *BreakerProvider) State() string {
	return p.breaker.State().String()
}

func (p *BreakerProvider) CreateCustomer(ctx context.Context, req application.CustomerRequest) (string, error) {
	out, err := p.execute(func() (any, error) { return p.next.CreateCustomer(ctx, req) })
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (p *BreakerProvider) CreatePaymentIntent(ctx context.Context, req application.PaymentIntentParams) (*application.PaymentIntent, error) {
	out, err := p.execute(func() (any, error) { return p.next.CreatePaymentIntent(ctx, req) })
	if err != nil {
		return nil, err
	}
	return out.(*application.PaymentIntent), nil
}

func (p *BreakerProvider) GetPaymentIntent(ctx context.Context, id string) (*application.PaymentIntent, error) {
	out, err := p.execute(func() (any, error) { return p.next.GetPaymentIntent(ctx, id) })
	if err != nil {
		return nil, err
	}
	return out.(*application.PaymentIntent), nil
}

func (p *BreakerProvider) execute(fn func() (any, error)) (any, error) {
	out, err := p.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return out, err
}

// UnconfiguredProvider stands in when no provider credentials are set.
// Every call fails with ErrProviderUnavailable.
type UnconfiguredProvider struct{}

var _ application.PaymentProvider = UnconfiguredProvider{}

func (UnconfiguredProvider) CreateCustomer(context.Context, application.CustomerRequest) (string, error) {
	return "", fmt.Errorf("%w: not configured", ErrProviderUnavailable)
}

func (UnconfiguredProvider) CreatePaymentIntent(context.Context, application.PaymentIntentParams) (*application.PaymentIntent, error) {
	return nil, fmt.Errorf("%w: not configured", ErrProviderUnavailable)
}

func (UnconfiguredProvider) GetPaymentIntent(context.Context, string) (*application.PaymentIntent, error) {
	return nil, fmt.Errorf("%w: not configured", ErrProviderUnavailable)
}
