package cli

import (
	"context"

	"github.com/felixgeelhaar/lingomarket/adapter/api"
	billingApp "github.com/felixgeelhaar/lingomarket/internal/billing/application"
	billingDomain "github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/felixgeelhaar/lingomarket/pkg/observability"
	"github.com/google/uuid"
)

// Scanner runs the trial expiration and renewal scan.
type Scanner interface {
	Run(ctx context.Context) (billingApp.ScanSummary, error)
}

// FallbackApplier moves a subscription to its owner type's free plan.
type FallbackApplier interface {
	Apply(ctx context.Context, subscriptionID uuid.UUID, reason string) (*billingApp.FallbackResult, error)
}

// Queries serves the billing read models.
type Queries interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (billingApp.SubscriptionDTO, error)
	ListSubscriptions(ctx context.Context, ownerType billingDomain.OwnerType, ownerID uuid.UUID) ([]billingApp.SubscriptionDTO, error)
	BillingHistory(ctx context.Context, subscriptionID uuid.UUID) ([]billingApp.BillingEntryDTO, error)
	Logs(ctx context.Context, subscriptionID uuid.UUID) ([]billingApp.LogDTO, error)
	Plans(ownerType billingDomain.OwnerType) []billingApp.PlanDTO
	Audit(ctx context.Context, subscriptionID uuid.UUID) (billingApp.AuditResult, error)
}

// App holds the CLI application dependencies.
type App struct {
	Scanner  Scanner
	Fallback FallbackApplier
	Queries  Queries

	// HTTP surface for the serve command
	HTTP     api.Handlers
	HTTPAddr string

	Health *observability.HealthRegistry

	// Database target for the migrate command
	DatabaseDriver string
	DatabaseURL    string
}

// app is the global CLI application instance
var app *App

// SetApp sets the global CLI application instance.
func SetApp(a *App) {
	app = a
}

// GetApp returns the global CLI application instance.
func GetApp() *App {
	return app
}
