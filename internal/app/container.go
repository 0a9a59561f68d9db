package app

import (
	"context"
	"fmt"
	"log/slog"

	billingApp "github.com/felixgeelhaar/lingomarket/internal/billing/application"
	billingDomain "github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/felixgeelhaar/lingomarket/internal/billing/infrastructure/payment"
	notificationsApp "github.com/felixgeelhaar/lingomarket/internal/notifications/application"
	notificationsDomain "github.com/felixgeelhaar/lingomarket/internal/notifications/domain"
	"github.com/felixgeelhaar/lingomarket/internal/notifications/infrastructure/email"
	sharedApplication "github.com/felixgeelhaar/lingomarket/internal/shared/application"
	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/database"
	_ "github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/database/postgres" // Register PostgreSQL driver
	_ "github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/database/sqlite"   // Register SQLite driver
	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/lingomarket/pkg/config"
	"github.com/felixgeelhaar/lingomarket/pkg/observability"
	"github.com/redis/go-redis/v9"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Observability
	Metrics *observability.PrometheusMetrics
	Health  *observability.HealthRegistry

	// Database
	DBConn   database.Connection
	DBDriver database.Driver

	// Redis
	RedisClient *redis.Client
	Locker      lock.Locker

	// Repositories
	SubscriptionRepo billingDomain.SubscriptionRepository
	LedgerRepo       billingDomain.LedgerRepository
	AccountRepo      billingDomain.AccountRepository
	NotificationRepo notificationsDomain.Repository
	OutboxRepo       outbox.Repository

	// Unit of Work
	UnitOfWork sharedApplication.UnitOfWork

	// Publishers
	EventPublisher  eventbus.Publisher
	OutboxProcessor *outbox.Processor

	// Payments
	PaymentProvider billingApp.PaymentProvider
	WebhookVerifier *payment.WebhookVerifier

	// Notifications
	NotificationService *notificationsApp.Service

	// Billing lifecycle
	LedgerWriter      *billingApp.LedgerWriter
	AttemptTracker    *billingApp.PaymentAttemptTracker
	FallbackCreator   *billingApp.FallbackPlanCreator
	TrialEvaluator    *billingApp.TrialExpirationEvaluator
	PaymentService    *billingApp.PostTrialPaymentService
	WebhookDispatcher *billingApp.WebhookDispatcher
	BillingQueries    *billingApp.Service
}

// Open builds the container for the configured backend.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if cfg.IsSQLite() {
		return NewLocalContainer(ctx, cfg, logger)
	}
	return NewContainer(ctx, cfg, logger)
}

// NewContainer creates a server-mode container backed by PostgreSQL. Redis
// and RabbitMQ are required outside development.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := newContainer(cfg, logger)
	logger = c.Logger

	conn, err := database.NewConnection(ctx, database.Config{
		Driver: database.DriverPostgres,
		URL:    cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c.DBConn = conn
	c.DBDriver = database.DriverPostgres
	logger.Info("connected to database", "driver", c.DBDriver)

	if err := c.connectRedis(ctx); err != nil {
		c.Close()
		return nil, err
	}

	publisher, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
	if err != nil {
		// Fall back to noop publisher in development
		if !cfg.IsDevelopment() {
			c.Close()
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		logger.Warn("RabbitMQ not available, using noop publisher", "error", err)
		c.EventPublisher = eventbus.NewNoopPublisher(logger)
	} else {
		c.EventPublisher = publisher
		c.Health.Register("rabbitmq", observability.PingChecker("rabbitmq", observability.HealthStatusDegraded, publisher.Ping))
	}

	if err := c.wire(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewLocalContainer creates a container for local mode with SQLite. It runs
// without PostgreSQL, Redis or RabbitMQ: leases are in-process and outbox
// messages are relayed to a noop publisher.
func NewLocalContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := newContainer(cfg, logger)
	logger = c.Logger

	path := cfg.SQLitePath
	if path == "" {
		path = database.DefaultSQLitePath()
	}
	conn, err := database.NewConnection(ctx, database.Config{
		Driver:     database.DriverSQLite,
		SQLitePath: path,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	c.DBConn = conn
	c.DBDriver = database.DriverSQLite

	applied, err := migrations.RunSQLiteMigrations(ctx, conn.(database.SQLProvider).DB())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if applied > 0 {
		logger.Info("SQLite migrations applied", "count", applied)
	}

	c.Locker = lock.NewMemoryLocker()
	c.EventPublisher = eventbus.NewNoopPublisher(logger)

	if err := c.wire(); err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("local mode container initialized",
		"database", path,
		"driver", "sqlite",
	)
	return c, nil
}

func newContainer(cfg *config.Config, logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewPrometheusMetrics("lingomarket"),
		Health:  observability.NewHealthRegistry(),
	}
}

// connectRedis sets up the Redis lease locker, falling back to an in-process
// locker in development.
func (c *Container) connectRedis(ctx context.Context) error {
	cfg, logger := c.Config, c.Logger
	if cfg.RedisURL == "" {
		if !cfg.IsDevelopment() {
			return fmt.Errorf("REDIS_URL is required outside development")
		}
		logger.Warn("Redis not configured, leases are in-process only")
		c.Locker = lock.NewMemoryLocker()
		return nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		if !cfg.IsDevelopment() {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Warn("Redis not available, leases are in-process only", "error", err)
		c.Locker = lock.NewMemoryLocker()
		return nil
	}

	c.RedisClient = client
	c.Locker = lock.NewRedisLocker(client, "lingomarket:lock:", logger)
	c.Health.Register("redis", observability.PingChecker("redis", observability.HealthStatusDegraded, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	logger.Info("connected to Redis")
	return nil
}

// wire builds repositories and services once the connection, locker and
// publisher are in place.
func (c *Container) wire() error {
	cfg, logger := c.Config, c.Logger
	factory := NewRepositoryFactory(c.DBConn)

	c.Health.Register("database", observability.PingChecker("database", observability.HealthStatusUnhealthy, c.DBConn.Ping))

	var err error
	if c.SubscriptionRepo, err = factory.SubscriptionRepository(); err != nil {
		return err
	}
	if c.LedgerRepo, err = factory.LedgerRepository(); err != nil {
		return err
	}
	if c.AccountRepo, err = factory.AccountRepository(); err != nil {
		return err
	}
	if c.NotificationRepo, err = factory.NotificationRepository(); err != nil {
		return err
	}
	if c.OutboxRepo, err = factory.OutboxRepository(); err != nil {
		return err
	}
	if c.UnitOfWork, err = factory.UnitOfWork(); err != nil {
		return err
	}

	processorConfig := outbox.DefaultProcessorConfig()
	if cfg.OutboxPollInterval > 0 {
		processorConfig.PollInterval = cfg.OutboxPollInterval
	}
	if cfg.OutboxBatchSize > 0 {
		processorConfig.BatchSize = cfg.OutboxBatchSize
	}
	if cfg.OutboxMaxRetries > 0 {
		processorConfig.MaxRetries = cfg.OutboxMaxRetries
	}
	c.OutboxProcessor = outbox.NewProcessor(c.OutboxRepo, c.EventPublisher, processorConfig, logger, c.Metrics)

	if err := c.wirePayments(); err != nil {
		return err
	}
	c.wireNotifications()

	notifier := &billingNotifier{notifications: c.NotificationService}

	c.LedgerWriter = billingApp.NewLedgerWriter(c.SubscriptionRepo, c.LedgerRepo, c.OutboxRepo, c.Metrics)
	c.AttemptTracker = billingApp.NewPaymentAttemptTracker(c.SubscriptionRepo, c.LedgerWriter, c.UnitOfWork, logger)
	c.FallbackCreator = billingApp.NewFallbackPlanCreator(c.SubscriptionRepo, c.LedgerWriter, c.UnitOfWork, logger)

	c.TrialEvaluator = billingApp.NewTrialExpirationEvaluator(billingApp.EvaluatorDeps{
		Subscriptions: c.SubscriptionRepo,
		Accounts:      c.AccountRepo,
		Writer:        c.LedgerWriter,
		UnitOfWork:    c.UnitOfWork,
		Fallback:      c.FallbackCreator,
		Notifier:      notifier,
		Locker:        c.Locker,
		Metrics:       c.Metrics,
		Logger:        logger,
	}, billingApp.EvaluatorConfig{
		BatchSize: cfg.ScanBatchSize,
		LockTTL:   cfg.ScanLockTTL,
	})

	c.PaymentService = billingApp.NewPostTrialPaymentService(billingApp.PaymentServiceDeps{
		Subscriptions: c.SubscriptionRepo,
		Accounts:      c.AccountRepo,
		Provider:      c.PaymentProvider,
		Tracker:       c.AttemptTracker,
		Fallback:      c.FallbackCreator,
		Writer:        c.LedgerWriter,
		UnitOfWork:    c.UnitOfWork,
		Notifier:      notifier,
		Metrics:       c.Metrics,
		Logger:        logger,
	})

	c.WebhookDispatcher = billingApp.NewWebhookDispatcher(c.PaymentService, c.Locker, logger)
	c.BillingQueries = billingApp.NewService(c.SubscriptionRepo, c.LedgerRepo)
	return nil
}

func (c *Container) wirePayments() error {
	cfg, logger := c.Config, c.Logger
	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY not set, payment intents are disabled")
		c.PaymentProvider = payment.UnconfiguredProvider{}
		return nil
	}

	stripeProvider, err := payment.NewStripeProvider(payment.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create stripe provider: %w", err)
	}

	breaker := payment.DefaultBreakerConfig()
	if cfg.PaymentBreakerTimeout > 0 {
		breaker.Timeout = cfg.PaymentBreakerTimeout
	}
	if cfg.PaymentBreakerTrips > 0 {
		breaker.FailureThreshold = uint32(cfg.PaymentBreakerTrips)
	}
	c.PaymentProvider = payment.NewBreakerProvider(stripeProvider, breaker, logger, c.Metrics)

	if cfg.StripeWebhookSecret != "" {
		c.WebhookVerifier = payment.NewWebhookVerifier(cfg.StripeWebhookSecret)
	}
	return nil
}

func (c *Container) wireNotifications() {
	cfg, logger := c.Config, c.Logger

	var sender notificationsApp.EmailSender
	if cfg.SendGridAPIKey != "" {
		sg, err := email.NewSendGridSender(email.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromName:  cfg.NotifyFromName,
			FromEmail: cfg.NotifyFromEmail,
		}, logger)
		if err != nil {
			logger.Warn("email notifications disabled", "error", err)
		} else {
			sender = sg
		}
	}

	c.NotificationService = notificationsApp.NewService(
		c.NotificationRepo,
		sender,
		&accountDirectory{accounts: c.AccountRepo},
		logger,
	)
}

// Close cleans up all resources.
func (c *Container) Close() {
	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Warn("error closing event publisher", "error", err)
		}
	}

	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("error closing Redis connection", "error", err)
		} else {
			c.Logger.Info("Redis connection closed")
		}
	}

	if c.DBConn != nil {
		if err := c.DBConn.Close(); err != nil {
			c.Logger.Warn("error closing database connection", "error", err, "driver", c.DBDriver)
		} else {
			c.Logger.Info("database connection closed", "driver", c.DBDriver)
		}
	}
}
