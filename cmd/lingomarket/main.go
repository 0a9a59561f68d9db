package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/lingomarket/adapter/api"
	"github.com/felixgeelhaar/lingomarket/adapter/cli"
	cliBilling "github.com/felixgeelhaar/lingomarket/adapter/cli/billing"
	"github.com/felixgeelhaar/lingomarket/internal/app"
	"github.com/felixgeelhaar/lingomarket/pkg/config"
	"github.com/felixgeelhaar/lingomarket/pkg/observability"
)

func main() {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logCfg := observability.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Format = observability.LogFormat(cfg.LogFormat)
	logCfg.ServiceVersion = cli.Version
	logger := observability.NewLogger(logCfg)
	cli.SetLogger(logger)

	cliApp := &cli.App{
		HTTPAddr:       cfg.HTTPAddr,
		DatabaseDriver: cfg.DatabaseDriver,
		DatabaseURL:    cfg.DatabaseURL,
	}

	container, err := app.Open(ctx, cfg, logger)
	if err != nil {
		if !cfg.IsDevelopment() {
			logger.Error("failed to initialize container", "error", err)
			os.Exit(1)
		}
		// version and migrate still work without a container
		logger.Warn("failed to initialize container, running in limited mode", "error", err)
	} else {
		defer container.Close()

		if cfg.OutboxProcessorEnabled {
			go func() {
				_ = container.OutboxProcessor.Run(ctx)
			}()
		} else {
			logger.Info("outbox processor disabled in CLI")
		}

		cliApp.Scanner = container.TrialEvaluator
		cliApp.Fallback = container.FallbackCreator
		cliApp.Queries = container.BillingQueries
		cliApp.Health = container.Health
		cliApp.DatabaseDriver = container.DBDriver.String()
		cliApp.HTTP = httpHandlers(container, logger)
	}
	cli.SetApp(cliApp)

	cli.AddCommand(cliBilling.Cmd)

	if err := cli.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func httpHandlers(c *app.Container, logger *slog.Logger) api.Handlers {
	// a nil *WebhookVerifier must stay a nil interface
	var parser api.WebhookParser
	if c.WebhookVerifier != nil {
		parser = c.WebhookVerifier
	}

	return api.Handlers{
		Cron:          api.NewCronHandler(c.TrialEvaluator, c.Config.CronSecret, logger),
		Billing:       api.NewBillingHandler(c.PaymentService, c.BillingQueries, logger),
		Webhooks:      api.NewWebhookHandler(parser, c.WebhookDispatcher, logger),
		Notifications: api.NewNotificationHandler(c.NotificationService, logger),
		Health:        c.Health,
		Metrics:       c.Metrics.Handler(),
		Recorder:      c.Metrics,
	}
}
