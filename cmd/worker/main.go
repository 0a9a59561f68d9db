package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/app"
	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/lingomarket/pkg/config"
	"github.com/felixgeelhaar/lingomarket/pkg/observability"
)

func main() {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logCfg := observability.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Format = observability.LogFormat(cfg.LogFormat)
	logCfg.Output = os.Stdout
	logCfg.ServiceName = "lingomarket-worker"
	logger := observability.NewLogger(logCfg)

	logger.Info("starting lingomarket worker")

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	container, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}
	defer container.Close()
	logger.Info("connected to database", "driver", container.DBDriver)

	processor := container.OutboxProcessor
	go func() {
		_ = processor.Run(ctx)
	}()

	go every(ctx, cfg.OutboxCleanupInterval, func() {
		if _, err := processor.Cleanup(ctx, cfg.OutboxRetention()); err != nil {
			logger.Error("outbox cleanup failed", "error", err)
		}
	})

	go every(ctx, cfg.OutboxStatsInterval, func() {
		logStats(logger, processor.Stats())
	})

	// Without an external scheduler calling the cron endpoint the worker
	// runs the lifecycle scan itself.
	if cfg.ScanInterval > 0 {
		logger.Info("scheduling lifecycle scan", "interval", cfg.ScanInterval)
		go every(ctx, cfg.ScanInterval, func() {
			summary, err := container.TrialEvaluator.Run(ctx)
			if err != nil {
				logger.Error("lifecycle scan failed", "error", err)
				return
			}
			logger.Info("lifecycle scan completed",
				"trials_activated", summary.TrialsActivated,
				"trials_payment_required", summary.TrialsPaymentRequired,
				"renewals", summary.Renewals,
				"expired", summary.Expired,
				"retries_due", summary.RetriesDue,
				"fallbacks", summary.Fallbacks,
				"errors", summary.Errors,
				"skipped", summary.Skipped,
			)
		})
	}

	if cfg.WorkerHealthAddr != "" {
		healthSrv := &http.Server{
			Addr:              cfg.WorkerHealthAddr,
			Handler:           healthMux(container, processor),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("health server starting", "addr", cfg.WorkerHealthAddr)
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", "error", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := healthSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown error", "error", err)
			}
		}()
	}

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("worker stopped")
}

func healthMux(container *app.Container, processor *outbox.Processor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		stats := processor.Stats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":            "ok",
			"published":         stats.Published,
			"failed":            stats.Failed,
			"dead":              stats.Dead,
			"lag_seconds":       stats.LagSeconds,
			"last_processed_at": stats.LastProcessedAt,
			"last_error":        stats.LastError,
		})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		health := container.Health.Check(checkCtx)
		w.Header().Set("Content-Type", "application/json")
		if health.Status == observability.HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	})

	mux.Handle("/metrics", container.Metrics.Handler())
	return mux
}

func logStats(logger *slog.Logger, stats outbox.Stats) {
	logger.Info("outbox stats",
		"published", stats.Published,
		"failed", stats.Failed,
		"dead", stats.Dead,
		"lag_seconds", stats.LagSeconds,
		"last_processed_at", stats.LastProcessedAt,
		"last_error", stats.LastError,
	)
}

// every calls fn each interval until ctx is done. A non-positive interval
// disables the loop.
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
