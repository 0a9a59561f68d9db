// Package api provides the HTTP API for billing: the scheduled scan
// trigger, post-trial payments, the payment provider webhook and read models.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/lingomarket/pkg/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the HTTP API server.
type Server struct {
	router chi.Router
	server *http.Server
	logger *slog.Logger
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the default server configuration. The write
// timeout leaves room for a full lifecycle scan.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// Handlers are the route groups mounted by the server. Nil groups are skipped.
type Handlers struct {
	Cron          *CronHandler
	Billing       *BillingHandler
	Webhooks      *WebhookHandler
	Notifications *NotificationHandler
	Health        *observability.HealthRegistry
	Metrics       http.Handler
	// Recorder receives per-request metrics.
	Recorder observability.Metrics
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, h Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router: NewRouter(h, logger),
		logger: logger,
	}
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// NewRouter builds the route tree.
func NewRouter(h Handlers, logger *slog.Logger) chi.Router {
	if h.Recorder == nil {
		h.Recorder = observability.NoopMetrics{}
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestContext)
	router.Use(requestLogger(logger))
	router.Use(requestMetrics(h.Recorder))
	router.Use(middleware.Recoverer)

	router.Get("/health", healthHandler(h.Health))
	if h.Metrics != nil {
		router.Handle("/metrics", h.Metrics)
	}

	if h.Cron != nil {
		h.Cron.RegisterRoutes(router)
	}
	if h.Webhooks != nil {
		h.Webhooks.RegisterRoutes(router)
	}

	router.Route("/api/v1", func(r chi.Router) {
		if h.Billing != nil {
			h.Billing.RegisterRoutes(r)
		}
		if h.Notifications != nil {
			h.Notifications.RegisterRoutes(r)
		}
	})

	return router
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

func healthHandler(registry *observability.HealthRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if registry == nil {
			writeJSON(w, http.StatusOK, map[string]string{
				"status": string(observability.HealthStatusHealthy),
				"time":   time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		health := registry.Check(r.Context())
		status := http.StatusOK
		if health.Status == observability.HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
