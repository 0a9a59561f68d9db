package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	billingApp "github.com/felixgeelhaar/lingomarket/internal/billing/application"
	"github.com/go-chi/chi/v5"
)

// TrialScanner runs the lifecycle scan.
type TrialScanner interface {
	Run(ctx context.Context) (billingApp.ScanSummary, error)
}

// CronHandler exposes the lifecycle scan to an external scheduler.
type CronHandler struct {
	scanner TrialScanner
	secret  string
	logger  *slog.Logger
	now     func() time.Time
}

// NewCronHandler creates the handler. An empty secret rejects every call.
func NewCronHandler(scanner TrialScanner, secret string, logger *slog.Logger) *CronHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronHandler{scanner: scanner, secret: secret, logger: logger, now: time.Now}
}

// RegisterRoutes mounts the cron routes.
func (h *CronHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/cron/trial-expiration", h.TrialExpiration)
	router.Post("/api/cron/trial-expiration", h.TrialExpiration)
}

type cronResponse struct {
	Success   bool                    `json:"success"`
	Summary   *billingApp.ScanSummary `json:"summary,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// TrialExpiration handles GET|POST /api/cron/trial-expiration.
func (h *CronHandler) TrialExpiration(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.logger.WarnContext(r.Context(), "unauthorized cron call", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	summary, err := h.scanner.Run(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "trial expiration scan failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, cronResponse{
			Success:   false,
			Error:     err.Error(),
			Timestamp: h.now().UTC(),
		})
		return
	}

	writeJSON(w, http.StatusOK, cronResponse{
		Success:   true,
		Summary:   &summary,
		Timestamp: h.now().UTC(),
	})
}

func (h *CronHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}
