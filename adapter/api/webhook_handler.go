package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	billingApp "github.com/felixgeelhaar/lingomarket/internal/billing/application"
	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 65536

// WebhookParser verifies and decodes a provider webhook.
type WebhookParser interface {
	Parse(payload []byte, signature string) (billingApp.PaymentEvent, error)
}

// PaymentEventDispatcher routes verified payment events.
type PaymentEventDispatcher interface {
	Dispatch(ctx context.Context, event billingApp.PaymentEvent) error
}

// WebhookHandler receives payment provider webhooks.
type WebhookHandler struct {
	parser     WebhookParser
	dispatcher PaymentEventDispatcher
	logger     *slog.Logger
}

// NewWebhookHandler creates the handler. A nil parser answers 503 until
// webhook verification is configured.
func NewWebhookHandler(parser WebhookParser, dispatcher PaymentEventDispatcher, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{parser: parser, dispatcher: dispatcher, logger: logger}
}

// RegisterRoutes mounts the webhook routes.
func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/webhooks/stripe", h.Stripe)
}

// Stripe handles POST /api/webhooks/stripe. Handler errors answer 500 so
// the provider redelivers the event.
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	if h.parser == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks are not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	event, err := h.parser.Parse(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.WarnContext(r.Context(), "rejected webhook", "error", err)
		writeError(w, http.StatusBadRequest, "invalid webhook")
		return
	}

	if err := h.dispatcher.Dispatch(r.Context(), event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook handling failed",
			"event_id", event.ID,
			"type", event.Type,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "event handling failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
