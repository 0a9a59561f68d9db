package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	billingApp "github.com/felixgeelhaar/lingomarket/internal/billing/application"
	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// PaymentIntents creates post-trial payment intents.
type PaymentIntents interface {
	CreatePostTrialPaymentIntent(ctx context.Context, req billingApp.PaymentIntentRequest) billingApp.PaymentIntentResult
}

// BillingQueries serves the billing read models.
type BillingQueries interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (billingApp.SubscriptionDTO, error)
	ListSubscriptions(ctx context.Context, ownerType domain.OwnerType, ownerID uuid.UUID) ([]billingApp.SubscriptionDTO, error)
	BillingHistory(ctx context.Context, subscriptionID uuid.UUID) ([]billingApp.BillingEntryDTO, error)
	Logs(ctx context.Context, subscriptionID uuid.UUID) ([]billingApp.LogDTO, error)
	Plans(ownerType domain.OwnerType) []billingApp.PlanDTO
	Audit(ctx context.Context, subscriptionID uuid.UUID) (billingApp.AuditResult, error)
}

// BillingHandler handles subscription and payment requests.
type BillingHandler struct {
	payments PaymentIntents
	queries  BillingQueries
	logger   *slog.Logger
}

// NewBillingHandler creates a new billing handler.
func NewBillingHandler(payments PaymentIntents, queries BillingQueries, logger *slog.Logger) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{payments: payments, queries: queries, logger: logger}
}

// RegisterRoutes mounts the billing routes under /api/v1.
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Get("/plans/{ownerType}", h.ListPlans)
	router.Get("/owners/{ownerType}/{ownerID}/subscriptions", h.ListSubscriptions)
	router.Route("/subscriptions/{subscriptionID}", func(r chi.Router) {
		r.Get("/", h.GetSubscription)
		r.Get("/billing-history", h.BillingHistory)
		r.Get("/logs", h.Logs)
		r.Get("/audit", h.Audit)
		r.Post("/payment-intents", h.CreatePaymentIntent)
	})
}

// createPaymentIntentRequest is the body of POST .../payment-intents.
type createPaymentIntentRequest struct {
	UserID       string `json:"userId" validate:"required,uuid"`
	UserType     string `json:"userType" validate:"required,oneof=STUDENT INSTITUTION"`
	PlanType     string `json:"planType" validate:"required"`
	BillingCycle string `json:"billingCycle" validate:"required,oneof=MONTHLY ANNUAL"`
	Amount       int64  `json:"amount" validate:"gt=0"`
	Currency     string `json:"currency" validate:"omitempty,len=3"`
	Email        string `json:"email" validate:"omitempty,email"`
	Name         string `json:"name"`
}

// CreatePaymentIntent handles POST /api/v1/subscriptions/{subscriptionID}/payment-intents.
func (h *BillingHandler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	subscriptionID, ok := pathUUID(w, r, "subscriptionID")
	if !ok {
		return
	}

	var body createPaymentIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := getValidator().Struct(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": fieldErrors(err),
		})
		return
	}

	result := h.payments.CreatePostTrialPaymentIntent(r.Context(), billingApp.PaymentIntentRequest{
		SubscriptionID: subscriptionID,
		UserID:         uuid.MustParse(body.UserID),
		UserType:       domain.OwnerType(body.UserType),
		PlanType:       body.PlanType,
		BillingCycle:   body.BillingCycle,
		Amount:         body.Amount,
		Currency:       body.Currency,
		Email:          body.Email,
		Name:           body.Name,
	})

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

// GetSubscription handles GET /api/v1/subscriptions/{subscriptionID}.
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "subscriptionID")
	if !ok {
		return
	}
	sub, err := h.queries.GetSubscription(r.Context(), id)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// ListSubscriptions handles GET /api/v1/owners/{ownerType}/{ownerID}/subscriptions.
func (h *BillingHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	ownerType, err := domain.ParseOwnerType(chi.URLParam(r, "ownerType"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ownerID, ok := pathUUID(w, r, "ownerID")
	if !ok {
		return
	}
	subs, err := h.queries.ListSubscriptions(r.Context(), ownerType, ownerID)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

// BillingHistory handles GET /api/v1/subscriptions/{subscriptionID}/billing-history.
func (h *BillingHandler) BillingHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "subscriptionID")
	if !ok {
		return
	}
	entries, err := h.queries.BillingHistory(r.Context(), id)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Logs handles GET /api/v1/subscriptions/{subscriptionID}/logs.
func (h *BillingHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "subscriptionID")
	if !ok {
		return
	}
	logs, err := h.queries.Logs(r.Context(), id)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// Audit handles GET /api/v1/subscriptions/{subscriptionID}/audit.
func (h *BillingHandler) Audit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "subscriptionID")
	if !ok {
		return
	}
	result, err := h.queries.Audit(r.Context(), id)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListPlans handles GET /api/v1/plans/{ownerType}.
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	ownerType, err := domain.ParseOwnerType(chi.URLParam(r, "ownerType"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": h.queries.Plans(ownerType)})
}

func (h *BillingHandler) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	h.logger.ErrorContext(r.Context(), "billing query failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
