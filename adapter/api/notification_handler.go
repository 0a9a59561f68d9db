package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/notifications/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// NotificationStore lists and acknowledges in-app notifications.
type NotificationStore interface {
	List(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
}

// NotificationHandler serves a user's in-app notifications.
type NotificationHandler struct {
	store  NotificationStore
	logger *slog.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(store NotificationStore, logger *slog.Logger) *NotificationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationHandler{store: store, logger: logger}
}

// RegisterRoutes mounts the notification routes under /api/v1.
func (h *NotificationHandler) RegisterRoutes(router chi.Router) {
	router.Get("/users/{userID}/notifications", h.List)
	router.Post("/notifications/{notificationID}/read", h.MarkRead)
}

type notificationResponse struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
}

// List handles GET /api/v1/users/{userID}/notifications.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	notifications, err := h.store.List(r.Context(), userID, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list notifications", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, notificationResponse{
			ID:        n.ID,
			Type:      n.Type,
			Title:     n.Title,
			Message:   n.Message,
			Metadata:  n.Metadata,
			Read:      n.IsRead(),
			CreatedAt: n.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

// MarkRead handles POST /api/v1/notifications/{notificationID}/read.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "notificationID")
	if !ok {
		return
	}
	err := h.store.MarkRead(r.Context(), id)
	if errors.Is(err, domain.ErrNotificationNotFound) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to mark notification read", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
