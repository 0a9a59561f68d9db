package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotificationNotFound is returned when a notification does not exist.
var ErrNotificationNotFound = errors.New("notification not found")

// Notification is an in-app message for one user.
type Notification struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Type      string
	Title     string
	Message   string
	Metadata  map[string]string
	ReadAt    *time.Time
	CreatedAt time.Time
}

// NewNotification creates an unread notification.
func NewNotification(userID uuid.UUID, kind, title, message string, metadata map[string]string, now time.Time) (*Notification, error) {
	if userID == uuid.Nil {
		return nil, errors.New("notification user is required")
	}
	if kind == "" || title == "" {
		return nil, errors.New("notification type and title are required")
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      kind,
		Title:     title,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: now.UTC(),
	}, nil
}

// IsRead reports whether the user has seen the notification.
func (n *Notification) IsRead() bool { return n.ReadAt != nil }

// Repository stores notifications.
type Repository interface {
	Save(ctx context.Context, n *Notification) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error
}
