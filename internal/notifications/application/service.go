package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/notifications/domain"
	"github.com/google/uuid"
)

// Message is a notification to deliver.
type Message struct {
	UserID   uuid.UUID
	Type     string
	Title    string
	Body     string
	Metadata map[string]string
}

// Email is one outgoing email.
type Email struct {
	To         string
	ToName     string
	Subject    string
	Text       string
	Categories map[string]string
}

// EmailSender delivers emails.
type EmailSender interface {
	Send(ctx context.Context, msg Email) error
}

// Recipient is where a user's emails go.
type Recipient struct {
	Email string
	Name  string
}

// RecipientDirectory resolves the email address of a user. The message
// metadata helps directories that key users by more than their id.
type RecipientDirectory interface {
	Lookup(ctx context.Context, userID uuid.UUID, metadata map[string]string) (Recipient, bool, error)
}

// Service stores in-app notifications and mirrors them by email when a
// sender and an address are available.
type Service struct {
	repo      domain.Repository
	sender    EmailSender
	directory RecipientDirectory
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a notification service. sender and directory may be nil.
func NewService(repo domain.Repository, sender EmailSender, directory RecipientDirectory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		sender:    sender,
		directory: directory,
		logger:    logger.With("component", "notifications"),
		now:       time.Now,
	}
}

// Deliver stores the notification and emails it. The in-app copy is kept
// even when the email fails; the email error is returned.
func (s *Service) Deliver(ctx context.Context, msg Message) error {
	n, err := domain.NewNotification(msg.UserID, msg.Type, msg.Title, msg.Body, msg.Metadata, s.now())
	if err != nil {
		return err
	}
	if err := s.repo.Save(ctx, n); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}

	if s.sender == nil || s.directory == nil {
		return nil
	}
	recipient, ok, err := s.directory.Lookup(ctx, msg.UserID, msg.Metadata)
	if err != nil {
		return fmt.Errorf("look up recipient: %w", err)
	}
	if !ok || recipient.Email == "" {
		s.logger.DebugContext(ctx, "no email address for user", "user_id", msg.UserID, "type", msg.Type)
		return nil
	}

	err = s.sender.Send(ctx, Email{
		To:         recipient.Email,
		ToName:     recipient.Name,
		Subject:    msg.Title,
		Text:       msg.Body,
		Categories: map[string]string{"type": msg.Type},
	})
	if err != nil {
		return fmt.Errorf("email notification %s: %w", n.ID, err)
	}
	return nil
}

// List returns the newest notifications of a user.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

// MarkRead marks a notification as read.
func (s *Service) MarkRead(ctx context.Context, id uuid.UUID) error {
	err := s.repo.MarkRead(ctx, id, s.now())
	if errors.Is(err, domain.ErrNotificationNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}
