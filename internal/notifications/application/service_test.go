package application

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/felixgeelhaar/lingomarket/internal/notifications/domain"
	"github.com/felixgeelhaar/lingomarket/internal/notifications/infrastructure/persistence"
	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/migrations"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

type fakeSender struct {
	sent []Email
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg Email) error {
	f.sent = append(f.sent, msg)
	return f.err
}

type staticDirectory map[uuid.UUID]Recipient

func (d staticDirectory) Lookup(_ context.Context, userID uuid.UUID, _ map[string]string) (Recipient, bool, error) {
	r, ok := d[userID]
	return r, ok, nil
}

func newRepo(t *testing.T) domain.Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = migrations.RunSQLiteMigrations(context.Background(), db)
	require.NoError(t, err)
	return persistence.NewSQLiteRepository(db)
}

func TestService_DeliverStoresAndEmails(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	sender := &fakeSender{}
	svc := NewService(newRepo(t), sender, staticDirectory{userID: {Email: "ana@example.com", Name: "Ana"}}, nil)

	err := svc.Deliver(ctx, Message{
		UserID:   userID,
		Type:     "TRIAL_EXPIRED_PAYMENT_REQUIRED",
		Title:    "Your free trial has ended",
		Body:     "Add a payment method.",
		Metadata: map[string]string{"subscription_id": "abc"},
	})
	require.NoError(t, err)

	list, err := svc.List(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "TRIAL_EXPIRED_PAYMENT_REQUIRED", list[0].Type)
	assert.Equal(t, "abc", list[0].Metadata["subscription_id"])
	assert.False(t, list[0].IsRead())

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ana@example.com", sender.sent[0].To)
	assert.Equal(t, "Your free trial has ended", sender.sent[0].Subject)

	require.NoError(t, svc.MarkRead(ctx, list[0].ID))
	list, err = svc.List(ctx, userID, 10)
	require.NoError(t, err)
	assert.True(t, list[0].IsRead())

	assert.ErrorIs(t, svc.MarkRead(ctx, uuid.New()), domain.ErrNotificationNotFound)
}

func TestService_EmailFailureKeepsInAppCopy(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	sender := &fakeSender{err: errors.New("sendgrid responded 401")}
	svc := NewService(newRepo(t), sender, staticDirectory{userID: {Email: "ana@example.com"}}, nil)

	err := svc.Deliver(ctx, Message{UserID: userID, Type: "PAYMENT_RETRY_DUE", Title: "Retry"})
	require.Error(t, err)

	list, err := svc.List(ctx, userID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestService_SkipsEmailWithoutAddress(t *testing.T) {
	sender := &fakeSender{}
	svc := NewService(newRepo(t), sender, staticDirectory{}, nil)

	require.NoError(t, svc.Deliver(context.Background(), Message{UserID: uuid.New(), Type: "X", Title: "Hello"}))
	assert.Empty(t, sender.sent)
}

func TestService_RejectsInvalidMessages(t *testing.T) {
	svc := NewService(newRepo(t), nil, nil, nil)
	assert.Error(t, svc.Deliver(context.Background(), Message{Type: "X", Title: "no user"}))
	assert.Error(t, svc.Deliver(context.Background(), Message{UserID: uuid.New()}))
}
