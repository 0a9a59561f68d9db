package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/notifications/domain"
	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/migrations"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = migrations.RunSQLiteMigrations(context.Background(), db)
	require.NoError(t, err)
	return db
}

func TestSQLiteRepository_SaveListMarkRead(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepository(setupSQLite(t))

	userID := uuid.New()
	base := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	first, err := domain.NewNotification(userID, "TRIAL_EXPIRED_PAYMENT_REQUIRED", "Your trial has ended", "Add a payment method", map[string]string{"owner_type": "STUDENT"}, base)
	require.NoError(t, err)
	second, err := domain.NewNotification(userID, "POST_TRIAL_PAYMENT_FAILED", "Payment failed", "", nil, base.Add(time.Hour))
	require.NoError(t, err)
	other, err := domain.NewNotification(uuid.New(), "POST_TRIAL_PAYMENT_FAILED", "Payment failed", "", nil, base)
	require.NoError(t, err)

	for _, n := range []*domain.Notification{first, second, other} {
		require.NoError(t, repo.Save(ctx, n))
	}

	list, err := repo.ListByUser(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, "STUDENT", list[1].Metadata["owner_type"])
	assert.False(t, list[1].IsRead())

	require.NoError(t, repo.MarkRead(ctx, first.ID, base.Add(2*time.Hour)))
	// marking twice is harmless
	require.NoError(t, repo.MarkRead(ctx, first.ID, base.Add(3*time.Hour)))

	list, err = repo.ListByUser(ctx, userID, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = repo.ListByUser(ctx, userID, 10)
	require.NoError(t, err)
	require.True(t, list[1].IsRead())
	assert.True(t, list[1].ReadAt.Equal(base.Add(2*time.Hour)))

	assert.ErrorIs(t, repo.MarkRead(ctx, uuid.New(), base), domain.ErrNotificationNotFound)
}
