package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/notifications/domain"
	sharedPersistence "github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

// SQLiteRepository implements domain.Repository for SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a SQLite notification repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Save(ctx context.Context, n *domain.Notification) error {
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("encode notification metadata: %w", err)
	}
	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	_, err = exec.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, metadata, read_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID.String(), n.UserID.String(), n.Type, n.Title, n.Message, string(metadata),
		sharedPersistence.FormatSQLiteTimePtr(n.ReadAt), sharedPersistence.FormatSQLiteTime(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Notification, error) {
	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT id, user_id, type, title, message, metadata, read_at, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Notification
	for rows.Next() {
		var (
			n                           domain.Notification
			id, user, metadata, created string
			readAt                      sql.NullString
		)
		if err := rows.Scan(&id, &user, &n.Type, &n.Title, &n.Message, &metadata, &readAt, &created); err != nil {
			return nil, err
		}
		if n.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if n.UserID, err = uuid.Parse(user); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &n.Metadata); err != nil {
			return nil, fmt.Errorf("decode notification metadata: %w", err)
		}
		if n.ReadAt, err = sharedPersistence.ParseSQLiteTimePtr(readAt); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = sharedPersistence.ParseSQLiteTime(created); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error {
	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	res, err := exec.ExecContext(ctx,
		`UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`,
		sharedPersistence.FormatSQLiteTime(at), id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := exec.QueryRowContext(ctx, `SELECT 1 FROM notifications WHERE id = ?`, id.String()).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotificationNotFound
		}
		return err
	}
	return nil
}
