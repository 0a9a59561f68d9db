package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

const subscriptionColumns = `id, owner_type, owner_id, plan_type, status, billing_cycle, amount, currency,
	start_date, end_date, auto_renew, payment_attempts, failed_payments, next_payment_attempt_at,
	metadata, version, created_at, updated_at`

// SQLiteSubscriptionRepository implements domain.SubscriptionRepository with SQLite.
type SQLiteSubscriptionRepository struct {
	db *sql.DB
}

// NewSQLiteSubscriptionRepository creates a new repository.
func NewSQLiteSubscriptionRepository(db *sql.DB) *SQLiteSubscriptionRepository {
	return &SQLiteSubscriptionRepository{db: db}
}

// Create inserts a new subscription at version 1.
func (r *SQLiteSubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	s := sub.Snapshot()
	metadata, err := domain.MarshalSubscriptionMetadata(s.Metadata)
	if err != nil {
		return err
	}

	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	_, err = exec.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		s.ID.String(),
		string(s.OwnerType),
		s.OwnerID.String(),
		string(s.PlanType),
		string(s.Status),
		string(s.BillingCycle),
		s.Amount,
		s.Currency,
		sharedPersistence.FormatSQLiteTime(s.StartDate),
		sharedPersistence.FormatSQLiteTime(s.EndDate),
		boolToInt(s.AutoRenew),
		s.PaymentAttempts,
		s.FailedPayments,
		sharedPersistence.FormatSQLiteTimePtr(s.NextPaymentAttemptAt),
		string(metadata),
		sharedPersistence.FormatSQLiteTime(s.CreatedAt),
		sharedPersistence.FormatSQLiteTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert subscription %s: %w", s.ID, err)
	}
	sub.SetVersion(1)
	return nil
}

// Save writes the subscription if it still has the version it was read at.
func (r *SQLiteSubscriptionRepository) Save(ctx context.Context, sub *domain.Subscription) error {
	s := sub.Snapshot()
	metadata, err := domain.MarshalSubscriptionMetadata(s.Metadata)
	if err != nil {
		return err
	}

	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	res, err := exec.ExecContext(ctx, `
		UPDATE subscriptions SET
			plan_type = ?, status = ?, billing_cycle = ?, amount = ?, currency = ?,
			start_date = ?, end_date = ?, auto_renew = ?, payment_attempts = ?,
			failed_payments = ?, next_payment_attempt_at = ?, metadata = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(s.PlanType),
		string(s.Status),
		string(s.BillingCycle),
		s.Amount,
		s.Currency,
		sharedPersistence.FormatSQLiteTime(s.StartDate),
		sharedPersistence.FormatSQLiteTime(s.EndDate),
		boolToInt(s.AutoRenew),
		s.PaymentAttempts,
		s.FailedPayments,
		sharedPersistence.FormatSQLiteTimePtr(s.NextPaymentAttemptAt),
		string(metadata),
		sharedPersistence.FormatSQLiteTime(s.UpdatedAt),
		s.ID.String(),
		s.Version,
	)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s at version %d", domain.ErrConcurrentModification, s.ID, s.Version)
	}
	sub.SetVersion(s.Version + 1)
	return nil
}

// FindByID returns a subscription or domain.ErrSubscriptionNotFound.
func (r *SQLiteSubscriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	row := exec.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id.String())
	sub, err := scanSQLiteSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubscriptionNotFound, id)
	}
	return sub, err
}

// ListByOwner returns an owner's subscriptions, newest first.
func (r *SQLiteSubscriptionRepository) ListByOwner(ctx context.Context, ownerType domain.OwnerType, ownerID uuid.UUID) ([]*domain.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE owner_type = ? AND owner_id = ?
		ORDER BY created_at DESC`,
		string(ownerType), ownerID.String())
}

// ListEnded returns subscriptions in status whose end date has passed cutoff.
func (r *SQLiteSubscriptionRepository) ListEnded(ctx context.Context, status domain.Status, cutoff time.Time, after uuid.UUID, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND end_date <= ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		string(status), sharedPersistence.FormatSQLiteTime(cutoff), after.String(), limit)
}

// ListRetryDue returns PAYMENT_REQUIRED subscriptions whose retry date has passed.
func (r *SQLiteSubscriptionRepository) ListRetryDue(ctx context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND next_payment_attempt_at IS NOT NULL AND next_payment_attempt_at <= ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		string(domain.StatusPaymentRequired), sharedPersistence.FormatSQLiteTime(cutoff), after.String(), limit)
}

// ListExhausted returns PAYMENT_REQUIRED subscriptions out of payment attempts.
func (r *SQLiteSubscriptionRepository) ListExhausted(ctx context.Context, minFailures int, after uuid.UUID, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND failed_payments >= ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		string(domain.StatusPaymentRequired), minFailures, after.String(), limit)
}

func (r *SQLiteSubscriptionRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Subscription, error) {
	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		sub, err := scanSQLiteSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSubscription(row rowScanner) (*domain.Subscription, error) {
	var (
		id, ownerType, ownerID, planType, status, cycle, currency string
		startDate, endDate, metadata, createdAt, updatedAt        string
		amount                                                    int64
		autoRenew, attempts, failed, version                      int
		nextAttempt                                               sql.NullString
	)
	if err := row.Scan(
		&id, &ownerType, &ownerID, &planType, &status, &cycle, &amount, &currency,
		&startDate, &endDate, &autoRenew, &attempts, &failed, &nextAttempt,
		&metadata, &version, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	s := domain.SubscriptionSnapshot{
		OwnerType:       domain.OwnerType(ownerType),
		PlanType:        domain.PlanType(planType),
		Status:          domain.Status(status),
		BillingCycle:    domain.BillingCycle(cycle),
		Amount:          amount,
		Currency:        currency,
		AutoRenew:       autoRenew != 0,
		PaymentAttempts: attempts,
		FailedPayments:  failed,
		Version:         version,
	}

	var err error
	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if s.OwnerID, err = uuid.Parse(ownerID); err != nil {
		return nil, err
	}
	if s.StartDate, err = sharedPersistence.ParseSQLiteTime(startDate); err != nil {
		return nil, err
	}
	if s.EndDate, err = sharedPersistence.ParseSQLiteTime(endDate); err != nil {
		return nil, err
	}
	if s.NextPaymentAttemptAt, err = sharedPersistence.ParseSQLiteTimePtr(nextAttempt); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = sharedPersistence.ParseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = sharedPersistence.ParseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	if s.Metadata, err = domain.UnmarshalSubscriptionMetadata([]byte(metadata)); err != nil {
		return nil, err
	}
	return domain.RehydrateSubscription(s), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
