package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSubscriptionRepository implements domain.SubscriptionRepository with PostgreSQL.
type PostgresSubscriptionRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresSubscriptionRepository creates a new repository.
func NewPostgresSubscriptionRepository(pool *pgxpool.Pool) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{pool: pool}
}

// Create inserts a new subscription at version 1.
func (r *PostgresSubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	s := sub.Snapshot()
	metadata, err := domain.MarshalSubscriptionMetadata(s.Metadata)
	if err != nil {
		return err
	}

	_, err = sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $16, $17)`,
		s.ID,
		string(s.OwnerType),
		s.OwnerID,
		string(s.PlanType),
		string(s.Status),
		string(s.BillingCycle),
		s.Amount,
		s.Currency,
		s.StartDate,
		s.EndDate,
		s.AutoRenew,
		s.PaymentAttempts,
		s.FailedPayments,
		s.NextPaymentAttemptAt,
		metadata,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription %s: %w", s.ID, err)
	}
	sub.SetVersion(1)
	return nil
}

// Save writes the subscription if it still has the version it was read at.
func (r *PostgresSubscriptionRepository) Save(ctx context.Context, sub *domain.Subscription) error {
	s := sub.Snapshot()
	metadata, err := domain.MarshalSubscriptionMetadata(s.Metadata)
	if err != nil {
		return err
	}

	tag, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE subscriptions SET
			plan_type = $1, status = $2, billing_cycle = $3, amount = $4, currency = $5,
			start_date = $6, end_date = $7, auto_renew = $8, payment_attempts = $9,
			failed_payments = $10, next_payment_attempt_at = $11, metadata = $12,
			version = version + 1, updated_at = $13
		WHERE id = $14 AND version = $15`,
		string(s.PlanType),
		string(s.Status),
		string(s.BillingCycle),
		s.Amount,
		s.Currency,
		s.StartDate,
		s.EndDate,
		s.AutoRenew,
		s.PaymentAttempts,
		s.FailedPayments,
		s.NextPaymentAttemptAt,
		metadata,
		s.UpdatedAt,
		s.ID,
		s.Version,
	)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at version %d", domain.ErrConcurrentModification, s.ID, s.Version)
	}
	sub.SetVersion(s.Version + 1)
	return nil
}

// FindByID returns a subscription or domain.ErrSubscriptionNotFound.
func (r *PostgresSubscriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	row := sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanPostgresSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubscriptionNotFound, id)
	}
	return sub, err
}

// ListByOwner returns an owner's subscriptions, newest first.
func (r *PostgresSubscriptionRepository) ListByOwner(ctx context.Context, ownerType domain.OwnerType, ownerID uuid.UUID) ([]*domain.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE owner_type = $1 AND owner_id = $2
		ORDER BY created_at DESC`,
		string(ownerType), ownerID)
}

// ListEnded returns subscriptions in status whose end date has passed cutoff.
func (r *PostgresSubscriptionRepository) ListEnded(ctx context.Context, status domain.Status, cutoff time.Time, after uuid.UUID, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1 AND end_date <= $2 AND id > $3
		ORDER BY id
		LIMIT $4`,
		string(status), cutoff, after, limit)
}

// ListRetryDue returns PAYMENT_REQUIRED subscriptions whose retry date has passed.
func (r *PostgresSubscriptionRepository) ListRetryDue(ctx context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1 AND next_payment_attempt_at IS NOT NULL AND next_payment_attempt_at <= $2 AND id > $3
		ORDER BY id
		LIMIT $4`,
		string(domain.StatusPaymentRequired), cutoff, after, limit)
}

// ListExhausted returns PAYMENT_REQUIRED subscriptions out of payment attempts.
func (r *PostgresSubscriptionRepository) ListExhausted(ctx context.Context, minFailures int, after uuid.UUID, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1 AND failed_payments >= $2 AND id > $3
		ORDER BY id
		LIMIT $4`,
		string(domain.StatusPaymentRequired), minFailures, after, limit)
}

func (r *PostgresSubscriptionRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Subscription, error) {
	rows, err := sharedPersistence.Executor(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		sub, err := scanPostgresSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanPostgresSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		s                                  domain.SubscriptionSnapshot
		ownerType, planType, status, cycle string
		metadata                           []byte
	)
	if err := row.Scan(
		&s.ID, &ownerType, &s.OwnerID, &planType, &status, &cycle, &s.Amount, &s.Currency,
		&s.StartDate, &s.EndDate, &s.AutoRenew, &s.PaymentAttempts, &s.FailedPayments, &s.NextPaymentAttemptAt,
		&metadata, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	s.OwnerType = domain.OwnerType(ownerType)
	s.PlanType = domain.PlanType(planType)
	s.Status = domain.Status(status)
	s.BillingCycle = domain.BillingCycle(cycle)

	var err error
	if s.Metadata, err = domain.UnmarshalSubscriptionMetadata(metadata); err != nil {
		return nil, err
	}
	return domain.RehydrateSubscription(s), nil
}
