package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAccountRepository implements domain.AccountRepository with PostgreSQL.
type PostgresAccountRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresAccountRepository creates a new repository.
func NewPostgresAccountRepository(pool *pgxpool.Pool) *PostgresAccountRepository {
	return &PostgresAccountRepository{pool: pool}
}

// FindByOwner returns the account or domain.ErrAccountNotFound.
func (r *PostgresAccountRepository) FindByOwner(ctx context.Context, ownerType domain.OwnerType, ownerID uuid.UUID) (*domain.BillingAccount, error) {
	acct := &domain.BillingAccount{OwnerType: ownerType, OwnerID: ownerID}
	var customerID *string
	err := sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx, `
		SELECT email, name, provider_customer_id, created_at, updated_at
		FROM billing_accounts
		WHERE owner_type = $1 AND owner_id = $2`,
		string(ownerType), ownerID,
	).Scan(&acct.Email, &acct.Name, &customerID, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrAccountNotFound, ownerType, ownerID)
	}
	if err != nil {
		return nil, err
	}
	acct.ProviderCustomerID = deref(customerID)
	return acct, nil
}

// Save inserts or updates the account.
func (r *PostgresAccountRepository) Save(ctx context.Context, a *domain.BillingAccount) error {
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO billing_accounts (
			owner_type, owner_id, email, name, provider_customer_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_type, owner_id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			provider_customer_id = EXCLUDED.provider_customer_id,
			updated_at = EXCLUDED.updated_at`,
		string(a.OwnerType),
		a.OwnerID,
		a.Email,
		a.Name,
		optionalString(a.ProviderCustomerID),
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save billing account: %w", err)
	}
	return nil
}
