package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

// SQLiteAccountRepository implements domain.AccountRepository with SQLite.
type SQLiteAccountRepository struct {
	db *sql.DB
}

// NewSQLiteAccountRepository creates a new repository.
func NewSQLiteAccountRepository(db *sql.DB) *SQLiteAccountRepository {
	return &SQLiteAccountRepository{db: db}
}

// FindByOwner returns the account or domain.ErrAccountNotFound.
func (r *SQLiteAccountRepository) FindByOwner(ctx context.Context, ownerType domain.OwnerType, ownerID uuid.UUID) (*domain.BillingAccount, error) {
	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	var (
		email, name, created, updated string
		customerID                    sql.NullString
	)
	err := exec.QueryRowContext(ctx, `
		SELECT email, name, provider_customer_id, created_at, updated_at
		FROM billing_accounts
		WHERE owner_type = ? AND owner_id = ?`,
		string(ownerType), ownerID.String(),
	).Scan(&email, &name, &customerID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrAccountNotFound, ownerType, ownerID)
	}
	if err != nil {
		return nil, err
	}

	acct := &domain.BillingAccount{
		OwnerType:          ownerType,
		OwnerID:            ownerID,
		Email:              email,
		Name:               name,
		ProviderCustomerID: customerID.String,
	}
	if acct.CreatedAt, err = sharedPersistence.ParseSQLiteTime(created); err != nil {
		return nil, err
	}
	if acct.UpdatedAt, err = sharedPersistence.ParseSQLiteTime(updated); err != nil {
		return nil, err
	}
	return acct, nil
}

// Save inserts or updates the account.
func (r *SQLiteAccountRepository) Save(ctx context.Context, a *domain.BillingAccount) error {
	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO billing_accounts (
			owner_type, owner_id, email, name, provider_customer_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_type, owner_id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			provider_customer_id = excluded.provider_customer_id,
			updated_at = excluded.updated_at`,
		string(a.OwnerType),
		a.OwnerID.String(),
		a.Email,
		a.Name,
		nullString(a.ProviderCustomerID),
		sharedPersistence.FormatSQLiteTime(a.CreatedAt),
		sharedPersistence.FormatSQLiteTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save billing account: %w", err)
	}
	return nil
}
