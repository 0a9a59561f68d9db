package persistence

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedgerRepository implements domain.LedgerRepository with PostgreSQL.
type PostgresLedgerRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresLedgerRepository creates a new repository.
func NewPostgresLedgerRepository(pool *pgxpool.Pool) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{pool: pool}
}

// AppendBillingHistory inserts one billing history row.
func (r *PostgresLedgerRepository) AppendBillingHistory(ctx context.Context, e *domain.BillingHistoryEntry) error {
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO billing_history (
			id, subscription_id, owner_type, owner_id, amount, currency, status,
			payment_method, invoice_number, transaction_id, description, billing_date, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID,
		e.SubscriptionID,
		string(e.OwnerType),
		e.OwnerID,
		e.Amount.Amount,
		e.Amount.Currency,
		string(e.Status),
		e.PaymentMethod,
		e.InvoiceNumber,
		optionalString(e.TransactionID),
		e.Description,
		e.BillingDate,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append billing history: %w", err)
	}
	return nil
}

// AppendLog inserts one subscription log row.
func (r *PostgresLedgerRepository) AppendLog(ctx context.Context, l *domain.SubscriptionLog) error {
	metadata, err := domain.MarshalLogDetail(l.Detail)
	if err != nil {
		return err
	}

	_, err = sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO subscription_logs (
			id, subscription_id, owner_type, action, old_plan, new_plan, old_amount, new_amount,
			old_billing_cycle, new_billing_cycle, actor, reason, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		l.ID,
		l.SubscriptionID,
		string(l.OwnerType),
		string(l.Action),
		optionalString(string(l.OldPlan)),
		optionalString(string(l.NewPlan)),
		l.OldAmount,
		l.NewAmount,
		optionalString(string(l.OldBillingCycle)),
		optionalString(string(l.NewBillingCycle)),
		l.Actor,
		l.Reason,
		metadata,
		l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append subscription log %s: %w", l.Action, err)
	}
	return nil
}

// ListBillingHistory returns a subscription's billing rows in insertion order.
func (r *PostgresLedgerRepository) ListBillingHistory(ctx context.Context, subscriptionID uuid.UUID) ([]*domain.BillingHistoryEntry, error) {
	rows, err := sharedPersistence.Executor(ctx, r.pool).Query(ctx, `
		SELECT id, subscription_id, owner_type, owner_id, amount, currency, status,
		       payment_method, invoice_number, transaction_id, description, billing_date, created_at
		FROM billing_history
		WHERE subscription_id = $1
		ORDER BY seq`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.BillingHistoryEntry
	for rows.Next() {
		var (
			e                 domain.BillingHistoryEntry
			ownerType, status string
			txID              *string
		)
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &ownerType, &e.OwnerID, &e.Amount.Amount, &e.Amount.Currency,
			&status, &e.PaymentMethod, &e.InvoiceNumber, &txID, &e.Description, &e.BillingDate, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OwnerType = domain.OwnerType(ownerType)
		e.Status = domain.BillingStatus(status)
		if txID != nil {
			e.TransactionID = *txID
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ListLogs returns a subscription's log rows in insertion order.
func (r *PostgresLedgerRepository) ListLogs(ctx context.Context, subscriptionID uuid.UUID) ([]*domain.SubscriptionLog, error) {
	rows, err := sharedPersistence.Executor(ctx, r.pool).Query(ctx, `
		SELECT id, subscription_id, owner_type, action, old_plan, new_plan, old_amount, new_amount,
		       old_billing_cycle, new_billing_cycle, actor, reason, metadata, created_at
		FROM subscription_logs
		WHERE subscription_id = $1
		ORDER BY seq`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.SubscriptionLog
	for rows.Next() {
		var (
			l                                    domain.SubscriptionLog
			ownerType, action                    string
			oldPlan, newPlan, oldCycle, newCycle *string
			metadata                             []byte
		)
		if err := rows.Scan(&l.ID, &l.SubscriptionID, &ownerType, &action, &oldPlan, &newPlan,
			&l.OldAmount, &l.NewAmount, &oldCycle, &newCycle, &l.Actor, &l.Reason, &metadata, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.OwnerType = domain.OwnerType(ownerType)
		l.Action = domain.Action(action)
		l.OldPlan = domain.PlanType(deref(oldPlan))
		l.NewPlan = domain.PlanType(deref(newPlan))
		l.OldBillingCycle = domain.BillingCycle(deref(oldCycle))
		l.NewBillingCycle = domain.BillingCycle(deref(newCycle))
		if l.Detail, err = domain.UnmarshalLogDetail(metadata); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// CountLogs counts a subscription's log rows with the given action.
func (r *PostgresLedgerRepository) CountLogs(ctx context.Context, subscriptionID uuid.UUID, action domain.Action) (int, error) {
	var n int
	err := sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM subscription_logs WHERE subscription_id = $1 AND action = $2`,
		subscriptionID, string(action),
	).Scan(&n)
	return n, err
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
