package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

// SQLiteLedgerRepository implements domain.LedgerRepository with SQLite.
// The tables reject updates and deletes through triggers.
type SQLiteLedgerRepository struct {
	db *sql.DB
}

// NewSQLiteLedgerRepository creates a new repository.
func NewSQLiteLedgerRepository(db *sql.DB) *SQLiteLedgerRepository {
	return &SQLiteLedgerRepository{db: db}
}

// AppendBillingHistory inserts one billing history row.
func (r *SQLiteLedgerRepository) AppendBillingHistory(ctx context.Context, e *domain.BillingHistoryEntry) error {
	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO billing_history (
			id, subscription_id, owner_type, owner_id, amount, currency, status,
			payment_method, invoice_number, transaction_id, description, billing_date, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(),
		e.SubscriptionID.String(),
		string(e.OwnerType),
		e.OwnerID.String(),
		e.Amount.Amount,
		e.Amount.Currency,
		string(e.Status),
		e.PaymentMethod,
		e.InvoiceNumber,
		nullString(e.TransactionID),
		e.Description,
		sharedPersistence.FormatSQLiteTime(e.BillingDate),
		sharedPersistence.FormatSQLiteTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append billing history: %w", err)
	}
	return nil
}

// AppendLog inserts one subscription log row.
func (r *SQLiteLedgerRepository) AppendLog(ctx context.Context, l *domain.SubscriptionLog) error {
	metadata, err := domain.MarshalLogDetail(l.Detail)
	if err != nil {
		return err
	}

	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	_, err = exec.ExecContext(ctx, `
		INSERT INTO subscription_logs (
			id, subscription_id, owner_type, action, old_plan, new_plan, old_amount, new_amount,
			old_billing_cycle, new_billing_cycle, actor, reason, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(),
		l.SubscriptionID.String(),
		string(l.OwnerType),
		string(l.Action),
		nullString(string(l.OldPlan)),
		nullString(string(l.NewPlan)),
		nullInt64(l.OldAmount),
		nullInt64(l.NewAmount),
		nullString(string(l.OldBillingCycle)),
		nullString(string(l.NewBillingCycle)),
		l.Actor,
		l.Reason,
		nullString(string(metadata)),
		sharedPersistence.FormatSQLiteTime(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append subscription log %s: %w", l.Action, err)
	}
	return nil
}

// ListBillingHistory returns a subscription's billing rows in insertion order.
func (r *SQLiteLedgerRepository) ListBillingHistory(ctx context.Context, subscriptionID uuid.UUID) ([]*domain.BillingHistoryEntry, error) {
	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT id, subscription_id, owner_type, owner_id, amount, currency, status,
		       payment_method, invoice_number, transaction_id, description, billing_date, created_at
		FROM billing_history
		WHERE subscription_id = ?
		ORDER BY seq`, subscriptionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.BillingHistoryEntry
	for rows.Next() {
		var (
			id, subID, ownerType, ownerID, currency, status string
			method, invoice, description, billed, created   string
			amount                                          int64
			txID                                            sql.NullString
		)
		if err := rows.Scan(&id, &subID, &ownerType, &ownerID, &amount, &currency, &status,
			&method, &invoice, &txID, &description, &billed, &created); err != nil {
			return nil, err
		}

		e := &domain.BillingHistoryEntry{
			OwnerType:     domain.OwnerType(ownerType),
			Amount:        domain.Money{Amount: amount, Currency: currency},
			Status:        domain.BillingStatus(status),
			PaymentMethod: method,
			InvoiceNumber: invoice,
			TransactionID: txID.String,
			Description:   description,
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if e.SubscriptionID, err = uuid.Parse(subID); err != nil {
			return nil, err
		}
		if e.OwnerID, err = uuid.Parse(ownerID); err != nil {
			return nil, err
		}
		if e.BillingDate, err = sharedPersistence.ParseSQLiteTime(billed); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = sharedPersistence.ParseSQLiteTime(created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListLogs returns a subscription's log rows in insertion order.
func (r *SQLiteLedgerRepository) ListLogs(ctx context.Context, subscriptionID uuid.UUID) ([]*domain.SubscriptionLog, error) {
	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT id, subscription_id, owner_type, action, old_plan, new_plan, old_amount, new_amount,
		       old_billing_cycle, new_billing_cycle, actor, reason, metadata, created_at
		FROM subscription_logs
		WHERE subscription_id = ?
		ORDER BY seq`, subscriptionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.SubscriptionLog
	for rows.Next() {
		var (
			id, subID, ownerType, action, actor, reason, created string
			oldPlan, newPlan, oldCycle, newCycle, metadata       sql.NullString
			oldAmount, newAmount                                 sql.NullInt64
		)
		if err := rows.Scan(&id, &subID, &ownerType, &action, &oldPlan, &newPlan, &oldAmount, &newAmount,
			&oldCycle, &newCycle, &actor, &reason, &metadata, &created); err != nil {
			return nil, err
		}

		l := &domain.SubscriptionLog{
			OwnerType:       domain.OwnerType(ownerType),
			Action:          domain.Action(action),
			OldPlan:         domain.PlanType(oldPlan.String),
			NewPlan:         domain.PlanType(newPlan.String),
			OldAmount:       int64Ptr(oldAmount),
			NewAmount:       int64Ptr(newAmount),
			OldBillingCycle: domain.BillingCycle(oldCycle.String),
			NewBillingCycle: domain.BillingCycle(newCycle.String),
			Actor:           actor,
			Reason:          reason,
		}
		if l.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if l.SubscriptionID, err = uuid.Parse(subID); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = sharedPersistence.ParseSQLiteTime(created); err != nil {
			return nil, err
		}
		if l.Detail, err = domain.UnmarshalLogDetail([]byte(metadata.String)); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CountLogs counts a subscription's log rows with the given action.
func (r *SQLiteLedgerRepository) CountLogs(ctx context.Context, subscriptionID uuid.UUID, action domain.Action) (int, error) {
	exec := sharedPersistence.SQLiteExecutor(ctx, r.db)
	var n int
	err := exec.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscription_logs WHERE subscription_id = ? AND action = ?`,
		subscriptionID.String(), string(action),
	).Scan(&n)
	return n, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
