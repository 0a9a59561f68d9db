package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionRepository persists subscriptions. Save is version-checked and
// returns ErrConcurrentModification when the row changed since it was read.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *Subscription) error
	Save(ctx context.Context, sub *Subscription) error
	FindByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	ListByOwner(ctx context.Context, ownerType OwnerType, ownerID uuid.UUID) ([]*Subscription, error)

	// The scan listings page by id: each returns up to limit rows with an id
	// greater than after, in id order. Pass uuid.Nil for the first page.

	// ListEnded returns subscriptions in status whose end date is at or before cutoff.
	ListEnded(ctx context.Context, status Status, cutoff time.Time, after uuid.UUID, limit int) ([]*Subscription, error)
	// ListRetryDue returns PAYMENT_REQUIRED subscriptions with a scheduled retry at or before cutoff.
	ListRetryDue(ctx context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]*Subscription, error)
	// ListExhausted returns PAYMENT_REQUIRED subscriptions with at least minFailures failed payments.
	ListExhausted(ctx context.Context, minFailures int, after uuid.UUID, limit int) ([]*Subscription, error)
}

// LedgerRepository appends billing history and subscription log rows.
// Rows are never updated or deleted.
type LedgerRepository interface {
	AppendBillingHistory(ctx context.Context, entry *BillingHistoryEntry) error
	AppendLog(ctx context.Context, entry *SubscriptionLog) error
	ListBillingHistory(ctx context.Context, subscriptionID uuid.UUID) ([]*BillingHistoryEntry, error)
	ListLogs(ctx context.Context, subscriptionID uuid.UUID) ([]*SubscriptionLog, error)
	CountLogs(ctx context.Context, subscriptionID uuid.UUID, action Action) (int, error)
}

// AccountRepository persists billing accounts.
type AccountRepository interface {
	FindByOwner(ctx context.Context, ownerType OwnerType, ownerID uuid.UUID) (*BillingAccount, error)
	Save(ctx context.Context, account *BillingAccount) error
}
