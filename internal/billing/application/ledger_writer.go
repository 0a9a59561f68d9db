package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/lingomarket/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/lingomarket/internal/shared/domain"
	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/lingomarket/pkg/observability"
)

// Record is everything one lifecycle step writes.
type Record struct {
	Subscriptions []*domain.Subscription
	Billing       []*domain.BillingHistoryEntry
	Logs          []*domain.SubscriptionLog
	Actor         string
}

// LedgerWriter writes subscription changes together with their billing and
// log rows and the events they raised. Commit must run inside a unit of
// work so that all of it lands in one transaction.
type LedgerWriter struct {
	subscriptions domain.SubscriptionRepository
	ledger        domain.LedgerRepository
	outbox        outbox.Repository
	metrics       observability.Metrics
}

// NewLedgerWriter creates a writer. A nil outbox drops domain events.
func NewLedgerWriter(
	subscriptions domain.SubscriptionRepository,
	ledger domain.LedgerRepository,
	outboxRepo outbox.Repository,
	metrics observability.Metrics,
) *LedgerWriter {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &LedgerWriter{
		subscriptions: subscriptions,
		ledger:        ledger,
		outbox:        outboxRepo,
		metrics:       metrics,
	}
}

// Commit saves the subscriptions (new ones are created, existing ones are
// version-checked), then appends billing rows, log rows and outbox events.
func (w *LedgerWriter) Commit(ctx context.Context, rec Record) error {
	var events []sharedDomain.DomainEvent

	for _, sub := range rec.Subscriptions {
		var err error
		if sub.IsNew() {
			err = w.subscriptions.Create(ctx, sub)
		} else {
			err = w.subscriptions.Save(ctx, sub)
		}
		if err != nil {
			return err
		}
		events = append(events, sub.DomainEvents()...)
	}

	for _, entry := range rec.Billing {
		if err := w.ledger.AppendBillingHistory(ctx, entry); err != nil {
			return err
		}
	}

	for _, entry := range rec.Logs {
		if err := w.ledger.AppendLog(ctx, entry); err != nil {
			return err
		}
	}

	if w.outbox != nil && len(events) > 0 {
		actor := rec.Actor
		if actor == "" {
			actor = domain.ActorSystem
		}
		sharedApplication.ApplyEventMetadata(events, sharedApplication.NewEventMetadata(actor, observability.CorrelationUUID(ctx)))
		msgs, err := outbox.NewMessages(events)
		if err != nil {
			return err
		}
		if err := w.outbox.SaveBatch(ctx, msgs); err != nil {
			return fmt.Errorf("save outbox events: %w", err)
		}
	}

	for _, sub := range rec.Subscriptions {
		sub.ClearDomainEvents()
	}
	for _, entry := range rec.Logs {
		w.metrics.Counter(observability.MetricTransitions, 1,
			observability.T("action", string(entry.Action)),
			observability.T("owner_type", string(entry.OwnerType)))
	}
	return nil
}

const maxConflictRetries = 3

// retryOnConflict reruns fn when another writer changed the subscription
// between read and save. fn must reload state on every call.
func retryOnConflict(ctx context.Context, logger *slog.Logger, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		if err = fn(); !errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
		logger.DebugContext(ctx, "subscription changed concurrently, retrying", "attempt", attempt)
	}
	return err
}

// notify tells the owner of sub about n. Delivery failures are logged and
// counted, never returned.
func notify(ctx context.Context, notifier Notifier, logger *slog.Logger, metrics observability.Metrics, sub *domain.Subscription, n Notification) {
	if notifier == nil {
		return
	}
	if n.Metadata == nil {
		n.Metadata = map[string]string{}
	}
	n.Metadata["subscription_id"] = sub.ID().String()
	n.Metadata["owner_type"] = string(sub.OwnerType())

	if err := notifier.Send(ctx, sub.OwnerID(), n); err != nil {
		metrics.Counter(observability.MetricNotificationsFailed, 1, observability.T("type", string(n.Type)))
		logger.WarnContext(ctx, "failed to send notification",
			"type", n.Type,
			"subscription_id", sub.ID(),
			"user_id", sub.OwnerID(),
			"error", err,
		)
	}
}
