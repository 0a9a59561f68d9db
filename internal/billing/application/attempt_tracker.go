package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/lingomarket/internal/shared/application"
	"github.com/google/uuid"
)

const (
	MaxPaymentAttempts  = domain.MaxPaymentAttempts
	DaysBetweenAttempts = domain.DaysBetweenAttempts
)

// PaymentAttemptTracker owns the payment attempt counters of a subscription.
// Counters live on the subscription row and move only through versioned
// saves, so two concurrent attempts cannot get the same number.
type PaymentAttemptTracker struct {
	subscriptions domain.SubscriptionRepository
	writer        *LedgerWriter
	uow           sharedApplication.UnitOfWork
	logger        *slog.Logger
	now           func() time.Time
}

// NewPaymentAttemptTracker creates a tracker.
func NewPaymentAttemptTracker(
	subscriptions domain.SubscriptionRepository,
	writer *LedgerWriter,
	uow sharedApplication.UnitOfWork,
	logger *slog.Logger,
) *PaymentAttemptTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentAttemptTracker{
		subscriptions: subscriptions,
		writer:        writer,
		uow:           uow,
		logger:        logger,
		now:           time.Now,
	}
}

// AttemptNumber returns the number the next payment attempt will carry.
func (t *PaymentAttemptTracker) AttemptNumber(ctx context.Context, subscriptionID uuid.UUID) (int, error) {
	sub, err := t.subscriptions.FindByID(ctx, subscriptionID)
	if err != nil {
		return 0, err
	}
	return sub.NextAttemptNumber(), nil
}

// RecordAttempt counts a created payment intent and appends its
// PAYMENT_ATTEMPT log row. It returns the number assigned to the attempt.
func (t *PaymentAttemptTracker) RecordAttempt(ctx context.Context, subscriptionID uuid.UUID, userType domain.OwnerType, paymentIntentID string) (int, error) {
	var attempt int
	err := retryOnConflict(ctx, t.logger, func() error {
		return sharedApplication.WithUnitOfWork(ctx, t.uow, func(txCtx context.Context) error {
			sub, err := t.load(txCtx, subscriptionID, userType)
			if err != nil {
				return err
			}
			n, log, err := sub.RecordPaymentAttempt(paymentIntentID, domain.ActorSystem, t.now())
			if err != nil {
				return err
			}
			if err := t.writer.Commit(txCtx, Record{Subscriptions: []*domain.Subscription{sub}, Logs: []*domain.SubscriptionLog{log}}); err != nil {
				return err
			}
			attempt = n
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("record payment attempt: %w", err)
	}
	return attempt, nil
}

// RegisterFailure counts a failed payment. Below MaxPaymentAttempts the next
// attempt is scheduled DaysBetweenAttempts out; at the ceiling the returned
// failure is Exhausted and nothing is scheduled.
func (t *PaymentAttemptTracker) RegisterFailure(ctx context.Context, subscriptionID uuid.UUID, userType domain.OwnerType, errorMessage string) (*domain.PaymentFailure, error) {
	var failure *domain.PaymentFailure
	err := retryOnConflict(ctx, t.logger, func() error {
		return sharedApplication.WithUnitOfWork(ctx, t.uow, func(txCtx context.Context) error {
			sub, err := t.load(txCtx, subscriptionID, userType)
			if err != nil {
				return err
			}
			f, err := sub.RegisterPaymentFailure(errorMessage, t.now())
			if err != nil {
				return err
			}
			rec := Record{Subscriptions: []*domain.Subscription{sub}}
			if f.Log != nil {
				rec.Logs = append(rec.Logs, f.Log)
			}
			if err := t.writer.Commit(txCtx, rec); err != nil {
				return err
			}
			failure = f
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return failure, nil
}

func (t *PaymentAttemptTracker) load(ctx context.Context, id uuid.UUID, userType domain.OwnerType) (*domain.Subscription, error) {
	sub, err := t.subscriptions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if userType != "" && sub.OwnerType() != userType {
		return nil, fmt.Errorf("%w: subscription %s is a %s subscription", domain.ErrOwnerMismatch, id, sub.OwnerType())
	}
	return sub, nil
}
