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

// FallbackResult describes the outcome of a fallback.
type FallbackResult struct {
	Original *domain.Subscription
	Fallback *domain.Subscription
	// Created is false when an earlier call already applied the fallback.
	Created bool
}

// FallbackPlanCreator downgrades subscriptions whose payment collection
// failed to the owner type's free plan.
type FallbackPlanCreator struct {
	subscriptions domain.SubscriptionRepository
	writer        *LedgerWriter
	uow           sharedApplication.UnitOfWork
	logger        *slog.Logger
	now           func() time.Time
}

// NewFallbackPlanCreator creates a fallback creator.
func NewFallbackPlanCreator(
	subscriptions domain.SubscriptionRepository,
	writer *LedgerWriter,
	uow sharedApplication.UnitOfWork,
	logger *slog.Logger,
) *FallbackPlanCreator {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackPlanCreator{
		subscriptions: subscriptions,
		writer:        writer,
		uow:           uow,
		logger:        logger,
		now:           time.Now,
	}
}

// Apply cancels the subscription and creates its free replacement in one
// transaction. Calling it again for the same subscription returns the
// replacement created the first time.
func (c *FallbackPlanCreator) Apply(ctx context.Context, subscriptionID uuid.UUID, reason string) (*FallbackResult, error) {
	var result *FallbackResult
	err := retryOnConflict(ctx, c.logger, func() error {
		r, err := sharedApplication.InUnitOfWork(ctx, c.uow, func(txCtx context.Context) (*FallbackResult, error) {
			return c.apply(txCtx, subscriptionID, reason)
		})
		result = r
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("apply fallback to %s: %w", subscriptionID, err)
	}

	if result.Created {
		c.logger.InfoContext(ctx, "fallback plan applied",
			"subscription_id", subscriptionID,
			"fallback_subscription_id", result.Fallback.ID(),
			"plan_type", result.Fallback.PlanType(),
		)
	}
	return result, nil
}

func (c *FallbackPlanCreator) apply(ctx context.Context, subscriptionID uuid.UUID, reason string) (*FallbackResult, error) {
	sub, err := c.subscriptions.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if existingID, ok := sub.FallbackSubscriptionID(); ok {
		existing, err := c.subscriptions.FindByID(ctx, existingID)
		if err != nil {
			return nil, err
		}
		return &FallbackResult{Original: sub, Fallback: existing}, nil
	}
	if !domain.CanApply(domain.ActionFallbackApplied, sub.Status()) {
		return nil, fmt.Errorf("%w: fallback from %s", domain.ErrTransitionNotAllowed, sub.Status())
	}

	plan, err := domain.FallbackPlan(sub.OwnerType())
	if err != nil {
		return nil, err
	}

	now := c.now()
	replacement, createdLog, err := domain.NewFallbackSubscription(sub, plan, now)
	if err != nil {
		return nil, err
	}
	appliedLog, err := sub.ApplyFallback(replacement, reason, now)
	if err != nil {
		return nil, err
	}

	err = c.writer.Commit(ctx, Record{
		Subscriptions: []*domain.Subscription{replacement, sub},
		Logs:          []*domain.SubscriptionLog{appliedLog, createdLog},
	})
	if err != nil {
		return nil, err
	}
	return &FallbackResult{Original: sub, Fallback: replacement, Created: true}, nil
}
