package application

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/felixgeelhaar/lingomarket/pkg/observability"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrialExpiration_WithPaymentMethodActivates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedTrial(t, domain.OwnerStudent, "STANDARD")
	h.seedCustomer(t, domain.OwnerStudent, sub.OwnerID(), "cus_123")

	summary, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TrialsActivated)
	assert.Equal(t, 0, summary.Errors)

	got := h.reload(t, sub.ID())
	assert.Equal(t, domain.StatusActive, got.Status())
	assert.Equal(t, sub.EndDate(), got.StartDate())
	assert.Equal(t, sub.EndDate().AddDate(0, 1, 0), got.EndDate())

	billing := h.billing(t, sub.ID())
	require.Len(t, billing, 1)
	assert.Equal(t, domain.BillingPending, billing[0].Status)
	assert.Equal(t, int64(1299), billing[0].Amount.Amount)

	assert.Equal(t, []domain.Action{domain.ActionTrialExpired}, h.actions(t, sub.ID()))
	assert.Empty(t, h.notifier.types())

	msgs, err := h.outbox.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoutingTrialConverted, msgs[0].RoutingKey)

	assert.Equal(t, int64(1), h.metrics.GetCounter(observability.MetricScanRuns, observability.T("result", "ok")))
	assert.Equal(t, int64(1), h.metrics.GetCounter(observability.MetricTransitions,
		observability.T("action", string(domain.ActionTrialExpired)),
		observability.T("owner_type", string(domain.OwnerStudent))))
}

func TestTrialExpiration_WithoutPaymentMethodRequiresPayment(t *testing.T) {
	h := newHarness(t)
	sub := h.seedTrial(t, domain.OwnerStudent, "PREMIUM")

	summary, err := h.evaluator.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TrialsPaymentRequired)

	assert.Equal(t, domain.StatusPaymentRequired, h.reload(t, sub.ID()).Status())
	assert.Equal(t, []domain.Action{domain.ActionTrialExpiredPaymentRequired}, h.actions(t, sub.ID()))
	assert.Empty(t, h.billing(t, sub.ID()))

	require.Len(t, h.notifier.sent, 1)
	sent := h.notifier.sent[0]
	assert.Equal(t, NotifyTrialExpiredPaymentRequired, sent.Type)
	assert.Equal(t, sub.OwnerID(), sent.UserID)
	assert.Equal(t, sub.ID().String(), sent.Metadata["subscription_id"])
}

func TestTrialExpiration_InstitutionWithoutCustomerRequiresPayment(t *testing.T) {
	h := newHarness(t)
	sub := h.seedTrial(t, domain.OwnerInstitution, "PROFESSIONAL")
	// an account without a provider customer has no payment method
	require.NoError(t, h.accounts.Save(context.Background(),
		domain.NewBillingAccount(domain.OwnerInstitution, sub.OwnerID(), "school@example.com", "School", h.clock)))

	_, err := h.evaluator.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentRequired, h.reload(t, sub.ID()).Status())
}

func TestTrialExpiration_NotificationFailureKeepsTransition(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("smtp unavailable")
	sub := h.seedTrial(t, domain.OwnerStudent, "STANDARD")

	summary, err := h.evaluator.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TrialsPaymentRequired)
	assert.Equal(t, 0, summary.Errors)

	assert.Equal(t, domain.StatusPaymentRequired, h.reload(t, sub.ID()).Status())
	assert.Equal(t, 1, h.countLogs(t, sub.ID(), domain.ActionTrialExpiredPaymentRequired))
	assert.Equal(t, int64(1), h.metrics.GetCounter(observability.MetricNotificationsFailed,
		observability.T("type", string(NotifyTrialExpiredPaymentRequired))))
}

func TestTrialExpiration_SecondRunChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paid := h.seedTrial(t, domain.OwnerStudent, "STANDARD")
	h.seedCustomer(t, domain.OwnerStudent, paid.OwnerID(), "cus_1")
	unpaid := h.seedTrial(t, domain.OwnerInstitution, "ENTERPRISE")

	first, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Processed())

	second, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed())

	assert.Len(t, h.billing(t, paid.ID()), 1)
	assert.Len(t, h.logs(t, paid.ID()), 1)
	assert.Len(t, h.logs(t, unpaid.ID()), 1)
	assert.Len(t, h.notifier.sent, 1)
}

func TestTrialExpiration_FutureTrialIsLeftAlone(t *testing.T) {
	h := newHarness(t)
	p, err := domain.LookupPlan(domain.OwnerStudent, "STANDARD")
	require.NoError(t, err)
	sub, err := domain.NewTrialSubscription(uuid.New(), p, domain.CycleMonthly, h.clock.Add(48*time.Hour), h.clock)
	require.NoError(t, err)
	require.NoError(t, h.subs.Create(context.Background(), sub))

	summary, err := h.evaluator.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed())
	assert.Equal(t, domain.StatusTrial, h.reload(t, sub.ID()).Status())
}

func TestTrialExpiration_RenewsDueSubscriptions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedTrial(t, domain.OwnerStudent, "STANDARD")
	h.seedCustomer(t, domain.OwnerStudent, sub.OwnerID(), "cus_1")

	_, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	activated := h.reload(t, sub.ID())

	h.advance(31 * 24 * time.Hour)
	summary, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Renewals)

	renewed := h.reload(t, sub.ID())
	assert.Equal(t, domain.StatusActive, renewed.Status())
	assert.Equal(t, activated.EndDate(), renewed.StartDate())
	assert.Equal(t, activated.EndDate().AddDate(0, 1, 0), renewed.EndDate())

	billing := h.billing(t, sub.ID())
	require.Len(t, billing, 2)
	assert.Equal(t, domain.BillingPending, billing[1].Status)
	assert.Equal(t, activated.EndDate(), billing[1].BillingDate)
	assert.Equal(t, []domain.Action{domain.ActionTrialExpired, domain.ActionRenew}, h.actions(t, sub.ID()))
}

func TestTrialExpiration_ExpiresWithoutAutoRenew(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedTrial(t, domain.OwnerStudent, "STANDARD")
	h.seedCustomer(t, domain.OwnerStudent, sub.OwnerID(), "cus_1")

	_, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	active := h.reload(t, sub.ID())
	active.SetAutoRenew(false, h.clock)
	require.NoError(t, h.subs.Save(ctx, active))

	h.advance(31 * 24 * time.Hour)
	summary, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Expired)

	assert.Equal(t, domain.StatusCancelled, h.reload(t, sub.ID()).Status())
	assert.Len(t, h.billing(t, sub.ID()), 1)
	assert.Equal(t, 1, h.countLogs(t, sub.ID(), domain.ActionExpired))
}

func TestTrialExpiration_FreeRenewalWritesNoCharge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedPaymentRequired(t, domain.OwnerStudent, "STANDARD")
	result, err := h.fallback.Apply(ctx, sub.ID(), "test")
	require.NoError(t, err)

	h.advance(32 * 24 * time.Hour)
	summary, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Renewals)

	assert.Empty(t, h.billing(t, result.Fallback.ID()))
	assert.Equal(t, 1, h.countLogs(t, result.Fallback.ID(), domain.ActionRenew))
}

func TestTrialExpiration_MarksDueRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedPaymentRequired(t, domain.OwnerStudent, "STANDARD")
	require.NoError(t, h.payments.HandlePostTrialPaymentFailure(ctx, sub.ID(), domain.OwnerStudent, "card declined"))
	h.notifier.sent = nil

	h.advance(time.Duration(DaysBetweenAttempts)*24*time.Hour + time.Hour)
	summary, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.RetriesDue)

	got := h.reload(t, sub.ID())
	assert.Equal(t, domain.StatusPaymentRequired, got.Status())
	assert.Nil(t, got.NextPaymentAttemptAt())
	assert.Equal(t, 1, got.FailedPayments())
	assert.Equal(t, []NotificationType{NotifyPaymentRetryDue}, h.notifier.types())

	again, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.RetriesDue)
	assert.Equal(t, 1, h.countLogs(t, sub.ID(), domain.ActionPaymentRetryDue))
}

func TestTrialExpiration_CompletesPendingFallbacks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedPaymentRequired(t, domain.OwnerInstitution, "PROFESSIONAL")
	for i := 0; i < MaxPaymentAttempts; i++ {
		_, err := h.tracker.RegisterFailure(ctx, sub.ID(), domain.OwnerInstitution, "insufficient funds")
		require.NoError(t, err)
	}

	summary, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Fallbacks)

	original := h.reload(t, sub.ID())
	assert.Equal(t, domain.StatusCancelled, original.Status())
	fallbackID, ok := original.FallbackSubscriptionID()
	require.True(t, ok)
	fallback := h.reload(t, fallbackID)
	assert.Equal(t, domain.PlanStarter, fallback.PlanType())
	assert.Equal(t, domain.StatusActive, fallback.Status())
	assert.Equal(t, []NotificationType{NotifyMaxAttemptsReached}, h.notifier.types())

	again, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Fallbacks)
	subs, err := h.subs.ListByOwner(ctx, domain.OwnerInstitution, sub.OwnerID())
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestTrialExpiration_SkipsWhenScanIsRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedTrial(t, domain.OwnerStudent, "STANDARD")

	release, acquired, err := h.locker.TryAcquire(ctx, ScanLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	summary, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Equal(t, domain.StatusTrial, h.reload(t, sub.ID()).Status())

	release()
	summary, err = h.evaluator.Run(ctx)
	require.NoError(t, err)
	assert.False(t, summary.Skipped)
	assert.Equal(t, 1, summary.TrialsPaymentRequired)
}

func TestTrialExpiration_SubscriptionErrorsDoNotAbortScan(t *testing.T) {
	h := newHarness(t, withLedger(func(l domain.LedgerRepository) domain.LedgerRepository {
		return failingLedger{LedgerRepository: l, failOn: domain.ActionTrialExpired}
	}))
	withCard := h.seedTrial(t, domain.OwnerStudent, "STANDARD")
	h.seedCustomer(t, domain.OwnerStudent, withCard.OwnerID(), "cus_1")
	withoutCard := h.seedTrial(t, domain.OwnerStudent, "STANDARD")

	summary, err := h.evaluator.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, summary.TrialsPaymentRequired)

	// the failed conversion rolled back completely
	assert.Equal(t, domain.StatusTrial, h.reload(t, withCard.ID()).Status())
	assert.Empty(t, h.billing(t, withCard.ID()))
	assert.Equal(t, domain.StatusPaymentRequired, h.reload(t, withoutCard.ID()).Status())
}

func TestTrialExpiration_FailingRowsDoNotHideLaterPages(t *testing.T) {
	broken := make(map[uuid.UUID]bool)
	h := newHarness(t, withLedger(func(l domain.LedgerRepository) domain.LedgerRepository {
		return failingLedger{LedgerRepository: l, failOn: domain.ActionTrialExpiredPaymentRequired, only: broken}
	}))
	h.evaluator.config.BatchSize = 2

	var subs []*domain.Subscription
	for i := 0; i < 5; i++ {
		subs = append(subs, h.seedTrial(t, domain.OwnerStudent, "STANDARD"))
	}
	slices.SortFunc(subs, func(a, b *domain.Subscription) int {
		return strings.Compare(a.ID().String(), b.ID().String())
	})
	// the whole first page fails on every run
	broken[subs[0].ID()] = true
	broken[subs[1].ID()] = true

	for run := 0; run < 2; run++ {
		summary, err := h.evaluator.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Errors)
	}

	assert.Equal(t, domain.StatusTrial, h.reload(t, subs[0].ID()).Status())
	assert.Equal(t, domain.StatusTrial, h.reload(t, subs[1].ID()).Status())
	for _, sub := range subs[2:] {
		assert.Equal(t, domain.StatusPaymentRequired, h.reload(t, sub.ID()).Status())
	}
}
