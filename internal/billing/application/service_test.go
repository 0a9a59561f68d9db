package application

import (
	"context"
	"testing"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestService_AuditReplaysLogTrail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedTrial(t, domain.OwnerStudent, "STANDARD")

	_, err := h.evaluator.Run(ctx)
	require.NoError(t, err)
	for i := 0; i < MaxPaymentAttempts; i++ {
		require.NoError(t, h.payments.HandlePostTrialPaymentFailure(ctx, sub.ID(), domain.OwnerStudent, "declined"))
	}

	audit, err := h.queries.Audit(ctx, sub.ID())
	require.NoError(t, err)
	assert.True(t, audit.Consistent, audit.Error)
	assert.Equal(t, string(domain.StatusCancelled), audit.Replayed)
	assert.Equal(t, 4, audit.Entries)

	dto, err := h.queries.GetSubscription(ctx, sub.ID())
	require.NoError(t, err)
	require.NotNil(t, dto.FallbackID)

	fallbackAudit, err := h.queries.Audit(ctx, *dto.FallbackID)
	require.NoError(t, err)
	assert.True(t, fallbackAudit.Consistent, fallbackAudit.Error)
}

func TestService_ReadModels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedPaymentRequired(t, domain.OwnerStudent, "PREMIUM")
	h.provider.On("GetPaymentIntent", mock.Anything, "pi_9").Return(succeededIntent(sub, "pi_9"), nil)
	require.NoError(t, h.payments.HandlePostTrialPaymentSuccess(ctx, "pi_9"))

	subs, err := h.queries.ListSubscriptions(ctx, domain.OwnerStudent, sub.OwnerID())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "ACTIVE", subs[0].Status)
	assert.Equal(t, int64(2499), subs[0].Amount)

	history, err := h.queries.BillingHistory(ctx, sub.ID())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "PAID", history[0].Status)
	assert.Equal(t, "ch_pi_9", history[0].TransactionID)

	logs, err := h.queries.Logs(ctx, sub.ID())
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, string(domain.ActionPostTrialPaymentSuccess), logs[1].Action)
	assert.IsType(t, domain.PaymentSuccessDetail{}, logs[1].Detail)

	plans := h.queries.Plans(domain.OwnerInstitution)
	require.Len(t, plans, 3)
	assert.Equal(t, "STARTER", plans[0].Type)
	assert.Equal(t, 2500, plans[0].CommissionBP)
}
