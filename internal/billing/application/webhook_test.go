package application

import (
	"context"
	"errors"
	"testing"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestWebhookDispatcher_SuccessIsHandledOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedPaymentRequired(t, domain.OwnerStudent, "STANDARD")
	intent := succeededIntent(sub, "pi_1")
	h.provider.On("GetPaymentIntent", mock.Anything, "pi_1").Return(intent, nil).Once()

	event := PaymentEvent{ID: "evt_1", Type: EventPaymentIntentSucceeded, PaymentIntentID: "pi_1", Metadata: intent.Metadata}
	require.NoError(t, h.webhooks.Dispatch(ctx, event))
	require.NoError(t, h.webhooks.Dispatch(ctx, event))

	h.provider.AssertExpectations(t)
	assert.Equal(t, domain.StatusActive, h.reload(t, sub.ID()).Status())
}

func TestWebhookDispatcher_FailureRoutesToTracker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedPaymentRequired(t, domain.OwnerStudent, "STANDARD")
	intent := succeededIntent(sub, "pi_1")

	require.NoError(t, h.webhooks.Dispatch(ctx, PaymentEvent{
		ID:              "evt_2",
		Type:            EventPaymentIntentFailed,
		PaymentIntentID: "pi_1",
		Metadata:        intent.Metadata,
		FailureMessage:  "Your card has insufficient funds.",
	}))

	got := h.reload(t, sub.ID())
	assert.Equal(t, 1, got.FailedPayments())
	logs := h.logs(t, sub.ID())
	require.NotEmpty(t, logs)
	assert.Equal(t, "Your card has insufficient funds.", logs[len(logs)-1].Reason)
}

func TestWebhookDispatcher_IgnoresUnrelatedEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.webhooks.Dispatch(ctx, PaymentEvent{ID: "evt_3", Type: "customer.created"}))
	require.NoError(t, h.webhooks.Dispatch(ctx, PaymentEvent{
		ID:              "evt_4",
		Type:            EventPaymentIntentSucceeded,
		PaymentIntentID: "pi_course",
		Metadata:        map[string]string{"kind": "course_purchase"},
	}))
	h.provider.AssertNotCalled(t, "GetPaymentIntent", mock.Anything, mock.Anything)
}

func TestWebhookDispatcher_ReleasesClaimOnError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedPaymentRequired(t, domain.OwnerStudent, "STANDARD")
	intent := succeededIntent(sub, "pi_1")
	h.provider.On("GetPaymentIntent", mock.Anything, "pi_1").Return(nil, errors.New("provider timeout")).Once()
	h.provider.On("GetPaymentIntent", mock.Anything, "pi_1").Return(intent, nil).Once()

	event := PaymentEvent{ID: "evt_5", Type: EventPaymentIntentSucceeded, PaymentIntentID: "pi_1", Metadata: intent.Metadata}
	require.Error(t, h.webhooks.Dispatch(ctx, event))
	require.NoError(t, h.webhooks.Dispatch(ctx, event))

	h.provider.AssertExpectations(t)
	assert.Equal(t, domain.StatusActive, h.reload(t, sub.ID()).Status())
}
