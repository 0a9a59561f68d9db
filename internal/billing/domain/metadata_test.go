package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogDetail_Envelope(t *testing.T) {
	next := time.Date(2025, 6, 18, 9, 0, 0, 0, time.UTC)
	details := []LogDetail{
		TrialExpiredDetail{TrialEndedAt: next, NextBillingDate: &next},
		RenewalDetail{PreviousEndDate: next, NewEndDate: next.AddDate(0, 1, 0), Charged: true},
		NextPaymentAttemptDetail{AttemptNumber: 2, RemainingAttempts: 1, NextAttemptAt: next, Error: "declined"},
		FallbackDetail{FallbackSubscriptionID: uuid.New(), FailedPayments: 3, OldCommissionBP: 1500, NewCommissionBP: 2500},
		PaymentUnappliedDetail{PaymentIntentID: "pi_1", TransactionID: "ch_1", Amount: 1299, Currency: "USD", Status: StatusCancelled, ReceivedAt: next},
	}

	for _, d := range details {
		t.Run(string(d.Kind()), func(t *testing.T) {
			raw, err := MarshalLogDetail(d)
			require.NoError(t, err)
			assert.Contains(t, string(raw), `"kind":"`+string(d.Kind())+`"`)
			assert.Contains(t, string(raw), `"version":1`)

			decoded, err := UnmarshalLogDetail(raw)
			require.NoError(t, err)
			assert.Equal(t, d, decoded)
		})
	}
}

func TestUnmarshalLogDetail_Errors(t *testing.T) {
	d, err := UnmarshalLogDetail(nil)
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = UnmarshalLogDetail([]byte(`{"version":1,"kind":"mystery","data":{}}`))
	assert.ErrorContains(t, err, "unknown log metadata kind")

	_, err = UnmarshalLogDetail([]byte(`{"version":2,"kind":"renewal","data":{}}`))
	assert.ErrorContains(t, err, "unsupported")

	_, err = UnmarshalLogDetail([]byte(`{"version":1,"kind":"renewal","data":"oops"}`))
	assert.Error(t, err)
}

func TestSubscriptionMetadata(t *testing.T) {
	m, err := UnmarshalSubscriptionMetadata([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, MetadataVersion, m.Version)

	replaces := uuid.New()
	raw, err := MarshalSubscriptionMetadata(SubscriptionMetadata{
		Replaces:         &replaces,
		PostTrialPayment: &PostTrialPaymentState{LastIntentID: "pi_1"},
	})
	require.NoError(t, err)

	m, err = UnmarshalSubscriptionMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, replaces, *m.Replaces)
	assert.Equal(t, "pi_1", m.PostTrialPayment.LastIntentID)
	assert.Nil(t, m.Trial)

	_, err = UnmarshalSubscriptionMetadata([]byte(`{"version":9}`))
	assert.Error(t, err)
}
