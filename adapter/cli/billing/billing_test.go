package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/lingomarket/adapter/cli"
	billingApp "github.com/felixgeelhaar/lingomarket/internal/billing/application"
	billingDomain "github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockQueries struct {
	mock.Mock
}

func (m *mockQueries) GetSubscription(ctx context.Context, id uuid.UUID) (billingApp.SubscriptionDTO, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(billingApp.SubscriptionDTO), args.Error(1)
}

func (m *mockQueries) ListSubscriptions(ctx context.Context, ownerType billingDomain.OwnerType, ownerID uuid.UUID) ([]billingApp.SubscriptionDTO, error) {
	args := m.Called(ctx, ownerType, ownerID)
	return args.Get(0).([]billingApp.SubscriptionDTO), args.Error(1)
}

func (m *mockQueries) BillingHistory(ctx context.Context, id uuid.UUID) ([]billingApp.BillingEntryDTO, error) {
	args := m.Called(ctx, id)
	return args.Get(0).([]billingApp.BillingEntryDTO), args.Error(1)
}

func (m *mockQueries) Logs(ctx context.Context, id uuid.UUID) ([]billingApp.LogDTO, error) {
	args := m.Called(ctx, id)
	return args.Get(0).([]billingApp.LogDTO), args.Error(1)
}

func (m *mockQueries) Plans(ownerType billingDomain.OwnerType) []billingApp.PlanDTO {
	return m.Called(ownerType).Get(0).([]billingApp.PlanDTO)
}

func (m *mockQueries) Audit(ctx context.Context, id uuid.UUID) (billingApp.AuditResult, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(billingApp.AuditResult), args.Error(1)
}

type fakeScanner struct {
	summary billingApp.ScanSummary
	err     error
}

func (s *fakeScanner) Run(context.Context) (billingApp.ScanSummary, error) {
	return s.summary, s.err
}

type fakeFallback struct {
	result *billingApp.FallbackResult
	reason string
}

func (f *fakeFallback) Apply(_ context.Context, _ uuid.UUID, reason string) (*billingApp.FallbackResult, error) {
	f.reason = reason
	return f.result, nil
}

func resetFlags() {
	asJSON = false
	listOwnerType = ""
	listOwnerID = ""
	fallbackReason = "manual fallback"
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var output strings.Builder
	cmd.SetContext(context.Background())
	cmd.SetOut(&output)
	err := cmd.RunE(cmd, args)
	return output.String(), err
}

func TestCommands_NoApp(t *testing.T) {
	resetFlags()
	cli.SetApp(nil)

	id := uuid.NewString()
	for name, tc := range map[string]struct {
		cmd  *cobra.Command
		args []string
	}{
		"scan":     {scanCmd, nil},
		"status":   {statusCmd, []string{id}},
		"history":  {historyCmd, []string{id}},
		"logs":     {logsCmd, []string{id}},
		"fallback": {fallbackCmd, []string{id}},
		"audit":    {auditCmd, []string{id}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := run(t, tc.cmd, tc.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "requires database connection")
		})
	}
}

func TestScanCmd(t *testing.T) {
	resetFlags()
	cli.SetApp(&cli.App{Scanner: &fakeScanner{summary: billingApp.ScanSummary{
		TrialsActivated:       2,
		TrialsPaymentRequired: 1,
		Renewals:              4,
		Fallbacks:             1,
	}}})
	defer cli.SetApp(nil)

	out, err := run(t, scanCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "Trials activated:        2")
	assert.Contains(t, out, "Trials payment required: 1")
	assert.Contains(t, out, "Renewals:                4")
	assert.Contains(t, out, "Fallbacks:               1")
}

func TestScanCmd_SkippedAndFailed(t *testing.T) {
	resetFlags()
	defer cli.SetApp(nil)

	cli.SetApp(&cli.App{Scanner: &fakeScanner{summary: billingApp.ScanSummary{Skipped: true}}})
	out, err := run(t, scanCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "another scan is running")

	cli.SetApp(&cli.App{Scanner: &fakeScanner{err: errors.New("connection refused")}})
	_, err = run(t, scanCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestStatusCmd(t *testing.T) {
	resetFlags()
	id := uuid.New()
	queries := &mockQueries{}
	queries.On("GetSubscription", mock.Anything, id).Return(billingApp.SubscriptionDTO{
		ID:             id,
		OwnerType:      "STUDENT",
		PlanType:       "PREMIUM",
		Status:         "PAYMENT_REQUIRED",
		BillingCycle:   "MONTHLY",
		Amount:         2999,
		Currency:       "USD",
		StartDate:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		FailedPayments: 2,
	}, nil)
	cli.SetApp(&cli.App{Queries: queries})
	defer cli.SetApp(nil)

	out, err := run(t, statusCmd, id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "PREMIUM (PAYMENT_REQUIRED)")
	assert.Contains(t, out, "29.99 USD")
	assert.Contains(t, out, "2026-03-01 to 2026-03-15")
	assert.Contains(t, out, "2 failed")
}

func TestStatusCmd_NotFound(t *testing.T) {
	resetFlags()
	queries := &mockQueries{}
	queries.On("GetSubscription", mock.Anything, mock.Anything).
		Return(billingApp.SubscriptionDTO{}, billingDomain.ErrSubscriptionNotFound)
	cli.SetApp(&cli.App{Queries: queries})
	defer cli.SetApp(nil)

	out, err := run(t, statusCmd, uuid.NewString())
	require.NoError(t, err)
	assert.Contains(t, out, "No subscription found.")
}

func TestStatusCmd_InvalidID(t *testing.T) {
	resetFlags()
	cli.SetApp(&cli.App{Queries: &mockQueries{}})
	defer cli.SetApp(nil)

	_, err := run(t, statusCmd, "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid subscription id")
}

func TestListCmd_JSON(t *testing.T) {
	resetFlags()
	ownerID := uuid.New()
	queries := &mockQueries{}
	queries.On("ListSubscriptions", mock.Anything, billingDomain.OwnerInstitution, ownerID).
		Return([]billingApp.SubscriptionDTO{{PlanType: "STARTER", Status: "ACTIVE"}}, nil)
	cli.SetApp(&cli.App{Queries: queries})
	defer cli.SetApp(nil)

	asJSON = true
	listOwnerType = "institution"
	listOwnerID = ownerID.String()

	out, err := run(t, listCmd)
	require.NoError(t, err)
	assert.Contains(t, out, `"plan_type": "STARTER"`)
	queries.AssertExpectations(t)
}

func TestListCmd_InvalidOwnerType(t *testing.T) {
	resetFlags()
	cli.SetApp(&cli.App{Queries: &mockQueries{}})
	defer cli.SetApp(nil)

	listOwnerType = "TEACHER"
	listOwnerID = uuid.NewString()

	_, err := run(t, listCmd)
	assert.ErrorIs(t, err, billingDomain.ErrInvalidOwnerType)
}

func TestHistoryAndLogsCmd(t *testing.T) {
	resetFlags()
	id := uuid.New()
	queries := &mockQueries{}
	queries.On("BillingHistory", mock.Anything, id).Return([]billingApp.BillingEntryDTO{{
		Amount:        2999,
		Currency:      "USD",
		Status:        "FAILED",
		InvoiceNumber: "INV-1",
		Description:   "Post-trial payment attempt 1",
		BillingDate:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
	}}, nil)
	queries.On("Logs", mock.Anything, id).Return([]billingApp.LogDTO{{
		Action:    "FALLBACK_APPLIED",
		OldPlan:   "PREMIUM",
		NewPlan:   "BASIC",
		Actor:     "system",
		Reason:    "payment attempts exhausted",
		CreatedAt: time.Date(2026, 3, 21, 0, 0, 0, 0, time.UTC),
	}}, nil)
	cli.SetApp(&cli.App{Queries: queries})
	defer cli.SetApp(nil)

	out, err := run(t, historyCmd, id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "2026-03-15")
	assert.Contains(t, out, "29.99 USD")
	assert.Contains(t, out, "INV-1")

	out, err = run(t, logsCmd, id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "FALLBACK_APPLIED")
	assert.Contains(t, out, "PREMIUM -> BASIC")
	assert.Contains(t, out, "(payment attempts exhausted)")
}

func TestPlansCmd(t *testing.T) {
	resetFlags()
	queries := &mockQueries{}
	queries.On("Plans", billingDomain.OwnerStudent).Return([]billingApp.PlanDTO{
		{Type: "BASIC", MonthlyPrice: 0, AnnualPrice: 0, Currency: "USD", CommissionBP: 1500, Fallback: true},
		{Type: "PREMIUM", MonthlyPrice: 2999, AnnualPrice: 29990, Currency: "USD"},
	})
	cli.SetApp(&cli.App{Queries: queries})
	defer cli.SetApp(nil)

	out, err := run(t, plansCmd, "student")
	require.NoError(t, err)
	assert.Contains(t, out, "commission 15.00%")
	assert.Contains(t, out, "[fallback]")
	assert.Contains(t, out, "299.90 USD")
}

func TestFallbackCmd(t *testing.T) {
	resetFlags()
	now := time.Now()
	premium, err := billingDomain.LookupPlan(billingDomain.OwnerStudent, "PREMIUM")
	require.NoError(t, err)
	basic, err := billingDomain.LookupPlan(billingDomain.OwnerStudent, "BASIC")
	require.NoError(t, err)
	original, err := billingDomain.NewTrialSubscription(uuid.New(), premium, billingDomain.CycleMonthly, now.Add(time.Hour), now)
	require.NoError(t, err)
	replacement, _, err := billingDomain.NewFallbackSubscription(original, basic, now)
	require.NoError(t, err)

	fallback := &fakeFallback{result: &billingApp.FallbackResult{Original: original, Fallback: replacement, Created: true}}
	cli.SetApp(&cli.App{Fallback: fallback})
	defer cli.SetApp(nil)

	fallbackReason = "customer request"
	out, err := run(t, fallbackCmd, original.ID().String())
	require.NoError(t, err)
	assert.Equal(t, "customer request", fallback.reason)
	assert.Contains(t, out, "(PREMIUM)")
	assert.Contains(t, out, "(BASIC)")

	fallback.result.Created = false
	out, err = run(t, fallbackCmd, original.ID().String())
	require.NoError(t, err)
	assert.Contains(t, out, "Already on fallback plan")
}

func TestAuditCmd(t *testing.T) {
	resetFlags()
	id := uuid.New()
	queries := &mockQueries{}
	queries.On("Audit", mock.Anything, id).Return(billingApp.AuditResult{
		SubscriptionID: id,
		Status:         "ACTIVE",
		Replayed:       "PAYMENT_REQUIRED",
		Entries:        3,
		Consistent:     false,
	}, nil)
	cli.SetApp(&cli.App{Queries: queries})
	defer cli.SetApp(nil)

	out, err := run(t, auditCmd, id.String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inconsistent")
	assert.Contains(t, out, "Replayed: PAYMENT_REQUIRED (3 entries)")
}
