package application

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/felixgeelhaar/lingomarket/internal/billing/infrastructure/persistence"
	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/outbox"
	sharedPersistence "github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/persistence"
	"github.com/felixgeelhaar/lingomarket/pkg/observability"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

var startTime = time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) CreatePaymentIntent(ctx context.Context, req PaymentIntentParams) (*PaymentIntent, error) {
	args := m.Called(ctx, req)
	intent, _ := args.Get(0).(*PaymentIntent)
	return intent, args.Error(1)
}

func (m *mockProvider) GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	args := m.Called(ctx, id)
	intent, _ := args.Get(0).(*PaymentIntent)
	return intent, args.Error(1)
}

type sentNotification struct {
	UserID uuid.UUID
	Notification
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, userID uuid.UUID, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, Notification: msg})
	return n.err
}

func (n *recordingNotifier) types() []NotificationType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NotificationType, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Type)
	}
	return out
}

// failingLedger fails appending log rows of one action, for every
// subscription or only for those in only.
type failingLedger struct {
	domain.LedgerRepository
	failOn domain.Action
	only   map[uuid.UUID]bool
}

func (l failingLedger) AppendLog(ctx context.Context, entry *domain.SubscriptionLog) error {
	if entry.Action == l.failOn && (l.only == nil || l.only[entry.SubscriptionID]) {
		return errors.New("disk full")
	}
	return l.LedgerRepository.AppendLog(ctx, entry)
}

type harness struct {
	db        *sql.DB
	subs      *persistence.SQLiteSubscriptionRepository
	ledger    *persistence.SQLiteLedgerRepository
	accounts  *persistence.SQLiteAccountRepository
	outbox    *outbox.SQLiteRepository
	writer    *LedgerWriter
	tracker   *PaymentAttemptTracker
	fallback  *FallbackPlanCreator
	evaluator *TrialExpirationEvaluator
	payments  *PostTrialPaymentService
	webhooks  *WebhookDispatcher
	queries   *Service
	provider  *mockProvider
	notifier  *recordingNotifier
	locker    *lock.MemoryLocker
	metrics   *observability.InMemoryMetrics
	clock     time.Time
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	wrapLedger func(domain.LedgerRepository) domain.LedgerRepository
}

func withLedger(wrap func(domain.LedgerRepository) domain.LedgerRepository) harnessOption {
	return func(c *harnessConfig) { c.wrapLedger = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{wrapLedger: func(l domain.LedgerRepository) domain.LedgerRepository { return l }}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = migrations.RunSQLiteMigrations(context.Background(), db)
	require.NoError(t, err)

	h := &harness{
		db:       db,
		subs:     persistence.NewSQLiteSubscriptionRepository(db),
		ledger:   persistence.NewSQLiteLedgerRepository(db),
		accounts: persistence.NewSQLiteAccountRepository(db),
		outbox:   outbox.NewSQLiteRepository(db),
		provider: &mockProvider{},
		notifier: &recordingNotifier{},
		locker:   lock.NewMemoryLocker(),
		metrics:  observability.NewInMemoryMetrics(),
		clock:    startTime,
	}
	uow := sharedPersistence.NewSQLiteUnitOfWork(db)
	clock := func() time.Time { return h.clock }

	h.writer = NewLedgerWriter(h.subs, cfg.wrapLedger(h.ledger), h.outbox, h.metrics)
	h.tracker = NewPaymentAttemptTracker(h.subs, h.writer, uow, nil)
	h.tracker.now = clock
	h.fallback = NewFallbackPlanCreator(h.subs, h.writer, uow, nil)
	h.fallback.now = clock
	h.evaluator = NewTrialExpirationEvaluator(EvaluatorDeps{
		Subscriptions: h.subs,
		Accounts:      h.accounts,
		Writer:        h.writer,
		UnitOfWork:    uow,
		Fallback:      h.fallback,
		Notifier:      h.notifier,
		Locker:        h.locker,
		Metrics:       h.metrics,
	}, EvaluatorConfig{BatchSize: 50, LockTTL: time.Minute})
	h.evaluator.now = clock
	h.payments = NewPostTrialPaymentService(PaymentServiceDeps{
		Subscriptions: h.subs,
		Accounts:      h.accounts,
		Provider:      h.provider,
		Tracker:       h.tracker,
		Fallback:      h.fallback,
		Writer:        h.writer,
		UnitOfWork:    uow,
		Notifier:      h.notifier,
		Metrics:       h.metrics,
	})
	h.payments.now = clock
	h.webhooks = NewWebhookDispatcher(h.payments, h.locker, nil)
	h.queries = NewService(h.subs, h.ledger)
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

// seedTrial stores a trial that ended a day before the harness clock.
func (h *harness) seedTrial(t *testing.T, ownerType domain.OwnerType, plan string) *domain.Subscription {
	t.Helper()
	p, err := domain.LookupPlan(ownerType, plan)
	require.NoError(t, err)
	trialEnd := h.clock.Add(-24 * time.Hour)
	sub, err := domain.NewTrialSubscription(uuid.New(), p, domain.CycleMonthly, trialEnd, trialEnd.AddDate(0, 0, -14))
	require.NoError(t, err)
	require.NoError(t, h.subs.Create(context.Background(), sub))
	return sub
}

// seedPaymentRequired stores a subscription whose trial ended without a
// payment method, together with its log row.
func (h *harness) seedPaymentRequired(t *testing.T, ownerType domain.OwnerType, plan string) *domain.Subscription {
	t.Helper()
	p, err := domain.LookupPlan(ownerType, plan)
	require.NoError(t, err)
	trialEnd := h.clock.Add(-24 * time.Hour)
	sub, err := domain.NewTrialSubscription(uuid.New(), p, domain.CycleMonthly, trialEnd, trialEnd.AddDate(0, 0, -14))
	require.NoError(t, err)
	log, err := sub.RequirePayment(h.clock)
	require.NoError(t, err)
	require.NoError(t, h.writer.Commit(context.Background(), Record{
		Subscriptions: []*domain.Subscription{sub},
		Logs:          []*domain.SubscriptionLog{log},
	}))
	return sub
}

func (h *harness) seedCustomer(t *testing.T, ownerType domain.OwnerType, ownerID uuid.UUID, customerID string) {
	t.Helper()
	account := domain.NewBillingAccount(ownerType, ownerID, "owner@example.com", "Owner", h.clock)
	account.AttachCustomer(customerID, h.clock)
	require.NoError(t, h.accounts.Save(context.Background(), account))
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *domain.Subscription {
	t.Helper()
	sub, err := h.subs.FindByID(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (h *harness) logs(t *testing.T, id uuid.UUID) []*domain.SubscriptionLog {
	t.Helper()
	logs, err := h.ledger.ListLogs(context.Background(), id)
	require.NoError(t, err)
	return logs
}

func (h *harness) actions(t *testing.T, id uuid.UUID) []domain.Action {
	t.Helper()
	var out []domain.Action
	for _, l := range h.logs(t, id) {
		out = append(out, l.Action)
	}
	return out
}

func (h *harness) billing(t *testing.T, id uuid.UUID) []*domain.BillingHistoryEntry {
	t.Helper()
	entries, err := h.ledger.ListBillingHistory(context.Background(), id)
	require.NoError(t, err)
	return entries
}

func (h *harness) countLogs(t *testing.T, id uuid.UUID, action domain.Action) int {
	t.Helper()
	n, err := h.ledger.CountLogs(context.Background(), id, action)
	require.NoError(t, err)
	return n
}

func succeededIntent(sub *domain.Subscription, id string) *PaymentIntent {
	return &PaymentIntent{
		ID:             id,
		Status:         "succeeded",
		Amount:         sub.Price().Amount,
		Currency:       "usd",
		CustomerID:     "cus_1",
		LatestChargeID: "ch_" + id,
		Metadata: IntentMetadata{
			SubscriptionID: sub.ID(),
			UserID:         sub.OwnerID(),
			UserType:       sub.OwnerType(),
			PlanType:       sub.PlanType(),
			BillingCycle:   sub.BillingCycle(),
			AttemptNumber:  1,
		}.Encode(),
	}
}
