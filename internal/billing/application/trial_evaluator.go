package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/lingomarket/internal/shared/application"
	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/lingomarket/pkg/observability"
	"github.com/google/uuid"
)

// ScanLockKey guards the scan against overlapping runs.
const ScanLockKey = "billing:scan:trial-expiration"

// ScanSummary counts what one scan did.
type ScanSummary struct {
	TrialsActivated       int       `json:"trials_activated"`
	TrialsPaymentRequired int       `json:"trials_payment_required"`
	Renewals              int       `json:"renewals"`
	Expired               int       `json:"expired"`
	Fallbacks             int       `json:"fallbacks"`
	RetriesDue            int       `json:"retries_due"`
	Errors                int       `json:"errors"`
	Skipped               bool      `json:"skipped,omitempty"`
	StartedAt             time.Time `json:"started_at"`
	DurationMS            int64     `json:"duration_ms"`
}

// Processed is the number of subscriptions that changed.
func (s ScanSummary) Processed() int {
	return s.TrialsActivated + s.TrialsPaymentRequired + s.Renewals + s.Expired + s.Fallbacks + s.RetriesDue
}

// EvaluatorConfig tunes the scan.
type EvaluatorConfig struct {
	// BatchSize is the page size of each listing. A scan reads every page.
	BatchSize int
	LockTTL   time.Duration
}

// DefaultEvaluatorConfig returns the production defaults.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{BatchSize: 500, LockTTL: 10 * time.Minute}
}

// TrialExpirationEvaluator is the scheduled pass over the subscription store.
// It ends due trials, renews or expires due subscriptions, finishes
// fallbacks that failed earlier and surfaces payment retries that are due.
type TrialExpirationEvaluator struct {
	subscriptions domain.SubscriptionRepository
	accounts      domain.AccountRepository
	writer        *LedgerWriter
	uow           sharedApplication.UnitOfWork
	fallback      *FallbackPlanCreator
	notifier      Notifier
	locker        lock.Locker
	metrics       observability.Metrics
	logger        *slog.Logger
	config        EvaluatorConfig
	now           func() time.Time
}

// EvaluatorDeps are the collaborators of the evaluator. Locker, Notifier
// and Metrics are optional.
type EvaluatorDeps struct {
	Subscriptions domain.SubscriptionRepository
	Accounts      domain.AccountRepository
	Writer        *LedgerWriter
	UnitOfWork    sharedApplication.UnitOfWork
	Fallback      *FallbackPlanCreator
	Notifier      Notifier
	Locker        lock.Locker
	Metrics       observability.Metrics
	Logger        *slog.Logger
}

// NewTrialExpirationEvaluator creates an evaluator.
func NewTrialExpirationEvaluator(deps EvaluatorDeps, config EvaluatorConfig) *TrialExpirationEvaluator {
	defaults := DefaultEvaluatorConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NoopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &TrialExpirationEvaluator{
		subscriptions: deps.Subscriptions,
		accounts:      deps.Accounts,
		writer:        deps.Writer,
		uow:           deps.UnitOfWork,
		fallback:      deps.Fallback,
		notifier:      deps.Notifier,
		locker:        deps.Locker,
		metrics:       deps.Metrics,
		logger:        deps.Logger.With("component", "trial_expiration"),
		config:        config,
		now:           time.Now,
	}
}

type scanOutcome string

const (
	outcomeActivated       scanOutcome = "trial_activated"
	outcomePaymentRequired scanOutcome = "trial_payment_required"
	outcomeRenewed         scanOutcome = "renewed"
	outcomeExpired         scanOutcome = "expired"
	outcomeFallback        scanOutcome = "fallback"
	outcomeRetryDue        scanOutcome = "retry_due"
	outcomeSkipped         scanOutcome = "skipped"
)

// Run performs one scan. Failures of single subscriptions are logged and
// counted in Errors; only failures to list candidates or to take the lock
// abort the scan. When another scan holds the lock the summary is Skipped.
func (e *TrialExpirationEvaluator) Run(ctx context.Context) (ScanSummary, error) {
	ctx = observability.WithOperation(ctx, "billing.trial_expiration_scan")
	started := e.now()
	summary := ScanSummary{StartedAt: started.UTC()}

	if e.locker != nil {
		release, acquired, err := e.locker.TryAcquire(ctx, ScanLockKey, e.config.LockTTL)
		if err != nil {
			e.metrics.Counter(observability.MetricScanRuns, 1, observability.T("result", "error"))
			return summary, fmt.Errorf("acquire scan lock: %w", err)
		}
		if !acquired {
			e.logger.InfoContext(ctx, "scan already running elsewhere, skipping")
			e.metrics.Counter(observability.MetricScanRuns, 1, observability.T("result", "skipped"))
			summary.Skipped = true
			return summary, nil
		}
		defer release()
	}

	err := e.scan(ctx, started, &summary)
	elapsed := e.now().Sub(started)
	summary.DurationMS = elapsed.Milliseconds()
	e.metrics.Timing(observability.MetricScanDuration, elapsed)

	if err != nil {
		e.metrics.Counter(observability.MetricScanRuns, 1, observability.T("result", "error"))
		e.logger.ErrorContext(ctx, "scan aborted", "error", err, "summary", summary)
		return summary, err
	}

	e.metrics.Counter(observability.MetricScanRuns, 1, observability.T("result", "ok"))
	e.logger.InfoContext(ctx, "scan finished",
		"trials_activated", summary.TrialsActivated,
		"trials_payment_required", summary.TrialsPaymentRequired,
		"renewals", summary.Renewals,
		"expired", summary.Expired,
		"fallbacks", summary.Fallbacks,
		"retries_due", summary.RetriesDue,
		"errors", summary.Errors,
	)
	return summary, nil
}

func (e *TrialExpirationEvaluator) scan(ctx context.Context, now time.Time, summary *ScanSummary) error {
	// each subscription is handled at most once per scan
	seen := make(map[uuid.UUID]struct{})
	limit := e.config.BatchSize

	stages := []struct {
		name    string
		list    func(after uuid.UUID) ([]*domain.Subscription, error)
		process func(context.Context, uuid.UUID, time.Time) (scanOutcome, error)
	}{
		{"trials", func(after uuid.UUID) ([]*domain.Subscription, error) {
			return e.subscriptions.ListEnded(ctx, domain.StatusTrial, now, after, limit)
		}, e.processTrial},
		{"renewals", func(after uuid.UUID) ([]*domain.Subscription, error) {
			return e.subscriptions.ListEnded(ctx, domain.StatusActive, now, after, limit)
		}, e.processRenewal},
		{"fallbacks", func(after uuid.UUID) ([]*domain.Subscription, error) {
			return e.subscriptions.ListExhausted(ctx, MaxPaymentAttempts, after, limit)
		}, e.processExhausted},
		{"retries", func(after uuid.UUID) ([]*domain.Subscription, error) {
			return e.subscriptions.ListRetryDue(ctx, now, after, limit)
		}, e.processRetryDue},
	}

	for _, stage := range stages {
		// pages by id; rows that failed stay behind the cursor
		after := uuid.Nil
		for {
			subs, err := stage.list(after)
			if err != nil {
				return fmt.Errorf("list %s: %w", stage.name, err)
			}

			for _, sub := range subs {
				after = sub.ID()
				if _, ok := seen[sub.ID()]; ok {
					continue
				}
				seen[sub.ID()] = struct{}{}

				outcome, err := stage.process(ctx, sub.ID(), now)
				if err != nil {
					summary.Errors++
					e.metrics.Counter(observability.MetricScanProcessed, 1, observability.T("outcome", "error"))
					e.logger.ErrorContext(ctx, "failed to process subscription",
						"stage", stage.name,
						"subscription_id", sub.ID(),
						"error", err,
					)
					continue
				}
				e.count(summary, outcome)
			}

			if len(subs) < limit || ctx.Err() != nil {
				break
			}
		}
	}
	return ctx.Err()
}

func (e *TrialExpirationEvaluator) count(summary *ScanSummary, outcome scanOutcome) {
	switch outcome {
	case outcomeActivated:
		summary.TrialsActivated++
	case outcomePaymentRequired:
		summary.TrialsPaymentRequired++
	case outcomeRenewed:
		summary.Renewals++
	case outcomeExpired:
		summary.Expired++
	case outcomeFallback:
		summary.Fallbacks++
	case outcomeRetryDue:
		summary.RetriesDue++
	}
	e.metrics.Counter(observability.MetricScanProcessed, 1, observability.T("outcome", string(outcome)))
}

// step reloads the subscription inside a unit of work and hands it to fn.
// A subscription whose state moved on since it was listed is skipped.
func (e *TrialExpirationEvaluator) step(ctx context.Context, id uuid.UUID, fn func(context.Context, *domain.Subscription) (scanOutcome, error)) (*domain.Subscription, scanOutcome, error) {
	var (
		sub     *domain.Subscription
		outcome scanOutcome
	)
	err := retryOnConflict(ctx, e.logger, func() error {
		return sharedApplication.WithUnitOfWork(ctx, e.uow, func(txCtx context.Context) error {
			var err error
			if sub, err = e.subscriptions.FindByID(txCtx, id); err != nil {
				return err
			}
			outcome, err = fn(txCtx, sub)
			return err
		})
	})
	if errors.Is(err, domain.ErrTransitionNotAllowed) || errors.Is(err, domain.ErrNotDue) {
		return sub, outcomeSkipped, nil
	}
	return sub, outcome, err
}

func (e *TrialExpirationEvaluator) processTrial(ctx context.Context, id uuid.UUID, now time.Time) (scanOutcome, error) {
	sub, outcome, err := e.step(ctx, id, func(txCtx context.Context, sub *domain.Subscription) (scanOutcome, error) {
		account, err := e.accounts.FindByOwner(txCtx, sub.OwnerType(), sub.OwnerID())
		if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
			return "", err
		}

		if account.HasPaymentMethod() {
			log, err := sub.ConvertTrial(now)
			if err != nil {
				return "", err
			}
			charge := domain.NewBillingHistoryEntry(sub, domain.BillingPending,
				fmt.Sprintf("First %s charge after trial", sub.PlanType()), sub.StartDate(), now)
			return outcomeActivated, e.writer.Commit(txCtx, Record{
				Subscriptions: []*domain.Subscription{sub},
				Billing:       []*domain.BillingHistoryEntry{charge},
				Logs:          []*domain.SubscriptionLog{log},
			})
		}

		log, err := sub.RequirePayment(now)
		if err != nil {
			return "", err
		}
		return outcomePaymentRequired, e.writer.Commit(txCtx, Record{
			Subscriptions: []*domain.Subscription{sub},
			Logs:          []*domain.SubscriptionLog{log},
		})
	})
	if err != nil {
		return "", err
	}

	if outcome == outcomePaymentRequired {
		notify(ctx, e.notifier, e.logger, e.metrics, sub, Notification{
			Type:    NotifyTrialExpiredPaymentRequired,
			Title:   "Your free trial has ended",
			Message: fmt.Sprintf("Add a payment method to keep using your %s plan.", sub.PlanType()),
			Metadata: map[string]string{
				"plan_type":     string(sub.PlanType()),
				"billing_cycle": string(sub.BillingCycle()),
				"amount":        sub.Price().String(),
			},
		})
	}
	return outcome, nil
}

func (e *TrialExpirationEvaluator) processRenewal(ctx context.Context, id uuid.UUID, now time.Time) (scanOutcome, error) {
	_, outcome, err := e.step(ctx, id, func(txCtx context.Context, sub *domain.Subscription) (scanOutcome, error) {
		if !sub.AutoRenew() {
			log, err := sub.Expire(now)
			if err != nil {
				return "", err
			}
			return outcomeExpired, e.writer.Commit(txCtx, Record{
				Subscriptions: []*domain.Subscription{sub},
				Logs:          []*domain.SubscriptionLog{log},
			})
		}

		log, err := sub.Renew(now)
		if err != nil {
			return "", err
		}
		rec := Record{
			Subscriptions: []*domain.Subscription{sub},
			Logs:          []*domain.SubscriptionLog{log},
		}
		if !sub.Price().IsZero() {
			rec.Billing = append(rec.Billing, domain.NewBillingHistoryEntry(sub, domain.BillingPending,
				fmt.Sprintf("%s %s renewal", sub.PlanType(), sub.BillingCycle()), sub.StartDate(), now))
		}
		return outcomeRenewed, e.writer.Commit(txCtx, rec)
	})
	return outcome, err
}

func (e *TrialExpirationEvaluator) processExhausted(ctx context.Context, id uuid.UUID, _ time.Time) (scanOutcome, error) {
	if e.fallback == nil {
		return outcomeSkipped, nil
	}
	result, err := e.fallback.Apply(ctx, id, "Maximum payment attempts reached")
	if errors.Is(err, domain.ErrTransitionNotAllowed) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	if !result.Created {
		return outcomeSkipped, nil
	}
	notify(ctx, e.notifier, e.logger, e.metrics, result.Original, maxAttemptsNotification(result))
	return outcomeFallback, nil
}

func (e *TrialExpirationEvaluator) processRetryDue(ctx context.Context, id uuid.UUID, now time.Time) (scanOutcome, error) {
	sub, outcome, err := e.step(ctx, id, func(txCtx context.Context, sub *domain.Subscription) (scanOutcome, error) {
		log, err := sub.MarkRetryDue(now)
		if err != nil {
			return "", err
		}
		return outcomeRetryDue, e.writer.Commit(txCtx, Record{
			Subscriptions: []*domain.Subscription{sub},
			Logs:          []*domain.SubscriptionLog{log},
		})
	})
	if err != nil {
		return "", err
	}

	if outcome == outcomeRetryDue {
		notify(ctx, e.notifier, e.logger, e.metrics, sub, Notification{
			Type:    NotifyPaymentRetryDue,
			Title:   "Please retry your payment",
			Message: fmt.Sprintf("Your %s plan is waiting for payment. %d attempt(s) remain before it is downgraded.", sub.PlanType(), sub.RemainingAttempts()),
			Metadata: map[string]string{
				"remaining_attempts": fmt.Sprint(sub.RemainingAttempts()),
			},
		})
	}
	return outcome, nil
}

func maxAttemptsNotification(result *FallbackResult) Notification {
	return Notification{
		Type:  NotifyMaxAttemptsReached,
		Title: "Your subscription was downgraded",
		Message: fmt.Sprintf("We could not collect payment for your %s plan after %d attempts. You are now on the free %s plan.",
			result.Original.PlanType(), MaxPaymentAttempts, result.Fallback.PlanType()),
		Metadata: map[string]string{
			"fallback_subscription_id": result.Fallback.ID().String(),
			"fallback_plan":            string(result.Fallback.PlanType()),
		},
	}
}
