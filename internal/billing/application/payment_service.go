package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/lingomarket/internal/shared/application"
	"github.com/felixgeelhaar/lingomarket/pkg/observability"
	"github.com/google/uuid"
)

const (
	intentStatusSucceeded = "succeeded"
	paymentMethodProvider = "stripe"
)

type successOutcome string

const (
	successActivated successOutcome = "ok"
	successUnapplied successOutcome = "unapplied"
	successDuplicate successOutcome = "duplicate"
)

// PaymentIntentRequest asks for a post-trial payment intent.
type PaymentIntentRequest struct {
	SubscriptionID uuid.UUID
	UserID         uuid.UUID
	UserType       domain.OwnerType
	PlanType       string
	BillingCycle   string
	Amount         int64
	Currency       string
	// Email and Name seed the provider customer when none exists yet.
	Email string
	Name  string
}

// PaymentIntentResult is returned to the client that will confirm the payment.
type PaymentIntentResult struct {
	Success         bool   `json:"success"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	ClientSecret    string `json:"clientSecret,omitempty"`
	RequiresAction  bool   `json:"requiresAction"`
	AttemptNumber   int    `json:"attemptNumber,omitempty"`
	Error           string `json:"error,omitempty"`
}

// PostTrialPaymentService collects payment for subscriptions whose trial
// ended without a payment method and reacts to the provider's verdict.
type PostTrialPaymentService struct {
	subscriptions domain.SubscriptionRepository
	accounts      domain.AccountRepository
	provider      PaymentProvider
	tracker       *PaymentAttemptTracker
	fallback      *FallbackPlanCreator
	writer        *LedgerWriter
	uow           sharedApplication.UnitOfWork
	notifier      Notifier
	metrics       observability.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// PaymentServiceDeps are the collaborators of the payment service.
type PaymentServiceDeps struct {
	Subscriptions domain.SubscriptionRepository
	Accounts      domain.AccountRepository
	Provider      PaymentProvider
	Tracker       *PaymentAttemptTracker
	Fallback      *FallbackPlanCreator
	Writer        *LedgerWriter
	UnitOfWork    sharedApplication.UnitOfWork
	Notifier      Notifier
	Metrics       observability.Metrics
	Logger        *slog.Logger
}

// NewPostTrialPaymentService creates the payment service.
func NewPostTrialPaymentService(deps PaymentServiceDeps) *PostTrialPaymentService {
	if deps.Metrics == nil {
		deps.Metrics = observability.NoopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &PostTrialPaymentService{
		subscriptions: deps.Subscriptions,
		accounts:      deps.Accounts,
		provider:      deps.Provider,
		tracker:       deps.Tracker,
		fallback:      deps.Fallback,
		writer:        deps.Writer,
		uow:           deps.UnitOfWork,
		notifier:      deps.Notifier,
		metrics:       deps.Metrics,
		logger:        deps.Logger.With("component", "post_trial_payment"),
		now:           time.Now,
	}
}

// CreatePostTrialPaymentIntent opens a payment intent for a subscription in
// PAYMENT_REQUIRED. Failures are reported in the result, never as an error.
func (s *PostTrialPaymentService) CreatePostTrialPaymentIntent(ctx context.Context, req PaymentIntentRequest) PaymentIntentResult {
	ctx = observability.WithOperation(ctx, "billing.create_post_trial_payment_intent")

	result, err := s.createIntent(ctx, req)
	if err != nil {
		s.metrics.Counter(observability.MetricPaymentIntents, 1, observability.T("result", "error"))
		s.logger.ErrorContext(ctx, "failed to create post-trial payment intent",
			"subscription_id", req.SubscriptionID,
			"user_id", req.UserID,
			"error", err,
		)
		return PaymentIntentResult{Success: false, Error: err.Error()}
	}

	s.metrics.Counter(observability.MetricPaymentIntents, 1, observability.T("result", "created"))
	s.logger.InfoContext(ctx, "post-trial payment intent created",
		"subscription_id", req.SubscriptionID,
		"payment_intent_id", result.PaymentIntentID,
		"attempt", result.AttemptNumber,
	)
	return result
}

func (s *PostTrialPaymentService) createIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntentResult, error) {
	sub, err := s.subscriptions.FindByID(ctx, req.SubscriptionID)
	if err != nil {
		return PaymentIntentResult{}, err
	}
	if !sub.BelongsTo(req.UserType, req.UserID) {
		return PaymentIntentResult{}, domain.ErrOwnerMismatch
	}
	if sub.Status() != domain.StatusPaymentRequired {
		return PaymentIntentResult{}, fmt.Errorf("%w: subscription is %s, payment is only collected in %s",
			domain.ErrTransitionNotAllowed, sub.Status(), domain.StatusPaymentRequired)
	}

	plan, err := domain.LookupPlan(req.UserType, req.PlanType)
	if err != nil {
		return PaymentIntentResult{}, err
	}
	cycle, err := domain.ParseBillingCycle(req.BillingCycle)
	if err != nil {
		return PaymentIntentResult{}, err
	}
	currency := req.Currency
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	amount, err := domain.NewMoney(req.Amount, currency)
	if err != nil {
		return PaymentIntentResult{}, err
	}
	if amount.IsZero() {
		return PaymentIntentResult{}, errors.New("amount must be greater than zero")
	}
	if price := plan.Price(cycle); amount != price {
		return PaymentIntentResult{}, fmt.Errorf("%w: %s %s costs %s, got %s",
			domain.ErrPriceMismatch, plan.Name, strings.ToLower(string(cycle)), price, amount)
	}

	customerID, err := s.ensureCustomer(ctx, req)
	if err != nil {
		return PaymentIntentResult{}, fmt.Errorf("ensure customer: %w", err)
	}

	attempt, err := s.tracker.AttemptNumber(ctx, sub.ID())
	if err != nil {
		return PaymentIntentResult{}, err
	}

	intent, err := s.provider.CreatePaymentIntent(ctx, PaymentIntentParams{
		Amount:      amount.Amount,
		Currency:    strings.ToLower(amount.Currency),
		CustomerID:  customerID,
		Description: fmt.Sprintf("%s %s subscription (%s)", plan.Name, strings.ToLower(string(cycle)), sub.ID()),
		Metadata: IntentMetadata{
			SubscriptionID: sub.ID(),
			UserID:         req.UserID,
			UserType:       req.UserType,
			PlanType:       plan.Type,
			BillingCycle:   cycle,
			AttemptNumber:  attempt,
		}.Encode(),
	})
	if err != nil {
		return PaymentIntentResult{}, fmt.Errorf("create payment intent: %w", err)
	}

	recorded, err := s.tracker.RecordAttempt(ctx, sub.ID(), req.UserType, intent.ID)
	if err != nil {
		return PaymentIntentResult{}, err
	}

	return PaymentIntentResult{
		Success:         true,
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		RequiresAction:  intent.RequiresAction(),
		AttemptNumber:   recorded,
	}, nil
}

// ensureCustomer returns the owner's provider customer, creating and
// storing one on first use.
func (s *PostTrialPaymentService) ensureCustomer(ctx context.Context, req PaymentIntentRequest) (string, error) {
	account, err := s.accounts.FindByOwner(ctx, req.UserType, req.UserID)
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		return "", err
	}
	if account.HasPaymentMethod() {
		return account.ProviderCustomerID, nil
	}
	if account == nil {
		account = domain.NewBillingAccount(req.UserType, req.UserID, req.Email, req.Name, s.now())
	}
	if account.Email == "" {
		account.Email = req.Email
	}
	if account.Name == "" {
		account.Name = req.Name
	}

	customerID, err := s.provider.CreateCustomer(ctx, CustomerRequest{
		Email: account.Email,
		Name:  account.Name,
		Metadata: map[string]string{
			"user_id":   req.UserID.String(),
			"user_type": string(req.UserType),
		},
	})
	if err != nil {
		return "", err
	}

	account.AttachCustomer(customerID, s.now())
	if err := s.accounts.Save(ctx, account); err != nil {
		return "", err
	}
	return customerID, nil
}

// HandlePostTrialPaymentSuccess activates the subscription paid by the
// intent. The status change, the PAID billing row and the log row are
// written in one transaction. Replays of the same intent are no-ops.
//
// A payment that settles after the subscription left PAYMENT_REQUIRED, for
// instance an intent confirmed after the fallback, is kept as an UNAPPLIED
// billing row with a PAYMENT_UNAPPLIED log row and does not change the
// subscription.
func (s *PostTrialPaymentService) HandlePostTrialPaymentSuccess(ctx context.Context, paymentIntentID string) error {
	ctx = observability.WithOperation(ctx, "billing.post_trial_payment_success")

	intent, err := s.provider.GetPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		s.countCallback("success", "error")
		return fmt.Errorf("get payment intent %s: %w", paymentIntentID, err)
	}
	if intent.Status != intentStatusSucceeded {
		s.countCallback("success", "error")
		return fmt.Errorf("payment intent %s has status %q", paymentIntentID, intent.Status)
	}
	meta, err := DecodeIntentMetadata(intent.Metadata)
	if err != nil {
		s.countCallback("success", "error")
		return err
	}
	plan, err := domain.LookupPlan(meta.UserType, string(meta.PlanType))
	if err != nil {
		s.countCallback("success", "error")
		return err
	}
	amount, err := domain.NewMoney(intent.Amount, intent.Currency)
	if err != nil {
		s.countCallback("success", "error")
		return err
	}

	payment := domain.PaymentSuccess{
		PaymentIntentID: intent.ID,
		TransactionID:   intent.TransactionID(),
		Plan:            plan,
		BillingCycle:    meta.BillingCycle,
		Amount:          amount,
	}
	description := fmt.Sprintf("%s %s subscription", plan.Name, strings.ToLower(string(meta.BillingCycle)))

	var (
		sub     *domain.Subscription
		outcome successOutcome
	)
	err = retryOnConflict(ctx, s.logger, func() error {
		return sharedApplication.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
			var err error
			if sub, err = s.subscriptions.FindByID(txCtx, meta.SubscriptionID); err != nil {
				return err
			}
			if sub.PaidWith(intent.ID) || sub.HasUnappliedPayment(intent.ID) {
				outcome = successDuplicate
				return nil
			}

			now := s.now()
			if sub.Status() != domain.StatusPaymentRequired {
				outcome = successUnapplied
				return s.recordUnapplied(txCtx, sub, payment, description, now)
			}

			log, err := sub.ActivateAfterPayment(payment, now)
			if err != nil {
				return err
			}

			charge := domain.NewBillingHistoryEntry(sub, domain.BillingPaid, description, now, now)
			charge.TransactionID = payment.TransactionID
			charge.PaymentMethod = paymentMethodProvider

			outcome = successActivated
			return s.writer.Commit(txCtx, Record{
				Subscriptions: []*domain.Subscription{sub},
				Billing:       []*domain.BillingHistoryEntry{charge},
				Logs:          []*domain.SubscriptionLog{log},
			})
		})
	})
	if err != nil {
		s.countCallback("success", "error")
		s.logger.ErrorContext(ctx, "failed to activate subscription after payment",
			"subscription_id", meta.SubscriptionID,
			"payment_intent_id", paymentIntentID,
			"error", err,
		)
		return fmt.Errorf("activate subscription %s: %w", meta.SubscriptionID, err)
	}

	switch outcome {
	case successDuplicate:
		s.countCallback("success", string(outcome))
		s.logger.InfoContext(ctx, "payment intent already applied", "payment_intent_id", paymentIntentID)
		return nil
	case successUnapplied:
		s.countCallback("success", string(outcome))
		s.logger.WarnContext(ctx, "payment settled for subscription that no longer requires payment",
			"subscription_id", sub.ID(),
			"status", sub.Status(),
			"payment_intent_id", paymentIntentID,
			"amount", amount.String(),
		)
		notify(ctx, s.notifier, s.logger, s.metrics, sub, Notification{
			Type:    NotifyPaymentUnapplied,
			Title:   "Payment received",
			Message: fmt.Sprintf("We received %s after your subscription had already changed. Our team will refund or apply it.", amount),
			Metadata: map[string]string{
				"payment_intent_id": intent.ID,
				"amount":            amount.String(),
			},
		})
		return nil
	}

	s.countCallback("success", string(outcome))
	s.logger.InfoContext(ctx, "subscription activated after payment",
		"subscription_id", sub.ID(),
		"payment_intent_id", paymentIntentID,
		"plan_type", sub.PlanType(),
	)
	notify(ctx, s.notifier, s.logger, s.metrics, sub, Notification{
		Type:    NotifyPaymentSuccess,
		Title:   "Payment received",
		Message: fmt.Sprintf("Your %s plan is active until %s.", plan.Name, sub.EndDate().Format("January 2, 2006")),
		Metadata: map[string]string{
			"payment_intent_id": intent.ID,
			"amount":            amount.String(),
		},
	})
	return nil
}

// recordUnapplied keeps a late payment on the subscription's ledger as an
// UNAPPLIED row without changing its status or plan.
func (s *PostTrialPaymentService) recordUnapplied(ctx context.Context, sub *domain.Subscription, payment domain.PaymentSuccess, description string, now time.Time) error {
	log, err := sub.RecordUnappliedPayment(payment, now)
	if err != nil {
		return err
	}

	entry := domain.NewBillingHistoryEntry(sub, domain.BillingUnapplied, description+" (not applied)", now, now)
	entry.Amount = payment.Amount
	entry.TransactionID = payment.TransactionID
	entry.PaymentMethod = paymentMethodProvider

	return s.writer.Commit(ctx, Record{
		Subscriptions: []*domain.Subscription{sub},
		Billing:       []*domain.BillingHistoryEntry{entry},
		Logs:          []*domain.SubscriptionLog{log},
	})
}

// HandlePostTrialPaymentFailure counts a failed post-trial payment. Before
// the ceiling the next attempt is scheduled and the owner is told how many
// attempts remain; at the ceiling the subscription falls back to the free
// plan. Failures for subscriptions that left PAYMENT_REQUIRED are ignored.
func (s *PostTrialPaymentService) HandlePostTrialPaymentFailure(ctx context.Context, subscriptionID uuid.UUID, userType domain.OwnerType, errorMessage string) error {
	ctx = observability.WithOperation(ctx, "billing.post_trial_payment_failure")

	failure, err := s.tracker.RegisterFailure(ctx, subscriptionID, userType, errorMessage)
	if errors.Is(err, domain.ErrTransitionNotAllowed) {
		s.countCallback("failure", "ignored")
		s.logger.InfoContext(ctx, "ignoring payment failure for subscription not awaiting payment",
			"subscription_id", subscriptionID)
		return nil
	}
	if err != nil {
		s.countCallback("failure", "error")
		return fmt.Errorf("register payment failure: %w", err)
	}

	if failure.Exhausted {
		result, err := s.fallback.Apply(ctx, subscriptionID, "Maximum payment attempts reached")
		if err != nil {
			s.countCallback("failure", "error")
			return err
		}
		s.countCallback("failure", "fallback")
		if result.Created {
			notify(ctx, s.notifier, s.logger, s.metrics, result.Original, maxAttemptsNotification(result))
		}
		return nil
	}

	s.countCallback("failure", "scheduled")
	sub, err := s.subscriptions.FindByID(ctx, subscriptionID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load subscription for notification",
			"subscription_id", subscriptionID, "error", err)
		return nil
	}
	notify(ctx, s.notifier, s.logger, s.metrics, sub, Notification{
		Type:  NotifyPaymentFailed,
		Title: "Payment failed",
		Message: fmt.Sprintf("Your payment could not be processed. %d attempt(s) remain; we will remind you on %s.",
			failure.RemainingAttempts, failure.NextAttemptAt.Format("January 2, 2006")),
		Metadata: map[string]string{
			"attempt_number":     fmt.Sprint(failure.AttemptNumber),
			"remaining_attempts": fmt.Sprint(failure.RemainingAttempts),
			"next_attempt_at":    failure.NextAttemptAt.Format(time.RFC3339),
			"error":              errorMessage,
		},
	})
	return nil
}

func (s *PostTrialPaymentService) countCallback(kind, result string) {
	s.metrics.Counter(observability.MetricPaymentCallbacks, 1,
		observability.T("kind", kind), observability.T("result", result))
}
