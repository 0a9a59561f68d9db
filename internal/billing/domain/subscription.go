package domain

import (
	"fmt"
	"slices"
	"time"

	sharedDomain "github.com/felixgeelhaar/lingomarket/internal/shared/domain"
	"github.com/google/uuid"
)

// Subscription is the billing relationship of one student or institution.
// It is never deleted; every status change goes through the transition table
// and yields the log row that records it.
type Subscription struct {
	sharedDomain.BaseAggregateRoot
	ownerType            OwnerType
	ownerID              uuid.UUID
	planType             PlanType
	status               Status
	billingCycle         BillingCycle
	price                Money
	startDate            time.Time
	endDate              time.Time
	autoRenew            bool
	paymentAttempts      int
	failedPayments       int
	nextPaymentAttemptAt *time.Time
	metadata             SubscriptionMetadata
}

// SubscriptionSnapshot is the persisted form of a subscription.
type SubscriptionSnapshot struct {
	ID                   uuid.UUID
	OwnerType            OwnerType
	OwnerID              uuid.UUID
	PlanType             PlanType
	Status               Status
	BillingCycle         BillingCycle
	Amount               int64
	Currency             string
	StartDate            time.Time
	EndDate              time.Time
	AutoRenew            bool
	PaymentAttempts      int
	FailedPayments       int
	NextPaymentAttemptAt *time.Time
	Metadata             SubscriptionMetadata
	Version              int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// NewTrialSubscription starts a trial of plan that ends at trialEnd.
func NewTrialSubscription(ownerID uuid.UUID, plan Plan, cycle BillingCycle, trialEnd, now time.Time) (*Subscription, error) {
	if !plan.OwnerType.IsValid() {
		return nil, ErrInvalidOwnerType
	}
	if !cycle.IsValid() {
		return nil, ErrInvalidBillingCycle
	}
	if !trialEnd.After(now) {
		return nil, fmt.Errorf("trial must end after it starts")
	}

	return &Subscription{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(sharedDomain.NewBaseEntity(uuid.Nil, now)),
		ownerType:         plan.OwnerType,
		ownerID:           ownerID,
		planType:          plan.Type,
		status:            StatusTrial,
		billingCycle:      cycle,
		price:             plan.Price(cycle),
		startDate:         now.UTC(),
		endDate:           trialEnd.UTC(),
		autoRenew:         true,
		metadata:          SubscriptionMetadata{Version: MetadataVersion},
	}, nil
}

// RehydrateSubscription recreates a subscription from storage.
func RehydrateSubscription(s SubscriptionSnapshot) *Subscription {
	var next *time.Time
	if s.NextPaymentAttemptAt != nil {
		t := s.NextPaymentAttemptAt.UTC()
		next = &t
	}
	return &Subscription{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(
			sharedDomain.RehydrateBaseEntity(s.ID, s.CreatedAt, s.UpdatedAt), s.Version),
		ownerType:            s.OwnerType,
		ownerID:              s.OwnerID,
		planType:             s.PlanType,
		status:               s.Status,
		billingCycle:         s.BillingCycle,
		price:                Money{Amount: s.Amount, Currency: s.Currency},
		startDate:            s.StartDate.UTC(),
		endDate:              s.EndDate.UTC(),
		autoRenew:            s.AutoRenew,
		paymentAttempts:      s.PaymentAttempts,
		failedPayments:       s.FailedPayments,
		nextPaymentAttemptAt: next,
		metadata:             s.Metadata,
	}
}

// Snapshot returns the persisted form.
func (s *Subscription) Snapshot() SubscriptionSnapshot {
	return SubscriptionSnapshot{
		ID:                   s.ID(),
		OwnerType:            s.ownerType,
		OwnerID:              s.ownerID,
		PlanType:             s.planType,
		Status:               s.status,
		BillingCycle:         s.billingCycle,
		Amount:               s.price.Amount,
		Currency:             s.price.Currency,
		StartDate:            s.startDate,
		EndDate:              s.endDate,
		AutoRenew:            s.autoRenew,
		PaymentAttempts:      s.paymentAttempts,
		FailedPayments:       s.failedPayments,
		NextPaymentAttemptAt: s.nextPaymentAttemptAt,
		Metadata:             s.metadata,
		Version:              s.Version(),
		CreatedAt:            s.CreatedAt(),
		UpdatedAt:            s.UpdatedAt(),
	}
}

// Getters
func (s *Subscription) OwnerType() OwnerType                { return s.ownerType }
func (s *Subscription) OwnerID() uuid.UUID                  { return s.ownerID }
func (s *Subscription) PlanType() PlanType                  { return s.planType }
func (s *Subscription) Status() Status                      { return s.status }
func (s *Subscription) BillingCycle() BillingCycle          { return s.billingCycle }
func (s *Subscription) Price() Money                        { return s.price }
func (s *Subscription) StartDate() time.Time                { return s.startDate }
func (s *Subscription) EndDate() time.Time                  { return s.endDate }
func (s *Subscription) AutoRenew() bool                     { return s.autoRenew }
func (s *Subscription) PaymentAttempts() int                { return s.paymentAttempts }
func (s *Subscription) FailedPayments() int                 { return s.failedPayments }
func (s *Subscription) NextPaymentAttemptAt() *time.Time    { return s.nextPaymentAttemptAt }
func (s *Subscription) Metadata() SubscriptionMetadata      { return s.metadata }
func (s *Subscription) IsDue(now time.Time) bool            { return !s.endDate.After(now) }
func (s *Subscription) BelongsTo(t OwnerType, id uuid.UUID) bool {
	return s.ownerType == t && s.ownerID == id
}

// NextAttemptNumber is the number the next payment attempt will carry.
func (s *Subscription) NextAttemptNumber() int { return s.paymentAttempts + 1 }

// RemainingAttempts is how many failed payments are left before fallback.
func (s *Subscription) RemainingAttempts() int {
	if r := MaxPaymentAttempts - s.failedPayments; r > 0 {
		return r
	}
	return 0
}

// AttemptsExhausted reports whether the failed-payment ceiling is reached.
func (s *Subscription) AttemptsExhausted() bool { return s.failedPayments >= MaxPaymentAttempts }

// PaidWith reports whether the given intent already activated this subscription.
func (s *Subscription) PaidWith(paymentIntentID string) bool {
	p := s.metadata.PostTrialPayment
	return p != nil && p.PaidIntentID != "" && p.PaidIntentID == paymentIntentID
}

// HasUnappliedPayment reports whether the intent was already recorded as a
// payment that arrived too late to apply.
func (s *Subscription) HasUnappliedPayment(paymentIntentID string) bool {
	p := s.metadata.PostTrialPayment
	return p != nil && slices.Contains(p.UnappliedIntentIDs, paymentIntentID)
}

// FallbackSubscriptionID returns the replacement created by a fallback.
func (s *Subscription) FallbackSubscriptionID() (uuid.UUID, bool) {
	if s.metadata.Fallback == nil {
		return uuid.Nil, false
	}
	return s.metadata.Fallback.SubscriptionID, true
}

func (s *Subscription) state() planState {
	return planState{plan: s.planType, amount: s.price.Amount, cycle: s.billingCycle}
}

func (s *Subscription) postTrial() *PostTrialPaymentState {
	if s.metadata.PostTrialPayment == nil {
		s.metadata.PostTrialPayment = &PostTrialPaymentState{}
	}
	return s.metadata.PostTrialPayment
}

// ConvertTrial activates an expired trial whose owner has a payment method
// on file. The first paid period starts where the trial ended.
func (s *Subscription) ConvertTrial(now time.Time) (*SubscriptionLog, error) {
	if _, err := checkTransition(ActionTrialExpired, s.status); err != nil {
		return nil, err
	}
	if !s.IsDue(now) {
		return nil, ErrNotDue
	}

	before := s.state()
	trialEnd := s.endDate
	s.status = StatusActive
	s.startDate = trialEnd
	s.endDate = s.billingCycle.Next(trialEnd)
	s.metadata.Trial = &TrialOutcome{EndedAt: trialEnd, PaymentMethodOnFile: true, Outcome: StatusActive}
	s.Touch(now)

	periodEnd := s.endDate
	s.AddDomainEvent(NewTrialConverted(s, now))
	return newLog(s, ActionTrialExpired, before, ActorSystem, "Trial ended with a payment method on file",
		TrialExpiredDetail{TrialEndedAt: trialEnd, PaymentMethodOnFile: true, NextBillingDate: &periodEnd}, now), nil
}

// RequirePayment moves an expired trial without a payment method to
// PAYMENT_REQUIRED.
func (s *Subscription) RequirePayment(now time.Time) (*SubscriptionLog, error) {
	if _, err := checkTransition(ActionTrialExpiredPaymentRequired, s.status); err != nil {
		return nil, err
	}
	if !s.IsDue(now) {
		return nil, ErrNotDue
	}

	before := s.state()
	s.status = StatusPaymentRequired
	s.metadata.Trial = &TrialOutcome{EndedAt: s.endDate, PaymentMethodOnFile: false, Outcome: StatusPaymentRequired}
	s.Touch(now)

	s.AddDomainEvent(NewTrialPaymentRequired(s, now))
	return newLog(s, ActionTrialExpiredPaymentRequired, before, ActorSystem, "Trial ended without a payment method",
		TrialExpiredDetail{TrialEndedAt: s.endDate, PaymentMethodOnFile: false}, now), nil
}

// Renew advances an auto-renewing subscription by one billing cycle.
func (s *Subscription) Renew(now time.Time) (*SubscriptionLog, error) {
	if _, err := checkTransition(ActionRenew, s.status); err != nil {
		return nil, err
	}
	if !s.autoRenew {
		return nil, fmt.Errorf("%w: auto-renew is off", ErrTransitionNotAllowed)
	}
	if !s.IsDue(now) {
		return nil, ErrNotDue
	}

	before := s.state()
	previousEnd := s.endDate
	s.startDate = previousEnd
	s.endDate = s.billingCycle.Next(previousEnd)
	s.Touch(now)

	s.AddDomainEvent(NewSubscriptionRenewed(s, previousEnd, now))
	return newLog(s, ActionRenew, before, ActorSystem, "Subscription renewed",
		RenewalDetail{PreviousEndDate: previousEnd, NewEndDate: s.endDate, Charged: !s.price.IsZero()}, now), nil
}

// Expire ends an active subscription that does not renew.
func (s *Subscription) Expire(now time.Time) (*SubscriptionLog, error) {
	if _, err := checkTransition(ActionExpired, s.status); err != nil {
		return nil, err
	}
	if s.autoRenew {
		return nil, fmt.Errorf("%w: auto-renew is on", ErrTransitionNotAllowed)
	}
	if !s.IsDue(now) {
		return nil, ErrNotDue
	}

	before := s.state()
	s.status = StatusCancelled
	s.Touch(now)

	s.AddDomainEvent(NewSubscriptionExpired(s, now))
	return newLog(s, ActionExpired, before, ActorSystem, "Subscription period ended without renewal",
		ExpiredDetail{EndedAt: s.endDate}, now), nil
}

// SetAutoRenew toggles renewal at the end of the period.
func (s *Subscription) SetAutoRenew(on bool, now time.Time) {
	s.autoRenew = on
	s.Touch(now)
}

// RecordPaymentAttempt counts a created payment intent and returns the
// attempt number it was assigned.
func (s *Subscription) RecordPaymentAttempt(paymentIntentID, actor string, now time.Time) (int, *SubscriptionLog, error) {
	if _, err := checkTransition(ActionPaymentAttempt, s.status); err != nil {
		return 0, nil, err
	}

	before := s.state()
	s.paymentAttempts++
	attempt := s.paymentAttempts
	s.postTrial().LastIntentID = paymentIntentID
	s.Touch(now)

	return attempt, newLog(s, ActionPaymentAttempt, before, actor, fmt.Sprintf("Payment attempt %d", attempt),
		PaymentAttemptDetail{AttemptNumber: attempt, PaymentIntentID: paymentIntentID, AttemptedAt: now.UTC()}, now), nil
}

// PaymentFailure is the outcome of registering a failed payment.
type PaymentFailure struct {
	AttemptNumber     int
	RemainingAttempts int
	Exhausted         bool
	NextAttemptAt     *time.Time
	// Log is nil when the attempts are exhausted; the fallback records it.
	Log *SubscriptionLog
}

// RegisterPaymentFailure counts a failed payment. Below the ceiling it
// schedules the next attempt DaysBetweenAttempts later; at the ceiling it
// only reports exhaustion.
func (s *Subscription) RegisterPaymentFailure(errorMessage string, now time.Time) (*PaymentFailure, error) {
	if _, err := checkTransition(ActionNextPaymentAttemptScheduled, s.status); err != nil {
		return nil, err
	}

	before := s.state()
	s.failedPayments++
	s.postTrial().LastError = errorMessage
	s.Touch(now)

	out := &PaymentFailure{
		AttemptNumber:     s.failedPayments,
		RemainingAttempts: s.RemainingAttempts(),
		Exhausted:         s.AttemptsExhausted(),
	}

	if out.Exhausted {
		s.nextPaymentAttemptAt = nil
	} else {
		next := now.UTC().AddDate(0, 0, DaysBetweenAttempts)
		s.nextPaymentAttemptAt = &next
		out.NextAttemptAt = &next
		out.Log = newLog(s, ActionNextPaymentAttemptScheduled, before, ActorSystem, errorMessage,
			NextPaymentAttemptDetail{
				AttemptNumber:     out.AttemptNumber,
				RemainingAttempts: out.RemainingAttempts,
				NextAttemptAt:     next,
				Error:             errorMessage,
			}, now)
	}

	s.AddDomainEvent(NewPaymentFailed(s, out, errorMessage, now))
	return out, nil
}

// MarkRetryDue clears a scheduled retry date that has passed.
func (s *Subscription) MarkRetryDue(now time.Time) (*SubscriptionLog, error) {
	if _, err := checkTransition(ActionPaymentRetryDue, s.status); err != nil {
		return nil, err
	}
	if s.nextPaymentAttemptAt == nil || s.nextPaymentAttemptAt.After(now) {
		return nil, ErrNotDue
	}

	before := s.state()
	scheduled := *s.nextPaymentAttemptAt
	s.nextPaymentAttemptAt = nil
	s.Touch(now)

	return newLog(s, ActionPaymentRetryDue, before, ActorSystem, "Scheduled payment retry is due",
		PaymentRetryDueDetail{ScheduledFor: scheduled, FailedPayments: s.failedPayments}, now), nil
}

// PaymentSuccess describes a settled post-trial payment.
type PaymentSuccess struct {
	PaymentIntentID string
	TransactionID   string
	Plan            Plan
	BillingCycle    BillingCycle
	Amount          Money
}

// ActivateAfterPayment turns a PAYMENT_REQUIRED subscription into a paid
// one starting now, on the plan that was paid for.
func (s *Subscription) ActivateAfterPayment(p PaymentSuccess, now time.Time) (*SubscriptionLog, error) {
	if _, err := checkTransition(ActionPostTrialPaymentSuccess, s.status); err != nil {
		return nil, err
	}
	if p.Plan.OwnerType != s.ownerType {
		return nil, fmt.Errorf("%w: %s plan for %s subscription", ErrPlanNotFound, p.Plan.OwnerType, s.ownerType)
	}
	if !p.BillingCycle.IsValid() {
		return nil, ErrInvalidBillingCycle
	}

	before := s.state()
	now = now.UTC()
	s.status = StatusActive
	s.planType = p.Plan.Type
	s.billingCycle = p.BillingCycle
	s.price = p.Amount
	s.startDate = now
	s.endDate = p.BillingCycle.Next(now)
	s.paymentAttempts = 0
	s.failedPayments = 0
	s.nextPaymentAttemptAt = nil

	paidAt := now
	state := s.postTrial()
	state.PaidIntentID = p.PaymentIntentID
	state.TransactionID = p.TransactionID
	state.PaidAt = &paidAt
	state.LastError = ""
	s.Touch(now)

	s.AddDomainEvent(NewSubscriptionActivated(s, p.PaymentIntentID, now))
	return newLog(s, ActionPostTrialPaymentSuccess, before, ActorSystem, "Post-trial payment succeeded",
		PaymentSuccessDetail{PaymentIntentID: p.PaymentIntentID, TransactionID: p.TransactionID, PaidAt: now}, now), nil
}

// RecordUnappliedPayment notes a settled payment that arrived after the
// subscription left PAYMENT_REQUIRED, e.g. an intent confirmed after the
// fallback. Status, plan and period stay as they are.
func (s *Subscription) RecordUnappliedPayment(p PaymentSuccess, now time.Time) (*SubscriptionLog, error) {
	if _, err := checkTransition(ActionPaymentUnapplied, s.status); err != nil {
		return nil, err
	}

	before := s.state()
	now = now.UTC()
	state := s.postTrial()
	state.UnappliedIntentIDs = append(state.UnappliedIntentIDs, p.PaymentIntentID)
	s.Touch(now)

	s.AddDomainEvent(NewPaymentUnapplied(s, p, now))
	return newLog(s, ActionPaymentUnapplied, before, ActorSystem,
		fmt.Sprintf("Payment settled while subscription is %s", s.status),
		PaymentUnappliedDetail{
			PaymentIntentID: p.PaymentIntentID,
			TransactionID:   p.TransactionID,
			Amount:          p.Amount.Amount,
			Currency:        p.Amount.Currency,
			Status:          s.status,
			ReceivedAt:      now,
		}, now), nil
}

// ApplyFallback cancels a subscription whose payment collection failed and
// points it at its free replacement.
func (s *Subscription) ApplyFallback(replacement *Subscription, reason string, now time.Time) (*SubscriptionLog, error) {
	if _, err := checkTransition(ActionFallbackApplied, s.status); err != nil {
		return nil, err
	}

	before := s.state()
	s.status = StatusCancelled
	s.nextPaymentAttemptAt = nil
	s.metadata.Fallback = &FallbackState{
		SubscriptionID: replacement.ID(),
		PlanType:       replacement.planType,
		Reason:         reason,
		AppliedAt:      now.UTC(),
	}
	s.Touch(now)

	detail := FallbackDetail{
		FallbackSubscriptionID: replacement.ID(),
		FailedPayments:         s.failedPayments,
		OldCommissionBP:        CommissionFor(s.ownerType, before.plan),
		NewCommissionBP:        CommissionFor(replacement.ownerType, replacement.planType),
	}
	if s.metadata.PostTrialPayment != nil {
		detail.LastError = s.metadata.PostTrialPayment.LastError
	}

	s.AddDomainEvent(NewFallbackApplied(s, replacement, reason, now))
	return newLog(s, ActionFallbackApplied, before, ActorSystem, reason, detail, now), nil
}

// NewFallbackSubscription creates the free subscription that replaces failed.
func NewFallbackSubscription(failed *Subscription, plan Plan, now time.Time) (*Subscription, *SubscriptionLog, error) {
	if !plan.Fallback || plan.OwnerType != failed.ownerType {
		return nil, nil, fmt.Errorf("%w: %s is not a %s fallback plan", ErrPlanNotFound, plan.Type, failed.ownerType)
	}

	now = now.UTC()
	replaces := failed.ID()
	sub := &Subscription{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(sharedDomain.NewBaseEntity(uuid.Nil, now)),
		ownerType:         failed.ownerType,
		ownerID:           failed.ownerID,
		planType:          plan.Type,
		status:            StatusActive,
		billingCycle:      CycleMonthly,
		price:             Money{Amount: 0, Currency: failed.price.Currency},
		startDate:         now,
		endDate:           CycleMonthly.Next(now),
		autoRenew:         true,
		metadata:          SubscriptionMetadata{Version: MetadataVersion, Replaces: &replaces},
	}

	before := failed.state()
	log := newLog(sub, ActionFallbackPlanCreated, before, ActorSystem,
		fmt.Sprintf("Downgraded from %s after failed payment collection", failed.planType),
		FallbackCreatedDetail{ReplacesSubscriptionID: replaces}, now)
	return sub, log, nil
}
