package domain

import (
	"time"

	sharedDomain "github.com/felixgeelhaar/lingomarket/internal/shared/domain"
	"github.com/google/uuid"
)

const aggregateType = "Subscription"

const (
	RoutingTrialConverted        = "billing.trial.converted"
	RoutingTrialPaymentRequired  = "billing.trial.payment_required"
	RoutingSubscriptionRenewed   = "billing.subscription.renewed"
	RoutingSubscriptionExpired   = "billing.subscription.expired"
	RoutingSubscriptionActivated = "billing.subscription.activated"
	RoutingPaymentFailed         = "billing.payment.failed"
	RoutingFallbackApplied       = "billing.fallback.applied"
	RoutingPaymentUnapplied      = "billing.payment.unapplied"
)

// subscriptionRef is embedded in every billing event.
type subscriptionRef struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	OwnerType      OwnerType `json:"owner_type"`
	OwnerID        uuid.UUID `json:"owner_id"`
	PlanType       PlanType  `json:"plan_type"`
}

func refOf(s *Subscription) subscriptionRef {
	return subscriptionRef{
		SubscriptionID: s.ID(),
		OwnerType:      s.ownerType,
		OwnerID:        s.ownerID,
		PlanType:       s.planType,
	}
}

// TrialConverted is emitted when a trial becomes a paid subscription.
type TrialConverted struct {
	sharedDomain.BaseEvent
	subscriptionRef
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

func NewTrialConverted(s *Subscription, now time.Time) *TrialConverted {
	return &TrialConverted{
		BaseEvent:       sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingTrialConverted, now),
		subscriptionRef: refOf(s),
		Amount:          s.price.Amount,
		Currency:        s.price.Currency,
		PeriodStart:     s.startDate,
		PeriodEnd:       s.endDate,
	}
}

// TrialPaymentRequired is emitted when a trial ends without a payment method.
type TrialPaymentRequired struct {
	sharedDomain.BaseEvent
	subscriptionRef
	TrialEndedAt time.Time `json:"trial_ended_at"`
}

func NewTrialPaymentRequired(s *Subscription, now time.Time) *TrialPaymentRequired {
	return &TrialPaymentRequired{
		BaseEvent:       sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingTrialPaymentRequired, now),
		subscriptionRef: refOf(s),
		TrialEndedAt:    s.endDate,
	}
}

// SubscriptionRenewed is emitted when a subscription rolls into a new period.
type SubscriptionRenewed struct {
	sharedDomain.BaseEvent
	subscriptionRef
	PreviousEndDate time.Time `json:"previous_end_date"`
	NewEndDate      time.Time `json:"new_end_date"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
}

func NewSubscriptionRenewed(s *Subscription, previousEnd, now time.Time) *SubscriptionRenewed {
	return &SubscriptionRenewed{
		BaseEvent:       sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingSubscriptionRenewed, now),
		subscriptionRef: refOf(s),
		PreviousEndDate: previousEnd,
		NewEndDate:      s.endDate,
		Amount:          s.price.Amount,
		Currency:        s.price.Currency,
	}
}

// SubscriptionExpired is emitted when a non-renewing subscription ends.
type SubscriptionExpired struct {
	sharedDomain.BaseEvent
	subscriptionRef
	EndedAt time.Time `json:"ended_at"`
}

func NewSubscriptionExpired(s *Subscription, now time.Time) *SubscriptionExpired {
	return &SubscriptionExpired{
		BaseEvent:       sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingSubscriptionExpired, now),
		subscriptionRef: refOf(s),
		EndedAt:         s.endDate,
	}
}

// SubscriptionActivated is emitted when a post-trial payment succeeds.
type SubscriptionActivated struct {
	sharedDomain.BaseEvent
	subscriptionRef
	PaymentIntentID string       `json:"payment_intent_id"`
	BillingCycle    BillingCycle `json:"billing_cycle"`
	Amount          int64        `json:"amount"`
	Currency        string       `json:"currency"`
	PeriodEnd       time.Time    `json:"period_end"`
}

func NewSubscriptionActivated(s *Subscription, paymentIntentID string, now time.Time) *SubscriptionActivated {
	return &SubscriptionActivated{
		BaseEvent:       sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingSubscriptionActivated, now),
		subscriptionRef: refOf(s),
		PaymentIntentID: paymentIntentID,
		BillingCycle:    s.billingCycle,
		Amount:          s.price.Amount,
		Currency:        s.price.Currency,
		PeriodEnd:       s.endDate,
	}
}

// PaymentFailed is emitted for every failed post-trial payment.
type PaymentFailed struct {
	sharedDomain.BaseEvent
	subscriptionRef
	AttemptNumber     int        `json:"attempt_number"`
	RemainingAttempts int        `json:"remaining_attempts"`
	Exhausted         bool       `json:"exhausted"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	Error             string     `json:"error"`
}

func NewPaymentFailed(s *Subscription, f *PaymentFailure, errorMessage string, now time.Time) *PaymentFailed {
	return &PaymentFailed{
		BaseEvent:         sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingPaymentFailed, now),
		subscriptionRef:   refOf(s),
		AttemptNumber:     f.AttemptNumber,
		RemainingAttempts: f.RemainingAttempts,
		Exhausted:         f.Exhausted,
		NextAttemptAt:     f.NextAttemptAt,
		Error:             errorMessage,
	}
}

// FallbackApplied is emitted when a subscription is downgraded to a free plan.
type FallbackApplied struct {
	sharedDomain.BaseEvent
	subscriptionRef
	FallbackSubscriptionID uuid.UUID `json:"fallback_subscription_id"`
	FallbackPlan           PlanType  `json:"fallback_plan"`
	Reason                 string    `json:"reason"`
}

func NewFallbackApplied(s, replacement *Subscription, reason string, now time.Time) *FallbackApplied {
	return &FallbackApplied{
		BaseEvent:              sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingFallbackApplied, now),
		subscriptionRef:        refOf(s),
		FallbackSubscriptionID: replacement.ID(),
		FallbackPlan:           replacement.planType,
		Reason:                 reason,
	}
}

// PaymentUnapplied is emitted when a settled payment could not be applied
// to the subscription it was meant for.
type PaymentUnapplied struct {
	sharedDomain.BaseEvent
	subscriptionRef
	PaymentIntentID string `json:"payment_intent_id"`
	TransactionID   string `json:"transaction_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Status          Status `json:"status"`
}

func NewPaymentUnapplied(s *Subscription, p PaymentSuccess, now time.Time) *PaymentUnapplied {
	return &PaymentUnapplied{
		BaseEvent:       sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingPaymentUnapplied, now),
		subscriptionRef: refOf(s),
		PaymentIntentID: p.PaymentIntentID,
		TransactionID:   p.TransactionID,
		Amount:          p.Amount.Amount,
		Currency:        p.Amount.Currency,
		Status:          s.status,
	}
}
