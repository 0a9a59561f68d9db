package application

import (
	"context"
	"fmt"
	"strconv"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/google/uuid"
)

// PaymentProvider is the external payment gateway.
type PaymentProvider interface {
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreatePaymentIntent(ctx context.Context, req PaymentIntentParams) (*PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
}

// CustomerRequest creates a provider customer.
type CustomerRequest struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// PaymentIntentParams creates a provider payment intent. Amount is in minor units.
type PaymentIntentParams struct {
	Amount      int64
	Currency    string
	CustomerID  string
	Description string
	Metadata    map[string]string
}

// PaymentIntent is the provider's view of one charge attempt.
type PaymentIntent struct {
	ID             string
	ClientSecret   string
	Status         string
	Amount         int64
	Currency       string
	CustomerID     string
	LatestChargeID string
	Metadata       map[string]string
}

// RequiresAction reports whether the customer must complete an extra step.
func (p *PaymentIntent) RequiresAction() bool {
	return p.Status == "requires_action"
}

// TransactionID is the provider reference recorded on billing rows.
func (p *PaymentIntent) TransactionID() string {
	if p.LatestChargeID != "" {
		return p.LatestChargeID
	}
	return p.ID
}

// IntentKindPostTrial marks intents created for post-trial payment.
const IntentKindPostTrial = "post_trial"

// IntentMetadata is what a post-trial payment intent carries through the provider.
type IntentMetadata struct {
	SubscriptionID uuid.UUID
	UserID         uuid.UUID
	UserType       domain.OwnerType
	PlanType       domain.PlanType
	BillingCycle   domain.BillingCycle
	AttemptNumber  int
}

// Encode flattens the metadata into the provider's string map.
func (m IntentMetadata) Encode() map[string]string {
	return map[string]string{
		"kind":            IntentKindPostTrial,
		"subscription_id": m.SubscriptionID.String(),
		"user_id":         m.UserID.String(),
		"user_type":       string(m.UserType),
		"plan_type":       string(m.PlanType),
		"billing_cycle":   string(m.BillingCycle),
		"attempt_number":  strconv.Itoa(m.AttemptNumber),
	}
}

// IsPostTrialIntent reports whether provider metadata belongs to a post-trial intent.
func IsPostTrialIntent(raw map[string]string) bool {
	return raw["kind"] == IntentKindPostTrial
}

// DecodeIntentMetadata parses metadata written by Encode.
func DecodeIntentMetadata(raw map[string]string) (IntentMetadata, error) {
	if !IsPostTrialIntent(raw) {
		return IntentMetadata{}, fmt.Errorf("payment intent is not a post-trial payment (kind %q)", raw["kind"])
	}

	var (
		m   IntentMetadata
		err error
	)
	if m.SubscriptionID, err = uuid.Parse(raw["subscription_id"]); err != nil {
		return IntentMetadata{}, fmt.Errorf("intent metadata subscription_id: %w", err)
	}
	if m.UserID, err = uuid.Parse(raw["user_id"]); err != nil {
		return IntentMetadata{}, fmt.Errorf("intent metadata user_id: %w", err)
	}
	if m.UserType, err = domain.ParseOwnerType(raw["user_type"]); err != nil {
		return IntentMetadata{}, err
	}
	if m.BillingCycle, err = domain.ParseBillingCycle(raw["billing_cycle"]); err != nil {
		return IntentMetadata{}, err
	}
	m.PlanType = domain.PlanType(raw["plan_type"])
	if n, err := strconv.Atoi(raw["attempt_number"]); err == nil {
		m.AttemptNumber = n
	}
	return m, nil
}

// NotificationType names a user notification sent by billing.
type NotificationType string

const (
	NotifyTrialExpiredPaymentRequired NotificationType = "TRIAL_EXPIRED_PAYMENT_REQUIRED"
	NotifyPaymentSuccess              NotificationType = "POST_TRIAL_PAYMENT_SUCCESS"
	NotifyPaymentFailed               NotificationType = "POST_TRIAL_PAYMENT_FAILED"
	NotifyMaxAttemptsReached          NotificationType = "POST_TRIAL_PAYMENT_MAX_ATTEMPTS"
	NotifyPaymentRetryDue             NotificationType = "PAYMENT_RETRY_DUE"
	NotifyPaymentUnapplied            NotificationType = "PAYMENT_UNAPPLIED"
)

// Notification is a message for one user.
type Notification struct {
	Type     NotificationType
	Title    string
	Message  string
	Metadata map[string]string
}

// Notifier delivers notifications. Callers log failures and carry on.
type Notifier interface {
	Send(ctx context.Context, userID uuid.UUID, n Notification) error
}
