package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MetadataVersion is written with every metadata document.
const MetadataVersion = 1

// SubscriptionMetadata is the typed metadata stored on a subscription row.
// Each section is owned by one lifecycle step.
type SubscriptionMetadata struct {
	Version          int                    `json:"version"`
	Trial            *TrialOutcome          `json:"trial,omitempty"`
	PostTrialPayment *PostTrialPaymentState `json:"post_trial_payment,omitempty"`
	Fallback         *FallbackState         `json:"fallback,omitempty"`
	Replaces         *uuid.UUID             `json:"replaces,omitempty"`
}

// TrialOutcome records how the trial ended.
type TrialOutcome struct {
	EndedAt             time.Time `json:"ended_at"`
	PaymentMethodOnFile bool      `json:"payment_method_on_file"`
	Outcome             Status    `json:"outcome"`
}

// PostTrialPaymentState tracks payment collection after the trial.
type PostTrialPaymentState struct {
	LastIntentID  string     `json:"last_intent_id,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	PaidIntentID  string     `json:"paid_intent_id,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`

	// UnappliedIntentIDs are settled intents that arrived too late to apply.
	UnappliedIntentIDs []string `json:"unapplied_intent_ids,omitempty"`
}

// FallbackState links a cancelled subscription to its replacement.
type FallbackState struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	PlanType       PlanType  `json:"plan_type"`
	Reason         string    `json:"reason"`
	AppliedAt      time.Time `json:"applied_at"`
}

// MarshalSubscriptionMetadata encodes metadata at the current version.
func MarshalSubscriptionMetadata(m SubscriptionMetadata) ([]byte, error) {
	m.Version = MetadataVersion
	return json.Marshal(m)
}

// UnmarshalSubscriptionMetadata decodes stored metadata. Empty input and
// the unversioned empty object decode to the zero value.
func UnmarshalSubscriptionMetadata(data []byte) (SubscriptionMetadata, error) {
	var m SubscriptionMetadata
	if len(data) == 0 {
		m.Version = MetadataVersion
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return SubscriptionMetadata{}, fmt.Errorf("decode subscription metadata: %w", err)
	}
	switch m.Version {
	case 0:
		m.Version = MetadataVersion
	case MetadataVersion:
	default:
		return SubscriptionMetadata{}, fmt.Errorf("unsupported subscription metadata version %d", m.Version)
	}
	return m, nil
}

// DetailKind tags the shape of a log row's metadata.
type DetailKind string

const (
	KindTrialExpired       DetailKind = "trial_expired"
	KindRenewal            DetailKind = "renewal"
	KindExpired            DetailKind = "expired"
	KindPaymentAttempt     DetailKind = "payment_attempt"
	KindNextPaymentAttempt DetailKind = "next_payment_attempt"
	KindPaymentSuccess     DetailKind = "payment_success"
	KindFallback           DetailKind = "fallback"
	KindFallbackCreated    DetailKind = "fallback_created"
	KindPaymentRetryDue    DetailKind = "payment_retry_due"
	KindPaymentUnapplied   DetailKind = "payment_unapplied"
)

// LogDetail is the metadata of one log row. The set of implementations is closed.
type LogDetail interface {
	Kind() DetailKind
	logDetail()
}

type TrialExpiredDetail struct {
	TrialEndedAt        time.Time  `json:"trial_ended_at"`
	PaymentMethodOnFile bool       `json:"payment_method_on_file"`
	NextBillingDate     *time.Time `json:"next_billing_date,omitempty"`
}

type RenewalDetail struct {
	PreviousEndDate time.Time `json:"previous_end_date"`
	NewEndDate      time.Time `json:"new_end_date"`
	Charged         bool      `json:"charged"`
}

type ExpiredDetail struct {
	EndedAt time.Time `json:"ended_at"`
}

type PaymentAttemptDetail struct {
	AttemptNumber   int       `json:"attempt_number"`
	PaymentIntentID string    `json:"payment_intent_id"`
	AttemptedAt     time.Time `json:"attempted_at"`
}

type NextPaymentAttemptDetail struct {
	AttemptNumber     int       `json:"attempt_number"`
	RemainingAttempts int       `json:"remaining_attempts"`
	NextAttemptAt     time.Time `json:"next_attempt_at"`
	Error             string    `json:"error,omitempty"`
}

type PaymentSuccessDetail struct {
	PaymentIntentID string    `json:"payment_intent_id"`
	TransactionID   string    `json:"transaction_id"`
	PaidAt          time.Time `json:"paid_at"`
}

type FallbackDetail struct {
	FallbackSubscriptionID uuid.UUID `json:"fallback_subscription_id"`
	FailedPayments         int       `json:"failed_payments"`
	LastError              string    `json:"last_error,omitempty"`
	OldCommissionBP        int       `json:"old_commission_bp"`
	NewCommissionBP        int       `json:"new_commission_bp"`
}

type FallbackCreatedDetail struct {
	ReplacesSubscriptionID uuid.UUID `json:"replaces_subscription_id"`
}

type PaymentRetryDueDetail struct {
	ScheduledFor   time.Time `json:"scheduled_for"`
	FailedPayments int       `json:"failed_payments"`
}

type PaymentUnappliedDetail struct {
	PaymentIntentID string    `json:"payment_intent_id"`
	TransactionID   string    `json:"transaction_id"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Status          Status    `json:"status"`
	ReceivedAt      time.Time `json:"received_at"`
}

func (TrialExpiredDetail) Kind() DetailKind       { return KindTrialExpired }
func (RenewalDetail) Kind() DetailKind            { return KindRenewal }
func (ExpiredDetail) Kind() DetailKind            { return KindExpired }
func (PaymentAttemptDetail) Kind() DetailKind     { return KindPaymentAttempt }
func (NextPaymentAttemptDetail) Kind() DetailKind { return KindNextPaymentAttempt }
func (PaymentSuccessDetail) Kind() DetailKind     { return KindPaymentSuccess }
func (FallbackDetail) Kind() DetailKind           { return KindFallback }
func (FallbackCreatedDetail) Kind() DetailKind    { return KindFallbackCreated }
func (PaymentRetryDueDetail) Kind() DetailKind    { return KindPaymentRetryDue }
func (PaymentUnappliedDetail) Kind() DetailKind   { return KindPaymentUnapplied }

func (TrialExpiredDetail) logDetail()       {}
func (RenewalDetail) logDetail()            {}
func (ExpiredDetail) logDetail()            {}
func (PaymentAttemptDetail) logDetail()     {}
func (NextPaymentAttemptDetail) logDetail() {}
func (PaymentSuccessDetail) logDetail()     {}
func (FallbackDetail) logDetail()           {}
func (FallbackCreatedDetail) logDetail()    {}
func (PaymentRetryDueDetail) logDetail()    {}
func (PaymentUnappliedDetail) logDetail()   {}

type detailEnvelope struct {
	Version int             `json:"version"`
	Kind    DetailKind      `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

// MarshalLogDetail encodes a detail as {"version":1,"kind":...,"data":{...}}.
// A nil detail encodes to nil.
func MarshalLogDetail(d LogDetail) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(detailEnvelope{Version: MetadataVersion, Kind: d.Kind(), Data: data})
}

// UnmarshalLogDetail decodes the envelope written by MarshalLogDetail.
func UnmarshalLogDetail(raw []byte) (LogDetail, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var env detailEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode log metadata: %w", err)
	}
	if env.Version != MetadataVersion {
		return nil, fmt.Errorf("unsupported log metadata version %d", env.Version)
	}

	var (
		detail LogDetail
		err    error
	)
	switch env.Kind {
	case KindTrialExpired:
		detail, err = decodeDetail[TrialExpiredDetail](env.Data)
	case KindRenewal:
		detail, err = decodeDetail[RenewalDetail](env.Data)
	case KindExpired:
		detail, err = decodeDetail[ExpiredDetail](env.Data)
	case KindPaymentAttempt:
		detail, err = decodeDetail[PaymentAttemptDetail](env.Data)
	case KindNextPaymentAttempt:
		detail, err = decodeDetail[NextPaymentAttemptDetail](env.Data)
	case KindPaymentSuccess:
		detail, err = decodeDetail[PaymentSuccessDetail](env.Data)
	case KindFallback:
		detail, err = decodeDetail[FallbackDetail](env.Data)
	case KindFallbackCreated:
		detail, err = decodeDetail[FallbackCreatedDetail](env.Data)
	case KindPaymentRetryDue:
		detail, err = decodeDetail[PaymentRetryDueDetail](env.Data)
	case KindPaymentUnapplied:
		detail, err = decodeDetail[PaymentUnappliedDetail](env.Data)
	default:
		return nil, fmt.Errorf("unknown log metadata kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", env.Kind, err)
	}
	return detail, nil
}

func decodeDetail[T LogDetail](data json.RawMessage) (LogDetail, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
