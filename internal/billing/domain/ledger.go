package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BillingStatus is the settlement state of a billing history row.
type BillingStatus string

const (
	BillingPending BillingStatus = "PENDING"
	BillingPaid    BillingStatus = "PAID"
	BillingFailed  BillingStatus = "FAILED"
	// BillingUnapplied is money the provider settled that did not change the
	// subscription. It is due for a refund or manual review.
	BillingUnapplied BillingStatus = "UNAPPLIED"
)

// BillingHistoryEntry is one immutable billing event of a subscription.
type BillingHistoryEntry struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	OwnerType      OwnerType
	OwnerID        uuid.UUID
	Amount         Money
	Status         BillingStatus
	PaymentMethod  string
	InvoiceNumber  string
	TransactionID  string
	Description    string
	BillingDate    time.Time
	CreatedAt      time.Time
}

// NewBillingHistoryEntry bills the subscription's current amount.
func NewBillingHistoryEntry(sub *Subscription, status BillingStatus, description string, billingDate, now time.Time) *BillingHistoryEntry {
	id := uuid.New()
	return &BillingHistoryEntry{
		ID:             id,
		SubscriptionID: sub.ID(),
		OwnerType:      sub.OwnerType(),
		OwnerID:        sub.OwnerID(),
		Amount:         sub.Price(),
		Status:         status,
		InvoiceNumber:  InvoiceNumber(id, now),
		Description:    description,
		BillingDate:    billingDate.UTC(),
		CreatedAt:      now.UTC(),
	}
}

// InvoiceNumber derives a unique invoice number from the entry id.
func InvoiceNumber(id uuid.UUID, now time.Time) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	return fmt.Sprintf("INV-%s-%s", now.UTC().Format("20060102"), strings.ToUpper(hex[:12]))
}

// SubscriptionLog is one immutable audit row. Old and new values are
// captured around the change; for actions that change nothing they match.
type SubscriptionLog struct {
	ID              uuid.UUID
	SubscriptionID  uuid.UUID
	OwnerType       OwnerType
	Action          Action
	OldPlan         PlanType
	NewPlan         PlanType
	OldAmount       *int64
	NewAmount       *int64
	OldBillingCycle BillingCycle
	NewBillingCycle BillingCycle
	Actor           string
	Reason          string
	Detail          LogDetail
	CreatedAt       time.Time
}

// planState is the part of a subscription a log row records before and after.
type planState struct {
	plan   PlanType
	amount int64
	cycle  BillingCycle
}

func newLog(sub *Subscription, action Action, before planState, actor, reason string, detail LogDetail, now time.Time) *SubscriptionLog {
	if actor == "" {
		actor = ActorSystem
	}
	oldAmount, newAmount := before.amount, sub.price.Amount
	return &SubscriptionLog{
		ID:              uuid.New(),
		SubscriptionID:  sub.ID(),
		OwnerType:       sub.ownerType,
		Action:          action,
		OldPlan:         before.plan,
		NewPlan:         sub.planType,
		OldAmount:       &oldAmount,
		NewAmount:       &newAmount,
		OldBillingCycle: before.cycle,
		NewBillingCycle: sub.billingCycle,
		Actor:           actor,
		Reason:          reason,
		Detail:          detail,
		CreatedAt:       now.UTC(),
	}
}
