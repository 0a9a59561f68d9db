package application

import (
	"context"
	"time"

	"github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/google/uuid"
)

// SubscriptionDTO is the read model of a subscription.
type SubscriptionDTO struct {
	ID                   uuid.UUID  `json:"id"`
	OwnerType            string     `json:"owner_type"`
	OwnerID              uuid.UUID  `json:"owner_id"`
	PlanType             string     `json:"plan_type"`
	Status               string     `json:"status"`
	BillingCycle         string     `json:"billing_cycle"`
	Amount               int64      `json:"amount"`
	Currency             string     `json:"currency"`
	StartDate            time.Time  `json:"start_date"`
	EndDate              time.Time  `json:"end_date"`
	AutoRenew            bool       `json:"auto_renew"`
	PaymentAttempts      int        `json:"payment_attempts"`
	FailedPayments       int        `json:"failed_payments"`
	NextPaymentAttemptAt *time.Time `json:"next_payment_attempt_at,omitempty"`
	FallbackID           *uuid.UUID `json:"fallback_subscription_id,omitempty"`
	Version              int        `json:"version"`
}

// BillingEntryDTO is the read model of a billing history row.
type BillingEntryDTO struct {
	ID            uuid.UUID `json:"id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	PaymentMethod string    `json:"payment_method,omitempty"`
	InvoiceNumber string    `json:"invoice_number"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Description   string    `json:"description"`
	BillingDate   time.Time `json:"billing_date"`
}

// LogDTO is the read model of a subscription log row.
type LogDTO struct {
	ID        uuid.UUID        `json:"id"`
	Action    string           `json:"action"`
	OldPlan   string           `json:"old_plan,omitempty"`
	NewPlan   string           `json:"new_plan,omitempty"`
	Actor     string           `json:"actor"`
	Reason    string           `json:"reason,omitempty"`
	Detail    domain.LogDetail `json:"detail,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// PlanDTO is a catalog entry.
type PlanDTO struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	MonthlyPrice int64  `json:"monthly_price"`
	AnnualPrice  int64  `json:"annual_price"`
	Currency     string `json:"currency"`
	CommissionBP int    `json:"commission_bp,omitempty"`
	Fallback     bool   `json:"fallback,omitempty"`
}

// AuditResult compares a subscription's status with its log trail.
type AuditResult struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Status         string    `json:"status"`
	Replayed       string    `json:"replayed"`
	Entries        int       `json:"entries"`
	Consistent     bool      `json:"consistent"`
	Error          string    `json:"error,omitempty"`
}

// Service answers billing queries.
type Service struct {
	subscriptions domain.SubscriptionRepository
	ledger        domain.LedgerRepository
}

// NewService creates a query service.
func NewService(subscriptions domain.SubscriptionRepository, ledger domain.LedgerRepository) *Service {
	return &Service{subscriptions: subscriptions, ledger: ledger}
}

// GetSubscription returns one subscription.
func (s *Service) GetSubscription(ctx context.Context, id uuid.UUID) (SubscriptionDTO, error) {
	sub, err := s.subscriptions.FindByID(ctx, id)
	if err != nil {
		return SubscriptionDTO{}, err
	}
	return toSubscriptionDTO(sub), nil
}

// ListSubscriptions returns every subscription of an owner, newest first.
func (s *Service) ListSubscriptions(ctx context.Context, ownerType domain.OwnerType, ownerID uuid.UUID) ([]SubscriptionDTO, error) {
	subs, err := s.subscriptions.ListByOwner(ctx, ownerType, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]SubscriptionDTO, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toSubscriptionDTO(sub))
	}
	return out, nil
}

// BillingHistory returns the billing rows of a subscription in write order.
func (s *Service) BillingHistory(ctx context.Context, subscriptionID uuid.UUID) ([]BillingEntryDTO, error) {
	entries, err := s.ledger.ListBillingHistory(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	out := make([]BillingEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, BillingEntryDTO{
			ID:            e.ID,
			Amount:        e.Amount.Amount,
			Currency:      e.Amount.Currency,
			Status:        string(e.Status),
			PaymentMethod: e.PaymentMethod,
			InvoiceNumber: e.InvoiceNumber,
			TransactionID: e.TransactionID,
			Description:   e.Description,
			BillingDate:   e.BillingDate,
		})
	}
	return out, nil
}

// Logs returns the log trail of a subscription in write order.
func (s *Service) Logs(ctx context.Context, subscriptionID uuid.UUID) ([]LogDTO, error) {
	logs, err := s.ledger.ListLogs(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	out := make([]LogDTO, 0, len(logs))
	for _, l := range logs {
		out = append(out, LogDTO{
			ID:        l.ID,
			Action:    string(l.Action),
			OldPlan:   string(l.OldPlan),
			NewPlan:   string(l.NewPlan),
			Actor:     l.Actor,
			Reason:    l.Reason,
			Detail:    l.Detail,
			CreatedAt: l.CreatedAt,
		})
	}
	return out, nil
}

// Plans lists the catalog of an owner type.
func (s *Service) Plans(ownerType domain.OwnerType) []PlanDTO {
	plans := domain.Plans(ownerType)
	out := make([]PlanDTO, 0, len(plans))
	for _, p := range plans {
		out = append(out, PlanDTO{
			Type:         string(p.Type),
			Name:         p.Name,
			MonthlyPrice: p.MonthlyPrice,
			AnnualPrice:  p.AnnualPrice,
			Currency:     domain.DefaultCurrency,
			CommissionBP: p.CommissionBP,
			Fallback:     p.Fallback,
		})
	}
	return out
}

// Audit replays the log trail of a subscription through the transition
// table and checks that it ends in the stored status.
func (s *Service) Audit(ctx context.Context, subscriptionID uuid.UUID) (AuditResult, error) {
	sub, err := s.subscriptions.FindByID(ctx, subscriptionID)
	if err != nil {
		return AuditResult{}, err
	}
	logs, err := s.ledger.ListLogs(ctx, subscriptionID)
	if err != nil {
		return AuditResult{}, err
	}

	initial := domain.StatusTrial
	if sub.Metadata().Replaces != nil {
		initial = domain.StatusActive
	}

	result := AuditResult{
		SubscriptionID: subscriptionID,
		Status:         string(sub.Status()),
		Entries:        len(logs),
	}
	replayed, err := domain.ReplayLogs(initial, logs)
	result.Replayed = string(replayed)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Consistent = replayed == sub.Status()
	return result, nil
}

func toSubscriptionDTO(sub *domain.Subscription) SubscriptionDTO {
	dto := SubscriptionDTO{
		ID:                   sub.ID(),
		OwnerType:            string(sub.OwnerType()),
		OwnerID:              sub.OwnerID(),
		PlanType:             string(sub.PlanType()),
		Status:               string(sub.Status()),
		BillingCycle:         string(sub.BillingCycle()),
		Amount:               sub.Price().Amount,
		Currency:             sub.Price().Currency,
		StartDate:            sub.StartDate(),
		EndDate:              sub.EndDate(),
		AutoRenew:            sub.AutoRenew(),
		PaymentAttempts:      sub.PaymentAttempts(),
		FailedPayments:       sub.FailedPayments(),
		NextPaymentAttemptAt: sub.NextPaymentAttemptAt(),
		Version:              sub.Version(),
	}
	if id, ok := sub.FallbackSubscriptionID(); ok {
		dto.FallbackID = &id
	}
	return dto
}
