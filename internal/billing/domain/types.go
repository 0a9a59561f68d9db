package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var (
	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrAccountNotFound        = errors.New("billing account not found")
	ErrTransitionNotAllowed   = errors.New("subscription transition not allowed")
	ErrConcurrentModification = errors.New("subscription was modified concurrently")
	ErrPlanNotFound           = errors.New("plan not found")
	ErrOwnerMismatch          = errors.New("subscription belongs to a different owner")
	ErrNotDue                 = errors.New("subscription is not due")
	ErrInvalidOwnerType       = errors.New("invalid owner type")
	ErrInvalidBillingCycle    = errors.New("invalid billing cycle")
	ErrInvalidCurrency        = errors.New("invalid currency")
	ErrPriceMismatch          = errors.New("amount does not match the plan price")
)

const (
	// MaxPaymentAttempts is the number of failed post-trial payments after
	// which the subscription falls back to the free plan.
	MaxPaymentAttempts = 3
	// DaysBetweenAttempts is the spacing of scheduled payment retries.
	DaysBetweenAttempts = 3

	// ActorSystem marks log rows written by scheduled jobs and webhooks.
	ActorSystem = "SYSTEM"

	DefaultCurrency = "USD"
)

// OwnerType distinguishes student and institution subscriptions.
type OwnerType string

const (
	OwnerStudent     OwnerType = "STUDENT"
	OwnerInstitution OwnerType = "INSTITUTION"
)

// ParseOwnerType accepts any casing.
func ParseOwnerType(s string) (OwnerType, error) {
	t := OwnerType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOwnerType, s)
	}
	return t, nil
}

func (t OwnerType) IsValid() bool {
	return t == OwnerStudent || t == OwnerInstitution
}

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusTrial           Status = "TRIAL"
	StatusActive          Status = "ACTIVE"
	StatusPaymentRequired Status = "PAYMENT_REQUIRED"
	StatusCancelled       Status = "CANCELLED"
)

// BillingCycle is the recurrence unit of a subscription.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "MONTHLY"
	CycleAnnual  BillingCycle = "ANNUAL"
)

// ParseBillingCycle accepts any casing.
func ParseBillingCycle(s string) (BillingCycle, error) {
	c := BillingCycle(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidBillingCycle, s)
	}
	return c, nil
}

func (c BillingCycle) IsValid() bool {
	return c == CycleMonthly || c == CycleAnnual
}

// Next returns t advanced by one cycle.
func (c BillingCycle) Next(t time.Time) time.Time {
	if c == CycleAnnual {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Money is an amount in minor units of an ISO-4217 currency.
type Money struct {
	Amount   int64
	Currency string
}

// NewMoney validates and normalizes the currency code.
func NewMoney(amount int64, code string) (Money, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	if amount < 0 {
		return Money{}, fmt.Errorf("amount must not be negative: %d", amount)
	}
	return Money{Amount: amount, Currency: code}, nil
}

func (m Money) IsZero() bool { return m.Amount == 0 }

// Decimals is the number of minor-unit digits of the currency per ISO 4217.
// Unknown codes use two.
func (m Money) Decimals() int32 {
	unit, err := currency.ParseISO(m.Currency)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// String renders the amount in major units, e.g. "29.99 USD" or "1500 JPY".
func (m Money) String() string {
	places := m.Decimals()
	return decimal.New(m.Amount, -places).StringFixed(places) + " " + m.Currency
}
