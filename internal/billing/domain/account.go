package domain

import (
	"time"

	"github.com/google/uuid"
)

// BillingAccount holds the payment-provider identity of a student or institution.
type BillingAccount struct {
	OwnerType          OwnerType
	OwnerID            uuid.UUID
	Email              string
	Name               string
	ProviderCustomerID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewBillingAccount creates an account without a provider customer.
func NewBillingAccount(ownerType OwnerType, ownerID uuid.UUID, email, name string, now time.Time) *BillingAccount {
	now = now.UTC()
	return &BillingAccount{
		OwnerType: ownerType,
		OwnerID:   ownerID,
		Email:     email,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasPaymentMethod reports whether a provider customer is on file.
func (a *BillingAccount) HasPaymentMethod() bool {
	return a != nil && a.ProviderCustomerID != ""
}

// AttachCustomer stores the provider customer reference.
func (a *BillingAccount) AttachCustomer(customerID string, now time.Time) {
	a.ProviderCustomerID = customerID
	a.UpdatedAt = now.UTC()
}
