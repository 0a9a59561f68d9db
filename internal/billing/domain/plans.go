package domain

import (
	"fmt"
	"strings"
)

// PlanType identifies a plan within an owner type's catalog.
type PlanType string

const (
	PlanBasic    PlanType = "BASIC"
	PlanStandard PlanType = "STANDARD"
	PlanPremium  PlanType = "PREMIUM"

	PlanStarter      PlanType = "STARTER"
	PlanProfessional PlanType = "PROFESSIONAL"
	PlanEnterprise   PlanType = "ENTERPRISE"
)

// Plan is a catalog entry. Prices are in minor units of DefaultCurrency.
// CommissionBP is the marketplace commission taken from institution course
// sales, in basis points.
type Plan struct {
	Type         PlanType
	OwnerType    OwnerType
	Name         string
	MonthlyPrice int64
	AnnualPrice  int64
	CommissionBP int
	Fallback     bool
}

// Price returns the plan price for one cycle.
func (p Plan) Price(cycle BillingCycle) Money {
	amount := p.MonthlyPrice
	if cycle == CycleAnnual {
		amount = p.AnnualPrice
	}
	return Money{Amount: amount, Currency: DefaultCurrency}
}

func (p Plan) IsFree() bool { return p.MonthlyPrice == 0 && p.AnnualPrice == 0 }

var catalog = []Plan{
	{Type: PlanBasic, OwnerType: OwnerStudent, Name: "Basic", Fallback: true},
	{Type: PlanStandard, OwnerType: OwnerStudent, Name: "Standard", MonthlyPrice: 1299, AnnualPrice: 12990},
	{Type: PlanPremium, OwnerType: OwnerStudent, Name: "Premium", MonthlyPrice: 2499, AnnualPrice: 24990},
	{Type: PlanStarter, OwnerType: OwnerInstitution, Name: "Starter", CommissionBP: 2500, Fallback: true},
	{Type: PlanProfessional, OwnerType: OwnerInstitution, Name: "Professional", MonthlyPrice: 4900, AnnualPrice: 49000, CommissionBP: 1500},
	{Type: PlanEnterprise, OwnerType: OwnerInstitution, Name: "Enterprise", MonthlyPrice: 14900, AnnualPrice: 149000, CommissionBP: 1000},
}

// Plans lists the catalog for an owner type.
func Plans(ownerType OwnerType) []Plan {
	var out []Plan
	for _, p := range catalog {
		if p.OwnerType == ownerType {
			out = append(out, p)
		}
	}
	return out
}

// LookupPlan finds a plan by owner type and name, ignoring case.
func LookupPlan(ownerType OwnerType, planType string) (Plan, error) {
	want := PlanType(strings.ToUpper(strings.TrimSpace(planType)))
	for _, p := range catalog {
		if p.OwnerType == ownerType && p.Type == want {
			return p, nil
		}
	}
	return Plan{}, fmt.Errorf("%w: %s plan %q", ErrPlanNotFound, ownerType, planType)
}

// FallbackPlan is the free plan an owner type is downgraded to.
func FallbackPlan(ownerType OwnerType) (Plan, error) {
	for _, p := range catalog {
		if p.OwnerType == ownerType && p.Fallback {
			return p, nil
		}
	}
	return Plan{}, fmt.Errorf("%w: no fallback plan for %s", ErrPlanNotFound, ownerType)
}

// CommissionFor returns the commission of a plan, or zero when unknown.
func CommissionFor(ownerType OwnerType, planType PlanType) int {
	p, err := LookupPlan(ownerType, string(planType))
	if err != nil {
		return 0
	}
	return p.CommissionBP
}
