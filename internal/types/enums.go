package types

// SubscriptionStatus is the billing lifecycle state of a company.
type SubscriptionStatus string

const (
	SubscriptionTrial    SubscriptionStatus = "trial"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionUnpaid   SubscriptionStatus = "unpaid"
)

// Known reports whether s is one of the defined statuses.
func (s SubscriptionStatus) Known() bool {
	switch s {
	case SubscriptionTrial, SubscriptionActive, SubscriptionPastDue,
		SubscriptionCanceled, SubscriptionUnpaid:
		return true
	}
	return false
}

// PlanLevel identifies the plan a company is subscribed to.
type PlanLevel string

const (
	PlanStarter      PlanLevel = "starter"
	PlanProfessional PlanLevel = "professional"
	PlanEnterprise   PlanLevel = "enterprise"
)

// Known reports whether p is one of the defined plan levels.
func (p PlanLevel) Known() bool {
	switch p {
	case PlanStarter, PlanProfessional, PlanEnterprise:
		return true
	}
	return false
}

// Verdict reasons. A result carries one of these iff it is invalid.
const (
	ReasonStorageExceeded      = "Storage limit exceeded"
	ReasonSubscriptionInactive = "Subscription inactive"
)

// DefaultStorageLimitBytes is the starter allowance applied when the store
// has no explicit limit for a company.
const DefaultStorageLimitBytes int64 = 2 << 30
