package billing

import (
	"time"

	"subvalidator/internal/types"
)

// Evaluate applies the subscription rules to facts. Rules run in a fixed
// order and the first failure wins:
//
//  1. storage used >= storage limit -> "Storage limit exceeded"
//  2. status canceled or past_due   -> "Subscription inactive"
//  3. otherwise valid
//
// unpaid and trial are both valid.
func Evaluate(facts types.SubscriptionFacts) (bool, *string) {
	if facts.StorageUsedBytes >= effectiveLimit(facts.StorageLimitBytes) {
		return false, reason(types.ReasonStorageExceeded)
	}
	switch facts.Status {
	case types.SubscriptionCanceled, types.SubscriptionPastDue:
		return false, reason(types.ReasonSubscriptionInactive)
	}
	return true, nil
}

func reason(s string) *string { return &s }

func effectiveLimit(limit int64) int64 {
	if limit <= 0 {
		return types.DefaultStorageLimitBytes
	}
	return limit
}

// Policy combines the plan registry with Evaluate to build complete
// validation results.
type Policy struct {
	plans PlanRegistry
}

// NewPolicy creates a Policy. A nil registry uses the built-in plan table.
func NewPolicy(plans PlanRegistry) *Policy {
	if plans == nil {
		plans = NewStaticPlanRegistry()
	}
	return &Policy{plans: plans}
}

// Normalize fills the defaults the store may leave unset and derives the
// feature flags from the plan level.
func (p *Policy) Normalize(facts types.SubscriptionFacts) types.SubscriptionFacts {
	if facts.Status == "" {
		facts.Status = types.SubscriptionTrial
	}
	if facts.Plan == "" {
		facts.Plan = types.PlanStarter
	}
	facts.StorageLimitBytes = effectiveLimit(facts.StorageLimitBytes)
	if facts.StorageUsedBytes < 0 {
		facts.StorageUsedBytes = 0
	}
	facts.Features = p.plans.Features(facts.Plan)
	return facts
}

// Apply normalizes facts and evaluates them for key, stamping the result
// with computedAt.
func (p *Policy) Apply(key types.TenantKey, facts types.SubscriptionFacts, computedAt time.Time) types.ValidationResult {
	facts = p.Normalize(facts)
	ok, why := Evaluate(facts)
	return types.ValidationResult{
		Tenant:     key,
		IsValid:    ok,
		Reason:     why,
		Facts:      facts,
		ComputedAt: computedAt,
	}
}

// Plans exposes the registry backing the policy.
func (p *Policy) Plans() PlanRegistry {
	return p.plans
}
