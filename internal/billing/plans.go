// Package billing holds plan definitions and the subscription policy that
// turns a company's facts into an allow/deny verdict.
package billing

import "subvalidator/internal/types"

// PlanDefinition describes what a plan level grants.
type PlanDefinition struct {
	Level             types.PlanLevel
	Features          types.Features
	StorageQuotaBytes int64
}

// PlanRegistry is the single source of truth for what each plan allows.
type PlanRegistry interface {
	// Lookup returns the definition for level. Unknown levels resolve to
	// the starter definition so a bad value never unlocks premium flags.
	Lookup(level types.PlanLevel) PlanDefinition
	// Features returns only the feature flags for level.
	Features(level types.PlanLevel) types.Features
}

type staticPlanRegistry struct {
	plans map[types.PlanLevel]PlanDefinition
}

const gib int64 = 1 << 30

// planDefaults:
//
//	| Plan         | Custom domains | Storage quota |
//	|--------------|----------------|---------------|
//	| starter      | no             | 2 GiB         |
//	| professional | yes            | 20 GiB        |
//	| enterprise   | yes            | 100 GiB       |
//
// AI chat, file upload and user management are on for every plan.
var planDefaults = map[types.PlanLevel]PlanDefinition{
	types.PlanStarter: {
		Level:             types.PlanStarter,
		Features:          baseFeatures(false),
		StorageQuotaBytes: types.DefaultStorageLimitBytes,
	},
	types.PlanProfessional: {
		Level:             types.PlanProfessional,
		Features:          baseFeatures(true),
		StorageQuotaBytes: 20 * gib,
	},
	types.PlanEnterprise: {
		Level:             types.PlanEnterprise,
		Features:          baseFeatures(true),
		StorageQuotaBytes: 100 * gib,
	},
}

func baseFeatures(customDomains bool) types.Features {
	return types.Features{
		CustomDomains:  customDomains,
		AIChat:         true,
		FileUpload:     true,
		UserManagement: true,
	}
}

// NewStaticPlanRegistry returns a PlanRegistry backed by the built-in plan
// table.
func NewStaticPlanRegistry() PlanRegistry {
	// Copy so callers cannot mutate the package-level table.
	m := make(map[types.PlanLevel]PlanDefinition, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticPlanRegistry{plans: m}
}

func (r *staticPlanRegistry) Lookup(level types.PlanLevel) PlanDefinition {
	if def, ok := r.plans[level]; ok {
		return def
	}
	return r.plans[types.PlanStarter]
}

func (r *staticPlanRegistry) Features(level types.PlanLevel) types.Features {
	return r.Lookup(level).Features
}
