package types

import (
	"fmt"
	"time"
)

// TenantKey identifies a cache entry: one bot of one company.
type TenantKey struct {
	CompanyID int64
	BotID     int64
}

// String renders the key as "<company>-<bot>".
func (k TenantKey) String() string {
	return fmt.Sprintf("%d-%d", k.CompanyID, k.BotID)
}

// Validate reports a missing identifier. Zero means the caller did not
// supply the field; any other value is left to the store lookup to resolve.
func (k TenantKey) Validate() error {
	var missing []string
	if k.CompanyID == 0 {
		missing = append(missing, "companyId")
	}
	if k.BotID == 0 {
		missing = append(missing, "botId")
	}
	if len(missing) > 0 {
		return NewAppErrorWithDetails(
			ErrCodeValidationMissingField,
			"companyId and botId are required",
			nil,
			map[string]any{"fields": missing},
		)
	}
	return nil
}

// Cacheable reports whether both ids are positive. Identifiers that could not
// be parsed arrive as negative values and must not share a cache entry.
func (k TenantKey) Cacheable() bool {
	return k.CompanyID > 0 && k.BotID > 0
}

// Features are capability flags derived from the plan level.
type Features struct {
	CustomDomains  bool `json:"customDomains"`
	AIChat         bool `json:"aiChat"`
	FileUpload     bool `json:"fileUpload"`
	UserManagement bool `json:"userManagement"`
}

// SubscriptionFacts is a snapshot of the authoritative subscription and
// usage state of a company, as read from the store.
type SubscriptionFacts struct {
	Status            SubscriptionStatus `json:"subscriptionStatus"`
	Plan              PlanLevel          `json:"planLevel"`
	StorageUsedBytes  int64              `json:"storageUsed"`
	StorageLimitBytes int64              `json:"storageLimit"`
	Features          Features           `json:"features"`
}

// ValidationResult is the cached outcome of applying the policy to a
// tenant's facts.
type ValidationResult struct {
	Tenant     TenantKey
	IsValid    bool
	Reason     *string
	Facts      SubscriptionFacts
	ComputedAt time.Time
}

// ReasonText returns the reason or "" for a valid result.
func (r ValidationResult) ReasonText() string {
	if r.Reason == nil {
		return ""
	}
	return *r.Reason
}

// Company is the subset of the company record the service reads besides
// the facts themselves.
type Company struct {
	ID                      int64
	Name                    string
	StripeCustomerID        string
	Status                  SubscriptionStatus
	Plan                    PlanLevel
	LastSubscriptionEventAt *time.Time
}
