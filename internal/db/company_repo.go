package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"subvalidator/internal/types"
)

// CompanyRepository reads company subscription state. It never writes; the
// only writer is SubscriptionStateRepo on the billing webhook path.
type CompanyRepository struct {
	db DBTX
}

// NewCompanyRepository creates a CompanyRepository backed by the given
// database connection (pool or transaction).
func NewCompanyRepository(db DBTX) *CompanyRepository {
	return &CompanyRepository{db: db}
}

const factsQuery = `SELECT c.subscription_status, c.plan_level, c.storage_used, c.storage_limit
	FROM companies c
	WHERE c.id = $1 AND c.deleted_at IS NULL`

// FetchFacts returns the subscription facts of companyID. NULL columns are
// returned as zero values; the policy applies defaults. A missing company
// returns ErrCodeNotFoundCompany.
func (r *CompanyRepository) FetchFacts(ctx context.Context, companyID int64) (types.SubscriptionFacts, error) {
	if companyID <= 0 {
		return types.SubscriptionFacts{}, notFound(companyID)
	}

	var (
		status       *string
		plan         *string
		storageUsed  *int64
		storageLimit *int64
	)
	err := r.db.QueryRow(ctx, factsQuery, companyID).Scan(&status, &plan, &storageUsed, &storageLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.SubscriptionFacts{}, notFound(companyID)
		}
		return types.SubscriptionFacts{}, queryError("failed to read subscription facts", err)
	}

	var facts types.SubscriptionFacts
	if status != nil {
		facts.Status = types.SubscriptionStatus(*status)
	}
	if plan != nil {
		facts.Plan = types.PlanLevel(*plan)
	}
	if storageUsed != nil {
		facts.StorageUsedBytes = *storageUsed
	}
	if storageLimit != nil {
		facts.StorageLimitBytes = *storageLimit
	}
	return facts, nil
}

// CountActiveUsers counts non-blocked users of companyID.
func (r *CompanyRepository) CountActiveUsers(ctx context.Context, companyID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM users WHERE company_id = $1 AND NOT COALESCE(blocked, false)`,
		companyID,
	).Scan(&count)
	if err != nil {
		return 0, queryError("failed to count active users", err)
	}
	return count, nil
}

// GetByStripeCustomer resolves the company billed under a Stripe customer.
func (r *CompanyRepository) GetByStripeCustomer(ctx context.Context, customerID string) (*types.Company, error) {
	var (
		c      types.Company
		status *string
		plan   *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, name, stripe_customer_id, subscription_status, plan_level, last_subscription_event_at
		 FROM companies
		 WHERE stripe_customer_id = $1 AND deleted_at IS NULL`,
		customerID,
	).Scan(&c.ID, &c.Name, &c.StripeCustomerID, &status, &plan, &c.LastSubscriptionEventAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCompany,
				fmt.Sprintf("no company for customer %s", customerID), nil)
		}
		return nil, queryError("failed to look up company by customer", err)
	}
	if status != nil {
		c.Status = types.SubscriptionStatus(*status)
	}
	if plan != nil {
		c.Plan = types.PlanLevel(*plan)
	}
	return &c, nil
}

func notFound(companyID int64) *types.AppError {
	return types.NewAppErrorWithDetails(types.ErrCodeNotFoundCompany, "company not found", nil,
		map[string]any{"companyId": companyID})
}
