package billing

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"subvalidator/internal/types"
)

// FactsReader reads the authoritative subscription facts of a company.
type FactsReader interface {
	FetchFacts(ctx context.Context, companyID int64) (types.SubscriptionFacts, error)
}

// UserCounter counts the active (non-blocked) users of a company.
type UserCounter interface {
	CountActiveUsers(ctx context.Context, companyID int64) (int, error)
}

// UsageSnapshot is the dashboard view of a company's subscription: the
// facts, the current verdict and plan context. It is computed live and
// never cached.
type UsageSnapshot struct {
	CompanyID          int64
	Facts              types.SubscriptionFacts
	IsValid            bool
	Reason             *string
	StorageQuotaBytes  int64
	StorageUsedPercent float64
	ActiveUsers        int
	GeneratedAt        time.Time
}

// UsageReporter builds usage snapshots for the dashboard path.
type UsageReporter interface {
	GetCompanyUsage(ctx context.Context, companyID int64) (*UsageSnapshot, error)
}

type usageReporterImpl struct {
	facts  FactsReader
	users  UserCounter
	policy *Policy
	now    func() time.Time
}

// NewUsageReporter creates a UsageReporter. Facts and user counts are read
// concurrently.
func NewUsageReporter(facts FactsReader, users UserCounter, policy *Policy) *usageReporterImpl {
	if policy == nil {
		policy = NewPolicy(nil)
	}
	return &usageReporterImpl{
		facts:  facts,
		users:  users,
		policy: policy,
		now:    time.Now,
	}
}

var _ UsageReporter = (*usageReporterImpl)(nil)

// GetCompanyUsage returns the live snapshot for companyID. A missing company
// surfaces as ErrCodeNotFoundCompany from the facts reader.
func (r *usageReporterImpl) GetCompanyUsage(ctx context.Context, companyID int64) (*UsageSnapshot, error) {
	var (
		facts       types.SubscriptionFacts
		activeUsers int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		facts, err = r.facts.FetchFacts(gctx, companyID)
		return err
	})
	g.Go(func() error {
		var err error
		activeUsers, err = r.users.CountActiveUsers(gctx, companyID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	facts = r.policy.Normalize(facts)
	valid, why := Evaluate(facts)
	def := r.policy.Plans().Lookup(facts.Plan)

	return &UsageSnapshot{
		CompanyID:          companyID,
		Facts:              facts,
		IsValid:            valid,
		Reason:             why,
		StorageQuotaBytes:  def.StorageQuotaBytes,
		StorageUsedPercent: usedPercent(facts.StorageUsedBytes, facts.StorageLimitBytes),
		ActiveUsers:        activeUsers,
		GeneratedAt:        r.now().UTC(),
	}, nil
}

func usedPercent(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}
