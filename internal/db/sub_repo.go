package db

import (
	"context"
	"log/slog"
	"time"

	"subvalidator/internal/types"
)

// SubscriptionStateRepo applies billing provider events to the companies
// table. Updates use optimistic locking on last_subscription_event_at so
// out-of-order webhook deliveries never roll a company back.
type SubscriptionStateRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionStateRepo creates a new SubscriptionStateRepo.
func NewSubscriptionStateRepo(db DBTX, logger *slog.Logger) *SubscriptionStateRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionStateRepo{db: db, logger: logger}
}

// UpdateSubscriptionStatus sets the status of companyID (and its plan level
// when plan is non-empty) if eventAt is newer than the last applied event.
// It reports whether a row changed; a stale event is a no-op, not an error.
func (r *SubscriptionStateRepo) UpdateSubscriptionStatus(
	ctx context.Context,
	companyID int64,
	status types.SubscriptionStatus,
	plan types.PlanLevel,
	eventAt time.Time,
) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE companies
		 SET subscription_status = $1,
		     plan_level = COALESCE(NULLIF($2, ''), plan_level),
		     last_subscription_event_at = $3,
		     updated_at = NOW()
		 WHERE id = $4
		   AND deleted_at IS NULL
		   AND (last_subscription_event_at IS NULL OR last_subscription_event_at < $3)`,
		string(status),
		string(plan),
		eventAt,
		companyID,
	)
	if err != nil {
		return false, queryError("failed to update subscription status", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "stale subscription event ignored",
			slog.Int64("company_id", companyID),
			slog.String("status", string(status)),
			slog.Time("event_at", eventAt),
		)
		return false, nil
	}
	return true, nil
}
