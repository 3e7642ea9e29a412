package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subvalidator/internal/billing"
	"subvalidator/internal/types"
)

type mockUsageReporter struct {
	getUsageFn func(ctx context.Context, companyID int64) (*billing.UsageSnapshot, error)
	calledWith []int64
}

func (m *mockUsageReporter) GetCompanyUsage(ctx context.Context, companyID int64) (*billing.UsageSnapshot, error) {
	m.calledWith = append(m.calledWith, companyID)
	if m.getUsageFn != nil {
		return m.getUsageFn(ctx, companyID)
	}
	return &billing.UsageSnapshot{CompanyID: companyID, IsValid: true}, nil
}

func TestGetUsage_Success(t *testing.T) {
	generated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reporter := &mockUsageReporter{
		getUsageFn: func(_ context.Context, companyID int64) (*billing.UsageSnapshot, error) {
			return &billing.UsageSnapshot{
				CompanyID: companyID,
				Facts: types.SubscriptionFacts{
					Status:            types.SubscriptionActive,
					Plan:              types.PlanProfessional,
					StorageUsedBytes:  gb,
					StorageLimitBytes: 4 * gb,
					Features:          types.Features{CustomDomains: true},
				},
				IsValid:            true,
				StorageQuotaBytes:  10 * gb,
				StorageUsedPercent: 25,
				ActiveUsers:        4,
				GeneratedAt:        generated,
			}, nil
		},
	}
	router := routerFor(NewUsageHandler(reporter).RegisterRoutes)

	rr := doJSON(t, router, http.MethodGet, "/companies/42/usage", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := decodeBody(t, rr)
	assert.Equal(t, float64(42), body["companyId"])
	assert.Equal(t, true, body["isValid"])
	assert.Equal(t, "professional", body["planLevel"])
	assert.Equal(t, float64(25), body["storageUsedPercent"])
	assert.Equal(t, float64(10*gb), body["storageQuota"])
	assert.Equal(t, float64(4), body["activeUsers"])
	assert.Equal(t, "2026-03-01T12:00:00Z", body["generatedAt"])
	assert.Equal(t, []int64{42}, reporter.calledWith)
}

func TestGetUsage_NonNumericIDIsNotFound(t *testing.T) {
	reporter := &mockUsageReporter{
		getUsageFn: func(_ context.Context, companyID int64) (*billing.UsageSnapshot, error) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCompany, "company not found", nil)
		},
	}
	router := routerFor(NewUsageHandler(reporter).RegisterRoutes)

	rr := doJSON(t, router, http.MethodGet, "/companies/acme/usage", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, string(types.ErrCodeNotFoundCompany), errorCode(t, rr))
	assert.Equal(t, []int64{unresolvableID}, reporter.calledWith)
}

func TestGetUsage_StoreFailure(t *testing.T) {
	reporter := &mockUsageReporter{
		getUsageFn: func(context.Context, int64) (*billing.UsageSnapshot, error) {
			return nil, errors.New("pool exhausted")
		},
	}
	router := routerFor(NewUsageHandler(reporter).RegisterRoutes)

	rr := doJSON(t, router, http.MethodGet, "/companies/1/usage", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), errorCode(t, rr))
}

func TestGetUsage_DoesNotTouchValidationCache(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	store.set(1, activeStarterFacts())

	reporter := billing.NewUsageReporter(store, userCounterFunc(func(context.Context, int64) (int, error) {
		return 2, nil
	}), nil)
	router := routerFor(NewUsageHandler(reporter).RegisterRoutes)

	rr := doJSON(t, router, http.MethodGet, "/companies/1/usage", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 0, engine.Inspect().Size)
}

type userCounterFunc func(ctx context.Context, companyID int64) (int, error)

func (f userCounterFunc) CountActiveUsers(ctx context.Context, companyID int64) (int, error) {
	return f(ctx, companyID)
}
