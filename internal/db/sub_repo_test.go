package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"subvalidator/internal/types"
)

func TestSubscriptionStateRepo_UpdateSubscriptionStatus_Applied(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionStateRepo(db, nil)
	eventAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"),
		[]any{"past_due", "professional", eventAt, int64(3)},
	).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	changed, err := repo.UpdateSubscriptionStatus(context.Background(), 3,
		types.SubscriptionPastDue, types.PlanProfessional, eventAt)
	require.NoError(t, err)
	assert.True(t, changed)
	db.AssertExpectations(t)
}

func TestSubscriptionStateRepo_UpdateSubscriptionStatus_StaleEvent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionStateRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	changed, err := repo.UpdateSubscriptionStatus(context.Background(), 3,
		types.SubscriptionActive, "", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSubscriptionStateRepo_UpdateSubscriptionStatus_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionStateRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("deadlock detected"))

	_, err := repo.UpdateSubscriptionStatus(context.Background(), 3,
		types.SubscriptionCanceled, "", time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealthProbe(t *testing.T) {
	probe := NewHealthProbe(stubPinger{})
	assert.Equal(t, "database", probe.Name())
	assert.NoError(t, probe.Check(context.Background()))

	failing := NewHealthProbe(stubPinger{err: errors.New("down")})
	assert.Error(t, failing.Check(context.Background()))
}
