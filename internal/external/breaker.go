package external

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"subvalidator/internal/types"
)

// FactsSource is the store the breaker protects.
type FactsSource interface {
	FetchFacts(ctx context.Context, companyID int64) (types.SubscriptionFacts, error)
}

// BreakerSettings configures BreakerStore.
type BreakerSettings struct {
	Name string
	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before letting a
	// probe request through.
	OpenTimeout time.Duration
	// Interval clears the failure counts while closed. Zero never clears.
	Interval time.Duration
	// CallTimeout bounds each store call, connection acquisition included.
	// Zero leaves the caller's deadline alone.
	CallTimeout   time.Duration
	Logger        *slog.Logger
	OnStateChange func(name string, from, to gobreaker.State)
}

// BreakerStore wraps a FactsSource in a circuit breaker. While the breaker
// is open calls fail immediately with ErrCodeUpstreamStore instead of
// queueing on an unreachable database. NotFound and caller cancellation do
// not count as failures.
type BreakerStore struct {
	inner       FactsSource
	breaker     *gobreaker.CircuitBreaker[types.SubscriptionFacts]
	callTimeout time.Duration
}

// NewBreakerStore wraps inner with a breaker built from s.
func NewBreakerStore(inner FactsSource, s BreakerSettings) *BreakerStore {
	if s.Name == "" {
		s.Name = "subscription-store"
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[types.SubscriptionFacts](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		IsSuccessful: isStoreSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if s.OnStateChange != nil {
				s.OnStateChange(name, from, to)
			}
		},
	})

	return &BreakerStore{inner: inner, breaker: cb, callTimeout: s.CallTimeout}
}

func isStoreSuccess(err error) bool {
	return err == nil ||
		types.IsCode(err, types.ErrCodeNotFoundCompany) ||
		errors.Is(err, context.Canceled)
}

// FetchFacts calls the wrapped store through the breaker.
func (b *BreakerStore) FetchFacts(ctx context.Context, companyID int64) (types.SubscriptionFacts, error) {
	facts, err := b.breaker.Execute(func() (types.SubscriptionFacts, error) {
		if b.callTimeout <= 0 {
			return b.inner.FetchFacts(ctx, companyID)
		}
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
		return b.inner.FetchFacts(callCtx, companyID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.SubscriptionFacts{}, types.NewAppError(
				types.ErrCodeUpstreamStore,
				"subscription store unavailable; circuit breaker is open",
				err,
			)
		}
		return types.SubscriptionFacts{}, err
	}
	return facts, nil
}

// State reports the current breaker state.
func (b *BreakerStore) State() gobreaker.State {
	return b.breaker.State()
}
