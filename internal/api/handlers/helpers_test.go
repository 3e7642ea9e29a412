package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"subvalidator/internal/types"
	"subvalidator/internal/validation"
)

// =============================================================================
// Fakes shared by the handler tests
// =============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeFactsStore serves facts per company ID. Unknown IDs are not found;
// failing makes every call an infrastructure error.
type fakeFactsStore struct {
	mu      sync.Mutex
	facts   map[int64]types.SubscriptionFacts
	failing bool
	calls   int
}

func newFakeFactsStore() *fakeFactsStore {
	return &fakeFactsStore{facts: make(map[int64]types.SubscriptionFacts)}
}

func (s *fakeFactsStore) set(companyID int64, f types.SubscriptionFacts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[companyID] = f
}

func (s *fakeFactsStore) FetchFacts(_ context.Context, companyID int64) (types.SubscriptionFacts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failing {
		return types.SubscriptionFacts{}, errors.New("connection refused")
	}
	f, ok := s.facts[companyID]
	if !ok {
		return types.SubscriptionFacts{}, types.NewAppError(types.ErrCodeNotFoundCompany, "company not found", nil)
	}
	return f, nil
}

func (s *fakeFactsStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

const gb = int64(1) << 30

func activeStarterFacts() types.SubscriptionFacts {
	return types.SubscriptionFacts{
		Status:            types.SubscriptionActive,
		Plan:              types.PlanStarter,
		StorageUsedBytes:  gb,
		StorageLimitBytes: 2 * gb,
	}
}

// newTestEngine builds a real engine over a fake store and clock.
func newTestEngine(t *testing.T) (*validation.Engine, *fakeFactsStore, *fakeClock) {
	t.Helper()
	store := newFakeFactsStore()
	clock := newFakeClock()
	engine := validation.NewEngine(store,
		validation.WithClock(clock.Now),
		validation.WithLogger(discardLogger()),
	)
	return engine, store, clock
}

// =============================================================================
// HTTP helpers
// =============================================================================

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rr)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", rr.Body.String())
	code, _ := errObj["code"].(string)
	return code
}

func routerFor(register func(chi.Router)) *chi.Mux {
	r := chi.NewRouter()
	register(r)
	return r
}
