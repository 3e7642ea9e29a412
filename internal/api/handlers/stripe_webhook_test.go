package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"subvalidator/internal/core"
	"subvalidator/internal/external"
	"subvalidator/internal/types"
	"subvalidator/internal/validation"
)

const testWebhookSecret = "whsec_test_secret"

// =============================================================================
// Mock Implementations
// =============================================================================

type mockWebhookVerifier struct {
	err error
}

func (m *mockWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	return m.err
}

type mockCompanyLookup struct {
	companies map[string]*types.Company
	err       error
}

func (m *mockCompanyLookup) GetByStripeCustomer(_ context.Context, customerID string) (*types.Company, error) {
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.companies[customerID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundCompany, "no company for customer", nil)
	}
	return c, nil
}

type updateSubCall struct {
	CompanyID int64
	Status    types.SubscriptionStatus
	Plan      types.PlanLevel
	EventAt   time.Time
}

type mockSubStateUpdater struct {
	calls   []updateSubCall
	stale   bool
	failErr error
}

func (m *mockSubStateUpdater) UpdateSubscriptionStatus(
	_ context.Context,
	companyID int64,
	status types.SubscriptionStatus,
	plan types.PlanLevel,
	eventAt time.Time,
) (bool, error) {
	m.calls = append(m.calls, updateSubCall{CompanyID: companyID, Status: status, Plan: plan, EventAt: eventAt})
	if m.failErr != nil {
		return false, m.failErr
	}
	return !m.stale, nil
}

type mockWebhookRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *mockWebhookRecorder) RecordWebhook(eventType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, eventType+":"+outcome)
}

// =============================================================================
// Test Helpers
// =============================================================================

func subscriptionEvent(eventID, eventType, customer, status, plan string, created int64) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "type": %q,
  "created": %d,
  "data": {
    "object": {
      "id": "sub_1",
      "object": "subscription",
      "customer": %q,
      "status": %q,
      "metadata": {"plan_level": %q}
    }
  }
}`, eventID, eventType, created, customer, status, plan))
}

type webhookFixture struct {
	handler  *StripeWebhookHandler
	engine   *validation.Engine
	store    *fakeFactsStore
	state    *mockSubStateUpdater
	lookup   *mockCompanyLookup
	recorder *mockWebhookRecorder
}

func newWebhookFixture(t *testing.T, verifier external.WebhookVerifier) *webhookFixture {
	t.Helper()
	engine, store, _ := newTestEngine(t)
	f := &webhookFixture{
		engine: engine,
		store:  store,
		state:  &mockSubStateUpdater{},
		lookup: &mockCompanyLookup{companies: map[string]*types.Company{
			"cus_42": {ID: 42, Name: "Acme", StripeCustomerID: "cus_42"},
		}},
		recorder: &mockWebhookRecorder{},
	}
	f.handler = NewStripeWebhookHandler(StripeWebhookDeps{
		Verifier:    verifier,
		Companies:   f.lookup,
		State:       f.state,
		Invalidator: engine,
		Recorder:    f.recorder,
		Validator:   core.NewValidator(discardLogger()),
		Secret:      types.SecretString(testWebhookSecret),
		Logger:      discardLogger(),
	})
	t.Cleanup(func() { _ = f.handler.Close(context.Background()) })
	return f
}

// warm caches two bots of company 42 and one of company 7.
func (f *webhookFixture) warm(t *testing.T) {
	t.Helper()
	f.store.set(42, activeStarterFacts())
	f.store.set(7, activeStarterFacts())
	for _, key := range []types.TenantKey{{CompanyID: 42, BotID: 1}, {CompanyID: 42, BotID: 2}, {CompanyID: 7, BotID: 1}} {
		_, err := f.engine.Validate(context.Background(), key)
		require.NoError(t, err)
	}
}

func doWebhookRequest(handler *StripeWebhookHandler, body []byte, sigHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	if sigHeader != "" {
		req.Header.Set("Stripe-Signature", sigHeader)
	}
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)
	return rr
}

// =============================================================================
// Tests: Signature Verification
// =============================================================================

func TestStripeWebhookHandler_MissingSignature(t *testing.T) {
	f := newWebhookFixture(t, &mockWebhookVerifier{})

	body := subscriptionEvent("evt_1", external.EventStripeSubUpdated, "cus_42", "active", "starter", time.Now().Unix())
	rr := doWebhookRequest(f.handler, body, "")

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(types.ErrCodeValidationSignature), errorCode(t, rr))
	assert.Empty(t, f.state.calls)
}

func TestStripeWebhookHandler_InvalidSignature(t *testing.T) {
	f := newWebhookFixture(t, &mockWebhookVerifier{err: errors.New("signature mismatch")})

	body := subscriptionEvent("evt_1", external.EventStripeSubUpdated, "cus_42", "active", "starter", time.Now().Unix())
	rr := doWebhookRequest(f.handler, body, "t=12345,v1=bad")

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(types.ErrCodeValidationSignature), errorCode(t, rr))
	assert.Empty(t, f.state.calls)
	assert.Empty(t, f.recorder.outcomes)
}

func TestStripeWebhookHandler_RealSignature(t *testing.T) {
	f := newWebhookFixture(t, nil)
	f.warm(t)

	body := subscriptionEvent("evt_signed", external.EventStripeSubUpdated, "cus_42", "canceled", "", time.Now().Unix())
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})

	rr := doWebhookRequest(f.handler, body, signed.Header)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, f.state.calls, 1)
	assert.Equal(t, types.SubscriptionCanceled, f.state.calls[0].Status)

	rr = doWebhookRequest(f.handler, body, "t=1,v1=forged")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStripeWebhookHandler_BodyTooLarge(t *testing.T) {
	f := newWebhookFixture(t, &mockWebhookVerifier{})

	rr := doWebhookRequest(f.handler, bytes.Repeat([]byte("a"), maxWebhookBodySize+1), "t=1,v1=x")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(types.ErrCodeValidationInvalidJSON), errorCode(t, rr))
}

// =============================================================================
// Tests: Event Handling
// =============================================================================

func TestStripeWebhookHandler_UpdateInvalidatesCompany(t *testing.T) {
	f := newWebhookFixture(t, &mockWebhookVerifier{})
	f.warm(t)

	created := time.Now().Unix()
	body := subscriptionEvent("evt_1", external.EventStripeSubUpdated, "cus_42", "past_due", "professional", created)
	rr := doWebhookRequest(f.handler, body, "t=1,v1=ok")
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, f.state.calls, 1)
	call := f.state.calls[0]
	assert.Equal(t, int64(42), call.CompanyID)
	assert.Equal(t, types.SubscriptionPastDue, call.Status)
	assert.Equal(t, types.PlanProfessional, call.Plan)
	assert.True(t, call.EventAt.Equal(time.Unix(created, 0)))

	assert.Equal(t, []string{"7-1"}, f.engine.Inspect().Keys)
	assert.Equal(t, []string{external.EventStripeSubUpdated + ":" + webhookApplied}, f.recorder.outcomes)
}

func TestStripeWebhookHandler_DeletedMapsToCanceled(t *testing.T) {
	f := newWebhookFixture(t, &mockWebhookVerifier{})

	body := subscriptionEvent("evt_del", external.EventStripeSubDeleted, "cus_42", "active", "", time.Now().Unix())
	rr := doWebhookRequest(f.handler, body, "t=1,v1=ok")
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, f.state.calls, 1)
	assert.Equal(t, types.SubscriptionCanceled, f.state.calls[0].Status)
	assert.Equal(t, types.PlanLevel(""), f.state.calls[0].Plan)
}

func TestStripeWebhookHandler_DuplicateEventDropped(t *testing.T) {
	f := newWebhookFixture(t, &mockWebhookVerifier{})

	body := subscriptionEvent("evt_dup", external.EventStripeSubUpdated, "cus_42", "active", "", time.Now().Unix())
	for range 3 {
		rr := doWebhookRequest(f.handler, body, "t=1,v1=ok")
		require.Equal(t, http.StatusOK, rr.Code)
	}

	assert.Len(t, f.state.calls, 1)
	assert.Equal(t, []string{
		external.EventStripeSubUpdated + ":" + webhookApplied,
		external.EventStripeSubUpdated + ":" + webhookDuplicate,
		external.EventStripeSubUpdated + ":" + webhookDuplicate,
	}, f.recorder.outcomes)
}

func TestStripeWebhookHandler_StaleEventKeepsCache(t *testing.T) {
	f := newWebhookFixture(t, &mockWebhookVerifier{})
	f.warm(t)
	f.state.stale = true

	body := subscriptionEvent("evt_old", external.EventStripeSubUpdated, "cus_42", "canceled", "", time.Now().Unix())
	rr := doWebhookRequest(f.handler, body, "t=1,v1=ok")
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, 3, f.engine.Inspect().Size)
	assert.Equal(t, []string{external.EventStripeSubUpdated + ":" + webhookStale}, f.recorder.outcomes)
}

func TestStripeWebhookHandler_UnknownCustomer(t *testing.T) {
	f := newWebhookFixture(t, &mockWebhookVerifier{})

	body := subscriptionEvent("evt_2", external.EventStripeSubUpdated, "cus_nobody", "active", "", time.Now().Unix())
	rr := doWebhookRequest(f.handler, body, "t=1,v1=ok")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, f.state.calls)
	assert.Equal(t, []string{external.EventStripeSubUpdated + ":" + webhookUnknownCustomer}, f.recorder.outcomes)
}

func TestStripeWebhookHandler_UnhandledEventIgnored(t *testing.T) {
	f := newWebhookFixture(t, &mockWebhookVerifier{})

	body := []byte(`{"id": "evt_inv", "object": "event", "type": "invoice.paid", "created": 1767225600, "data": {"object": {}}}`)
	rr := doWebhookRequest(f.handler, body, "t=1,v1=ok")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, f.state.calls)
	assert.Equal(t, []string{"invoice.paid:" + webhookIgnored}, f.recorder.outcomes)
}

func TestStripeWebhookHandler_MalformedPayloadAcknowledged(t *testing.T) {
	f := newWebhookFixture(t, &mockWebhookVerifier{})

	rr := doWebhookRequest(f.handler, []byte(`{not json`), "t=1,v1=ok")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"unknown:" + webhookInvalid}, f.recorder.outcomes)
}

func TestStripeWebhookHandler_SubscriptionWithoutCustomerIsInvalid(t *testing.T) {
	f := newWebhookFixture(t, &mockWebhookVerifier{})

	body := []byte(`{"id": "evt_nocus", "object": "event", "type": "customer.subscription.updated", "created": 1767225600,
		"data": {"object": {"id": "sub_1", "object": "subscription", "status": "active"}}}`)
	rr := doWebhookRequest(f.handler, body, "t=1,v1=ok")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, f.state.calls)
	assert.Equal(t, []string{external.EventStripeSubUpdated + ":" + webhookInvalid}, f.recorder.outcomes)
}

func TestStripeWebhookHandler_StoreFailureAllowsRedelivery(t *testing.T) {
	f := newWebhookFixture(t, &mockWebhookVerifier{})
	f.state.failErr = types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription status", errors.New("timeout"))

	body := subscriptionEvent("evt_retry", external.EventStripeSubUpdated, "cus_42", "active", "", time.Now().Unix())
	rr := doWebhookRequest(f.handler, body, "t=1,v1=ok")
	require.Equal(t, http.StatusOK, rr.Code)

	f.state.failErr = nil
	rr = doWebhookRequest(f.handler, body, "t=1,v1=ok")
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Len(t, f.state.calls, 2)
	assert.Equal(t, []string{
		external.EventStripeSubUpdated + ":" + webhookFailed,
		external.EventStripeSubUpdated + ":" + webhookApplied,
	}, f.recorder.outcomes)
}

func TestStripeWebhookHandler_LookupFailure(t *testing.T) {
	f := newWebhookFixture(t, &mockWebhookVerifier{})
	f.lookup.err = types.NewAppError(types.ErrCodeInternalDB, "failed to look up company by customer", errors.New("timeout"))

	body := subscriptionEvent("evt_3", external.EventStripeSubUpdated, "cus_42", "active", "", time.Now().Unix())
	rr := doWebhookRequest(f.handler, body, "t=1,v1=ok")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, f.state.calls)
	assert.Equal(t, []string{external.EventStripeSubUpdated + ":" + webhookFailed}, f.recorder.outcomes)
}
