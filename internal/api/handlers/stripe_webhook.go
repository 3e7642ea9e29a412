package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jellydator/ttlcache/v3"
	stripe "github.com/stripe/stripe-go/v82"

	"subvalidator/internal/core"
	"subvalidator/internal/external"
	"subvalidator/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook payload (64 KB).
const maxWebhookBodySize = 64 * 1024

// seenEventTTL bounds how long a delivered event ID is remembered. Older
// replays are still rejected by the store's event-time check.
const seenEventTTL = 24 * time.Hour

// Webhook outcomes, used as the outcome metric label.
const (
	webhookApplied         = "applied"
	webhookStale           = "stale"
	webhookDuplicate       = "duplicate"
	webhookIgnored         = "ignored"
	webhookUnknownCustomer = "unknown_customer"
	webhookInvalid         = "invalid"
	webhookFailed          = "failed"
)

// ---------------------------------------------------------------------------
// Interfaces for webhook handler dependencies
// ---------------------------------------------------------------------------

// CompanyLookup resolves the company billed under a Stripe customer.
type CompanyLookup interface {
	GetByStripeCustomer(ctx context.Context, customerID string) (*types.Company, error)
}

// SubscriptionStateUpdater writes subscription state to the store. It
// reports false when the event is older than the last one applied.
type SubscriptionStateUpdater interface {
	UpdateSubscriptionStatus(
		ctx context.Context,
		companyID int64,
		status types.SubscriptionStatus,
		plan types.PlanLevel,
		eventAt time.Time,
	) (bool, error)
}

// CacheInvalidator drops every cached bot of a company.
type CacheInvalidator interface {
	InvalidateCompany(companyID int64) int
}

// WebhookRecorder counts processed events by type and outcome.
type WebhookRecorder interface {
	RecordWebhook(eventType, outcome string)
}

// StructValidator checks decoded payloads against their validate tags.
type StructValidator interface {
	ValidateStruct(dst any) error
}

// ---------------------------------------------------------------------------
// Stripe Webhook Handler
// ---------------------------------------------------------------------------

// StripeWebhookDeps groups the collaborators of StripeWebhookHandler.
// Recorder and Validator are optional.
type StripeWebhookDeps struct {
	Verifier    external.WebhookVerifier
	Companies   CompanyLookup
	State       SubscriptionStateUpdater
	Invalidator CacheInvalidator
	Recorder    WebhookRecorder
	Validator   StructValidator
	Secret      types.SecretString
	Logger      *slog.Logger
}

// StripeWebhookHandler applies Stripe subscription events to the store and
// evicts the affected company from the validation cache.
//
// The route is unauthenticated; the Stripe-Signature header is the only
// credential. Once the signature checks out the handler always answers 200
// so Stripe does not retry events that can never succeed.
type StripeWebhookHandler struct {
	deps StripeWebhookDeps
	seen *ttlcache.Cache[string, struct{}]
}

// NewStripeWebhookHandler creates a StripeWebhookHandler. Call Close to
// stop the replay guard's cleanup loop.
func NewStripeWebhookHandler(deps StripeWebhookDeps) *StripeWebhookHandler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Verifier == nil {
		deps.Verifier = &external.StripeVerifier{}
	}

	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](seenEventTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go seen.Start()

	return &StripeWebhookHandler{deps: deps, seen: seen}
}

// Close stops the replay guard. It matches core.Server shutdown hooks.
func (h *StripeWebhookHandler) Close(context.Context) error {
	h.seen.Stop()
	return nil
}

// RegisterRoutes mounts the Stripe webhook endpoint. It belongs in the
// public route group.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes one Stripe delivery:
//  1. Reads the body (64 KB max) and verifies Stripe-Signature.
//  2. Drops event IDs already seen.
//  3. Maps customer.subscription.* events onto the company row.
//  4. Evicts the company from the cache when the row changed.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.deps.Logger)

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"request body must not exceed 64KB", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationSignature,
			"missing Stripe-Signature header", nil))
		return
	}
	if err := h.deps.Verifier.Verify(payload, sigHeader, h.deps.Secret.Unmask()); err != nil {
		logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationSignature,
			"webhook signature verification failed", err))
		return
	}

	event, err := external.ParseEvent(payload)
	if err != nil {
		logger.ErrorContext(ctx, "failed to parse webhook event", "error", err)
		h.record("unknown", webhookInvalid)
		w.WriteHeader(http.StatusOK)
		return
	}

	eventType := string(event.Type)
	if event.ID != "" {
		if _, dup := h.seen.GetOrSet(event.ID, struct{}{}); dup {
			logger.InfoContext(ctx, "duplicate webhook event dropped",
				"event_id", event.ID,
				"event_type", eventType,
			)
			h.record(eventType, webhookDuplicate)
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	outcome := h.routeEvent(ctx, logger, event)
	if outcome == webhookFailed && event.ID != "" {
		// Let a manual resend through.
		h.seen.Delete(event.ID)
	}
	h.record(eventType, outcome)

	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) routeEvent(ctx context.Context, logger *slog.Logger, event stripe.Event) string {
	switch string(event.Type) {
	case external.EventStripeSubCreated, external.EventStripeSubUpdated, external.EventStripeSubDeleted:
		return h.handleSubscriptionChange(ctx, logger, event)
	default:
		logger.InfoContext(ctx, "ignoring unhandled webhook event type", "event_type", string(event.Type))
		return webhookIgnored
	}
}

// handleSubscriptionChange applies a customer.subscription.* event.
func (h *StripeWebhookHandler) handleSubscriptionChange(ctx context.Context, logger *slog.Logger, event stripe.Event) string {
	change, err := external.SubscriptionChangeFromEvent(event)
	if err != nil {
		logger.WarnContext(ctx, "malformed subscription event", "event_id", event.ID, "error", err)
		return webhookInvalid
	}
	if h.deps.Validator != nil {
		if err := h.deps.Validator.ValidateStruct(change); err != nil {
			logger.WarnContext(ctx, "subscription event failed validation",
				"event_id", change.EventID,
				"error", err,
			)
			return webhookInvalid
		}
	}

	company, err := h.deps.Companies.GetByStripeCustomer(ctx, change.CustomerID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundCompany) {
			logger.WarnContext(ctx, "webhook for unknown customer",
				"event_id", change.EventID,
				"customer_id", change.CustomerID,
			)
			return webhookUnknownCustomer
		}
		logger.ErrorContext(ctx, "company lookup failed",
			"event_id", change.EventID,
			"customer_id", change.CustomerID,
			"error", err,
		)
		return webhookFailed
	}

	applied, err := h.deps.State.UpdateSubscriptionStatus(ctx, company.ID, change.Status, change.Plan, change.OccurredAt)
	if err != nil {
		logger.ErrorContext(ctx, "subscription update failed",
			"event_id", change.EventID,
			"company_id", company.ID,
			"error", err,
		)
		return webhookFailed
	}
	if !applied {
		return webhookStale
	}

	evicted := 0
	if h.deps.Invalidator != nil {
		evicted = h.deps.Invalidator.InvalidateCompany(company.ID)
	}
	logger.InfoContext(ctx, "subscription change applied",
		"event_id", change.EventID,
		"event_type", change.EventType,
		"company_id", company.ID,
		"status", string(change.Status),
		"plan", string(change.Plan),
		"evicted", evicted,
	)
	return webhookApplied
}

func (h *StripeWebhookHandler) record(eventType, outcome string) {
	if h.deps.Recorder != nil {
		h.deps.Recorder.RecordWebhook(eventType, outcome)
	}
}
