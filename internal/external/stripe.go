package external

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"subvalidator/internal/types"
)

// StripeVerifier implements WebhookVerifier with stripe-go's signature
// check (HMAC-SHA256 plus timestamp tolerance).
type StripeVerifier struct{}

func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}

// SubscriptionChange is the domain view of a Stripe subscription event.
// Plan is empty when the event does not identify a known plan level.
type SubscriptionChange struct {
	EventID    string                   `json:"eventId" validate:"required"`
	EventType  string                   `json:"eventType" validate:"required"`
	CustomerID string                   `json:"customerId" validate:"required"`
	Status     types.SubscriptionStatus `json:"status" validate:"required,subscription_status"`
	Plan       types.PlanLevel          `json:"plan" validate:"omitempty,plan_level"`
	OccurredAt time.Time                `json:"occurredAt" validate:"required"`
}

// ParseEvent decodes a verified webhook payload.
func ParseEvent(payload []byte) (stripe.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, fmt.Errorf("decode stripe event: %w", err)
	}
	return event, nil
}

// SubscriptionChangeFromEvent extracts the subscription carried by a
// customer.subscription.* event. Deleted subscriptions always map to
// canceled regardless of the status field.
func SubscriptionChangeFromEvent(event stripe.Event) (*SubscriptionChange, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("event %s has no data", event.ID)
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription from event %s: %w", event.ID, err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return nil, fmt.Errorf("event %s subscription has no customer", event.ID)
	}

	status := MapSubscriptionStatus(sub.Status)
	if string(event.Type) == EventStripeSubDeleted {
		status = types.SubscriptionCanceled
	}

	return &SubscriptionChange{
		EventID:    event.ID,
		EventType:  string(event.Type),
		CustomerID: sub.Customer.ID,
		Status:     status,
		Plan:       planFromSubscription(&sub),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}, nil
}

// MapSubscriptionStatus converts a Stripe subscription status to the
// domain status. Stripe states without a direct counterpart map to the
// nearest domain state: trialing is trial, incomplete is past_due,
// incomplete_expired is canceled and paused is past_due.
func MapSubscriptionStatus(status stripe.SubscriptionStatus) types.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return types.SubscriptionActive
	case stripe.SubscriptionStatusTrialing:
		return types.SubscriptionTrial
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusIncomplete, stripe.SubscriptionStatusPaused:
		return types.SubscriptionPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return types.SubscriptionCanceled
	case stripe.SubscriptionStatusUnpaid:
		return types.SubscriptionUnpaid
	default:
		return types.SubscriptionPastDue
	}
}

// planFromSubscription reads the plan level from the subscription metadata
// ("plan_level") or, failing that, from the first price's lookup key.
func planFromSubscription(sub *stripe.Subscription) types.PlanLevel {
	if p := types.PlanLevel(sub.Metadata["plan_level"]); p.Known() {
		return p
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			if p := types.PlanLevel(item.Price.LookupKey); p.Known() {
				return p
			}
		}
	}
	return ""
}
