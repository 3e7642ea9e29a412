package external

// WebhookVerifier abstracts billing webhook signature checking.
type WebhookVerifier interface {
	// Verify validates payload against the signature header and signing
	// secret. Returns nil on success.
	Verify(payload []byte, header string, secret string) error
}

// Stripe event types the service reacts to.
const (
	EventStripeSubCreated = "customer.subscription.created"
	EventStripeSubUpdated = "customer.subscription.updated"
	EventStripeSubDeleted = "customer.subscription.deleted"
)
