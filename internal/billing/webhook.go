// Package billing is the boundary to the payment processor. It verifies and
// normalizes webhook events and exposes the synchronous queries (checkout
// session validation, live subscription lookup) the HTTP layer performs
// before feeding the entitlement engine. Nothing here mutates entitlement
// state.
package billing

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// WebhookBodyLimit caps webhook payload reads. Stripe events are small;
// anything larger is not a legitimate delivery.
const WebhookBodyLimit = 1 << 20 // 1MiB

// SubscriptionEvent is a verified webhook event reduced to the fields the
// entitlement engine cares about. At is the processor-issued event timestamp,
// which is what makes out-of-order redelivery detectable downstream.
type SubscriptionEvent struct {
	ID     string
	Type   string
	Email  string
	Status string
	At     int64
}

// VerifyEvent checks the payload against the signature header and signing
// secret. Signature verification is the authentication mechanism for the
// webhook endpoint; failure means the payload is untrusted and nothing may
// be applied.
func VerifyEvent(payload []byte, sigHeader, secret string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("webhook verification failed: %w", err)
	}
	return event, nil
}

// NormalizeEvent extracts the subscription change a verified event carries.
// The second return value is false for event types that do not affect
// entitlements; those are acknowledged and ignored.
func NormalizeEvent(event stripe.Event) (SubscriptionEvent, bool, error) {
	out := SubscriptionEvent{ID: event.ID, Type: string(event.Type), At: event.Created}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return SubscriptionEvent{}, false, fmt.Errorf("failed to parse subscription event: %w", err)
		}
		out.Email = emailFromSubscription(&sub)
		out.Status = string(sub.Status)
		if event.Type == "customer.subscription.deleted" {
			out.Status = string(stripe.SubscriptionStatusCanceled)
		}
		return out, true, nil

	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return SubscriptionEvent{}, false, fmt.Errorf("failed to parse checkout event: %w", err)
		}
		if !sessionPaid(sess.PaymentStatus) {
			return SubscriptionEvent{}, false, nil
		}
		out.Email = emailFromSession(&sess)
		out.Status = string(stripe.SubscriptionStatusActive)
		return out, true, nil

	default:
		return SubscriptionEvent{}, false, nil
	}
}

func emailFromSubscription(sub *stripe.Subscription) string {
	if email, ok := sub.Metadata["email"]; ok && email != "" {
		return email
	}
	if sub.Customer != nil {
		return sub.Customer.Email
	}
	return ""
}

func emailFromSession(sess *stripe.CheckoutSession) string {
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		return sess.CustomerDetails.Email
	}
	return sess.CustomerEmail
}

func sessionPaid(status stripe.CheckoutSessionPaymentStatus) bool {
	return status == stripe.CheckoutSessionPaymentStatusPaid ||
		status == stripe.CheckoutSessionPaymentStatusNoPaymentRequired
}
