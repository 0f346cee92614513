package billing

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// Checkout is the validated state of a checkout session. Paid is true when
// the session reports payment completed or not required.
type Checkout struct {
	Email string
	Paid  bool
}

// Processor answers synchronous questions about processor state. Calls run
// before any entitlement store update, never inside one, so lock hold time
// stays bounded. A failed or timed-out call is fail-closed: callers apply no
// update and deny.
type Processor interface {
	CheckoutSession(ctx context.Context, id string) (Checkout, error)
	HasActiveSubscription(ctx context.Context, email string) (bool, error)
}

// StripeProcessor implements Processor against the Stripe API.
type StripeProcessor struct {
	client *client.API
}

var _ Processor = (*StripeProcessor)(nil)

// NewStripeProcessor creates a processor bound to the given API key.
func NewStripeProcessor(apiKey string) *StripeProcessor {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeProcessor{client: sc}
}

func (p *StripeProcessor) CheckoutSession(ctx context.Context, id string) (Checkout, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := p.client.CheckoutSessions.Get(id, params)
	if err != nil {
		return Checkout{}, fmt.Errorf("failed to fetch checkout session: %w", err)
	}

	return Checkout{
		Email: emailFromSession(sess),
		Paid:  sessionPaid(sess.PaymentStatus),
	}, nil
}

func (p *StripeProcessor) HasActiveSubscription(ctx context.Context, email string) (bool, error) {
	cparams := &stripe.CustomerListParams{Email: stripe.String(email)}
	cparams.Context = ctx

	customers := p.client.Customers.List(cparams)
	for customers.Next() {
		sparams := &stripe.SubscriptionListParams{
			Customer: stripe.String(customers.Customer().ID),
			Status:   stripe.String("all"),
		}
		sparams.Context = ctx

		subs := p.client.Subscriptions.List(sparams)
		for subs.Next() {
			switch subs.Subscription().Status {
			case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
				return true, nil
			}
		}
		if err := subs.Err(); err != nil {
			return false, fmt.Errorf("failed to list subscriptions: %w", err)
		}
	}
	if err := customers.Err(); err != nil {
		return false, fmt.Errorf("failed to list customers: %w", err)
	}

	return false, nil
}
