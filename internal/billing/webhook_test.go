package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"
)

const testSecret = "whsec_test_secret"

// signPayload builds a Stripe-Signature header the way the sender does:
// HMAC-SHA256 over "<timestamp>.<payload>" with the signing secret.
func signPayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyEvent(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"customer.subscription.updated","created":1700000000,"data":{"object":{}}}`)

	t.Run("valid signature", func(t *testing.T) {
		sig := signPayload(payload, testSecret, time.Now())

		event, err := VerifyEvent(payload, sig, testSecret)
		if err != nil {
			t.Fatalf("VerifyEvent() error = %v", err)
		}
		if event.ID != "evt_1" {
			t.Errorf("VerifyEvent() id = %q, want evt_1", event.ID)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		sig := signPayload(payload, "whsec_other", time.Now())

		if _, err := VerifyEvent(payload, sig, testSecret); err == nil {
			t.Fatal("VerifyEvent() accepted a forged signature")
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		sig := signPayload(payload, testSecret, time.Now())
		tampered := append([]byte(nil), payload...)
		tampered[len(tampered)-2] = 'x'

		if _, err := VerifyEvent(tampered, sig, testSecret); err == nil {
			t.Fatal("VerifyEvent() accepted a tampered payload")
		}
	})

	t.Run("missing header", func(t *testing.T) {
		if _, err := VerifyEvent(payload, "", testSecret); err == nil {
			t.Fatal("VerifyEvent() accepted an unsigned payload")
		}
	})
}

func subscriptionEvent(t *testing.T, eventType string, sub map[string]any) stripe.Event {
	t.Helper()

	raw, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("marshal subscription: %v", err)
	}
	return stripe.Event{
		ID:      "evt_test",
		Type:    stripe.EventType(eventType),
		Created: 1700000000,
		Data:    &stripe.EventData{Raw: raw},
	}
}

func TestNormalizeEvent(t *testing.T) {
	t.Run("subscription updated", func(t *testing.T) {
		event := subscriptionEvent(t, "customer.subscription.updated", map[string]any{
			"status":   "active",
			"metadata": map[string]string{"email": "user@example.com"},
		})

		sub, relevant, err := NormalizeEvent(event)
		if err != nil {
			t.Fatalf("NormalizeEvent() error = %v", err)
		}
		if !relevant {
			t.Fatal("NormalizeEvent() dropped a subscription event")
		}
		if sub.Email != "user@example.com" || sub.Status != "active" {
			t.Errorf("NormalizeEvent() = %+v", sub)
		}
		if sub.At != 1700000000 {
			t.Errorf("NormalizeEvent() at = %d, want event created time", sub.At)
		}
	})

	t.Run("subscription deleted forces canceled", func(t *testing.T) {
		event := subscriptionEvent(t, "customer.subscription.deleted", map[string]any{
			"status":   "active",
			"metadata": map[string]string{"email": "user@example.com"},
		})

		sub, relevant, err := NormalizeEvent(event)
		if err != nil || !relevant {
			t.Fatalf("NormalizeEvent() = %v, %v", relevant, err)
		}
		if sub.Status != "canceled" {
			t.Errorf("NormalizeEvent() status = %q, want canceled", sub.Status)
		}
	})

	t.Run("email falls back to customer", func(t *testing.T) {
		event := subscriptionEvent(t, "customer.subscription.created", map[string]any{
			"status":   "trialing",
			"customer": map[string]any{"id": "cus_1", "email": "fallback@example.com"},
		})

		sub, relevant, err := NormalizeEvent(event)
		if err != nil || !relevant {
			t.Fatalf("NormalizeEvent() = %v, %v", relevant, err)
		}
		if sub.Email != "fallback@example.com" {
			t.Errorf("NormalizeEvent() email = %q", sub.Email)
		}
	})

	t.Run("paid checkout session", func(t *testing.T) {
		event := subscriptionEvent(t, "checkout.session.completed", map[string]any{
			"payment_status":   "paid",
			"customer_details": map[string]any{"email": "buyer@example.com"},
		})

		sub, relevant, err := NormalizeEvent(event)
		if err != nil || !relevant {
			t.Fatalf("NormalizeEvent() = %v, %v", relevant, err)
		}
		if sub.Email != "buyer@example.com" || sub.Status != "active" {
			t.Errorf("NormalizeEvent() = %+v", sub)
		}
	})

	t.Run("unpaid checkout session is ignored", func(t *testing.T) {
		event := subscriptionEvent(t, "checkout.session.completed", map[string]any{
			"payment_status":   "unpaid",
			"customer_details": map[string]any{"email": "buyer@example.com"},
		})

		_, relevant, err := NormalizeEvent(event)
		if err != nil {
			t.Fatalf("NormalizeEvent() error = %v", err)
		}
		if relevant {
			t.Fatal("NormalizeEvent() surfaced an unpaid checkout")
		}
	})

	t.Run("unrelated event type is ignored", func(t *testing.T) {
		event := subscriptionEvent(t, "invoice.finalized", map[string]any{})

		_, relevant, err := NormalizeEvent(event)
		if err != nil {
			t.Fatalf("NormalizeEvent() error = %v", err)
		}
		if relevant {
			t.Fatal("NormalizeEvent() surfaced an unrelated event")
		}
	})
}
