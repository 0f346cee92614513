// Package entitlement implements the reconciliation engine that merges
// subscription signals from the billing processor into one per-user access
// record and answers metered access-gate queries against it.
package entitlement

import "context"

// Plan is the subscription tier of a user.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanTrial Plan = "trial"
	PlanPlus  Plan = "plus"
)

// Entitled reports whether the plan grants access to gated capabilities.
func (p Plan) Entitled() bool {
	return p == PlanTrial || p == PlanPlus
}

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
)

// Trust ranks how authoritative the channel that produced an update is.
// Conflicting concurrent writes are resolved by trust first, recency second.
type Trust string

const (
	TrustCheckout  Trust = "checkout_optimistic"
	TrustLiveQuery Trust = "live_query"
	TrustWebhook   Trust = "webhook"
	TrustAdmin     Trust = "admin"
)

// Rank returns the numeric trust order. The zero value (an untouched record)
// ranks below every real channel so the first signal always applies.
func (t Trust) Rank() int {
	switch t {
	case TrustCheckout:
		return 1
	case TrustLiveQuery:
		return 2
	case TrustWebhook:
		return 3
	case TrustAdmin:
		return 4
	default:
		return 0
	}
}

// Record is the per-identity entitlement state. Records are never deleted;
// a canceled subscription is represented as free/canceled with zero uses.
type Record struct {
	Plan          Plan   `json:"plan"`
	Status        Status `json:"status"`
	UsesRemaining int    `json:"uses_remaining"`
	UsesLimit     int    `json:"uses_limit"`
	UpdatedAt     int64  `json:"updated_at"`
	Trust         Trust  `json:"trust"`
}

// DefaultRecord is the implicit state of an identity that was never written.
func DefaultRecord() Record {
	return Record{Plan: PlanFree, Status: StatusActive}
}

// Store is the durable keyed record of entitlements. Get never fails on an
// absent identity; it returns DefaultRecord. Update performs an atomic
// per-identity read-modify-write: the callback observes the current record
// and returns the next one with no other writer interleaving for the same
// identity. Writers for different identities proceed in parallel.
type Store interface {
	Get(ctx context.Context, identity string) (Record, error)
	Update(ctx context.Context, identity string, fn func(Record) Record) (Record, error)
	Close() error
}
