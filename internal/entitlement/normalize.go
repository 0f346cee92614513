package entitlement

import (
	"errors"
	"strings"
)

// ErrMissingIdentity is returned when a signal carries no usable identity.
// There is nothing to merge under, so the update is dropped at the boundary.
var ErrMissingIdentity = errors.New("entitlement: update has no identity")

// NormalizeIdentity lowercases and trims an email so all channels key the
// same record.
func NormalizeIdentity(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Update is the canonical form every inbound signal is normalized to before
// reconciliation. At is the signal's own ordering timestamp (unix seconds):
// processor-issued for webhook events, local receipt time for the rest.
// UsesLimit is only set on updates that activate a paid plan.
type Update struct {
	Identity  string
	Plan      Plan
	Status    Status
	UsesLimit int
	Trust     Trust
	At        int64
}

// FromSubscriptionStatus maps a processor subscription status to an update.
// "active" unlocks plus, "trialing" unlocks trial, anything else (canceled,
// past_due, incomplete, unpaid, ...) revokes.
func FromSubscriptionStatus(email, status string, at int64, usesLimit int) (Update, error) {
	identity := NormalizeIdentity(email)
	if identity == "" {
		return Update{}, ErrMissingIdentity
	}

	u := Update{Identity: identity, Trust: TrustWebhook, At: at}
	switch status {
	case "active":
		u.Plan = PlanPlus
		u.Status = StatusActive
		u.UsesLimit = usesLimit
	case "trialing":
		u.Plan = PlanTrial
		u.Status = StatusActive
		u.UsesLimit = usesLimit
	default:
		u.Plan = PlanFree
		u.Status = StatusCanceled
	}
	return u, nil
}

// FromCheckout produces the provisional unlock applied right after a paid
// checkout, ahead of the authoritative webhook. Callers must have verified
// that the session reports payment completed or not required.
func FromCheckout(email string, at int64, usesLimit int) (Update, error) {
	identity := NormalizeIdentity(email)
	if identity == "" {
		return Update{}, ErrMissingIdentity
	}
	return Update{
		Identity:  identity,
		Plan:      PlanPlus,
		Status:    StatusActive,
		UsesLimit: usesLimit,
		Trust:     TrustCheckout,
		At:        at,
	}, nil
}

// FromLiveQuery normalizes a synchronous "has an active or trialing
// subscription" answer from the processor.
func FromLiveQuery(email string, active bool, at int64, usesLimit int) (Update, error) {
	identity := NormalizeIdentity(email)
	if identity == "" {
		return Update{}, ErrMissingIdentity
	}

	u := Update{Identity: identity, Trust: TrustLiveQuery, At: at}
	if active {
		u.Plan = PlanPlus
		u.Status = StatusActive
		u.UsesLimit = usesLimit
	} else {
		u.Plan = PlanFree
		u.Status = StatusCanceled
	}
	return u, nil
}

// AdminGrant produces the highest-trust update for operator grants and
// revocations. It goes through the same reconciliation path as every other
// signal, never a side-channel write.
func AdminGrant(email string, plan Plan, at int64, usesLimit int) (Update, error) {
	identity := NormalizeIdentity(email)
	if identity == "" {
		return Update{}, ErrMissingIdentity
	}

	u := Update{Identity: identity, Plan: plan, Trust: TrustAdmin, At: at}
	if plan.Entitled() {
		u.Status = StatusActive
		u.UsesLimit = usesLimit
	} else {
		u.Status = StatusCanceled
	}
	return u, nil
}
