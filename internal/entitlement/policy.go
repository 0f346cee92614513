package entitlement

// Policy is the deterministic merge function between the stored record and a
// candidate update. Three uncoordinated writers (webhook delivery, checkout
// activation, live query) race on the same key; last-write-wins would let a
// delayed "subscription created" event resurrect a canceled plan, or a
// transient live-query miss revoke a correctly active user. Reconcile orders
// writes by trust first and recency second instead.
type Policy struct {
	// DrainOnCancel keeps an already-granted allowance usable after a
	// cancellation instead of zeroing it immediately. Off by default.
	DrainOnCancel bool
}

// Reconcile decides whether u applies on top of cur and returns the resulting
// record. The second return value is false when the update is rejected as
// stale or lower-trust; rejection is a deliberate no-op, not an error.
//
// Acceptance rules:
//  1. strictly higher trust always applies
//  2. equal trust applies only if u.At is not older than cur.UpdatedAt, which
//     rejects out-of-order redeliveries within a tier and keeps replay of the
//     same event idempotent
//  3. lower trust applies only when it confirms a provisional checkout unlock
func (p Policy) Reconcile(cur Record, u Update) (Record, bool) {
	ur, cr := u.Trust.Rank(), cur.Trust.Rank()
	switch {
	case ur > cr:
		// more authoritative source overrides a less authoritative guess
	case ur == cr:
		if u.At < cur.UpdatedAt {
			return cur, false
		}
	default:
		confirming := cur.Trust == TrustCheckout &&
			(u.Trust == TrustWebhook || u.Trust == TrustLiveQuery) &&
			u.Plan.Entitled() && u.Status == StatusActive
		if !confirming {
			return cur, false
		}
	}

	next := Record{
		Plan:      u.Plan,
		Status:    u.Status,
		UpdatedAt: u.At,
		Trust:     u.Trust,
	}

	if u.Plan.Entitled() && u.Status == StatusActive {
		next.UsesLimit = u.UsesLimit
		if cur.Plan.Entitled() && cur.Status == StatusActive {
			// Plan continuing unchanged: the allowance is a metering window,
			// not a per-event freebie.
			next.UsesRemaining = cur.UsesRemaining
			if next.UsesRemaining > next.UsesLimit {
				next.UsesRemaining = next.UsesLimit
			}
		} else {
			// Fresh activation resets the per-period allowance.
			next.UsesRemaining = next.UsesLimit
		}
		return next, true
	}

	if p.DrainOnCancel && cur.Plan.Entitled() && cur.UsesRemaining > 0 {
		// Let the remaining allowance drain until exhausted.
		next.Plan = cur.Plan
		next.UsesLimit = cur.UsesLimit
		next.UsesRemaining = cur.UsesRemaining
		return next, true
	}

	next.Plan = PlanFree
	next.UsesRemaining = 0
	next.UsesLimit = 0
	return next, true
}
