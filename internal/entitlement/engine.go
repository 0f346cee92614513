package entitlement

import (
	"context"
	"log/slog"
	"time"
)

// Denial reasons surfaced to callers. The two require different remediation
// (upgrade vs. wait for the next period), so the gate always distinguishes
// them.
const (
	ReasonNotEntitled  = "not entitled"
	ReasonLimitReached = "limit reached"
)

// Decision is the outcome of an access-gate check.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// Engine ties the store and the reconciliation policy together. All writers
// funnel through Apply so the invariants live in one place.
type Engine struct {
	store     Store
	policy    Policy
	usesLimit int
	logger    *slog.Logger
	now       func() time.Time
}

// Config carries the engine's tunables.
type Config struct {
	// UsesLimit is the per-period allowance a (re)activation resets to.
	UsesLimit int
	// DrainOnCancel lets a canceled subscription drain its remaining
	// allowance instead of zeroing it immediately.
	DrainOnCancel bool
}

func NewEngine(store Store, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		policy:    Policy{DrainOnCancel: cfg.DrainOnCancel},
		usesLimit: cfg.UsesLimit,
		logger:    logger,
		now:       time.Now,
	}
}

// UsesLimit returns the configured per-period allowance.
func (e *Engine) UsesLimit() int { return e.usesLimit }

// Apply reconciles a normalized update into the store. The second return
// value reports whether the update was accepted; a rejection is a logged
// no-op, never an error, so webhook senders are not provoked into retries.
func (e *Engine) Apply(ctx context.Context, u Update) (Record, bool, error) {
	if u.Identity == "" {
		return Record{}, false, ErrMissingIdentity
	}

	var applied bool
	rec, err := e.store.Update(ctx, u.Identity, func(cur Record) Record {
		next, ok := e.policy.Reconcile(cur, u)
		applied = ok
		return next
	})
	if err != nil {
		return Record{}, false, err
	}

	if applied {
		e.logger.Info("entitlement updated",
			slog.String("identity", u.Identity),
			slog.String("plan", string(rec.Plan)),
			slog.String("status", string(rec.Status)),
			slog.String("trust", string(u.Trust)),
			slog.Int64("at", u.At),
		)
	} else {
		e.logger.Info("entitlement update rejected",
			slog.String("identity", u.Identity),
			slog.String("trust", string(u.Trust)),
			slog.Int64("at", u.At),
			slog.String("record_trust", string(rec.Trust)),
			slog.Int64("record_at", rec.UpdatedAt),
		)
	}
	return rec, applied, nil
}

// ApplyWebhook normalizes and reconciles a processor subscription status
// change. at is the processor-issued event timestamp, never the wall clock at
// receipt, so out-of-order delivery is detected.
func (e *Engine) ApplyWebhook(ctx context.Context, email, status string, at int64) (Record, bool, error) {
	u, err := FromSubscriptionStatus(email, status, at, e.usesLimit)
	if err != nil {
		return Record{}, false, err
	}
	return e.Apply(ctx, u)
}

// ApplyCheckout applies the provisional post-checkout unlock.
func (e *Engine) ApplyCheckout(ctx context.Context, email string) (Record, bool, error) {
	u, err := FromCheckout(email, e.now().Unix(), e.usesLimit)
	if err != nil {
		return Record{}, false, err
	}
	return e.Apply(ctx, u)
}

// ApplyLiveQuery applies a synchronous subscription lookup result.
func (e *Engine) ApplyLiveQuery(ctx context.Context, email string, active bool) (Record, bool, error) {
	u, err := FromLiveQuery(email, active, e.now().Unix(), e.usesLimit)
	if err != nil {
		return Record{}, false, err
	}
	return e.Apply(ctx, u)
}

// GrantPlus grants the plus plan with a full allowance reset at admin trust.
func (e *Engine) GrantPlus(ctx context.Context, email string) (Record, error) {
	return e.grant(ctx, email, PlanPlus)
}

// GrantTrial grants the trial plan with a full allowance reset at admin trust.
func (e *Engine) GrantTrial(ctx context.Context, email string) (Record, error) {
	return e.grant(ctx, email, PlanTrial)
}

func (e *Engine) grant(ctx context.Context, email string, plan Plan) (Record, error) {
	u, err := AdminGrant(email, plan, e.now().Unix(), e.usesLimit)
	if err != nil {
		return Record{}, err
	}
	rec, _, err := e.Apply(ctx, u)
	return rec, err
}

// Check is the access gate: it reads the record for identity and, when the
// plan entitles and allowance remains, decrements one use. Decision and
// decrement happen inside a single atomic store update so concurrent checks
// cannot double-spend the last unit.
func (e *Engine) Check(ctx context.Context, identity string) (Decision, error) {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return Decision{}, ErrMissingIdentity
	}

	var d Decision
	rec, err := e.store.Update(ctx, identity, func(cur Record) Record {
		switch {
		case !cur.Plan.Entitled():
			d = Decision{Reason: ReasonNotEntitled}
		case cur.UsesRemaining <= 0:
			d = Decision{Reason: ReasonLimitReached}
		default:
			cur.UsesRemaining--
			d = Decision{Allowed: true}
		}
		return cur
	})
	if err != nil {
		return Decision{}, err
	}
	d.Remaining = rec.UsesRemaining
	return d, nil
}

// Record returns the current record without metering.
func (e *Engine) Record(ctx context.Context, identity string) (Record, error) {
	return e.store.Get(ctx, NormalizeIdentity(identity))
}
