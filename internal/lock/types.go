package lock

import "time"

// State is the lifecycle state of a single CheckoutLock row.
type State string

// Lock states. Active is the only non-terminal state.
const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

// IsTerminal reports whether no further transition may happen from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateExpired
}

// Name is the human readable label exposed as state_name.
func (s State) Name() string {
	switch s {
	case StateActive:
		return "Checkout in progress"
	case StateCompleted:
		return "Checkout completed"
	case StateFailed:
		return "Checkout failed"
	case StateExpired:
		return "Checkout expired"
	default:
		return "Unknown"
	}
}

func (s State) String() string { return string(s) }

// ReasonCancelled is the failure reason recorded for explicit cancellation.
const ReasonCancelled = "cancelled"

// ReasonLeaseExpired is the outcome cached on an idempotency record whose lock lapsed.
const ReasonLeaseExpired = "lease expired"

// Lock is a CheckoutLock row. Rows are never deleted; a resumed checkout
// gets a new row pointing back through PreviousLockID.
type Lock struct {
	ID              string            `json:"id"`
	CartID          string            `json:"cart_id"`
	SessionID       string            `json:"session_id"`
	UserID          *string           `json:"user_id"`
	IdempotencyKey  string            `json:"idempotency_key"`
	State           State             `json:"state"`
	Phase           string            `json:"phase"`
	LockedAt        time.Time         `json:"locked_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	CompletedAt     *time.Time        `json:"completed_at"`
	FailedAt        *time.Time        `json:"failed_at"`
	FailureReason   *string           `json:"failure_reason"`
	OrderID         *string           `json:"order_id"`
	CartFingerprint string            `json:"cart_fingerprint"`
	Metadata        map[string]string `json:"metadata"`
	PreviousLockID  *string           `json:"previous_lock_id"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TerminalAt returns the timestamp the lock stopped holding the cart, or nil
// while it still does. A lapsed active lock counts as terminal at ExpiresAt.
func (l *Lock) TerminalAt(now time.Time) *time.Time {
	switch l.State {
	case StateCompleted:
		return l.CompletedAt
	case StateFailed:
		return l.FailedAt
	case StateExpired:
		t := l.ExpiresAt
		return &t
	case StateActive:
		if !l.ExpiresAt.After(now) {
			t := l.ExpiresAt
			return &t
		}
	}
	return nil
}

// EffectiveState reports expired for an active row whose lease has lapsed.
func (l *Lock) EffectiveState(now time.Time) State {
	if l.State == StateActive && !l.ExpiresAt.After(now) {
		return StateExpired
	}
	return l.State
}

// HeldBy reports whether c may act on l as its holder.
func (l *Lock) HeldBy(c Caller) bool {
	if c.Internal {
		return true
	}
	if c.SessionID != "" && c.SessionID == l.SessionID {
		return true
	}
	return c.UserID != "" && l.UserID != nil && *l.UserID == c.UserID
}

// Caller identifies who is invoking a LockManager operation. Internal callers
// (pipeline, sweeper, ops tooling) skip the ownership check.
type Caller struct {
	SessionID string
	UserID    string
	Internal  bool
}

// System is the Caller used by in-process collaborators.
var System = Caller{Internal: true}

// IdempotencyRecord maps (cart_id, key) to the lock created for it and, once
// that lock is terminal, caches its outcome.
type IdempotencyRecord struct {
	CartID        string     `json:"cart_id"`
	Key           string     `json:"idempotency_key"`
	LockID        string     `json:"lock_id"`
	OutcomeState  State      `json:"outcome_state,omitempty"`
	OrderID       string     `json:"order_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the outcome has been cached.
func (r *IdempotencyRecord) Resolved() bool {
	return r.OutcomeState != ""
}

// Transition describes a move from active to a terminal state.
type Transition struct {
	To       State
	At       time.Time
	Reason   string
	OrderID  string
	Metadata map[string]string

	// ExpiredBefore, when set, additionally requires expires_at <= ExpiredBefore
	// so an expiry cannot overtake a concurrent renew.
	ExpiredBefore time.Time
}

// Result is what a successful checkout pipeline hands to Complete.
type Result struct {
	OrderID  string
	Metadata map[string]string
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time { return &t }
