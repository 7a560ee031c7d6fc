package lock

import (
	"context"
	"errors"
	"time"
)

// Status is the derived view of a lock at an instant. It is computed, never
// stored.
type Status struct {
	IsActive    bool
	IsCompleted bool
	IsFailed    bool
	IsExpired   bool
	CanResume   bool
	// Duration is set once the lock is terminal: terminal timestamp minus locked_at.
	Duration *time.Duration
}

// Evaluate derives Status. An active row with a lapsed lease reports as
// expired. currentFingerprint is the cart's fingerprint now; an empty value
// means it is unknown and resume is not offered.
func Evaluate(l *Lock, now time.Time, resumeWindow time.Duration, currentFingerprint string) Status {
	state := l.EffectiveState(now)
	st := Status{
		IsActive:    state == StateActive,
		IsCompleted: state == StateCompleted,
		IsFailed:    state == StateFailed,
		IsExpired:   state == StateExpired,
	}
	terminalAt := l.TerminalAt(now)
	if terminalAt != nil {
		d := terminalAt.Sub(l.LockedAt)
		st.Duration = &d
	}
	if (st.IsFailed || st.IsExpired) && terminalAt != nil {
		st.CanResume = now.Sub(*terminalAt) < resumeWindow &&
			currentFingerprint != "" &&
			currentFingerprint == l.CartFingerprint
	}
	return st
}

// View is the JSON representation of a lock resource.
type View struct {
	ID              string            `json:"id"`
	CartID          string            `json:"cart_id"`
	SessionID       string            `json:"session_id"`
	UserID          *string           `json:"user_id"`
	State           State             `json:"state"`
	StateName       string            `json:"state_name"`
	Phase           string            `json:"phase"`
	LockedAt        time.Time         `json:"locked_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	CompletedAt     *time.Time        `json:"completed_at"`
	FailedAt        *time.Time        `json:"failed_at"`
	FailureReason   *string           `json:"failure_reason"`
	OrderID         *string           `json:"order_id"`
	PreviousLockID  *string           `json:"previous_lock_id"`
	Metadata        map[string]string `json:"metadata"`
	IsActive        bool              `json:"is_active"`
	IsCompleted     bool              `json:"is_completed"`
	IsFailed        bool              `json:"is_failed"`
	IsExpired       bool              `json:"is_expired"`
	CanResume       bool              `json:"can_resume"`
	DurationSeconds *float64          `json:"duration"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func NewView(l *Lock, now time.Time, resumeWindow time.Duration, currentFingerprint string) View {
	st := Evaluate(l, now, resumeWindow, currentFingerprint)
	state := l.EffectiveState(now)
	v := View{
		ID:             l.ID,
		CartID:         l.CartID,
		SessionID:      l.SessionID,
		UserID:         l.UserID,
		State:          state,
		StateName:      state.Name(),
		Phase:          l.Phase,
		LockedAt:       l.LockedAt,
		ExpiresAt:      l.ExpiresAt,
		CompletedAt:    l.CompletedAt,
		FailedAt:       l.FailedAt,
		FailureReason:  l.FailureReason,
		OrderID:        l.OrderID,
		PreviousLockID: l.PreviousLockID,
		Metadata:       l.Metadata,
		IsActive:       st.IsActive,
		IsCompleted:    st.IsCompleted,
		IsFailed:       st.IsFailed,
		IsExpired:      st.IsExpired,
		CanResume:      st.CanResume,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
	if v.Metadata == nil {
		v.Metadata = map[string]string{}
	}
	if st.Duration != nil {
		secs := st.Duration.Seconds()
		v.DurationSeconds = &secs
	}
	return v
}

// CartStatus answers "can this cart be checked out right now".
type CartStatus struct {
	CartID      string     `json:"cart_id"`
	Locked      bool       `json:"locked"`
	CanCheckout bool       `json:"can_checkout"`
	LockID      string     `json:"lock_id,omitempty"`
	State       State      `json:"state,omitempty"`
	StateName   string     `json:"state_name,omitempty"`
	Phase       string     `json:"phase,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IsCompleted bool       `json:"is_completed"`
	CanResume   bool       `json:"can_resume"`
	Message     string     `json:"message"`
}

// NewCartStatus builds the status from the cart's latest lock, which may be nil.
func NewCartStatus(cartID string, latest *Lock, now time.Time, resumeWindow time.Duration, currentFingerprint string) CartStatus {
	cs := CartStatus{CartID: cartID}
	if latest == nil {
		cs.CanCheckout = true
		cs.Message = "Cart is available for checkout"
		return cs
	}

	st := Evaluate(latest, now, resumeWindow, currentFingerprint)
	state := latest.EffectiveState(now)
	cs.LockID = latest.ID
	cs.State = state
	cs.StateName = state.Name()
	cs.Phase = latest.Phase
	cs.IsCompleted = st.IsCompleted
	cs.CanResume = st.CanResume

	switch {
	case st.IsActive:
		exp := latest.ExpiresAt
		cs.Locked = true
		cs.ExpiresAt = &exp
		cs.Message = "Checkout in progress"
	case st.IsCompleted:
		cs.Message = "Checkout already completed"
	case st.CanResume:
		cs.CanCheckout = true
		cs.Message = "Previous checkout can be resumed"
	default:
		cs.CanCheckout = true
		cs.Message = "Cart is available for checkout"
	}
	return cs
}

// Reporter reads locks and derives their status. It never writes.
type Reporter struct {
	store   Store
	window  time.Duration
	nowFunc func() time.Time
}

func NewReporter(store Store, resumeWindow time.Duration) *Reporter {
	return &Reporter{store: store, window: resumeWindow, nowFunc: time.Now}
}

// ReporterFor shares the manager's store, resume window and clock.
func ReporterFor(m *Manager) *Reporter {
	return &Reporter{store: m.store, window: m.cfg.ResumeWindow, nowFunc: m.nowFunc}
}

func (r *Reporter) now() time.Time { return r.nowFunc().UTC() }

// CartStatus reports on the cart's most recent lock.
func (r *Reporter) CartStatus(ctx context.Context, cartID, currentFingerprint string) (CartStatus, error) {
	latest, err := r.store.LatestByCart(ctx, cartID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return CartStatus{}, err
	}
	return NewCartStatus(cartID, latest, r.now(), r.window, currentFingerprint), nil
}

// Describe renders a lock resource.
func (r *Reporter) Describe(l *Lock, currentFingerprint string) View {
	return NewView(l, r.now(), r.window, currentFingerprint)
}
