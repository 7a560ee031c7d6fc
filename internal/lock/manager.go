package lock

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-checkout-lock/internal/events"
	"github.com/imrishuroy/go-checkout-lock/internal/logging"
	"github.com/imrishuroy/go-checkout-lock/internal/metrics"
)

// Config holds the lease and resume timings.
type Config struct {
	LeaseDuration time.Duration
	ResumeWindow  time.Duration
}

func DefaultConfig() Config {
	return Config{
		LeaseDuration: 15 * time.Minute,
		ResumeWindow:  30 * time.Minute,
	}
}

// Manager enforces the lock state machine on top of a Store. It holds no
// in-process locks: every decision is an atomic conditional write.
type Manager struct {
	store   Store
	cfg     Config
	events  events.Publisher
	metrics *metrics.Metrics
	nowFunc func() time.Time
}

type Option func(*Manager)

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = now }
}

func NewManager(store Store, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		cfg:     cfg,
		events:  events.Nop{},
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) Store() Store { return m.store }

func (m *Manager) now() time.Time { return m.nowFunc().UTC() }

// AcquireRequest carries the caller identity explicitly; nothing is read from
// ambient request state.
type AcquireRequest struct {
	CartID          string
	SessionID       string
	UserID          string
	IdempotencyKey  string
	CartFingerprint string
	Phase           string
	Metadata        map[string]string
}

// Acquisition is the result of Acquire. Replayed is true when the key was
// already mapped and no new lock was written.
type Acquisition struct {
	Lock     *Lock
	Replayed bool
}

var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{8,255}$`)

// ValidateIdempotencyKey reports a ValidationError for malformed keys.
func ValidateIdempotencyKey(key string) error {
	if key == "" {
		return &ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	if !idempotencyKeyPattern.MatchString(key) {
		return &ValidationError{Field: "idempotency_key", Reason: "must be 8-255 characters of [A-Za-z0-9_.:-]"}
	}
	return nil
}

// Validate reports the first malformed field of req.
func (req AcquireRequest) Validate() error {
	if strings.TrimSpace(req.CartID) == "" {
		return &ValidationError{Field: "cart_id", Reason: "required"}
	}
	if len(req.CartID) > 128 {
		return &ValidationError{Field: "cart_id", Reason: "too long"}
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return &ValidationError{Field: "session_id", Reason: "required"}
	}
	if req.CartFingerprint == "" {
		return &ValidationError{Field: "cart_fingerprint", Reason: "required"}
	}
	return ValidateIdempotencyKey(req.IdempotencyKey)
}

// Acquire takes the cart's exclusive checkout lock. A retry with an already
// mapped key returns the original lock; a live lock held under another key
// yields LockConflictError. A lapsed active lock is expired and acquisition is
// retried once.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*Acquisition, error) {
	if err := req.Validate(); err != nil {
		m.metrics.Acquire(metrics.OutcomeInvalid)
		return nil, err
	}

	now := m.now()
	l := &Lock{
		ID:              uuid.NewString(),
		CartID:          req.CartID,
		SessionID:       req.SessionID,
		UserID:          stringPtr(req.UserID),
		IdempotencyKey:  req.IdempotencyKey,
		State:           StateActive,
		Phase:           req.Phase,
		LockedAt:        now,
		ExpiresAt:       now.Add(m.cfg.LeaseDuration),
		CartFingerprint: req.CartFingerprint,
		Metadata:        copyMetadata(req.Metadata),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	acq, err := m.create(ctx, l)
	if err != nil {
		var conflict *LockConflictError
		if errors.As(err, &conflict) {
			m.metrics.Acquire(metrics.OutcomeConflict)
		} else {
			m.metrics.Acquire(metrics.OutcomeError)
		}
		return nil, err
	}
	if acq.Replayed {
		m.metrics.Acquire(metrics.OutcomeReplayed)
		return acq, nil
	}

	m.metrics.Acquire(metrics.OutcomeCreated)
	m.publish(ctx, l, events.LockAcquired, "")
	logging.Log(logging.Fields{Step: "acquire", LockID: l.ID, CartID: l.CartID, Status: string(l.State)})
	return acq, nil
}

// create runs the conditional insert shared by Acquire and Resume.
func (m *Manager) create(ctx context.Context, l *Lock) (*Acquisition, error) {
	for attempt := 0; attempt < 2; attempt++ {
		err := m.store.CreateActive(ctx, l)
		switch {
		case err == nil:
			return &Acquisition{Lock: l}, nil

		case errors.Is(err, ErrKeyExists):
			existing, rerr := m.replay(ctx, l.CartID, l.IdempotencyKey)
			if rerr != nil {
				return nil, rerr
			}
			return &Acquisition{Lock: existing, Replayed: true}, nil

		case errors.Is(err, ErrActiveExists):
			holder, gerr := m.store.ActiveByCart(ctx, l.CartID)
			if errors.Is(gerr, ErrNotFound) {
				// released between the insert and the read
				continue
			}
			if gerr != nil {
				return nil, fmt.Errorf("read active lock for cart %s: %w", l.CartID, gerr)
			}
			if holder.IdempotencyKey == l.IdempotencyKey {
				return &Acquisition{Lock: holder, Replayed: true}, nil
			}
			if holder.ExpiresAt.After(m.now()) || attempt > 0 {
				return nil, &LockConflictError{CartID: l.CartID, LockID: holder.ID}
			}
			if _, xerr := m.Expire(ctx, holder); xerr != nil {
				return nil, xerr
			}

		case errors.Is(err, ErrChainForked):
			return nil, &ResumeNotAllowedError{LockID: deref(l.PreviousLockID), Reason: "a newer checkout exists for this cart"}

		default:
			return nil, fmt.Errorf("create lock for cart %s: %w", l.CartID, err)
		}
	}
	return nil, &LockConflictError{CartID: l.CartID}
}

func (m *Manager) replay(ctx context.Context, cartID, key string) (*Lock, error) {
	rec, err := m.store.Idempotency(ctx, cartID, key)
	if err != nil {
		return nil, fmt.Errorf("read idempotency record: %w", err)
	}
	return m.Get(ctx, rec.LockID)
}

// Get loads a lock, mapping a missing row to LockNotFoundError.
func (m *Manager) Get(ctx context.Context, id string) (*Lock, error) {
	l, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &LockNotFoundError{LockID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get lock %s: %w", id, err)
	}
	return l, nil
}

// Renew extends the lease of an active lock held by caller. phase, when non
// empty, records the sub-stage now executing. A lapsed or terminal lock is
// never resurrected.
func (m *Manager) Renew(ctx context.Context, id string, caller Caller, phase string) (*Lock, error) {
	l, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.HeldBy(caller) {
		return nil, &SessionMismatchError{LockID: id}
	}
	now := m.now()
	if l.State.IsTerminal() || !l.ExpiresAt.After(now) {
		return nil, &LockExpiredError{LockID: id, State: l.EffectiveState(now)}
	}

	updated, err := m.store.Extend(ctx, id, now.Add(m.cfg.LeaseDuration), phase, now)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		return nil, &LockNotFoundError{LockID: id}
	case errors.Is(err, ErrStateMismatch):
		return nil, m.expiredError(ctx, id)
	default:
		return nil, fmt.Errorf("renew lock %s: %w", id, err)
	}

	if phase != "" && phase != l.Phase {
		m.publish(ctx, updated, events.LockRenewed, "")
	}
	return updated, nil
}

// Complete commits the terminal success state. It must only be called once the
// order has been durably created; an already completed lock with the same
// order id is returned unchanged.
func (m *Manager) Complete(ctx context.Context, id string, caller Caller, res Result) (*Lock, error) {
	if res.OrderID == "" {
		return nil, &ValidationError{Field: "order_id", Reason: "required"}
	}
	l, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.HeldBy(caller) {
		return nil, &SessionMismatchError{LockID: id}
	}
	if l.State == StateCompleted && l.OrderID != nil && *l.OrderID == res.OrderID {
		return l, nil
	}
	return m.transition(ctx, l, Transition{
		To:       StateCompleted,
		At:       m.now(),
		OrderID:  res.OrderID,
		Metadata: res.Metadata,
	})
}

// Fail records a failed checkout. Non-internal callers may only cancel.
func (m *Manager) Fail(ctx context.Context, id string, caller Caller, reason string) (*Lock, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Reason: "required"}
	}
	if !caller.Internal && reason != ReasonCancelled {
		return nil, &ValidationError{Field: "reason", Reason: "clients may only cancel"}
	}
	l, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.HeldBy(caller) {
		return nil, &SessionMismatchError{LockID: id}
	}
	return m.transition(ctx, l, Transition{
		To:     StateFailed,
		At:     m.now(),
		Reason: reason,
	})
}

// Cancel fails the lock immediately with reason "cancelled".
func (m *Manager) Cancel(ctx context.Context, id string, caller Caller) (*Lock, error) {
	return m.Fail(ctx, id, caller, ReasonCancelled)
}

// Expire moves a lapsed active lock to expired. It reports false when the lock
// was concurrently completed, failed, expired or is not yet lapsed.
func (m *Manager) Expire(ctx context.Context, l *Lock) (bool, error) {
	now := m.now()
	if l.ExpiresAt.After(now) {
		return false, nil
	}
	_, err := m.transition(ctx, l, Transition{
		To:            StateExpired,
		At:            now,
		Reason:        ReasonLeaseExpired,
		ExpiredBefore: now,
	})
	var expired *LockExpiredError
	if errors.As(err, &expired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) transition(ctx context.Context, l *Lock, t Transition) (*Lock, error) {
	updated, err := m.store.Transition(ctx, l.ID, t)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		return nil, &LockNotFoundError{LockID: l.ID}
	case errors.Is(err, ErrStateMismatch):
		return nil, m.expiredError(ctx, l.ID)
	default:
		return nil, fmt.Errorf("transition lock %s to %s: %w", l.ID, t.To, err)
	}

	m.metrics.Transition(string(t.To))
	var evType events.Type
	switch t.To {
	case StateCompleted:
		evType = events.LockCompleted
	case StateFailed:
		evType = events.LockFailed
	default:
		evType = events.LockExpired
	}
	m.publish(ctx, updated, evType, t.Reason)
	logging.Log(logging.Fields{
		Step:       "transition",
		LockID:     updated.ID,
		CartID:     updated.CartID,
		Status:     string(updated.State),
		DurationMS: t.At.Sub(updated.LockedAt).Milliseconds(),
		Message:    t.Reason,
	})
	return updated, nil
}

func (m *Manager) expiredError(ctx context.Context, id string) error {
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return &LockExpiredError{LockID: id}
	}
	return &LockExpiredError{LockID: id, State: cur.EffectiveState(m.now())}
}

// ResumeRequest asks for a new active lock chained to a failed or expired one.
// CartFingerprint is the fingerprint of the cart as it is now.
type ResumeRequest struct {
	LockID          string
	Caller          Caller
	IdempotencyKey  string
	CartFingerprint string
}

// Resume creates a new active lock with previous_lock_id set, copying the
// phase. Only the newest lock of a cart can be resumed, only from failed or
// expired, only within the resume window and only if the cart is unchanged.
func (m *Manager) Resume(ctx context.Context, req ResumeRequest) (*Acquisition, error) {
	prev, err := m.Get(ctx, req.LockID)
	if err != nil {
		return nil, err
	}
	if !prev.HeldBy(req.Caller) {
		return nil, &SessionMismatchError{LockID: prev.ID}
	}

	now := m.now()
	if prev.State == StateActive {
		if prev.ExpiresAt.After(now) {
			return nil, &ResumeNotAllowedError{LockID: prev.ID, Reason: "checkout still active"}
		}
		if _, err := m.Expire(ctx, prev); err != nil {
			return nil, err
		}
		if prev, err = m.Get(ctx, req.LockID); err != nil {
			return nil, err
		}
	}
	if prev.State == StateCompleted {
		return nil, &ResumeNotAllowedError{LockID: prev.ID, Reason: "checkout already completed"}
	}
	if prev.State == StateActive {
		return nil, &ResumeNotAllowedError{LockID: prev.ID, Reason: "checkout still active"}
	}
	terminalAt := prev.TerminalAt(now)
	if terminalAt == nil || now.Sub(*terminalAt) >= m.cfg.ResumeWindow {
		return nil, &ResumeNotAllowedError{LockID: prev.ID, Reason: "resume window elapsed"}
	}
	if req.CartFingerprint != prev.CartFingerprint {
		return nil, &FingerprintMismatchError{LockID: prev.ID, Expected: prev.CartFingerprint, Actual: req.CartFingerprint}
	}

	key := req.IdempotencyKey
	if key == "" {
		key = "resume:" + prev.ID
	}
	if err := ValidateIdempotencyKey(key); err != nil {
		return nil, err
	}
	sessionID := prev.SessionID
	if req.Caller.SessionID != "" {
		sessionID = req.Caller.SessionID
	}

	next := &Lock{
		ID:              uuid.NewString(),
		CartID:          prev.CartID,
		SessionID:       sessionID,
		UserID:          prev.UserID,
		IdempotencyKey:  key,
		State:           StateActive,
		Phase:           prev.Phase,
		LockedAt:        now,
		ExpiresAt:       now.Add(m.cfg.LeaseDuration),
		CartFingerprint: prev.CartFingerprint,
		Metadata:        copyMetadata(prev.Metadata),
		PreviousLockID:  &prev.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	acq, err := m.create(ctx, next)
	if err != nil {
		return nil, err
	}
	if !acq.Replayed {
		m.publish(ctx, next, events.LockResumed, "")
		logging.Log(logging.Fields{Step: "resume", LockID: next.ID, CartID: next.CartID, Status: string(next.State), Message: "previous=" + prev.ID})
	}
	return acq, nil
}

// ActiveForCart returns the lock currently holding the cart, or nil. A lapsed
// active row is expired on the way (lazy expiry) and does not hold the cart.
func (m *Manager) ActiveForCart(ctx context.Context, cartID string) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		l, err := m.store.ActiveByCart(ctx, cartID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read active lock for cart %s: %w", cartID, err)
		}
		if l.ExpiresAt.After(m.now()) {
			return l, nil
		}
		expired, err := m.Expire(ctx, l)
		if err != nil {
			return nil, err
		}
		if expired {
			return nil, nil
		}
	}
	return nil, nil
}

// LatestForCart returns the newest lock for the cart, or nil.
func (m *Manager) LatestForCart(ctx context.Context, cartID string) (*Lock, error) {
	l, err := m.store.LatestByCart(ctx, cartID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest lock for cart %s: %w", cartID, err)
	}
	return l, nil
}

// Idempotency returns the record for (cartID, key), or nil.
func (m *Manager) Idempotency(ctx context.Context, cartID, key string) (*IdempotencyRecord, error) {
	rec, err := m.store.Idempotency(ctx, cartID, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency record: %w", err)
	}
	return rec, nil
}

func (m *Manager) publish(ctx context.Context, l *Lock, t events.Type, reason string) {
	ev := events.New(t, l.CartID)
	ev.LockID = l.ID
	ev.State = string(l.State)
	ev.Phase = l.Phase
	ev.Reason = reason
	if l.OrderID != nil {
		ev.OrderID = *l.OrderID
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		logging.Error("publish "+string(t), l.ID, l.CartID, err)
	}
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
