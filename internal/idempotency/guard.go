// Package idempotency deduplicates retried checkout-initiation requests keyed
// by (cart, client-supplied key).
package idempotency

import (
	"context"
	"fmt"

	"github.com/imrishuroy/go-checkout-lock/internal/lock"
)

// Status values reported for a key.
const (
	StatusCreated    = "created"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
)

// Outcome is what a checkout-initiation request gets back. For a terminal
// lock OrderID or FailureReason is the cached outcome of the original attempt.
type Outcome struct {
	Status        string
	Lock          *lock.Lock
	OrderID       string
	FailureReason string
	Replayed      bool
}

// Guard wraps LockManager.Acquire. A key that is already mapped never creates
// a second lock and never reruns the pipeline.
type Guard struct {
	manager *lock.Manager
}

func NewGuard(m *lock.Manager) *Guard {
	return &Guard{manager: m}
}

// Begin returns the cached outcome for a known key or acquires a new lock.
func (g *Guard) Begin(ctx context.Context, req lock.AcquireRequest) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	caller := lock.Caller{SessionID: req.SessionID, UserID: req.UserID}

	rec, err := g.manager.Idempotency(ctx, req.CartID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return g.replay(ctx, rec, caller)
	}

	acq, err := g.manager.Acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	if !acq.Replayed {
		return &Outcome{Status: StatusCreated, Lock: acq.Lock}, nil
	}

	// lost a race with a concurrent request for the same key
	rec, err = g.manager.Idempotency(ctx, req.CartID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return outcomeFromLock(acq.Lock, caller)
	}
	return g.replay(ctx, rec, caller)
}

// Lookup reports the outcome for a key without acquiring anything. It returns
// nil when the key is unknown.
func (g *Guard) Lookup(ctx context.Context, cartID, key string, caller lock.Caller) (*Outcome, error) {
	rec, err := g.manager.Idempotency(ctx, cartID, key)
	if err != nil || rec == nil {
		return nil, err
	}
	return g.replay(ctx, rec, caller)
}

func (g *Guard) replay(ctx context.Context, rec *lock.IdempotencyRecord, caller lock.Caller) (*Outcome, error) {
	l, err := g.manager.Get(ctx, rec.LockID)
	if err != nil {
		return nil, fmt.Errorf("load lock for key %s: %w", rec.Key, err)
	}
	if !l.HeldBy(caller) {
		return nil, &lock.SessionMismatchError{LockID: l.ID}
	}

	if rec.Resolved() {
		return &Outcome{
			Status:        statusFor(rec.OutcomeState),
			Lock:          l,
			OrderID:       rec.OrderID,
			FailureReason: rec.FailureReason,
			Replayed:      true,
		}, nil
	}

	if l.State == lock.StateActive {
		expired, err := g.manager.Expire(ctx, l)
		if err != nil {
			return nil, err
		}
		if expired {
			if l, err = g.manager.Get(ctx, l.ID); err != nil {
				return nil, err
			}
		}
	}
	out, err := outcomeFromLock(l, caller)
	if err != nil {
		return nil, err
	}
	out.Replayed = true
	return out, nil
}

func outcomeFromLock(l *lock.Lock, caller lock.Caller) (*Outcome, error) {
	if !l.HeldBy(caller) {
		return nil, &lock.SessionMismatchError{LockID: l.ID}
	}
	out := &Outcome{Status: statusFor(l.State), Lock: l, Replayed: true}
	if l.State == lock.StateActive {
		out.Status = StatusProcessing
	}
	if l.OrderID != nil {
		out.OrderID = *l.OrderID
	}
	if l.FailureReason != nil {
		out.FailureReason = *l.FailureReason
	}
	if l.State == lock.StateExpired && out.FailureReason == "" {
		out.FailureReason = lock.ReasonLeaseExpired
	}
	return out, nil
}

func statusFor(s lock.State) string {
	switch s {
	case lock.StateCompleted:
		return StatusCompleted
	case lock.StateFailed:
		return StatusFailed
	case lock.StateExpired:
		return StatusExpired
	default:
		return StatusProcessing
	}
}
