package lock

import (
	"errors"
	"fmt"
)

// Store-level sentinels. Backends translate their native conflict signals into
// these; Manager turns them into the typed errors below.
var (
	ErrNotFound      = errors.New("not found")
	ErrActiveExists  = errors.New("cart already has an active lock")
	ErrKeyExists     = errors.New("idempotency key already mapped")
	ErrStateMismatch = errors.New("lock state mismatch/conditional failed")
	ErrChainForked   = errors.New("lock is not the head of its chain")
)

// LockConflictError means another holder owns the cart.
type LockConflictError struct {
	CartID string
	LockID string
}

func (e *LockConflictError) Error() string {
	if e.LockID == "" {
		return fmt.Sprintf("cart %s is locked by another checkout", e.CartID)
	}
	return fmt.Sprintf("cart %s is locked by checkout %s", e.CartID, e.LockID)
}

// LockNotFoundError means no lock with the given id exists.
type LockNotFoundError struct {
	LockID string
}

func (e *LockNotFoundError) Error() string {
	return fmt.Sprintf("checkout lock %s not found", e.LockID)
}

// LockExpiredError means an operation targeted a lock that no longer holds
// the cart: terminal, or active with a lapsed lease.
type LockExpiredError struct {
	LockID string
	State  State
}

func (e *LockExpiredError) Error() string {
	return fmt.Sprintf("checkout lock %s is no longer active (state=%s)", e.LockID, e.State)
}

// SessionMismatchError means the caller does not own the lock.
type SessionMismatchError struct {
	LockID string
}

func (e *SessionMismatchError) Error() string {
	return fmt.Sprintf("checkout lock %s belongs to another session", e.LockID)
}

// FingerprintMismatchError means the cart changed since the lock was taken.
type FingerprintMismatchError struct {
	LockID   string
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("cart changed since checkout lock %s was taken", e.LockID)
}

// ResumeNotAllowedError means the lock is not eligible for resumption.
type ResumeNotAllowedError struct {
	LockID string
	Reason string
}

func (e *ResumeNotAllowedError) Error() string {
	return fmt.Sprintf("checkout lock %s cannot be resumed: %s", e.LockID, e.Reason)
}

// ValidationError is a malformed request: missing cart id, bad idempotency key.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
