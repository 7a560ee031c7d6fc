package lock

import (
	"context"
	"time"
)

// Store is the durable record of checkout locks and idempotency mappings.
// Every mutating method is a single atomic conditional write; implementations
// must not rely on in-process locking for correctness.
type Store interface {
	// CreateActive inserts the idempotency record (l.CartID, l.IdempotencyKey) -> l.ID
	// and the active lock in one atomic write. The key is checked first
	// (ErrKeyExists), then the cart's active slot (ErrActiveExists). When
	// l.PreviousLockID is set the previous lock must be the cart's latest lock
	// and not already resumed (ErrChainForked).
	CreateActive(ctx context.Context, l *Lock) error

	// Get returns the lock or ErrNotFound.
	Get(ctx context.Context, id string) (*Lock, error)

	// ActiveByCart returns the row with state=active for the cart or ErrNotFound.
	// The row may carry a lapsed lease.
	ActiveByCart(ctx context.Context, cartID string) (*Lock, error)

	// LatestByCart returns the most recently created lock for the cart or ErrNotFound.
	LatestByCart(ctx context.Context, cartID string) (*Lock, error)

	// Idempotency returns the record for (cartID, key) or ErrNotFound.
	Idempotency(ctx context.Context, cartID, key string) (*IdempotencyRecord, error)

	// Extend moves expires_at forward to at least expiresAt and optionally
	// records a new phase. Conditional on state=active AND expires_at > now;
	// returns ErrStateMismatch when the condition fails and ErrNotFound when the
	// lock does not exist.
	Extend(ctx context.Context, id string, expiresAt time.Time, phase string, now time.Time) (*Lock, error)

	// Transition moves an active lock to t.To, sets the matching terminal
	// timestamp, frees the cart's active slot and caches the outcome on the
	// lock's idempotency record, all in one write. Conditional on state=active
	// (and expires_at <= t.ExpiredBefore when set); returns ErrStateMismatch
	// or ErrNotFound.
	Transition(ctx context.Context, id string, t Transition) (*Lock, error)

	// ListExpired returns up to limit active locks whose expires_at <= now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Lock, error)
}
