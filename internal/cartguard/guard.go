// Package cartguard rejects cart mutations while a checkout holds the cart.
package cartguard

import (
	"context"

	"github.com/imrishuroy/go-checkout-lock/internal/lock"
)

// ActiveLocks returns the lock currently holding a cart, or nil.
// *lock.Manager satisfies it and expires lapsed rows on the way.
type ActiveLocks interface {
	ActiveForCart(ctx context.Context, cartID string) (*lock.Lock, error)
}

type Guard struct {
	locks ActiveLocks
}

func New(locks ActiveLocks) *Guard {
	return &Guard{locks: locks}
}

// Check returns a LockConflictError when any session, the holder included,
// has an active checkout on cartID. The holder must cancel first.
func (g *Guard) Check(ctx context.Context, cartID string) error {
	l, err := g.locks.ActiveForCart(ctx, cartID)
	if err != nil {
		return err
	}
	if l != nil {
		return &lock.LockConflictError{CartID: cartID, LockID: l.ID}
	}
	return nil
}
