// Package pipeline runs the phase handlers of a checkout (pricing, payment,
// order creation) under an active lock and drives its terminal transition.
package pipeline

import (
	"context"
	"fmt"

	"github.com/imrishuroy/go-checkout-lock/internal/cart"
	"github.com/imrishuroy/go-checkout-lock/internal/lock"
)

// Job is the state a phase handler sees. Metadata accumulates the outputs of
// earlier phases and ends up on the completed lock.
type Job struct {
	Lock        *lock.Lock
	Cart        *cart.Cart
	Fingerprint string
	Metadata    map[string]string
}

// Phase is one external collaborator step. Returned values are merged into
// Job.Metadata.
type Phase interface {
	Name() string
	Run(ctx context.Context, job *Job) (map[string]string, error)
}

// OrderCreator is the final phase. CreateOrder must be idempotent per lock:
// calling it twice for the same lock returns the same order id and creates
// one order. The order is then confirmed once the lock is completed, or voided
// if the lock could not be.
type OrderCreator interface {
	CreateOrder(ctx context.Context, job *Job) (string, error)
	Confirm(ctx context.Context, orderID string) error
	Void(ctx context.Context, orderID string) error
}

// DownstreamFailure wraps a phase error. It is recorded as the lock's
// failure_reason and never returned to the caller of Runner.Run.
type DownstreamFailure struct {
	Phase string
	Err   error
}

func (e *DownstreamFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *DownstreamFailure) Unwrap() error { return e.Err }

// PhaseFunc adapts a function to Phase.
type PhaseFunc struct {
	PhaseName string
	Fn        func(ctx context.Context, job *Job) (map[string]string, error)
}

func (p PhaseFunc) Name() string { return p.PhaseName }

func (p PhaseFunc) Run(ctx context.Context, job *Job) (map[string]string, error) {
	return p.Fn(ctx, job)
}

// LocalPricing totals the cart in-process. It stands in for an external
// pricing service when none is configured.
type LocalPricing struct{}

func (LocalPricing) Name() string { return "pricing" }

func (LocalPricing) Run(_ context.Context, job *Job) (map[string]string, error) {
	if len(job.Cart.Lines) == 0 {
		return nil, fmt.Errorf("cart is empty")
	}
	return map[string]string{
		"subtotal": job.Cart.Subtotal().StringFixed(2),
		"currency": job.Cart.Currency,
	}, nil
}
