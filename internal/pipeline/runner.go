package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/imrishuroy/go-checkout-lock/internal/cart"
	"github.com/imrishuroy/go-checkout-lock/internal/lock"
	"github.com/imrishuroy/go-checkout-lock/internal/logging"
)

// ReasonCartChanged is recorded when the cart no longer matches the lock's
// fingerprint by the time the order would be created.
const ReasonCartChanged = "cart changed during checkout"

// CartSource supplies the current cart and its fingerprint.
type CartSource interface {
	Snapshot(ctx context.Context, cartID string, caller lock.Caller) (*cart.Cart, string, error)
}

type Runner struct {
	manager   *lock.Manager
	carts     CartSource
	phases    []Phase
	orders    OrderCreator
	heartbeat time.Duration
}

func NewRunner(m *lock.Manager, carts CartSource, orders OrderCreator, heartbeat time.Duration, phases ...Phase) *Runner {
	if heartbeat <= 0 {
		heartbeat = time.Minute
	}
	return &Runner{
		manager:   m,
		carts:     carts,
		phases:    phases,
		orders:    orders,
		heartbeat: heartbeat,
	}
}

// Run executes every phase for lockID and then completes or fails the lock.
// Phase failures end up as the lock's failure reason; the returned error is
// only for store or infrastructure problems that left the lock untouched.
// A lock that is no longer active is returned as is.
func (r *Runner) Run(ctx context.Context, lockID string) (*lock.Lock, error) {
	l, err := r.manager.Get(ctx, lockID)
	if err != nil {
		return nil, err
	}
	if l.State != lock.StateActive {
		log.Printf("[pipeline] lock=%s already %s, skipping", l.ID, l.State)
		return l, nil
	}

	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	hb := &heartbeat{runner: r, lockID: l.ID, phase: l.Phase, cancel: cancel}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hb.loop(runCtx, r.heartbeat)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	out, err := r.execute(runCtx, hb, l)
	if hb.lostErr() != nil {
		logging.Log(logging.Fields{Step: "pipeline", LockID: l.ID, CartID: l.CartID, Status: "lease_lost", Error: hb.lostErr().Error()})
		cur, gerr := r.manager.Get(ctx, l.ID)
		if gerr != nil {
			return nil, gerr
		}
		return cur, nil
	}
	if err != nil {
		return nil, err
	}
	logging.Log(logging.Fields{
		Step:       "pipeline",
		LockID:     out.ID,
		CartID:     out.CartID,
		Status:     string(out.State),
		DurationMS: time.Since(start).Milliseconds(),
	})
	return out, nil
}

func (r *Runner) execute(ctx context.Context, hb *heartbeat, l *lock.Lock) (*lock.Lock, error) {
	c, fp, err := r.carts.Snapshot(ctx, l.CartID, lock.System)
	if err != nil {
		return r.fail(ctx, l, &DownstreamFailure{Phase: "cart", Err: err})
	}
	if fp != l.CartFingerprint {
		return r.fail(ctx, l, errors.New(ReasonCartChanged))
	}

	job := &Job{Lock: l, Cart: c, Fingerprint: fp, Metadata: map[string]string{}}
	for k, v := range l.Metadata {
		job.Metadata[k] = v
	}

	for _, p := range r.phases {
		if err := hb.enter(ctx, p.Name()); err != nil {
			return nil, err
		}
		out, err := p.Run(ctx, job)
		if err != nil {
			return r.fail(ctx, l, &DownstreamFailure{Phase: p.Name(), Err: err})
		}
		for k, v := range out {
			job.Metadata[k] = v
		}
	}

	// the cart must still be what was priced and paid for
	_, now, err := r.carts.Snapshot(ctx, l.CartID, lock.System)
	if err != nil {
		return r.fail(ctx, l, &DownstreamFailure{Phase: "cart", Err: err})
	}
	if now != l.CartFingerprint {
		return r.fail(ctx, l, errors.New(ReasonCartChanged))
	}

	if err := hb.enter(ctx, "order"); err != nil {
		return nil, err
	}
	orderID, err := r.orders.CreateOrder(ctx, job)
	if err != nil {
		return r.fail(ctx, l, &DownstreamFailure{Phase: "order", Err: err})
	}

	done, err := r.manager.Complete(ctx, l.ID, lock.System, lock.Result{OrderID: orderID, Metadata: job.Metadata})
	if err != nil {
		var expired *lock.LockExpiredError
		if errors.As(err, &expired) {
			if verr := r.orders.Void(ctx, orderID); verr != nil {
				log.Printf("[pipeline] void order=%s: %v", orderID, verr)
			}
		}
		return nil, fmt.Errorf("complete lock %s with order %s: %w", l.ID, orderID, err)
	}
	if err := r.orders.Confirm(ctx, orderID); err != nil {
		log.Printf("[pipeline] confirm order=%s: %v", orderID, err)
	}
	return done, nil
}

func (r *Runner) fail(ctx context.Context, l *lock.Lock, cause error) (*lock.Lock, error) {
	failed, err := r.manager.Fail(ctx, l.ID, lock.System, cause.Error())
	var expired *lock.LockExpiredError
	if errors.As(err, &expired) {
		// someone else already ended it
		return r.manager.Get(ctx, l.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("fail lock %s (%v): %w", l.ID, cause, err)
	}
	return failed, nil
}

// heartbeat renews the lease on a ticker and whenever a phase starts. Losing
// the lease cancels the run.
type heartbeat struct {
	runner *Runner
	lockID string
	cancel context.CancelFunc

	mu    sync.Mutex
	phase string
	lost  error
}

func (h *heartbeat) enter(ctx context.Context, phase string) error {
	h.mu.Lock()
	h.phase = phase
	h.mu.Unlock()
	return h.renew(ctx, phase)
}

func (h *heartbeat) loop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			phase := h.phase
			h.mu.Unlock()
			if err := h.renew(ctx, phase); err != nil && ctx.Err() == nil {
				log.Printf("[pipeline] heartbeat lock=%s: %v", h.lockID, err)
			}
		}
	}
}

func (h *heartbeat) renew(ctx context.Context, phase string) error {
	_, err := h.runner.manager.Renew(ctx, h.lockID, lock.System, phase)
	var expired *lock.LockExpiredError
	var missing *lock.LockNotFoundError
	if errors.As(err, &expired) || errors.As(err, &missing) {
		h.mu.Lock()
		if h.lost == nil {
			h.lost = err
		}
		h.mu.Unlock()
		h.cancel()
	}
	return err
}

func (h *heartbeat) lostErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lost
}
