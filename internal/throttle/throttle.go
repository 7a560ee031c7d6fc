// Package throttle rate-limits checkout initiation per client and per cart.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/imrishuroy/go-checkout-lock/internal/metrics"
)

// Scopes of the two tiers.
const (
	ScopeClient = "client"
	ScopeCart   = "cart"
)

// Window is a sliding-window counter snapshot: hits in the slot starting at
// Start plus the total of the slot just before it.
type Window struct {
	Count int
	Prev  int
	Start time.Time
}

// Advance applies one hit at now. Slots stay aligned to the first one, so a
// hit in the following slot keeps the old count as Prev. After a full idle
// slot the counter starts over.
func Advance(w Window, length time.Duration, now time.Time) Window {
	switch {
	case w.Start.IsZero() || length <= 0:
		return Window{Count: 1, Start: now}
	case now.Before(w.Start.Add(length)):
		return Window{Count: w.Count + 1, Prev: w.Prev, Start: w.Start}
	case now.Before(w.Start.Add(2 * length)):
		return Window{Count: 1, Prev: w.Count, Start: w.Start.Add(length)}
	default:
		return Window{Count: 1, Start: now}
	}
}

// overlap is how much of the previous slot still falls inside the trailing
// window ending at now.
func (w Window) overlap(length time.Duration, now time.Time) time.Duration {
	d := length - now.Sub(w.Start)
	if d < 0 {
		return 0
	}
	if d > length {
		return length
	}
	return d
}

// Exceeds reports whether the trailing-window estimate at now, Prev weighted
// by its overlap plus Count, is above limit.
func (w Window) Exceeds(limit int, length time.Duration, now time.Time) bool {
	if length <= 0 {
		return w.Count > limit
	}
	weighted := int64(w.Prev)*int64(w.overlap(length, now)) + int64(w.Count)*int64(length)
	return weighted > int64(limit)*int64(length)
}

// Counter atomically applies one hit to the window stored under key and
// returns the result. Implementations live next to the lock stores.
type Counter interface {
	Hit(ctx context.Context, key string, length time.Duration, now time.Time) (Window, error)
}

type Limit struct {
	Max    int
	Window time.Duration
}

type Config struct {
	Client Limit
	Cart   Limit
}

func DefaultConfig() Config {
	return Config{
		Client: Limit{Max: 10, Window: time.Minute},
		Cart:   Limit{Max: 5, Window: time.Minute},
	}
}

// ThrottledError is returned when either tier is exhausted.
type ThrottledError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many checkout attempts for this %s, retry in %s", e.Scope, e.RetryAfter.Round(time.Second))
}

// Gate counts every attempt against both tiers and rejects once either
// exceeds its limit. It runs before any lock or idempotency record is written.
type Gate struct {
	counter Counter
	cfg     Config
	metrics *metrics.Metrics
	nowFunc func() time.Time
}

func NewGate(counter Counter, cfg Config, m *metrics.Metrics) *Gate {
	return &Gate{counter: counter, cfg: cfg, metrics: m, nowFunc: time.Now}
}

// WithClock is used by tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.nowFunc = now
	return g
}

// Allow records one attempt by clientID against cartID.
func (g *Gate) Allow(ctx context.Context, clientID, cartID string) error {
	now := g.nowFunc().UTC()

	client, err := g.counter.Hit(ctx, ScopeClient+":"+clientID, g.cfg.Client.Window, now)
	if err != nil {
		return fmt.Errorf("throttle client: %w", err)
	}
	cart, err := g.counter.Hit(ctx, ScopeCart+":"+cartID, g.cfg.Cart.Window, now)
	if err != nil {
		return fmt.Errorf("throttle cart: %w", err)
	}

	if g.cfg.Client.Max > 0 && client.Exceeds(g.cfg.Client.Max, g.cfg.Client.Window, now) {
		g.metrics.Throttle(ScopeClient)
		return &ThrottledError{Scope: ScopeClient, RetryAfter: retryAfter(client, g.cfg.Client, now)}
	}
	if g.cfg.Cart.Max > 0 && cart.Exceeds(g.cfg.Cart.Max, g.cfg.Cart.Window, now) {
		g.metrics.Throttle(ScopeCart)
		return &ThrottledError{Scope: ScopeCart, RetryAfter: retryAfter(cart, g.cfg.Cart, now)}
	}
	return nil
}

// retryAfter is the wait until one more hit fits under the limit. While the
// current slot has room that is when Prev has decayed enough; otherwise the
// current slot becomes Prev and has to decay in turn.
func retryAfter(w Window, l Limit, now time.Time) time.Duration {
	var at time.Time
	switch {
	case l.Window <= 0:
		at = now
	case w.Count < l.Max && w.Prev > 0:
		at = w.Start.Add(l.Window - time.Duration(int64(l.Max-w.Count-1)*int64(l.Window)/int64(w.Prev)))
	default:
		at = w.Start.Add(2*l.Window - time.Duration(int64(l.Max-1)*int64(l.Window)/int64(w.Count)))
	}
	d := at.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}
