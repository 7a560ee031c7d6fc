package cart

import (
	"context"
	"sync"
	"time"

	"github.com/imrishuroy/go-checkout-lock/internal/events"
)

// FingerprintCache remembers the last computed fingerprint per cart, tagged
// with the cart's Version and UpdatedAt. An entry only answers for the exact
// row it was computed from, so a write made by another process is never hidden.
// cart.changed events evict entries so the map does not hold dead carts.
type FingerprintCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	version     int64
	updatedAt   time.Time
	fingerprint string
}

func NewFingerprintCache() *FingerprintCache {
	return &FingerprintCache{entries: map[string]cacheEntry{}}
}

func (c *FingerprintCache) get(cart *Cart) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cart.ID]
	if !ok || e.version != cart.Version || !e.updatedAt.Equal(cart.UpdatedAt) {
		return "", false
	}
	return e.fingerprint, true
}

func (c *FingerprintCache) put(cart *Cart, fp string) {
	c.mu.Lock()
	c.entries[cart.ID] = cacheEntry{version: cart.Version, updatedAt: cart.UpdatedAt, fingerprint: fp}
	c.mu.Unlock()
}

// Invalidate drops the cached fingerprint for a cart.
func (c *FingerprintCache) Invalidate(cartID string) {
	c.mu.Lock()
	delete(c.entries, cartID)
	c.mu.Unlock()
}

// Len is the number of cached carts.
func (c *FingerprintCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Publish implements events.Publisher so the cache can sit in a fan-out next
// to the external transports.
func (c *FingerprintCache) Publish(_ context.Context, ev events.Event) error {
	if ev.Type == events.CartChanged {
		c.Invalidate(ev.CartID)
	}
	return nil
}

// Listen applies invalidations from sub until ctx is done or sub is closed.
func (c *FingerprintCache) Listen(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			_ = c.Publish(ctx, ev)
		}
	}
}
