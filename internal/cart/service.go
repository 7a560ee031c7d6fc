package cart

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-checkout-lock/internal/events"
	"github.com/imrishuroy/go-checkout-lock/internal/lock"
)

// Guard rejects a mutation while the cart is held by a checkout.
type Guard interface {
	Check(ctx context.Context, cartID string) error
}

const defaultCurrency = "USD"

type Service struct {
	repo    Repository
	guard   Guard
	events  events.Publisher
	cache   *FingerprintCache
	nowFunc func() time.Time
}

type Option func(*Service)

// WithPublisher sets where cart.changed events go.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithCache(c *FingerprintCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFunc = now }
}

func NewService(repo Repository, guard Guard, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		guard:   guard,
		events:  events.Nop{},
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cart if caller owns it.
func (s *Service) Get(ctx context.Context, cartID string, caller lock.Caller) (*Cart, error) {
	c, err := s.repo.Get(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if !caller.Internal && !c.OwnedBy(caller.SessionID, caller.UserID) {
		return nil, ErrNotOwner
	}
	return c, nil
}

// Snapshot returns the current cart with its fingerprint. It is what the
// checkout lock is taken against.
func (s *Service) Snapshot(ctx context.Context, cartID string, caller lock.Caller) (*Cart, string, error) {
	c, err := s.Get(ctx, cartID, caller)
	if err != nil {
		return nil, "", err
	}
	fp := c.Fingerprint()
	if s.cache != nil {
		s.cache.put(c, fp)
	}
	return c, fp, nil
}

// Fingerprint returns the fingerprint of the cart as stored now. The row is
// always read; only the hash is reused when the version is unchanged.
func (s *Service) Fingerprint(ctx context.Context, cartID string) (string, error) {
	c, err := s.repo.Get(ctx, cartID)
	if err != nil {
		return "", err
	}
	return s.fingerprintOf(c), nil
}

func (s *Service) fingerprintOf(c *Cart) string {
	if s.cache == nil {
		return c.Fingerprint()
	}
	if fp, ok := s.cache.get(c); ok {
		return fp
	}
	fp := c.Fingerprint()
	s.cache.put(c, fp)
	return fp
}

// AddLine adds quantity units of sku, creating the cart for caller on first use.
func (s *Service) AddLine(ctx context.Context, cartID string, caller lock.Caller, sku string, quantity int, unitPrice decimal.Decimal) (*Cart, error) {
	if quantity <= 0 {
		return nil, &lock.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if unitPrice.IsNegative() {
		return nil, &lock.ValidationError{Field: "unit_price", Reason: "must not be negative"}
	}
	return s.mutate(ctx, cartID, caller, true, func(c *Cart, now time.Time) error {
		if i := c.line(sku); i >= 0 {
			c.Lines[i].Quantity += quantity
			c.Lines[i].UnitPrice = unitPrice
			return nil
		}
		c.Lines = append(c.Lines, Line{CartID: c.ID, SKU: sku, Quantity: quantity, UnitPrice: unitPrice, AddedAt: now})
		return nil
	})
}

// SetQuantity replaces the quantity of an existing line; zero removes it.
func (s *Service) SetQuantity(ctx context.Context, cartID string, caller lock.Caller, sku string, quantity int) (*Cart, error) {
	if quantity < 0 {
		return nil, &lock.ValidationError{Field: "quantity", Reason: "must not be negative"}
	}
	return s.mutate(ctx, cartID, caller, false, func(c *Cart, _ time.Time) error {
		i := c.line(sku)
		if i < 0 {
			return ErrNoLine
		}
		if quantity == 0 {
			c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
			return nil
		}
		c.Lines[i].Quantity = quantity
		return nil
	})
}

func (s *Service) RemoveLine(ctx context.Context, cartID string, caller lock.Caller, sku string) (*Cart, error) {
	return s.SetQuantity(ctx, cartID, caller, sku, 0)
}

func (s *Service) ApplyDiscount(ctx context.Context, cartID string, caller lock.Caller, code string) (*Cart, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, &lock.ValidationError{Field: "code", Reason: "is required"}
	}
	return s.mutate(ctx, cartID, caller, false, func(c *Cart, _ time.Time) error {
		c.DiscountCode = &code
		return nil
	})
}

func (s *Service) RemoveDiscount(ctx context.Context, cartID string, caller lock.Caller) (*Cart, error) {
	return s.mutate(ctx, cartID, caller, false, func(c *Cart, _ time.Time) error {
		c.DiscountCode = nil
		return nil
	})
}

func (s *Service) SetAddress(ctx context.Context, cartID string, caller lock.Caller, addr Address) (*Cart, error) {
	if strings.TrimSpace(addr.Line1) == "" || strings.TrimSpace(addr.Country) == "" {
		return nil, &lock.ValidationError{Field: "address", Reason: "line1 and country are required"}
	}
	return s.mutate(ctx, cartID, caller, true, func(c *Cart, _ time.Time) error {
		c.Address = addr
		return nil
	})
}

// mutate runs fn on the cart after CartGuard admits it, persists the result
// and announces the change. create allows an unknown cart to be started for
// caller.
func (s *Service) mutate(ctx context.Context, cartID string, caller lock.Caller, create bool, fn func(*Cart, time.Time) error) (*Cart, error) {
	if cartID == "" {
		return nil, &lock.ValidationError{Field: "cart_id", Reason: "is required"}
	}
	if err := s.guard.Check(ctx, cartID); err != nil {
		return nil, err
	}

	now := s.nowFunc().UTC()
	c, err := s.repo.Get(ctx, cartID)
	switch {
	case errors.Is(err, ErrNotFound) && create && caller.SessionID != "":
		c = &Cart{ID: cartID, SessionID: caller.SessionID, Currency: defaultCurrency, CreatedAt: now}
		if caller.UserID != "" {
			uid := caller.UserID
			c.UserID = &uid
		}
	case err != nil:
		return nil, err
	case !caller.Internal && !c.OwnedBy(caller.SessionID, caller.UserID):
		return nil, ErrNotOwner
	}

	if err := fn(c, now); err != nil {
		return nil, err
	}
	c.UpdatedAt = now
	c.Version++
	if err := s.repo.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("save cart: %w", err)
	}

	ev := events.New(events.CartChanged, cartID)
	if err := s.events.Publish(ctx, ev); err != nil {
		// the change is committed; subscribers can recompute from the store
		log.Printf("[cart] publish %s for %s: %v", ev.Type, cartID, err)
	}
	return c, nil
}
