package cart_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-checkout-lock/internal/cart"
	"github.com/imrishuroy/go-checkout-lock/internal/cartguard"
	"github.com/imrishuroy/go-checkout-lock/internal/events"
	"github.com/imrishuroy/go-checkout-lock/internal/lock"
	"github.com/imrishuroy/go-checkout-lock/internal/store/boltstore"
)

type fixture struct {
	svc     *cart.Service
	manager *lock.Manager
	cache   *cart.FingerprintCache
	bus     *events.Bus
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := boltstore.New(filepath.Join(t.TempDir(), "cart.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		cache: cart.NewFingerprintCache(),
		bus:   events.NewBus(),
		now:   time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.manager = lock.NewManager(store, lock.DefaultConfig(), lock.WithClock(clock))
	f.svc = cart.NewService(store.Carts(), cartguard.New(f.manager),
		cart.WithCache(f.cache),
		cart.WithPublisher(f.bus),
		cart.WithClock(clock),
	)
	return f
}

var owner = lock.Caller{SessionID: "sess-a"}

func TestMutationRejectedWhileLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AddLine(ctx, "cart-1", owner, "sku-1", 1, decimal.RequireFromString("9.99")); err != nil {
		t.Fatalf("add line: %v", err)
	}
	_, fp, err := f.svc.Snapshot(ctx, "cart-1", owner)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	acq, err := f.manager.Acquire(ctx, lock.AcquireRequest{
		CartID:          "cart-1",
		SessionID:       "sess-a",
		IdempotencyKey:  "key-00000001",
		CartFingerprint: fp,
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// remove runs last so the line the quantity change targets still exists
	mutations := []struct {
		name   string
		mutate func() error
	}{
		{"add", func() error {
			_, err := f.svc.AddLine(ctx, "cart-1", owner, "sku-2", 1, decimal.NewFromInt(5))
			return err
		}},
		{"quantity", func() error {
			_, err := f.svc.SetQuantity(ctx, "cart-1", owner, "sku-1", 3)
			return err
		}},
		{"discount", func() error {
			_, err := f.svc.ApplyDiscount(ctx, "cart-1", owner, "SPRING10")
			return err
		}},
		{"address", func() error {
			_, err := f.svc.SetAddress(ctx, "cart-1", owner, cart.Address{Line1: "1 Main St", Country: "US"})
			return err
		}},
		{"remove", func() error {
			_, err := f.svc.RemoveLine(ctx, "cart-1", owner, "sku-1")
			return err
		}},
	}
	for _, m := range mutations {
		var conflict *lock.LockConflictError
		if err := m.mutate(); !errors.As(err, &conflict) || conflict.LockID != acq.Lock.ID {
			t.Fatalf("%s: expected LockConflictError, got %v", m.name, err)
		}
	}

	if _, err := f.manager.Cancel(ctx, acq.Lock.ID, owner); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, m := range mutations {
		if err := m.mutate(); err != nil {
			t.Fatalf("%s after cancel: %v", m.name, err)
		}
	}
}

func TestFingerprintTracksContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AddLine(ctx, "cart-1", owner, "sku-1", 2, decimal.RequireFromString("10")); err != nil {
		t.Fatalf("add line: %v", err)
	}
	first, err := f.svc.Fingerprint(ctx, "cart-1")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if f.cache.Len() != 1 {
		t.Fatalf("expected fingerprint cached")
	}

	// same clock reading as the first write: only the version tells them apart
	if _, err := f.svc.SetQuantity(ctx, "cart-1", owner, "sku-1", 3); err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	second, err := f.svc.Fingerprint(ctx, "cart-1")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if first == second {
		t.Fatalf("fingerprint unchanged after quantity change")
	}

	if _, err := f.svc.SetQuantity(ctx, "cart-1", owner, "sku-1", 2); err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	third, _ := f.svc.Fingerprint(ctx, "cart-1")
	if third != first {
		t.Fatalf("same content must hash the same")
	}
}

func TestFingerprintSeesWritesFromAnotherInstance(t *testing.T) {
	store, err := boltstore.New(filepath.Join(t.TempDir(), "shared.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	manager := lock.NewManager(store, lock.DefaultConfig(), lock.WithClock(clock))
	reporter := lock.ReporterFor(manager)
	newInstance := func() *cart.Service {
		return cart.NewService(store.Carts(), cartguard.New(manager),
			cart.WithCache(cart.NewFingerprintCache()),
			cart.WithClock(clock),
		)
	}
	a, b := newInstance(), newInstance()

	if _, err := a.AddLine(ctx, "cart-1", owner, "sku-1", 1, decimal.RequireFromString("9.99")); err != nil {
		t.Fatalf("add line: %v", err)
	}
	_, fp, err := a.Snapshot(ctx, "cart-1", owner)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	acq, err := manager.Acquire(ctx, lock.AcquireRequest{
		CartID:          "cart-1",
		SessionID:       "sess-a",
		IdempotencyKey:  "key-00000001",
		CartFingerprint: fp,
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := manager.Cancel(ctx, acq.Lock.ID, owner); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	now = now.Add(time.Second)
	before, err := a.Fingerprint(ctx, "cart-1")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	st, err := reporter.CartStatus(ctx, "cart-1", before)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.CanResume {
		t.Fatalf("unchanged cart should be resumable: %+v", st)
	}

	now = now.Add(time.Second)
	if _, err := b.AddLine(ctx, "cart-1", owner, "sku-2", 1, decimal.NewFromInt(5)); err != nil {
		t.Fatalf("add line on b: %v", err)
	}

	after, err := a.Fingerprint(ctx, "cart-1")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fromB, _ := b.Fingerprint(ctx, "cart-1")
	if after == before || after != fromB {
		t.Fatalf("instance a served a stale fingerprint: before=%s after=%s b=%s", before, after, fromB)
	}
	st, err = reporter.CartStatus(ctx, "cart-1", after)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.CanResume {
		t.Fatalf("cart changed on another instance but resume still offered: %+v", st)
	}
}

func TestFingerprintCanonical(t *testing.T) {
	code := "spring10"
	a := &cart.Cart{
		ID:           "c1",
		Currency:     "usd",
		DiscountCode: &code,
		Lines: []cart.Line{
			{SKU: "b", Quantity: 1, UnitPrice: decimal.RequireFromString("2.5")},
			{SKU: "a", Quantity: 2, UnitPrice: decimal.RequireFromString("1.00")},
		},
		UpdatedAt: time.Now(),
	}
	upper := "SPRING10"
	b := &cart.Cart{
		ID:           "c1",
		SessionID:    "someone-else",
		Currency:     "USD",
		DiscountCode: &upper,
		Lines: []cart.Line{
			{SKU: "a", Quantity: 2, UnitPrice: decimal.RequireFromString("1")},
			{SKU: "b", Quantity: 1, UnitPrice: decimal.RequireFromString("2.50")},
		},
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("equivalent carts hash differently")
	}

	b.Address.City = "Berlin"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("address change not reflected")
	}
	if got := a.Subtotal(); !got.Equal(decimal.RequireFromString("4.5")) {
		t.Fatalf("subtotal = %s", got)
	}
}

func TestOwnershipAndValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AddLine(ctx, "cart-1", owner, "sku-1", 1, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("add line: %v", err)
	}
	stranger := lock.Caller{SessionID: "sess-b"}
	if _, err := f.svc.AddLine(ctx, "cart-1", stranger, "sku-1", 1, decimal.NewFromInt(1)); !errors.Is(err, cart.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := f.svc.Get(ctx, "cart-1", stranger); !errors.Is(err, cart.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner on read, got %v", err)
	}
	if _, err := f.svc.Get(ctx, "cart-1", lock.System); err != nil {
		t.Fatalf("internal read: %v", err)
	}

	var verr *lock.ValidationError
	if _, err := f.svc.AddLine(ctx, "cart-1", owner, "sku-1", 0, decimal.NewFromInt(1)); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, err := f.svc.SetQuantity(ctx, "cart-1", owner, "missing", 1); !errors.Is(err, cart.ErrNoLine) {
		t.Fatalf("expected ErrNoLine, got %v", err)
	}
	if _, err := f.svc.ApplyDiscount(ctx, "cart-2", owner, "X"); !errors.Is(err, cart.ErrNotFound) {
		t.Fatalf("discount on unknown cart must not create it, got %v", err)
	}
}

func TestMutationPublishesCartChanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe(4, events.CartChanged)
	defer sub.Close()

	if _, err := f.svc.AddLine(ctx, "cart-1", owner, "sku-1", 1, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("add line: %v", err)
	}
	select {
	case ev := <-sub.C:
		if ev.CartID != "cart-1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no cart.changed event")
	}
}

func TestCacheListen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AddLine(ctx, "cart-1", owner, "sku-1", 1, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := f.svc.Fingerprint(ctx, "cart-1"); err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if f.cache.Len() != 1 {
		t.Fatalf("expected fingerprint cached")
	}

	sub := f.bus.Subscribe(4, events.CartChanged)
	listenCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		f.cache.Listen(listenCtx, sub)
		close(done)
	}()

	if _, err := f.svc.SetQuantity(ctx, "cart-1", owner, "sku-1", 2); err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for f.cache.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("cart.changed did not evict the cached fingerprint")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Listen did not stop on cancel")
	}
	sub.Close()
}
