package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/imrishuroy/go-checkout-lock/internal/lock"
)

func TestMapUniqueViolation(t *testing.T) {
	cases := map[string]error{
		constraintIdempotency: lock.ErrKeyExists,
		constraintOneActive:   lock.ErrActiveExists,
		constraintPrevious:    lock.ErrChainForked,
	}
	for constraint, want := range cases {
		err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: constraint})
		if got := mapUniqueViolation(err); !errors.Is(got, want) {
			t.Fatalf("%s: got %v, want %v", constraint, got, want)
		}
	}

	other := &pgconn.PgError{Code: "23503", ConstraintName: constraintOneActive}
	if got := mapUniqueViolation(other); got != error(other) {
		t.Fatalf("non-unique errors must pass through, got %v", got)
	}
	plain := errors.New("boom")
	if got := mapUniqueViolation(plain); got != plain {
		t.Fatalf("plain errors must pass through, got %v", got)
	}
}

// The tests below need a disposable database.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("CHECKOUT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHECKOUT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func newLock(cartID, key string, now time.Time) *lock.Lock {
	return &lock.Lock{
		ID:              uuid.NewString(),
		CartID:          cartID,
		SessionID:       "sess-1",
		IdempotencyKey:  key,
		State:           lock.StateActive,
		LockedAt:        now,
		ExpiresAt:       now.Add(15 * time.Minute),
		CartFingerprint: "fp-1",
		Metadata:        map[string]string{"source": "test"},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestPostgresLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	cartID := "cart-" + uuid.NewString()

	first := newLock(cartID, "key-00000001", now)
	if err := s.CreateActive(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateActive(ctx, newLock(cartID, "key-00000001", now)); !errors.Is(err, lock.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
	if err := s.CreateActive(ctx, newLock(cartID, "key-00000002", now)); !errors.Is(err, lock.ErrActiveExists) {
		t.Fatalf("expected ErrActiveExists, got %v", err)
	}

	renewed, err := s.Extend(ctx, first.ID, now.Add(20*time.Minute), "payment", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if renewed.Phase != "payment" || !renewed.ExpiresAt.Equal(now.Add(20*time.Minute)) {
		t.Fatalf("unexpected renewed lock %+v", renewed)
	}

	if _, err := s.Transition(ctx, first.ID, lock.Transition{To: lock.StateExpired, At: now, ExpiredBefore: now}); !errors.Is(err, lock.ErrStateMismatch) {
		t.Fatalf("expected guarded expiry to fail, got %v", err)
	}

	failed, err := s.Transition(ctx, first.ID, lock.Transition{To: lock.StateFailed, At: now.Add(2 * time.Minute), Reason: "payment declined"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.FailureReason == nil || *failed.FailureReason != "payment declined" || failed.Metadata["source"] != "test" {
		t.Fatalf("unexpected failed lock %+v", failed)
	}
	rec, err := s.Idempotency(ctx, cartID, "key-00000001")
	if err != nil || rec.OutcomeState != lock.StateFailed || rec.FailureReason != "payment declined" {
		t.Fatalf("record = %+v, %v", rec, err)
	}

	prev := first.ID
	resumed := newLock(cartID, "resume:"+first.ID, now.Add(3*time.Minute))
	resumed.PreviousLockID = &prev
	if err := s.CreateActive(ctx, resumed); err != nil {
		t.Fatalf("resume: %v", err)
	}
	fork := newLock(cartID, "fork-00000001", now.Add(4*time.Minute))
	fork.PreviousLockID = &prev
	if err := s.CreateActive(ctx, fork); !errors.Is(err, lock.ErrActiveExists) && !errors.Is(err, lock.ErrChainForked) {
		t.Fatalf("expected fork to be refused, got %v", err)
	}

	latest, err := s.LatestByCart(ctx, cartID)
	if err != nil || latest.ID != resumed.ID {
		t.Fatalf("latest = %+v, %v", latest, err)
	}
}

func TestPostgresThrottleHit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	key := "client:" + uuid.NewString()

	for i := 1; i <= 3; i++ {
		w, err := s.Hit(ctx, key, time.Minute, now)
		if err != nil {
			t.Fatalf("hit: %v", err)
		}
		if w.Count != i {
			t.Fatalf("hit %d: count %d", i, w.Count)
		}
	}
	w, err := s.Hit(ctx, key, time.Minute, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	if w.Count != 1 || w.Prev != 3 || !w.Start.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected next slot carrying the previous count, got %+v", w)
	}
	w, err = s.Hit(ctx, key, time.Minute, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	if w.Count != 1 || w.Prev != 0 || !w.Start.Equal(now.Add(5*time.Minute)) {
		t.Fatalf("expected reset after an idle slot, got %+v", w)
	}
}
