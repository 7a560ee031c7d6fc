package dynamostore

import (
	"time"

	"github.com/imrishuroy/go-checkout-lock/internal/lock"
)

// Key prefixes in the locks table. LOCK# rows hold the lock itself; ACTIVE#
// and LATEST# rows are per-cart pointers that the conditional writes guard.
const (
	prefixLock   = "LOCK#"
	prefixActive = "ACTIVE#"
	prefixLatest = "LATEST#"
)

// lockItem is the shape persisted for a LOCK# row. expires_at is stored as unix
// milliseconds so conditions can compare it numerically.
type lockItem struct {
	PK              string            `dynamodbav:"pk"`
	LockID          string            `dynamodbav:"lock_id"`
	CartID          string            `dynamodbav:"cart_id"`
	SessionID       string            `dynamodbav:"session_id"`
	UserID          *string           `dynamodbav:"user_id,omitempty"`
	IdempotencyKey  string            `dynamodbav:"idempotency_key"`
	State           string            `dynamodbav:"state"`
	Phase           string            `dynamodbav:"phase"`
	LockedAt        time.Time         `dynamodbav:"locked_at"`
	ExpiresAt       int64             `dynamodbav:"expires_at"`
	CompletedAt     *time.Time        `dynamodbav:"completed_at,omitempty"`
	FailedAt        *time.Time        `dynamodbav:"failed_at,omitempty"`
	FailureReason   *string           `dynamodbav:"failure_reason,omitempty"`
	OrderID         *string           `dynamodbav:"order_id,omitempty"`
	CartFingerprint string            `dynamodbav:"cart_fingerprint"`
	Metadata        map[string]string `dynamodbav:"metadata,omitempty"`
	PreviousLockID  *string           `dynamodbav:"previous_lock_id,omitempty"`
	CreatedAt       time.Time         `dynamodbav:"created_at"`
	UpdatedAt       time.Time         `dynamodbav:"updated_at"`
}

// pointerItem is an ACTIVE# or LATEST# row.
type pointerItem struct {
	PK     string `dynamodbav:"pk"`
	LockID string `dynamodbav:"lock_id"`
}

// idempotencyItem lives in the idempotency table keyed by "<cart>#<key>".
type idempotencyItem struct {
	IdempotencyKey string     `dynamodbav:"idempotency_key"` // PK
	CartID         string     `dynamodbav:"cart_id"`
	ClientKey      string     `dynamodbav:"client_key"`
	LockID         string     `dynamodbav:"lock_id"`
	OutcomeState   string     `dynamodbav:"outcome_state,omitempty"`
	OrderID        string     `dynamodbav:"order_id,omitempty"`
	FailureReason  string     `dynamodbav:"failure_reason,omitempty"`
	CreatedAt      time.Time  `dynamodbav:"created_at"`
	ResolvedAt     *time.Time `dynamodbav:"resolved_at,omitempty"`
	TTL            int64      `dynamodbav:"ttl,omitempty"` // epoch seconds
}

type throttleItem struct {
	ThrottleKey string `dynamodbav:"throttle_key"` // PK
	HitCount    int    `dynamodbav:"hit_count"`
	PrevCount   int    `dynamodbav:"prev_count"`
	WindowStart int64  `dynamodbav:"window_start"` // unix millis
}

func idempotencyPK(cartID, key string) string {
	return cartID + "#" + key
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func toItem(l *lock.Lock) lockItem {
	return lockItem{
		PK:              prefixLock + l.ID,
		LockID:          l.ID,
		CartID:          l.CartID,
		SessionID:       l.SessionID,
		UserID:          l.UserID,
		IdempotencyKey:  l.IdempotencyKey,
		State:           string(l.State),
		Phase:           l.Phase,
		LockedAt:        l.LockedAt,
		ExpiresAt:       millis(l.ExpiresAt),
		CompletedAt:     l.CompletedAt,
		FailedAt:        l.FailedAt,
		FailureReason:   l.FailureReason,
		OrderID:         l.OrderID,
		CartFingerprint: l.CartFingerprint,
		Metadata:        l.Metadata,
		PreviousLockID:  l.PreviousLockID,
		CreatedAt:       l.CreatedAt,
		UpdatedAt:       l.UpdatedAt,
	}
}

func (it lockItem) toLock() *lock.Lock {
	return &lock.Lock{
		ID:              it.LockID,
		CartID:          it.CartID,
		SessionID:       it.SessionID,
		UserID:          it.UserID,
		IdempotencyKey:  it.IdempotencyKey,
		State:           lock.State(it.State),
		Phase:           it.Phase,
		LockedAt:        it.LockedAt,
		ExpiresAt:       fromMillis(it.ExpiresAt),
		CompletedAt:     it.CompletedAt,
		FailedAt:        it.FailedAt,
		FailureReason:   it.FailureReason,
		OrderID:         it.OrderID,
		CartFingerprint: it.CartFingerprint,
		Metadata:        it.Metadata,
		PreviousLockID:  it.PreviousLockID,
		CreatedAt:       it.CreatedAt,
		UpdatedAt:       it.UpdatedAt,
	}
}

func (it idempotencyItem) toRecord() *lock.IdempotencyRecord {
	return &lock.IdempotencyRecord{
		CartID:        it.CartID,
		Key:           it.ClientKey,
		LockID:        it.LockID,
		OutcomeState:  lock.State(it.OutcomeState),
		OrderID:       it.OrderID,
		FailureReason: it.FailureReason,
		CreatedAt:     it.CreatedAt,
		ResolvedAt:    it.ResolvedAt,
	}
}
