// Package boltstore keeps checkout locks in an embedded BoltDB file.
//
// Bolt serialises writers, so each conditional write is a check-then-put
// inside a single Update transaction: the transaction is the atomic
// compare-and-set. It is meant for single-node deployments and tests; across
// processes the file lock keeps a second writer out entirely.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/imrishuroy/go-checkout-lock/internal/lock"
)

var (
	bucketLocks       = []byte("locks")
	bucketActive      = []byte("active")
	bucketLatest      = []byte("latest")
	bucketChains      = []byte("chains")
	bucketIdempotency = []byte("idempotency")
	bucketThrottle    = []byte("throttle")
	bucketCarts       = []byte("carts")
)

type Store struct {
	db *bolt.DB
}

// New opens (or creates) the database at path and ensures the buckets exist.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketLocks, bucketActive, bucketLatest, bucketChains, bucketIdempotency, bucketThrottle, bucketCarts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func idempotencyKey(cartID, key string) []byte {
	return []byte(cartID + "\x00" + key)
}

func getLock(tx *bolt.Tx, id string) (*lock.Lock, error) {
	v := tx.Bucket(bucketLocks).Get([]byte(id))
	if v == nil {
		return nil, lock.ErrNotFound
	}
	var l lock.Lock
	if err := json.Unmarshal(v, &l); err != nil {
		return nil, fmt.Errorf("decode lock %s: %w", id, err)
	}
	return &l, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (s *Store) CreateActive(ctx context.Context, l *lock.Lock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idem := tx.Bucket(bucketIdempotency)
		active := tx.Bucket(bucketActive)
		latest := tx.Bucket(bucketLatest)
		chains := tx.Bucket(bucketChains)

		ik := idempotencyKey(l.CartID, l.IdempotencyKey)
		if idem.Get(ik) != nil {
			return lock.ErrKeyExists
		}
		if active.Get([]byte(l.CartID)) != nil {
			return lock.ErrActiveExists
		}
		if l.PreviousLockID != nil {
			prev := *l.PreviousLockID
			if head := latest.Get([]byte(l.CartID)); string(head) != prev {
				return lock.ErrChainForked
			}
			if chains.Get([]byte(prev)) != nil {
				return lock.ErrChainForked
			}
			if err := chains.Put([]byte(prev), []byte(l.ID)); err != nil {
				return err
			}
		}

		if err := putJSON(tx.Bucket(bucketLocks), []byte(l.ID), l); err != nil {
			return err
		}
		if err := active.Put([]byte(l.CartID), []byte(l.ID)); err != nil {
			return err
		}
		if err := latest.Put([]byte(l.CartID), []byte(l.ID)); err != nil {
			return err
		}
		return putJSON(idem, ik, lock.IdempotencyRecord{
			CartID:    l.CartID,
			Key:       l.IdempotencyKey,
			LockID:    l.ID,
			CreatedAt: l.CreatedAt,
		})
	})
}

func (s *Store) Get(ctx context.Context, id string) (*lock.Lock, error) {
	var out *lock.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		l, err := getLock(tx, id)
		out = l
		return err
	})
	return out, err
}

func (s *Store) byPointer(bucket []byte, cartID string) (*lock.Lock, error) {
	var out *lock.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucket).Get([]byte(cartID))
		if id == nil {
			return lock.ErrNotFound
		}
		l, err := getLock(tx, string(id))
		out = l
		return err
	})
	return out, err
}

func (s *Store) ActiveByCart(ctx context.Context, cartID string) (*lock.Lock, error) {
	return s.byPointer(bucketActive, cartID)
}

func (s *Store) LatestByCart(ctx context.Context, cartID string) (*lock.Lock, error) {
	return s.byPointer(bucketLatest, cartID)
}

func (s *Store) Idempotency(ctx context.Context, cartID, key string) (*lock.IdempotencyRecord, error) {
	var rec lock.IdempotencyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIdempotency).Get(idempotencyKey(cartID, key))
		if v == nil {
			return lock.ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Extend(ctx context.Context, id string, expiresAt time.Time, phase string, now time.Time) (*lock.Lock, error) {
	var out *lock.Lock
	err := s.db.Update(func(tx *bolt.Tx) error {
		l, err := getLock(tx, id)
		if err != nil {
			return err
		}
		if l.State != lock.StateActive || !l.ExpiresAt.After(now) {
			return lock.ErrStateMismatch
		}
		if expiresAt.After(l.ExpiresAt) {
			l.ExpiresAt = expiresAt
		}
		if phase != "" {
			l.Phase = phase
		}
		l.UpdatedAt = now
		out = l
		return putJSON(tx.Bucket(bucketLocks), []byte(id), l)
	})
	return out, err
}

func (s *Store) Transition(ctx context.Context, id string, t lock.Transition) (*lock.Lock, error) {
	var out *lock.Lock
	err := s.db.Update(func(tx *bolt.Tx) error {
		l, err := getLock(tx, id)
		if err != nil {
			return err
		}
		if l.State != lock.StateActive {
			return lock.ErrStateMismatch
		}
		if !t.ExpiredBefore.IsZero() && l.ExpiresAt.After(t.ExpiredBefore) {
			return lock.ErrStateMismatch
		}

		applyTransition(l, t)
		if err := putJSON(tx.Bucket(bucketLocks), []byte(id), l); err != nil {
			return err
		}

		active := tx.Bucket(bucketActive)
		if string(active.Get([]byte(l.CartID))) == l.ID {
			if err := active.Delete([]byte(l.CartID)); err != nil {
				return err
			}
		}

		idem := tx.Bucket(bucketIdempotency)
		ik := idempotencyKey(l.CartID, l.IdempotencyKey)
		if v := idem.Get(ik); v != nil {
			var rec lock.IdempotencyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			resolveRecord(&rec, t)
			if err := putJSON(idem, ik, rec); err != nil {
				return err
			}
		}
		out = l
		return nil
	})
	return out, err
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]*lock.Lock, error) {
	var out []*lock.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActive).ForEach(func(_, id []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			l, err := getLock(tx, string(id))
			if err != nil {
				return err
			}
			if l.State == lock.StateActive && !l.ExpiresAt.After(now) {
				out = append(out, l)
			}
			return nil
		})
	})
	return out, err
}

// applyTransition stamps the terminal fields for t.To on l.
func applyTransition(l *lock.Lock, t lock.Transition) {
	at := t.At.UTC()
	l.State = t.To
	l.UpdatedAt = at
	switch t.To {
	case lock.StateCompleted:
		l.CompletedAt = &at
		if t.OrderID != "" {
			orderID := t.OrderID
			l.OrderID = &orderID
		}
	case lock.StateFailed:
		l.FailedAt = &at
		reason := t.Reason
		l.FailureReason = &reason
	}
	if len(t.Metadata) > 0 {
		if l.Metadata == nil {
			l.Metadata = map[string]string{}
		}
		for k, v := range t.Metadata {
			l.Metadata[k] = v
		}
	}
}

func resolveRecord(rec *lock.IdempotencyRecord, t lock.Transition) {
	at := t.At.UTC()
	rec.OutcomeState = t.To
	rec.OrderID = t.OrderID
	rec.FailureReason = t.Reason
	rec.ResolvedAt = &at
}
