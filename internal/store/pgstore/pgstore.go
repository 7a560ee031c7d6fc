// Package pgstore is the Postgres lock store. Mutual exclusion is the partial
// unique index checkout_locks_one_active; every transition is an UPDATE
// predicated on state = 'active'.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imrishuroy/go-checkout-lock/internal/lock"
	"github.com/imrishuroy/go-checkout-lock/internal/throttle"
)

//go:embed schema.sql
var schema string

const lockColumns = `id, cart_id, session_id, user_id, idempotency_key, state, phase,
	locked_at, expires_at, completed_at, failed_at, failure_reason, order_id,
	cart_fingerprint, metadata, previous_lock_id, created_at, updated_at`

// Unique constraint names the store maps onto lock sentinels.
const (
	constraintIdempotency = "checkout_idempotency_pkey"
	constraintOneActive   = "checkout_locks_one_active"
	constraintPrevious    = "checkout_locks_previous"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool and pings it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables and indexes if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) CreateActive(ctx context.Context, l *lock.Lock) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// the key goes in first so a replay is reported before a slot conflict
	_, err = tx.Exec(ctx,
		`INSERT INTO checkout_idempotency (cart_id, idempotency_key, lock_id, created_at) VALUES ($1, $2, $3, $4)`,
		l.CartID, l.IdempotencyKey, l.ID, l.CreatedAt,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}

	if l.PreviousLockID != nil {
		var head string
		err = tx.QueryRow(ctx,
			`SELECT id FROM checkout_locks WHERE cart_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
			l.CartID,
		).Scan(&head)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if head != *l.PreviousLockID {
			return lock.ErrChainForked
		}
	}

	metadata := l.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO checkout_locks (`+lockColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		l.ID, l.CartID, l.SessionID, l.UserID, l.IdempotencyKey, string(l.State), l.Phase,
		l.LockedAt, l.ExpiresAt, l.CompletedAt, l.FailedAt, l.FailureReason, l.OrderID,
		l.CartFingerprint, metadata, l.PreviousLockID, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapUniqueViolation(err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*lock.Lock, error) {
	return scanLock(s.pool.QueryRow(ctx, `SELECT `+lockColumns+` FROM checkout_locks WHERE id = $1`, id))
}

func (s *Store) ActiveByCart(ctx context.Context, cartID string) (*lock.Lock, error) {
	return scanLock(s.pool.QueryRow(ctx,
		`SELECT `+lockColumns+` FROM checkout_locks WHERE cart_id = $1 AND state = 'active'`, cartID))
}

func (s *Store) LatestByCart(ctx context.Context, cartID string) (*lock.Lock, error) {
	return scanLock(s.pool.QueryRow(ctx,
		`SELECT `+lockColumns+` FROM checkout_locks WHERE cart_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, cartID))
}

func (s *Store) Idempotency(ctx context.Context, cartID, key string) (*lock.IdempotencyRecord, error) {
	var (
		rec           lock.IdempotencyRecord
		outcome       *string
		orderID       *string
		failureReason *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT cart_id, idempotency_key, lock_id, outcome_state, order_id, failure_reason, created_at, resolved_at
		 FROM checkout_idempotency WHERE cart_id = $1 AND idempotency_key = $2`,
		cartID, key,
	).Scan(&rec.CartID, &rec.Key, &rec.LockID, &outcome, &orderID, &failureReason, &rec.CreatedAt, &rec.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lock.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		rec.OutcomeState = lock.State(*outcome)
	}
	if orderID != nil {
		rec.OrderID = *orderID
	}
	if failureReason != nil {
		rec.FailureReason = *failureReason
	}
	return &rec, nil
}

func (s *Store) Extend(ctx context.Context, id string, expiresAt time.Time, phase string, now time.Time) (*lock.Lock, error) {
	l, err := scanLock(s.pool.QueryRow(ctx,
		`UPDATE checkout_locks
		 SET expires_at = GREATEST(expires_at, $2),
		     phase = COALESCE(NULLIF($3::text, ''), phase),
		     updated_at = $4
		 WHERE id = $1 AND state = 'active' AND expires_at > $4
		 RETURNING `+lockColumns,
		id, expiresAt, phase, now,
	))
	if errors.Is(err, lock.ErrNotFound) {
		return nil, s.missOrMismatch(ctx, id)
	}
	return l, err
}

func (s *Store) Transition(ctx context.Context, id string, t lock.Transition) (*lock.Lock, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var expiredBefore *time.Time
	if !t.ExpiredBefore.IsZero() {
		expiredBefore = &t.ExpiredBefore
	}
	metadata := t.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	l, err := scanLock(tx.QueryRow(ctx,
		`UPDATE checkout_locks
		 SET state = $2::text,
		     updated_at = $3,
		     completed_at = CASE WHEN $2::text = 'completed' THEN $3 ELSE completed_at END,
		     failed_at = CASE WHEN $2::text = 'failed' THEN $3 ELSE failed_at END,
		     failure_reason = CASE WHEN $2::text = 'failed' THEN $4::text ELSE failure_reason END,
		     order_id = COALESCE(NULLIF($5::text, ''), order_id),
		     metadata = metadata || $6::jsonb
		 WHERE id = $1 AND state = 'active' AND ($7::timestamptz IS NULL OR expires_at <= $7)
		 RETURNING `+lockColumns,
		id, string(t.To), t.At, t.Reason, t.OrderID, metadata, expiredBefore,
	))
	if errors.Is(err, lock.ErrNotFound) {
		return nil, s.missOrMismatch(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE checkout_idempotency
		 SET outcome_state = $3, order_id = NULLIF($4::text, ''), failure_reason = NULLIF($5::text, ''), resolved_at = $6
		 WHERE cart_id = $1 AND idempotency_key = $2`,
		l.CartID, l.IdempotencyKey, string(t.To), t.OrderID, t.Reason, t.At,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]*lock.Lock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lockColumns+` FROM checkout_locks
		 WHERE state = 'active' AND expires_at <= $1
		 ORDER BY expires_at LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*lock.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Hit implements throttle.Counter with a single upsert. The slot arithmetic
// mirrors throttle.Advance.
func (s *Store) Hit(ctx context.Context, key string, length time.Duration, now time.Time) (throttle.Window, error) {
	var w throttle.Window
	err := s.pool.QueryRow(ctx,
		`INSERT INTO checkout_throttle AS t (throttle_key, hit_count, prev_count, window_start) VALUES ($1, 1, 0, $2)
		 ON CONFLICT (throttle_key) DO UPDATE SET
		     hit_count = CASE WHEN t.window_start + ($3::float8 * interval '1 second') <= $2 THEN 1 ELSE t.hit_count + 1 END,
		     prev_count = CASE
		         WHEN t.window_start + (2 * $3::float8 * interval '1 second') <= $2 THEN 0
		         WHEN t.window_start + ($3::float8 * interval '1 second') <= $2 THEN t.hit_count
		         ELSE t.prev_count END,
		     window_start = CASE
		         WHEN t.window_start + (2 * $3::float8 * interval '1 second') <= $2 THEN $2
		         WHEN t.window_start + ($3::float8 * interval '1 second') <= $2 THEN t.window_start + ($3::float8 * interval '1 second')
		         ELSE t.window_start END
		 RETURNING hit_count, prev_count, window_start`,
		key, now, length.Seconds(),
	).Scan(&w.Count, &w.Prev, &w.Start)
	return w, err
}

func (s *Store) missOrMismatch(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM checkout_locks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return lock.ErrNotFound
	}
	return lock.ErrStateMismatch
}

func scanLock(row pgx.Row) (*lock.Lock, error) {
	var (
		l     lock.Lock
		state string
	)
	err := row.Scan(
		&l.ID, &l.CartID, &l.SessionID, &l.UserID, &l.IdempotencyKey, &state, &l.Phase,
		&l.LockedAt, &l.ExpiresAt, &l.CompletedAt, &l.FailedAt, &l.FailureReason, &l.OrderID,
		&l.CartFingerprint, &l.Metadata, &l.PreviousLockID, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lock.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.State = lock.State(state)
	l.LockedAt = l.LockedAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	return &l, nil
}

// mapUniqueViolation translates unique violations into lock sentinels by
// constraint name.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case constraintIdempotency:
		return lock.ErrKeyExists
	case constraintOneActive:
		return lock.ErrActiveExists
	case constraintPrevious:
		return lock.ErrChainForked
	default:
		return err
	}
}
