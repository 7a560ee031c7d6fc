package boltstore

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/imrishuroy/go-checkout-lock/internal/throttle"
)

type throttleRow struct {
	Count       int       `json:"count"`
	PrevCount   int       `json:"prev_count"`
	WindowStart time.Time `json:"window_start"`
}

// Hit implements throttle.Counter.
func (s *Store) Hit(ctx context.Context, key string, length time.Duration, now time.Time) (throttle.Window, error) {
	var out throttle.Window
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketThrottle)
		var row throttleRow
		if v := b.Get([]byte(key)); v != nil {
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
		}
		out = throttle.Advance(throttle.Window{Count: row.Count, Prev: row.PrevCount, Start: row.WindowStart}, length, now)
		return putJSON(b, []byte(key), throttleRow{Count: out.Count, PrevCount: out.Prev, WindowStart: out.Start})
	})
	return out, err
}
