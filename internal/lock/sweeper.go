package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/imrishuroy/go-checkout-lock/internal/logging"
	"github.com/imrishuroy/go-checkout-lock/internal/metrics"
)

// SweepResult summarises one sweeper pass.
type SweepResult struct {
	Scanned int
	Expired int
	Failed  int
}

func (r SweepResult) String() string {
	return fmt.Sprintf("scanned=%d expired=%d failed=%d", r.Scanned, r.Expired, r.Failed)
}

// Sweeper periodically expires active locks whose lease lapsed. It writes
// through Manager.Expire so it uses the same guarded transition as every other
// writer.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	batch    int
	metrics  *metrics.Metrics
}

func NewSweeper(m *Manager, interval time.Duration, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{manager: m, interval: interval, batch: batch, metrics: m.metrics}
}

// RunOnce expires up to one batch of lapsed locks. Per-lock failures are
// counted and logged; the locks stay active and are picked up next pass.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.manager.now()
	locks, err := s.manager.store.ListExpired(ctx, now, s.batch)
	if err != nil {
		s.metrics.Swept(0, 1)
		return res, fmt.Errorf("list expired locks: %w", err)
	}
	res.Scanned = len(locks)

	for _, l := range locks {
		if err := ctx.Err(); err != nil {
			break
		}
		expired, err := s.manager.Expire(ctx, l)
		if err != nil {
			res.Failed++
			logging.Error("sweep", l.ID, l.CartID, err)
			continue
		}
		if expired {
			res.Expired++
		}
	}
	s.metrics.Swept(res.Expired, res.Failed)
	return res, nil
}

// Run sweeps on every tick until ctx is done. Errors never stop the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				logging.Error("sweep", "", "", err)
				continue
			}
			if res.Scanned > 0 {
				logging.Log(logging.Fields{
					Step:    "sweep",
					Status:  "ok",
					Message: res.String(),
				})
			}
		}
	}
}
