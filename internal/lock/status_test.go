package lock

import (
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	window := 30 * time.Minute

	active := &Lock{State: StateActive, LockedAt: base, ExpiresAt: base.Add(15 * time.Minute), CartFingerprint: "fp"}
	failedAt := base.Add(5 * time.Minute)
	failed := &Lock{State: StateFailed, LockedAt: base, ExpiresAt: base.Add(15 * time.Minute), FailedAt: &failedAt, CartFingerprint: "fp"}
	completedAt := base.Add(3 * time.Minute)
	completed := &Lock{State: StateCompleted, LockedAt: base, ExpiresAt: base.Add(15 * time.Minute), CompletedAt: &completedAt, CartFingerprint: "fp"}

	tests := []struct {
		name   string
		lock   *Lock
		now    time.Time
		fp     string
		expect Status
		dur    time.Duration
	}{
		{"active", active, base.Add(time.Minute), "fp", Status{IsActive: true}, -1},
		{"lapsed active counts as expired", active, base.Add(20 * time.Minute), "fp", Status{IsExpired: true, CanResume: true}, 15 * time.Minute},
		{"failed within window", failed, base.Add(10 * time.Minute), "fp", Status{IsFailed: true, CanResume: true}, 5 * time.Minute},
		{"failed with changed cart", failed, base.Add(10 * time.Minute), "other", Status{IsFailed: true}, 5 * time.Minute},
		{"failed with unknown cart", failed, base.Add(10 * time.Minute), "", Status{IsFailed: true}, 5 * time.Minute},
		{"failed after window", failed, failedAt.Add(window), "fp", Status{IsFailed: true}, 5 * time.Minute},
		{"completed never resumes", completed, base.Add(4 * time.Minute), "fp", Status{IsCompleted: true}, 3 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.lock, tt.now, window, tt.fp)
			if got.IsActive != tt.expect.IsActive || got.IsCompleted != tt.expect.IsCompleted ||
				got.IsFailed != tt.expect.IsFailed || got.IsExpired != tt.expect.IsExpired ||
				got.CanResume != tt.expect.CanResume {
				t.Fatalf("got %+v, want %+v", got, tt.expect)
			}
			if tt.dur < 0 {
				if got.Duration != nil {
					t.Fatalf("expected no duration, got %s", *got.Duration)
				}
				return
			}
			if got.Duration == nil || *got.Duration != tt.dur {
				t.Fatalf("duration = %v, want %s", got.Duration, tt.dur)
			}
		})
	}
}

func TestNewCartStatus(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	free := NewCartStatus("c1", nil, base, time.Minute, "")
	if !free.CanCheckout || free.Locked {
		t.Fatalf("unexpected free status %+v", free)
	}

	active := &Lock{ID: "l1", State: StateActive, Phase: "payment", LockedAt: base, ExpiresAt: base.Add(15 * time.Minute)}
	st := NewCartStatus("c1", active, base.Add(time.Minute), time.Minute, "")
	if !st.Locked || st.CanCheckout || st.LockID != "l1" || st.ExpiresAt == nil || st.StateName != "Checkout in progress" {
		t.Fatalf("unexpected locked status %+v", st)
	}

	st = NewCartStatus("c1", active, base.Add(16*time.Minute), 30*time.Minute, "")
	if st.Locked || !st.CanCheckout || st.State != StateExpired {
		t.Fatalf("lapsed lock must not report locked: %+v", st)
	}
}

func TestViewDurationSeconds(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	done := base.Add(90 * time.Second)
	l := &Lock{ID: "l1", State: StateCompleted, LockedAt: base, ExpiresAt: base.Add(time.Hour), CompletedAt: &done}

	v := NewView(l, done, time.Minute, "")
	if v.DurationSeconds == nil || *v.DurationSeconds != 90 {
		t.Fatalf("duration = %v", v.DurationSeconds)
	}
	if v.Metadata == nil {
		t.Fatalf("metadata should render as an object")
	}
	if !v.IsCompleted || v.StateName != "Checkout completed" {
		t.Fatalf("unexpected view %+v", v)
	}
}
