package tank

import (
	"testing"
	"time"

	"github.com/Fnux8890/rigs/internal/provider"
)

func newTestTank(now time.Time) *Tank {
	rpm := uint32(60)
	return New(provider.Claude, 1000, RollingWindow, 5, 0.5, 0.2, &rpm, now)
}

func TestHealthFromRatio(t *testing.T) {
	cases := []struct {
		ratio, yellow, red float32
		want               Health
	}{
		{1.0, 0.5, 0.2, Green},
		{0.3, 0.5, 0.2, Yellow},
		{0.1, 0.5, 0.2, Red},
		{0, 0.5, 0.2, Empty},
	}
	for _, c := range cases {
		if got := HealthFromRatio(c.ratio, c.yellow, c.red); got != c.want {
			t.Errorf("HealthFromRatio(%v, %v, %v) = %v, want %v", c.ratio, c.yellow, c.red, got, c.want)
		}
	}
}

func TestReserveDecrementsRemainingAndTracksHealth(t *testing.T) {
	now := time.Now().UTC()
	tk := newTestTank(now)

	handle, err := tk.Reserve(850, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.Remaining != 150 {
		t.Fatalf("remaining = %d, want 150", tk.Remaining)
	}
	if tk.Health != Red {
		t.Fatalf("health = %v, want red at 15%% remaining", tk.Health)
	}
	if handle.ReservedAmount != 850 {
		t.Fatalf("handle reserved amount = %d, want 850", handle.ReservedAmount)
	}
}

func TestReserveRejectsWhenInsufficientCapacity(t *testing.T) {
	now := time.Now().UTC()
	tk := newTestTank(now)
	if _, err := tk.Reserve(2000, now); err == nil {
		t.Fatal("expected an insufficient capacity error")
	}
	if tk.Remaining != 1000 {
		t.Fatalf("remaining should be untouched on rejection, got %d", tk.Remaining)
	}
}

func TestReleaseRestoresReservedAmount(t *testing.T) {
	now := time.Now().UTC()
	tk := newTestTank(now)
	handle, err := tk.Reserve(400, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tk.Release(handle)
	if tk.Remaining != 1000 {
		t.Fatalf("remaining after release = %d, want 1000", tk.Remaining)
	}
}

func TestReconcileAdjustsForActualUsage(t *testing.T) {
	now := time.Now().UTC()
	tk := newTestTank(now)
	handle, err := tk.Reserve(400, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tk.Reconcile(handle, 500)
	if tk.Remaining != 500 {
		t.Fatalf("remaining after reconcile = %d, want 500 (reserved 400, actual 500)", tk.Remaining)
	}
	if tk.TokensThisWindow != 500 {
		t.Fatalf("tokens this window = %d, want 500", tk.TokensThisWindow)
	}
}

func TestApplyRefreshStalesExistingReservations(t *testing.T) {
	now := time.Now().UTC()
	tk := newTestTank(now)
	handle, err := tk.Reserve(400, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tk.ApplyRefresh(RefreshPayload{
		Capacity:    1000,
		Remaining:   200,
		WindowStart: now,
		WindowEnd:   now.Add(5 * time.Hour),
	}, now)
	if tk.Remaining != 200 {
		t.Fatalf("remaining after refresh = %d, want 200", tk.Remaining)
	}

	// The pre-refresh handle is now stale: releasing it must not perturb
	// the freshly authoritative Remaining value.
	tk.Release(handle)
	if tk.Remaining != 200 {
		t.Fatalf("remaining after releasing a stale handle = %d, want unchanged 200", tk.Remaining)
	}
}

func TestNeedsRefreshAfterWindowEnd(t *testing.T) {
	now := time.Now().UTC()
	tk := newTestTank(now)
	if tk.NeedsRefresh(now) {
		t.Fatal("freshly created tank should not need a refresh")
	}
	if !tk.NeedsRefresh(now.Add(6 * time.Hour)) {
		t.Fatal("tank past its window end should need a refresh")
	}
}

func TestFixedDailyWindowEndsAtNextUTCMidnight(t *testing.T) {
	now := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	tk := New(provider.Gemini, 1_000_000, FixedDaily, 24, 0.3, 0.1, nil, now)

	want := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	if !tk.WindowEnd.Equal(want) {
		t.Fatalf("expected fixed daily window to end at %v, got %v", want, tk.WindowEnd)
	}

	// A rolling window with the same hours would not land on midnight.
	rolling := New(provider.Gemini, 1_000_000, RollingWindow, 24, 0.3, 0.1, nil, now)
	if rolling.WindowEnd.Equal(want) {
		t.Fatal("rolling window should not coincidentally match the fixed daily boundary")
	}
}

func TestTimeUntilAdmitNeverSatisfiable(t *testing.T) {
	now := time.Now().UTC()
	tk := newTestTank(now)
	wait := tk.TimeUntilAdmit(5000, now)
	if wait <= 0 {
		t.Fatal("expected a very large wait for an unsatisfiable request")
	}
}

func TestTimeUntilAdmitZeroWhenCapacityAvailable(t *testing.T) {
	now := time.Now().UTC()
	tk := newTestTank(now)
	if wait := tk.TimeUntilAdmit(10, now); wait != 0 {
		t.Fatalf("expected zero wait, got %v", wait)
	}
}

func TestTokenBucketRefillAndConsume(t *testing.T) {
	now := time.Now().UTC()
	b := NewTokenBucket(60, 1, now) // 1 token/sec refill

	for i := 0; i < 60; i++ {
		if !b.TryConsume(1, now) {
			t.Fatalf("expected consume %d to succeed", i)
		}
	}
	if b.TryConsume(1, now) {
		t.Fatal("expected bucket to be empty")
	}

	later := now.Add(10 * time.Second)
	if !b.TryConsume(5, later) {
		t.Fatal("expected bucket to have refilled 10 tokens after 10s")
	}
}

func TestTokenBucketTimeUntil(t *testing.T) {
	now := time.Now().UTC()
	b := NewTokenBucket(10, 1, now)
	b.TryConsume(10, now)
	wait := b.TimeUntil(5, now)
	if wait < 4*time.Second || wait > 6*time.Second {
		t.Fatalf("expected ~5s wait, got %v", wait)
	}
}
