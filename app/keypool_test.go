package app_test

import (
	"testing"
	"time"

	"github.com/artpar/orproxy/adapters/clock"
	"github.com/artpar/orproxy/adapters/metrics"
	"github.com/artpar/orproxy/adapters/random"
	"github.com/artpar/orproxy/app"
	"github.com/artpar/orproxy/domain/keypool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T, keys []string, strategy keypool.Strategy, opts app.KeySelectionOpts, cooldown time.Duration, now time.Time) (*app.KeyManager, *clock.Fake) {
	t.Helper()
	fakeClock := clock.NewFake(now)
	m, err := app.NewKeyManager(keys, strategy, opts, cooldown, fakeClock, random.NewFake(), metrics.NewWithRegistry(prometheus.NewRegistry()), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}
	return m, fakeClock
}

// S1 — round-robin rotation.
func TestKeyManager_RoundRobinRotation(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, []string{"A", "B", "C"}, keypool.RoundRobin, app.KeySelectionOpts{}, time.Hour, now)

	want := []string{"A", "B", "C", "A"}
	for i, w := range want {
		got, err := m.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if got != w {
			t.Errorf("acquire %d = %s, want %s", i, got, w)
		}
	}
}

// S2 — skip cooling.
func TestKeyManager_SkipCooling(t *testing.T) {
	now := time.Now()
	m, fakeClock := newTestManager(t, []string{"A", "B", "C"}, keypool.RoundRobin, app.KeySelectionOpts{}, time.Hour, now)

	for i := 0; i < 4; i++ {
		if _, err := m.Acquire(); err != nil {
			t.Fatalf("warmup acquire %d: %v", i, err)
		}
	}

	m.Penalize("B", nil)

	want := []string{"C", "A", "C"}
	for i, w := range want {
		got, err := m.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if got != w {
			t.Errorf("acquire %d = %s, want %s", i, got, w)
		}
	}

	fakeClock.Advance(time.Hour + time.Second)
	active, cooling := m.SnapshotCounts()
	if cooling != 0 || active != 3 {
		t.Errorf("after cooldown expiry: active=%d cooling=%d, want 3/0", active, cooling)
	}
}

// S3 — all cooling.
func TestKeyManager_AllKeysCooling(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, []string{"A"}, keypool.RoundRobin, app.KeySelectionOpts{}, 4*time.Hour, now)

	m.Penalize("A", nil)

	_, err := m.Acquire()
	if err == nil {
		t.Fatal("expected AllKeysCooling error")
	}
	var cooling *app.AllKeysCooling
	if !asAllKeysCooling(err, &cooling) {
		t.Fatalf("expected *app.AllKeysCooling, got %T", err)
	}
	wantSeconds := (4 * time.Hour).Seconds()
	if cooling.WaitSeconds < wantSeconds-1 || cooling.WaitSeconds > wantSeconds+1 {
		t.Errorf("WaitSeconds = %.1f, want ~%.1f", cooling.WaitSeconds, wantSeconds)
	}
}

func asAllKeysCooling(err error, target **app.AllKeysCooling) bool {
	if e, ok := err.(*app.AllKeysCooling); ok {
		*target = e
		return true
	}
	return false
}

// S6 — reset hint honored.
func TestKeyManager_ResetHintHonored(t *testing.T) {
	now := time.Now()
	m, fakeClock := newTestManager(t, []string{"A"}, keypool.RoundRobin, app.KeySelectionOpts{}, 4*time.Hour, now)

	hint := now.Add(5 * time.Second)
	m.Penalize("A", &hint)

	if _, err := m.Acquire(); err == nil {
		t.Fatal("expected still-cooling error before the hint elapses")
	}

	fakeClock.Advance(5*time.Second + time.Millisecond)
	if _, err := m.Acquire(); err != nil {
		t.Fatalf("expected key available after reset hint elapses: %v", err)
	}
}

func TestKeyManager_ResetHintInPastFallsBackToDefault(t *testing.T) {
	now := time.Now()
	m, fakeClock := newTestManager(t, []string{"A"}, keypool.RoundRobin, app.KeySelectionOpts{}, time.Hour, now)

	past := now.Add(-time.Second)
	m.Penalize("A", &past)

	if _, err := m.Acquire(); err == nil {
		t.Fatal("expected still-cooling error: past hint should fall back to default cooldown")
	}

	fakeClock.Advance(time.Hour + time.Second)
	if _, err := m.Acquire(); err != nil {
		t.Fatalf("expected key available after default cooldown elapses: %v", err)
	}
}

func TestKeyManager_UseLastPrefersLastSelected(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, []string{"A", "B", "C"}, keypool.RoundRobin, app.KeySelectionOpts{UseLast: true}, time.Hour, now)

	first, err := m.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 3; i++ {
		got, err := m.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if got != first {
			t.Errorf("acquire %d = %s, want %s (use_last should repeat it)", i, got, first)
		}
	}
}

func TestKeyManager_UnknownStrategyIsFatalAtConstruction(t *testing.T) {
	_, err := app.NewKeyManager([]string{"A"}, keypool.Strategy("bogus"), app.KeySelectionOpts{}, time.Hour, clock.NewFake(time.Now()), random.NewFake(), nil, zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error for an unknown strategy")
	}
}

func TestKeyManager_EmptyKeyPoolIsFatal(t *testing.T) {
	_, err := app.NewKeyManager(nil, keypool.RoundRobin, app.KeySelectionOpts{}, time.Hour, clock.NewFake(time.Now()), random.NewFake(), nil, zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error for an empty key pool")
	}
}

func TestKeyManager_SnapshotCountsInvariant(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, []string{"A", "B", "C"}, keypool.RoundRobin, app.KeySelectionOpts{}, time.Hour, now)
	m.Penalize("B", nil)

	active, cooling := m.SnapshotCounts()
	if active+cooling != 3 {
		t.Errorf("active+cooling = %d, want 3", active+cooling)
	}
	if cooling != 1 {
		t.Errorf("cooling = %d, want 1", cooling)
	}
}
