package budget

import (
	"testing"

	"github.com/HyphaGroup/marionette/internal/state"
)

func newTestTracker(t *testing.T, ceiling, softRatio float64) (*Tracker, *state.Store) {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tracker, err := NewTracker(store, ceiling, softRatio)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	return tracker, store
}

func TestTracker_ChargeAndRemaining(t *testing.T) {
	tracker, _ := newTestTracker(t, 10, 0.8)

	snap := tracker.Charge("conv-1", 2.5)
	if snap.SpentUSD != 2.5 {
		t.Errorf("SpentUSD = %v, want 2.5", snap.SpentUSD)
	}
	if snap.Blocked {
		t.Error("Blocked = true, want false")
	}
	if got := tracker.Remaining("conv-1"); got != 7.5 {
		t.Errorf("Remaining() = %v, want 7.5", got)
	}

	// Untouched conversations report the default ceiling
	if got := tracker.Remaining("conv-other"); got != 10 {
		t.Errorf("Remaining() for fresh conversation = %v, want 10", got)
	}
}

func TestTracker_BlocksAtCeiling(t *testing.T) {
	tracker, _ := newTestTracker(t, 10, 0.8)

	tracker.Charge("conv-1", 9)
	if tracker.IsBlocked("conv-1") {
		t.Fatal("blocked below ceiling")
	}

	snap := tracker.Charge("conv-1", 1)
	if !snap.Blocked {
		t.Error("Charge() reaching ceiling should block")
	}
	if !tracker.IsBlocked("conv-1") {
		t.Error("IsBlocked() = false after ceiling hit")
	}
	if got := tracker.Remaining("conv-1"); got != 0 {
		t.Errorf("Remaining() = %v, want 0", got)
	}

	// Charging past the ceiling keeps the block
	tracker.Charge("conv-1", 5)
	if !tracker.IsBlocked("conv-1") {
		t.Error("block cleared by further charge")
	}
}

func TestTracker_SoftWarn(t *testing.T) {
	tracker, _ := newTestTracker(t, 10, 0.8)

	if snap := tracker.Charge("conv-1", 7.9); snap.SoftWarn {
		t.Error("SoftWarn = true below threshold")
	}
	if snap := tracker.Charge("conv-1", 0.2); !snap.SoftWarn {
		t.Error("SoftWarn = false at 81% of ceiling")
	}

	// A blocked conversation reports Blocked, not SoftWarn
	snap := tracker.Charge("conv-1", 5)
	if !snap.Blocked {
		t.Fatal("expected block")
	}
	if snap.SoftWarn {
		t.Error("SoftWarn = true on blocked conversation")
	}
}

func TestTracker_Reset(t *testing.T) {
	tracker, _ := newTestTracker(t, 10, 0.8)

	tracker.Charge("conv-1", 12)
	tracker.Charge("conv-2", 3)
	if !tracker.IsBlocked("conv-1") {
		t.Fatal("expected conv-1 blocked")
	}

	t.Run("single conversation", func(t *testing.T) {
		n := tracker.Reset("conv-1", 0)
		if n != 1 {
			t.Errorf("Reset() touched %d ledgers, want 1", n)
		}
		if tracker.IsBlocked("conv-1") {
			t.Error("conv-1 still blocked after reset")
		}
		if got := tracker.Get("conv-1").SpentUSD; got != 0 {
			t.Errorf("SpentUSD after reset = %v, want 0", got)
		}
		if got := tracker.Get("conv-2").SpentUSD; got != 3 {
			t.Errorf("conv-2 SpentUSD = %v, want 3 (untouched)", got)
		}
	})

	t.Run("broadcast with new ceiling", func(t *testing.T) {
		tracker.Charge("conv-2", 20)
		n := tracker.Reset("", 50)
		if n != 2 {
			t.Errorf("Reset() touched %d ledgers, want 2", n)
		}
		if tracker.IsBlocked("conv-2") {
			t.Error("conv-2 still blocked after broadcast reset")
		}
		if got := tracker.Get("conv-2").CeilingUSD; got != 50 {
			t.Errorf("CeilingUSD after reset = %v, want 50", got)
		}
	})
}

func TestTracker_UnlimitedCeiling(t *testing.T) {
	tracker, _ := newTestTracker(t, 0, 0.8)

	snap := tracker.Charge("conv-1", 1000)
	if snap.Blocked {
		t.Error("zero ceiling should never block")
	}
	if snap.SoftWarn {
		t.Error("zero ceiling should never soft-warn")
	}
}

func TestTracker_ReloadsPersistedLedgers(t *testing.T) {
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	first, err := NewTracker(store, 10, 0.8)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	first.Charge("conv-1", 11)
	if !first.IsBlocked("conv-1") {
		t.Fatal("expected block before restart")
	}

	second, err := NewTracker(store, 10, 0.8)
	if err != nil {
		t.Fatalf("NewTracker() after restart error = %v", err)
	}
	if !second.IsBlocked("conv-1") {
		t.Error("block lost across restart")
	}
	if got := second.Get("conv-1").SpentUSD; got != 11 {
		t.Errorf("SpentUSD after restart = %v, want 11", got)
	}
}
