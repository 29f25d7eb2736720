package lifecycle

import (
	"testing"
	"time"

	"github.com/gpufleet/gpufleet/core"
)

func TestBeginAdvanceReady(t *testing.T) {
	tr := NewTracker(10, nil)

	op, err := tr.Begin("inst-1", 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if op.Phase != PhaseStartRequested {
		t.Fatalf("phase = %s", op.Phase)
	}
	if got := op.Deadline.Sub(op.StartedAt); got != DefaultMaxWait {
		t.Errorf("deadline budget = %s, want %s", got, DefaultMaxWait)
	}

	for _, phase := range []Phase{
		PhaseInstanceStarting, PhaseInstanceRunning,
		PhaseHealthCheckStarted, PhaseHealthCheckCompleted, PhaseReady,
	} {
		if op, err = tr.Advance("inst-1", phase); err != nil {
			t.Fatalf("Advance to %s: %v", phase, err)
		}
	}
	if op.CompletedAt == nil {
		t.Fatal("terminal operation missing CompletedAt")
	}
	if _, ok := tr.Active("inst-1"); ok {
		t.Fatal("operation still active after ready")
	}
}

func TestDuplicateStartConflicts(t *testing.T) {
	tr := NewTracker(10, nil)
	if _, err := tr.Begin("inst-1", time.Minute); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_, err := tr.Begin("inst-1", time.Minute)
	if core.KindOf(err) != core.KindStartupInProgress {
		t.Fatalf("kind = %s, want %s", core.KindOf(err), core.KindStartupInProgress)
	}
	var ce *core.ControlError
	if !asControlError(err, &ce) || ce.HTTPStatus() != 409 {
		t.Fatalf("HTTP status for duplicate start: %v", err)
	}

	// A different instance is unaffected.
	if _, err := tr.Begin("inst-2", time.Minute); err != nil {
		t.Fatalf("Begin other instance: %v", err)
	}
}

func TestBeginAgainAfterTerminal(t *testing.T) {
	tr := NewTracker(10, nil)
	_, _ = tr.Begin("inst-1", time.Minute)
	if _, err := tr.Fail("inst-1", "provider rejected start"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if _, err := tr.Begin("inst-1", time.Minute); err != nil {
		t.Fatalf("Begin after failure: %v", err)
	}
}

func TestAdvanceRejectsBackwardPhase(t *testing.T) {
	tr := NewTracker(10, nil)
	_, _ = tr.Begin("inst-1", time.Minute)
	if _, err := tr.Advance("inst-1", PhaseInstanceRunning); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if _, err := tr.Advance("inst-1", PhaseInstanceStarting); err == nil {
		t.Fatal("backward phase accepted")
	}
	if _, err := tr.Advance("inst-1", PhaseInstanceRunning); err == nil {
		t.Fatal("repeated phase accepted")
	}
}

func TestClampMaxWait(t *testing.T) {
	cases := []struct {
		in, want time.Duration
	}{
		{0, DefaultMaxWait},
		{time.Second, MinMaxWait},
		{time.Hour, MaxMaxWait},
		{5 * time.Minute, 5 * time.Minute},
	}
	for _, c := range cases {
		if got := ClampMaxWait(c.in); got != c.want {
			t.Errorf("ClampMaxWait(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestTerminalRetentionBounded(t *testing.T) {
	tr := NewTracker(3, nil)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		_, _ = tr.Begin(id, time.Minute)
		_, _ = tr.Fail(id, "x")
	}
	recent := tr.Recent()
	if len(recent) != 3 {
		t.Fatalf("retained = %d, want 3", len(recent))
	}
	// Newest first.
	if recent[0].InstanceID != "e" || recent[2].InstanceID != "c" {
		t.Errorf("retention order: %s..%s", recent[0].InstanceID, recent[2].InstanceID)
	}
}

func TestExpireOverdue(t *testing.T) {
	tr := NewTracker(10, nil)
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	_, _ = tr.Begin("late", time.Minute)
	_, _ = tr.Begin("fresh", time.Hour)

	tr.now = func() time.Time { return base.Add(2 * time.Minute) }
	expired := tr.ExpireOverdue()
	if len(expired) != 1 || expired[0].InstanceID != "late" {
		t.Fatalf("expired = %+v", expired)
	}
	if expired[0].Phase != PhaseFailed {
		t.Errorf("phase = %s", expired[0].Phase)
	}
	if _, ok := tr.Active("fresh"); !ok {
		t.Error("fresh operation expired early")
	}
}

func asControlError(err error, target **core.ControlError) bool {
	ce, ok := err.(*core.ControlError)
	if ok {
		*target = ce
	}
	return ok
}
