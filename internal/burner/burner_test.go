package burner_test

import (
	"testing"
	"time"

	"github.com/hearthcore/boilerctl/internal/burner"
)

func TestIdleRequiresInterlocksToStartPrePurge(t *testing.T) {
	now := time.Now()
	m := burner.New(now)
	now = now.Add(burner.MinOffTime + time.Second)

	m.Update(burner.Inputs{Now: now, DemandActive: true, InterlocksPass: false})
	if m.State() != burner.Idle {
		t.Fatalf("State() = %v, want IDLE when interlocks fail", m.State())
	}

	m.Update(burner.Inputs{Now: now, DemandActive: true, InterlocksPass: true})
	if m.State() != burner.PrePurge {
		t.Fatalf("State() = %v, want PRE_PURGE once interlocks pass", m.State())
	}
}

func advanceToIgnition(t *testing.T, now time.Time) (*burner.SM, time.Time) {
	t.Helper()
	m := burner.New(now)
	now = now.Add(burner.MinOffTime + time.Second)
	m.Update(burner.Inputs{Now: now, DemandActive: true, InterlocksPass: true})
	if m.State() != burner.PrePurge {
		t.Fatalf("expected PRE_PURGE, got %v", m.State())
	}
	now = now.Add(burner.PrePurgeDuration + time.Millisecond)
	m.Update(burner.Inputs{Now: now, DemandActive: true, InterlocksPass: true})
	if m.State() != burner.Ignition {
		t.Fatalf("expected IGNITION, got %v", m.State())
	}
	return m, now
}

func TestIgnitionFlameDetectedLowPower(t *testing.T) {
	now := time.Now()
	m, now := advanceToIgnition(t, now)
	now = now.Add(burner.MinIgnitionDuration + time.Millisecond)
	m.Update(burner.Inputs{Now: now, DemandActive: true, InterlocksPass: true, FlameDetected: true, RequestedPIDPercent: 30})
	if m.State() != burner.BurningLow {
		t.Fatalf("State() = %v, want BURNING_LOW", m.State())
	}
}

func TestIgnitionFlameDetectedHighPower(t *testing.T) {
	now := time.Now()
	m, now := advanceToIgnition(t, now)
	now = now.Add(burner.MinIgnitionDuration + time.Millisecond)
	m.Update(burner.Inputs{Now: now, DemandActive: true, InterlocksPass: true, FlameDetected: true, RequestedPIDPercent: 80})
	if m.State() != burner.BurningHigh {
		t.Fatalf("State() = %v, want BURNING_HIGH", m.State())
	}
}

func TestIgnitionRetriesThenLockout(t *testing.T) {
	now := time.Now()
	m, now := advanceToIgnition(t, now)

	for attempt := 0; attempt < burner.MaxIgnitionAttempts; attempt++ {
		now = now.Add(burner.IgnitionRetryTimeout + time.Millisecond)
		m.Update(burner.Inputs{Now: now, DemandActive: true, InterlocksPass: true, FlameDetected: false})
	}
	if m.State() != burner.Lockout {
		t.Fatalf("State() after %d failed attempts = %v, want LOCKOUT", burner.MaxIgnitionAttempts, m.State())
	}
}

func TestLockoutAutoResetAfter300s(t *testing.T) {
	now := time.Now()
	m, now := advanceToIgnition(t, now)
	for attempt := 0; attempt < burner.MaxIgnitionAttempts; attempt++ {
		now = now.Add(burner.IgnitionRetryTimeout + time.Millisecond)
		m.Update(burner.Inputs{Now: now, DemandActive: true, InterlocksPass: true})
	}
	if m.State() != burner.Lockout {
		t.Fatalf("precondition failed: expected LOCKOUT, got %v", m.State())
	}

	now = now.Add(burner.LockoutDuration - time.Second)
	m.Update(burner.Inputs{Now: now})
	if m.State() != burner.Lockout {
		t.Fatal("expected still in LOCKOUT before 300s elapses")
	}

	now = now.Add(2 * time.Second)
	m.Update(burner.Inputs{Now: now})
	if m.State() != burner.Idle {
		t.Fatalf("State() after 300s = %v, want IDLE", m.State())
	}
}

func TestMinOnTimeEnforcedBeforePostPurge(t *testing.T) {
	now := time.Now()
	m, now := advanceToIgnition(t, now)
	now = now.Add(burner.MinIgnitionDuration + time.Millisecond)
	m.Update(burner.Inputs{Now: now, DemandActive: true, InterlocksPass: true, FlameDetected: true, RequestedPIDPercent: 30})
	if m.State() != burner.BurningLow {
		t.Fatalf("expected BURNING_LOW, got %v", m.State())
	}

	// Demand clears almost immediately -- min-on-time (120s) not yet satisfied.
	now = now.Add(time.Second)
	m.Update(burner.Inputs{Now: now, DemandActive: false, InterlocksPass: true, FlameDetected: true})
	if m.State() != burner.BurningLow {
		t.Fatalf("expected still BURNING_LOW before min-on-time, got %v", m.State())
	}

	now = now.Add(burner.MinOnTime)
	m.Update(burner.Inputs{Now: now, DemandActive: false, InterlocksPass: true, FlameDetected: true})
	if m.State() != burner.PostPurge {
		t.Fatalf("State() after min-on-time = %v, want POST_PURGE", m.State())
	}

	now = now.Add(burner.PostPurgeDuration + time.Millisecond)
	m.Update(burner.Inputs{Now: now})
	if m.State() != burner.Idle {
		t.Fatalf("State() after post-purge = %v, want IDLE", m.State())
	}
}

func TestFlameLossTransitionsToError(t *testing.T) {
	now := time.Now()
	m, now := advanceToIgnition(t, now)
	now = now.Add(burner.MinIgnitionDuration + time.Millisecond)
	m.Update(burner.Inputs{Now: now, DemandActive: true, InterlocksPass: true, FlameDetected: true, RequestedPIDPercent: 30})

	now = now.Add(time.Second)
	m.Update(burner.Inputs{Now: now, DemandActive: true, InterlocksPass: true, FlameLoss: true})
	if m.State() != burner.ErrorState {
		t.Fatalf("State() after flame loss = %v, want ERROR", m.State())
	}

	// ERROR requires explicit reset to leave.
	now = now.Add(time.Second)
	m.Update(burner.Inputs{Now: now})
	if m.State() != burner.ErrorState {
		t.Fatal("expected to remain in ERROR without explicit reset")
	}
	m.Update(burner.Inputs{Now: now, ResetRequested: true})
	if m.State() != burner.Idle {
		t.Fatalf("State() after reset = %v, want IDLE", m.State())
	}
}

func TestEmergencyRequestFromAnyState(t *testing.T) {
	now := time.Now()
	m, now := advanceToIgnition(t, now)
	m.Update(burner.Inputs{Now: now, EmergencyRequested: true})
	if m.State() != burner.EmergencyStop {
		t.Fatalf("State() = %v, want EMERGENCY_STOP", m.State())
	}

	now = now.Add(time.Second)
	m.Update(burner.Inputs{Now: now, ResetRequested: true, InterlocksPass: false})
	if m.State() != burner.EmergencyStop {
		t.Fatal("expected to remain in EMERGENCY_STOP without interlocks passing")
	}
	m.Update(burner.Inputs{Now: now, ResetRequested: true, InterlocksPass: true})
	if m.State() != burner.Idle {
		t.Fatalf("State() after reset with interlocks passing = %v, want IDLE", m.State())
	}
}
