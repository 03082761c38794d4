package arbiter_test

import (
	"testing"
	"time"

	"github.com/hearthcore/boilerctl/internal/arbiter"
	"github.com/hearthcore/boilerctl/internal/fixedpoint"
	"github.com/hearthcore/boilerctl/internal/readings"
)

type noLockout struct{}

func (noLockout) InLockout() bool { return false }

func newReadyStore(t *testing.T, now time.Time) *readings.Store {
	t.Helper()
	s := readings.New(readings.WithClock(func() time.Time { return now }))
	s.Publish(readings.BoilerOutput, fixedpoint.TempFromTenths(600))
	s.Publish(readings.BoilerReturn, fixedpoint.TempFromTenths(500))
	s.Publish(readings.DHWTank, fixedpoint.TempFromTenths(400))
	s.Publish(readings.DHWReturn, fixedpoint.TempFromTenths(400))
	s.Publish(readings.HeatingReturn, fixedpoint.TempFromTenths(500))
	s.Publish(readings.Outside, fixedpoint.TempFromTenths(100))
	s.Publish(readings.Inside, fixedpoint.TempFromTenths(200))
	s.PublishPressure(mustPressure(2.0))
	return s
}

func mustPressure(bar float64) fixedpoint.Pressure {
	p, err := fixedpoint.PressureFromFloat(bar)
	if err != nil {
		panic(err)
	}
	return p
}

func TestHeatingHoldsBurnerUntilReleased(t *testing.T) {
	now := time.Now()
	a := arbiter.New(arbiter.Config{
		Readings: newReadyStore(t, now),
		Lockout:  noLockout{},
	}, now.Add(-time.Hour))

	a.SetHeatingRequest(true, 50)
	a.SetWaterRequest(true, 80)
	d := a.Evaluate(now)
	if d.Granted != arbiter.DemandHeating {
		t.Fatalf("Granted = %v, want DemandHeating (first active holds)", d.Granted)
	}

	// Water is still active too, but heating already holds.
	d = a.Evaluate(now.Add(time.Second))
	if d.Granted != arbiter.DemandHeating {
		t.Fatalf("Granted = %v, want DemandHeating still held", d.Granted)
	}

	a.SetHeatingRequest(false, 0)
	d = a.Evaluate(now.Add(2 * time.Second))
	if d.Granted != arbiter.DemandWater {
		t.Fatalf("Granted = %v, want DemandWater once heating releases", d.Granted)
	}
}

func TestWaterPrioritySuspendsHeating(t *testing.T) {
	now := time.Now()
	a := arbiter.New(arbiter.Config{
		Readings:      newReadyStore(t, now),
		Lockout:       noLockout{},
		WaterPriority: true,
	}, now.Add(-time.Hour))

	a.SetHeatingRequest(true, 50)
	d := a.Evaluate(now)
	if d.Granted != arbiter.DemandHeating {
		t.Fatalf("Granted = %v, want DemandHeating with no water demand yet", d.Granted)
	}

	a.SetWaterRequest(true, 90)
	d = a.Evaluate(now.Add(time.Second))
	if d.Granted != arbiter.DemandWater {
		t.Fatalf("Granted = %v, want DemandWater to pre-empt under WATER_PRIORITY", d.Granted)
	}
}

func TestInterlocksFailOnBoilerOverTemp(t *testing.T) {
	now := time.Now()
	store := newReadyStore(t, now)
	store.Publish(readings.BoilerOutput, fixedpoint.TempFromTenths(arbiter.MaxBoilerTemp))
	a := arbiter.New(arbiter.Config{Readings: store, Lockout: noLockout{}}, now.Add(-time.Hour))
	a.SetHeatingRequest(true, 50)
	d := a.Evaluate(now)
	if d.InterlocksPass {
		t.Fatal("expected interlocks to fail at the boiler temperature ceiling")
	}
}

func TestInterlocksFailOnLockout(t *testing.T) {
	now := time.Now()
	a := arbiter.New(arbiter.Config{
		Readings: newReadyStore(t, now),
		Lockout:  lockedOut{},
	}, now.Add(-time.Hour))
	a.SetHeatingRequest(true, 50)
	d := a.Evaluate(now)
	if d.InterlocksPass {
		t.Fatal("expected interlocks to fail while in lockout")
	}
}

type lockedOut struct{}

func (lockedOut) InLockout() bool { return true }

func TestPreheatNeededWhenDifferentialExceedsBlock(t *testing.T) {
	now := time.Now()
	store := newReadyStore(t, now)
	store.Publish(readings.BoilerOutput, fixedpoint.TempFromTenths(700))
	store.Publish(readings.BoilerReturn, fixedpoint.TempFromTenths(300)) // 40.0C differential
	a := arbiter.New(arbiter.Config{Readings: store, Lockout: noLockout{}}, now.Add(-time.Hour))
	a.SetHeatingRequest(true, 50)
	d := a.Evaluate(now)
	if d.InterlocksPass {
		t.Fatal("expected interlocks to fail when differential exceeds the preheat block threshold")
	}
	if !d.PreheatNeeded {
		t.Fatal("expected PreheatNeeded when differential exceeds 35.0C")
	}
}

func TestOperatingSafetyCriticalCeilingTriggersReject(t *testing.T) {
	now := time.Now()
	store := newReadyStore(t, now)
	store.Publish(readings.BoilerOutput, fixedpoint.TempFromTenths(arbiter.CriticalBoilerTemp))
	a := arbiter.New(arbiter.Config{Readings: store, Lockout: noLockout{}}, now.Add(-time.Hour))
	d := a.Evaluate(now)
	if !d.SafetyReject {
		t.Fatal("expected SafetyReject at the critical ceiling")
	}
}

func TestStartupGraceSuppressesSafetyReject(t *testing.T) {
	now := time.Now()
	store := newReadyStore(t, now)
	store.Publish(readings.BoilerOutput, fixedpoint.TempFromTenths(arbiter.CriticalBoilerTemp))
	a := arbiter.New(arbiter.Config{Readings: store, Lockout: noLockout{}}, now)
	d := a.Evaluate(now.Add(time.Second))
	if d.SafetyReject {
		t.Fatal("expected SafetyReject suppressed during the startup grace window")
	}
}
