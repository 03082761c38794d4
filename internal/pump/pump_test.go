package pump_test

import (
	"testing"
	"time"

	"github.com/hearthcore/boilerctl/internal/pump"
)

type fakeCounter struct {
	counts map[string]int
}

func newFakeCounter() *fakeCounter { return &fakeCounter{counts: map[string]int{}} }

func (f *fakeCounter) IncrementPumpStarts(id string) { f.counts[id]++ }

type fakePreheat struct {
	active  bool
	pumpOn  bool
}

func (f *fakePreheat) Active() bool         { return f.active }
func (f *fakePreheat) ShouldPumpBeOn() bool { return f.pumpOn }

func TestPumpFollowsMode(t *testing.T) {
	counter := newFakeCounter()
	c := pump.New(pump.Config{ID: "heating"}, counter, nil)
	now := time.Now()

	if c.Update(now) {
		t.Fatal("expected pump OFF with mode inactive")
	}
	c.SetMode(true, now)
	if !c.Update(now) {
		t.Fatal("expected pump ON once mode activated")
	}
	if counter.counts["heating"] != 1 {
		t.Fatalf("start counter = %d, want 1", counter.counts["heating"])
	}
}

func TestPumpCooldownAfterModeOff(t *testing.T) {
	c := pump.New(pump.Config{ID: "heating", CooldownDuration: time.Minute}, nil, nil)
	now := time.Now()
	c.SetMode(true, now)
	c.Update(now)

	now = now.Add(time.Second)
	c.SetMode(false, now)
	if !c.Update(now) {
		t.Fatal("expected pump still ON immediately after mode off (cooldown)")
	}

	now = now.Add(2 * time.Minute)
	if c.Update(now) {
		t.Fatal("expected pump OFF once cooldown elapses")
	}
}

func TestPreheaterOverridesMode(t *testing.T) {
	preheat := &fakePreheat{active: true, pumpOn: true}
	c := pump.New(pump.Config{ID: "heating"}, nil, preheat)
	now := time.Now()
	// Mode is off, but preheater says pump should run.
	if !c.Update(now) {
		t.Fatal("expected preheater to override an inactive mode")
	}

	c.SetMode(true, now)
	preheat.pumpOn = false
	if c.Update(now) {
		t.Fatal("expected preheater OFF decision to be honored even with mode active")
	}
}

func TestStartCounterIncrementsOnlyOnOffToOnTransition(t *testing.T) {
	counter := newFakeCounter()
	c := pump.New(pump.Config{ID: "dhw"}, counter, nil)
	now := time.Now()
	c.SetMode(true, now)
	c.Update(now)
	c.Update(now.Add(time.Second))
	c.Update(now.Add(2 * time.Second))
	if counter.counts["dhw"] != 1 {
		t.Fatalf("start counter = %d, want 1 (only increments on OFF->ON)", counter.counts["dhw"])
	}
}
