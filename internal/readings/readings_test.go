package readings_test

import (
	"testing"
	"time"

	"github.com/hearthcore/boilerctl/internal/fixedpoint"
	"github.com/hearthcore/boilerctl/internal/readings"
)

type fakeFaults struct {
	lastChannel readings.Channel
	lastValue   fixedpoint.Temperature
	calls       int
}

func (f *fakeFaults) RecordSensorInvalid(ch readings.Channel, value fixedpoint.Temperature) {
	f.lastChannel, f.lastValue, f.calls = ch, value, f.calls+1
}

func TestPublishValidWithinRange(t *testing.T) {
	s := readings.New()
	s.Publish(readings.BoilerOutput, fixedpoint.TempFromWhole(70))

	snap := s.Read(readings.BoilerOutput)
	if !snap.Valid {
		t.Fatal("expected valid reading")
	}
	if snap.Value != fixedpoint.TempFromWhole(70) {
		t.Errorf("Value = %v, want 70C", snap.Value)
	}
}

func TestPublishOutOfRangeClearsValidAndFaults(t *testing.T) {
	ff := &fakeFaults{}
	s := readings.New(readings.WithFaultRecorder(ff))
	// DHW tank range is [-50, 100]C; 150C is out of range.
	s.Publish(readings.DHWTank, fixedpoint.TempFromWhole(150))

	snap := s.Read(readings.DHWTank)
	if snap.Valid {
		t.Fatal("expected invalid reading for out-of-range publish")
	}
	if ff.calls != 1 {
		t.Fatalf("expected 1 fault recorded, got %d", ff.calls)
	}
}

func TestStaleReadingBecomesInvalid(t *testing.T) {
	now := time.Now()
	clock := now
	s := readings.New(readings.WithClock(func() time.Time { return clock }))
	s.Publish(readings.BoilerOutput, fixedpoint.TempFromWhole(60))

	clock = now.Add(16 * time.Second) // > StaleThreshold (15s)
	snap := s.Read(readings.BoilerOutput)
	if snap.Valid {
		t.Fatal("expected stale reading to be invalid")
	}
	if !snap.Stale {
		t.Fatal("expected Stale to be set")
	}
}

func TestFirstReadCompleteGatesOnAllRequiredChannels(t *testing.T) {
	s := readings.New(readings.WithRequiredChannels(readings.BoilerOutput, readings.Inside))

	select {
	case <-s.FirstReadComplete():
		t.Fatal("FirstReadComplete fired before any publish")
	default:
	}

	s.Publish(readings.BoilerOutput, fixedpoint.TempFromWhole(50))
	select {
	case <-s.FirstReadComplete():
		t.Fatal("FirstReadComplete fired before all required channels published")
	default:
	}

	s.Publish(readings.Inside, fixedpoint.TempFromWhole(20))
	select {
	case <-s.FirstReadComplete():
	default:
		t.Fatal("FirstReadComplete did not fire after all required channels published")
	}
}

func TestAnyStale(t *testing.T) {
	s := readings.New()
	if !s.AnyStale(readings.BoilerOutput) {
		t.Fatal("unpublished channel should count as stale/invalid")
	}
	s.Publish(readings.BoilerOutput, fixedpoint.TempFromWhole(50))
	if s.AnyStale(readings.BoilerOutput) {
		t.Fatal("freshly published channel should not be stale")
	}
}
