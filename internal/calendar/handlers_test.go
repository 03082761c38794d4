package calendar_test

import (
	"testing"

	"github.com/hearthcore/boilerctl/internal/calendar"
)

type recordingSink struct {
	active     bool
	setpoints  []int32
	activities []bool
}

func (s *recordingSink) SetActive(active bool) {
	s.active = active
	s.activities = append(s.activities, active)
}
func (s *recordingSink) SetSetpoint(tenths int32) { s.setpoints = append(s.setpoints, tenths) }

type fixedInsideTemp struct {
	tenths int32
	valid  bool
}

func (f fixedInsideTemp) InsideTemp() (int32, bool) { return f.tenths, f.valid }

func TestSpaceHeatingHandlerOnStartUsesModeDefaultWhenTargetTempZero(t *testing.T) {
	sink := &recordingSink{}
	h := calendar.NewSpaceHeatingHandler(sink, nil)

	h.OnStart(calendar.Schedule{ID: 1, Mode: calendar.ModeEco})

	if !sink.active {
		t.Fatalf("expected sink to be active after OnStart")
	}
	if len(sink.setpoints) != 1 || sink.setpoints[0] != int32(calendar.DefaultEcoTemp) {
		t.Fatalf("expected eco default setpoint %d, got %v", calendar.DefaultEcoTemp, sink.setpoints)
	}
}

func TestSpaceHeatingHandlerOnStartHonorsExplicitTargetTemp(t *testing.T) {
	sink := &recordingSink{}
	h := calendar.NewSpaceHeatingHandler(sink, nil)

	h.OnStart(calendar.Schedule{ID: 1, Mode: calendar.ModeComfort, TargetTemp: 225})

	if len(sink.setpoints) != 1 || sink.setpoints[0] != 225 {
		t.Fatalf("expected explicit setpoint 225, got %v", sink.setpoints)
	}
}

func TestSpaceHeatingHandlerOnEndDropsToFrostSetpoint(t *testing.T) {
	sink := &recordingSink{}
	h := calendar.NewSpaceHeatingHandler(sink, nil)

	h.OnStart(calendar.Schedule{ID: 1, Mode: calendar.ModeComfort})
	h.OnEnd(calendar.Schedule{ID: 1, Mode: calendar.ModeComfort})

	if sink.active {
		t.Fatalf("expected sink inactive after OnEnd")
	}
	last := sink.setpoints[len(sink.setpoints)-1]
	if last != int32(calendar.DefaultFrostTemp) {
		t.Fatalf("expected frost setpoint %d on end, got %d", calendar.DefaultFrostTemp, last)
	}
}

func TestSpaceHeatingHandlerPreheatingMinutesIsPositiveAndCapped(t *testing.T) {
	h := calendar.NewSpaceHeatingHandler(&recordingSink{}, nil)

	got := h.PreheatingMinutes()
	if got <= 0 || got > 180 {
		t.Fatalf("expected preheat lead time in (0,180], got %d", got)
	}
}

func TestSpaceHeatingHandlerSkipsPreheatWhenAlreadyAtTemperature(t *testing.T) {
	sink := &recordingSink{}
	inside := fixedInsideTemp{tenths: 209, valid: true} // within 1.0C of comfort default 210
	h := calendar.NewSpaceHeatingHandler(sink, inside)

	h.OnPreheatingStart(calendar.Schedule{ID: 1, Mode: calendar.ModeComfort}, 30)

	if sink.active || len(sink.setpoints) != 0 {
		t.Fatalf("expected no preheat action when already near target, got active=%v setpoints=%v", sink.active, sink.setpoints)
	}
}

func TestSpaceHeatingHandlerStartsEarlyWhenRoomIsCold(t *testing.T) {
	sink := &recordingSink{}
	inside := fixedInsideTemp{tenths: 150, valid: true} // 6.0C below comfort default 210
	h := calendar.NewSpaceHeatingHandler(sink, inside)

	h.OnPreheatingStart(calendar.Schedule{ID: 1, Mode: calendar.ModeComfort}, 30)

	if !sink.active {
		t.Fatalf("expected preheat to activate the sink")
	}
	if len(sink.setpoints) != 1 || sink.setpoints[0] != int32(calendar.DefaultComfortTemp) {
		t.Fatalf("expected comfort setpoint, got %v", sink.setpoints)
	}
}

func TestSpaceHeatingHandlerPreheatsWithoutInsideSourceConfigured(t *testing.T) {
	sink := &recordingSink{}
	h := calendar.NewSpaceHeatingHandler(sink, nil)

	h.OnPreheatingStart(calendar.Schedule{ID: 1, Mode: calendar.ModeComfort}, 30)

	if !sink.active {
		t.Fatalf("expected preheat to proceed with no inside-temp short-circuit available")
	}
}
