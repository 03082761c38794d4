package faults_test

import (
	"errors"
	"testing"
	"time"

	"github.com/hearthcore/boilerctl/internal/faults"
	"github.com/hearthcore/boilerctl/internal/storage"
)

type recordingPersist struct {
	writes []struct {
		area  string
		index uint8
	}
}

func (r *recordingPersist) WriteSlot(a storage.Area, index uint8, payload []byte) error {
	r.writes = append(r.writes, struct {
		area  string
		index uint8
	}{a.Name, index})
	return nil
}

func TestRecordAppendsToGeneralRing(t *testing.T) {
	l := faults.NewLog()
	l.Record(faults.BusError, "timeout on boiler read")
	entries := l.General()
	if len(entries) != 1 || entries[0].Kind != faults.BusError {
		t.Fatalf("General() = %v, want one bus_error entry", entries)
	}
}

func TestCriticalKindAlsoLandsInCriticalRing(t *testing.T) {
	l := faults.NewLog()
	l.Record(faults.FlameFailure, "flame lost mid-burn")
	if len(l.Critical()) != 1 {
		t.Fatalf("Critical() length = %d, want 1 for a critical kind", len(l.Critical()))
	}
}

func TestNonCriticalKindStaysOutOfCriticalRing(t *testing.T) {
	l := faults.NewLog()
	l.Record(faults.SensorInvalid, "dhw tank sensor out of range")
	if len(l.Critical()) != 0 {
		t.Fatalf("Critical() length = %d, want 0 for a non-critical kind", len(l.Critical()))
	}
}

func TestRepeatedKindBacksOffExponentially(t *testing.T) {
	now := time.Now()
	l := faults.NewLog(faults.WithClock(func() time.Time { return now }))

	l.Record(faults.BusError, "first")
	now = now.Add(500 * time.Millisecond)
	l.Record(faults.BusError, "suppressed, inside 1s floor")
	if len(l.General()) != 1 {
		t.Fatalf("expected the second occurrence to be suppressed within the 1s floor, got %d entries", len(l.General()))
	}

	now = now.Add(time.Second)
	l.Record(faults.BusError, "second real occurrence")
	entries := l.General()
	if len(entries) != 2 {
		t.Fatalf("expected a second entry after the interval elapsed, got %d", len(entries))
	}
	if entries[1].Count != 2 {
		t.Fatalf("expected the second entry to report 1 suppressed occurrence (count=2), got %d", entries[1].Count)
	}
}

func TestGeneralRingWrapsAtCapacity(t *testing.T) {
	now := time.Now()
	l := faults.NewLog(faults.WithClock(func() time.Time { return now }))
	for i := 0; i < 60; i++ {
		l.Record(faults.Kind(i%13), "x")
		now = now.Add(time.Hour)
	}
	if len(l.General()) != 50 {
		t.Fatalf("General() length = %d, want capped at 50", len(l.General()))
	}
}

func TestRecordWrappedIncludesCauseContext(t *testing.T) {
	l := faults.NewLog()
	l.RecordWrapped(faults.BusError, "boiler read", errors.New("i2c nak"))
	entries := l.General()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].Detail == "" {
		t.Fatal("expected a non-empty wrapped detail message")
	}
}

func TestPersistenceWritesSlotsForGeneralAndCritical(t *testing.T) {
	p := &recordingPersist{}
	l := faults.NewLog(faults.WithPersistence(p))
	l.Record(faults.FlameFailure, "flame lost")
	if len(p.writes) != 2 {
		t.Fatalf("expected 2 slot writes (general + critical) for a critical kind, got %d", len(p.writes))
	}
}
