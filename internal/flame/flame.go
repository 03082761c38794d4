// Package flame holds the most recently read flame-detection digital
// input (spec §4.6: "flame detected" drives ignition confirmation and
// flame-loss supervision). It is a one-bit counterpart to
// internal/readings, split out because it is a digital rather than an
// analog channel and is consulted by both internal/burner and
// internal/arbiter without either importing the other.
//
// Grounded on internal/relay's atomic-bitmask style for a single
// hardware-sensed bit shared between a bus-driven writer and several
// concurrent readers.
package flame

import (
	"sync/atomic"
	"time"
)

// Sensor caches the last-read flame-detected bit and when it was read.
type Sensor struct {
	detected int32 // atomic bool
	lastRead atomic.Value // time.Time
}

// New creates a Sensor reporting not-detected until the first Set.
func New() *Sensor {
	s := &Sensor{}
	s.lastRead.Store(time.Time{})
	return s
}

// Set records the bus-read flame state.
func (s *Sensor) Set(detected bool, now time.Time) {
	var v int32
	if detected {
		v = 1
	}
	atomic.StoreInt32(&s.detected, v)
	s.lastRead.Store(now)
}

// Detected reports the last-read flame state.
func (s *Sensor) Detected() bool { return atomic.LoadInt32(&s.detected) != 0 }

// FlameDetected is an alias of Detected satisfying arbiter.FlameSource's
// exact method name.
func (s *Sensor) FlameDetected() bool { return s.Detected() }

// Stale reports whether the last read is older than threshold.
func (s *Sensor) Stale(now time.Time, threshold time.Duration) bool {
	last, _ := s.lastRead.Load().(time.Time)
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > threshold
}
