// Package preheater implements the return preheater (spec §4.8):
// thermal-shock mitigation by progressively cycling the heating pump to
// warm the return line before the burner is allowed to fire against a
// large output/return differential.
//
// Grounded directly on original_source's
// include/modules/control/ReturnPreheater.h public surface: Start,
// Update, IsComplete, IsSuccess, State, CurrentCycle, Progress, and
// ShouldPumpBeOn are all carried over, generalized from package-level
// statics to a value receiver so multiple preheaters could coexist in
// tests without shared global state.
package preheater

import "time"

// State is the preheater's lifecycle.
type State int

const (
	Idle State = iota
	Preheating
	Complete
	Timeout
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Preheating:
		return "PREHEATING"
	case Complete:
		return "COMPLETE"
	case Timeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// SafeDifferential is the differential (tenths of a degree) at or below
// which preheating is considered complete.
const SafeDifferential = 250 // 25.0C

// BlockDifferential is the differential above which the burner is
// blocked and preheating must run (spec §4.8).
const BlockDifferential = 350 // 35.0C

// MaxCycles bounds the progressive cycling before giving up (spec §4.8:
// "eight cycles").
const MaxCycles = 8

// OverallTimeout bounds the total preheating duration.
const OverallTimeout = 10 * time.Minute

// onDurations and offDurations give the progressive ON/OFF schedule per
// cycle index (1-based cycle number, clamped to the last entry).
var onDurations = []time.Duration{
	3 * time.Second, 5 * time.Second, 8 * time.Second, 12 * time.Second, 15 * time.Second,
}

var offDurations = []time.Duration{
	25 * time.Second, 20 * time.Second, 15 * time.Second, 10 * time.Second, 5 * time.Second,
}

func durationForCycle(table []time.Duration, cycle int) time.Duration {
	idx := cycle - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(table) {
		idx = len(table) - 1
	}
	return table[idx]
}

// DifferentialSource reports the current output/return temperature
// differential, in tenths of a degree. A narrow interface so preheater
// need not import internal/readings directly.
type DifferentialSource interface {
	Differential() (tenths int32, valid bool)
}

// Preheater runs the progressive pump-cycling sequence.
type Preheater struct {
	diff DifferentialSource

	state            State
	currentCycle     int
	cycleStartAt     time.Time
	preheatStartAt   time.Time
	pumpOn           bool
	lastPumpChangeAt time.Time
}

// New creates an idle Preheater reading the differential from src.
func New(src DifferentialSource) *Preheater {
	return &Preheater{diff: src, state: Idle}
}

// Start begins a preheating sequence. Returns false if one is already
// in progress.
func (p *Preheater) Start(now time.Time) bool {
	if p.state == Preheating {
		return false
	}
	p.state = Preheating
	p.currentCycle = 1
	p.preheatStartAt = now
	p.cycleStartAt = now
	p.pumpOn = true
	p.lastPumpChangeAt = now
	return true
}

// Stop force-stops preheating, returning to IDLE.
func (p *Preheater) Stop() {
	p.state = Idle
	p.pumpOn = false
}

// Reset returns the preheater to IDLE for a future cycle.
func (p *Preheater) Reset() {
	p.state = Idle
	p.currentCycle = 0
	p.pumpOn = false
}

// State returns the current lifecycle state.
func (p *Preheater) State() State { return p.state }

// CurrentCycle returns the 1-based cycle number, 0 if not active.
func (p *Preheater) CurrentCycle() int { return p.currentCycle }

// Active reports whether the preheater currently owns the pump's
// ON/OFF decision (satisfies internal/pump's PreheatSource interface).
func (p *Preheater) Active() bool { return p.state == Preheating }

// ShouldPumpBeOn reports whether the heating pump (C9) should be
// driven ON right now; C9 consults this instead of its own mode flag
// while preheating is active.
func (p *Preheater) ShouldPumpBeOn() bool {
	return p.state == Preheating && p.pumpOn
}

// Progress returns an estimated 0-100 completion based on cycles done.
func (p *Preheater) Progress() int {
	switch p.state {
	case Idle:
		return 0
	case Complete:
		return 100
	case Timeout:
		return 100
	}
	return p.currentCycle * 100 / MaxCycles
}

// IsComplete reports whether the sequence has finished, successfully or
// by timeout.
func (p *Preheater) IsComplete() bool {
	return p.state == Complete || p.state == Timeout
}

// IsSuccess reports whether preheating finished because the
// differential became safe (as opposed to timing out).
func (p *Preheater) IsSuccess() bool { return p.state == Complete }

// Update advances the pump-cycling state machine. Call periodically
// (spec recommends 100-500ms); returns true once IsComplete() would.
func (p *Preheater) Update(now time.Time) bool {
	if p.state != Preheating {
		return p.IsComplete()
	}

	if now.Sub(p.preheatStartAt) > OverallTimeout {
		p.state = Timeout
		p.pumpOn = false
		return true
	}

	if p.isDifferentialSafe() {
		p.state = Complete
		p.pumpOn = false
		return true
	}

	var phaseDuration time.Duration
	if p.pumpOn {
		phaseDuration = durationForCycle(onDurations, p.currentCycle)
	} else {
		phaseDuration = durationForCycle(offDurations, p.currentCycle)
	}

	if now.Sub(p.cycleStartAt) >= phaseDuration {
		if p.pumpOn {
			// Completed an ON phase; move into its OFF phase.
			p.pumpOn = false
		} else {
			// Completed an OFF phase; that's one full cycle done.
			p.currentCycle++
			if p.currentCycle > MaxCycles {
				p.state = Timeout
				p.pumpOn = false
				return true
			}
			p.pumpOn = true
		}
		p.cycleStartAt = now
		p.lastPumpChangeAt = now
	}

	return false
}

func (p *Preheater) isDifferentialSafe() bool {
	diff, valid := p.diff.Differential()
	if !valid {
		return false
	}
	if diff < 0 {
		diff = -diff
	}
	return diff <= SafeDifferential
}
