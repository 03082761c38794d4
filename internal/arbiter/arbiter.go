// Package arbiter implements demand arbitration between HEATING and
// WATER requests and the pre-ignition/operating safety validator
// (spec §4.7) that feeds internal/burner's InterlocksPass, SafetyReject
// and FlameLoss inputs.
//
// Grounded on spec.md §4.7 and original_source's SystemConstants.h
// (MAX_BOILER_TEMP_C/CRITICAL_BOILER_TEMP_C, WATER_MAX_SAFE_TEMP_C,
// pressure MIN/MAX_OPERATING and ALARM_MIN/MAX, SENSOR_STALE_THRESHOLD_MS,
// CRITICAL_CHECK_INTERVAL_MS) plus STARTUP_GRACE_PERIOD_MS/
// MODE_TRANSITION_GRACE_MS (a supplemented feature per SPEC_FULL.md §4).
package arbiter

import (
	"time"

	"github.com/hearthcore/boilerctl/internal/fixedpoint"
	"github.com/hearthcore/boilerctl/internal/readings"
)

// DemandKind identifies the two burner consumers that compete for it.
type DemandKind int

const (
	DemandNone DemandKind = iota
	DemandHeating
	DemandWater
)

// Pre-ignition interlock thresholds (spec §4.7).
const (
	MaxBoilerTemp      = 1100 // tenths °C, 110.0°C operational ceiling
	CriticalBoilerTemp = 1150 // tenths °C, 115.0°C emergency shutdown
	MaxWaterTankTemp   = 650  // tenths °C, 65.0°C

	PressureOperatingMin = 100 // hundredths bar, 1.00 bar
	PressureOperatingMax = 350 // hundredths bar, 3.50 bar
	PressureAlarmMin     = 50  // hundredths bar, 0.50 bar
	PressureAlarmMax     = 400 // hundredths bar, 4.00 bar

	PreheatBlockDifferential = 350 // tenths °C, 35.0°C — preheater must run first above this

	// MaxRateOfRise is the operating-check ceiling on boiler output
	// temperature rise (spec §4.7: "rate of rise ≤ 10 °C/s").
	MaxRateOfRise = 100 // tenths °C per second

	// OperatingCheckInterval is the cadence operating checks are
	// sampled at (spec §4.7: "every 100 ms at worst").
	OperatingCheckInterval = 100 * time.Millisecond

	// StartupGrace suppresses operating-check SafetyReject for a brief
	// window after boot while sensors are still warming up; the
	// violation is still recorded with the FaultRecorder.
	StartupGrace = 60 * time.Second

	// ModeTransitionGrace suppresses spurious safety rejects for a
	// brief window after a demand handoff between HEATING and WATER.
	ModeTransitionGrace = 2 * time.Second
)

// Request is one demand source's current ask of the arbiter.
type Request struct {
	Kind    DemandKind
	Active  bool
	Percent int // requested PID output percent, consulted only when granted
}

// Decision is the arbiter's verdict for the current tick.
type Decision struct {
	Granted        DemandKind
	DemandActive   bool
	RequestedPIDPercent int
	InterlocksPass bool
	SafetyReject   bool
	FlameLoss      bool
	PreheatNeeded  bool
}

// FaultRecorder is notified of operating-check violations. Narrow
// interface so arbiter need not import internal/faults directly.
type FaultRecorder interface {
	RecordOperationUnsafe(detail string)
}

// LockoutSource reports whether the burner is currently in a lockout
// state, one of the pre-ignition interlocks.
type LockoutSource interface {
	InLockout() bool
}

// FlameSource reports the current flame-sensed state, used for both
// the pre-ignition interlock and the operating-check consistency test.
type FlameSource interface {
	FlameDetected() bool
}

// BurnerActiveSource reports whether the burner state machine is
// currently in a state where flame should be present, for the
// operating-check "flame supervision consistent with burner state"
// rule.
type BurnerActiveSource interface {
	FlameExpected() bool
}

// Config wires the Arbiter's dependencies.
type Config struct {
	Readings   *readings.Store
	Lockout    LockoutSource
	Flame      FlameSource
	BurnerState BurnerActiveSource
	Faults     FaultRecorder
	WaterPriority bool
}

// Arbiter holds current demand requests and the last-held-by winner,
// and produces Decisions for internal/burner on every tick.
type Arbiter struct {
	cfg Config

	heating Request
	water   Request

	holder        DemandKind
	holderSince   time.Time
	startedAt     time.Time
	lastSwitchAt  time.Time

	lastBoilerOutput fixedpoint.Temperature
	haveLastOutput   bool
	lastRiseCheck    time.Time
}

// New creates an Arbiter. startedAt establishes the startup grace window.
func New(cfg Config, startedAt time.Time) *Arbiter {
	return &Arbiter{cfg: cfg, startedAt: startedAt}
}

// SetHeatingRequest updates the HEATING demand source's current ask.
func (a *Arbiter) SetHeatingRequest(active bool, percent int) {
	a.heating = Request{Kind: DemandHeating, Active: active, Percent: percent}
}

// SetWaterRequest updates the WATER demand source's current ask.
func (a *Arbiter) SetWaterRequest(active bool, percent int) {
	a.water = Request{Kind: DemandWater, Active: active, Percent: percent}
}

// Arbitrate resolves which demand holds the burner (spec §4.7: "if
// WATER_PRIORITY is set and water demand is active, the heating demand
// is suspended ... otherwise, whichever becomes active first holds the
// burner until it releases; the other is deferred").
func (a *Arbiter) arbitrate(now time.Time) DemandKind {
	if a.cfg.WaterPriority && a.water.Active {
		if a.holder != DemandWater {
			a.holder = DemandWater
			a.lastSwitchAt = now
		}
		return DemandWater
	}

	switch a.holder {
	case DemandHeating:
		if a.heating.Active {
			return DemandHeating
		}
		a.holder = DemandNone
	case DemandWater:
		if a.water.Active {
			return DemandWater
		}
		a.holder = DemandNone
	}

	if a.holder == DemandNone {
		switch {
		case a.heating.Active:
			a.holder = DemandHeating
			a.lastSwitchAt = now
		case a.water.Active:
			a.holder = DemandWater
			a.lastSwitchAt = now
		}
	}
	return a.holder
}

// Evaluate runs arbitration plus the pre-ignition interlocks and
// returns the Decision internal/burner should be driven with.
func (a *Arbiter) Evaluate(now time.Time) Decision {
	granted := a.arbitrate(now)

	var d Decision
	d.Granted = granted
	switch granted {
	case DemandHeating:
		d.DemandActive = a.heating.Active
		d.RequestedPIDPercent = a.heating.Percent
	case DemandWater:
		d.DemandActive = a.water.Active
		d.RequestedPIDPercent = a.water.Percent
	}

	d.InterlocksPass, d.PreheatNeeded = a.checkInterlocks(granted)
	d.SafetyReject = a.checkOperatingSafety(now)
	d.FlameLoss = a.cfg.Flame != nil && a.cfg.BurnerState != nil &&
		a.cfg.BurnerState.FlameExpected() && !a.cfg.Flame.FlameDetected()
	return d
}

func (a *Arbiter) inStartupGrace(now time.Time) bool {
	return now.Sub(a.startedAt) < StartupGrace
}

func (a *Arbiter) inModeTransitionGrace(now time.Time) bool {
	return !a.lastSwitchAt.IsZero() && now.Sub(a.lastSwitchAt) < ModeTransitionGrace
}

// checkInterlocks evaluates the pre-ignition interlock list (spec
// §4.7). It raises no fault: a failed interlock only yields
// pass=false, and preheatNeeded is set when the output-return
// differential is the only interlock that blocks ignition.
func (a *Arbiter) checkInterlocks(granted DemandKind) (pass bool, preheatNeeded bool) {
	if a.cfg.Readings == nil {
		return false, false
	}

	output := a.cfg.Readings.Read(readings.BoilerOutput)
	ret := a.cfg.Readings.Read(readings.BoilerReturn)
	pressure := a.cfg.Readings.ReadPressure()

	if !output.Valid || output.Value.Cmp(fixedpoint.TempFromTenths(MaxBoilerTemp)) >= 0 {
		return false, false
	}
	if granted == DemandWater {
		dhw := a.cfg.Readings.Read(readings.DHWTank)
		if !dhw.Valid || dhw.Value.Cmp(fixedpoint.TempFromTenths(MaxWaterTankTemp)) >= 0 {
			return false, false
		}
	}
	if !pressure.Valid {
		return false, false
	}
	pv := int(pressure.Value)
	if pv < PressureOperatingMin || pv > PressureOperatingMax {
		return false, false
	}
	if output.Stale || ret.Stale || pressure.Stale {
		return false, false
	}
	if a.cfg.Lockout != nil && a.cfg.Lockout.InLockout() {
		return false, false
	}

	if ret.Valid {
		diff := output.Value.Sub(ret.Value)
		if diff.Cmp(fixedpoint.TempFromTenths(PreheatBlockDifferential)) >= 0 {
			return false, true
		}
	}

	return true, false
}

// checkOperatingSafety samples the running operating checks (spec
// §4.7) and reports whether a violation was found. A violation is
// recorded and reported on every sample in which it holds; repeated
// identical faults are rate-limited upstream by internal/faults.
func (a *Arbiter) checkOperatingSafety(now time.Time) bool {
	if a.cfg.Readings == nil {
		return false
	}
	if !a.lastRiseCheck.IsZero() && now.Sub(a.lastRiseCheck) < OperatingCheckInterval {
		return false
	}
	elapsed := now.Sub(a.lastRiseCheck)
	prevCheck := a.lastRiseCheck
	a.lastRiseCheck = now

	output := a.cfg.Readings.Read(readings.BoilerOutput)
	if !output.Valid {
		return false
	}

	violated := false
	if output.Value.Cmp(fixedpoint.TempFromTenths(CriticalBoilerTemp)) >= 0 {
		violated = true
		a.recordUnsafe("boiler output at or above critical ceiling")
	}
	if a.haveLastOutput && !prevCheck.IsZero() && elapsed > 0 {
		delta := int(output.Value.Sub(a.lastBoilerOutput))
		ratePerSecond := delta * int(time.Second) / int(elapsed)
		if ratePerSecond > MaxRateOfRise {
			violated = true
			a.recordUnsafe("boiler output rate of rise exceeded")
		}
	}
	a.lastBoilerOutput = output.Value
	a.haveLastOutput = true

	if violated && (a.inStartupGrace(now) || a.inModeTransitionGrace(now)) {
		return false
	}
	return violated
}

func (a *Arbiter) recordUnsafe(detail string) {
	if a.cfg.Faults != nil {
		a.cfg.Faults.RecordOperationUnsafe(detail)
	}
}
