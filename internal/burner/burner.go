// Package burner implements the burner hierarchical state machine
// (spec §4.6): the total transition table governing ignition, firing,
// purge, lockout, and emergency stop, together with the anti-short-cycle
// timers that protect the appliance from rapid cycling.
//
// The transition table is exhaustive and literal, so it is encoded
// directly as Go code rather than through a registered-handler
// indirection; the general shape (per-state timeout, entry/exit hooks)
// is grounded on original_source's utils/StateMachine.h.
package burner

import "time"

// State is one node of the burner's hierarchical state machine.
type State int

const (
	Idle State = iota
	PrePurge
	Ignition
	BurningLow
	BurningHigh
	PostPurge
	Lockout
	ErrorState
	EmergencyStop
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case PrePurge:
		return "PRE_PURGE"
	case Ignition:
		return "IGNITION"
	case BurningLow:
		return "BURNING_LOW"
	case BurningHigh:
		return "BURNING_HIGH"
	case PostPurge:
		return "POST_PURGE"
	case Lockout:
		return "LOCKOUT"
	case ErrorState:
		return "ERROR"
	case EmergencyStop:
		return "EMERGENCY_STOP"
	default:
		return "UNKNOWN"
	}
}

// Timing constants, spec §4.6.
const (
	PrePurgeDuration     = 2 * time.Second
	MinIgnitionDuration  = 3 * time.Second
	IgnitionRetryTimeout = 5 * time.Second
	MaxIgnitionAttempts  = 3
	LockoutDuration      = 300 * time.Second
	PostPurgeDuration    = 60 * time.Second
	MinOnTime            = 120 * time.Second
	MinOffTime           = 20 * time.Second
	MinPowerChangeGap    = 15 * time.Second
	PowerChangeThreshold = 10 // percent; a power change smaller than this never flaps states
	HighPowerThreshold   = 50 // percent; > this uses BURNING_HIGH, <= uses BURNING_LOW
	DefaultRequestExpiry = 600 * time.Second
)

// Inputs is the set of externally driven signals the state machine
// reads on every Update. All of it is a point-in-time snapshot; the
// state machine holds no reference back to its sources.
type Inputs struct {
	Now time.Time

	DemandActive  bool // a heating or water demand currently wants the burner
	RequestedPIDPercent int // the PID's current requested power, [-100,100] but only >0 is fired

	InterlocksPass bool // C7 pre-ignition interlocks all hold
	FlameDetected  bool
	SafetyReject   bool // C7 operating-check violation (OperationUnsafe)
	FlameLoss      bool

	EmergencyRequested bool
	ResetRequested     bool
	FatalFault         bool
}

// SM is the burner state machine. It is not safe for concurrent use;
// the owning task serializes all calls.
type SM struct {
	state          State
	enteredAt      time.Time
	ignitionAttempt int

	lastOffAt     time.Time
	lastOnAt      time.Time
	lastPowerChangeAt time.Time
	lastPower     int

	lastDemandAt time.Time
	haveDemand   bool
}

// New creates an SM starting in IDLE.
func New(now time.Time) *SM {
	return &SM{state: Idle, enteredAt: now, lastOffAt: now}
}

// State returns the current state.
func (m *SM) State() State { return m.state }

// TimeInState returns how long the machine has been in its current state.
func (m *SM) TimeInState(now time.Time) time.Duration { return now.Sub(m.enteredAt) }

// InLockout implements internal/arbiter's LockoutSource: the burner may
// not be granted a demand while it is in LOCKOUT.
func (m *SM) InLockout() bool { return m.state == Lockout }

// FlameExpected implements internal/arbiter's BurnerActiveSource: flame
// should be present in BURNING_LOW/BURNING_HIGH and nowhere else, used
// by the operating check's flame-supervision consistency test.
func (m *SM) FlameExpected() bool { return m.state == BurningLow || m.state == BurningHigh }

func (m *SM) transition(to State, now time.Time) {
	if to == m.state {
		return
	}
	if m.state == BurningLow || m.state == BurningHigh {
		if to == PostPurge || to == ErrorState || to == EmergencyStop {
			m.lastOffAt = now
		}
	}
	m.state = to
	m.enteredAt = now
	if to == Ignition {
		// attempts counter is managed by Update (reset on IDLE -> PRE_PURGE)
	}
}

// NoteDemandRefresh must be called whenever the arbiter refreshes an
// active demand; if it isn't called within RequestExpiry the demand is
// treated as cleared (spec §4.6).
func (m *SM) NoteDemandRefresh(now time.Time) {
	m.lastDemandAt = now
	m.haveDemand = true
}

// demandActive reports whether a demand is active and not expired.
func (m *SM) demandActive(in Inputs) bool {
	if !in.DemandActive {
		return false
	}
	if m.haveDemand && in.Now.Sub(m.lastDemandAt) > DefaultRequestExpiry {
		return false
	}
	return true
}

// Update advances the state machine by one control-loop tick given the
// current Inputs, and returns the resulting state.
func (m *SM) Update(in Inputs) State {
	now := in.Now

	if in.EmergencyRequested && m.state != EmergencyStop {
		m.transition(EmergencyStop, now)
		return m.state
	}

	switch m.state {
	case Idle:
		if in.FatalFault {
			m.transition(Lockout, now)
			break
		}
		if m.demandActive(in) && in.InterlocksPass {
			if now.Sub(m.lastOffAt) >= MinOffTime {
				m.ignitionAttempt = 0
				m.transition(PrePurge, now)
			}
		}

	case PrePurge:
		if now.Sub(m.enteredAt) >= PrePurgeDuration {
			m.lastOnAt = now
			m.transition(Ignition, now)
		}

	case Ignition:
		elapsed := now.Sub(m.enteredAt)
		if in.FlameDetected && elapsed >= MinIgnitionDuration {
			if in.RequestedPIDPercent > HighPowerThreshold {
				m.lastPowerChangeAt = now
				m.lastPower = in.RequestedPIDPercent
				m.transition(BurningHigh, now)
			} else {
				m.lastPowerChangeAt = now
				m.lastPower = in.RequestedPIDPercent
				m.transition(BurningLow, now)
			}
			break
		}
		if !in.FlameDetected && elapsed >= IgnitionRetryTimeout {
			m.ignitionAttempt++
			if m.ignitionAttempt >= MaxIgnitionAttempts {
				m.transition(Lockout, now)
			} else {
				// retry: re-enter IGNITION, resetting the timer.
				m.enteredAt = now
			}
		}

	case BurningLow, BurningHigh:
		if in.FlameLoss || in.SafetyReject {
			m.transition(ErrorState, now)
			break
		}
		if !m.demandActive(in) {
			if now.Sub(m.lastOnAt) >= MinOnTime {
				m.transition(PostPurge, now)
			}
			break
		}
		// Power level changes, anti-flap gated.
		wantHigh := in.RequestedPIDPercent > HighPowerThreshold
		inHigh := m.state == BurningHigh
		powerDelta := in.RequestedPIDPercent - m.lastPower
		if powerDelta < 0 {
			powerDelta = -powerDelta
		}
		if wantHigh != inHigh &&
			now.Sub(m.lastPowerChangeAt) >= MinPowerChangeGap &&
			powerDelta > PowerChangeThreshold {
			m.lastPowerChangeAt = now
			m.lastPower = in.RequestedPIDPercent
			if wantHigh {
				m.transition(BurningHigh, now)
			} else {
				m.transition(BurningLow, now)
			}
		}

	case PostPurge:
		if now.Sub(m.enteredAt) >= PostPurgeDuration {
			m.transition(Idle, now)
		}

	case Lockout:
		if in.ResetRequested || now.Sub(m.enteredAt) >= LockoutDuration {
			m.transition(Idle, now)
		}

	case ErrorState:
		if in.ResetRequested {
			m.transition(Idle, now)
		}

	case EmergencyStop:
		if in.ResetRequested && in.InterlocksPass {
			m.transition(Idle, now)
		}
	}

	return m.state
}

// IgnitionAttempts returns the number of ignition attempts made during
// the current ignition sequence (reset on entry to PRE_PURGE).
func (m *SM) IgnitionAttempts() int { return m.ignitionAttempt }
