// Package pump implements the two pump controllers (heating, DHW) of
// spec §4.9: each drives its relay ON while its mode is active or while
// in a post-mode cooldown, deferring entirely to the return preheater
// while it is running.
//
// Grounded on spec.md §4.9 and original_source's
// SystemConstants::Control::PUMP_COOLDOWN_MS / PUMP_MIN_STATE_CHANGE_MS.
package pump

import "time"

// Cooldown is the default duration a pump keeps running after its mode
// turns off, to dissipate residual heat (spec §4.9).
const Cooldown = 3 * time.Minute

// MinStateChangeInterval is the default motor-protection interval
// between ON/OFF transitions (shared with internal/relay's default).
const MinStateChangeInterval = 30 * time.Second

// StartCounter persists a lifetime pump-start count. Narrow interface so
// pump need not import internal/storage directly.
type StartCounter interface {
	IncrementPumpStarts(id string)
}

// PreheatSource reports whether the return preheater currently wants
// this pump ON, overriding the mode flag entirely while active.
type PreheatSource interface {
	Active() bool
	ShouldPumpBeOn() bool
}

// Config parameterizes one pump instance (spec §4.9: "two identical
// instances parameterised by a configuration record").
type Config struct {
	ID              string // used as the persistent start-counter key
	CooldownDuration time.Duration
}

// Controller is one pump instance's runtime state.
type Controller struct {
	cfg      Config
	counter  StartCounter
	preheat  PreheatSource

	modeActive   bool
	pumpOn       bool
	modeOffAt    time.Time
	lastChangeAt time.Time
}

// New creates a Controller. counter and preheat may be nil (no-op).
func New(cfg Config, counter StartCounter, preheat PreheatSource) *Controller {
	if cfg.CooldownDuration == 0 {
		cfg.CooldownDuration = Cooldown
	}
	return &Controller{cfg: cfg, counter: counter, preheat: preheat}
}

// SetMode activates or deactivates this pump's mode (e.g. "heating
// enabled", "DHW enabled"). Turning it off starts the cooldown window.
func (c *Controller) SetMode(active bool, now time.Time) {
	if c.modeActive && !active {
		c.modeOffAt = now
	}
	c.modeActive = active
}

// Update recomputes the pump's desired ON/OFF state and returns it.
// While the preheater is active, it alone decides; otherwise the pump
// runs if its mode is active or it is still within its cooldown window.
func (c *Controller) Update(now time.Time) bool {
	var want bool
	if c.preheat != nil && c.preheat.Active() {
		want = c.preheat.ShouldPumpBeOn()
	} else {
		inCooldown := !c.modeActive && !c.modeOffAt.IsZero() && now.Sub(c.modeOffAt) < c.cfg.CooldownDuration
		want = c.modeActive || inCooldown
	}

	if want && !c.pumpOn {
		c.lastChangeAt = now
		if c.counter != nil {
			c.counter.IncrementPumpStarts(c.cfg.ID)
		}
	} else if !want && c.pumpOn {
		c.lastChangeAt = now
	}
	c.pumpOn = want
	return c.pumpOn
}

// On reports the pump's last computed desired state.
func (c *Controller) On() bool { return c.pumpOn }
