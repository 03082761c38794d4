package pid_test

import (
	"testing"

	"github.com/hearthcore/boilerctl/internal/pid"
)

func TestStepConvergesTowardSetpoint(t *testing.T) {
	c := pid.NewController(pid.Gains{Kp: 2000, Ki: 100, Kd: 0}) // Kp=2.0, Ki=0.1
	c.SetSetpoint(700)                                          // 70.0C

	out := c.Step(600) // 60.0C, large positive error
	if out <= 0 {
		t.Fatalf("expected positive output when PV below setpoint, got %d", out)
	}
}

func TestOutputClampedToRange(t *testing.T) {
	c := pid.NewController(pid.Gains{Kp: 100000, Ki: 0, Kd: 0})
	c.SetSetpoint(1000)
	out := c.Step(0)
	if out != pid.OutputMax {
		t.Errorf("Step() = %d, want clamped to OutputMax %d", out, pid.OutputMax)
	}
}

func TestNoDerivativeKickOnSetpointChange(t *testing.T) {
	c := pid.NewController(pid.Gains{Kp: 0, Ki: 0, Kd: 5000})
	c.SetSetpoint(500)
	out1 := c.Step(500) // PV steady, no derivative term on first sample (havePV false)
	if out1 != 0 {
		t.Errorf("first Step() = %d, want 0 (no prior PV to derive against)", out1)
	}

	// A setpoint jump alone, with PV unchanged, must not produce output
	// from the D term since derivative acts on PV, not error.
	c.SetSetpoint(900)
	out2 := c.Step(500)
	if out2 != 0 {
		t.Errorf("Step() after setpoint jump with unchanged PV = %d, want 0", out2)
	}
}

func TestResetClearsIntegral(t *testing.T) {
	c := pid.NewController(pid.Gains{Kp: 0, Ki: 1000, Kd: 0})
	c.SetSetpoint(100)
	c.Step(0)
	c.Step(0)
	c.Reset()
	c.SetSetpoint(100)
	out := c.Step(100) // zero error right after reset
	if out != 0 {
		t.Errorf("Step() after Reset() with zero error = %d, want 0", out)
	}
}
