package pid_test

import (
	"math"
	"testing"

	"github.com/hearthcore/boilerctl/internal/pid"
)

// simulateFirstOrderPlant drives the AutoTuner against a simple
// first-order lag plant until tuning completes, failing the test if it
// doesn't converge within a generous sample budget.
func simulateFirstOrderPlant(t *testing.T, a *pid.AutoTuner) pid.TuningResult {
	t.Helper()
	temp := 60.0
	const dt = 1.0 // seconds per sample
	timeScale := 0.005

	for i := 1; i <= 20000; i++ {
		now := float64(i) * dt
		output := a.Update(temp, now)
		// First-order response toward a target proportional to relay output.
		target := 60.0 + output*0.3
		temp += (target - temp) * timeScale

		switch a.State() {
		case pid.TuningComplete, pid.TuningFailed:
			return a.Result()
		}
	}
	t.Fatal("auto-tune did not converge within sample budget")
	return pid.TuningResult{}
}

func TestAutoTuneCompletesAndProducesValidGains(t *testing.T) {
	a := pid.NewAutoTuner()
	if err := a.Start(65.0, pid.DefaultRelayAmplitude, pid.DefaultRelayHysteresis, 60.0, pid.ZieglerNicholsPI); err != nil {
		t.Fatalf("Start: %v", err)
	}

	result := simulateFirstOrderPlant(t, a)
	if !result.Valid {
		t.Fatal("expected auto-tune to converge to a valid result")
	}
	if result.Gains.Kp <= 0 {
		t.Errorf("Kp = %d, want > 0", result.Gains.Kp)
	}
	if result.UltimatePeriod <= 0 {
		t.Errorf("UltimatePeriod = %v, want > 0", result.UltimatePeriod)
	}
}

func TestStartRejectsConcurrentRun(t *testing.T) {
	a := pid.NewAutoTuner()
	if err := a.Start(65.0, 50, 1, 60.0, pid.ZieglerNicholsPI); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := a.Start(65.0, 50, 1, 60.0, pid.ZieglerNicholsPI); err == nil {
		t.Fatal("expected second concurrent Start to be rejected")
	}
}

func TestStartRejectsOutOfEnvelopeBoilerTemp(t *testing.T) {
	a := pid.NewAutoTuner()
	if err := a.Start(65.0, 50, 1, 5.0, pid.ZieglerNicholsPI); err == nil {
		t.Fatal("expected Start to reject a boiler temperature below the safety envelope")
	}
	if err := a.Start(65.0, 50, 1, 90.0, pid.ZieglerNicholsPI); err == nil {
		t.Fatal("expected Start to reject a boiler temperature above the safety envelope")
	}
}

func TestUpdateAbortsOnTemperatureExcursion(t *testing.T) {
	a := pid.NewAutoTuner()
	a.Start(65.0, pid.DefaultRelayAmplitude, pid.DefaultRelayHysteresis, 60.0, pid.ZieglerNicholsPI)
	a.Update(85.0, 1)
	if a.State() != pid.TuningFailed {
		t.Errorf("State() after excursion = %v, want TuningFailed", a.State())
	}
}

func TestStopReturnsToIdle(t *testing.T) {
	a := pid.NewAutoTuner()
	a.Start(65.0, 50, 1, 60.0, pid.ZieglerNicholsPI)
	a.Stop()
	if a.State() != pid.TuningIdle {
		t.Errorf("State() after Stop() = %v, want TuningIdle", a.State())
	}
}

func TestGainsClampedToValidRange(t *testing.T) {
	a := pid.NewAutoTuner()
	a.Start(65.0, pid.DefaultRelayAmplitude, pid.DefaultRelayHysteresis, 60.0, pid.ZieglerNicholsPID)
	result := simulateFirstOrderPlant(t, a)
	if !result.Valid {
		t.Fatal("expected valid result")
	}
	kp := float64(result.Gains.Kp) / pid.GainScale
	if kp < 0.1 || kp > 10.0 {
		t.Errorf("Kp = %v, out of valid range [0.1, 10.0]", kp)
	}
}

func TestUpdateBeforeStartIsNoOp(t *testing.T) {
	a := pid.NewAutoTuner()
	if out := a.Update(50, 1); out != 0 {
		t.Errorf("Update before Start = %v, want 0", out)
	}
	if a.State() != pid.TuningIdle {
		t.Errorf("State() = %v, want TuningIdle", a.State())
	}
}

func TestProgressReachesFullOnCompletion(t *testing.T) {
	a := pid.NewAutoTuner()
	a.Start(65.0, pid.DefaultRelayAmplitude, pid.DefaultRelayHysteresis, 60.0, pid.ZieglerNicholsPI)
	simulateFirstOrderPlant(t, a)
	if a.State() == pid.TuningComplete && a.Progress() != 100 {
		t.Errorf("Progress() at completion = %d, want 100", a.Progress())
	}
}

func TestUltimateGainFormula(t *testing.T) {
	// Sanity check the Ku = 4d/(pi*a) formula shape independent of the
	// tuner: larger oscillation amplitude should yield smaller Ku for a
	// fixed relay amplitude.
	d := 50.0
	kuSmallAmp := (4.0 * d) / (math.Pi * 2.0)
	kuLargeAmp := (4.0 * d) / (math.Pi * 10.0)
	if kuLargeAmp >= kuSmallAmp {
		t.Error("expected larger oscillation amplitude to produce smaller ultimate gain")
	}
}
