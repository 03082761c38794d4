package fixedpoint_test

import (
	"testing"

	"github.com/hearthcore/boilerctl/internal/fixedpoint"
)

func TestPressureFromFloatRoundTrip(t *testing.T) {
	got, err := fixedpoint.PressureFromFloat(1.50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Float() != 1.50 {
		t.Errorf("Float() = %v, want 1.50", got.Float())
	}
}

func TestPressureInRange(t *testing.T) {
	lo, _ := fixedpoint.PressureFromFloat(1.0)
	hi, _ := fixedpoint.PressureFromFloat(3.5)
	p, _ := fixedpoint.PressureFromFloat(2.0)
	if !p.InRange(lo, hi) {
		t.Error("expected 2.0 bar to be in [1.0, 3.5]")
	}
	if fixedpoint.PressureInvalid.InRange(lo, hi) {
		t.Error("PressureInvalid must never be InRange")
	}
}

func TestPressureString(t *testing.T) {
	p, _ := fixedpoint.PressureFromFloat(1.5)
	if got, want := p.String(), "1.50 bar"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
