// Package fixedpoint provides saturating fixed-point temperature and
// pressure types so the control loops never touch floating point.
package fixedpoint

import (
	"fmt"
	"math"
)

// Temperature is a signed fixed-point temperature in tenths of a degree
// Celsius. Its domain is [-3276.8, 3276.7] C.
type Temperature int16

// TempInvalid is the sentinel value for "no reading".  Any arithmetic
// involving it propagates TempInvalid.
const TempInvalid Temperature = math.MinInt16

const (
	tempMax = Temperature(math.MaxInt16)
	tempMin = Temperature(math.MinInt16 + 1) // one above TempInvalid
)

// ErrOutOfRange is returned when a float is outside the representable
// domain of Temperature.
type ErrOutOfRange struct {
	Value float64
}

func (e ErrOutOfRange) Error() string {
	return fmt.Sprintf("fixedpoint: value %g out of range for Temperature", e.Value)
}

// TempFromTenths builds a Temperature directly from tenths of a degree.
func TempFromTenths(tenths int16) Temperature {
	return Temperature(tenths)
}

// TempFromWhole builds a Temperature from a whole number of degrees.
func TempFromWhole(whole int) Temperature {
	return Temperature(whole * 10)
}

// TempFromFloat builds a Temperature from a float64 number of degrees,
// rounding to the nearest tenth away from zero on ties (banker's
// rounding away from zero, not to-even: 0.05 rounds to 0.1, -0.05 to
// -0.1).
func TempFromFloat(c float64) (Temperature, error) {
	if math.IsNaN(c) || c > 3276.7 || c < -3276.8 {
		return TempInvalid, ErrOutOfRange{Value: c}
	}
	scaled := c * 10
	var rounded float64
	if scaled >= 0 {
		rounded = math.Floor(scaled + 0.5)
	} else {
		rounded = math.Ceil(scaled - 0.5)
	}
	return Temperature(int16(rounded)), nil
}

// Float returns the temperature in degrees Celsius as a float64.
// TempInvalid converts to NaN.
func (t Temperature) Float() float64 {
	if t == TempInvalid {
		return math.NaN()
	}
	return float64(t) / 10.0
}

// Valid reports whether t is not the TempInvalid sentinel.
func (t Temperature) Valid() bool {
	return t != TempInvalid
}

// Add returns t+other, saturating at the domain edges. If either operand
// is TempInvalid, the result is TempInvalid.
func (t Temperature) Add(other Temperature) Temperature {
	if t == TempInvalid || other == TempInvalid {
		return TempInvalid
	}
	sum := int32(t) + int32(other)
	return saturate(sum)
}

// Sub returns t-other, saturating at the domain edges. If either operand
// is TempInvalid, the result is TempInvalid.
func (t Temperature) Sub(other Temperature) Temperature {
	if t == TempInvalid || other == TempInvalid {
		return TempInvalid
	}
	diff := int32(t) - int32(other)
	return saturate(diff)
}

func saturate(v int32) Temperature {
	if v > int32(tempMax) {
		return tempMax
	}
	if v < int32(tempMin) {
		return tempMin
	}
	return Temperature(v)
}

// Cmp returns -1, 0, or 1 as t is less than, equal to, or greater than
// other. Comparisons against TempInvalid always return false from the
// derived helpers (Less, Greater); Cmp itself treats TempInvalid as the
// lowest possible value so sorting is well defined.
func (t Temperature) Cmp(other Temperature) int {
	if t < other {
		return -1
	}
	if t > other {
		return 1
	}
	return 0
}

// Less reports whether t < other. False whenever either side is invalid.
func (t Temperature) Less(other Temperature) bool {
	if t == TempInvalid || other == TempInvalid {
		return false
	}
	return t < other
}

// Greater reports whether t > other. False whenever either side is invalid.
func (t Temperature) Greater(other Temperature) bool {
	if t == TempInvalid || other == TempInvalid {
		return false
	}
	return t > other
}

// String formats the temperature as "+DD.d°C" / "-DD.d°C", or "INVALID"
// for the sentinel.
func (t Temperature) String() string {
	if t == TempInvalid {
		return "INVALID"
	}
	sign := "+"
	v := int(t)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%d°C", sign, v/10, v%10)
}

// Clamp restricts t to [lo, hi], passing TempInvalid through unchanged.
func (t Temperature) Clamp(lo, hi Temperature) Temperature {
	if t == TempInvalid {
		return TempInvalid
	}
	if t < lo {
		return lo
	}
	if t > hi {
		return hi
	}
	return t
}
