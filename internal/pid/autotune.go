package pid

import (
	"errors"
	"math"
	"sort"
	"time"
)

// TuningMethod selects the formula used to derive PID gains from the
// ultimate gain/period pair identified by relay feedback.
type TuningMethod int

const (
	ZieglerNicholsPI TuningMethod = iota
	ZieglerNicholsPID
	TyreusLuyben
	CohenCoon
	LambdaTuning
)

// Autotune safety/sizing constants, grounded on
// original_source's SystemConstants::PID::Autotune.
const (
	MinCycles              = 3
	MaxTuningTime          = 40 * time.Minute
	DefaultRelayAmplitude  = 50.0 // percent output swing
	DefaultRelayHysteresis = 1.0  // degrees C
	maxOscillationSamples  = 1000
	maxPeaksOrTroughs      = 32
)

// Gain validity clamps applied after every tuning method, per the
// original firmware's safety limits.
const (
	minValidKp = 0.1
	maxValidKp = 10.0
	minValidKi = 0.0
	maxValidKi = 1.0
	minValidKd = 0.0
	maxValidKd = 5.0

	minValidKu = 0.0
	maxValidKu = 50.0
	minValidTu = 30.0
	maxValidTu = 600.0
)

// Auto-tune safety envelope, grounded on original_source's
// SystemConstants::PID::Autotune MIN_BOILER_TEMP/MAX_BOILER_TEMP/
// MAX_TEMP_EXCURSION: tuning must start within a sane boiler
// temperature range and aborts if the relay-feedback excursion runs
// away during the run.
const (
	MinBoilerTemp     = 15.0
	MaxBoilerTemp     = 75.0
	MaxTempExcursion  = 80.0
)

// TuningState is the auto-tuner's lifecycle.
type TuningState int

const (
	TuningIdle TuningState = iota
	TuningRelayTest
	TuningAnalyzing
	TuningComplete
	TuningFailed
)

// TuningResult is the outcome of a completed or failed tuning run.
type TuningResult struct {
	Gains         Gains
	UltimateGain  float64
	UltimatePeriod float64 // seconds
	Valid         bool
}

// AutoTuner performs relay-feedback identification (spec §4.5): it
// bangs the plant between two output levels around the setpoint with
// hysteresis, records peak/trough times and values, and once enough
// cycles have been observed derives Ku/Tu and applies the selected
// tuning method.
//
// Grounded closely on original_source's PIDAutoTuner.cpp: relayControl,
// analyzeOscillations, calculateAveragePeriod, calculateAmplitude, and
// applyTuningMethod are all translated near line-for-line, with floats
// (the C++ firmware's oscillation samples are degrees Celsius, already
// a small-magnitude domain) kept as float64 here rather than forced
// into the tenths-of-degree fixed-point type, since this is an offline
// identification procedure rather than the hot control loop.
type AutoTuner struct {
	setpoint     float64
	outputStep   float64
	hysteresis   float64
	method       TuningMethod

	state     TuningState
	relayOn   bool
	startTime float64 // seconds since tuning start
	lastTime  float64

	phaseMaxTemp, phaseMaxTime float64
	phaseMinTemp, phaseMinTime float64

	peakTimes, peakValues     []float64
	troughTimes, troughValues []float64
	sampleCount               int

	result TuningResult
}

// NewAutoTuner creates an AutoTuner in the idle state.
func NewAutoTuner() *AutoTuner {
	return &AutoTuner{
		outputStep: DefaultRelayAmplitude,
		hysteresis: DefaultRelayHysteresis,
		method:     ZieglerNicholsPI,
	}
}

// Start begins a tuning run around targetSetpoint. It fails if a run is
// already in progress, or if currentTemp lies outside the safe
// [MinBoilerTemp,MaxBoilerTemp] envelope for relay-feedback cycling.
func (a *AutoTuner) Start(targetSetpoint, relayAmplitude, relayHysteresis, currentTemp float64, method TuningMethod) error {
	if a.state == TuningRelayTest {
		return errors.New("pid: auto-tuning already in progress")
	}
	if currentTemp < MinBoilerTemp || currentTemp > MaxBoilerTemp {
		return errors.New("pid: boiler temperature outside the auto-tune safety envelope")
	}
	a.setpoint = targetSetpoint
	a.outputStep = relayAmplitude
	a.hysteresis = relayHysteresis
	a.method = method

	a.peakTimes, a.peakValues = nil, nil
	a.troughTimes, a.troughValues = nil, nil
	a.sampleCount = 0

	a.state = TuningRelayTest
	a.relayOn = false
	a.startTime = 0
	a.lastTime = 0
	a.phaseMaxTemp, a.phaseMinTemp = -1000, 1000
	a.phaseMaxTime, a.phaseMinTime = 0, 0
	a.result = TuningResult{}
	return nil
}

// Stop cancels an in-progress tuning run, returning to idle.
func (a *AutoTuner) Stop() {
	if a.state == TuningRelayTest {
		a.state = TuningIdle
	}
}

// State returns the tuner's current lifecycle state.
func (a *AutoTuner) State() TuningState { return a.state }

// Result returns the last completed tuning result. Valid is false until
// a run reaches TuningComplete.
func (a *AutoTuner) Result() TuningResult { return a.result }

// Progress returns 0-100, based on cycles observed so far relative to
// MinCycles.
func (a *AutoTuner) Progress() int {
	switch a.state {
	case TuningIdle, TuningFailed:
		return 0
	case TuningComplete:
		return 100
	}
	cycles := minInt(len(a.peakTimes), len(a.troughTimes))
	return cycles * 100 / MinCycles
}

// Update feeds one new process-variable sample at currentTime (seconds
// since an arbitrary epoch shared across calls) and returns the relay
// output to apply (±outputStep), or 0 once tuning has completed/failed.
func (a *AutoTuner) Update(currentTemp, currentTime float64) float64 {
	if a.state != TuningRelayTest {
		return 0
	}
	if currentTemp > MaxTempExcursion {
		a.state = TuningFailed
		return 0
	}
	if a.startTime == 0 {
		a.startTime = currentTime
		a.lastTime = currentTime
	}
	if currentTime-a.startTime > MaxTuningTime.Seconds() {
		a.state = TuningFailed
		return 0
	}

	output := a.relayControl(currentTemp, currentTime)
	a.lastTime = currentTime
	a.sampleCount++
	if a.sampleCount > maxOscillationSamples {
		a.state = TuningFailed
		return 0
	}

	if a.hasEnoughCycles() {
		a.state = TuningAnalyzing
		if a.analyzeOscillations() {
			a.result.Gains = a.applyTuningMethod(a.result.UltimateGain, a.result.UltimatePeriod)
			a.result.Valid = true
			a.state = TuningComplete
		} else {
			a.state = TuningFailed
		}
		return 0
	}
	return output
}

func (a *AutoTuner) relayControl(currentTemp, currentTime float64) float64 {
	err := a.setpoint - currentTemp

	if a.relayOn {
		if currentTemp > a.phaseMaxTemp {
			a.phaseMaxTemp, a.phaseMaxTime = currentTemp, currentTime
		}
	} else {
		if currentTemp < a.phaseMinTemp {
			a.phaseMinTemp, a.phaseMinTime = currentTemp, currentTime
		}
	}

	if a.relayOn {
		if err < -a.hysteresis {
			a.relayOn = false
			if a.phaseMaxTime > 0 && len(a.peakTimes) < maxPeaksOrTroughs {
				a.peakTimes = append(a.peakTimes, a.phaseMaxTime)
				a.peakValues = append(a.peakValues, a.phaseMaxTemp)
			}
			a.phaseMinTemp, a.phaseMinTime = currentTemp, currentTime
		}
	} else {
		if err > a.hysteresis {
			a.relayOn = true
			if a.phaseMinTime > 0 && len(a.troughTimes) < maxPeaksOrTroughs {
				a.troughTimes = append(a.troughTimes, a.phaseMinTime)
				a.troughValues = append(a.troughValues, a.phaseMinTemp)
			}
			a.phaseMaxTemp, a.phaseMaxTime = currentTemp, currentTime
		}
	}

	if a.relayOn {
		return a.outputStep
	}
	return -a.outputStep
}

func (a *AutoTuner) hasEnoughCycles() bool {
	return minInt(len(a.peakTimes), len(a.troughTimes)) >= MinCycles
}

func (a *AutoTuner) analyzeOscillations() bool {
	if len(a.peakTimes) < 2 || len(a.troughTimes) < 2 {
		return false
	}
	period := a.calculateAveragePeriod()
	if period <= 0 {
		return false
	}
	amplitude := a.calculateAmplitude()
	if amplitude <= 0 {
		return false
	}
	ku := (4.0 * a.outputStep) / (math.Pi * amplitude)
	if ku < minValidKu || ku > maxValidKu || period < minValidTu || period > maxValidTu {
		return false
	}
	a.result.UltimateGain = ku
	a.result.UltimatePeriod = period
	return true
}

// calculateAveragePeriod derives Tu from peak-to-peak and trough-to-
// trough intervals, trimming the top and bottom 20% of samples before
// averaging to reject outlier cycles.
func (a *AutoTuner) calculateAveragePeriod() float64 {
	var periods []float64
	for i := 1; i < len(a.peakTimes); i++ {
		periods = append(periods, a.peakTimes[i]-a.peakTimes[i-1])
	}
	for i := 1; i < len(a.troughTimes); i++ {
		periods = append(periods, a.troughTimes[i]-a.troughTimes[i-1])
	}
	if len(periods) == 0 {
		return 0
	}
	sort.Float64s(periods)
	if len(periods) > 5 {
		trim := len(periods) / 5
		periods = periods[trim : len(periods)-trim]
	}
	var sum float64
	for _, p := range periods {
		sum += p
	}
	return sum / float64(len(periods))
}

func (a *AutoTuner) calculateAmplitude() float64 {
	if len(a.peakValues) == 0 || len(a.troughValues) == 0 {
		return 0
	}
	avgPeak := mean(a.peakValues)
	avgTrough := mean(a.troughValues)
	return (avgPeak - avgTrough) / 2.0
}

func (a *AutoTuner) applyTuningMethod(ku, tu float64) Gains {
	var kp, ki, kd float64
	switch a.method {
	case ZieglerNicholsPI:
		kp = 0.45 * ku
		ki = kp / (0.83 * tu)
	case ZieglerNicholsPID:
		kp = 0.6 * ku
		ki = kp / (0.5 * tu)
		kd = kp * 0.125 * tu
	case TyreusLuyben:
		kp = 0.3125 * ku
		ki = kp / (2.2 * tu)
		kd = kp * 0.37 * tu
	case CohenCoon:
		kp = 0.35 * ku
		ki = kp / (1.2 * tu)
		kd = kp * 0.25 * tu
	case LambdaTuning:
		lambda := tu
		kp = 0.2 * ku
		ki = kp / lambda
	}

	kp = clampFloat(kp, minValidKp, maxValidKp)
	ki = clampFloat(ki, minValidKi, maxValidKi)
	kd = clampFloat(kd, minValidKd, maxValidKd)

	return Gains{
		Kp: int32(math.Round(kp * GainScale)),
		Ki: int32(math.Round(ki * GainScale)),
		Kd: int32(math.Round(kd * GainScale)),
	}
}

func mean(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
