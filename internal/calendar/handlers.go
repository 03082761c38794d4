package calendar

// DemandSink receives the demand-active/setpoint edge a schedule's
// start/end produces. Narrow interface so calendar need not import
// internal/arbiter or internal/pid directly; cmd/boilerctl supplies
// the concrete adapter over the live arbiter request and PID setpoint.
type DemandSink interface {
	SetActive(active bool)
	SetSetpoint(tenths int32)
}

// InsideTempSource reports the current room temperature in tenths of a
// degree, used by SpaceHeatingHandler to decide whether a preheat lead
// is actually warranted. Narrow interface so calendar need not import
// internal/readings directly.
type InsideTempSource interface {
	InsideTemp() (tenths int32, valid bool)
}

// Default space-heating setpoints, used whenever a schedule's
// TargetTemp is zero (spec §3's mode field supplies a tier instead of
// an explicit temperature). Grounded on original_source's
// SystemConstants::Temperature::SpaceHeating DEFAULT_*_TEMP constants.
const (
	DefaultComfortTemp int16 = 210
	DefaultEcoTemp     int16 = 180
	DefaultFrostTemp   int16 = 100
)

// HeatingRatePerHour is the assumed room heating rate in tenths of a
// degree per hour, used to size the preheat lead time. Grounded on
// original_source's HEATING_RATE_PER_HOUR (2.0°C/hour).
const HeatingRatePerHour int32 = 20

// typicalPreheatRise is the temperature rise PreheatingMinutes sizes
// its estimate against, before any live reading is available.
// Grounded on original_source's getPreheatingMinutes TEMP_RISE_TYPICAL.
const typicalPreheatRise int32 = 60

// maxPreheatMinutes caps the lead time regardless of heating rate.
const maxPreheatMinutes = 180

// minPreheatRise is the smallest current-to-target gap that justifies
// starting early; smaller gaps are treated as already at temperature.
const minPreheatRise int32 = 10

func targetForMode(s Schedule) int16 {
	if s.TargetTemp != 0 {
		return s.TargetTemp
	}
	switch s.Mode {
	case ModeEco:
		return DefaultEcoTemp
	case ModeFrost:
		return DefaultFrostTemp
	default:
		return DefaultComfortTemp
	}
}

// SpaceHeatingHandler is the ActionHandler for KindSpaceHeating
// schedules (spec §9's capability-record design note), grounded on
// original_source's SpaceHeatingScheduleAction.cpp: mode-tiered target
// selection (comfort/eco/frost) and heating-rate-aware preheating.
type SpaceHeatingHandler struct {
	sink   DemandSink
	inside InsideTempSource
}

// NewSpaceHeatingHandler wires a DemandSink for space-heating schedules.
// inside may be nil, in which case preheating always proceeds on its
// estimated lead time without a live-temperature short-circuit.
func NewSpaceHeatingHandler(sink DemandSink, inside InsideTempSource) *SpaceHeatingHandler {
	return &SpaceHeatingHandler{sink: sink, inside: inside}
}

// TypeName implements ActionHandler.
func (h *SpaceHeatingHandler) TypeName() string { return "space_heating" }

// TypeID implements ActionHandler.
func (h *SpaceHeatingHandler) TypeID() ScheduleKind { return KindSpaceHeating }

// OnStart implements ActionHandler.
func (h *SpaceHeatingHandler) OnStart(s Schedule) {
	h.sink.SetSetpoint(int32(targetForMode(s)))
	h.sink.SetActive(true)
}

// OnEnd implements ActionHandler. It lowers the setpoint to the
// frost-protection tier and marks the demand inactive.
func (h *SpaceHeatingHandler) OnEnd(s Schedule) {
	h.sink.SetSetpoint(int32(DefaultFrostTemp))
	h.sink.SetActive(false)
}

// PreheatingMinutes implements Preheatable: how far ahead of a
// schedule's start the scheduler should call OnPreheatingStart, sized
// from a typical temperature rise at HeatingRatePerHour and capped.
func (h *SpaceHeatingHandler) PreheatingMinutes() int {
	minutes := (typicalPreheatRise * 60) / HeatingRatePerHour
	if minutes > maxPreheatMinutes {
		minutes = maxPreheatMinutes
	}
	return int(minutes)
}

// OnPreheatingStart implements Preheatable: if the room is already
// within minPreheatRise of the schedule's target, preheating is
// skipped; otherwise heating is started early at the schedule's own
// target (explicit TargetTemp, else its mode's default) so the room
// reaches target by the schedule's start time.
func (h *SpaceHeatingHandler) OnPreheatingStart(s Schedule, minutesUntilStart int) {
	target := int32(targetForMode(s))
	if h.inside != nil {
		if current, valid := h.inside.InsideTemp(); valid && target-current < minPreheatRise {
			return
		}
	}
	h.sink.SetSetpoint(target)
	h.sink.SetActive(true)
}

// WaterHeatingHandler is the ActionHandler for KindWaterHeating
// schedules.
type WaterHeatingHandler struct {
	sink DemandSink
}

// NewWaterHeatingHandler wires a DemandSink for DHW schedules.
func NewWaterHeatingHandler(sink DemandSink) *WaterHeatingHandler {
	return &WaterHeatingHandler{sink: sink}
}

// TypeName implements ActionHandler.
func (h *WaterHeatingHandler) TypeName() string { return "water_heating" }

// TypeID implements ActionHandler.
func (h *WaterHeatingHandler) TypeID() ScheduleKind { return KindWaterHeating }

// OnStart implements ActionHandler.
func (h *WaterHeatingHandler) OnStart(s Schedule) {
	h.sink.SetSetpoint(int32(s.TargetTemp))
	h.sink.SetActive(true)
}

// OnEnd implements ActionHandler.
func (h *WaterHeatingHandler) OnEnd(s Schedule) { h.sink.SetActive(false) }
