// Station addresses, frame encoding, and the concrete Operations that
// plug into Scheduler for the three field peripherals (spec §6: "an
// 8-channel PT1000 input, a 4/8-channel relay module, a wall-mount
// RS-485 temperature sensor").
//
// Grounded on nasa-jpl-golaborate's nkt/telegram.go: a short fixed
// frame {address, command, payload, crc} checked with
// github.com/snksoft/crc's XMODEM table, the same library the teacher
// uses for wire-telegram integrity (there CRC-16/XMODEM over an NKT
// laser's serial protocol, here over this bus's own peripherals). The
// specific PT1000/relay-module/RS-485 register maps are a hardware
// integration detail left to the concrete station addresses and raw
// register values below; the scheduler and fault handling around them
// are what's in scope here.
package bus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/snksoft/crc"

	"github.com/hearthcore/boilerctl/internal/fixedpoint"
	"github.com/hearthcore/boilerctl/internal/flame"
	"github.com/hearthcore/boilerctl/internal/readings"
	"github.com/hearthcore/boilerctl/internal/relay"
)

var telegramCRC = crc.NewTable(crc.XMODEM)

var errCRCMismatch = errors.New("bus: telegram crc mismatch")

// Station addresses on the shared half-duplex line (spec §6: "each
// peripheral has its own station address").
const (
	StationPT1000    byte = 0x01 // 8-channel boiler/DHW/pressure input module
	StationRelay     byte = 0x02 // 4/8-channel relay module
	StationRS485Room byte = 0x03 // wall-mount room temperature sensor
)

const (
	cmdRead      byte = 0x01
	cmdWriteMask byte = 0x02
)

func frame(station, cmd byte, payload []byte) []byte {
	buf := make([]byte, 2+len(payload)+2)
	buf[0] = station
	buf[1] = cmd
	copy(buf[2:], payload)
	sum := telegramCRC.CalculateCRC(buf[:len(buf)-2])
	binary.BigEndian.PutUint16(buf[len(buf)-2:], uint16(sum))
	return buf
}

func readFrame(r io.Reader, want int) ([]byte, bool, error) {
	buf := make([]byte, want)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, false, err
	}
	body, gotCRC := buf[:len(buf)-2], binary.BigEndian.Uint16(buf[len(buf)-2:])
	wantCRC := uint16(telegramCRC.CalculateCRC(body))
	return body, gotCRC == wantCRC, nil
}

// pressureLoopMinMA and pressureLoopMaxMA are the 4-20mA current-loop
// span of the pressure transducer wired to the PT1000 module's channel
// 7 (original_source's SystemConstants::Sensors::PressureSensor),
// scaled to PRESSURE_AT_MIN_CURRENT/PRESSURE_AT_MAX_CURRENT bar.
const (
	pressureLoopMinMA  = 4.0
	pressureLoopMaxMA  = 20.0
	pressureAtMinMABar = 0.0
	pressureAtMaxMABar = 5.0

	// pressureRegister is the fixed register index (channel 7) on the
	// PT1000/analog-input module the pressure loop is wired to.
	pressureRegister = 7
)

// flameRegister is the fixed register index (channel 6) on the
// PT1000/analog-input module the flame-rectification circuit is wired
// to (the spare channel noted in cmd/boilerctl's wiring); the original
// firmware wired flame detection as a dedicated GPIO
// (HardwareAbstractionLayer.h's IDigitalInput* flameSensor), but every
// other sensor on this bus already shares the PT1000 module's single
// read transaction, so flame detection is folded onto it here rather
// than adding a fourth bus peripheral or repurposing the scheduler's
// reserved idle ticks.
const flameRegister = 6

// flameDetectThreshold is the raw register value above which the
// flame-rectification channel reads as flame present.
const flameDetectThreshold = 0

// currentLoopToBar converts a register holding hundredths-of-mA (e.g.
// 1200 for 12.00mA) to bar over the 4-20mA span.
func currentLoopToBar(raw uint16) float64 {
	mA := float64(raw) / 100.0
	frac := (mA - pressureLoopMinMA) / (pressureLoopMaxMA - pressureLoopMinMA)
	return pressureAtMinMABar + frac*(pressureAtMaxMABar-pressureAtMinMABar)
}

// pt1000ReadOp reads the 8-channel analog input module in one
// transaction: PT1000 temperature channels, the boiler pressure
// transducer's 4-20mA current loop on channel 7, and the flame-detect
// input on channel 6, publishing each into the readings store or
// flame sensor as appropriate.
type pt1000ReadOp struct {
	readings *readings.Store
	channels []readings.Channel // index i -> register i; pressureRegister/flameRegister handled separately
	flame    *flame.Sensor      // nil if flame detection isn't wired to this module
	clock    func() time.Time
}

// NewPT1000ReadOp builds the PT1000 8-channel read Operation. channels
// maps register index to the logical Channel it feeds; a channel left
// as -1 (readings.Channel(-1)) is a populated register with no logical
// use and is skipped. Register pressureRegister (7) is always read as
// the pressure current loop and flameRegister (6) as the flame-detect
// input, regardless of what channels holds for them. flameSensor may
// be nil, in which case channel 6's reading is simply discarded.
func NewPT1000ReadOp(store *readings.Store, channels []readings.Channel, flameSensor *flame.Sensor, clock func() time.Time) Operation {
	return &pt1000ReadOp{readings: store, channels: channels, flame: flameSensor, clock: clock}
}

func (o *pt1000ReadOp) Perform(ctx context.Context, tr Transport) error {
	if _, err := tr.Write(frame(StationPT1000, cmdRead, nil)); err != nil {
		return err
	}
	body, ok, err := readFrame(tr, 2+2*len(o.channels)+2)
	if err != nil {
		return err
	}
	if !ok {
		return errCRCMismatch
	}
	regs := body[2:]
	for i, ch := range o.channels {
		if i == pressureRegister {
			raw := binary.BigEndian.Uint16(regs[i*2 : i*2+2])
			bar, err := fixedpoint.PressureFromFloat(currentLoopToBar(raw))
			if err != nil {
				o.readings.PublishPressure(fixedpoint.PressureInvalid)
				continue
			}
			o.readings.PublishPressure(bar)
			continue
		}
		if i == flameRegister {
			if o.flame != nil {
				raw := binary.BigEndian.Uint16(regs[i*2 : i*2+2])
				o.flame.Set(raw > flameDetectThreshold, o.clock())
			}
			continue
		}
		if int(ch) < 0 {
			continue
		}
		raw := int16(binary.BigEndian.Uint16(regs[i*2 : i*2+2]))
		o.readings.Publish(ch, fixedpoint.TempFromTenths(raw))
	}
	return nil
}

// roomReadOp reads the single wall-mount RS-485 room sensor.
type roomReadOp struct {
	readings *readings.Store
	channel  readings.Channel
}

// NewRoomReadOp builds the RS-485 room-sensor read Operation.
func NewRoomReadOp(store *readings.Store, channel readings.Channel) Operation {
	return &roomReadOp{readings: store, channel: channel}
}

func (o *roomReadOp) Perform(ctx context.Context, tr Transport) error {
	if _, err := tr.Write(frame(StationRS485Room, cmdRead, nil)); err != nil {
		return err
	}
	body, ok, err := readFrame(tr, 2+2+2)
	if err != nil {
		return err
	}
	if !ok {
		return errCRCMismatch
	}
	raw := int16(binary.BigEndian.Uint16(body[2:4]))
	o.readings.Publish(o.channel, fixedpoint.TempFromTenths(raw))
	return nil
}

// relayWriteOp sends the relay module's desired mask as a batch write
// (spec §4.4: "RYN4_SET"), using relay.State.Write to compute which
// relays to actually transmit this tick given per-relay min-change
// deferral, and Ack to record the outcome.
//
// A pending state change is always sent on the next tick; absent one,
// the DELAY watchdog is only renewed on RefreshCadence, and not at all
// once every relay is off. Grounded on original_source's
// RYN4ProcessingTask.cpp's handleSetTick: "prioritize state changes
// over renewal" ahead of its staggered DELAY-renewal cadence.
type relayWriteOp struct {
	state *relay.State
	clock func() time.Time

	lastRefresh time.Time
}

// NewRelayWriteOp builds the relay batch-write Operation. clock should
// be the same clock the owning Scheduler was constructed with (via
// WithClock), so relay timestamps and bus tick timestamps agree.
func NewRelayWriteOp(state *relay.State, clock func() time.Time) Operation {
	return &relayWriteOp{state: state, clock: clock}
}

func (o *relayWriteOp) Perform(ctx context.Context, tr Transport) error {
	now := o.clock()
	changed := o.state.PendingWrite()
	if !changed {
		if o.state.Desired() == 0 {
			return nil
		}
		if !o.lastRefresh.IsZero() && now.Sub(o.lastRefresh) < relay.RefreshCadence {
			return nil
		}
	}

	result := o.state.Write(now)
	payload := make([]byte, 1)
	payload[0] = byte(result.Mask)
	if _, err := tr.Write(frame(StationRelay, cmdWriteMask, payload)); err != nil {
		return err
	}
	if _, ok, err := readFrame(tr, 2+0+2); err != nil {
		return err
	} else if !ok {
		return errCRCMismatch
	}
	o.state.Ack(result.Mask, now)
	o.lastRefresh = now
	return nil
}

// relayVerifyOp reads back the relay module's actual applied mask
// (spec §4.4: "RYN4_READ") and feeds it to relay.State.Verify.
type relayVerifyOp struct {
	state *relay.State
	clock func() time.Time
}

// NewRelayVerifyOp builds the relay read-back verify Operation.
func NewRelayVerifyOp(state *relay.State, clock func() time.Time) Operation {
	return &relayVerifyOp{state: state, clock: clock}
}

func (o *relayVerifyOp) Perform(ctx context.Context, tr Transport) error {
	if _, err := tr.Write(frame(StationRelay, cmdRead, nil)); err != nil {
		return err
	}
	body, ok, err := readFrame(tr, 2+1+2)
	if err != nil {
		return err
	}
	if !ok {
		return errCRCMismatch
	}
	o.state.Verify(uint32(body[2]), o.clock())
	return nil
}
