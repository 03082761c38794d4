// Package readings holds the shared store of the most recent sensor
// values: the single writer is the bus scheduler (internal/bus), and
// every control component reads a point-in-time snapshot.
package readings

import (
	"sync"
	"time"

	"github.com/hearthcore/boilerctl/internal/fixedpoint"
)

// Channel identifies one logical temperature/pressure input.
type Channel int

const (
	BoilerOutput Channel = iota
	BoilerReturn
	DHWTank
	DHWReturn
	HeatingReturn
	Outside
	Inside
	PressureChannel

	numChannels
)

func (c Channel) String() string {
	switch c {
	case BoilerOutput:
		return "boiler_output"
	case BoilerReturn:
		return "boiler_return"
	case DHWTank:
		return "dhw_tank"
	case DHWReturn:
		return "dhw_return"
	case HeatingReturn:
		return "heating_return"
	case Outside:
		return "outside"
	case Inside:
		return "inside"
	case PressureChannel:
		return "pressure"
	default:
		return "unknown"
	}
}

// StaleThreshold is the default age at which a once-valid reading is
// considered stale (spec §4.2).
const StaleThreshold = 15 * time.Second

// ValidRange is the compile-time-safe [min, max] domain for a channel.
// Values outside this range are rejected at Publish time.
type ValidRange struct {
	Min, Max fixedpoint.Temperature
}

// DefaultRanges mirrors original_source's SystemConstants::Temperature::SensorRange.
var DefaultRanges = map[Channel]ValidRange{
	BoilerOutput:    {Min: fixedpoint.TempFromTenths(-500), Max: fixedpoint.TempFromTenths(1500)},
	BoilerReturn:    {Min: fixedpoint.TempFromTenths(-500), Max: fixedpoint.TempFromTenths(1500)},
	DHWTank:         {Min: fixedpoint.TempFromTenths(-500), Max: fixedpoint.TempFromTenths(1000)},
	DHWReturn:       {Min: fixedpoint.TempFromTenths(-500), Max: fixedpoint.TempFromTenths(1000)},
	HeatingReturn:   {Min: fixedpoint.TempFromTenths(-500), Max: fixedpoint.TempFromTenths(1500)},
	Outside:         {Min: fixedpoint.TempFromTenths(-400), Max: fixedpoint.TempFromTenths(600)},
	Inside:          {Min: fixedpoint.TempFromTenths(-100), Max: fixedpoint.TempFromTenths(500)},
	PressureChannel: {}, // pressure channel validated separately, see PressureRange
}

// PressureRange is the compile-time-safe domain for the pressure channel.
var PressureRange = struct{ Min, Max fixedpoint.Pressure }{
	Min: mustPressure(0.0),
	Max: mustPressure(6.0),
}

func mustPressure(bar float64) fixedpoint.Pressure {
	p, err := fixedpoint.PressureFromFloat(bar)
	if err != nil {
		panic(err)
	}
	return p
}

// Reading is a single channel's last known value.
type Reading struct {
	Value     fixedpoint.Temperature
	Valid     bool
	Timestamp time.Time
}

// FaultRecorder receives a fault whenever Publish rejects an
// out-of-range value. Kept as a narrow interface so readings does not
// import internal/faults directly (avoids an import cycle, since faults
// may eventually want to read back sensor snapshots for context).
type FaultRecorder interface {
	RecordSensorInvalid(ch Channel, value fixedpoint.Temperature)
}

// Store is the single shared readings table. Obtain one from New: the
// zero value has no clock or first-read channel and is not usable.
type Store struct {
	mu     sync.RWMutex
	values [numChannels]Reading
	ranges map[Channel]ValidRange

	pressure        Reading
	pressureRaw     fixedpoint.Pressure
	pressureValid   bool
	pressureStamp   time.Time
	faults          FaultRecorder
	now             func() time.Time
	firstReadOnce   sync.Once
	firstReadCh     chan struct{}
	everValid       [numChannels]bool
	requiredForInit []Channel
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithFaultRecorder wires a fault sink that is notified on every
// out-of-range publish.
func WithFaultRecorder(f FaultRecorder) Option {
	return func(s *Store) { s.faults = f }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRequiredChannels sets which channels gate FirstReadComplete.
// Defaults to all of them.
func WithRequiredChannels(chs ...Channel) Option {
	return func(s *Store) { s.requiredForInit = chs }
}

// New creates a Store with the default per-channel validity ranges.
func New(opts ...Option) *Store {
	s := &Store{
		ranges:      DefaultRanges,
		now:         time.Now,
		firstReadCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.requiredForInit == nil {
		for ch := Channel(0); ch < numChannels; ch++ {
			s.requiredForInit = append(s.requiredForInit, ch)
		}
	}
	return s
}

// Publish records a new temperature reading for ch. The valid flag is
// set only if value lies within the channel's compile-time range;
// otherwise valid is cleared and, if a FaultRecorder was configured, a
// sensor_invalid fault is recorded.
func (s *Store) Publish(ch Channel, value fixedpoint.Temperature) {
	s.mu.Lock()
	rng, hasRange := s.ranges[ch]
	valid := value.Valid() && (!hasRange || (value.Cmp(rng.Min) >= 0 && value.Cmp(rng.Max) <= 0))
	s.values[ch] = Reading{Value: value, Valid: valid, Timestamp: s.now()}
	if valid {
		s.everValid[ch] = true
	}
	allValid := s.allRequiredValidLocked()
	s.mu.Unlock()

	if !valid && s.faults != nil {
		s.faults.RecordSensorInvalid(ch, value)
	}
	if allValid {
		s.firstReadOnce.Do(func() { close(s.firstReadCh) })
	}
}

// PublishPressure records a new pressure reading.
func (s *Store) PublishPressure(value fixedpoint.Pressure) {
	s.mu.Lock()
	valid := value.InRange(PressureRange.Min, PressureRange.Max)
	s.pressureRaw = value
	s.pressureValid = valid
	s.pressureStamp = s.now()
	if valid {
		s.everValid[PressureChannel] = true
	}
	allValid := s.allRequiredValidLocked()
	s.mu.Unlock()
	if allValid {
		s.firstReadOnce.Do(func() { close(s.firstReadCh) })
	}
}

func (s *Store) allRequiredValidLocked() bool {
	for _, ch := range s.requiredForInit {
		if !s.everValid[ch] {
			return false
		}
	}
	return true
}

// Snapshot is a lock-held copy of a single channel's reading, with
// staleness resolved against "now".
type Snapshot struct {
	Channel   Channel
	Value     fixedpoint.Temperature
	Valid     bool
	Stale     bool
	Timestamp time.Time
}

// Read returns a point-in-time snapshot of ch. A reading that was valid
// at publish time but has aged past StaleThreshold is reported as
// Stale, and Valid is forced false — per spec §4.2's invariant
// "valid ⇒ ... (now−timestamp) < STALE_THRESHOLD".
func (s *Store) Read(ch Channel) Snapshot {
	s.mu.RLock()
	r := s.values[ch]
	now := s.now()
	s.mu.RUnlock()

	stale := r.Valid && now.Sub(r.Timestamp) >= StaleThreshold
	return Snapshot{
		Channel:   ch,
		Value:     r.Value,
		Valid:     r.Valid && !stale,
		Stale:     stale,
		Timestamp: r.Timestamp,
	}
}

// PressureSnapshot is the pressure-channel analogue of Snapshot.
type PressureSnapshot struct {
	Value     fixedpoint.Pressure
	Valid     bool
	Stale     bool
	Timestamp time.Time
}

// ReadPressure returns a point-in-time snapshot of the pressure channel.
func (s *Store) ReadPressure() PressureSnapshot {
	s.mu.RLock()
	v, valid, ts := s.pressureRaw, s.pressureValid, s.pressureStamp
	now := s.now()
	s.mu.RUnlock()

	stale := valid && now.Sub(ts) >= StaleThreshold
	return PressureSnapshot{Value: v, Valid: valid && !stale, Stale: stale, Timestamp: ts}
}

// FirstReadComplete returns a channel that is closed once every required
// channel has been valid at least once since startup. Control components
// that must not act on zero-value readings block on this at startup.
func (s *Store) FirstReadComplete() <-chan struct{} {
	return s.firstReadCh
}

// AnyStale reports whether any of the given channels is currently stale
// or invalid — used by the safety validator (C7) to refuse ignition.
func (s *Store) AnyStale(chs ...Channel) bool {
	for _, ch := range chs {
		if snap := s.Read(ch); !snap.Valid {
			return true
		}
	}
	return false
}

// ChannelDiff adapts two Store channels to internal/preheater's
// DifferentialSource, reporting Minuend-Subtrahend in tenths of a
// degree, valid only while both sides are currently valid.
type ChannelDiff struct {
	Store               *Store
	Minuend, Subtrahend Channel
}

// Differential implements preheater.DifferentialSource.
func (d ChannelDiff) Differential() (tenths int32, valid bool) {
	a := d.Store.Read(d.Minuend)
	b := d.Store.Read(d.Subtrahend)
	if !a.Valid || !b.Valid {
		return 0, false
	}
	return int32(a.Value.Sub(b.Value)), true
}

// InsideSource adapts a Store's Inside channel to
// calendar.InsideTempSource, reporting tenths of a degree.
type InsideSource struct {
	Store *Store
}

// InsideTemp implements calendar.InsideTempSource.
func (s InsideSource) InsideTemp() (tenths int32, valid bool) {
	snap := s.Store.Read(Inside)
	if !snap.Valid {
		return 0, false
	}
	return int32(snap.Value), true
}
