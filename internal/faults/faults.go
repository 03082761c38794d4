// Package faults implements the fault kind taxonomy and the
// rate-limited circular fault log (spec §4.13), and supplies the
// concrete adapters for every narrow fault-reporting interface the
// lower packages declare (internal/readings.FaultRecorder,
// internal/bus.BusErrorSink, internal/storage.CorruptionSink,
// internal/arbiter.FaultRecorder) so none of them need to import this
// package back.
//
// Grounded on original_source's MIN_ERROR_LOG_INTERVAL_MS (1s) /
// MAX_ERROR_LOG_INTERVAL_MS (5min) exponential-backoff bounds, and on
// nasa-jpl-golaborate's nkt/nkt.go use of golang.org/x/time/rate for
// bounding a burst of repeated requests, adapted here to bound the
// overall rate of log writes rather than a single call site.
package faults

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hearthcore/boilerctl/internal/bus"
	"github.com/hearthcore/boilerctl/internal/fixedpoint"
	"github.com/hearthcore/boilerctl/internal/readings"
	"github.com/hearthcore/boilerctl/internal/storage"
)

// Kind is the fault taxonomy of spec §4.13.
type Kind int

const (
	SensorInvalid Kind = iota
	SensorStale
	BusError
	RelayMismatch
	FlameFailure
	OverTemperature
	UnderPressure
	OverPressure
	MutexTimeout
	MemoryAllocation
	StorageCorruption
	WatchdogTimeout
	DependencyFailed
	OperationUnsafe
)

func (k Kind) String() string {
	switch k {
	case SensorInvalid:
		return "sensor_invalid"
	case SensorStale:
		return "sensor_stale"
	case BusError:
		return "bus_error"
	case RelayMismatch:
		return "relay_mismatch"
	case FlameFailure:
		return "flame_failure"
	case OverTemperature:
		return "over_temperature"
	case UnderPressure:
		return "under_pressure"
	case OverPressure:
		return "over_pressure"
	case MutexTimeout:
		return "mutex_timeout"
	case MemoryAllocation:
		return "memory_allocation"
	case StorageCorruption:
		return "storage_corruption"
	case WatchdogTimeout:
		return "watchdog_timeout"
	case DependencyFailed:
		return "dependency_failed"
	case OperationUnsafe:
		return "operation_unsafe"
	default:
		return "unknown"
	}
}

// criticalKinds are logged to both rings; every other kind goes to the
// general ring only. Record takes no per-call critical flag.
var criticalKinds = map[Kind]bool{
	FlameFailure:      true,
	OverTemperature:   true,
	StorageCorruption: true,
	WatchdogTimeout:   true,
}

const (
	// InitialLogInterval is the backoff floor between repeated
	// identical-kind log lines.
	InitialLogInterval = 1 * time.Second

	// MaxLogInterval is the backoff ceiling.
	MaxLogInterval = 5 * time.Minute

	generalRingSize  = 50
	criticalRingSize = 5
)

// Entry is one recorded fault occurrence.
type Entry struct {
	Kind      Kind
	Detail    string
	Critical  bool
	Timestamp time.Time
	Count     int // how many times this kind has repeated since it last logged
}

type kindState struct {
	nextInterval time.Duration
	lastLogged   time.Time
	suppressed   int
	hasLogged    bool
}

// PersistSink is the narrow storage surface the fault log writes its
// rings through. Defined here (not in internal/storage) because it is
// this package's own area/slot encoding choice, not a general storage
// concern.
type PersistSink interface {
	WriteSlot(a storage.Area, index uint8, payload []byte) error
}

// logSlotSize is the fixed encoded size of one Entry: kind(1) +
// critical(1) + unix-seconds(8) + count(2) + a truncated detail string.
const logSlotSize = 64

func encodeEntry(e Entry) []byte {
	buf := make([]byte, logSlotSize)
	buf[0] = byte(e.Kind)
	if e.Critical {
		buf[1] = 1
	}
	unix := e.Timestamp.Unix()
	for i := 0; i < 8; i++ {
		buf[2+i] = byte(unix >> (8 * i))
	}
	buf[10] = byte(e.Count >> 8)
	buf[11] = byte(e.Count)
	detail := []byte(e.Detail)
	if len(detail) > logSlotSize-12 {
		detail = detail[:logSlotSize-12]
	}
	copy(buf[12:], detail)
	return buf
}

// GeneralLogArea and CriticalLogArea are the two persisted fault-log
// areas (spec §4.10: "areas defined: ... error log").
var (
	GeneralLogArea = storage.Area{
		Name: "fault_log_general", Offset: 0x6000, Magic: 0x464C4F47, Version: 1,
		SlotSize: logSlotSize + 4, MaxSlots: generalRingSize,
	}
	CriticalLogArea = storage.Area{
		Name: "fault_log_critical", Offset: 0x7000, Magic: 0x464C4F43, Version: 1,
		SlotSize: logSlotSize + 4, MaxSlots: criticalRingSize,
	}
)

// Log is the rate-limited circular fault log: a general ring and a
// smaller critical ring, each backed by internal/storage.
type Log struct {
	mu sync.Mutex

	general  []Entry
	genHead  int
	critical []Entry
	critHead int

	kinds map[Kind]*kindState

	writeLimiter *rate.Limiter
	persist      PersistSink
	now          func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithPersistence wires a storage-backed sink for both rings.
func WithPersistence(p PersistSink) Option {
	return func(l *Log) { l.persist = p }
}

// SetPersistence wires the storage-backed sink after construction, for
// the common case where the Store itself takes this Log as its
// CorruptionSink: the two constructors can't otherwise be ordered.
func (l *Log) SetPersistence(p PersistSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.persist = p
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog creates an empty Log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		general:      make([]Entry, 0, generalRingSize),
		critical:     make([]Entry, 0, criticalRingSize),
		kinds:        make(map[Kind]*kindState),
		writeLimiter: rate.NewLimiter(20, 20),
		now:          time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record logs one fault occurrence, applying kind taxonomy, criticality
// promotion, and the exponential backoff between repeats of the same
// kind. It never blocks: an occurrence inside its kind's current
// interval is dropped and counted toward the next logged entry's Count,
// and a persistence write over the write limiter's rate is skipped.
func (l *Log) Record(kind Kind, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	critical := criticalKinds[kind]

	ks, ok := l.kinds[kind]
	if !ok {
		ks = &kindState{nextInterval: InitialLogInterval}
		l.kinds[kind] = ks
	}

	if !ks.lastLogged.IsZero() && now.Sub(ks.lastLogged) < ks.nextInterval {
		ks.suppressed++
		return
	}

	entry := Entry{Kind: kind, Detail: detail, Critical: critical, Timestamp: now, Count: ks.suppressed + 1}
	ks.lastLogged = now
	ks.suppressed = 0
	if ks.hasLogged {
		ks.nextInterval *= 2
		if ks.nextInterval > MaxLogInterval {
			ks.nextInterval = MaxLogInterval
		}
	}
	ks.hasLogged = true

	l.appendLocked(entry)
}

func (l *Log) appendLocked(e Entry) {
	l.general = ringAppend(l.general, generalRingSize, e)
	genIndex := l.genHead
	l.genHead = (l.genHead + 1) % generalRingSize

	var critIndex int
	if e.Critical {
		l.critical = ringAppend(l.critical, criticalRingSize, e)
		critIndex = l.critHead
		l.critHead = (l.critHead + 1) % criticalRingSize
	}

	if l.persist != nil && l.writeLimiter.Allow() {
		l.persist.WriteSlot(GeneralLogArea, uint8(genIndex), encodeEntry(e))
		if e.Critical {
			l.persist.WriteSlot(CriticalLogArea, uint8(critIndex), encodeEntry(e))
		}
	}
}

func ringAppend(ring []Entry, capacity int, e Entry) []Entry {
	if len(ring) < capacity {
		return append(ring, e)
	}
	copy(ring, ring[1:])
	ring[len(ring)-1] = e
	return ring
}

// General returns a copy of the general ring, oldest first.
func (l *Log) General() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.general))
	copy(out, l.general)
	return out
}

// Critical returns a copy of the critical ring, oldest first.
func (l *Log) Critical() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.critical))
	copy(out, l.critical)
	return out
}

// RecordWrapped records a fault whose detail is built by wrapping err
// with pkg/errors context, giving the log line a full cause chain.
func (l *Log) RecordWrapped(kind Kind, context string, err error) {
	wrapped := errors.Wrap(err, context)
	l.Record(kind, wrapped.Error())
}

// --- Narrow interface satisfaction ---
//
// *Log implements every narrow fault-reporting interface the lower
// packages declare directly, so a single Log instance can be handed to
// internal/readings, internal/bus, internal/storage and
// internal/arbiter's constructors without any wrapper type.

// RecordSensorInvalid implements readings.FaultRecorder.
func (l *Log) RecordSensorInvalid(ch readings.Channel, value fixedpoint.Temperature) {
	l.Record(SensorInvalid, fmt.Sprintf("%s: %s", ch, value))
}

// RecordBusError implements bus.BusErrorSink.
func (l *Log) RecordBusError(op bus.OpKind, err error) {
	l.RecordWrapped(BusError, fmt.Sprintf("op=%s", op), err)
}

// RecordStorageCorruption implements storage.CorruptionSink.
func (l *Log) RecordStorageCorruption(area, detail string) {
	l.Record(StorageCorruption, fmt.Sprintf("%s: %s", area, detail))
}

// RecordOperationUnsafe implements arbiter.FaultRecorder.
func (l *Log) RecordOperationUnsafe(detail string) {
	l.Record(OperationUnsafe, detail)
}

// RecordRelayMismatch records a relay_mismatch fault.
func (l *Log) RecordRelayMismatch(detail string) { l.Record(RelayMismatch, detail) }

// RecordFlameFailure records a flame_failure fault.
func (l *Log) RecordFlameFailure(detail string) { l.Record(FlameFailure, detail) }

// RecordOverTemperature records an over_temperature fault.
func (l *Log) RecordOverTemperature(detail string) { l.Record(OverTemperature, detail) }

// RecordUnderPressure records an under_pressure fault.
func (l *Log) RecordUnderPressure(detail string) { l.Record(UnderPressure, detail) }

// RecordOverPressure records an over_pressure fault.
func (l *Log) RecordOverPressure(detail string) { l.Record(OverPressure, detail) }

// RecordMutexTimeout records a mutex_timeout fault.
func (l *Log) RecordMutexTimeout(detail string) { l.Record(MutexTimeout, detail) }

// RecordMemoryAllocation records a memory_allocation fault.
func (l *Log) RecordMemoryAllocation(detail string) { l.Record(MemoryAllocation, detail) }

// RecordWatchdogTimeout records a watchdog_timeout fault.
func (l *Log) RecordWatchdogTimeout(detail string) { l.Record(WatchdogTimeout, detail) }

// RecordDependencyFailed records a dependency_failed fault.
func (l *Log) RecordDependencyFailed(detail string) { l.Record(DependencyFailed, detail) }
