package storage

import "encoding/binary"

// CountersArea holds the named 32-bit monotonic counters of spec §6
// ("Counters: named 32-bit counters (pump starts, burner starts, fault
// counts)"). Each counter occupies one fixed slot keyed by a stable
// name-to-index mapping (CounterNames below), since the NVM device has
// no notion of a string-keyed map.
var CountersArea = Area{
	Name: "counters", Offset: 0x3000, Magic: 0x434E5431, // 'CNT1'
	Version: 1, SlotSize: 4 + 4, MaxSlots: uint8(len(CounterNames)),
}

// CounterNames fixes the slot index for each named counter. Appending a
// new name is safe (existing indices are stable); removing or reordering
// one is not.
var CounterNames = []string{
	"pump_starts_heating",
	"pump_starts_water",
	"burner_starts",
	"ignition_failures",
	"lockouts",
	"fault_count",
}

func counterIndex(name string) (uint8, bool) {
	for i, n := range CounterNames {
		if n == name {
			return uint8(i), true
		}
	}
	return 0, false
}

// Counters is a thin wrapper over a Store exposing named-counter
// increment/read against CountersArea.
type Counters struct {
	store *Store
}

// NewCounters wraps store for named-counter access.
func NewCounters(store *Store) *Counters {
	return &Counters{store: store}
}

// Increment adds delta to the named counter and persists the result.
// An unknown name is a no-op: callers name counters from CounterNames,
// and a typo here must never fail the caller's actual operation.
func (c *Counters) Increment(name string, delta uint32) {
	idx, ok := counterIndex(name)
	if !ok {
		return
	}
	cur := c.Get(name)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, cur+delta)
	c.store.WriteSlot(CountersArea, idx, buf)
}

// Get reads the named counter's current value, defaulting to 0 if the
// slot has never been written or fails its CRC.
func (c *Counters) Get(name string) uint32 {
	idx, ok := counterIndex(name)
	if !ok {
		return 0
	}
	payload, ok, err := c.store.ReadSlot(CountersArea, idx)
	if err != nil || !ok {
		return 0
	}
	return binary.LittleEndian.Uint32(payload)
}

// IncrementPumpStarts implements pump.StartCounter, keyed by the
// pump's configured ID (e.g. "heating", "water").
func (c *Counters) IncrementPumpStarts(id string) {
	c.Increment("pump_starts_"+id, 1)
}

// IncrementBurnerStarts increments the lifetime burner-start counter.
func (c *Counters) IncrementBurnerStarts() { c.Increment("burner_starts", 1) }

// IncrementIgnitionFailures increments the lifetime ignition-failure counter.
func (c *Counters) IncrementIgnitionFailures() { c.Increment("ignition_failures", 1) }

// IncrementLockouts increments the lifetime lockout counter.
func (c *Counters) IncrementLockouts() { c.Increment("lockouts", 1) }
