package pid

import (
	"encoding/binary"

	"github.com/hearthcore/boilerctl/internal/storage"
)

// stateRecordSize encodes {integral(8), lastPV(4), havePV(1), lastUpdateMs(8)}.
const stateRecordSize = 8 + 4 + 1 + 8

func encodeState(s State) []byte {
	buf := make([]byte, stateRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.Integral))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(s.LastPV))
	if s.HavePV {
		buf[12] = 1
	}
	binary.LittleEndian.PutUint64(buf[13:21], uint64(s.LastUpdateMs))
	return buf
}

func decodeState(buf []byte) State {
	return State{
		Integral:     int64(binary.LittleEndian.Uint64(buf[0:8])),
		LastPV:       int32(binary.LittleEndian.Uint32(buf[8:12])),
		HavePV:       buf[12] != 0,
		LastUpdateMs: int64(binary.LittleEndian.Uint64(buf[13:21])),
	}
}

// areaForSlot builds the storage.Area for one named PID loop's
// persisted state (spec §6: "Per-controller PID state"), each loop
// getting its own single-slot area at a caller-assigned offset so
// loops never collide.
func areaForSlot(name string, offset uint32) storage.Area {
	return storage.Area{
		Name: name, Offset: offset, Magic: 0x50494431, // 'PID1'
		Version: 1, SlotSize: stateRecordSize + 4, MaxSlots: 1,
	}
}

// StorageSink persists one Controller's State into its own single-slot
// NVM area.
type StorageSink struct {
	store *storage.Store
	area  storage.Area
}

// NewStorageSink builds a StorageSink for a named PID loop (e.g.
// "heating", "water") at the given NVM offset.
func NewStorageSink(store *storage.Store, name string, offset uint32) *StorageSink {
	return &StorageSink{store: store, area: areaForSlot(name, offset)}
}

// Save persists the controller's current state.
func (s *StorageSink) Save(c *Controller, lastUpdateMs int64) error {
	return s.store.WriteSlot(s.area, 0, encodeState(c.Snapshot(lastUpdateMs)))
}

// Load restores the controller's state from NVM, if present.
func (s *StorageSink) Load(c *Controller) (restored bool, err error) {
	payload, ok, err := s.store.ReadSlot(s.area, 0)
	if err != nil || !ok {
		return false, err
	}
	c.Restore(decodeState(payload))
	return true, nil
}
