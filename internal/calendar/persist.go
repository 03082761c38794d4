package calendar

import (
	"encoding/binary"

	"github.com/hearthcore/boilerctl/internal/storage"
)

// SchedulesArea is the schedules NVM region (spec §6: "schedules (at
// offset 0x4C20, 4 KiB)" and §6's persisted-state summary: header plus
// up to 20 fixed-width records, magic 'SCHD').
var SchedulesArea = storage.Area{
	Name:     "schedules",
	Offset:   0x4C20,
	Magic:    0x53434844, // 'SCHD'
	Version:  1,
	SlotSize: scheduleRecordSize + 4, // payload + trailing crc32
	MaxSlots: 20,
}

const (
	nameFieldSize       = 32
	actionDataFieldSize = 16
	scheduleRecordSize  = 2 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + nameFieldSize + actionDataFieldSize
)

func encodeSchedule(s Schedule) []byte {
	buf := make([]byte, scheduleRecordSize)
	binary.LittleEndian.PutUint16(buf[0:2], s.ID)
	buf[2] = byte(s.Kind)
	buf[3] = byte(s.DayMask)
	buf[4] = s.StartHour
	buf[5] = s.StartMin
	buf[6] = s.EndHour
	buf[7] = s.EndMin
	if s.Enabled {
		buf[8] = 1
	}
	name := []byte(s.Name)
	if len(name) > nameFieldSize {
		name = name[:nameFieldSize]
	}
	copy(buf[9:9+nameFieldSize], name)

	actionOff := 9 + nameFieldSize
	binary.LittleEndian.PutUint16(buf[actionOff:actionOff+2], uint16(s.TargetTemp))
	if s.Priority {
		buf[actionOff+2] = 1
	}
	buf[actionOff+3] = byte(s.Mode)
	return buf
}

func decodeSchedule(buf []byte) Schedule {
	s := Schedule{
		ID:        binary.LittleEndian.Uint16(buf[0:2]),
		Kind:      ScheduleKind(buf[2]),
		DayMask:   DayMask(buf[3]),
		StartHour: buf[4],
		StartMin:  buf[5],
		EndHour:   buf[6],
		EndMin:    buf[7],
		Enabled:   buf[8] != 0,
	}
	nameBuf := buf[9 : 9+nameFieldSize]
	end := len(nameBuf)
	for end > 0 && nameBuf[end-1] == 0 {
		end--
	}
	s.Name = string(nameBuf[:end])

	actionOff := 9 + nameFieldSize
	s.TargetTemp = int16(binary.LittleEndian.Uint16(buf[actionOff : actionOff+2]))
	s.Priority = buf[actionOff+2] != 0
	s.Mode = SpaceHeatingMode(buf[actionOff+3])
	return s
}

// StorageSink persists the schedule set into SchedulesArea, implementing
// PersistenceSink directly against internal/storage (spec §4.10/§6: the
// schedules NVM area).
type StorageSink struct {
	store *storage.Store
}

// NewStorageSink wraps store for use as a Scheduler's PersistenceSink.
func NewStorageSink(store *storage.Store) *StorageSink {
	return &StorageSink{store: store}
}

// SaveSchedules implements PersistenceSink, writing each schedule to its
// own slot (ID modulo MaxSlots, since schedule IDs are assigned by the
// caller and may not be contiguous).
func (s *StorageSink) SaveSchedules(schedules []Schedule) error {
	for _, sched := range schedules {
		idx := uint8(int(sched.ID) % int(SchedulesArea.MaxSlots))
		if err := s.store.WriteSlot(SchedulesArea, idx, encodeSchedule(sched)); err != nil {
			return err
		}
	}
	return nil
}

// LoadSchedules reads every occupied slot in SchedulesArea back into a
// schedule set, restoring state across a restart.
func (s *StorageSink) LoadSchedules() []Schedule {
	var out []Schedule
	for i := uint8(0); i < uint8(SchedulesArea.MaxSlots); i++ {
		payload, ok, err := s.store.ReadSlot(SchedulesArea, i)
		if err != nil || !ok {
			continue
		}
		out = append(out, decodeSchedule(payload))
	}
	return out
}
