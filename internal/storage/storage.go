// Package storage implements the byte-addressable non-volatile memory
// abstraction (spec §4.10): a FRAM-like device with single-cycle writes
// and no erase page, organized into fixed areas each carrying a header
// {magic, version, count, reserved, crc} followed by fixed-size,
// individually CRC-32-protected slots.
//
// Grounded on original_source's persistent-area header layout (magic,
// version, count, reserved, crc) and spec.md §4.10/§6's area table;
// the CRC implementation follows nasa-jpl-golaborate's nkt/telegram.go
// use of github.com/snksoft/crc (there applied as CRC-16/XMODEM to a
// wire telegram, here as CRC-32 to a persisted record).
package storage

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/snksoft/crc"
)

var crcTable = crc.NewTable(crc.CRC32)

func checksum(data []byte) uint32 {
	return uint32(crcTable.CalculateCRC(data))
}

// Device is the minimal byte-addressable NVM surface. Implemented by
// FileDevice (device.go) and by memDevice in tests.
type Device interface {
	ReadAt(offset uint32, buf []byte) error
	WriteAt(offset uint32, data []byte) error
	Size() uint32
}

// headerSize is the fixed-size encoding of {magic, version, count, reserved, crc}.
const headerSize = 4 + 1 + 1 + 2 + 4 // = 12 bytes

type header struct {
	Magic    uint32
	Version  uint8
	Count    uint8
	Reserved uint16
	CRC      uint32
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Count
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
	h.CRC = checksum(buf[0:8])
	binary.LittleEndian.PutUint32(buf[8:12], h.CRC)
	return buf
}

func decodeHeader(buf []byte) (header, bool) {
	if len(buf) < headerSize {
		return header{}, false
	}
	h := header{
		Magic:    binary.LittleEndian.Uint32(buf[0:4]),
		Version:  buf[4],
		Count:    buf[5],
		Reserved: binary.LittleEndian.Uint16(buf[6:8]),
		CRC:      binary.LittleEndian.Uint32(buf[8:12]),
	}
	ok := checksum(buf[0:8]) == h.CRC
	return h, ok
}

// CorruptionSink is notified whenever a header or slot fails its CRC
// check and is recovered rather than propagated to the caller.
type CorruptionSink interface {
	RecordStorageCorruption(area string, detail string)
}

// Area describes one fixed-layout region of the device.
type Area struct {
	Name       string
	Offset     uint32
	Magic      uint32
	Version    uint8
	SlotSize   uint32 // fixed payload size including its own trailing crc32
	MaxSlots   uint8
}

var ErrSlotOutOfRange = errors.New("storage: slot index out of range")

// Store serializes all access to a single Device through one mutex, as
// the spec requires ("all accesses serialize through a single mutex on
// the underlying bus").
type Store struct {
	dev    Device
	faults CorruptionSink

	mu lockable
}

// lockable is a one-slot channel used as the Store's mutex. Its zero
// value has no channel and blocks forever on Lock, so a Store must be
// obtained from New, which wires the channel.
type lockable struct{ ch chan struct{} }

func newLockable() lockable {
	l := lockable{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

func (l lockable) Lock()   { <-l.ch }
func (l lockable) Unlock() { l.ch <- struct{}{} }

// Option configures a Store.
type Option func(*Store)

// WithCorruptionSink wires a fault sink for recovered corruption events.
func WithCorruptionSink(c CorruptionSink) Option {
	return func(s *Store) { s.faults = c }
}

// New creates a Store over dev.
func New(dev Device, opts ...Option) *Store {
	s := &Store{dev: dev, mu: newLockable()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnsureArea reads area's header; if it is absent or fails its CRC, it
// initializes an empty header in place (spec §4.10: "a bad header
// initialises an empty area") and returns the (possibly freshly
// written) header plus whether recovery was needed.
func (s *Store) EnsureArea(a Area) (count uint8, recovered bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, headerSize)
	if rerr := s.dev.ReadAt(a.Offset, buf); rerr != nil {
		return 0, false, rerr
	}
	h, ok := decodeHeader(buf)
	if ok && h.Magic == a.Magic && h.Version == a.Version {
		return h.Count, false, nil
	}

	if s.faults != nil {
		s.faults.RecordStorageCorruption(a.Name, "bad header: reinitializing empty area")
	}
	fresh := encodeHeader(header{Magic: a.Magic, Version: a.Version, Count: 0})
	if werr := s.writeRetried(a.Offset, fresh); werr != nil {
		return 0, true, werr
	}
	return 0, true, nil
}

// WriteSlot writes payload (without its trailing CRC) into slot index
// of area a, appending a computed CRC-32 over the payload.
func (s *Store) WriteSlot(a Area, index uint8, payload []byte) error {
	if uint32(index) >= uint32(a.MaxSlots) {
		return ErrSlotOutOfRange
	}
	if uint32(len(payload))+4 > a.SlotSize {
		return errors.New("storage: payload exceeds slot size")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slotOffset := a.Offset + headerSize + uint32(index)*a.SlotSize
	buf := make([]byte, a.SlotSize)
	copy(buf, payload)
	c := checksum(buf[:a.SlotSize-4])
	binary.LittleEndian.PutUint32(buf[a.SlotSize-4:], c)

	if err := s.writeRetried(slotOffset, buf); err != nil {
		return err
	}
	return s.bumpCountLocked(a, index)
}

func (s *Store) bumpCountLocked(a Area, index uint8) error {
	hbuf := make([]byte, headerSize)
	if err := s.dev.ReadAt(a.Offset, hbuf); err != nil {
		return err
	}
	h, ok := decodeHeader(hbuf)
	if !ok {
		h = header{Magic: a.Magic, Version: a.Version, Count: 0}
	}
	if uint8(index+1) > h.Count {
		h.Count = index + 1
	}
	return s.writeRetried(a.Offset, encodeHeader(h))
}

// ReadSlot reads slot index of area a. If the slot's CRC fails, it is
// treated as absent (not propagated to the caller) and ok is false;
// corruption is reported via the CorruptionSink if one is configured.
func (s *Store) ReadSlot(a Area, index uint8) (payload []byte, ok bool, err error) {
	if uint32(index) >= uint32(a.MaxSlots) {
		return nil, false, ErrSlotOutOfRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slotOffset := a.Offset + headerSize + uint32(index)*a.SlotSize
	buf := make([]byte, a.SlotSize)
	if rerr := s.dev.ReadAt(slotOffset, buf); rerr != nil {
		return nil, false, rerr
	}
	payloadLen := a.SlotSize - 4
	want := binary.LittleEndian.Uint32(buf[payloadLen:])
	got := checksum(buf[:payloadLen])
	if want != got {
		if s.faults != nil {
			s.faults.RecordStorageCorruption(a.Name, "bad slot crc: skipped")
		}
		return nil, false, nil
	}
	return buf[:payloadLen], true, nil
}

// writeRetried retries a single write with bounded backoff: FRAM writes
// are single-cycle but the bus underneath (I2C) can transiently NAK.
func (s *Store) writeRetried(offset uint32, data []byte) error {
	op := func() error { return s.dev.WriteAt(offset, data) }
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 3)
	return backoff.Retry(op, b)
}
