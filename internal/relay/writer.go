package relay

import (
	"sync/atomic"
	"time"
)

// WriteResult is returned by Write: the mask the caller should transmit,
// plus which relays were deferred this tick because of their
// minimum-change interval.
type WriteResult struct {
	Mask     uint32
	Deferred uint32
}

// Write computes the mask that should be transmitted on this bus write
// tick, honoring per-relay minimum-change intervals, and records the
// sent mask plus watchdog refresh bookkeeping. It does not itself talk
// to the bus — the caller (internal/bus) is responsible for the
// transaction and must call Ack or Nack with the outcome.
func (s *State) Write(now time.Time) WriteResult {
	toSend, deferred := s.applySent(now)
	return WriteResult{Mask: toSend, Deferred: deferred}
}

// Ack records that toSend was successfully transmitted: it becomes the
// new sent mask and its watchdog countdown is refreshed.
func (s *State) Ack(toSend uint32, now time.Time) {
	atomic.StoreUint32(&s.sent, toSend)
	s.refreshWatchdog(now, toSend)
	atomic.StoreInt32(&s.pendingWrite, 0)
}

// Verify records the relay module's read-back mask. If it disagrees
// with sent for a relay whose watchdog countdown has already expired
// (i.e. the disagreement isn't explained by an in-flight DELAY
// countdown), the mismatch streak advances; two consecutive real
// mismatches latch the communication-error flag per spec §4.4.
func (s *State) Verify(actualMask uint32, now time.Time) {
	atomic.StoreUint32(&s.actual, actualMask)

	sent := atomic.LoadUint32(&s.sent)
	real := false
	for i := 0; i < Count; i++ {
		bit := uint32(1 << uint(i))
		if sent&bit == actualMask&bit {
			continue
		}
		if s.WatchdogActive(i, now) && sent&bit == 0 {
			// Relay still counting down from a prior ON command —
			// hardware hasn't auto-off'd yet, not a real mismatch.
			continue
		}
		real = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if real {
		s.mismatchStreak++
		if s.mismatchStreak >= 2 {
			s.commErrorLatch = true
		}
	} else {
		s.mismatchStreak = 0
	}
}
