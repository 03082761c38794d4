// Package calendar implements the calendar scheduler (spec §4.11):
// weekday/time-window schedules with midnight-crossing semantics,
// capability-record action handlers, debounced persistence, and NTP
// time synchronization with a degraded-time fallback.
//
// Grounded on original_source's include/scheduler/IScheduleHandler.h:
// the required onStart/onEnd + typeName/typeId pair is
// ActionHandler below, and the optional IPreheatable/IScheduleSerializable
// interfaces become optional Go interfaces an ActionHandler may also
// satisfy, checked with a type assertion rather than C++ multiple
// inheritance.
package calendar

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "gopkg.in/yaml.v2"
)

// Weekday bitmask, Sunday = bit 0, matching a typical RTC weekday index.
type DayMask uint8

const (
	Sunday DayMask = 1 << iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
)

func dayBit(t time.Time) DayMask {
	return 1 << DayMask(t.Weekday())
}

// ScheduleKind identifies which ActionHandler governs a schedule.
type ScheduleKind uint8

const (
	KindWaterHeating ScheduleKind = iota
	KindSpaceHeating
)

// SpaceHeatingMode selects which target-temperature tier a space-heating
// schedule applies (spec §3: "space: {targetTempC, mode∈{comfort,eco,frost},
// zones}"), grounded on original_source's SpaceHeatingScheduleAction.cpp
// HeatingMode enum.
type SpaceHeatingMode uint8

const (
	ModeComfort SpaceHeatingMode = iota
	ModeEco
	ModeFrost
)

func (m SpaceHeatingMode) String() string {
	switch m {
	case ModeComfort:
		return "comfort"
	case ModeEco:
		return "eco"
	case ModeFrost:
		return "frost"
	default:
		return "unknown"
	}
}

// Schedule is one persisted calendar entry.
type Schedule struct {
	ID         uint16
	Kind       ScheduleKind
	DayMask    DayMask
	StartHour  uint8
	StartMin   uint8
	EndHour    uint8
	EndMin     uint8
	Enabled    bool
	Name       string
	TargetTemp int16            // tenths of a degree; meaning is handler-specific
	Priority   bool             // water-priority flag, consumed by internal/arbiter
	Mode       SpaceHeatingMode // space-heating tier; unused by water schedules

	active bool // scheduler-internal edge-tracking, not persisted
}

func (s Schedule) startMinutes() int { return int(s.StartHour)*60 + int(s.StartMin) }
func (s Schedule) endMinutes() int   { return int(s.EndHour)*60 + int(s.EndMin) }

// IsActive reports whether the schedule is active at time t, honoring
// midnight-crossing windows: start==end is never active (spec invariant 7).
func (s Schedule) IsActive(t time.Time) bool {
	if !s.Enabled || s.startMinutes() == s.endMinutes() {
		return false
	}
	nowMinutes := t.Hour()*60 + t.Minute()
	today := dayBit(t)
	yesterday := dayBit(t.AddDate(0, 0, -1))

	if s.startMinutes() < s.endMinutes() {
		return s.DayMask&today != 0 && nowMinutes >= s.startMinutes() && nowMinutes < s.endMinutes()
	}
	// Midnight-crossing window: "after start on start day" or "before
	// end on the next day" (previous day's bit must be set for the
	// second half).
	afterStartToday := s.DayMask&today != 0 && nowMinutes >= s.startMinutes()
	beforeEndFromYesterday := s.DayMask&yesterday != 0 && nowMinutes < s.endMinutes()
	return afterStartToday || beforeEndFromYesterday
}

// ActionHandler is the required capability record for a ScheduleKind
// (spec §4.11: "onStart/onEnd/typeName/typeId").
type ActionHandler interface {
	TypeName() string
	TypeID() ScheduleKind
	OnStart(s Schedule)
	OnEnd(s Schedule)
}

// Preheatable is an optional capability: handlers that need advance
// warning implement it in addition to ActionHandler.
type Preheatable interface {
	OnPreheatingStart(s Schedule, minutesUntilStart int)
	PreheatingMinutes() int
}

// Serializable is an optional capability for handlers carrying
// action-specific data beyond Schedule's fixed fields. A handler that
// does not implement it simply has no custom payload to persist.
type Serializable interface {
	SerializeActionData(s Schedule) []byte
	DeserializeActionData(s Schedule, data []byte)
}

// PersistenceSink persists the schedule set. Narrow interface so
// calendar need not import internal/storage directly.
type PersistenceSink interface {
	SaveSchedules(schedules []Schedule) error
}

// ClockSource abstracts the RTC (spec §6): reads the current time. The
// year-plausibility check is made by Poll on the time it is given.
type ClockSource interface {
	Now() time.Time
}

const (
	// pollInterval is how often the scheduler re-evaluates every schedule.
	pollInterval = 30 * time.Second

	// minPlausibleYear guards against an uninitialized/dead RTC.
	minPlausibleYear = 2020

	// persistDebounce is the maximum delay between an in-memory
	// schedule edit and its flush to persistent storage.
	persistDebounce = 5 * time.Minute
)

// Scheduler owns the schedule set and drives start/end/preheat events.
type Scheduler struct {
	mu        sync.Mutex
	clock     ClockSource
	handlers  map[ScheduleKind]ActionHandler
	schedules []Schedule
	persist   PersistenceSink

	dirty       bool
	lastSavedAt time.Time
	lastWarnAt  time.Time
	warnBackoff time.Duration

	degradedTime   bool
	ntpFailCount   int
	maxNTPFailures int
	localOffset    time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPersistence wires a save sink for debounced/explicit persistence.
func WithPersistence(p PersistenceSink) Option {
	return func(s *Scheduler) { s.persist = p }
}

// WithMaxNTPFailures overrides how many consecutive NTP failures are
// tolerated before the degraded-time flag is raised.
func WithMaxNTPFailures(n int) Option {
	return func(s *Scheduler) { s.maxNTPFailures = n }
}

// New creates a Scheduler reading the time from clock.
func New(clock ClockSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:          clock,
		handlers:       make(map[ScheduleKind]ActionHandler),
		maxNTPFailures: 3,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterHandler installs the ActionHandler for a ScheduleKind.
func (s *Scheduler) RegisterHandler(h ActionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[h.TypeID()] = h
}

// Add inserts or replaces a schedule by ID and marks the set dirty.
func (s *Scheduler) Add(sched Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.schedules {
		if existing.ID == sched.ID {
			s.schedules[i] = sched
			s.dirty = true
			return
		}
	}
	s.schedules = append(s.schedules, sched)
	s.dirty = true
}

// Remove deletes a schedule by ID.
func (s *Scheduler) Remove(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.schedules {
		if existing.ID == id {
			s.schedules = append(s.schedules[:i], s.schedules[i+1:]...)
			s.dirty = true
			return
		}
	}
}

// List returns a copy of the current schedule set.
func (s *Scheduler) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, len(s.schedules))
	copy(out, s.schedules)
	return out
}

// Save flushes the schedule set to persistent storage immediately,
// bypassing the debounce timer.
func (s *Scheduler) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(time.Now())
}

func (s *Scheduler) saveLocked(now time.Time) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.SaveSchedules(s.schedules); err != nil {
		return err
	}
	s.dirty = false
	s.lastSavedAt = now
	return nil
}

// Poll runs one evaluation pass over every schedule (spec §4.11: "every
// 30 s the scheduler..."). Call it roughly every pollInterval; a caller
// driving it from a ticker should simply call this on each tick.
func (s *Scheduler) Poll(now time.Time) {
	if now.Year() < minPlausibleYear {
		s.warnImplausibleClock(now)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.schedules {
		sched := &s.schedules[i]
		isActive := sched.IsActive(now)
		handler := s.handlers[sched.Kind]

		if isActive && !sched.active {
			sched.active = true
			if handler != nil {
				handler.OnStart(*sched)
			}
		} else if !isActive && sched.active {
			sched.active = false
			if handler != nil {
				handler.OnEnd(*sched)
			}
		}

		if !isActive && handler != nil {
			if pre, ok := handler.(Preheatable); ok {
				s.maybePreheat(*sched, pre, now)
			}
		}
	}

	if s.dirty && now.Sub(s.lastSavedAt) >= persistDebounce {
		if err := s.saveLocked(now); err != nil {
			log.Printf("calendar: debounced save failed: %v", err)
		}
	}
}

func (s *Scheduler) maybePreheat(sched Schedule, pre Preheatable, now time.Time) {
	minutes := pre.PreheatingMinutes()
	if minutes <= 0 {
		return
	}
	startToday := time.Date(now.Year(), now.Month(), now.Day(), int(sched.StartHour), int(sched.StartMin), 0, 0, now.Location())
	if startToday.Before(now) {
		startToday = startToday.AddDate(0, 0, 1)
	}
	if !(sched.DayMask&dayBit(startToday) != 0 || sched.DayMask&dayBit(startToday.AddDate(0, 0, -1)) != 0) {
		return
	}
	if now.Add(time.Duration(minutes) * time.Minute).Before(startToday) {
		return
	}
	minutesUntil := int(startToday.Sub(now).Minutes())
	pre.OnPreheatingStart(sched, minutesUntil)
}

func (s *Scheduler) warnImplausibleClock(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warnBackoff == 0 {
		s.warnBackoff = time.Second
	}
	if now.Sub(s.lastWarnAt) < s.warnBackoff {
		return
	}
	log.Printf("calendar: RTC year %d implausible, all schedules suspended", now.Year())
	s.lastWarnAt = now
	if s.warnBackoff < 5*time.Minute {
		s.warnBackoff *= 2
	}
}

// NTPSynced is called when the network time source reports a UTC time;
// it recomputes the local offset against the RTC and clears the
// degraded-time flag.
func (s *Scheduler) NTPSynced(utc time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rtcNow := s.clock.Now()
	s.localOffset = utc.Sub(rtcNow)
	s.ntpFailCount = 0
	s.degradedTime = false
}

// NTPFailed is called when an NTP sync attempt fails; after
// maxNTPFailures consecutive failures, the RTC is used as a fallback
// time source and DegradedTime becomes true.
func (s *Scheduler) NTPFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ntpFailCount++
	if s.ntpFailCount >= s.maxNTPFailures {
		s.degradedTime = true
	}
}

// DegradedTime reports whether the scheduler has fallen back to the
// RTC as its time source after repeated NTP failures.
func (s *Scheduler) DegradedTime() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degradedTime
}

// seedSchedule is the YAML shape of one entry in a seed-schedule file,
// mirroring Schedule's exported fields without the runtime-only
// edge-tracking state.
type seedSchedule struct {
	ID         uint16       `yaml:"id"`
	Kind       ScheduleKind `yaml:"kind"`
	DayMask    DayMask      `yaml:"day_mask"`
	StartHour  uint8        `yaml:"start_hour"`
	StartMin   uint8        `yaml:"start_min"`
	EndHour    uint8        `yaml:"end_hour"`
	EndMin     uint8        `yaml:"end_min"`
	Enabled    bool         `yaml:"enabled"`
	Name       string           `yaml:"name"`
	TargetTemp int16            `yaml:"target_temp"`
	Priority   bool             `yaml:"priority"`
	Mode       SpaceHeatingMode `yaml:"mode"`
}

func (s seedSchedule) toSchedule() Schedule {
	return Schedule{
		ID: s.ID, Kind: s.Kind, DayMask: s.DayMask,
		StartHour: s.StartHour, StartMin: s.StartMin,
		EndHour: s.EndHour, EndMin: s.EndMin,
		Enabled: s.Enabled, Name: s.Name,
		TargetTemp: s.TargetTemp,
		Priority:   s.Priority,
		Mode:       s.Mode,
	}
}

// LoadSeedFile parses a local/dev seed-schedule YAML file (a list of
// seedSchedule entries) and replaces the scheduler's current schedule
// set with its contents. It is a development convenience, not the
// production path: the production schedule set lives in the
// schedules NVM area and is restored through PersistenceSink.
func (s *Scheduler) LoadSeedFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var seeds []seedSchedule
	if err := yaml.NewDecoder(f).Decode(&seeds); err != nil {
		return err
	}

	s.mu.Lock()
	s.schedules = s.schedules[:0]
	s.mu.Unlock()
	for _, sd := range seeds {
		s.Add(sd.toSchedule())
	}
	return nil
}

// WatchSeedFile starts an fsnotify watch on path and reloads it into
// the scheduler on every write, logging failures rather than
// propagating them since a bad seed edit must never interrupt a
// running controller.
func (s *Scheduler) WatchSeedFile(path string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, nil
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.LoadSeedFile(path); err != nil {
					log.Printf("calendar: reloading seed file %s: %v", path, err)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w, nil
}
