// Package bus implements the time-division scheduler over the single
// shared half-duplex serial field bus (spec §4.3). A fixed 500ms tick,
// ten-tick (5s) cycle drives reads from the two sensor peripherals and
// writes/verifies to the relay peripheral; every other component only
// ever sees the results through internal/readings and internal/relay.
//
// Grounded on nasa-jpl-golaborate's comm.RemoteDevice (backoff-retried
// serial Open/Close) and commonpressure.MakeSerConf (serial.Config
// shape), generalized from a single-device client to a scheduled
// multi-peripheral bus owner.
package bus

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// TickPeriod is the fixed duration of one bus tick.
const TickPeriod = 500 * time.Millisecond

// CycleLength is the number of ticks per schedule cycle (5s at 500ms/tick).
const CycleLength = 10

// OpKind identifies which peripheral transaction a tick performs.
type OpKind int

const (
	OpNone OpKind = iota
	OpRoomRead
	OpRelayWrite
	OpBoilerRead
	OpRelayVerify
)

func (k OpKind) String() string {
	switch k {
	case OpRoomRead:
		return "room_read"
	case OpRelayWrite:
		return "relay_write"
	case OpBoilerRead:
		return "boiler_read"
	case OpRelayVerify:
		return "relay_verify"
	default:
		return "idle"
	}
}

// Schedule is the fixed per-tick operation table (spec §4.3): ticks 4
// and 9 are intentional idle margin for bus turnaround and are never
// repurposed (see spec's Open Questions on this point).
var Schedule = [CycleLength]OpKind{
	OpRoomRead,
	OpRelayWrite,
	OpBoilerRead,
	OpRelayVerify,
	OpNone,
	OpBoilerRead,
	OpRelayWrite,
	OpNone,
	OpRelayVerify,
	OpNone,
}

// Transport is the minimal half-duplex serial surface the bus needs.
// Implemented directly by *serial.Port; a fake in tests.
type Transport interface {
	io.ReadWriteCloser
}

// Operation is registered against an OpKind and invoked when the
// scheduler reaches a tick of that kind. The peripheral
// implementations live in telegram.go and publish their results into
// internal/readings and internal/relay.
type Operation interface {
	// Perform executes one bus transaction using tr, within the given
	// deadline context. It must not retain tr past return.
	Perform(ctx context.Context, tr Transport) error
}

// OperationFunc adapts a function to Operation.
type OperationFunc func(ctx context.Context, tr Transport) error

// Perform implements Operation.
func (f OperationFunc) Perform(ctx context.Context, tr Transport) error { return f(ctx, tr) }

// TransactionTimeout bounds a single tick's bus transaction.
const TransactionTimeout = 500 * time.Millisecond

// InterFrameDelay is the minimum spacing enforced between consecutive
// transactions to let the half-duplex peripherals turn around.
const InterFrameDelay = 20 * time.Millisecond

// MaxRetries bounds how many times a failed transaction is retried
// within a single tick before the tick is abandoned as a bus error.
const MaxRetries = 3

// Config configures the physical serial connection.
type Config struct {
	Port string
	Baud int
}

// DefaultConfig mirrors commonpressure.MakeSerConf's parameters, adapted
// to the field bus's actual line characteristics.
func DefaultConfig(port string) Config {
	return Config{Port: port, Baud: 19200}
}

func (c Config) serialConfig() *serial.Config {
	return &serial.Config{
		Name:        c.Port,
		Baud:        c.Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: TransactionTimeout,
	}
}

// Opener creates the physical transport. Overridable in tests.
type Opener func(Config) (Transport, error)

func defaultOpener(c Config) (Transport, error) {
	return serial.OpenPort(c.serialConfig())
}

// BusErrorSink is notified when a tick's transaction exhausts its
// retries. Kept narrow to avoid bus importing internal/faults directly.
type BusErrorSink interface {
	RecordBusError(op OpKind, err error)
}

// Scheduler owns the serial connection and drives the fixed tick
// schedule, invoking the Operation registered for each tick's OpKind.
type Scheduler struct {
	cfg    Config
	opener Opener
	faults BusErrorSink

	mu   sync.Mutex
	ops  map[OpKind]Operation
	conn Transport

	tickIndex int
	clock     func() time.Time
	sleep     func(time.Duration)
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithOpener overrides how the physical transport is opened (for tests).
func WithOpener(o Opener) Option {
	return func(s *Scheduler) { s.opener = o }
}

// WithBusErrorSink wires a fault sink for exhausted-retry transactions.
func WithBusErrorSink(b BusErrorSink) Option {
	return func(s *Scheduler) { s.faults = b }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.clock = now }
}

// WithSleeper overrides the tick-pacing sleep function (for tests, so a
// full cycle can run without real wall-clock delay).
func WithSleeper(sleep func(time.Duration)) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// New creates a Scheduler for the given serial configuration.
func New(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		opener: defaultOpener,
		ops:    make(map[OpKind]Operation),
		clock:  time.Now,
		sleep:  time.Sleep,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register installs the Operation invoked whenever the schedule reaches
// kind. Registering OpNone is a no-op (idle ticks never invoke anything).
func (s *Scheduler) Register(kind OpKind, op Operation) {
	if kind == OpNone {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[kind] = op
}

// Connect opens the physical serial connection, retrying with bounded
// exponential backoff per nasa-jpl-golaborate's comm.RemoteDevice.Open.
func (s *Scheduler) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	op := func() error {
		conn, err := s.opener(s.cfg)
		if err != nil {
			return err
		}
		s.conn = conn
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	})
	if err != nil {
		return errors.Wrapf(err, "bus: open %s", s.cfg.Port)
	}
	return nil
}

// Close shuts down the physical connection.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Run drives the schedule forever, one tick at a time, until ctx is
// canceled. Each tick sleeps for the remainder of TickPeriod after its
// transaction (or immediately, on an idle tick).
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Connect(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		tickStart := s.clock()
		s.runTick(ctx)
		elapsed := s.clock().Sub(tickStart)
		if remain := TickPeriod - elapsed; remain > 0 {
			s.sleep(remain)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	s.mu.Lock()
	idx := s.tickIndex
	s.tickIndex = (s.tickIndex + 1) % CycleLength
	kind := Schedule[idx]
	op := s.ops[kind]
	conn := s.conn
	s.mu.Unlock()

	if kind == OpNone || op == nil {
		return
	}

	s.sleep(InterFrameDelay)

	tctx, cancel := context.WithTimeout(ctx, TransactionTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		err = op.Perform(tctx, conn)
		if err == nil {
			return
		}
		log.Printf("bus: %s transaction attempt %d failed: %v", kind, attempt+1, err)
	}
	if s.faults != nil {
		s.faults.RecordBusError(kind, err)
	}
}
