package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hearthcore/boilerctl/internal/bus"
)

type fakeTransport struct{}

func (fakeTransport) Read(p []byte) (int, error)  { return 0, nil }
func (fakeTransport) Write(p []byte) (int, error) { return len(p), nil }
func (fakeTransport) Close() error                { return nil }

type countingOp struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (o *countingOp) Perform(ctx context.Context, tr bus.Transport) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return o.err
}

func (o *countingOp) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func newTestScheduler(t *testing.T) *bus.Scheduler {
	t.Helper()
	return bus.New(bus.DefaultConfig("/dev/null"),
		bus.WithOpener(func(bus.Config) (bus.Transport, error) { return fakeTransport{}, nil }),
		bus.WithSleeper(func(time.Duration) {}),
	)
}

func TestScheduleMatchesSpec(t *testing.T) {
	want := [bus.CycleLength]bus.OpKind{
		bus.OpRoomRead, bus.OpRelayWrite, bus.OpBoilerRead, bus.OpRelayVerify, bus.OpNone,
		bus.OpBoilerRead, bus.OpRelayWrite, bus.OpNone, bus.OpRelayVerify, bus.OpNone,
	}
	if bus.Schedule != want {
		t.Fatalf("Schedule = %v, want %v", bus.Schedule, want)
	}
}

func TestRunDrivesFullCycle(t *testing.T) {
	s := newTestScheduler(t)

	roomOp := &countingOp{}
	relayWrite := &countingOp{}
	boilerOp := &countingOp{}
	relayVerify := &countingOp{}
	s.Register(bus.OpRoomRead, roomOp)
	s.Register(bus.OpRelayWrite, relayWrite)
	s.Register(bus.OpBoilerRead, boilerOp)
	s.Register(bus.OpRelayVerify, relayVerify)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Let enough ticks elapse (sleeper is a no-op, so this is fast) for
	// one full 10-tick cycle to complete, then stop the scheduler.
	deadline := time.After(2 * time.Second)
	for {
		if roomOp.count() >= 1 && relayWrite.count() >= 2 && boilerOp.count() >= 2 && relayVerify.count() >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("schedule did not complete a full cycle in time")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	<-done
}

func TestRetryExhaustionReportsBusError(t *testing.T) {
	type reported struct {
		kind bus.OpKind
		err  error
	}
	var mu sync.Mutex
	var got *reported
	sink := busErrorSinkFunc(func(kind bus.OpKind, err error) {
		mu.Lock()
		defer mu.Unlock()
		if got == nil {
			got = &reported{kind, err}
		}
	})
	s := bus.New(bus.DefaultConfig("/dev/null"),
		bus.WithOpener(func(bus.Config) (bus.Transport, error) { return fakeTransport{}, nil }),
		bus.WithSleeper(func(time.Duration) {}),
		bus.WithBusErrorSink(sink),
	)

	failing := &countingOp{err: errors.New("no response")}
	s.Register(bus.OpRoomRead, failing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := got != nil
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected bus error to be reported after retry exhaustion")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if got.kind != bus.OpRoomRead {
		t.Errorf("reported kind = %v, want OpRoomRead", got.kind)
	}
}

type busErrorSinkFunc func(kind bus.OpKind, err error)

func (f busErrorSinkFunc) RecordBusError(kind bus.OpKind, err error) { f(kind, err) }
