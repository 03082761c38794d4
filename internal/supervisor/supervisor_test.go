package supervisor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hearthcore/boilerctl/internal/supervisor"
)

func blockingRun(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestStartRespectsDependencyOrder(t *testing.T) {
	s := supervisor.New(supervisor.Config{})
	var startOrder []string

	s.Register(supervisor.Task{Name: "bus", Run: func(ctx context.Context) error {
		startOrder = append(startOrder, "bus")
		return blockingRun(ctx)
	}})
	s.Register(supervisor.Task{Name: "control", Dependencies: []string{"bus"}, Run: func(ctx context.Context) error {
		startOrder = append(startOrder, "control")
		return blockingRun(ctx)
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if len(startOrder) != 2 || startOrder[0] != "bus" || startOrder[1] != "control" {
		t.Fatalf("startOrder = %v, want [bus control]", startOrder)
	}
	if s.State("bus") != supervisor.Running || s.State("control") != supervisor.Running {
		t.Fatalf("expected both tasks RUNNING, got bus=%v control=%v", s.State("bus"), s.State("control"))
	}
}

func TestStartDetectsDependencyCycle(t *testing.T) {
	s := supervisor.New(supervisor.Config{})
	s.Register(supervisor.Task{Name: "a", Dependencies: []string{"b"}, Run: blockingRun})
	s.Register(supervisor.Task{Name: "b", Dependencies: []string{"a"}, Run: blockingRun})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err == nil {
		t.Fatal("expected an error for a dependency cycle")
	}
}

func TestStartRejectsUnregisteredDependency(t *testing.T) {
	s := supervisor.New(supervisor.Config{})
	s.Register(supervisor.Task{Name: "control", Dependencies: []string{"missing"}, Run: blockingRun})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err == nil {
		t.Fatal("expected an error for a dependency on an unregistered task")
	}
}

func TestCriticalTaskFailureTriggersEmergencyStop(t *testing.T) {
	stopped := make(chan string, 1)
	s := supervisor.New(supervisor.Config{
		OnEmergencyStop: func(reason string) { stopped <- reason },
	})
	s.Register(supervisor.Task{
		Name:     "burner",
		Critical: true,
		Run: func(ctx context.Context) error {
			return errors.New("boom")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	s.PollHealth(ctx, time.Now())

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("expected emergency stop callback to fire")
	}
}

func TestWatchdogTimeoutMarksTaskUnhealthy(t *testing.T) {
	s := supervisor.New(supervisor.Config{})
	s.Register(supervisor.Task{
		Name:            "bus",
		Run:             blockingRun,
		WatchdogTimeout: 50 * time.Millisecond,
		MaxRestarts:     0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(10 * time.Millisecond)

	s.PollHealth(ctx, time.Now().Add(100*time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	if s.State("bus") != supervisor.Failed && s.State("bus") != supervisor.Restarting {
		t.Fatalf("state = %v, want Failed or Restarting after a missed watchdog feed", s.State("bus"))
	}
}

func TestFeedPreventsWatchdogTimeout(t *testing.T) {
	s := supervisor.New(supervisor.Config{})
	s.Register(supervisor.Task{
		Name:            "bus",
		Run:             blockingRun,
		WatchdogTimeout: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(10 * time.Millisecond)

	s.Feed("bus")
	s.PollHealth(ctx, time.Now().Add(20*time.Millisecond))
	if s.State("bus") != supervisor.Running {
		t.Fatalf("state = %v, want Running when fed within the watchdog window", s.State("bus"))
	}
}
