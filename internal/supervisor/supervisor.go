// Package supervisor implements task registration, dependency-ordered
// startup, health polling, and bounded-retry restart (spec §4.12).
//
// Grounded on original_source's include/core/TaskDependencyManager.h:
// TaskInfo's {name, dependencies, criticality, health check, restart
// count} fields become Task/runningTask below, its topological-sort
// startup order becomes Supervisor.Start, and its health-monitor task
// plus restartCount/maxRestartAttempts become Supervisor.pollHealth
// with cenkalti/backoff standing in for the original's fixed
// restartDelayMs.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

// State mirrors TaskDependencyManager::TaskState.
type State int

const (
	NotStarted State = iota
	Starting
	Running
	Failed
	Stopped
	Restarting
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Failed:
		return "FAILED"
	case Stopped:
		return "STOPPED"
	case Restarting:
		return "RESTARTING"
	default:
		return "UNKNOWN"
	}
}

// HealthCheck reports whether a running task is healthy. A nil
// HealthCheck defaults to "still RUNNING, watchdog fed within its
// timeout" (spec §4.12: "default: handle valid, stack headroom >= 100
// stack units" — the stack-headroom half of that default is meaningful
// only on the embedded target and is represented here by the watchdog
// feed recency check alone).
type HealthCheck func() bool

// TaskFunc is the task's run loop. It must return promptly when ctx is
// canceled.
type TaskFunc func(ctx context.Context) error

// Task is one supervised component's registration record.
type Task struct {
	Name         string
	Run          TaskFunc
	Dependencies []string
	Critical     bool
	HealthCheck  HealthCheck

	// WatchdogTimeout is this task's hardware watchdog period; Feed
	// must be called at least this often or the task is considered
	// unhealthy.
	WatchdogTimeout time.Duration

	// MaxRestarts bounds automatic restart attempts for a non-critical
	// task before it is left FAILED.
	MaxRestarts int
}

type runningTask struct {
	task         Task
	state        State
	cancel       context.CancelFunc
	restartCount int
	lastFeed     time.Time
	errCh        chan error
}

// EmergencyStopFunc is invoked once when a critical task fails.
type EmergencyStopFunc func(reason string)

// Config configures a Supervisor.
type Config struct {
	HealthCheckInterval time.Duration
	DefaultMaxRestarts  int
	OnEmergencyStop     EmergencyStopFunc
}

// Supervisor owns the task registry and drives startup order, health
// polling, and restarts.
type Supervisor struct {
	mu    sync.Mutex
	tasks map[string]*runningTask
	order []string

	cfg Config

	stopped bool
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 5 * time.Second
	}
	if cfg.DefaultMaxRestarts == 0 {
		cfg.DefaultMaxRestarts = 3
	}
	return &Supervisor{tasks: make(map[string]*runningTask), cfg: cfg}
}

// Register adds a task to the registry. It must be called before Start.
func (s *Supervisor) Register(t Task) {
	if t.MaxRestarts == 0 {
		t.MaxRestarts = s.cfg.DefaultMaxRestarts
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.Name] = &runningTask{task: t, state: NotStarted}
}

// startupOrder topologically sorts the registered tasks by dependency
// (TaskDependencyManager::getStartupOrder), erroring on a cycle or a
// dependency on an unregistered task name.
func (s *Supervisor) startupOrder() ([]string, error) {
	visited := make(map[string]int) // 0=unvisited, 1=visiting, 2=done
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("supervisor: dependency cycle at task %q", name)
		}
		visited[name] = 1
		rt, ok := s.tasks[name]
		if !ok {
			return fmt.Errorf("supervisor: task %q depends on unregistered task %q", name, name)
		}
		for _, dep := range rt.task.Dependencies {
			if _, ok := s.tasks[dep]; !ok {
				return fmt.Errorf("supervisor: task %q depends on unregistered task %q", name, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, name)
		return nil
	}

	for name := range s.tasks {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Start computes the dependency-respecting startup order and starts
// every registered task (spec §4.12: "topologically sorts tasks,
// starts them in order, and refuses to start a task whose dependencies
// are not RUNNING").
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	order, err := s.startupOrder()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.order = order
	s.mu.Unlock()

	for _, name := range order {
		if err := s.startTask(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) startTask(ctx context.Context, name string) error {
	s.mu.Lock()
	rt := s.tasks[name]
	for _, dep := range rt.task.Dependencies {
		if s.tasks[dep].state != Running {
			s.mu.Unlock()
			return fmt.Errorf("supervisor: refusing to start %q, dependency %q is not RUNNING", name, dep)
		}
	}
	rt.state = Starting
	taskCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	rt.errCh = make(chan error, 1)
	rt.lastFeed = time.Now()
	fn := rt.task.Run
	s.mu.Unlock()

	go func() {
		err := fn(taskCtx)
		rt.errCh <- err
	}()

	s.mu.Lock()
	rt.state = Running
	s.mu.Unlock()
	return nil
}

// Feed records a watchdog feed from the named task (spec §4.12: "the
// task must feed it within the timeout").
func (s *Supervisor) Feed(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.tasks[name]; ok {
		rt.lastFeed = time.Now()
	}
}

// State returns the current State of a registered task.
func (s *Supervisor) State(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.tasks[name]; ok {
		return rt.state
	}
	return NotStarted
}

// PollHealth runs one health-check pass over every RUNNING task (spec
// §4.12: "a separate supervisor task polls health at a configured
// interval"). It should be driven by a caller's ticker at
// Config.HealthCheckInterval.
func (s *Supervisor) PollHealth(ctx context.Context, now time.Time) {
	s.mu.Lock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.checkOne(ctx, name, now)
	}
}

func (s *Supervisor) checkOne(ctx context.Context, name string, now time.Time) {
	s.mu.Lock()
	rt := s.tasks[name]
	if rt.state != Running {
		s.mu.Unlock()
		return
	}

	unhealthy := false
	select {
	case err := <-rt.errCh:
		unhealthy = true
		_ = err
	default:
	}
	if rt.task.WatchdogTimeout > 0 && now.Sub(rt.lastFeed) > rt.task.WatchdogTimeout {
		unhealthy = true
	}
	if rt.task.HealthCheck != nil && !rt.task.HealthCheck() {
		unhealthy = true
	}
	if !unhealthy {
		s.mu.Unlock()
		return
	}
	rt.state = Failed
	critical := rt.task.Critical
	s.mu.Unlock()

	if critical {
		s.emergencyStop(name)
		return
	}
	s.restart(ctx, name)
}

func (s *Supervisor) emergencyStop(failedTask string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, rt := range s.tasks {
		if rt.cancel != nil {
			rt.cancel()
		}
	}
	cb := s.cfg.OnEmergencyStop
	s.mu.Unlock()

	if cb != nil {
		cb(fmt.Sprintf("critical task %q failed", failedTask))
	}
}

// restart retries a failed non-critical task with bounded attempts and
// exponential backoff between them (spec §4.12).
func (s *Supervisor) restart(ctx context.Context, name string) {
	s.mu.Lock()
	rt := s.tasks[name]
	if rt.restartCount >= rt.task.MaxRestarts {
		s.mu.Unlock()
		return
	}
	rt.restartCount++
	attempt := rt.restartCount
	rt.state = Restarting
	s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}

	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if err := s.startTask(ctx, name); err != nil {
			_ = errors.Wrapf(err, "supervisor: restart of %q failed", name)
		}
	}()
}
