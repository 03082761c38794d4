package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/theckman/yacspin"

	"github.com/hearthcore/boilerctl/internal/arbiter"
	"github.com/hearthcore/boilerctl/internal/burner"
	"github.com/hearthcore/boilerctl/internal/bus"
	"github.com/hearthcore/boilerctl/internal/calendar"
	"github.com/hearthcore/boilerctl/internal/config"
	"github.com/hearthcore/boilerctl/internal/console"
	"github.com/hearthcore/boilerctl/internal/diag"
	"github.com/hearthcore/boilerctl/internal/faults"
	"github.com/hearthcore/boilerctl/internal/flame"
	"github.com/hearthcore/boilerctl/internal/ntp"
	"github.com/hearthcore/boilerctl/internal/pid"
	"github.com/hearthcore/boilerctl/internal/preheater"
	"github.com/hearthcore/boilerctl/internal/pump"
	"github.com/hearthcore/boilerctl/internal/readings"
	"github.com/hearthcore/boilerctl/internal/relay"
	"github.com/hearthcore/boilerctl/internal/storage"
	"github.com/hearthcore/boilerctl/internal/supervisor"
)

// Version is the version number. Typically injected via ldflags with git build.
var Version = "dev"

// ConfigFileName is the config file boilerctl looks for alongside its binary.
var ConfigFileName = "boilerctl.yml"

// NVM byte offsets for the per-loop PID states (spec §6: "Reserved
// areas: PID states, schedules (at offset 0x4C20, 4 KiB), counters,
// safety config, error log"). Schedules/counters/fault-log offsets are
// assigned where each area is declared (internal/calendar, internal/storage,
// internal/faults); the two PID loops are assigned here since areaForSlot
// is parameterized by the caller rather than fixed per loop.
const (
	pidHeatingOffset = 0x0000
	pidWaterOffset   = 0x0040

	// safetyConfigOffset reserves the NVM region for operator-tunable
	// safety limits (spec §6). No control path currently writes to it;
	// the pre-ignition interlocks and operating checks use the
	// compile-time-safe constants in internal/arbiter instead, matching
	// spec §4.7's own framing of those thresholds as compile-time-safe
	// constants rather than a runtime-editable table.
	safetyConfigOffset = 0x5000
)

// controlFlags holds the console-driven reset/estop requests the
// control loop consumes each tick, standing in for the physical
// operator reset and E-stop buttons the hardware I/O layer would
// otherwise supply.
type controlFlags struct {
	reset int32
	estop int32
}

func (f *controlFlags) requestReset()     { atomic.StoreInt32(&f.reset, 1) }
func (f *controlFlags) requestEmergency() { atomic.StoreInt32(&f.estop, 1) }
func (f *controlFlags) clearEmergency()   { atomic.StoreInt32(&f.estop, 0) }
func (f *controlFlags) consumeReset() bool {
	return atomic.SwapInt32(&f.reset, 0) != 0
}
func (f *controlFlags) emergencyActive() bool {
	return atomic.LoadInt32(&f.estop) != 0
}

// demandState bridges a calendar schedule's start/end edge to the
// live PID setpoint and the arbiter's per-tick active/percent request,
// implementing calendar.DemandSink.
type demandState struct {
	active int32
	pidCtl *pid.Controller
}

func (d *demandState) SetActive(active bool) {
	var v int32
	if active {
		v = 1
	}
	atomic.StoreInt32(&d.active, v)
}
func (d *demandState) SetSetpoint(tenths int32) { d.pidCtl.SetSetpoint(tenths) }
func (d *demandState) Active() bool             { return atomic.LoadInt32(&d.active) != 0 }

func root() {
	fmt.Println(`boilerctl drives a boiler/DHW appliance's burner, pumps, and field bus.

Usage:
	boilerctl <command>

Commands:
	run      start the controller
	mkconf   write the current configuration to disk
	conf     print the current configuration
	version  print the version
	help     show configuration help`)
}

func help() {
	fmt.Println(`boilerctl is configured via its YAML file (` + ConfigFileName + `). No setting is
mandatory; every field has a compile-time safe default. Keys are not
case-sensitive. "mkconf" writes the currently active configuration
(defaults overlaid by any existing file) back to disk.`)
}

func pversion() {
	fmt.Printf("boilerctl version %v\n", Version)
}

func mkconf(loader *config.Loader) {
	if err := loader.Dump(ConfigFileName); err != nil {
		log.Fatal(err)
	}
}

func printconf(loader *config.Loader) {
	c, err := loader.Current()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%+v\n", c)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}

	loader, err := config.NewLoader(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}

	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		mkconf(loader)
	case "conf":
		printconf(loader)
	case "version":
		pversion()
	case "run":
		run(loader)
	default:
		log.Fatal("unknown command")
	}
}

func run(loader *config.Loader) {
	spinner, _ := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " boilerctl starting",
		SuffixAutoColon: true,
		Message:         "loading configuration",
		StopMessage:     "controller running",
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	})
	if spinner != nil {
		spinner.Start()
	}
	spin := func(msg string) {
		if spinner != nil {
			spinner.Message(msg)
		}
	}

	cfg, err := loader.Current()
	if err != nil {
		log.Fatal(err)
	}

	flags := &controlFlags{}

	spin("opening persistent storage")
	faultLog := faults.NewLog(faults.WithClock(time.Now))
	dev, err := storage.OpenFileDevice(cfg.Storage.Device, uint32(cfg.Storage.SizeBytes))
	if err != nil {
		log.Fatalf("boilerctl: opening storage device: %v", err)
	}
	store := storage.New(dev, storage.WithCorruptionSink(faultLog))
	faultLog.SetPersistence(store)
	for _, a := range []storage.Area{faults.GeneralLogArea, faults.CriticalLogArea, calendar.SchedulesArea, storage.CountersArea} {
		if _, _, err := store.EnsureArea(a); err != nil {
			log.Printf("boilerctl: ensuring area %s: %v", a.Name, err)
		}
	}
	counters := storage.NewCounters(store)

	spin("wiring sensors and relays")
	readingsStore := readings.New(readings.WithFaultRecorder(faultLog))
	flameSensor := flame.New()
	relayState := relay.New()

	pt1000Channels := []readings.Channel{
		readings.BoilerOutput, readings.BoilerReturn, readings.DHWTank,
		readings.DHWReturn, readings.HeatingReturn, readings.Outside,
		readings.Channel(-1), readings.Channel(-1), // register 6 is the flame-detect input; register 7 is the pressure loop, both special-cased
	}

	busScheduler := bus.New(bus.Config{Port: cfg.Bus.Port, Baud: cfg.Bus.BaudRate}, bus.WithBusErrorSink(faultLog))
	busScheduler.Register(bus.OpBoilerRead, bus.NewPT1000ReadOp(readingsStore, pt1000Channels, flameSensor, time.Now))
	busScheduler.Register(bus.OpRoomRead, bus.NewRoomReadOp(readingsStore, readings.Inside))
	busScheduler.Register(bus.OpRelayWrite, bus.NewRelayWriteOp(relayState, time.Now))
	busScheduler.Register(bus.OpRelayVerify, bus.NewRelayVerifyOp(relayState, time.Now))

	spin("wiring control loops")
	burnerSM := burner.New(time.Now())

	heatingPID := pid.NewController(pid.Gains{Kp: 450, Ki: 20, Kd: 80})
	waterPID := pid.NewController(pid.Gains{Kp: 600, Ki: 30, Kd: 40})
	heatingPIDSink := pid.NewStorageSink(store, "pid_heating", pidHeatingOffset)
	waterPIDSink := pid.NewStorageSink(store, "pid_water", pidWaterOffset)
	if _, err := heatingPIDSink.Load(heatingPID); err != nil {
		log.Printf("boilerctl: loading heating pid state: %v", err)
	}
	if _, err := waterPIDSink.Load(waterPID); err != nil {
		log.Printf("boilerctl: loading water pid state: %v", err)
	}

	heatingDemand := &demandState{pidCtl: heatingPID}
	waterDemand := &demandState{pidCtl: waterPID}

	preheaterInst := preheater.New(readings.ChannelDiff{
		Store: readingsStore, Minuend: readings.BoilerOutput, Subtrahend: readings.BoilerReturn,
	})

	heatingPump := pump.New(pump.Config{ID: "heating"}, counters, preheaterInst)
	waterPump := pump.New(pump.Config{ID: "water"}, counters, nil)

	arb := arbiter.New(arbiter.Config{
		Readings:      readingsStore,
		Lockout:       burnerSM,
		Flame:         flameSensor,
		BurnerState:   burnerSM,
		Faults:        faultLog,
		WaterPriority: cfg.Arbiter.WaterPriority,
	}, time.Now())

	spin("restoring calendar")
	calendarSink := calendar.NewStorageSink(store)
	calClock := clockFunc(time.Now)
	calScheduler := calendar.New(calClock, calendar.WithPersistence(calendarSink), calendar.WithMaxNTPFailures(cfg.Calendar.MaxNTPFailures))
	for _, sched := range calendarSink.LoadSchedules() {
		calScheduler.Add(sched)
	}
	if cfg.Calendar.SeedSchedulePath != "" {
		if err := calScheduler.LoadSeedFile(cfg.Calendar.SeedSchedulePath); err != nil {
			log.Printf("boilerctl: loading seed schedule file: %v", err)
		}
		if w, err := calScheduler.WatchSeedFile(cfg.Calendar.SeedSchedulePath); err == nil && w != nil {
			defer w.Close()
		}
	}
	calScheduler.RegisterHandler(calendar.NewSpaceHeatingHandler(heatingDemand, readings.InsideSource{Store: readingsStore}))
	calScheduler.RegisterHandler(calendar.NewWaterHeatingHandler(waterDemand))

	ntpSyncer := ntp.New("", calScheduler)

	consoleInst := console.New(os.Stdout,
		console.WithNTPSyncer(ntpSyncer),
		console.WithResetFunc(func() { flags.requestReset(); flags.clearEmergency() }),
		console.WithEmergencyFunc(flags.requestEmergency),
	)

	diagServer := diag.New(diag.Config{
		Burner:   diag.BurnerAdapter{SM: burnerSM},
		Readings: readingsStore,
		Relay:    diag.RelayAdapter{State: relayState},
		Faults:   faultLog,
		Now:      time.Now,
	})

	var prevState burner.State
	var prevAttempts int

	controlTick := func(now time.Time) {
		heatingPV := readingsStore.Read(readings.BoilerOutput)
		waterPV := readingsStore.Read(readings.DHWTank)

		heatingPercent := 0
		if heatingDemand.Active() && heatingPV.Valid {
			heatingPercent = int(heatingPID.Step(int32(heatingPV.Value)))
		} else {
			heatingPID.Reset()
		}
		waterPercent := 0
		if waterDemand.Active() && waterPV.Valid {
			waterPercent = int(waterPID.Step(int32(waterPV.Value)))
		} else {
			waterPID.Reset()
		}
		arb.SetHeatingRequest(heatingDemand.Active(), heatingPercent)
		arb.SetWaterRequest(waterDemand.Active(), waterPercent)

		decision := arb.Evaluate(now)

		if decision.PreheatNeeded && preheaterInst.State() == preheater.Idle {
			preheaterInst.Start(now)
		}
		if preheaterInst.State() == preheater.Preheating {
			preheaterInst.Update(now)
		}

		state := burnerSM.Update(burner.Inputs{
			Now:                 now,
			DemandActive:        decision.DemandActive,
			RequestedPIDPercent: decision.RequestedPIDPercent,
			InterlocksPass:      decision.InterlocksPass,
			FlameDetected:       flameSensor.Detected(),
			SafetyReject:        decision.SafetyReject,
			FlameLoss:           decision.FlameLoss,
			EmergencyRequested:  flags.emergencyActive(),
			ResetRequested:      flags.consumeReset(),
			FatalFault:          false,
		})

		if state != prevState {
			switch state {
			case burner.Lockout:
				counters.IncrementLockouts()
			case burner.BurningLow, burner.BurningHigh:
				if prevState == burner.Ignition {
					counters.IncrementBurnerStarts()
				}
			}
			prevState = state
		}
		if attempts := burnerSM.IgnitionAttempts(); attempts > prevAttempts {
			counters.IncrementIgnitionFailures()
			prevAttempts = attempts
		} else if state == burner.PrePurge {
			prevAttempts = 0
		}

		relayState.SetDesired(relay.Burner, state == burner.BurningLow || state == burner.BurningHigh)

		heatingPump.SetMode(decision.Granted == arbiter.DemandHeating && decision.DemandActive, now)
		relayState.SetDesired(relay.HeatingPump, heatingPump.Update(now))

		waterPump.SetMode(decision.Granted == arbiter.DemandWater && decision.DemandActive, now)
		relayState.SetDesired(relay.WaterPump, waterPump.Update(now))

		relayState.SetDesired(relay.Alarm, relayState.CommErrorLatched() || len(faultLog.Critical()) > 0)
	}

	sup := supervisor.New(supervisor.Config{
		HealthCheckInterval: cfg.Supervisor.HealthCheckInterval,
		DefaultMaxRestarts:  cfg.Supervisor.DefaultMaxRestarts,
		OnEmergencyStop: func(reason string) {
			relayState.SetAllDesiredOff()
			log.Printf("boilerctl: emergency stop: %s", reason)
		},
	})

	sup.Register(supervisor.Task{
		Name:     "bus",
		Critical: true,
		Run:      busScheduler.Run,
	})
	sup.Register(supervisor.Task{
		Name:         "control",
		Critical:     true,
		Dependencies: []string{"bus"},
		Run: func(ctx context.Context) error {
			select {
			case <-readingsStore.FirstReadComplete():
			case <-ctx.Done():
				return ctx.Err()
			}
			t := time.NewTicker(250 * time.Millisecond)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case now := <-t.C:
					controlTick(now)
					sup.Feed("control")
				}
			}
		},
	})
	sup.Register(supervisor.Task{
		Name: "calendar",
		Run: func(ctx context.Context) error {
			t := time.NewTicker(30 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					if err := calScheduler.Save(); err != nil {
						log.Printf("boilerctl: final schedule save: %v", err)
					}
					return ctx.Err()
				case now := <-t.C:
					calScheduler.Poll(now)
				}
			}
		},
	})
	sup.Register(supervisor.Task{
		Name: "ntp",
		Run: func(ctx context.Context) error {
			stop := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(stop)
			}()
			ntpSyncer.Run(stop)
			return ctx.Err()
		},
	})
	sup.Register(supervisor.Task{
		Name: "diag-http",
		Run: func(ctx context.Context) error {
			srv := &http.Server{Addr: cfg.ListenAddr, Handler: diagServer}
			go func() {
				<-ctx.Done()
				srv.Close()
			}()
			err := srv.ListenAndServe()
			if err == http.ErrServerClosed {
				return ctx.Err()
			}
			return err
		},
	})
	sup.Register(supervisor.Task{
		Name: "console",
		Run: func(ctx context.Context) error {
			done := make(chan error, 1)
			go func() { done <- consoleInst.Serve(os.Stdin) }()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-done:
				return err
			}
		},
	})

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spin("starting supervised tasks")
	if err := sup.Start(rootCtx); err != nil {
		if spinner != nil {
			spinner.StopFailMessage(err.Error())
			spinner.StopFail()
		}
		log.Fatal(err)
	}

	if spinner != nil {
		spinner.Stop()
	}

	healthTick := time.NewTicker(cfg.Supervisor.HealthCheckInterval)
	defer healthTick.Stop()
	for now := range healthTick.C {
		sup.PollHealth(rootCtx, now)
	}
}

// clockFunc adapts a plain func() time.Time to calendar.ClockSource.
type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }
