// Package console implements the serial diagnostic console (spec §6:
// "CLI / environment. A serial console exposes: quiet, verbose, normal
// logging modes, per-tag log level, and a force-sync-NTP command").
//
// Grounded on cmd/multiserver/main.go's command-switch shape (a flat
// map from a lower-cased command word to a handler function), adapted
// from a one-shot os.Args dispatch to a line-oriented REPL since this
// console reads commands from a live serial or stdio stream rather
// than process arguments. Colored level tags use github.com/fatih/color,
// the teacher's own choice for terminal feedback.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level is a logging verbosity level.
type Level int

const (
	// Quiet logs only critical faults.
	Quiet Level = iota
	// Normal logs faults and state transitions.
	Normal
	// Verbose logs everything, including periodic telemetry.
	Verbose
)

func (l Level) String() string {
	switch l {
	case Quiet:
		return "quiet"
	case Normal:
		return "normal"
	case Verbose:
		return "verbose"
	default:
		return "unknown"
	}
}

func parseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "quiet":
		return Quiet, true
	case "normal":
		return Normal, true
	case "verbose":
		return Verbose, true
	default:
		return 0, false
	}
}

// NTPSyncer is the narrow surface the force-sync-ntp command drives.
// internal/ntp's *Syncer satisfies it; defined here so console never
// imports internal/ntp directly.
type NTPSyncer interface {
	ForceSync() error
}

// ResetFunc clears a latched LOCKOUT/ERROR/EMERGENCY_STOP condition,
// driven by the console's "reset" command in place of a physical
// operator reset button.
type ResetFunc func()

// EmergencyFunc requests an immediate emergency stop, driven by the
// console's "estop" command in place of a physical E-stop button.
type EmergencyFunc func()

var (
	tagWarn  = color.New(color.FgYellow)
	tagErr   = color.New(color.FgRed, color.Bold)
	tagOK    = color.New(color.FgGreen)
	tagDebug = color.New(color.FgCyan)
)

// Console owns the global and per-tag log levels and dispatches typed
// commands read from a line-oriented input stream.
type Console struct {
	mu       sync.Mutex
	level    Level
	tagLevel map[string]Level
	ntp      NTPSyncer
	reset    ResetFunc
	estop    EmergencyFunc
	out      io.Writer
}

// Option configures a Console.
type Option func(*Console)

// WithNTPSyncer wires the force-sync-ntp command's target.
func WithNTPSyncer(n NTPSyncer) Option {
	return func(c *Console) { c.ntp = n }
}

// WithOutput overrides the console's output writer (default stdout,
// via the caller's choice at New time).
func WithOutput(w io.Writer) Option {
	return func(c *Console) { c.out = w }
}

// WithResetFunc wires the "reset" command's target.
func WithResetFunc(f ResetFunc) Option {
	return func(c *Console) { c.reset = f }
}

// WithEmergencyFunc wires the "estop" command's target.
func WithEmergencyFunc(f EmergencyFunc) Option {
	return func(c *Console) { c.estop = f }
}

// New creates a Console at Normal level with no per-tag overrides.
func New(out io.Writer, opts ...Option) *Console {
	c := &Console{level: Normal, tagLevel: make(map[string]Level), out: out}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Level returns the global log level.
func (c *Console) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// LevelFor returns the effective level for a tag, falling back to the
// global level when no per-tag override is set.
func (c *Console) LevelFor(tag string) Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lvl, ok := c.tagLevel[tag]; ok {
		return lvl
	}
	return c.level
}

// Enabled reports whether a log line at msgLevel should be emitted for
// tag, given the effective level for that tag.
func (c *Console) Enabled(tag string, msgLevel Level) bool {
	return msgLevel <= c.LevelFor(tag)
}

func (c *Console) printf(tagColor *color.Color, format string, args ...interface{}) {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	tagColor.Fprintf(out, format, args...)
}

// Warn prints a yellow-tagged warning if tag's effective level allows it.
func (c *Console) Warn(tag, msg string) {
	if c.Enabled(tag, Normal) {
		c.printf(tagWarn, "[%s] WARN: %s\n", tag, msg)
	}
}

// Error prints a bold red-tagged error unconditionally (errors are
// always logged regardless of level).
func (c *Console) Error(tag, msg string) {
	c.printf(tagErr, "[%s] ERROR: %s\n", tag, msg)
}

// Info prints a green-tagged informational line if tag's effective
// level allows it.
func (c *Console) Info(tag, msg string) {
	if c.Enabled(tag, Normal) {
		c.printf(tagOK, "[%s] %s\n", tag, msg)
	}
}

// Debug prints a cyan-tagged verbose-only line.
func (c *Console) Debug(tag, msg string) {
	if c.Enabled(tag, Verbose) {
		c.printf(tagDebug, "[%s] %s\n", tag, msg)
	}
}

// Dispatch parses and executes one command line, writing any response
// to the console's output. It never returns an error for an unknown
// command; it reports failure in-band like the teacher's own
// command-switch default case.
func (c *Console) Dispatch(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "quiet", "normal", "verbose":
		c.setLevel(cmd, args)
	case "level":
		c.setTagLevel(args)
	case "force-sync-ntp":
		c.forceSyncNTP()
	case "reset":
		c.doReset()
	case "estop":
		c.doEstop()
	case "help":
		c.help()
	default:
		fmt.Fprintf(c.out, "unknown command %q (try: quiet, normal, verbose, level <tag> <level>, force-sync-ntp, reset, estop, help)\n", cmd)
	}
}

func (c *Console) doReset() {
	if c.reset == nil {
		fmt.Fprintln(c.out, "reset unavailable")
		return
	}
	c.reset()
	c.Info("console", "reset requested")
}

func (c *Console) doEstop() {
	if c.estop == nil {
		fmt.Fprintln(c.out, "emergency stop unavailable")
		return
	}
	c.estop()
	c.Error("console", "EMERGENCY STOP requested")
}

func (c *Console) setLevel(word string, args []string) {
	lvl, _ := parseLevel(word)
	if len(args) == 1 {
		// "quiet <tag>" sets a per-tag override rather than the global level.
		c.mu.Lock()
		c.tagLevel[args[0]] = lvl
		c.mu.Unlock()
		fmt.Fprintf(c.out, "tag %q set to %s\n", args[0], lvl)
		return
	}
	c.mu.Lock()
	c.level = lvl
	c.mu.Unlock()
	fmt.Fprintf(c.out, "log level set to %s\n", lvl)
}

func (c *Console) setTagLevel(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(c.out, "usage: level <tag> <quiet|normal|verbose>")
		return
	}
	lvl, ok := parseLevel(args[1])
	if !ok {
		fmt.Fprintf(c.out, "unknown level %q\n", args[1])
		return
	}
	c.mu.Lock()
	c.tagLevel[args[0]] = lvl
	c.mu.Unlock()
	fmt.Fprintf(c.out, "tag %q set to %s\n", args[0], lvl)
}

func (c *Console) forceSyncNTP() {
	if c.ntp == nil {
		fmt.Fprintln(c.out, "ntp sync unavailable")
		return
	}
	if err := c.ntp.ForceSync(); err != nil {
		c.Error("ntp", err.Error())
		return
	}
	c.Info("ntp", "forced sync requested")
}

func (c *Console) help() {
	fmt.Fprintln(c.out, `commands:
  quiet | normal | verbose         set the global log level
  quiet|normal|verbose <tag>       set a per-tag log level
  level <tag> <level>              set a per-tag log level explicitly
  force-sync-ntp                   request an out-of-cycle NTP sync
  reset                            clear a latched lockout/error condition
  estop                            request an immediate emergency stop
  help                             show this text`)
}

// Serve reads newline-delimited commands from r until it returns EOF or
// an error, dispatching each one. Intended to run on its own goroutine
// against the serial console's input stream.
func (c *Console) Serve(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.Dispatch(scanner.Text())
	}
	return scanner.Err()
}
