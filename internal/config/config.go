// Package config loads, dumps, and live-reloads the controller's
// persistent configuration surface: bus transport parameters, storage
// device geometry, the seed-schedule file path, and supervisor timing.
// None of it is mandatory (spec §6: "No configuration is mandatory via
// CLI; all persistent settings have compile-time safe defaults").
//
// Grounded directly on cmd/multiserver/main.go's setupconfig/mkconf/
// printconf flow: a package-level koanf.Koanf loaded first from struct
// defaults (koanf/providers/structs) and then overlaid with an optional
// YAML file (koanf/providers/file + koanf/parsers/yaml), tolerating a
// missing file exactly the way the teacher's setupconfig does ("file
// missing, who cares"). Live reload adds github.com/fsnotify/fsnotify
// to watch the config file for edits, since this controller runs
// unattended rather than being re-invoked per command like multiserver.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yml "github.com/go-yaml/yaml"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// BusConfig configures the time-division serial bus scheduler.
type BusConfig struct {
	Port            string        `koanf:"port" yaml:"port"`
	BaudRate        int           `koanf:"baud_rate" yaml:"baud_rate"`
	SlotDuration    time.Duration `koanf:"slot_duration" yaml:"slot_duration"`
	ResponseTimeout time.Duration `koanf:"response_timeout" yaml:"response_timeout"`
}

// StorageConfig configures the persistent-memory backing store.
type StorageConfig struct {
	Device      string `koanf:"device" yaml:"device"`
	SizeBytes   int    `koanf:"size_bytes" yaml:"size_bytes"`
	WearLeveled bool   `koanf:"wear_leveled" yaml:"wear_leveled"`
}

// CalendarConfig configures the schedule store's seed data and NTP
// failure tolerance.
type CalendarConfig struct {
	SeedSchedulePath string `koanf:"seed_schedule_path" yaml:"seed_schedule_path"`
	MaxNTPFailures   int    `koanf:"max_ntp_failures" yaml:"max_ntp_failures"`
}

// SupervisorConfig configures task health polling.
type SupervisorConfig struct {
	HealthCheckInterval time.Duration `koanf:"health_check_interval" yaml:"health_check_interval"`
	DefaultMaxRestarts  int           `koanf:"default_max_restarts" yaml:"default_max_restarts"`
}

// ArbiterConfig configures demand arbitration policy.
type ArbiterConfig struct {
	WaterPriority bool `koanf:"water_priority" yaml:"water_priority"`
}

// Config is the top-level configuration surface, unmarshaled from a
// koanf tree seeded with these defaults and optionally overlaid by a
// YAML file on disk.
type Config struct {
	ListenAddr string           `koanf:"listen_addr" yaml:"listen_addr"`
	Bus        BusConfig        `koanf:"bus" yaml:"bus"`
	Storage    StorageConfig    `koanf:"storage" yaml:"storage"`
	Calendar   CalendarConfig   `koanf:"calendar" yaml:"calendar"`
	Supervisor SupervisorConfig `koanf:"supervisor" yaml:"supervisor"`
	Arbiter    ArbiterConfig    `koanf:"arbiter" yaml:"arbiter"`
}

// Default returns the compile-time safe defaults (spec §6).
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Bus: BusConfig{
			Port:            "/dev/ttyS0",
			BaudRate:        9600,
			SlotDuration:    50 * time.Millisecond,
			ResponseTimeout: 20 * time.Millisecond,
		},
		Storage: StorageConfig{
			Device:      "/dev/mtdblock0",
			SizeBytes:   64 * 1024,
			WearLeveled: true,
		},
		Calendar: CalendarConfig{
			SeedSchedulePath: "schedules.yml",
			MaxNTPFailures:   3,
		},
		Supervisor: SupervisorConfig{
			HealthCheckInterval: 5 * time.Second,
			DefaultMaxRestarts:  3,
		},
		Arbiter: ArbiterConfig{WaterPriority: true},
	}
}

// Loader owns the koanf tree, the config file path, and an optional
// live-reload watch (setupconfig generalized to a long-lived struct
// instead of a package-level global, since this controller is a
// daemon, not a one-shot CLI invocation).
type Loader struct {
	mu   sync.RWMutex
	k    *koanf.Koanf
	path string
}

// NewLoader creates a Loader seeded with Default() and then overlays
// path if it exists, matching setupconfig's "file missing, who cares"
// tolerance.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{k: koanf.New("."), path: path}
	if err := l.k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}
	if err := l.reloadFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Loader) reloadFile() error {
	err := l.k.Load(file.Provider(l.path), yaml.Parser())
	if err != nil && !strings.Contains(err.Error(), "no such") {
		return fmt.Errorf("config: loading %s: %w", l.path, err)
	}
	return nil
}

// Current unmarshals the loader's current koanf tree into a Config.
func (l *Loader) Current() (Config, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var c Config
	if err := l.k.Unmarshal("", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Dump writes the current configuration to path as YAML (mkconf,
// generalized to the caller's chosen path rather than a fixed
// filename).
func (l *Loader) Dump(path string) error {
	c, err := l.Current()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

// Watch starts an fsnotify watch on the loader's config file and
// reloads it on every write event, invoking onChange with the newly
// loaded Config. The watch goroutine runs until the returned watcher
// is closed.
func (l *Loader) Watch(onChange func(Config)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(l.path); err != nil {
		// No existing file to watch; defaults remain in effect until one
		// appears. Not an error, matching setupconfig's missing-file
		// tolerance.
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
				l.mu.Lock()
				err := l.reloadFile()
				l.mu.Unlock()
				if err != nil {
					continue
				}
				c, err := l.Current()
				if err == nil && onChange != nil {
					onChange(c)
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
