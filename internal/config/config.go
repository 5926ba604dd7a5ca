// Package config loads the daemon configuration, from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-scriptloop/internal/logging"
	"github.com/joeycumines/go-scriptloop/thread"
	"github.com/joeycumines/go-scriptloop/timerqueue"
	"github.com/joeycumines/go-scriptloop/work"
	"go.uber.org/multierr"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config is the top-level TOML structure. Durations are strings, e.g. "15m".
type Config struct {
	Log     Log     `toml:"log"`
	Runtime Runtime `toml:"runtime"`
	Work    Work    `toml:"work"`
	Admin   Admin   `toml:"admin"`
	Scripts Scripts `toml:"scripts"`
}

type Log struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	NoColor bool   `toml:"no_color"`
}

type Runtime struct {
	CallbackBudget   time.Duration `toml:"callback_budget"`
	WatchdogInterval time.Duration `toml:"watchdog_interval"`
	MinInterval      time.Duration `toml:"min_interval"`
}

type Work struct {
	Store         string        `toml:"store"`
	SQLitePath    string        `toml:"sqlite_path"`
	PollInterval  time.Duration `toml:"poll_interval"`
	RecheckDelay  time.Duration `toml:"recheck_delay"`
	RecheckPeriod time.Duration `toml:"recheck_period"`
	DefaultWindow time.Duration `toml:"default_window"`
	// ResurrectRate is per second, zero meaning unlimited.
	ResurrectRate  float64 `toml:"resurrect_rate"`
	ResurrectBurst int     `toml:"resurrect_burst"`
}

type Admin struct {
	// Listen is the admin HTTP address, empty to disable.
	Listen string `toml:"listen"`
}

type Scripts struct {
	Dir string `toml:"dir"`
	// Autostart entries are started as threads on startup.
	Autostart []string `toml:"autostart"`
}

// Default returns the configuration used for missing values.
func Default() Config {
	return Config{
		Log: Log{
			Level:  "info",
			Format: logging.FormatJSON,
		},
		Runtime: Runtime{
			CallbackBudget:   thread.DefaultCallbackBudget,
			WatchdogInterval: thread.DefaultWatchdogInterval,
			MinInterval:      timerqueue.DefaultMinInterval,
		},
		Work: Work{
			Store:          StoreMemory,
			SQLitePath:     "scriptloop.db",
			PollInterval:   work.DefaultPollInterval,
			RecheckDelay:   time.Minute,
			RecheckPeriod:  work.DefaultRecheckPeriod,
			ResurrectBurst: 1,
		},
		Admin: Admin{
			Listen: "127.0.0.1:8080",
		},
		Scripts: Scripts{
			Dir: "scripts",
		},
	}
}

// Load reads and parses the file at path. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses TOML over the defaults, then validates the result. Unknown
// keys are an error.
func Parse(data string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("parse config: unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks for invalid values.
func (c Config) Validate() error {
	var err error
	if _, e := logging.ParseLevel(c.Log.Level); e != nil {
		err = multierr.Append(err, e)
	}
	switch c.Log.Format {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		err = multierr.Append(err, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Runtime.CallbackBudget < 0 {
		err = multierr.Append(err, errors.New("runtime.callback_budget: must not be negative"))
	}
	if c.Runtime.WatchdogInterval <= 0 {
		err = multierr.Append(err, errors.New("runtime.watchdog_interval: must be positive"))
	}
	if c.Runtime.MinInterval <= 0 {
		err = multierr.Append(err, errors.New("runtime.min_interval: must be positive"))
	}
	switch c.Work.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.Work.SQLitePath == "" {
			err = multierr.Append(err, errors.New("work.sqlite_path: required for the sqlite store"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("work.store: unknown store %q", c.Work.Store))
	}
	if c.Work.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("work.poll_interval: must be positive"))
	}
	if c.Work.RecheckDelay < 0 {
		err = multierr.Append(err, errors.New("work.recheck_delay: must not be negative"))
	}
	if c.Work.RecheckPeriod < time.Second {
		err = multierr.Append(err, errors.New("work.recheck_period: must be at least 1s"))
	}
	if c.Work.DefaultWindow < 0 {
		err = multierr.Append(err, errors.New("work.default_window: must not be negative"))
	}
	if c.Work.ResurrectRate < 0 {
		err = multierr.Append(err, errors.New("work.resurrect_rate: must not be negative"))
	}
	if c.Work.ResurrectRate > 0 && c.Work.ResurrectBurst <= 0 {
		err = multierr.Append(err, errors.New("work.resurrect_burst: must be positive"))
	}
	if c.Scripts.Dir == "" {
		err = multierr.Append(err, errors.New("scripts.dir: required"))
	}
	return err
}
