// Package config holds the runtime knobs of the confine library.
//
// Values come from three layers, later layers winning:
//
//  1. Default()
//  2. an optional TOML file (Load)
//  3. CONFINE_* environment variables (ApplyEnv)
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables understood by ApplyEnv.
const (
	EnvLogLevel      = "CONFINE_LOG_LEVEL"
	EnvAbnormalExit  = "CONFINE_ABNORMAL_EXIT"
	EnvSweepInterval = "CONFINE_SWEEP_INTERVAL"
	EnvReport        = "CONFINE_REPORT"
	EnvCaptureStacks = "CONFINE_CAPTURE_STACKS"
)

// ExitPolicy decides what happens to pending registry entries when a
// goroutine ends abnormally (panics, or exits with stack tokens still held).
type ExitPolicy string

const (
	// ExitLeak abandons pending values without running their destructors.
	ExitLeak ExitPolicy = "leak"
	// ExitDestroy runs pending destructors on the owner goroutine while it
	// unwinds.
	ExitDestroy ExitPolicy = "destroy"
)

// Duration is a time.Duration that decodes from strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the complete library configuration.
type Config struct {
	// LogLevel is a zerolog level name: trace, debug, info, warn, error,
	// disabled.
	LogLevel string `toml:"log_level"`

	// AbnormalExit is the teardown policy for panicking goroutines.
	AbnormalExit ExitPolicy `toml:"abnormal_exit"`

	// SweepInterval is the period of the dead-goroutine sweeper started by
	// confine.StartSweeper. Zero disables it.
	SweepInterval Duration `toml:"sweep_interval"`

	// Report prints a human-readable violation report to stderr before a
	// Fragile panics on the wrong goroutine.
	Report bool `toml:"report"`

	// CaptureStacks records the construction site of every wrapper so
	// violation reports can point at it.
	CaptureStacks bool `toml:"capture_stacks"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:      "warn",
		AbnormalExit:  ExitLeak,
		SweepInterval: Duration{30 * time.Second},
		Report:        true,
		CaptureStacks: true,
	}
}

// Load reads a TOML file on top of Default and validates the result.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with CONFINE_* variables looked up through getenv
// (usually os.Getenv). Malformed values are reported, not ignored.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error

	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(getenv(EnvAbnormalExit)); v != "" {
		cfg.AbnormalExit = ExitPolicy(strings.ToLower(v))
	}
	if v := getenv(EnvSweepInterval); v != "" {
		if err := cfg.SweepInterval.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvSweepInterval, err))
		}
	}
	if b, ok, err := parseBool(getenv(EnvReport)); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", EnvReport, err))
	} else if ok {
		cfg.Report = b
	}
	if b, ok, err := parseBool(getenv(EnvCaptureStacks)); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", EnvCaptureStacks, err))
	} else if ok {
		cfg.CaptureStacks = b
	}

	return errors.Join(errs...)
}

func parseBool(raw string) (value, ok bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, err
	}
	return v, true, nil
}

// Validate checks field ranges and enum values.
func (c Config) Validate() error {
	var errs []error
	switch c.AbnormalExit {
	case ExitLeak, ExitDestroy:
	default:
		errs = append(errs, fmt.Errorf("abnormal_exit: unknown policy %q (want %q or %q)", c.AbnormalExit, ExitLeak, ExitDestroy))
	}
	if _, ok := levels[c.LogLevel]; !ok {
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	if c.SweepInterval.Duration < 0 {
		errs = append(errs, fmt.Errorf("sweep_interval: must not be negative, got %s", c.SweepInterval))
	}
	return errors.Join(errs...)
}

var levels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "error": {}, "disabled": {},
}
