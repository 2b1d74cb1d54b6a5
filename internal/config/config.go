// Package config loads the YAML configuration of the LAPIC simulator.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tinyrange/vlapic/internal/lapic"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string ("1ms") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Host timer backends.
const (
	HostTimerGo      = "go"
	HostTimerTimerfd = "timerfd"
	HostTimerManual  = "manual"
)

type Config struct {
	LogLevel string `yaml:"log_level"`
	// Trace is the path of a binary event trace. Empty disables tracing.
	Trace string      `yaml:"trace,omitempty"`
	Lapic LapicConfig `yaml:"lapic"`
	Sim   SimConfig   `yaml:"sim"`
}

type LapicConfig struct {
	Base            uint64 `yaml:"base"`
	TimerVector     uint8  `yaml:"timer_vector"`
	RetirePolicy    string `yaml:"retire_policy"`
	TSCFrequencyHz  uint64 `yaml:"tsc_frequency_hz"`
	HardwareOffload bool   `yaml:"hardware_offload"`
	HostTimer       string `yaml:"host_timer"`
	// MinTimerPeriod is the shortest periodic interval the guest may program.
	MinTimerPeriod Duration `yaml:"min_timer_period"`
}

type SimConfig struct {
	Duration Duration       `yaml:"duration"`
	Seed     int64          `yaml:"seed"`
	Timer    TimerConfig    `yaml:"timer"`
	Guest    GuestConfig    `yaml:"guest"`
	Devices  []DeviceConfig `yaml:"devices,omitempty"`
}

type TimerConfig struct {
	// Mode is one-shot, periodic or tsc-deadline.
	Mode   string   `yaml:"mode"`
	Period Duration `yaml:"period"`
}

type GuestConfig struct {
	Slice      Duration `yaml:"slice"`
	HaltChance float64  `yaml:"halt_chance"`
	MaskChance float64  `yaml:"mask_chance"`
}

// DeviceConfig is an interrupt source raising Vector every Interval.
type DeviceConfig struct {
	Name     string   `yaml:"name"`
	Vector   uint8    `yaml:"vector"`
	Interval Duration `yaml:"interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Lapic: LapicConfig{
			Base:            lapic.DefaultBase,
			TimerVector:     uint8(lapic.VectorTimer),
			RetirePolicy:    lapic.RetireHold.String(),
			TSCFrequencyHz:  lapic.DefaultTSCFrequency,
			HardwareOffload: true,
			HostTimer:       HostTimerGo,
			MinTimerPeriod:  Duration(lapic.DefaultMinTimerPeriod),
		},
		Sim: SimConfig{
			Duration: Duration(time.Second),
			Seed:     1,
			Timer: TimerConfig{
				Mode:   lapic.TimerPeriodic.String(),
				Period: Duration(time.Millisecond),
			},
			Guest: GuestConfig{
				Slice:      Duration(50 * time.Microsecond),
				HaltChance: 0.3,
				MaskChance: 0.05,
			},
			Devices: []DeviceConfig{
				{Name: "nic", Vector: 0x40, Interval: Duration(3 * time.Millisecond)},
				{Name: "disk", Vector: 0x51, Interval: Duration(7 * time.Millisecond)},
			},
		},
	}
}

// Load reads and validates the configuration at path, filling unset fields
// from Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML on top of Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write encodes cfg as YAML.
func Write(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return enc.Close()
}

// Validate checks every field that has a restricted range.
func (c Config) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if _, err := lapic.ParseRetirePolicy(c.Lapic.RetirePolicy); err != nil {
		return err
	}
	if !lapic.Vector(c.Lapic.TimerVector).IsMaskable() {
		return fmt.Errorf("config: timer_vector %#x is not maskable", c.Lapic.TimerVector)
	}
	if c.Lapic.TSCFrequencyHz == 0 {
		return fmt.Errorf("config: tsc_frequency_hz must be positive")
	}
	if c.Lapic.MinTimerPeriod <= 0 {
		return fmt.Errorf("config: min_timer_period must be positive")
	}
	switch c.Lapic.HostTimer {
	case HostTimerGo, HostTimerTimerfd, HostTimerManual:
	default:
		return fmt.Errorf("config: unknown host_timer %q", c.Lapic.HostTimer)
	}
	if _, err := c.Sim.Timer.TimerMode(); err != nil {
		return err
	}
	if c.Sim.Timer.Period < 0 {
		return fmt.Errorf("config: negative timer period")
	}
	if c.Sim.Duration <= 0 {
		return fmt.Errorf("config: sim duration must be positive")
	}
	for _, p := range []float64{c.Sim.Guest.HaltChance, c.Sim.Guest.MaskChance} {
		if p < 0 || p > 1 {
			return fmt.Errorf("config: probability %v out of [0, 1]", p)
		}
	}
	for _, d := range c.Sim.Devices {
		if d.Interval <= 0 {
			return fmt.Errorf("config: device %q: interval must be positive", d.Name)
		}
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return lvl, nil
}

// TimerMode parses Mode.
func (t TimerConfig) TimerMode() (lapic.TimerMode, error) {
	for _, m := range []lapic.TimerMode{lapic.TimerOneShot, lapic.TimerPeriodic, lapic.TimerTSCDeadline} {
		if t.Mode == m.String() {
			return m, nil
		}
	}
	return 0, fmt.Errorf("config: unknown timer mode %q", t.Mode)
}

// Options converts the lapic section into lapic options. The clock, host
// timer and hardware timer are left to the caller.
func (c LapicConfig) Options() ([]lapic.Option, error) {
	policy, err := lapic.ParseRetirePolicy(c.RetirePolicy)
	if err != nil {
		return nil, err
	}
	return []lapic.Option{
		lapic.WithTimerVector(lapic.Vector(c.TimerVector)),
		lapic.WithRetirePolicy(policy),
		lapic.WithTSCFrequency(c.TSCFrequencyHz),
		lapic.WithOffload(c.HardwareOffload),
		lapic.WithMinTimerPeriod(int64(c.MinTimerPeriod.Duration())),
	}, nil
}
