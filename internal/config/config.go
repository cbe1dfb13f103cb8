// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config holds the node configuration, stored as YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/GermanBionicSystems/seasensor/common"
	"github.com/GermanBionicSystems/seasensor/internal/fusion"
	"github.com/GermanBionicSystems/seasensor/ultrasonic"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Limits.
const (
	MaxNameLen       = 31
	MaxDisplaySecond = 3600
)

// Display items, in rendering order.
const (
	ItemWaterTemp      = "water_temp"
	ItemSeaLevel       = "sea_level"
	ItemAirTemp        = "air_temp"
	ItemHumidity       = "humidity"
	ItemPressure       = "pressure"
	ItemBatteryPercent = "battery_percent"
	ItemBatteryVoltage = "battery_voltage"
	ItemIPAddress      = "ip_address"
)

// Items lists the known display items.
var Items = []string{
	ItemWaterTemp, ItemSeaLevel, ItemAirTemp, ItemHumidity,
	ItemPressure, ItemBatteryPercent, ItemBatteryVoltage, ItemIPAddress,
}

// Config represents the node configuration.
type Config struct {
	DeviceName string         `yaml:"device_name"`
	Intervals  Intervals      `yaml:"intervals"`
	Offsets    fusion.Offsets `yaml:"offsets"`
	Pins       Pins           `yaml:"pins"`
	Battery    Battery        `yaml:"battery"`
	Ultrasonic Ultrasonic     `yaml:"ultrasonic"`
	Display    Display        `yaml:"display"`
	Log        Log            `yaml:"log"`
}

// Interval is a measurement period. Zero disables the measurement.
type Interval struct {
	Minutes uint32 `yaml:"minutes"`
	Seconds uint32 `yaml:"seconds"`
}

// Duration returns the interval as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Minutes)*time.Minute + time.Duration(i.Seconds)*time.Second
}

// Normalize carries the seconds over 59 into the minutes.
func (i Interval) Normalize() Interval {
	total := uint64(i.Minutes)*60 + uint64(i.Seconds)
	return Interval{Minutes: uint32(total / 60), Seconds: uint32(total % 60)}
}

// Intervals are the periods of each measurement category.
type Intervals struct {
	Battery Interval `yaml:"battery"`
	Air     Interval `yaml:"air"`
	Sea     Interval `yaml:"sea"`
}

// Pins names the host resources, as registered in periph's gpioreg and
// i2creg.
type Pins struct {
	// I2CBus is the bus of the AHT20 and BME280. Empty selects the first one.
	I2CBus string `yaml:"i2c_bus"`
	// OneWire is the DS18B20 data pin.
	OneWire string `yaml:"onewire"`
	// OneWireBridge is the I²C address of a DS2482/DS2483 bridge carrying the
	// DS18B20 instead of OneWire. 0 means no bridge.
	OneWireBridge uint16 `yaml:"onewire_bridge"`
	// Trig and Echo are the ultrasonic module pins. An empty Echo, or the same
	// pin as Trig, selects the single wire mode.
	Trig string `yaml:"trig"`
	Echo string `yaml:"echo"`
	// SensorPod and Display drive the load switches. Empty means the domain is
	// always powered.
	SensorPod      string `yaml:"sensor_pod"`
	Display        string `yaml:"display"`
	PowerActiveLow bool   `yaml:"power_active_low"`
}

// CurvePoint is one point of the battery ADC calibration.
type CurvePoint struct {
	Raw       int32   `yaml:"raw"`
	MilliVolt float64 `yaml:"mv"`
}

// ADC selects a Linux IIO ADC channel.
type ADC struct {
	// Device is the IIO device directory name, like "iio:device0". Empty
	// disables the battery monitor.
	Device  string `yaml:"device"`
	Channel int    `yaml:"channel"`
	Bits    int    `yaml:"bits"`
}

// Battery configures the battery monitor.
type Battery struct {
	ADC         ADC          `yaml:"adc"`
	R1          float64      `yaml:"r1"`
	R2          float64      `yaml:"r2"`
	FullScaleMV float64      `yaml:"full_scale_mv"`
	MaxRaw      int32        `yaml:"max_raw"`
	Curve       []CurvePoint `yaml:"curve,omitempty"`
}

// Ultrasonic configures the sea level sensor.
type Ultrasonic struct {
	Profile   string  `yaml:"profile"`
	Samples   int     `yaml:"samples"`
	SpacingMS int     `yaml:"spacing_ms"`
	WindowCM  float64 `yaml:"window_cm"`
}

// Display configures the console panel.
type Display struct {
	// OnSeconds is how long the panel stays powered after an update. Zero
	// keeps it on.
	OnSeconds int `yaml:"on_seconds"`
	// Screen1 and Screen2 list the items shown on each screen.
	Screen1 []string `yaml:"screen1"`
	Screen2 []string `yaml:"screen2"`
}

// Screens returns the items of both screens.
func (d Display) Screens() [2][]string {
	return [2][]string{d.Screen1, d.Screen2}
}

// Log configures the logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: invalid log level %q: %w", l.Level, common.ErrArgument)
	}
	return lvl, nil
}

// DefaultScreens are the items shown when a screen has none.
var DefaultScreens = [2][]string{
	{ItemWaterTemp, ItemSeaLevel, ItemAirTemp, ItemHumidity},
	{ItemPressure, ItemBatteryPercent, ItemBatteryVoltage, ItemIPAddress},
}

// Default returns the default configuration.
func Default() *Config {
	second := Interval{Seconds: 1}
	return &Config{
		DeviceName: "sea",
		Intervals:  Intervals{Battery: second, Air: second, Sea: second},
		Pins: Pins{
			OneWire:        "GPIO4",
			Trig:           "GPIO27",
			PowerActiveLow: true,
		},
		Battery: Battery{
			ADC:         ADC{Device: "iio:device0", Bits: 12},
			R1:          220000,
			R2:          100000,
			FullScaleMV: 3300,
			MaxRaw:      4095,
		},
		Ultrasonic: Ultrasonic{
			Profile:   "pulse30",
			Samples:   5,
			SpacingMS: 20,
			WindowCM:  5,
		},
		Display: Display{
			OnSeconds: 30,
			Screen1:   slices.Clone(DefaultScreens[0]),
			Screen2:   slices.Clone(DefaultScreens[1]),
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load loads configuration from a YAML file. A missing file or missing fields
// use the default values.
func Load(filename string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", filename, err)
	}
	cfg.ensureDefaults()
	cfg.Normalize()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: failed to marshal: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("config: failed to write %s: %w", filename, err)
	}
	return nil
}

// ensureDefaults fills the fields where zero is not a valid value.
func (c *Config) ensureDefaults() {
	def := Default()
	if c.Battery.R2 == 0 {
		c.Battery.R2 = def.Battery.R2
	}
	if c.Battery.FullScaleMV == 0 {
		c.Battery.FullScaleMV = def.Battery.FullScaleMV
	}
	if c.Battery.ADC.Bits == 0 {
		c.Battery.ADC.Bits = def.Battery.ADC.Bits
	}
	if c.Ultrasonic.Profile == "" {
		c.Ultrasonic.Profile = def.Ultrasonic.Profile
	}
	if c.Ultrasonic.Samples == 0 {
		c.Ultrasonic.Samples = def.Ultrasonic.Samples
	}
	if c.Ultrasonic.WindowCM == 0 {
		c.Ultrasonic.WindowCM = def.Ultrasonic.WindowCM
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Normalize sanitizes every field in place. It is idempotent.
func (c *Config) Normalize() {
	c.DeviceName = SanitizeName(c.DeviceName)
	c.Intervals.Battery = c.Intervals.Battery.Normalize()
	c.Intervals.Air = c.Intervals.Air.Normalize()
	c.Intervals.Sea = c.Intervals.Sea.Normalize()
	c.Offsets = c.Offsets.Clamp()
	c.Display.OnSeconds = max(0, min(MaxDisplaySecond, c.Display.OnSeconds))
	c.Display.Screen1 = SanitizeItems(c.Display.Screen1, 0)
	c.Display.Screen2 = SanitizeItems(c.Display.Screen2, 1)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate reports the settings that cannot be normalized.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("config: invalid log format %q: %w", c.Log.Format, common.ErrArgument))
	}
	if _, ok := ultrasonic.Profiles[c.Ultrasonic.Profile]; !ok {
		errs = append(errs, fmt.Errorf("config: unknown ultrasonic profile %q, want one of %v: %w", c.Ultrasonic.Profile, ultrasonic.ProfileNames(), common.ErrArgument))
	}
	if c.Ultrasonic.Samples < 0 || c.Ultrasonic.SpacingMS < 0 || c.Ultrasonic.WindowCM < 0 {
		errs = append(errs, fmt.Errorf("config: negative ultrasonic setting: %w", common.ErrArgument))
	}
	if b := c.Pins.OneWireBridge; b != 0 && (b < 0x18 || b > 0x1f) {
		errs = append(errs, fmt.Errorf("config: invalid 1-wire bridge address %#x: %w", b, common.ErrArgument))
	}
	if c.Battery.R1 < 0 || c.Battery.R2 <= 0 {
		errs = append(errs, fmt.Errorf("config: invalid battery divider %g/%g: %w", c.Battery.R1, c.Battery.R2, common.ErrArgument))
	}
	return errors.Join(errs...)
}

// SanitizeName lowercases name and replaces the characters outside
// [a-z0-9_-] with '-'. An empty name becomes "sea".
func SanitizeName(name string) string {
	if name == "" {
		return "sea"
	}
	b := []byte(name)
	if len(b) > MaxNameLen {
		b = b[:MaxNameLen]
	}
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		case c >= 'A' && c <= 'Z':
			b[i] = c + 'a' - 'A'
		default:
			b[i] = '-'
		}
	}
	return string(b)
}

// SanitizeItems drops the unknown and repeated items and sorts them in
// rendering order. The second screen always shows the IP address. A screen
// left empty gets its default items.
func SanitizeItems(items []string, screen int) []string {
	out := make([]string, 0, len(Items))
	for _, it := range Items {
		if slices.Contains(items, it) || (screen == 1 && it == ItemIPAddress) {
			out = append(out, it)
		}
	}
	if len(out) == 0 && screen >= 0 && screen < len(DefaultScreens) {
		return slices.Clone(DefaultScreens[screen])
	}
	return out
}

// Environment variables overriding the file.
const (
	EnvConfig    = "SEANODE_CONFIG"
	EnvLogLevel  = "SEANODE_LOG_LEVEL"
	EnvLogFormat = "SEANODE_LOG_FORMAT"
	EnvI2CBus    = "SEANODE_I2C_BUS"
	EnvName      = "SEANODE_DEVICE_NAME"
)

// LoadEnv loads the given .env files into the process environment, ignoring
// the missing ones. Variables already set are kept.
func LoadEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// ApplyEnv overrides the settings that have a SEANODE_* variable set.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		c.Log.Format = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvI2CBus)); v != "" {
		c.Pins.I2CBus = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvName)); v != "" {
		c.DeviceName = v
	}
	c.Normalize()
}

// Path returns the configuration file: flag when set, else $SEANODE_CONFIG,
// else "seanode.yaml".
func Path(flag string) string {
	if flag != "" {
		return flag
	}
	if v := strings.TrimSpace(os.Getenv(EnvConfig)); v != "" {
		return v
	}
	return "seanode.yaml"
}
