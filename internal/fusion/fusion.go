// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package fusion merges the node's redundant and fallback sensors into one
// Snapshot.
//
// The Coordinator is driven by an external scheduler through TriggerSea,
// TriggerAir and TriggerBattery. A failed read never overwrites the previous
// value: the device is marked Faulted and reopened by the next trigger of its
// category. Nothing is returned to the caller, failures are logged.
package fusion

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/GermanBionicSystems/seasensor/battery"
	"github.com/GermanBionicSystems/seasensor/internal/power"
	"github.com/GermanBionicSystems/seasensor/internal/timeutil"
	"github.com/chewxy/math32"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
)

// EnvSensor is implemented by aht20.Dev, bmxx80.Dev and ds18b20.Dev.
type EnvSensor interface {
	conn.Resource
	Sense(e *physic.Env) error
}

// Ranger is implemented by ultrasonic.Dev.
type Ranger interface {
	conn.Resource
	Measure() (physic.Distance, error)
}

// BatteryReader is implemented by battery.Dev.
type BatteryReader interface {
	conn.Resource
	Read() (battery.Reading, error)
}

// Sensors opens the node's devices. A nil opener is a device the board does
// not have.
type Sensors struct {
	// OpenBME opens the BME280 or BMP280.
	OpenBME func() (EnvSensor, error)
	// OpenAHT opens the AHT20.
	OpenAHT func() (EnvSensor, error)
	// OpenWater opens the DS18B20 water probe. It runs with the sensor pod
	// powered.
	OpenWater func() (EnvSensor, error)
	// OpenRange opens the ultrasonic sea level sensor. It runs with the sensor
	// pod powered.
	OpenRange func() (Ranger, error)
	// OpenBattery opens the battery monitor.
	OpenBattery func() (BatteryReader, error)
}

// Opts holds the configuration options.
type Opts struct {
	// Gate switches the sensor pod. Nil means always powered.
	Gate power.Gate
	// Clock is used for the stabilization delay and the freshness times.
	Clock timeutil.Clock
	// Logger receives the failures. Nil discards them.
	Logger *slog.Logger
	// Stabilize is the delay between powering the sensor pod and talking to
	// it.
	Stabilize time.Duration
	// Offsets are the initial calibration offsets.
	Offsets Offsets
}

// DefaultOpts is the recommended configuration.
var DefaultOpts = Opts{
	Stabilize: 50 * time.Millisecond,
}

// Device names used in logs and by Readiness.
const (
	BME     = "bmxx80"
	AHT     = "aht20"
	Water   = "ds18b20"
	Range   = "ultrasonic"
	Battery = "battery"
)

// Coordinator owns the sensors and the fused Snapshot.
type Coordinator struct {
	gate      power.Gate
	clock     timeutil.Clock
	log       *slog.Logger
	stabilize time.Duration

	// mu serializes the triggers, so bus transactions never interleave.
	mu      sync.Mutex
	bme     *slot[EnvSensor]
	aht     *slot[EnvSensor]
	water   *slot[EnvSensor]
	ranger  *slot[Ranger]
	battery *slot[BatteryReader]

	snapMu  sync.Mutex
	snap    Snapshot
	updated Freshness
	offsets Offsets
}

// New returns a Coordinator. Init must be called before the triggers. The
// Opts can be nil.
func New(s Sensors, opts *Opts) *Coordinator {
	if opts == nil {
		opts = &DefaultOpts
	}
	c := &Coordinator{
		gate:      opts.Gate,
		clock:     opts.Clock,
		log:       opts.Logger,
		stabilize: opts.Stabilize,
		bme:       newSlot(BME, s.OpenBME),
		aht:       newSlot(AHT, s.OpenAHT),
		water:     newSlot(Water, s.OpenWater),
		ranger:    newSlot(Range, s.OpenRange),
		battery:   newSlot(Battery, s.OpenBattery),
		snap:      DefaultSnapshot(),
		offsets:   opts.Offsets.Clamp(),
	}
	if c.gate == nil {
		c.gate = power.Nop{}
	}
	if c.clock == nil {
		c.clock = timeutil.RealClock{}
	}
	if c.log == nil {
		c.log = slog.New(slog.DiscardHandler)
	}
	return c
}

// Init opens every device. A device that fails stays Faulted and is retried by
// the next trigger of its category; it never aborts the startup.
//
// The BME280 goes first since it is the one configuring the shared bus.
func (c *Coordinator) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bme.init(c.log)
	c.aht.init(c.log)
	if c.water.fitted() || c.ranger.fitted() {
		if release, err := c.powerPod(); err != nil {
			c.log.Warn("sensor pod not powered", "err", err)
			c.water.state = Faulted
			c.ranger.state = Faulted
		} else {
			c.water.init(c.log)
			c.ranger.init(c.log)
			release()
		}
	}
	c.battery.init(c.log)
}

// TriggerSea reads the water temperature and the sea level with the sensor
// pod powered.
func (c *Coordinator) TriggerSea() {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := c.currentOffsets()
	release, err := c.powerPod()
	if err != nil {
		c.log.Warn("sensor pod not powered", "err", err)
		return
	}
	defer release()

	var water, level float32
	var haveWater, haveLevel bool
	if c.water.ready(c.log) {
		var e physic.Env
		if err := c.water.dev.Sense(&e); err != nil {
			c.water.fail(c.log, err)
		} else {
			water, haveWater = celsius(e.Temperature)+off.WaterTempC, true
		}
	}
	if c.ranger.ready(c.log) {
		if d, err := c.ranger.dev.Measure(); err != nil {
			c.ranger.fail(c.log, err)
		} else {
			level, haveLevel = math32.Max(0, centimetres(d)+off.SeaLevelCM), true
		}
	}

	now := c.clock.Now()
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if haveWater {
		c.snap.WaterTempC = water
		c.updated.WaterTemp = now
	}
	if haveLevel {
		c.snap.SeaLevelCM = level
		c.updated.SeaLevel = now
	}
	c.log.Debug("sea", "water_c", c.snap.WaterTempC, "level_cm", c.snap.SeaLevelCM)
}

// TriggerAir reads the BME280/BMP280 and falls back on the AHT20 for the
// temperature and humidity it could not provide.
func (c *Coordinator) TriggerAir() {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := c.currentOffsets()

	var temp, hum, press float32
	var haveTemp, haveHum, havePress bool
	if c.bme.ready(c.log) {
		var e physic.Env
		if err := c.bme.dev.Sense(&e); err != nil {
			c.bme.fail(c.log, err)
		} else {
			t, h, p := celsius(e.Temperature), percent(e.Humidity), hectopascal(e.Pressure)
			if t == 0 && h == 0 && p == 0 {
				c.bme.reject(c.log)
			} else {
				if p > 0 {
					press, havePress = p, true
				} else {
					c.log.Warn("invalid pressure", "device", BME, "hpa", p)
				}
				if t != 0 || h != 0 {
					temp, haveTemp = t+off.AirTempC, true
					// A BMP280 reports no humidity.
					hum, haveHum = clampPercent(h), h > 0
				}
			}
		}
	}
	if (!haveTemp || !haveHum) && c.aht.ready(c.log) {
		var e physic.Env
		if err := c.aht.dev.Sense(&e); err != nil {
			c.aht.fail(c.log, err)
		} else {
			t, h := celsius(e.Temperature), percent(e.Humidity)
			if t == 0 && h == 0 {
				c.aht.reject(c.log)
			} else {
				temp, haveTemp = t+off.AirTempC, true
				hum, haveHum = clampPercent(h), true
			}
		}
	}

	now := c.clock.Now()
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if havePress {
		c.snap.AirPressureHPa = press
		c.updated.Pressure = now
	}
	if haveTemp {
		c.snap.AirTempC = temp
		c.updated.AirTemp = now
	}
	if haveHum {
		c.snap.HumidityPercent = hum
		c.updated.Humidity = now
	}
	c.log.Debug("air", "temp_c", c.snap.AirTempC, "humidity", c.snap.HumidityPercent, "hpa", c.snap.AirPressureHPa)
}

// TriggerBattery reads the battery monitor.
func (c *Coordinator) TriggerBattery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.battery.ready(c.log) {
		return
	}
	r, err := c.battery.dev.Read()
	if err != nil {
		c.battery.fail(c.log, err)
		return
	}
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.snap.BatteryPercent = math32.Max(0, math32.Min(100, r.Percent))
	c.snap.BatteryVoltage = float32(float64(r.Voltage) / float64(physic.Volt))
	c.updated.Battery = c.clock.Now()
	c.log.Debug("battery", "v", c.snap.BatteryVoltage, "percent", c.snap.BatteryPercent)
}

// Snapshot returns a copy of the fused reading.
func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap
}

// Updated returns when each field was last refreshed by a successful read.
func (c *Coordinator) Updated() Freshness {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.updated
}

// SetOffsets replaces the calibration offsets, clamped. It takes effect at the
// next trigger.
func (c *Coordinator) SetOffsets(o Offsets) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.offsets = o.Clamp()
}

// Offsets returns the calibration offsets in use.
func (c *Coordinator) Offsets() Offsets {
	return c.currentOffsets()
}

// Readiness returns the state of each fitted device. It waits for a running
// trigger to complete.
func (c *Coordinator) Readiness() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]State{}
	add := func(name string, fitted bool, s State) {
		if fitted {
			out[name] = s
		}
	}
	add(BME, c.bme.fitted(), c.bme.state)
	add(AHT, c.aht.fitted(), c.aht.state)
	add(Water, c.water.fitted(), c.water.state)
	add(Range, c.ranger.fitted(), c.ranger.state)
	add(Battery, c.battery.fitted(), c.battery.state)
	return out
}

// Close halts every device.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.bme.halt(), c.aht.halt(), c.water.halt(), c.ranger.halt(), c.battery.halt())
}

func (c *Coordinator) currentOffsets() Offsets {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.offsets
}

// powerPod powers the sensor pod and waits for it to settle.
func (c *Coordinator) powerPod() (func(), error) {
	release, err := c.gate.Hold(power.SensorPod)
	if err != nil {
		return nil, err
	}
	c.clock.Sleep(c.stabilize)
	return release, nil
}

// celsius converts t; an unset temperature reads as 0°C so that an empty
// sample is caught as a glitch.
func celsius(t physic.Temperature) float32 {
	if t == 0 {
		return 0
	}
	return float32(t.Celsius())
}

func percent(h physic.RelativeHumidity) float32 {
	return float32(float64(h) / float64(physic.PercentRH))
}

func hectopascal(p physic.Pressure) float32 {
	return float32(float64(p) / float64(100*physic.Pascal))
}

func centimetres(d physic.Distance) float32 {
	return float32(float64(d) / float64(10*physic.MilliMetre))
}

func clampPercent(v float32) float32 {
	return math32.Max(0, math32.Min(100, v))
}
