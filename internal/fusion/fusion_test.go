// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fusion

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/GermanBionicSystems/seasensor/battery"
	"github.com/GermanBionicSystems/seasensor/common"
	"github.com/GermanBionicSystems/seasensor/internal/power"
	"github.com/GermanBionicSystems/seasensor/internal/timeutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// recordGate is a power.Gate logging its transitions.
type recordGate struct {
	on     bool
	events []string
	err    error
}

func (g *recordGate) Set(d power.Domain, on bool) error {
	g.on = on
	g.events = append(g.events, fmt.Sprintf("%s=%t", d, on))
	return nil
}

func (g *recordGate) Hold(d power.Domain) (func(), error) {
	if g.err != nil {
		return nil, g.err
	}
	_ = g.Set(d, true)
	return func() { _ = g.Set(d, false) }, nil
}

type fakeEnv struct {
	env     physic.Env
	err     error
	gate    *recordGate
	senses  int
	halts   int
	powered []bool
}

func (f *fakeEnv) String() string { return "fakeEnv" }

func (f *fakeEnv) Halt() error {
	f.halts++
	return nil
}

func (f *fakeEnv) Sense(e *physic.Env) error {
	f.senses++
	if f.gate != nil {
		f.powered = append(f.powered, f.gate.on)
	}
	if f.err != nil {
		return f.err
	}
	*e = f.env
	return nil
}

type fakeRanger struct {
	d         physic.Distance
	err       error
	halts     int
	pings     int
	gate      *recordGate
	unpowered int
}

func (f *fakeRanger) String() string { return "fakeRanger" }

func (f *fakeRanger) Halt() error {
	f.halts++
	return nil
}

func (f *fakeRanger) Measure() (physic.Distance, error) {
	f.pings++
	if f.gate != nil && !f.gate.on {
		f.unpowered++
	}
	return f.d, f.err
}

type fakeBattery struct {
	r   battery.Reading
	err error
}

func (f *fakeBattery) String() string { return "fakeBattery" }
func (f *fakeBattery) Halt() error    { return nil }

func (f *fakeBattery) Read() (battery.Reading, error) {
	return f.r, f.err
}

// opener counts the opens of one device.
type opener[T any] struct {
	dev   T
	err   error
	opens int
}

func (o *opener[T]) open() (T, error) {
	o.opens++
	if o.err != nil {
		var zero T
		return zero, o.err
	}
	return o.dev, nil
}

func celsiusEnv(c float64) physic.Temperature {
	return physic.ZeroCelsius + physic.Temperature(c*1000)*physic.MilliKelvin
}

type rig struct {
	clock   *timeutil.MockClock
	gate    *recordGate
	bme     *fakeEnv
	aht     *fakeEnv
	water   *fakeEnv
	ranger  *fakeRanger
	battery *fakeBattery
	oBME    *opener[EnvSensor]
	oAHT    *opener[EnvSensor]
	oWater  *opener[EnvSensor]
	oRange  *opener[Ranger]
	oBatt   *opener[BatteryReader]
	c       *Coordinator
}

func newRig(t *testing.T, off Offsets) *rig {
	t.Helper()
	r := &rig{clock: timeutil.NewMockClock(t0), gate: &recordGate{}}
	r.bme = &fakeEnv{env: physic.Env{Temperature: celsiusEnv(21.5), Humidity: 55 * physic.PercentRH, Pressure: 100500 * physic.Pascal}}
	r.aht = &fakeEnv{env: physic.Env{Temperature: celsiusEnv(18), Humidity: 70 * physic.PercentRH}}
	r.water = &fakeEnv{env: physic.Env{Temperature: celsiusEnv(12.25)}, gate: r.gate}
	r.ranger = &fakeRanger{d: 150 * 10 * physic.MilliMetre, gate: r.gate}
	r.battery = &fakeBattery{r: battery.Reading{Raw: 2000, Voltage: 3900 * physic.MilliVolt, Percent: 66.5}}
	r.oBME = &opener[EnvSensor]{dev: r.bme}
	r.oAHT = &opener[EnvSensor]{dev: r.aht}
	r.oWater = &opener[EnvSensor]{dev: r.water}
	r.oRange = &opener[Ranger]{dev: r.ranger}
	r.oBatt = &opener[BatteryReader]{dev: r.battery}
	r.c = New(Sensors{
		OpenBME:     r.oBME.open,
		OpenAHT:     r.oAHT.open,
		OpenWater:   r.oWater.open,
		OpenRange:   r.oRange.open,
		OpenBattery: r.oBatt.open,
	}, &Opts{Gate: r.gate, Clock: r.clock, Stabilize: 50 * time.Millisecond, Offsets: off})
	return r
}

func TestCoordinator_Init(t *testing.T) {
	r := newRig(t, Offsets{})
	r.c.Init()
	assert.Equal(t, map[string]State{BME: Ready, AHT: Ready, Water: Ready, Range: Ready, Battery: Ready}, r.c.Readiness())
	assert.Equal(t, []string{"sensor_pod=true", "sensor_pod=false"}, r.gate.events)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, r.clock.Sleeps())
	if diff := cmp.Diff(DefaultSnapshot(), r.c.Snapshot()); diff != "" {
		t.Fatalf("snapshot (-want +got):\n%s", diff)
	}
	assert.Equal(t, Freshness{}, r.c.Updated())
}

func TestCoordinator_Init_partial(t *testing.T) {
	r := newRig(t, Offsets{})
	r.oBME.err = errors.New("nack")
	r.oWater.err = errors.New("no presence")
	r.c.Init()
	want := map[string]State{BME: Faulted, AHT: Ready, Water: Faulted, Range: Ready, Battery: Ready}
	assert.Equal(t, want, r.c.Readiness())
}

func TestCoordinator_Init_notFitted(t *testing.T) {
	aht := &fakeEnv{env: physic.Env{Temperature: celsiusEnv(20), Humidity: 40 * physic.PercentRH}}
	o := &opener[EnvSensor]{dev: aht}
	gate := &recordGate{}
	c := New(Sensors{OpenAHT: o.open}, &Opts{Gate: gate, Clock: timeutil.NewMockClock(t0)})
	c.Init()
	assert.Equal(t, map[string]State{AHT: Ready}, c.Readiness())
	// Nothing to power without pod devices.
	assert.Empty(t, gate.events)
	c.TriggerAir()
	c.TriggerBattery()
	assert.Equal(t, float32(20), c.Snapshot().AirTempC)
	assert.Equal(t, float32(100), c.Snapshot().BatteryPercent)
}

func TestTriggerAir_bme280(t *testing.T) {
	r := newRig(t, Offsets{AirTempC: 1})
	r.c.Init()
	r.c.TriggerAir()
	want := DefaultSnapshot()
	want.AirTempC = 22.5
	want.HumidityPercent = 55
	want.AirPressureHPa = 1005
	if diff := cmp.Diff(want, r.c.Snapshot()); diff != "" {
		t.Fatalf("snapshot (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, r.aht.senses, "the AHT20 is only a fallback")
	// The air category does not touch the sensor pod.
	assert.Len(t, r.gate.events, 2)
}

func TestTriggerAir_fallback(t *testing.T) {
	r := newRig(t, Offsets{AirTempC: -2})
	r.oBME.err = errors.New("nack")
	r.c.Init()
	r.c.TriggerAir()
	want := DefaultSnapshot()
	want.AirTempC = 16
	want.HumidityPercent = 70
	if diff := cmp.Diff(want, r.c.Snapshot()); diff != "" {
		t.Fatalf("snapshot (-want +got):\n%s", diff)
	}
	// Init and the recovery attempt of the trigger.
	assert.Equal(t, 2, r.oBME.opens)
	assert.Equal(t, Faulted, r.c.Readiness()[BME])

	// The BME280 comes back.
	r.oBME.err = nil
	r.c.TriggerAir()
	assert.Equal(t, Ready, r.c.Readiness()[BME])
	assert.Equal(t, float32(1005), r.c.Snapshot().AirPressureHPa)
	assert.Equal(t, float32(19.5), r.c.Snapshot().AirTempC)
	assert.Equal(t, 1, r.aht.senses)
}

func TestTriggerAir_bmp280(t *testing.T) {
	r := newRig(t, Offsets{})
	r.bme.env.Humidity = 0
	r.c.Init()
	r.c.TriggerAir()
	s := r.c.Snapshot()
	assert.Equal(t, float32(1005), s.AirPressureHPa)
	// Temperature and humidity both come from the AHT20.
	assert.Equal(t, float32(18), s.AirTempC)
	assert.Equal(t, float32(70), s.HumidityPercent)
	assert.Equal(t, 1, r.aht.senses)
}

func TestTriggerAir_bmp280WithoutAHT(t *testing.T) {
	r := newRig(t, Offsets{})
	r.bme.env.Humidity = 0
	r.oAHT.err = errors.New("nack")
	r.c.Init()
	r.c.TriggerAir()
	s := r.c.Snapshot()
	assert.Equal(t, float32(21.5), s.AirTempC)
	// The 0% of a BMP280 is not a reading.
	assert.Equal(t, float32(80), s.HumidityPercent)
	assert.True(t, r.c.Updated().Humidity.IsZero())
}

func TestTriggerAir_glitch(t *testing.T) {
	r := newRig(t, Offsets{AirTempC: 3})
	r.bme.env = physic.Env{}
	r.aht.env = physic.Env{}
	r.c.Init()
	r.c.TriggerAir()
	if diff := cmp.Diff(DefaultSnapshot(), r.c.Snapshot()); diff != "" {
		t.Fatalf("snapshot (-want +got):\n%s", diff)
	}
	// A glitch is not a failure.
	assert.Equal(t, Ready, r.c.Readiness()[BME])
	assert.Equal(t, Ready, r.c.Readiness()[AHT])
	assert.Equal(t, 1, r.oBME.opens)
}

func TestTriggerAir_readFailure(t *testing.T) {
	r := newRig(t, Offsets{})
	r.c.Init()
	r.c.TriggerAir()
	before := r.c.Snapshot()

	r.bme.err = fmt.Errorf("bmxx80: %w", common.ErrTimeout)
	r.aht.err = fmt.Errorf("aht20: %w", common.ErrBus)
	r.c.TriggerAir()
	if diff := cmp.Diff(before, r.c.Snapshot()); diff != "" {
		t.Fatalf("a failed read changed the snapshot (-want +got):\n%s", diff)
	}
	assert.Equal(t, Faulted, r.c.Readiness()[BME])
	assert.Equal(t, Faulted, r.c.Readiness()[AHT])

	// The next trigger halts and reopens both. The AHT20 is only reopened
	// because the humidity is missing.
	r.bme.err = nil
	r.bme.env.Humidity = 0
	r.aht.err = nil
	r.c.TriggerAir()
	assert.Equal(t, 2, r.oBME.opens)
	assert.Equal(t, 1, r.bme.halts)
	assert.Equal(t, 2, r.oAHT.opens)
	assert.Equal(t, 1, r.aht.halts)
	assert.Equal(t, Ready, r.c.Readiness()[AHT])
	assert.Equal(t, float32(70), r.c.Snapshot().HumidityPercent)
}

func TestTriggerSea(t *testing.T) {
	r := newRig(t, Offsets{WaterTempC: 0.5, SeaLevelCM: -20})
	r.c.Init()
	r.c.TriggerSea()
	r.c.TriggerSea()
	s := r.c.Snapshot()
	// The offsets are applied once per fresh value, never accumulated.
	assert.Equal(t, float32(12.75), s.WaterTempC)
	assert.Equal(t, float32(130), s.SeaLevelCM)
	assert.Equal(t, []bool{true, true}, r.water.powered)
	assert.Zero(t, r.ranger.unpowered)
	assert.False(t, r.gate.on)
	assert.Equal(t, []string{
		"sensor_pod=true", "sensor_pod=false",
		"sensor_pod=true", "sensor_pod=false",
		"sensor_pod=true", "sensor_pod=false",
	}, r.gate.events)
	// Init, then two triggers, each waiting for the pod to settle.
	assert.Equal(t, t0.Add(150*time.Millisecond), r.c.Updated().SeaLevel)
}

func TestTriggerSea_clampLevel(t *testing.T) {
	r := newRig(t, Offsets{SeaLevelCM: -500})
	r.c.Init()
	r.c.TriggerSea()
	// -500 is clamped to -200, then the level to 0.
	assert.Equal(t, float32(0), r.c.Snapshot().SeaLevelCM)
	assert.Equal(t, float32(-200), r.c.Offsets().SeaLevelCM)
}

func TestTriggerSea_failure(t *testing.T) {
	r := newRig(t, Offsets{WaterTempC: 1})
	r.c.Init()
	r.c.TriggerSea()
	first := r.c.Snapshot()

	r.water.err = fmt.Errorf("ds18b20: %w", common.ErrIntegrity)
	r.ranger.err = fmt.Errorf("ultrasonic: %w", common.ErrTimeout)
	r.c.TriggerSea()
	if diff := cmp.Diff(first, r.c.Snapshot()); diff != "" {
		t.Fatalf("a failed read changed the snapshot (-want +got):\n%s", diff)
	}
	assert.False(t, r.gate.on, "the pod must be powered down after a failure")
	assert.Equal(t, Faulted, r.c.Readiness()[Water])
	assert.Equal(t, Faulted, r.c.Readiness()[Range])

	r.water.err = nil
	r.ranger.err = nil
	r.water.env.Temperature = celsiusEnv(14)
	r.c.TriggerSea()
	assert.Equal(t, 2, r.oWater.opens)
	assert.Equal(t, 2, r.oRange.opens)
	assert.Equal(t, 1, r.ranger.halts)
	assert.Equal(t, float32(15), r.c.Snapshot().WaterTempC)
	// The recovery ran with the pod powered.
	assert.Equal(t, []bool{true, true, true}, r.water.powered)
}

func TestTriggerSea_noPower(t *testing.T) {
	r := newRig(t, Offsets{})
	r.c.Init()
	r.gate.err = fmt.Errorf("power: %w", common.ErrBus)
	r.c.TriggerSea()
	assert.Equal(t, 0, r.water.senses)
	assert.Equal(t, 0, r.ranger.pings)
}

func TestTriggerSea_realGate(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO26"}
	gate, err := power.New(map[power.Domain]gpio.PinOut{power.SensorPod: pin}, true)
	require.NoError(t, err)
	water := &fakeEnv{env: physic.Env{Temperature: celsiusEnv(9)}}
	o := &opener[EnvSensor]{dev: water}
	c := New(Sensors{OpenWater: o.open}, &Opts{Gate: gate, Clock: timeutil.NewMockClock(t0)})
	c.Init()
	c.TriggerSea()
	assert.Equal(t, float32(9), c.Snapshot().WaterTempC)
	assert.Equal(t, gpio.High, pin.Read())
	assert.False(t, gate.On(power.SensorPod))
}

func TestTriggerSea_displayOnlyGate(t *testing.T) {
	disp := &gpiotest.Pin{N: "GPIO27"}
	gate, err := power.New(map[power.Domain]gpio.PinOut{power.Display: disp}, true)
	require.NoError(t, err)
	water := &fakeEnv{env: physic.Env{Temperature: celsiusEnv(11)}}
	ranger := &fakeRanger{d: 1230 * physic.MilliMetre}
	oWater := &opener[EnvSensor]{dev: water}
	oRange := &opener[Ranger]{dev: ranger}
	c := New(Sensors{OpenWater: oWater.open, OpenRange: oRange.open}, &Opts{Gate: gate, Clock: timeutil.NewMockClock(t0)})
	c.Init()
	assert.Equal(t, map[string]State{Water: Ready, Range: Ready}, c.Readiness())
	c.TriggerSea()
	s := c.Snapshot()
	assert.Equal(t, float32(11), s.WaterTempC)
	assert.InDelta(t, 123, s.SeaLevelCM, 1e-4)
	assert.Equal(t, 1, ranger.pings)
	assert.Equal(t, gpio.High, disp.Read())
}

func TestTriggerBattery(t *testing.T) {
	r := newRig(t, Offsets{})
	r.c.Init()
	r.c.TriggerBattery()
	s := r.c.Snapshot()
	assert.Equal(t, float32(66.5), s.BatteryPercent)
	assert.InDelta(t, 3.9, s.BatteryVoltage, 1e-6)

	r.battery.err = errors.New("adc")
	r.battery.r = battery.Reading{}
	r.c.TriggerBattery()
	assert.Equal(t, s, r.c.Snapshot())
	assert.Equal(t, Faulted, r.c.Readiness()[Battery])
}

func TestSetOffsets(t *testing.T) {
	r := newRig(t, Offsets{})
	r.c.SetOffsets(Offsets{WaterTempC: 30, SeaLevelCM: 12.5, AirTempC: -25})
	assert.Equal(t, Offsets{WaterTempC: 20, SeaLevelCM: 12.5, AirTempC: -20}, r.c.Offsets())
	r.c.Init()
	r.c.TriggerAir()
	assert.Equal(t, float32(1.5), r.c.Snapshot().AirTempC)
}

func TestOffsets_Clamp(t *testing.T) {
	data := []struct {
		in, want Offsets
	}{
		{Offsets{}, Offsets{}},
		{Offsets{1, -2, 3}, Offsets{1, -2, 3}},
		{Offsets{-21, 201, 20}, Offsets{-20, 200, 20}},
		{Offsets{WaterTempC: float32(math.NaN())}, Offsets{}},
	}
	for i, line := range data {
		got := line.in.Clamp()
		if diff := cmp.Diff(line.want, got); diff != "" {
			t.Errorf("#%d: (-want +got):\n%s", i, diff)
		}
		// Clamping is idempotent.
		assert.Equal(t, got, got.Clamp())
	}
}

func TestCoordinator_Close(t *testing.T) {
	r := newRig(t, Offsets{})
	r.c.Init()
	require.NoError(t, r.c.Close())
	assert.Equal(t, 1, r.bme.halts)
	assert.Equal(t, 1, r.water.halts)
	assert.Equal(t, 1, r.ranger.halts)
	assert.Equal(t, Uninitialized, r.c.Readiness()[AHT])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Faulted", Faulted.String())
	assert.Equal(t, "State(7)", State(7).String())
}
