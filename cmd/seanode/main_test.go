// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GermanBionicSystems/seasensor/battery"
	"github.com/GermanBionicSystems/seasensor/internal/config"
	"github.com/GermanBionicSystems/seasensor/internal/fusion"
	"github.com/GermanBionicSystems/seasensor/internal/power"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
)

func TestEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32
	done := make(chan error)
	go func() {
		done <- every(ctx, time.Millisecond, func() {
			if n.Add(1) == 3 {
				cancel()
			}
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("every did not stop")
	}
	assert.GreaterOrEqual(t, n.Load(), int32(3))
}

func TestEvery_cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := 0
	require.NoError(t, every(ctx, time.Hour, func() { n++ }))
	assert.Equal(t, 1, n, "runs once right away")
}

func TestFirstIPv4(t *testing.T) {
	_, lo, _ := net.ParseCIDR("127.0.0.1/8")
	_, v6, _ := net.ParseCIDR("fe80::1/64")
	v4 := &net.IPNet{IP: net.ParseIP("192.168.4.20"), Mask: net.CIDRMask(24, 32)}
	assert.Equal(t, "192.168.4.20", firstIPv4([]net.Addr{lo, v6, v4}))
	assert.Equal(t, "-", firstIPv4([]net.Addr{lo}))
	assert.Equal(t, "-", firstIPv4(nil))
}

type fakePanel struct {
	shown, refreshed []fusion.Snapshot
}

func (f *fakePanel) Show(s fusion.Snapshot) error {
	f.shown = append(f.shown, s)
	return nil
}

func (f *fakePanel) Refresh(s fusion.Snapshot) error {
	f.refreshed = append(f.refreshed, s)
	return nil
}

func TestReporter(t *testing.T) {
	p := &fakePanel{}
	r := newReporter(p, slog.New(slog.DiscardHandler))
	s := fusion.DefaultSnapshot()
	s.SeaLevelCM = 100

	// Before any sea reading the raw value is shown.
	r.show(s)
	require.Len(t, p.shown, 1)
	assert.Equal(t, float32(100), p.shown[0].SeaLevelCM)

	r.sea(s)
	s.SeaLevelCM = 110
	r.sea(s)
	require.Len(t, p.refreshed, 2)
	assert.Equal(t, float32(100), p.refreshed[0].SeaLevelCM)
	assert.InDelta(t, 103, p.refreshed[1].SeaLevelCM, 1e-4)

	// Other categories keep the filtered level and do not advance the filter.
	s.SeaLevelCM = 500
	s.AirTempC = 22
	r.refresh(s)
	r.refresh(s)
	assert.InDelta(t, 103, p.refreshed[3].SeaLevelCM, 1e-4)
	assert.Equal(t, float32(22), p.refreshed[3].AirTempC)
}

func TestBatteryOpts(t *testing.T) {
	b := config.Default().Battery
	b.Curve = []config.CurvePoint{{Raw: 0, MilliVolt: 0}, {Raw: 4095, MilliVolt: 3300}}
	o := batteryOpts(b)
	assert.Equal(t, battery.DefaultOpts.R1, o.R1)
	assert.Equal(t, battery.DefaultOpts.R2, o.R2)
	assert.Equal(t, 3300*physic.MilliVolt, o.FullScale)
	assert.Equal(t, int32(4095), o.MaxRaw)
	assert.Equal(t, []battery.Point{{Raw: 0, MilliVolt: 0}, {Raw: 4095, MilliVolt: 3300}}, o.Curve)
}

func TestUltrasonicOpts(t *testing.T) {
	o := ultrasonicOpts(config.Default().Ultrasonic)
	assert.Equal(t, "pulse30", o.Profile)
	assert.Equal(t, 5, o.Samples)
	assert.Equal(t, 20*time.Millisecond, o.SampleSpacing)
	assert.Equal(t, float64(5), o.Window)
}

func TestNewGate_none(t *testing.T) {
	g, err := newGate(config.Pins{})
	require.NoError(t, err)
	assert.Equal(t, power.Nop{}, g)
	_, err = newGate(config.Pins{SensorPod: "NOT_A_PIN"})
	assert.Error(t, err)
}

func TestNewGate_partial(t *testing.T) {
	disp := &gpiotest.Pin{N: "SEANODE_DISP_EN", Num: 91}
	pod := &gpiotest.Pin{N: "SEANODE_POD_EN", Num: 92}
	require.NoError(t, gpioreg.Register(disp))
	require.NoError(t, gpioreg.Register(pod))
	defer func() {
		_ = gpioreg.Unregister(disp.N)
		_ = gpioreg.Unregister(pod.N)
	}()

	// Only the display is switched; the sensor pod stays powered.
	g, err := newGate(config.Pins{Display: disp.N, PowerActiveLow: true})
	require.NoError(t, err)
	release, err := g.Hold(power.SensorPod)
	require.NoError(t, err)
	release()
	require.NoError(t, g.Set(power.Display, true))
	assert.Equal(t, gpio.Low, disp.Read())

	// Only the sensor pod is switched; the display stays powered.
	g, err = newGate(config.Pins{SensorPod: pod.N})
	require.NoError(t, err)
	require.NoError(t, g.Set(power.Display, true))
	release, err = g.Hold(power.SensorPod)
	require.NoError(t, err)
	assert.Equal(t, gpio.High, pod.Read())
	release()
	assert.Equal(t, gpio.Low, pod.Read())
}
