// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package battery

import (
	"errors"
	"math"
	"testing"

	"github.com/GermanBionicSystems/seasensor/common"
	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
)

type fakeADC struct {
	gpiotest.Pin
	max     analog.Sample
	s       analog.Sample
	err     error
	halts   int
	haltErr error
}

func (f *fakeADC) Halt() error {
	f.halts++
	return f.haltErr
}

func (f *fakeADC) Range() (analog.Sample, analog.Sample) { return analog.Sample{}, f.max }
func (f *fakeADC) Read() (analog.Sample, error)          { return f.s, f.err }

func TestNew_fail(t *testing.T) {
	adc := &fakeADC{}
	data := []*Opts{
		{R1: 1, R2: 0},
		{R1: 1, R2: 1, Curve: []Point{{Raw: 1, MilliVolt: 1}}},
		{R1: 1, R2: 1, Curve: []Point{{Raw: 10, MilliVolt: 1}, {Raw: 10, MilliVolt: 2}}},
	}
	for i, o := range data {
		if _, err := New(adc, o); !errors.Is(err, common.ErrArgument) {
			t.Errorf("#%d: expected argument error, got %v", i, err)
		}
	}
	if _, err := New(nil, nil); !errors.Is(err, common.ErrArgument) {
		t.Fatal(err)
	}
}

func TestHalt(t *testing.T) {
	adc := &fakeADC{}
	d, err := New(adc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	if adc.halts != 1 {
		t.Fatalf("ADC halted %d times", adc.halts)
	}
	adc.haltErr = errors.New("busy")
	if err := d.Halt(); err != adc.haltErr {
		t.Fatalf("expected the ADC error, got %v", err)
	}
	if adc.halts != 2 {
		t.Fatalf("ADC halted %d times", adc.halts)
	}
}

func TestRead_fallback(t *testing.T) {
	// 2048/4095*3300mV = 1650.4mV at the ADC, 5.28V at the cell.
	adc := &fakeADC{Pin: gpiotest.Pin{N: "ADC0"}, s: analog.Sample{Raw: 2048}}
	d, err := New(adc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s := d.String(); s != "Battery{ADC0(0)}" {
		t.Fatal(s)
	}
	r, err := d.Read()
	if err != nil {
		t.Fatal(err)
	}
	if v := float64(r.Voltage) / float64(physic.Volt); math.Abs(v-5.2813) > 0.001 {
		t.Fatal(r.Voltage)
	}
	if r.Percent != 100 {
		t.Fatal(r.Percent)
	}
}

func TestRead_driverVoltage(t *testing.T) {
	adc := &fakeADC{s: analog.Sample{Raw: 1, V: 1200 * physic.MilliVolt}}
	d, err := New(adc, nil)
	if err != nil {
		t.Fatal(err)
	}
	r, err := d.Read()
	if err != nil {
		t.Fatal(err)
	}
	// 1.2V * 3.2 = 3.84V, 60%.
	if r.Voltage != 3840*physic.MilliVolt {
		t.Fatal(r.Voltage)
	}
	if math.Abs(float64(r.Percent)-60) > 0.01 {
		t.Fatal(r.Percent)
	}
}

func TestRead_curve(t *testing.T) {
	adc := &fakeADC{s: analog.Sample{Raw: 1500, V: 9 * physic.Volt}}
	opts := DefaultOpts
	opts.Curve = []Point{{Raw: 1000, MilliVolt: 1000}, {Raw: 2000, MilliVolt: 1400}}
	d, err := New(adc, &opts)
	if err != nil {
		t.Fatal(err)
	}
	r, err := d.Read()
	if err != nil {
		t.Fatal(err)
	}
	// The curve wins over the driver: 1200mV.
	if r.Voltage != 3840*physic.MilliVolt || r.Raw != 1500 {
		t.Fatal(r)
	}
}

func TestNew_rangeMaxRaw(t *testing.T) {
	adc := &fakeADC{max: analog.Sample{Raw: 1023}, s: analog.Sample{Raw: 1023}}
	opts := DefaultOpts
	opts.MaxRaw = 0
	opts.R1 = 0
	d, err := New(adc, &opts)
	if err != nil {
		t.Fatal(err)
	}
	r, err := d.Read()
	if err != nil {
		t.Fatal(err)
	}
	if r.Voltage != 3300*physic.MilliVolt || r.Percent != 0 {
		t.Fatal(r)
	}
}

func TestRead_error(t *testing.T) {
	adc := &fakeADC{err: errors.New("adc dead")}
	d, err := New(adc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Read(); !errors.Is(err, common.ErrBus) {
		t.Fatal(err)
	}
}

func TestPercent(t *testing.T) {
	data := []struct {
		v physic.ElectricPotential
		p float32
	}{
		{0, 0},
		{3300 * physic.MilliVolt, 0},
		{3750 * physic.MilliVolt, 50},
		{4200 * physic.MilliVolt, 100},
		{5 * physic.Volt, 100},
	}
	for i, line := range data {
		if p := Percent(line.v); math.Abs(float64(p-line.p)) > 0.001 {
			t.Errorf("#%d: Percent(%s)=%g; expected %g", i, line.v, p, line.p)
		}
	}
}

func TestScale(t *testing.T) {
	if v := Scale(1000, 220000, 100000); v != 3200*physic.MilliVolt {
		t.Fatal(v)
	}
	if v := Scale(1000, 0, 100000); v != physic.Volt {
		t.Fatal(v)
	}
}
