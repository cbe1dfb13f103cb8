// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package battery reads a Li-ion cell voltage through a resistor divider on
// an ADC input and maps it to a charge percentage.
package battery

import (
	"fmt"
	"math"
	"sync"

	"github.com/GermanBionicSystems/seasensor/common"
	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/interp"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/physic"
)

// Linear charge model of a single Li-ion cell.
const (
	EmptyVoltage = 3300 * physic.MilliVolt
	FullVoltage  = 4200 * physic.MilliVolt
)

// Point maps a raw ADC value to the millivolts measured at the ADC input.
type Point struct {
	Raw       int32
	MilliVolt float64
}

// Opts holds the configuration options.
type Opts struct {
	// R1 is the resistor between the cell and the ADC input, R2 the one
	// between the ADC input and ground, in Ω.
	R1, R2 float64
	// Curve is an optional per board calibration, at least two points with
	// strictly increasing Raw.
	Curve []Point
	// FullScale is the ADC input voltage at MaxRaw, used when neither the
	// curve nor the ADC driver provide a voltage.
	FullScale physic.ElectricPotential
	// MaxRaw is the raw value at full scale. 0 means the maximum of the ADC
	// Range.
	MaxRaw int32
}

// DefaultOpts is a 220k/100k divider on a 12 bits 3.3V ADC.
var DefaultOpts = Opts{
	R1:        220000,
	R2:        100000,
	FullScale: 3300 * physic.MilliVolt,
	MaxRaw:    4095,
}

// Reading is a battery measurement.
type Reading struct {
	Raw     int32
	Voltage physic.ElectricPotential // cell voltage, after the divider
	Percent float32
}

// Dev is a battery monitor on an ADC pin.
type Dev struct {
	adc   analog.PinADC
	opts  Opts
	curve *interp.PiecewiseLinear

	mu sync.Mutex
}

// New returns a battery monitor reading adc. The Opts can be nil.
func New(adc analog.PinADC, opts *Opts) (*Dev, error) {
	if adc == nil {
		return nil, fmt.Errorf("battery: nil adc: %w", common.ErrArgument)
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.R1 < 0 || o.R2 <= 0 {
		return nil, fmt.Errorf("battery: invalid divider %g/%g: %w", o.R1, o.R2, common.ErrArgument)
	}
	if o.FullScale <= 0 {
		o.FullScale = DefaultOpts.FullScale
	}
	if o.MaxRaw <= 0 {
		if _, hi := adc.Range(); hi.Raw > 0 {
			o.MaxRaw = hi.Raw
		} else {
			o.MaxRaw = DefaultOpts.MaxRaw
		}
	}
	d := &Dev{adc: adc, opts: o}
	if len(o.Curve) != 0 {
		c, err := fitCurve(o.Curve)
		if err != nil {
			return nil, err
		}
		d.curve = c
	}
	return d, nil
}

// fitCurve validates the points since interp panics on bad input.
func fitCurve(points []Point) (*interp.PiecewiseLinear, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("battery: calibration curve needs 2 points, got %d: %w", len(points), common.ErrArgument)
	}
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		if i != 0 && p.Raw <= points[i-1].Raw {
			return nil, fmt.Errorf("battery: calibration curve raw values must increase, %d after %d: %w", p.Raw, points[i-1].Raw, common.ErrArgument)
		}
		xs[i] = float64(p.Raw)
		ys[i] = p.MilliVolt
	}
	c := &interp.PiecewiseLinear{}
	if err := c.Fit(xs, ys); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Dev) String() string {
	return "Battery{" + d.adc.String() + "}"
}

// Halt implements conn.Resource. It halts the ADC, which the Dev owns.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adc.Halt()
}

// Read samples the ADC and converts it to the cell voltage and charge.
//
// The ADC input voltage comes from the calibration curve when set, then from
// the ADC driver when it provides one, else from the raw value scaled to
// FullScale.
func (d *Dev) Read() (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.adc.Read()
	if err != nil {
		return Reading{}, fmt.Errorf("battery: %s: %w: %w", d.adc, common.ErrBus, err)
	}
	var mv float64
	switch {
	case d.curve != nil:
		mv = d.curve.Predict(float64(s.Raw))
	case s.V != 0:
		mv = float64(s.V) / float64(physic.MilliVolt)
	default:
		mv = float64(s.Raw) / float64(d.opts.MaxRaw) * (float64(d.opts.FullScale) / float64(physic.MilliVolt))
	}
	v := Scale(mv, d.opts.R1, d.opts.R2)
	return Reading{Raw: s.Raw, Voltage: v, Percent: Percent(v)}, nil
}

// Scale returns the cell voltage given the mV measured across r2 of a r1/r2
// divider.
func Scale(mv, r1, r2 float64) physic.ElectricPotential {
	return physic.ElectricPotential(math.Round(mv * (r1 + r2) / r2 * float64(physic.MilliVolt)))
}

// Percent maps v linearly between EmptyVoltage and FullVoltage, clamped to
// [0, 100].
func Percent(v physic.ElectricPotential) float32 {
	p := float32(v-EmptyVoltage) / float32(FullVoltage-EmptyVoltage) * 100
	return math32.Max(0, math32.Min(100, p))
}

var _ conn.Resource = &Dev{}
