// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ultrasonic

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/GermanBionicSystems/seasensor/common"
	"github.com/GermanBionicSystems/seasensor/internal/timeutil"
	"gonum.org/v1/gonum/stat"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Profile is the timing of one ping for a family of modules.
type Profile struct {
	Trigger     time.Duration // width of the trigger pulse
	Startup     time.Duration // delay before listening, covers the transducer ringing
	RiseTimeout time.Duration
	FallTimeout time.Duration
}

// Profiles lists the known module timings by name.
var Profiles = map[string]Profile{
	// Waterproof single wire modules need a long trigger pulse.
	"pulse30": {
		Trigger:     30 * time.Microsecond,
		Startup:     400 * time.Microsecond,
		RiseTimeout: 35 * time.Millisecond,
		FallTimeout: 40 * time.Millisecond,
	},
}

// ProfileNames returns the names of Profiles, sorted.
func ProfileNames() []string {
	var out []string
	for k := range Profiles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Opts holds the configuration options for the device.
type Opts struct {
	// Profile is a key of Profiles.
	Profile string
	// Samples is the number of pings per measurement.
	Samples int
	// SampleSpacing is the delay between pings, letting echoes die out.
	SampleSpacing time.Duration
	// Window is the maximum distance in cm a ping may be from the first
	// successful one to be averaged.
	Window float64
	// Clock is used for every delay. nil means the real clock.
	Clock timeutil.Clock
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Profile:       "pulse30",
	Samples:       5,
	SampleSpacing: 20 * time.Millisecond,
	Window:        5,
}

// usPerCm is the round trip time of sound over 1cm.
const usPerCm = 58

// Dev is a handle to an ultrasonic ranging module.
type Dev struct {
	trig    gpio.PinIO
	echo    gpio.PinIO
	shared  bool
	profile Profile
	opts    Opts
	clock   timeutil.Clock

	mu sync.Mutex
}

// New returns a ranging module triggered on trig and answering on echo.
//
// When echo is nil or the same pin as trig, the module uses a single wire:
// the pin is switched to input between the trigger and the echo and restored
// to output low afterward. The Opts can be nil.
func New(trig, echo gpio.PinIO, opts *Opts) (*Dev, error) {
	if trig == nil {
		return nil, fmt.Errorf("ultrasonic: nil trigger pin: %w", common.ErrArgument)
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.Profile == "" {
		o.Profile = DefaultOpts.Profile
	}
	p, ok := Profiles[o.Profile]
	if !ok {
		return nil, fmt.Errorf("ultrasonic: unknown profile %q, known profiles are %q: %w", o.Profile, ProfileNames(), common.ErrArgument)
	}
	if o.Samples <= 0 {
		o.Samples = DefaultOpts.Samples
	}
	if o.Window <= 0 {
		o.Window = DefaultOpts.Window
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	d := &Dev{trig: trig, echo: echo, shared: echo == nil || echo == trig, profile: p, opts: o, clock: o.Clock}
	if d.shared {
		d.echo = trig
	}
	if err := trig.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("ultrasonic: %s: %w: %w", trig, common.ErrBus, err)
	}
	if !d.shared {
		if err := d.echo.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("ultrasonic: %s: %w: %w", d.echo, common.ErrBus, err)
		}
	}
	return d, nil
}

func (d *Dev) String() string {
	if d.shared {
		return "Ultrasonic{" + d.trig.String() + "}"
	}
	return "Ultrasonic{" + d.trig.String() + ", " + d.echo.String() + "}"
}

// Halt implements conn.Resource. The trigger is left low.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trig.Out(gpio.Low)
}

// Measure pings Samples times and returns the mean of the pings within Window
// of the first successful one.
//
// It returns an error wrapping common.ErrTimeout when no ping succeeded.
func (d *Dev) Measure() (physic.Distance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var samples []float64
	var errs []error
	for i := range d.opts.Samples {
		if i != 0 {
			d.clock.Sleep(d.opts.SampleSpacing)
		}
		cm, err := d.ping()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		samples = append(samples, cm)
	}
	mean, n := Filter(samples, d.opts.Window)
	if n == 0 {
		return 0, fmt.Errorf("ultrasonic: %s: no echo in %d pings: %w: %w", d, d.opts.Samples, common.ErrTimeout, errors.Join(errs...))
	}
	return physic.Distance(math.Round(mean * float64(10*physic.MilliMetre))), nil
}

// ping triggers the module once and returns the distance in cm.
func (d *Dev) ping() (cm float64, err error) {
	if err := d.trig.Out(gpio.Low); err != nil {
		return 0, d.wrap(err)
	}
	d.clock.Sleep(2 * time.Microsecond)
	if err := d.trig.Out(gpio.High); err != nil {
		return 0, d.wrap(err)
	}
	d.clock.Sleep(d.profile.Trigger)
	if err := d.trig.Out(gpio.Low); err != nil {
		return 0, d.wrap(err)
	}
	if d.shared {
		defer func() {
			if rerr := d.trig.Out(gpio.Low); rerr != nil && err == nil {
				cm, err = 0, d.wrap(rerr)
			}
		}()
		if err := d.trig.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return 0, d.wrap(err)
		}
	}
	d.clock.Sleep(d.profile.Startup)

	start := d.clock.Now()
	for d.echo.Read() != gpio.High {
		if d.clock.Since(start) > d.profile.RiseTimeout {
			return 0, fmt.Errorf("ultrasonic: %s: echo did not start: %w", d, common.ErrTimeout)
		}
	}
	rise := d.clock.Now()
	for d.echo.Read() == gpio.High {
		if d.clock.Since(rise) > d.profile.FallTimeout {
			return 0, fmt.Errorf("ultrasonic: %s: echo did not end: %w", d, common.ErrTimeout)
		}
	}
	us := d.clock.Since(rise).Microseconds()
	return float64(us) / usPerCm, nil
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("ultrasonic: %s: %w: %w", d, common.ErrBus, err)
}

// Filter averages the samples within window of the first one, the anchor.
// It returns the mean and the number of samples averaged, 0 when samples is
// empty.
func Filter(samples []float64, window float64) (float64, int) {
	if len(samples) == 0 {
		return 0, 0
	}
	anchor := samples[0]
	kept := make([]float64, 0, len(samples))
	for _, s := range samples {
		if math.Abs(s-anchor) <= window {
			kept = append(kept, s)
		}
	}
	return stat.Mean(kept, nil), len(kept)
}

var _ conn.Resource = &Dev{}
