// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"fmt"
	"sync"
	"time"

	"github.com/GermanBionicSystems/seasensor/common"
	"github.com/GermanBionicSystems/seasensor/internal/timeutil"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// Opts contains the slot timings and the clock used to produce them.
//
// The defaults are the standard speed values. All of them are measured from
// the previous edge.
type Opts struct {
	ResetLow       time.Duration // reset pulse, ≥480µs
	PresenceSample time.Duration // presence sample after release
	ResetRecovery  time.Duration // remainder of the presence window
	Write1Low      time.Duration
	Write1Recovery time.Duration
	Write0Low      time.Duration
	Write0Recovery time.Duration
	ReadLow        time.Duration // read slot initiation
	ReadSample     time.Duration // sample point after release
	ReadRecovery   time.Duration

	// Clock is used for every delay. nil means the real clock.
	Clock timeutil.Clock
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ResetLow:       500 * time.Microsecond,
	PresenceSample: 70 * time.Microsecond,
	ResetRecovery:  410 * time.Microsecond,
	Write1Low:      6 * time.Microsecond,
	Write1Recovery: 60 * time.Microsecond,
	Write0Low:      60 * time.Microsecond,
	Write0Recovery: 10 * time.Microsecond,
	ReadLow:        3 * time.Microsecond,
	ReadSample:     9 * time.Microsecond,
	ReadRecovery:   55 * time.Microsecond,
}

// Bus is a 1-wire master bit-banged over a single open drain GPIO with an
// external pull-up. It implements onewire.Bus and onewire.BusSearcher.
//
// The line is driven low with Out(Low) and released with In(PullUp). Errors
// returned by the pin are reported as common.ErrBus and abort the current
// transaction.
type Bus struct {
	sync.Mutex
	pin   gpio.PinIO
	opts  Opts
	clock timeutil.Clock
	err   error // first pin error of the current transaction
}

// New returns a 1-wire bus on pin. The line is released immediately. The Opts
// can be nil.
func New(pin gpio.PinIO, opts *Opts) (*Bus, error) {
	if pin == nil {
		return nil, fmt.Errorf("onewirebb: nil pin: %w", common.ErrArgument)
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	b := &Bus{pin: pin, opts: *opts, clock: opts.Clock}
	if b.clock == nil {
		b.clock = timeutil.RealClock{}
	}
	b.release()
	if err := b.takeErr(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) String() string {
	return "onewirebb{" + b.pin.String() + "}"
}

// Halt implements conn.Resource. It releases the line.
func (b *Bus) Halt() error {
	b.Lock()
	defer b.Unlock()
	b.release()
	return b.takeErr()
}

// Tx performs a bus transaction: a reset and presence check, the write of w
// and the read of r, LSB first. With onewire.StrongPullup the line is then
// actively driven high until the next transaction.
//
// Tx(nil, nil, onewire.WeakPullup) is a bare reset, useful to check for
// presence.
func (b *Bus) Tx(w, r []byte, power onewire.Pullup) error {
	b.Lock()
	defer b.Unlock()
	present := b.reset()
	if err := b.takeErr(); err != nil {
		return err
	}
	if !present {
		return noDevicesError("onewirebb: no device present")
	}
	for _, c := range w {
		b.writeByte(c)
	}
	for i := range r {
		r[i] = b.readByte()
	}
	if power == onewire.StrongPullup {
		b.drive(gpio.High)
	}
	return b.takeErr()
}

// Search performs a search cycle and returns the address of every device
// present, or of those in alarm state when alarmOnly is set.
func (b *Bus) Search(alarmOnly bool) ([]onewire.Address, error) {
	return onewire.Search(b, alarmOnly)
}

// SearchTriplet reads an address bit and its complement then writes the
// chosen direction.
//
// SearchTriplet should not be used directly, use Search instead.
func (b *Bus) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	b.Lock()
	defer b.Unlock()
	bit := b.readBit()
	cmp := b.readBit()
	tr := onewire.TripletResult{GotZero: !bit, GotOne: !cmp}
	switch {
	case tr.GotZero && tr.GotOne:
		tr.Taken = direction & 1
	case tr.GotOne:
		tr.Taken = 1
	case tr.GotZero:
		tr.Taken = 0
	default:
		// Nobody answered, onewire.Search reports it.
		return tr, b.takeErr()
	}
	b.writeBit(tr.Taken == 1)
	return tr, b.takeErr()
}

// ReadBit runs a single read slot outside of a transaction.
//
// A device converting a temperature holds the line low until done, so this
// is used to poll for completion.
func (b *Bus) ReadBit() (bool, error) {
	b.Lock()
	defer b.Unlock()
	v := b.readBit()
	return v, b.takeErr()
}

// reset sends the reset pulse and returns true when a device answered with a
// presence pulse.
func (b *Bus) reset() bool {
	b.drive(gpio.Low)
	b.clock.Sleep(b.opts.ResetLow)
	b.release()
	b.clock.Sleep(b.opts.PresenceSample)
	present := b.pin.Read() == gpio.Low
	b.clock.Sleep(b.opts.ResetRecovery)
	return present
}

func (b *Bus) writeByte(c byte) {
	for i := range 8 {
		b.writeBit(c&(1<<i) != 0)
	}
}

func (b *Bus) readByte() byte {
	var c byte
	for i := range 8 {
		if b.readBit() {
			c |= 1 << i
		}
	}
	return c
}

func (b *Bus) writeBit(one bool) {
	if one {
		b.drive(gpio.Low)
		b.clock.Sleep(b.opts.Write1Low)
		b.release()
		b.clock.Sleep(b.opts.Write1Recovery)
		return
	}
	b.drive(gpio.Low)
	b.clock.Sleep(b.opts.Write0Low)
	b.release()
	b.clock.Sleep(b.opts.Write0Recovery)
}

func (b *Bus) readBit() bool {
	b.drive(gpio.Low)
	b.clock.Sleep(b.opts.ReadLow)
	b.release()
	b.clock.Sleep(b.opts.ReadSample)
	v := b.pin.Read() == gpio.High
	b.clock.Sleep(b.opts.ReadRecovery)
	return v
}

// drive and release keep the first pin error, the timing of the slot is
// preserved regardless.
func (b *Bus) drive(l gpio.Level) {
	if err := b.pin.Out(l); err != nil && b.err == nil {
		b.err = err
	}
}

func (b *Bus) release() {
	if err := b.pin.In(gpio.PullUp, gpio.NoEdge); err != nil && b.err == nil {
		b.err = err
	}
}

func (b *Bus) takeErr() error {
	err := b.err
	b.err = nil
	if err != nil {
		return &pinError{pin: b.pin.String(), err: err}
	}
	return nil
}

// noDevicesError implements error, onewire.NoDevicesError and
// onewire.BusError.
type noDevicesError string

func (e noDevicesError) Error() string        { return string(e) }
func (e noDevicesError) NoDevices() bool      { return true }
func (e noDevicesError) BusError() bool       { return true }
func (e noDevicesError) Is(target error) bool { return target == common.ErrBus }

// pinError is a failure of the underlying GPIO.
type pinError struct {
	pin string
	err error
}

func (e *pinError) Error() string {
	return "onewirebb: pin " + e.pin + ": " + e.err.Error()
}

func (e *pinError) Unwrap() []error { return []error{common.ErrBus, e.err} }

var _ conn.Resource = &Bus{}
var _ onewire.Bus = &Bus{}
var _ onewire.BusSearcher = &Bus{}
