// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds248x drives the DS2482-100, DS2482-800 and DS2483 I²C to 1-wire
// bridges.
//
// The node uses one to reach the water probe when the 1-wire line is wired to
// the bridge instead of a GPIO. Dev implements onewire.Bus and the single
// read slot used by ds18b20 to poll for the end of a conversion.
//
// # Datasheets
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/DS2482-100.pdf
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/DS2482-800.pdf
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/DS2483.pdf
package ds248x

import (
	"fmt"
	"sync"
	"time"

	"github.com/GermanBionicSystems/seasensor/common"
	"github.com/GermanBionicSystems/seasensor/internal/timeutil"
	"github.com/GermanBionicSystems/seasensor/regbus"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/onewire"
)

// Variant is the detected bridge.
type Variant uint8

// Supported bridges.
const (
	DS2482x100 Variant = iota
	DS2482x800
	DS2483
)

func (v Variant) String() string {
	switch v {
	case DS2482x100:
		return "DS2482-100"
	case DS2482x800:
		return "DS2482-800"
	case DS2483:
		return "DS2483"
	default:
		return fmt.Sprintf("Variant(%d)", uint8(v))
	}
}

// PupOhm is the DS2483 passive pull-up resistor.
type PupOhm uint8

const (
	// R500Ω passive pull-up resistor.
	R500Ω PupOhm = 4
	// R1000Ω passive pull-up resistor.
	R1000Ω PupOhm = 6
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// PassivePullup disables the active pull-up.
	PassivePullup bool
	// Channel is the 1-wire channel of a DS2482-800, 0..7. It is ignored by
	// the other bridges.
	Channel int

	// The port timings are only applied on the DS2483. The actual value is the
	// closest step of the device.
	ResetLow       time.Duration // range 440μs..740μs
	PresenceDetect time.Duration // range 58μs..76μs
	Write0Low      time.Duration // range 52μs..70μs
	Write0Recovery time.Duration // range 2750ns..25250ns
	PullupRes      PupOhm

	// Timeout bounds the wait for one bus cycle.
	Timeout time.Duration
	// Clock is used for every delay. nil means the real clock.
	Clock timeutil.Clock
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ResetLow:       560 * time.Microsecond,
	PresenceDetect: 68 * time.Microsecond,
	Write0Low:      64 * time.Microsecond,
	Write0Recovery: 5250 * time.Nanosecond,
	PullupRes:      R1000Ω,
	Timeout:        3 * time.Millisecond,
}

// New returns the bridge at addr, 0x18 to 0x1f depending on its address pins.
// The bridge is reset and configured. The Opts can be nil.
func New(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	if addr < 0x18 || addr > 0x1f {
		return nil, fmt.Errorf("ds248x: address %#x not supported by device: %w", addr, common.ErrArgument)
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.Channel < 0 || o.Channel > 7 {
		return nil, fmt.Errorf("ds248x: invalid channel %d: %w", o.Channel, common.ErrArgument)
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultOpts.Timeout
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	r, err := regbus.New(b, addr)
	if err != nil {
		return nil, err
	}
	d := &Dev{
		reg:     r,
		clock:   o.Clock,
		timeout: o.Timeout,
		tReset:  2 * o.ResetLow,
		tSlot:   o.Write0Low + o.Write0Recovery,
	}
	if err := d.init(&o); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a handle to a bridge.
//
// A failure of the bridge itself, or of the I²C bus used to reach it, is
// persistent: every later call returns it and a new Dev must be created.
// Errors on the 1-wire side implement onewire.BusError and are not
// persistent.
type Dev struct {
	mu      sync.Mutex
	reg     *regbus.Dev
	clock   timeutil.Clock
	timeout time.Duration
	variant Variant
	conf    byte
	tReset  time.Duration
	tSlot   time.Duration
	err     error
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%s}", d.variant, d.reg)
}

// Variant returns the detected bridge.
func (d *Dev) Variant() Variant {
	return d.variant
}

// Halt implements conn.Resource. It drops a strong pull-up left by the last
// transaction.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.write(cmdWriteConfig, d.conf)
	return d.err
}

// Tx performs a bus transaction: a reset, the write of w then the read of r.
// With onewire.StrongPullup the bridge drives the line high after the last
// byte.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if present, err := d.reset(); err != nil {
		return err
	} else if !present {
		return noDevicesError("ds248x: no device present")
	}
	for i, b := range w {
		if power == onewire.StrongPullup && i == len(w)-1 && len(r) == 0 {
			d.strongPullup()
		}
		d.write(cmd1WWrite, b)
		d.waitIdle(7 * d.tSlot)
	}
	for i := range r {
		if power == onewire.StrongPullup && i == len(r)-1 {
			d.strongPullup()
		}
		d.write(cmd1WRead)
		d.waitIdle(7 * d.tSlot)
		d.write(cmdSetReadPtr, regRDR)
		d.read(r[i : i+1])
	}
	return d.err
}

// Search performs a search cycle and returns the address of every device
// present, or of those in alarm state when alarmOnly is set.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	return onewire.Search(d, alarmOnly)
}

// SearchTriplet runs a search triplet command.
//
// SearchTriplet should not be used directly, use Search instead.
func (d *Dev) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var dir byte
	if direction != 0 {
		dir = 0x80
	}
	d.write(cmd1WTriplet, dir)
	// The triplet overlaps the status polling.
	status := d.waitIdle(0)
	tr := onewire.TripletResult{
		GotZero: status&statusSBR == 0,
		GotOne:  status&statusTSB == 0,
		Taken:   status >> 7,
	}
	return tr, d.err
}

// ReadBit runs a single read slot outside of a transaction.
func (d *Dev) ReadBit() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.write(cmd1WBit, 0x80)
	status := d.waitIdle(d.tSlot)
	return status&statusSBR != 0, d.err
}

//

// reset sends the reset pulse and returns true when a device answered with a
// presence pulse.
func (d *Dev) reset() (bool, error) {
	d.write(cmd1WReset)
	status := d.waitIdle(d.tReset)
	if d.err != nil {
		return false, d.err
	}
	if status&statusSD != 0 {
		return false, shortedBusError("ds248x: bus has a short")
	}
	return status&statusPPD != 0, nil
}

func (d *Dev) strongPullup() {
	d.write(cmdWriteConfig, d.conf&^0x40|0x04)
}

// write sends a command, persisting the failure.
func (d *Dev) write(cmd ...byte) {
	if d.err != nil {
		return
	}
	d.err = d.reg.Write(cmd)
}

func (d *Dev) read(b []byte) {
	if d.err != nil {
		return
	}
	d.err = d.reg.Read(b)
}

// waitIdle sleeps for delay then polls the status register until the 1-wire
// busy bit clears, sleeping a tenth of delay between polls. It returns the
// last status, or 0 on failure.
func (d *Dev) waitIdle(delay time.Duration) byte {
	if d.err != nil {
		return 0
	}
	start := d.clock.Now()
	d.clock.Sleep(delay)
	for {
		var status [1]byte
		d.read(status[:])
		if d.err != nil {
			return 0
		}
		if status[0]&status1WB == 0 {
			return status[0]
		}
		if d.clock.Since(start) > d.timeout {
			d.err = fmt.Errorf("ds248x: bus cycle did not complete in %s: %w", d.timeout, common.ErrTimeout)
			return 0
		}
		d.clock.Sleep(delay/10 + time.Microsecond)
	}
}

func (d *Dev) init(o *Opts) error {
	if err := d.reg.Write([]byte{cmdReset}); err != nil {
		return err
	}
	var stat [1]byte
	if err := d.reg.Write([]byte{cmdSetReadPtr, regStatus}); err != nil {
		return err
	}
	if err := d.reg.Read(stat[:]); err != nil {
		return err
	}
	// After a device reset only RST and LL are set.
	if stat[0]&^statusLL != statusRST {
		return fmt.Errorf("ds248x: unexpected status %#x after reset: %w", stat[0], common.ErrIntegrity)
	}

	// Standard speed, no strong pull-up, no power down, active pull-up. The
	// upper nibble is the one's complement of the lower one.
	d.conf = 0xe1
	if o.PassivePullup {
		d.conf ^= 0x11
	}
	var dcr [1]byte
	if err := d.reg.Write([]byte{cmdWriteConfig, d.conf}); err != nil {
		return err
	}
	if err := d.reg.Read(dcr[:]); err != nil {
		return err
	}
	if dcr[0] != d.conf&0x0f {
		return fmt.Errorf("ds248x: wrote config %#x, read back %#x: %w", d.conf, dcr[0], common.ErrIntegrity)
	}

	// Only the DS2483 has a port configuration register and only the
	// DS2482-800 a channel selection register; the pointer write is refused
	// by the others.
	switch {
	case d.reg.Write([]byte{cmdSetReadPtr, regPCR}) == nil:
		d.variant = DS2483
		us := func(t time.Duration) time.Duration { return t / time.Microsecond }
		return d.reg.Write([]byte{cmdAdjPort,
			byte(0x00 + (us(o.ResetLow)-430)/20&0x0f),
			byte(0x20 + (us(o.PresenceDetect)-55)/2&0x0f),
			byte(0x40 + (us(o.Write0Low)-51)/2&0x0f),
			byte(0x60 + ((o.Write0Recovery-1250)/2500+5)&0x0f),
			byte(0x80 + o.PullupRes&0x0f),
		})
	case d.reg.Write([]byte{cmdSetReadPtr, regCSR}) == nil:
		d.variant = DS2482x800
		return d.reg.Write([]byte{cmdChannelSelect, channelCodes[o.Channel]})
	default:
		d.variant = DS2482x100
		return nil
	}
}

// noDevicesError implements error, onewire.NoDevicesError and
// onewire.BusError.
type noDevicesError string

func (e noDevicesError) Error() string        { return string(e) }
func (e noDevicesError) NoDevices() bool      { return true }
func (e noDevicesError) BusError() bool       { return true }
func (e noDevicesError) Is(target error) bool { return target == common.ErrBus }

// shortedBusError implements error, onewire.ShortedBusError and
// onewire.BusError.
type shortedBusError string

func (e shortedBusError) Error() string        { return string(e) }
func (e shortedBusError) IsShorted() bool      { return true }
func (e shortedBusError) BusError() bool       { return true }
func (e shortedBusError) Is(target error) bool { return target == common.ErrBus }

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.BusSearcher = &Dev{}

const (
	cmdReset         = 0xf0
	cmdSetReadPtr    = 0xe1
	cmdWriteConfig   = 0xd2
	cmdAdjPort       = 0xc3 // DS2483
	cmdChannelSelect = 0xc3 // DS2482-800
	cmd1WReset       = 0xb4
	cmd1WBit         = 0x87
	cmd1WWrite       = 0xa5
	cmd1WRead        = 0x96
	cmd1WTriplet     = 0x78

	regStatus = 0xf0
	regRDR    = 0xe1
	regPCR    = 0xb4
	regCSR    = 0xd2

	status1WB = 0x01
	statusPPD = 0x02
	statusSD  = 0x04
	statusLL  = 0x08
	statusRST = 0x10
	statusSBR = 0x20
	statusTSB = 0x40
)

// channelCodes are the DS2482-800 channel selection codes.
var channelCodes = [8]byte{0xf0, 0xe1, 0xd2, 0xc3, 0xb4, 0xa5, 0x96, 0x87}
