// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GermanBionicSystems/seasensor/common"
	"github.com/GermanBionicSystems/seasensor/internal/timeutil"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

const (
	cmdSkipROM         = 0xcc
	cmdConvert         = 0x44
	cmdWriteScratchpad = 0x4e
	cmdCopyScratchpad  = 0x48
	cmdReadScratchpad  = 0xbe
)

// Opts contains the options to pass to the constructor.
type Opts struct {
	// ResolutionBits must be in the range 9..12. It determines the conversion
	// time: 9bits:94ms, 10bits:188ms, 11bits:375ms, 12bits:750ms.
	ResolutionBits int
	// TH and TL are the alarm thresholds stored along the configuration.
	TH, TL byte
	// PollInterval and PollTimeout bound the wait for the end of a conversion
	// when the bus can read single slots.
	PollInterval time.Duration
	PollTimeout  time.Duration
	// Clock is used for every delay. nil means the real clock.
	Clock timeutil.Clock
	// Logger receives the non fatal configuration failures. nil discards them.
	Logger *slog.Logger
}

// DefaultOpts is the recommended default options. 11 bits is 0.125°C, well
// below the ±0.5°C accuracy of the device, in 375ms.
var DefaultOpts = Opts{
	ResolutionBits: 11,
	TH:             0x4b,
	TL:             0x46,
	PollInterval:   10 * time.Millisecond,
	PollTimeout:    750 * time.Millisecond,
}

// bitReader is implemented by buses that can run a lone read slot, like
// onewirebb.Bus.
type bitReader interface {
	ReadBit() (bool, error)
}

// Dev is a handle to the single DS18B20 on a 1-wire bus. It is addressed
// with Skip ROM so it must be alone on the bus.
type Dev struct {
	bus   onewire.Bus
	opts  Opts
	clock timeutil.Clock
	log   *slog.Logger

	mu    sync.Mutex
	ready bool
}

// New checks for the presence of a device on the bus and configures its
// resolution. The Opts can be nil.
//
// Only the absence of a device is fatal. Failing to configure the resolution
// is logged and the device keeps its previous configuration.
func New(o onewire.Bus, opts *Opts) (*Dev, error) {
	if o == nil {
		return nil, fmt.Errorf("ds18b20: nil bus: %w", common.ErrArgument)
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.ResolutionBits < 9 || opts.ResolutionBits > 12 {
		return nil, fmt.Errorf("ds18b20: invalid resolution %d bits: %w", opts.ResolutionBits, common.ErrArgument)
	}
	d := &Dev{bus: o, opts: *opts, clock: opts.Clock, log: opts.Logger}
	if d.opts.PollInterval <= 0 {
		d.opts.PollInterval = DefaultOpts.PollInterval
	}
	if d.opts.PollTimeout <= 0 {
		d.opts.PollTimeout = DefaultOpts.PollTimeout
	}
	if d.clock == nil {
		d.clock = timeutil.RealClock{}
	}
	if d.log == nil {
		d.log = slog.New(slog.DiscardHandler)
	}

	// A bare reset checks the presence pulse.
	if err := o.Tx(nil, nil, onewire.WeakPullup); err != nil {
		return nil, fmt.Errorf("ds18b20: %w", err)
	}
	if err := d.configure(); err != nil {
		d.log.Warn("ds18b20: resolution not configured", "bus", o.String(), "bits", d.opts.ResolutionBits, "err", err)
	}
	d.ready = true
	return d, nil
}

// configure writes TH, TL and the resolution then copies them to EEPROM
// (datasheet p.6).
func (d *Dev) configure() error {
	cfg := byte((d.opts.ResolutionBits-9)<<5) | 0x1f
	if err := d.bus.Tx([]byte{cmdSkipROM, cmdWriteScratchpad, d.opts.TH, d.opts.TL, cfg}, nil, onewire.WeakPullup); err != nil {
		return err
	}
	if err := d.bus.Tx([]byte{cmdSkipROM, cmdCopyScratchpad}, nil, onewire.StrongPullup); err != nil {
		return err
	}
	// Wait for the EEPROM write to complete.
	d.clock.Sleep(10 * time.Millisecond)
	return nil
}

func (d *Dev) String() string {
	return "DS18B20{" + d.bus.String() + "}"
}

// Halt implements conn.Resource. New must be called again to use the device.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready = false
	return nil
}

// Sense implements physic.SenseEnv. Only the temperature is set.
//
// When the bus supports lone read slots the device is polled for the end of
// the conversion, otherwise the bus is left in strong pull-up for the
// conversion time of the resolution.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return fmt.Errorf("ds18b20: %s not initialized: %w", d, common.ErrInvalidState)
	}
	if err := d.convert(); err != nil {
		return d.fail(err)
	}
	t, err := d.lastTemp()
	if err != nil {
		return d.fail(err)
	}
	e.Temperature = t
	return nil
}

func (d *Dev) convert() error {
	br, ok := d.bus.(bitReader)
	if !ok {
		if err := d.bus.Tx([]byte{cmdSkipROM, cmdConvert}, nil, onewire.StrongPullup); err != nil {
			return err
		}
		d.clock.Sleep(conversionTime(d.opts.ResolutionBits))
		return nil
	}
	if err := d.bus.Tx([]byte{cmdSkipROM, cmdConvert}, nil, onewire.WeakPullup); err != nil {
		return err
	}
	start := d.clock.Now()
	for {
		done, err := br.ReadBit()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if d.clock.Since(start) >= d.opts.PollTimeout {
			return fmt.Errorf("ds18b20: %s conversion still running after %s: %w", d, d.opts.PollTimeout, common.ErrTimeout)
		}
		d.clock.Sleep(d.opts.PollInterval)
	}
}

// fail marks the device as not ready when it stopped answering.
func (d *Dev) fail(err error) error {
	var nd onewire.NoDevicesError
	if errors.As(err, &nd) && nd.NoDevices() {
		d.ready = false
	}
	return err
}

// SenseContinuous implements physic.SenseEnv.
func (d *Dev) SenseContinuous(time.Duration) (<-chan physic.Env, error) {
	return nil, fmt.Errorf("ds18b20: continuous sensing is not supported: %w", common.ErrInvalidState)
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / physic.Temperature(int64(1)<<uint(d.opts.ResolutionBits-8))
}

// LastTemp reads the temperature resulting from the last conversion from the
// device.
func (d *Dev) LastTemp() (physic.Temperature, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTemp()
}

func (d *Dev) lastTemp() (physic.Temperature, error) {
	var spad [9]byte
	if err := d.bus.Tx([]byte{cmdSkipROM, cmdReadScratchpad}, spad[:], onewire.WeakPullup); err != nil {
		return 0, err
	}
	if err := CheckScratchpad(spad[:]); err != nil {
		return 0, err
	}
	c := parseTemperature(spad[:])
	// The device powers up with a value of 85°C, so if we read that odds are
	// very high that either no conversion was performed or that the conversion
	// failed due to lack of power.
	if c == 85*physic.Celsius+physic.ZeroCelsius {
		return 0, busError("ds18b20: has not performed a temperature conversion (insufficient pull-up?)")
	}
	return c, nil
}

// CheckScratchpad verifies the 9 bytes of scratchpad: byte 8 is the CRC of
// bytes 0 to 7. A scratchpad of all ones means nothing answered.
func CheckScratchpad(spad []byte) error {
	if len(spad) != 9 {
		return fmt.Errorf("ds18b20: scratchpad is %d bytes: %w", len(spad), common.ErrArgument)
	}
	if crc := onewire.CalcCRC(spad[:8]); crc != spad[8] {
		for _, s := range spad {
			if s != 0xff {
				return &crcError{got: spad[8], want: crc}
			}
		}
		return busError("ds18b20: device did not respond")
	}
	return nil
}

// parseTemperature converts the two first bytes of the scratchpad, a signed
// value in 1/16°C (datasheet p.4). The unused low bits are zero at lower
// resolutions.
func parseTemperature(spad []byte) physic.Temperature {
	raw := int16(spad[1])<<8 | int16(spad[0])
	return physic.Temperature(raw)*physic.Kelvin/16 + physic.ZeroCelsius
}

// conversionTime is the maximum time a conversion takes, datasheet p.6.
func conversionTime(bits int) time.Duration {
	return (94 << uint(bits-9)) * time.Millisecond
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string        { return string(e) }
func (e busError) BusError() bool       { return true }
func (e busError) Is(target error) bool { return target == common.ErrBus }

// crcError is returned when the scratchpad fails its CRC.
type crcError struct {
	got, want byte
}

func (e *crcError) Error() string {
	return fmt.Sprintf("ds18b20: incorrect scratchpad CRC %#02x, expected %#02x", e.got, e.want)
}

func (e *crcError) Is(target error) bool { return target == common.ErrIntegrity }

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
