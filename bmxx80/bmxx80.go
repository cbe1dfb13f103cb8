// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bmxx80

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GermanBionicSystems/seasensor/common"
	"github.com/GermanBionicSystems/seasensor/internal/timeutil"
	"github.com/GermanBionicSystems/seasensor/regbus"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// Chip identifies the detected device.
type Chip uint8

const (
	BME280 Chip = 0x60
	BMP280 Chip = 0x58
)

func (c Chip) String() string {
	switch c {
	case BME280:
		return "BME280"
	case BMP280:
		return "BMP280"
	default:
		return fmt.Sprintf("Chip(%#02x)", uint8(c))
	}
}

// State is the position of the forced mode measurement state machine.
type State uint8

const (
	Idle State = iota
	Triggered
	Polling
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Triggered:
		return "Triggered"
	case Polling:
		return "Polling"
	case Ready:
		return "Ready"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

const (
	regCalib1  = 0x88
	regChipID  = 0xD0
	regReset   = 0xE0
	regCalib2  = 0xE1
	regCtrlHum = 0xF2
	regStatus  = 0xF3
	regCtrlMes = 0xF4
	regConfig  = 0xF5
	regData    = 0xF7

	resetCmd = 0xB6

	// IIR filter coefficient 4, no standby since only forced mode is used.
	configFilter4 = 0x08
	// Humidity oversampling x1.
	ctrlHumOS1 = 0x01
	// Temperature x2, pressure x4, forced mode.
	ctrlMesForced = 0x4D

	statusMeasuring = 1 << 3

	resetDelay = 5 * time.Millisecond
)

// Opts holds the configuration options for the device.
type Opts struct {
	// Addresses are the candidate addresses, tried in order.
	Addresses []uint16
	// PollAttempts is the number of status reads before a timeout.
	PollAttempts int
	// PollInterval is the delay between status reads.
	PollInterval time.Duration
	// Clock is used for the datasheet delays. nil means the real clock.
	Clock timeutil.Clock
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Addresses:    []uint16{0x77, 0x76},
	PollAttempts: 30,
	PollInterval: 5 * time.Millisecond,
}

// Dev is a handle to an initialized BME280 or BMP280.
type Dev struct {
	d     *regbus.Dev
	chip  Chip
	cal   Calibration
	opts  Opts
	clock timeutil.Clock

	mu    sync.Mutex
	state State
}

// NewI2C detects a BME280 or a BMP280 on the bus, resets it and reads its
// calibration. The Opts can be nil.
func NewI2C(b i2c.Bus, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if len(o.Addresses) == 0 {
		o.Addresses = DefaultOpts.Addresses
	}
	if o.PollAttempts <= 0 {
		o.PollAttempts = DefaultOpts.PollAttempts
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultOpts.PollInterval
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	d := &Dev{opts: o, clock: o.Clock}
	var errs []error
	for _, addr := range o.Addresses {
		rd, err := regbus.New(b, addr)
		if err != nil {
			return nil, err
		}
		id, err := rd.ReadUint8(regChipID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if c := Chip(id); c == BME280 || c == BMP280 {
			d.d = rd
			d.chip = c
			break
		}
		errs = append(errs, fmt.Errorf("bmxx80: unexpected chip id %#02x at %#x", id, addr))
	}
	if d.d == nil {
		return nil, fmt.Errorf("bmxx80: no device found at %#x: %w", o.Addresses, errors.Join(errs...))
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dev) init() error {
	if err := d.d.WriteReg(regReset, resetCmd); err != nil {
		return err
	}
	d.clock.Sleep(resetDelay)
	tp := make([]byte, 26)
	if err := d.d.ReadReg(regCalib1, tp); err != nil {
		return err
	}
	var h []byte
	if d.chip == BME280 {
		h = make([]byte, 7)
		if err := d.d.ReadReg(regCalib2, h); err != nil {
			return err
		}
	}
	d.cal = newCalibration(tp, h)
	return nil
}

func (d *Dev) String() string {
	return d.chip.String() + "{" + d.d.String() + "}"
}

// Chip returns the detected device model.
func (d *Dev) Chip() Chip {
	return d.chip
}

// Calibration returns the calibration decoded at initialization.
func (d *Dev) Calibration() Calibration {
	return d.cal
}

// State returns the position of the measurement state machine.
func (d *Dev) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Sense implements physic.SenseEnv.
//
// It runs a single forced mode conversion. Humidity is only set on a BME280.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = Triggered
	if err := d.trigger(); err != nil {
		d.state = Idle
		return err
	}

	d.state = Polling
	if err := d.poll(); err != nil {
		d.state = Idle
		return err
	}

	n := 8
	if d.chip == BMP280 {
		n = 6
	}
	buf := make([]byte, n)
	if err := d.d.ReadReg(regData, buf); err != nil {
		d.state = Idle
		return err
	}
	d.state = Ready

	adcP := int32(buf[0])<<12 | int32(buf[1])<<4 | int32(buf[2])>>4
	adcT := int32(buf[3])<<12 | int32(buf[4])<<4 | int32(buf[5])>>4
	t, tFine := d.cal.CompensateT(adcT)
	e.Temperature = physic.Temperature(t)*10*physic.MilliKelvin + physic.ZeroCelsius
	e.Pressure = physic.Pressure(d.cal.CompensateP(adcP, tFine)) * physic.Pascal / 256
	if d.chip == BME280 {
		adcH := int32(buf[6])<<8 | int32(buf[7])
		e.Humidity = humidity(d.cal.CompensateH(adcH, tFine))
	}
	return nil
}

func (d *Dev) trigger() error {
	if err := d.d.WriteReg(regConfig, configFilter4); err != nil {
		return err
	}
	if d.chip == BME280 {
		// ctrl_hum only takes effect after the following ctrl_meas write.
		if err := d.d.WriteReg(regCtrlHum, ctrlHumOS1); err != nil {
			return err
		}
	}
	return d.d.WriteReg(regCtrlMes, ctrlMesForced)
}

func (d *Dev) poll() error {
	for i := 0; i < d.opts.PollAttempts; i++ {
		s, err := d.d.ReadUint8(regStatus)
		if err != nil {
			return err
		}
		if s&statusMeasuring == 0 {
			return nil
		}
		d.clock.Sleep(d.opts.PollInterval)
	}
	return fmt.Errorf("bmxx80: %s still measuring after %d polls: %w", d, d.opts.PollAttempts, common.ErrTimeout)
}

// SenseContinuous implements physic.SenseEnv. It is not supported since the
// device is only used in forced mode.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	return nil, fmt.Errorf("bmxx80: continuous sensing is not supported: %w", common.ErrInvalidState)
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = 10 * physic.MilliKelvin
	e.Pressure = physic.Pascal / 256
	if d.chip == BME280 {
		e.Humidity = physic.PercentRH / 1024
	}
}

// Halt implements conn.Resource. The state machine returns to Idle.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = Idle
	return nil
}

// humidity converts the Q22.10 compensated value, capped at 100%.
func humidity(h uint32) physic.RelativeHumidity {
	rh := physic.RelativeHumidity(int64(h) * int64(physic.PercentRH) / 1024)
	if rh > 100*physic.PercentRH {
		rh = 100 * physic.PercentRH
	}
	return rh
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
