// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package aht20

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

// DeviceAddress is the fixed I²C address of the AHT20.
const DeviceAddress = 0x38

const (
	cmdInitialize byte = 0xBE
	cmdMeasure    byte = 0xAC
	cmdSoftReset  byte = 0xBA
)

const (
	bitBusy        byte = 1 << 7
	bitInitialized byte = 1 << 3
)

var (
	argsInitialize = []byte{cmdInitialize, 0x08, 0x00}
	argsMeasure    = []byte{cmdMeasure, 0x33, 0x00}
)

// Datasheet delays.
const (
	resetDelay   = 20 * time.Millisecond
	initDelay    = 10 * time.Millisecond
	measureDelay = 80 * time.Millisecond
)

// Dev is a handle to an initialized AHT20.
type Dev struct {
	opts  Opts
	d     *regbus.Dev
	clock timeutil.Clock

	mu    sync.Mutex
	ready bool
	stop  chan struct{}
	wg    sync.WaitGroup
}

// Opts holds the configuration options for the device.
type Opts struct {
	// MeasurementReadTimeout bounds the polling done after the initial 80ms
	// conversion wait when the sensor still reports busy. 0 means a single read.
	MeasurementReadTimeout time.Duration
	// MeasurementWaitInterval is the interval between status polls while busy.
	// Leave 0 to use the default of 10ms.
	MeasurementWaitInterval time.Duration
	// ValidateData reads the trailing CRC8 byte and rejects corrupt samples.
	ValidateData bool
	// Clock is used for the datasheet delays. nil means the real clock.
	Clock timeutil.Clock
}

// DefaultOpts holds the default configuration options for the device.
var DefaultOpts = Opts{
	MeasurementReadTimeout:  150 * time.Millisecond,
	MeasurementWaitInterval: 10 * time.Millisecond,
}

// NewI2C returns an object that communicates over I²C to the AHT20 at its
// fixed address. The sensor is soft reset and initialized. The Opts can be
// nil.
func NewI2C(b i2c.Bus, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.MeasurementWaitInterval <= 0 {
		o.MeasurementWaitInterval = 10 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	rd, err := regbus.New(b, DeviceAddress)
	if err != nil {
		return nil, err
	}
	d := &Dev{d: rd, opts: o, clock: o.Clock}
	if err := d.Reset(); err != nil {
		return nil, errors.Join(fmt.Errorf("aht20: could not initialize sensor"), err)
	}
	return d, nil
}

func (d *Dev) String() string {
	return "AHT20{" + d.d.String() + "}"
}

// Reset soft resets the sensor and sends the initialization command. The
// device can be used again once it returns nil.
func (d *Dev) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready = false
	if err := d.d.Write([]byte{cmdSoftReset}); err != nil {
		return err
	}
	d.clock.Sleep(resetDelay)
	if err := d.d.Write(argsInitialize); err != nil {
		return err
	}
	d.clock.Sleep(initDelay)
	d.ready = true
	return nil
}

// Sense implements physic.SenseEnv. It returns the current temperature and
// humidity, the pressure is left untouched since the AHT20 does not measure
// it.
//
// The measurement takes at least 80ms. A ReadTimeoutError is returned when the
// sensor stays busy, a DataCorruptionError on CRC mismatch when ValidateData
// is set and a NotInitializedError when the sensor was not initialized.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return &NotInitializedError{}
	}

	if err := d.d.Write(argsMeasure); err != nil {
		return err
	}
	d.clock.Sleep(measureDelay)

	n := 6
	if d.opts.ValidateData {
		n = 7
	}
	data := make([]byte, n)
	start := d.clock.Now()
	for {
		if err := d.d.Read(data); err != nil {
			return err
		}
		if d.opts.ValidateData && common.CRC8(data[0:6]) != data[6] {
			return &DataCorruptionError{}
		}
		if data[0]&bitInitialized == 0 {
			d.ready = false
			return &NotInitializedError{}
		}
		if data[0]&bitBusy == 0 {
			hRaw, tRaw := decode(data)
			e.Humidity = Humidity(hRaw)
			e.Temperature = Temperature(tRaw)
			return nil
		}
		if d.clock.Since(start) >= d.opts.MeasurementReadTimeout {
			return &ReadTimeoutError{}
		}
		d.clock.Sleep(d.opts.MeasurementWaitInterval)
	}
}

// SenseContinuous implements physic.SenseEnv. It returns a channel that will
// receive a measurement every interval. It is the caller's responsibility to
// call Halt() when done. Failed measurements are skipped.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	if interval < measureDelay {
		return nil, fmt.Errorf("aht20: interval %s shorter than a conversion: %w", interval, common.ErrArgument)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return nil, fmt.Errorf("aht20: already sensing continuously: %w", common.ErrInvalidState)
	}
	d.wg.Add(1)

	sensing := make(chan physic.Env)
	stop := make(chan struct{})
	d.stop = stop
	go func() {
		defer d.wg.Done()
		defer close(sensing)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				var e physic.Env
				if err := d.Sense(&e); err != nil {
					continue
				}
				select {
				case sensing <- e:
				case <-stop:
					return
				}
			}
		}
	}()
	return sensing, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = 10 * physic.MilliKelvin
	e.Humidity = 24 * physic.MilliRH
}

// Halt stops continuous sensing and marks the device as uninitialized. Reset
// must be called before the next Sense.
func (d *Dev) Halt() error {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.ready = false
	d.mu.Unlock()
	if stop != nil {
		close(stop)
		d.wg.Wait()
	}
	return nil
}

// decode extracts the 20-bit humidity and temperature fields. Humidity spans
// bytes 1 to the high nibble of byte 3, temperature the low nibble of byte 3
// to byte 5.
func decode(data []byte) (hRaw, tRaw uint32) {
	hRaw = uint32(data[1])<<12 | uint32(data[2])<<4 | uint32(data[3])>>4
	tRaw = (uint32(data[3])&0xF)<<16 | uint32(data[4])<<8 | uint32(data[5])
	return hRaw, tRaw
}

// Humidity converts a raw 20-bit humidity field to relative humidity,
// raw/2^20*100%, clamped to [0, 100]%.
func Humidity(raw uint32) physic.RelativeHumidity {
	h := int64(raw&0xFFFFF) * int64(100*physic.PercentRH) >> 20
	if h > int64(100*physic.PercentRH) {
		h = int64(100 * physic.PercentRH)
	}
	return physic.RelativeHumidity(h)
}

// Temperature converts a raw 20-bit temperature field, raw/2^20*200-50°C.
func Temperature(raw uint32) physic.Temperature {
	t := physic.Temperature(int64(raw&0xFFFFF) * int64(200*physic.Kelvin) >> 20)
	return t - 50*physic.Celsius + physic.ZeroCelsius
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
