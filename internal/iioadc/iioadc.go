// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package iioadc exposes a channel of a Linux Industrial I/O ADC as an
// analog.PinADC.
//
// The raw value is read from in_voltageN_raw. When the kernel driver exports
// in_voltageN_scale or in_voltage_scale, the sample voltage is set too.
package iioadc

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/GermanBionicSystems/seasensor/common"
	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3/fs"
)

// DevicesRoot is where the kernel lists the IIO devices.
const DevicesRoot = "/sys/bus/iio/devices"

// Pin is an ADC channel.
type Pin struct {
	name    string
	channel int
	bits    int
	scale   float64 // mV per LSB, 0 when unknown

	mu sync.Mutex
	f  io.ReadSeekCloser
}

// Open opens channel of the IIO device directory dir, for example
// /sys/bus/iio/devices/iio:device0. bits is the resolution reported by
// Range.
func Open(dir string, channel, bits int) (*Pin, error) {
	if channel < 0 || bits <= 0 || bits > 31 {
		return nil, fmt.Errorf("iioadc: invalid channel %d or resolution %d: %w", channel, bits, common.ErrArgument)
	}
	prefix := filepath.Join(dir, "in_voltage"+strconv.Itoa(channel))
	f, err := fs.Open(prefix+"_raw", os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("iioadc: %w: %w", common.ErrBus, err)
	}
	p := &Pin{name: filepath.Base(dir) + "/in_voltage" + strconv.Itoa(channel), channel: channel, bits: bits, f: f}
	for _, s := range []string{prefix + "_scale", filepath.Join(dir, "in_voltage_scale")} {
		if v, err := readFloat(s); err == nil {
			p.scale = v
			break
		}
	}
	return p, nil
}

func (p *Pin) String() string {
	return p.name
}

// Name implements pin.Pin.
func (p *Pin) Name() string {
	return p.name
}

// Number implements pin.Pin.
func (p *Pin) Number() int {
	return p.channel
}

// Function implements pin.Pin.
func (p *Pin) Function() string {
	return "ADC"
}

// Halt implements conn.Resource. It closes the channel.
func (p *Pin) Halt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}

// Range implements analog.PinADC.
func (p *Pin) Range() (analog.Sample, analog.Sample) {
	hi := analog.Sample{Raw: int32(1)<<uint(p.bits) - 1}
	hi.V = p.voltage(hi.Raw)
	return analog.Sample{}, hi
}

// Read implements analog.PinADC.
func (p *Pin) Read() (analog.Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return analog.Sample{}, fmt.Errorf("iioadc: %s is closed: %w", p.name, common.ErrInvalidState)
	}
	var buf [24]byte
	if _, err := p.f.Seek(0, io.SeekStart); err != nil {
		return analog.Sample{}, fmt.Errorf("iioadc: %s: %w: %w", p.name, common.ErrBus, err)
	}
	n, err := p.f.Read(buf[:])
	if err != nil && !errors.Is(err, io.EOF) {
		return analog.Sample{}, fmt.Errorf("iioadc: %s: %w: %w", p.name, common.ErrBus, err)
	}
	raw, err := strconv.ParseInt(strings.TrimSpace(string(buf[:n])), 10, 32)
	if err != nil {
		return analog.Sample{}, fmt.Errorf("iioadc: %s: %w: %w", p.name, common.ErrIntegrity, err)
	}
	return analog.Sample{Raw: int32(raw), V: p.voltage(int32(raw))}, nil
}

func (p *Pin) voltage(raw int32) physic.ElectricPotential {
	if p.scale == 0 {
		return 0
	}
	return physic.ElectricPotential(math.Round(float64(raw) * p.scale * float64(physic.MilliVolt)))
}

func readFloat(path string) (float64, error) {
	f, err := fs.Open(path, os.O_RDONLY)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var buf [32]byte
	n, err := f.Read(buf[:])
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(buf[:n])), 64)
}

var _ analog.PinADC = &Pin{}
