// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package regbus is the register level transport shared by the I²C sensors
// of the node. It wraps an i2c.Bus and a 7-bit address into 8-bit register
// reads and writes and classifies every failure as common.ErrBus.
package regbus

import (
	"encoding/binary"
	"fmt"

	"github.com/GermanBionicSystems/seasensor/common"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/mmr"
)

// Dev is a device at a fixed address on an I²C bus.
type Dev struct {
	addr uint16
	d    mmr.Dev8
}

// New returns a register accessor for the device at addr on b.
func New(b i2c.Bus, addr uint16) (*Dev, error) {
	if b == nil {
		return nil, fmt.Errorf("regbus: nil bus: %w", common.ErrArgument)
	}
	if addr > 0x7f {
		return nil, fmt.Errorf("regbus: address %#x is not a 7-bit address: %w", addr, common.ErrArgument)
	}
	return &Dev{
		addr: addr,
		d:    mmr.Dev8{Conn: &i2c.Dev{Bus: b, Addr: addr}, Order: binary.LittleEndian},
	}, nil
}

// Addr returns the device address.
func (d *Dev) Addr() uint16 {
	return d.addr
}

func (d *Dev) String() string {
	return d.d.String()
}

// ReadReg reads len(buf) consecutive bytes starting at register reg.
func (d *Dev) ReadReg(reg byte, buf []byte) error {
	if err := d.d.Tx([]byte{reg}, buf); err != nil {
		return d.wrap("read", reg, err)
	}
	return nil
}

// ReadUint8 reads a single 8 bit register.
func (d *Dev) ReadUint8(reg byte) (byte, error) {
	v, err := d.d.ReadUint8(reg)
	if err != nil {
		return 0, d.wrap("read", reg, err)
	}
	return v, nil
}

// WriteReg writes v to register reg.
func (d *Dev) WriteReg(reg, v byte) error {
	if err := d.d.WriteUint8(reg, v); err != nil {
		return d.wrap("write", reg, err)
	}
	return nil
}

// Write sends a raw command without register addressing.
func (d *Dev) Write(cmd []byte) error {
	if err := d.d.Tx(cmd, nil); err != nil {
		return fmt.Errorf("regbus: %s command %#x: %w: %w", d, cmd, common.ErrBus, err)
	}
	return nil
}

// Read reads len(buf) bytes without register addressing.
func (d *Dev) Read(buf []byte) error {
	if err := d.d.Tx(nil, buf); err != nil {
		return fmt.Errorf("regbus: %s read %d bytes: %w: %w", d, len(buf), common.ErrBus, err)
	}
	return nil
}

func (d *Dev) wrap(op string, reg byte, err error) error {
	return fmt.Errorf("regbus: %s %s reg %#02x: %w: %w", d, op, reg, common.ErrBus, err)
}

// Scan probes every address in [from, to] with a one byte read and returns
// the addresses that acknowledged.
//
// The conventional range is 0x03..0x77; the reserved addresses outside of it
// are never probed.
func Scan(b i2c.Bus, from, to uint16) ([]uint16, error) {
	if b == nil {
		return nil, fmt.Errorf("regbus: nil bus: %w", common.ErrArgument)
	}
	if from < 0x03 {
		from = 0x03
	}
	if to > 0x77 {
		to = 0x77
	}
	if from > to {
		return nil, fmt.Errorf("regbus: empty scan range %#x..%#x: %w", from, to, common.ErrArgument)
	}
	var found []uint16
	var buf [1]byte
	for addr := from; addr <= to; addr++ {
		if err := b.Tx(addr, nil, buf[:]); err == nil {
			found = append(found, addr)
		}
	}
	return found, nil
}
