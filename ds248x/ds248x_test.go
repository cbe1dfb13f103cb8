// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds248x

import (
	"errors"
	"testing"
	"time"

	"github.com/GermanBionicSystems/seasensor/common"
	"github.com/GermanBionicSystems/seasensor/internal/timeutil"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/onewire"
)

const addr = 0x18

// initOps are the exchanges of New with a DS2483.
var initOps = []i2ctest.IO{
	{Addr: addr, W: []byte{cmdReset}},
	{Addr: addr, W: []byte{cmdSetReadPtr, regStatus}},
	{Addr: addr, R: []byte{statusRST | statusLL}},
	{Addr: addr, W: []byte{cmdWriteConfig, 0xe1}},
	{Addr: addr, R: []byte{0x01}},
	{Addr: addr, W: []byte{cmdSetReadPtr, regPCR}},
	{Addr: addr, W: []byte{cmdAdjPort, 0x06, 0x26, 0x46, 0x66, 0x86}},
}

func ops(more ...i2ctest.IO) []i2ctest.IO {
	return append(append([]i2ctest.IO(nil), initOps...), more...)
}

func newDev(t *testing.T, bus *i2ctest.Playback) (*Dev, *timeutil.MockClock) {
	clk := timeutil.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	o := DefaultOpts
	o.Clock = clk
	d, err := New(bus, addr, &o)
	if err != nil {
		t.Fatal(err)
	}
	return d, clk
}

func TestNew_fail(t *testing.T) {
	bus := &i2ctest.Playback{}
	if _, err := New(bus, 0x40, nil); !errors.Is(err, common.ErrArgument) {
		t.Fatal(err)
	}
	o := DefaultOpts
	o.Channel = 8
	if _, err := New(bus, addr, &o); !errors.Is(err, common.ErrArgument) {
		t.Fatal(err)
	}
	if _, err := New(nil, addr, nil); !errors.Is(err, common.ErrArgument) {
		t.Fatal(err)
	}
}

func TestNew_badStatus(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: addr, W: []byte{cmdReset}},
		{Addr: addr, W: []byte{cmdSetReadPtr, regStatus}},
		{Addr: addr, R: []byte{0xff}},
	}}
	if _, err := New(bus, addr, nil); !errors.Is(err, common.ErrIntegrity) {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNew_ds2483(t *testing.T) {
	bus := &i2ctest.Playback{Ops: ops()}
	d, _ := newDev(t, bus)
	if v := d.Variant(); v != DS2483 {
		t.Fatal(v)
	}
	if s := d.String(); s != "DS2483{playback(24)}" {
		t.Fatal(s)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNew_ds2482x800(t *testing.T) {
	// The PCR pointer write is refused, the CSR one accepted.
	o := initOps[:len(initOps)-2]
	bus := &i2ctest.Playback{DontPanic: true, Ops: append(append([]i2ctest.IO(nil), o...),
		i2ctest.IO{Addr: addr, W: []byte{cmdSetReadPtr, regCSR}},
		i2ctest.IO{Addr: addr, W: []byte{cmdChannelSelect, 0xd2}},
	)}
	opts := DefaultOpts
	opts.Channel = 2
	d, err := New(bus, addr, &opts)
	if err != nil {
		t.Fatal(err)
	}
	if v := d.Variant(); v != DS2482x800 {
		t.Fatal(v)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNew_ds2482x100(t *testing.T) {
	bus := &i2ctest.Playback{DontPanic: true, Ops: initOps[:len(initOps)-2]}
	d, err := New(bus, addr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v := d.Variant(); v != DS2482x100 {
		t.Fatal(v)
	}
	if s := d.Variant().String(); s != "DS2482-100" {
		t.Fatal(s)
	}
}

func TestTx(t *testing.T) {
	bus := &i2ctest.Playback{Ops: ops(
		// Reset, a device answers.
		i2ctest.IO{Addr: addr, W: []byte{cmd1WReset}},
		i2ctest.IO{Addr: addr, R: []byte{statusPPD}},
		// Write 0xcc, the bridge is busy once.
		i2ctest.IO{Addr: addr, W: []byte{cmd1WWrite, 0xcc}},
		i2ctest.IO{Addr: addr, R: []byte{status1WB}},
		i2ctest.IO{Addr: addr, R: []byte{0}},
		// Read one byte.
		i2ctest.IO{Addr: addr, W: []byte{cmd1WRead}},
		i2ctest.IO{Addr: addr, R: []byte{0}},
		i2ctest.IO{Addr: addr, W: []byte{cmdSetReadPtr, regRDR}},
		i2ctest.IO{Addr: addr, R: []byte{0x5a}},
	)}
	d, clk := newDev(t, bus)
	var r [1]byte
	if err := d.Tx([]byte{0xcc}, r[:], onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	if r[0] != 0x5a {
		t.Fatalf("%#x", r[0])
	}
	tSlot := 64*time.Microsecond + 5250*time.Nanosecond
	want := []time.Duration{1120 * time.Microsecond, 7 * tSlot, 7*tSlot/10 + time.Microsecond, 7 * tSlot}
	got := clk.Sleeps()
	if len(got) != len(want) {
		t.Fatal(got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("#%d: %s != %s", i, got[i], want[i])
		}
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestTx_strongPullup(t *testing.T) {
	bus := &i2ctest.Playback{Ops: ops(
		i2ctest.IO{Addr: addr, W: []byte{cmd1WReset}},
		i2ctest.IO{Addr: addr, R: []byte{statusPPD}},
		i2ctest.IO{Addr: addr, W: []byte{cmd1WWrite, 0xcc}},
		i2ctest.IO{Addr: addr, R: []byte{0}},
		i2ctest.IO{Addr: addr, W: []byte{cmdWriteConfig, 0xa5}},
		i2ctest.IO{Addr: addr, W: []byte{cmd1WWrite, 0x44}},
		i2ctest.IO{Addr: addr, R: []byte{0}},
		// Halt drops the strong pull-up.
		i2ctest.IO{Addr: addr, W: []byte{cmdWriteConfig, 0xe1}},
	)}
	d, _ := newDev(t, bus)
	if err := d.Tx([]byte{0xcc, 0x44}, nil, onewire.StrongPullup); err != nil {
		t.Fatal(err)
	}
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestTx_noDevice(t *testing.T) {
	bus := &i2ctest.Playback{Ops: ops(
		i2ctest.IO{Addr: addr, W: []byte{cmd1WReset}},
		i2ctest.IO{Addr: addr, R: []byte{0}},
	)}
	d, _ := newDev(t, bus)
	err := d.Tx([]byte{0xcc}, nil, onewire.WeakPullup)
	var nd onewire.NoDevicesError
	if !errors.As(err, &nd) || !nd.NoDevices() {
		t.Fatal(err)
	}
	if !errors.Is(err, common.ErrBus) {
		t.Fatal(err)
	}
}

func TestTx_short(t *testing.T) {
	bus := &i2ctest.Playback{Ops: ops(
		i2ctest.IO{Addr: addr, W: []byte{cmd1WReset}},
		i2ctest.IO{Addr: addr, R: []byte{statusSD}},
	)}
	d, _ := newDev(t, bus)
	err := d.Tx([]byte{0xcc}, nil, onewire.WeakPullup)
	var sb onewire.ShortedBusError
	if !errors.As(err, &sb) || !sb.IsShorted() {
		t.Fatal(err)
	}
	if !errors.Is(err, common.ErrBus) {
		t.Fatal(err)
	}
}

func TestTx_timeout(t *testing.T) {
	more := []i2ctest.IO{{Addr: addr, W: []byte{cmd1WReset}}}
	for i := 0; i < 64; i++ {
		more = append(more, i2ctest.IO{Addr: addr, R: []byte{status1WB}})
	}
	bus := &i2ctest.Playback{Ops: ops(more...), DontPanic: true}
	d, _ := newDev(t, bus)
	err := d.Tx([]byte{0xcc}, nil, onewire.WeakPullup)
	if !errors.Is(err, common.ErrTimeout) {
		t.Fatal(err)
	}
	// The failure is persistent.
	if err2 := d.Halt(); !errors.Is(err2, common.ErrTimeout) {
		t.Fatal(err2)
	}
}

func TestReadBit(t *testing.T) {
	bus := &i2ctest.Playback{Ops: ops(
		i2ctest.IO{Addr: addr, W: []byte{cmd1WBit, 0x80}},
		i2ctest.IO{Addr: addr, R: []byte{statusSBR}},
		i2ctest.IO{Addr: addr, W: []byte{cmd1WBit, 0x80}},
		i2ctest.IO{Addr: addr, R: []byte{0}},
	)}
	d, _ := newDev(t, bus)
	if v, err := d.ReadBit(); err != nil || !v {
		t.Fatal(v, err)
	}
	if v, err := d.ReadBit(); err != nil || v {
		t.Fatal(v, err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSearchTriplet(t *testing.T) {
	bus := &i2ctest.Playback{Ops: ops(
		i2ctest.IO{Addr: addr, W: []byte{cmd1WTriplet, 0x80}},
		i2ctest.IO{Addr: addr, R: []byte{0x80 | statusTSB}},
	)}
	d, _ := newDev(t, bus)
	tr, err := d.SearchTriplet(1)
	if err != nil {
		t.Fatal(err)
	}
	if !tr.GotZero || tr.GotOne || tr.Taken != 1 {
		t.Fatalf("%+v", tr)
	}
}

func TestVariant_String(t *testing.T) {
	if s := Variant(9).String(); s != "Variant(9)" {
		t.Fatal(s)
	}
	if s := DS2482x800.String(); s != "DS2482-800" {
		t.Fatal(s)
	}
}
