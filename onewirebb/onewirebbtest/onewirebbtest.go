// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewirebbtest is meant to be used to test drivers over a software
// 1-wire bus.
package onewirebbtest

import (
	"time"

	"github.com/GermanBionicSystems/seasensor/internal/timeutil"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/onewire"
)

type mode int

const (
	modeIdle mode = iota
	modeROM
	modeMatch
	modeSearch
	modeFunction
	modeConverting
)

// Slave is a gpio.PinIO emulating a single DS18B20 on the line.
//
// It decodes the slots from the duration the master holds the line low, as
// measured on Clock, and answers read slots by pulling the line low. It
// understands Search ROM, Skip ROM, Match ROM, Convert T and Read Scratchpad.
// Every other function byte is only recorded.
type Slave struct {
	gpiotest.Pin
	Clock *timeutil.MockClock

	ROM        onewire.Address
	Absent     bool    // no presence pulse
	Scratchpad [9]byte // sent on Read Scratchpad
	// ConvertSlots is the number of read slots answered with 0 after Convert T.
	ConvertSlots int
	// OutErr is returned by Out when set.
	OutErr error

	// Received holds the function bytes and their data, after the ROM command.
	Received []byte
	// Resets counts the reset pulses.
	Resets int
	// StrongPullups counts the times the master drove the line high.
	StrongPullups int

	mode      mode
	low       bool
	lowAt     time.Time
	presence  bool
	pulled    bool
	tx        []bool
	cur       byte
	bits      int
	matched   int
	searchBit int
	busy      int
	fnSeen    bool
}

// Out implements gpio.PinOut.
func (s *Slave) Out(l gpio.Level) error {
	if s.OutErr != nil {
		return s.OutErr
	}
	if l == gpio.Low {
		if !s.low {
			s.low = true
			s.lowAt = s.Clock.Now()
		}
		return nil
	}
	s.low = false
	s.StrongPullups++
	return nil
}

// In implements gpio.PinIn. Releasing the line ends the current slot.
func (s *Slave) In(pull gpio.Pull, edge gpio.Edge) error {
	if !s.low {
		return nil
	}
	s.low = false
	d := s.Clock.Now().Sub(s.lowAt)
	switch {
	case d >= 480*time.Microsecond:
		s.reset()
	case s.mode == modeConverting:
		s.pulled = s.busy > 0
		if s.busy > 0 {
			s.busy--
		}
	case len(s.tx) != 0:
		s.pulled = !s.tx[0]
		s.tx = s.tx[1:]
	default:
		s.receive(d < 15*time.Microsecond)
	}
	return nil
}

// Read implements gpio.PinIn.
func (s *Slave) Read() gpio.Level {
	if s.presence {
		s.presence = false
		return gpio.Low
	}
	if s.pulled {
		s.pulled = false
		return gpio.Low
	}
	return gpio.High
}

func (s *Slave) reset() {
	s.Resets++
	s.tx = nil
	s.cur, s.bits = 0, 0
	s.pulled = false
	s.fnSeen = false
	if s.Absent {
		s.mode = modeIdle
		return
	}
	s.presence = true
	s.mode = modeROM
}

func (s *Slave) romBit(i int) bool {
	return uint64(s.ROM)>>uint(i)&1 != 0
}

func (s *Slave) queueSearchBits() {
	b := s.romBit(s.searchBit)
	s.tx = []bool{b, !b}
}

func (s *Slave) receive(one bool) {
	if s.mode == modeSearch {
		if one != s.romBit(s.searchBit) {
			s.mode = modeIdle
			return
		}
		if s.searchBit++; s.searchBit < 64 {
			s.queueSearchBits()
		} else {
			s.mode = modeIdle
		}
		return
	}
	if one {
		s.cur |= 1 << uint(s.bits)
	}
	if s.bits++; s.bits < 8 {
		return
	}
	c := s.cur
	s.cur, s.bits = 0, 0
	s.onByte(c)
}

func (s *Slave) onByte(c byte) {
	switch s.mode {
	case modeROM:
		switch c {
		case 0xF0:
			s.mode = modeSearch
			s.searchBit = 0
			s.queueSearchBits()
		case 0xCC:
			s.mode = modeFunction
		case 0x55:
			s.mode = modeMatch
			s.matched = 0
		default:
			s.mode = modeIdle
		}
	case modeMatch:
		if c != byte(uint64(s.ROM)>>(8*uint(s.matched))) {
			s.mode = modeIdle
			return
		}
		if s.matched++; s.matched == 8 {
			s.mode = modeFunction
		}
	case modeFunction:
		s.Received = append(s.Received, c)
		if s.fnSeen {
			return
		}
		s.fnSeen = true
		switch c {
		case 0x44:
			s.mode = modeConverting
			s.busy = s.ConvertSlots
		case 0xBE:
			for _, b := range s.Scratchpad {
				for i := range 8 {
					s.tx = append(s.tx, b&(1<<i) != 0)
				}
			}
		}
	}
}

var _ gpio.PinIO = &Slave{}
