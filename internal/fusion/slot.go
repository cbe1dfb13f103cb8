// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fusion

import (
	"fmt"
	"log/slog"

	"github.com/GermanBionicSystems/seasensor/common"
	"periph.io/x/conn/v3"
)

// State is the readiness of one device.
type State uint8

// Device states.
const (
	// Uninitialized devices were never opened successfully.
	Uninitialized State = iota
	// Ready devices answered their last init or read.
	Ready
	// Faulted devices failed their last read or recovery. They are reopened
	// before the next read of their category.
	Faulted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Ready:
		return "Ready"
	case Faulted:
		return "Faulted"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// slot owns one driver instance and its state.
type slot[T conn.Resource] struct {
	name   string
	open   func() (T, error)
	dev    T
	opened bool
	state  State
}

func newSlot[T conn.Resource](name string, open func() (T, error)) *slot[T] {
	return &slot[T]{name: name, open: open}
}

// fitted reports whether the board has this device at all.
func (s *slot[T]) fitted() bool {
	return s.open != nil
}

// init opens the device and records the outcome.
func (s *slot[T]) init(log *slog.Logger) {
	if !s.fitted() {
		return
	}
	dev, err := s.open()
	if err != nil {
		s.state = Faulted
		log.Warn("init failed", "device", s.name, "err", err)
		return
	}
	s.dev = dev
	s.opened = true
	s.state = Ready
	log.Debug("init", "device", s.name, "dev", dev.String())
}

// recover halts the current instance, if any, and opens a new one.
func (s *slot[T]) recover(log *slog.Logger) {
	if s.opened {
		if err := s.dev.Halt(); err != nil {
			log.Debug("halt failed", "device", s.name, "err", err)
		}
		var zero T
		s.dev = zero
		s.opened = false
	}
	s.init(log)
	if s.state == Ready {
		log.Info("recovered", "device", s.name)
	}
}

// ready recovers a device that is not Ready and reports whether it can be
// read.
func (s *slot[T]) ready(log *slog.Logger) bool {
	if !s.fitted() {
		return false
	}
	if s.state != Ready {
		s.recover(log)
	}
	return s.state == Ready
}

// fail records a failed read. The device is recovered on the next trigger.
func (s *slot[T]) fail(log *slog.Logger, err error) {
	s.state = Faulted
	log.Warn("read failed", "device", s.name, "err", err)
}

// reject records a sample discarded as a glitch. The device stays Ready.
func (s *slot[T]) reject(log *slog.Logger) {
	log.Warn("all-zero sample, keeping previous values", "device", s.name, "err", common.ErrGlitch)
}

// halt closes the device.
func (s *slot[T]) halt() error {
	if !s.opened {
		return nil
	}
	err := s.dev.Halt()
	var zero T
	s.dev = zero
	s.opened = false
	s.state = Uninitialized
	return err
}
