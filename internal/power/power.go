// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package power switches the supply of the node's power domains through GPIO
// driven load switches.
package power

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/GermanBionicSystems/seasensor/common"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
)

// Domain is a switchable supply.
type Domain uint8

// Known domains.
const (
	SensorPod Domain = iota
	Display
)

func (d Domain) String() string {
	switch d {
	case SensorPod:
		return "sensor_pod"
	case Display:
		return "display"
	default:
		return fmt.Sprintf("Domain(%d)", uint8(d))
	}
}

func (d Domain) known() bool {
	return d == SensorPod || d == Display
}

// Gate is the power switching primitive consumed by the coordinator and the
// display.
type Gate interface {
	// Set powers d on or off.
	Set(d Domain, on bool) error
	// Hold powers d on until release is called. Holds of the same domain are
	// serialized.
	Hold(d Domain) (release func(), err error)
}

// Switch is a Gate backed by one output pin per domain. A known domain
// without a pin has no load switch and is always powered.
type Switch struct {
	activeLow bool
	pins      map[Domain]gpio.PinOut
	windows   map[Domain]*sync.Mutex

	mu sync.Mutex
	on map[Domain]bool
}

// New returns a Switch driving pins. With activeLow, the pin is pulled low to
// power the domain, as for a P-channel high side switch.
//
// Every domain is powered off on return.
func New(pins map[Domain]gpio.PinOut, activeLow bool) (*Switch, error) {
	s := &Switch{
		activeLow: activeLow,
		pins:      make(map[Domain]gpio.PinOut, len(pins)),
		windows:   make(map[Domain]*sync.Mutex, len(pins)),
		on:        make(map[Domain]bool, len(pins)),
	}
	for d, p := range pins {
		if p == nil {
			return nil, fmt.Errorf("power: nil pin for %s: %w", d, common.ErrArgument)
		}
		s.pins[d] = p
		s.windows[d] = &sync.Mutex{}
	}
	for _, d := range s.domains() {
		if err := s.Set(d, false); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Switch) String() string {
	var b strings.Builder
	b.WriteString("Power{")
	for i, d := range s.domains() {
		if i != 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.String())
		b.WriteString(":")
		b.WriteString(s.pins[d].String())
	}
	b.WriteString("}")
	return b.String()
}

// Set implements Gate.
func (s *Switch) Set(d Domain, on bool) error {
	p, ok := s.pins[d]
	if !ok {
		if !d.known() {
			return fmt.Errorf("power: unknown domain %s: %w", d, common.ErrArgument)
		}
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := p.Out(s.level(on)); err != nil {
		return fmt.Errorf("power: %s: %w: %w", d, common.ErrBus, err)
	}
	s.on[d] = on
	return nil
}

// Hold implements Gate.
//
// When powering on fails, the domain is switched back off and the window is
// released before returning the error.
func (s *Switch) Hold(d Domain) (func(), error) {
	w, ok := s.windows[d]
	if !ok {
		if !d.known() {
			return nil, fmt.Errorf("power: unknown domain %s: %w", d, common.ErrArgument)
		}
		return func() {}, nil
	}
	w.Lock()
	if err := s.Set(d, true); err != nil {
		_ = s.Set(d, false)
		w.Unlock()
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = s.Set(d, false)
			w.Unlock()
		})
	}, nil
}

// On reports the last level successfully set on d. A domain without a pin is
// always on.
func (s *Switch) On(d Domain) bool {
	if _, ok := s.pins[d]; !ok {
		return d.known()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on[d]
}

// Halt implements conn.Resource. It powers every domain off.
func (s *Switch) Halt() error {
	var err error
	for _, d := range s.domains() {
		if e := s.Set(d, false); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (s *Switch) level(on bool) gpio.Level {
	return gpio.Level(on != s.activeLow)
}

func (s *Switch) domains() []Domain {
	out := make([]Domain, 0, len(s.pins))
	for d := range s.pins {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Nop is a Gate for boards without load switches. Every domain is always
// powered.
type Nop struct{}

// Set implements Gate.
func (Nop) Set(Domain, bool) error { return nil }

// Hold implements Gate.
func (Nop) Hold(Domain) (func(), error) { return func() {}, nil }

var _ Gate = &Switch{}
var _ Gate = Nop{}
var _ conn.Resource = &Switch{}
