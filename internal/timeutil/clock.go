// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package timeutil provides the monotonic clock and blocking delay used by
// the bit-banged protocols, so they can run against a fake clock in tests.
package timeutil

import (
	"sync"
	"time"

	"periph.io/x/host/v3/cpu"
)

// Clock is the time source consumed by drivers that time pulses.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the duration since t.
	Since(t time.Time) time.Duration
	// Sleep blocks for at least d.
	Sleep(d time.Duration)
}

// spinBelow is the delay under which RealClock busy-waits instead of
// yielding to the scheduler.
const spinBelow = time.Millisecond

// RealClock implements Clock using the time package and busy-waits for
// microsecond delays.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Sleep pauses for d. Delays under a millisecond spin on the CPU since the
// Go scheduler cannot honour them.
func (RealClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if d < spinBelow {
		cpu.Nanospin(d)
		return
	}
	time.Sleep(d)
}

// MockClock is a manually controlled clock for testing.
//
// Sleep advances the time and records the duration. When Step is non-zero,
// every call to Now also advances the clock by Step so busy-wait loops
// terminate.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	step   time.Duration
	sleeps []time.Duration
}

// NewMockClock returns a MockClock set to t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// SetStep sets the auto advance applied on each call to Now.
func (c *MockClock) SetStep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = d
}

// Now returns the mocked current time, then applies the step.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now
	c.now = c.now.Add(c.step)
	return n
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Sleep records d and advances the clock by it.
func (c *MockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
}

// Advance moves the clock forward by d without recording a sleep.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns a copy of the recorded sleep durations.
func (c *MockClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// ResetSleeps forgets the recorded sleeps.
func (c *MockClock) ResetSleeps() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = nil
}

// Elapsed returns the sum of the recorded sleeps.
func (c *MockClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var t time.Duration
	for _, d := range c.sleeps {
		t += d
	}
	return t
}

var _ Clock = RealClock{}
var _ Clock = &MockClock{}
