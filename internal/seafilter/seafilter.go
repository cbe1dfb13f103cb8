// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package seafilter smooths the sea level before it is displayed or reported.
//
// A single sample jumping more than JumpCM away from the current level is
// held back as pending. It is accepted when the next sample confirms it within
// ConfirmCM. The result is then smoothed exponentially.
package seafilter

import (
	"sync"

	"github.com/GermanBionicSystems/seasensor/internal/fusion"
	"github.com/chewxy/math32"
)

// Filter thresholds, in cm.
const (
	JumpCM    = 20
	ConfirmCM = 5
)

// Weight of the previous level in the output.
const smoothing = 0.7

// Filter is the sea level filter state. The zero value is ready to use.
type Filter struct {
	mu         sync.Mutex
	last       fusion.Snapshot
	hasLast    bool
	pending    float32
	hasPending bool
}

// New returns an empty Filter.
func New() *Filter {
	return &Filter{}
}

// Apply filters the sea level of s. The other fields pass through unchanged.
func (f *Filter) Apply(s fusion.Snapshot) fusion.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasLast {
		f.last = s
		f.hasLast = true
		return s
	}
	prev := f.last.SeaLevelCM
	cand := s.SeaLevelCM
	if math32.Abs(cand-prev) > JumpCM {
		if f.hasPending && math32.Abs(cand-f.pending) <= ConfirmCM {
			f.hasPending = false
		} else {
			f.pending = cand
			f.hasPending = true
			cand = prev
		}
	} else {
		f.hasPending = false
	}
	s.SeaLevelCM = smoothing*prev + (1-smoothing)*cand
	f.last = s
	return s
}

// Pending returns the level waiting for confirmation, if any.
func (f *Filter) Pending() (float32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, f.hasPending
}

// Reset forgets the history. The next sample is adopted as is.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = fusion.Snapshot{}
	f.hasLast = false
	f.pending = 0
	f.hasPending = false
}
