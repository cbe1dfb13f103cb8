// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package common

import "errors"

// Error classes shared by every driver. Drivers return their own typed errors
// or wrap one of these; callers test with errors.Is.
var (
	// ErrArgument is an invalid pin, address or option.
	ErrArgument = errors.New("invalid argument")
	// ErrInvalidState is an operation attempted before a successful init.
	ErrInvalidState = errors.New("invalid state")
	// ErrBus is a transaction level failure: NACK, no presence, disconnect.
	ErrBus = errors.New("bus error")
	// ErrTimeout is a device that did not respond within its protocol window.
	ErrTimeout = errors.New("timeout")
	// ErrIntegrity is a checksum mismatch.
	ErrIntegrity = errors.New("integrity error")
	// ErrGlitch is a plausible looking but known bad sample. It is used for
	// value rejection and is never returned by a driver.
	ErrGlitch = errors.New("sensor glitch")
)
