// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package aht20

import "github.com/GermanBionicSystems/seasensor/common"

// NotInitializedError is returned by Sense before a successful Reset or when
// the sensor reports that it lost its calibration.
type NotInitializedError struct{}

func (e *NotInitializedError) Error() string {
	return "aht20: sensor is not initialized"
}

// Is reports the error as common.ErrInvalidState.
func (e *NotInitializedError) Is(target error) bool {
	return target == common.ErrInvalidState
}

// ReadTimeoutError is returned when the measurement is not finished in time.
type ReadTimeoutError struct{}

func (e *ReadTimeoutError) Error() string {
	return "aht20: read timeout, sensor did not finish measurement in time"
}

// Is reports the error as common.ErrTimeout.
func (e *ReadTimeoutError) Is(target error) bool {
	return target == common.ErrTimeout
}

// DataCorruptionError is returned when the CRC8 of a sample does not match.
type DataCorruptionError struct{}

func (e *DataCorruptionError) Error() string {
	return "aht20: data is corrupt, CRC8 mismatch"
}

// Is reports the error as common.ErrIntegrity.
func (e *DataCorruptionError) Is(target error) bool {
	return target == common.ErrIntegrity
}
