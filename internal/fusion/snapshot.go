// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fusion

import (
	"time"

	"github.com/chewxy/math32"
)

// Snapshot is the fused reading of the node.
type Snapshot struct {
	WaterTempC      float32
	SeaLevelCM      float32
	AirTempC        float32
	HumidityPercent float32
	AirPressureHPa  float32
	BatteryPercent  float32
	BatteryVoltage  float32
}

// DefaultSnapshot is the reading reported until the sensors answer.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		WaterTempC:      10,
		SeaLevelCM:      0,
		AirTempC:        5,
		HumidityPercent: 80,
		AirPressureHPa:  1013.25,
		BatteryPercent:  100,
		BatteryVoltage:  4.1,
	}
}

// Offset limits.
const (
	MaxTempOffsetC   = 20
	MaxLevelOffsetCM = 200
)

// Offsets are additive calibration corrections.
type Offsets struct {
	WaterTempC float32 `yaml:"water_temp_c"`
	SeaLevelCM float32 `yaml:"sea_level_cm"`
	AirTempC   float32 `yaml:"air_temp_c"`
}

// Clamp returns o limited to ±MaxTempOffsetC for temperatures and
// ±MaxLevelOffsetCM for the sea level.
func (o Offsets) Clamp() Offsets {
	return Offsets{
		WaterTempC: clamp(o.WaterTempC, MaxTempOffsetC),
		SeaLevelCM: clamp(o.SeaLevelCM, MaxLevelOffsetCM),
		AirTempC:   clamp(o.AirTempC, MaxTempOffsetC),
	}
}

func clamp(v, limit float32) float32 {
	if math32.IsNaN(v) {
		return 0
	}
	return math32.Max(-limit, math32.Min(limit, v))
}

// Freshness holds the time of the last successful update of each field. A
// zero time means the field still holds its default.
type Freshness struct {
	WaterTemp time.Time
	SeaLevel  time.Time
	AirTemp   time.Time
	Humidity  time.Time
	Pressure  time.Time
	Battery   time.Time
}
