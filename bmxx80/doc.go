// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bmxx80 controls a Bosch BME280 or BMP280 over I²C in forced mode.
//
// The chip is detected from its ID register and both models share the same
// temperature and pressure compensation; only the BME280 measures humidity.
// The compensation uses the datasheet integer formulas verbatim.
//
// # Datasheet
//
// https://www.bosch-sensortec.com/media/boschsensortec/downloads/datasheets/bst-bme280-ds002.pdf
//
// https://www.bosch-sensortec.com/media/boschsensortec/downloads/datasheets/bst-bmp280-ds001.pdf
package bmxx80
