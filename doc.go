// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package seasensor is a container for the drivers and services of a sea
// and weather monitoring node.
//
// The top level packages are periph style device drivers: aht20, bmxx80,
// ds18b20 with the onewirebb and ds248x 1-wire buses, ultrasonic and battery.
// screen1d is the console gauge. internal/fusion merges their readings and
// cmd/seanode runs the node.
package seasensor
