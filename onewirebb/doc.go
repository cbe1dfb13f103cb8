// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewirebb implements a 1-wire bus master in software over a GPIO.
//
// It is meant for a single device on a short cable, like a waterproof
// DS18B20 probe. The bit timings rely on the clock being able to spin for a
// few microseconds, which periph's host/cpu.Nanospin provides.
//
// # Datasheet
//
// https://www.analog.com/en/resources/technical-articles/1wire-communication-through-software.html
package onewirebb
