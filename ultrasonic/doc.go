// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ultrasonic measures distances with a trigger/echo ultrasonic
// module like the HC-SR04 or the waterproof JSN-SR04T, on two pins or on a
// single shared pin.
//
// The echo pulse is timed by busy-waiting on the pin level so the result
// depends on the scheduling of the calling goroutine. Each measurement is the
// mean of several pings, discarding those far from the first one.
package ultrasonic
