// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains helpers shared by the drivers of this module: the
// Sensirion style CRC-8 and the error taxonomy every driver maps its failures
// onto.
package common

// CRC8 calculates the MSB-first 8-bit CRC (x^8+x^5+x^4+1, initial value 0xFF)
// used by Aosong and Sensirion devices, including the AHT20.
func CRC8(bytes []byte) byte {
	var crc byte = 0xff
	for _, val := range bytes {
		crc ^= val
		for range 8 {
			if (crc & 0x80) == 0 {
				crc <<= 1
			} else {
				crc = (crc << 1) ^ 0x31
			}
		}
	}
	return crc
}
