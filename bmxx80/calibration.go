// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bmxx80

import "encoding/binary"

// Calibration is the factory trimming stored in the sensor NVM.
//
// It is decoded once at initialization and never modified afterwards. The
// humidity coefficients are only meaningful on a BME280.
type Calibration struct {
	T1 uint16
	T2 int16
	T3 int16

	P1 uint16
	P2 int16
	P3 int16
	P4 int16
	P5 int16
	P6 int16
	P7 int16
	P8 int16
	P9 int16

	H1 uint8
	H2 int16
	H3 uint8
	H4 int16
	H5 int16
	H6 int8
}

// newCalibration decodes the 26 bytes block at 0x88 and, when not nil, the
// 7 bytes block at 0xE1.
func newCalibration(tp, h []byte) Calibration {
	le := binary.LittleEndian
	c := Calibration{
		T1: le.Uint16(tp[0:]),
		T2: int16(le.Uint16(tp[2:])),
		T3: int16(le.Uint16(tp[4:])),
		P1: le.Uint16(tp[6:]),
		P2: int16(le.Uint16(tp[8:])),
		P3: int16(le.Uint16(tp[10:])),
		P4: int16(le.Uint16(tp[12:])),
		P5: int16(le.Uint16(tp[14:])),
		P6: int16(le.Uint16(tp[16:])),
		P7: int16(le.Uint16(tp[18:])),
		P8: int16(le.Uint16(tp[20:])),
		P9: int16(le.Uint16(tp[22:])),
		// tp[24] is reserved.
		H1: tp[25],
	}
	if h != nil {
		c.H2 = int16(le.Uint16(h[0:]))
		c.H3 = h[2]
		// H4 and H5 share the nibbles of 0xE5.
		c.H4 = int16(h[3])<<4 | int16(h[4]&0x0F)
		c.H5 = int16(h[5])<<4 | int16(h[4]>>4)
		c.H6 = int8(h[6])
	}
	return c
}

// CompensateT returns the temperature in 0.01°C and the fine resolution
// temperature used by the pressure and humidity compensation.
//
// Datasheet section 4.2.3, 32 bits integer arithmetic.
func (c *Calibration) CompensateT(adcT int32) (int32, int32) {
	var1 := (((adcT >> 3) - (int32(c.T1) << 1)) * int32(c.T2)) >> 11
	a := (adcT >> 4) - int32(c.T1)
	var2 := (((a * a) >> 12) * int32(c.T3)) >> 14
	tFine := var1 + var2
	return (tFine*5 + 128) >> 8, tFine
}

// CompensateP returns the pressure in Pa as unsigned Q24.8, so 24674867
// represents 24674867/256 = 96386.2 Pa.
//
// Datasheet section 4.2.3, 64 bits integer arithmetic. Returns 0 when the
// calibration would divide by zero.
func (c *Calibration) CompensateP(adcP, tFine int32) uint32 {
	var1 := int64(tFine) - 128000
	var2 := var1 * var1 * int64(c.P6)
	var2 += (var1 * int64(c.P5)) << 17
	var2 += int64(c.P4) << 35
	var1 = ((var1 * var1 * int64(c.P3)) >> 8) + ((var1 * int64(c.P2)) << 12)
	var1 = (((int64(1) << 47) + var1) * int64(c.P1)) >> 33
	if var1 == 0 {
		return 0
	}
	p := int64(1048576 - adcP)
	p = (((p << 31) - var2) * 3125) / var1
	var1 = (int64(c.P9) * (p >> 13) * (p >> 13)) >> 25
	var2 = (int64(c.P8) * p) >> 19
	p = ((p + var1 + var2) >> 8) + (int64(c.P7) << 4)
	return uint32(p)
}

// CompensateH returns the relative humidity in % as unsigned Q22.10, so 47445
// represents 47445/1024 = 46.333%.
//
// Datasheet section 4.2.3, 32 bits integer arithmetic.
func (c *Calibration) CompensateH(adcH, tFine int32) uint32 {
	v := tFine - 76800
	a := (((adcH << 14) - (int32(c.H4) << 20) - (int32(c.H5) * v)) + 16384) >> 15
	b := (((((v*int32(c.H6))>>10)*(((v*int32(c.H3))>>11)+32768))>>10)+2097152)*int32(c.H2) + 8192
	v = a * (b >> 14)
	v -= ((((v >> 15) * (v >> 15)) >> 7) * int32(c.H1)) >> 4
	if v < 0 {
		v = 0
	}
	if v > 419430400 {
		v = 419430400
	}
	return uint32(v >> 12)
}
