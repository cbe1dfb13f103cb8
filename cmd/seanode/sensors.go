// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/GermanBionicSystems/seasensor/aht20"
	"github.com/GermanBionicSystems/seasensor/battery"
	"github.com/GermanBionicSystems/seasensor/bmxx80"
	"github.com/GermanBionicSystems/seasensor/ds18b20"
	"github.com/GermanBionicSystems/seasensor/ds248x"
	"github.com/GermanBionicSystems/seasensor/internal/config"
	"github.com/GermanBionicSystems/seasensor/internal/fusion"
	"github.com/GermanBionicSystems/seasensor/internal/iioadc"
	"github.com/GermanBionicSystems/seasensor/onewirebb"
	"github.com/GermanBionicSystems/seasensor/ultrasonic"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// openSensors returns the openers of the devices the configuration
// describes. A device whose bus or pins are missing is left out.
func openSensors(cfg *config.Config, bus i2c.Bus, log *slog.Logger) fusion.Sensors {
	var s fusion.Sensors
	if bus != nil {
		s.OpenBME = func() (fusion.EnvSensor, error) {
			d, err := bmxx80.NewI2C(bus, nil)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
		s.OpenAHT = func() (fusion.EnvSensor, error) {
			d, err := aht20.NewI2C(bus, nil)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	}
	water := ds18b20.DefaultOpts
	water.Logger = log
	if addr := cfg.Pins.OneWireBridge; addr != 0 && bus != nil {
		s.OpenWater = func() (fusion.EnvSensor, error) {
			ow, err := ds248x.New(bus, addr, nil)
			if err != nil {
				return nil, err
			}
			d, err := ds18b20.New(ow, &water)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	} else if pin := pinByName(cfg.Pins.OneWire); pin != nil {
		s.OpenWater = func() (fusion.EnvSensor, error) {
			ow, err := onewirebb.New(pin, nil)
			if err != nil {
				return nil, err
			}
			d, err := ds18b20.New(ow, &water)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	} else {
		log.Info("no water probe", "pin", cfg.Pins.OneWire)
	}
	if trig := pinByName(cfg.Pins.Trig); trig != nil {
		echo := pinByName(cfg.Pins.Echo)
		o := ultrasonicOpts(cfg.Ultrasonic)
		s.OpenRange = func() (fusion.Ranger, error) {
			d, err := ultrasonic.New(trig, echo, &o)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	} else {
		log.Info("no sea level sensor", "pin", cfg.Pins.Trig)
	}
	if a := cfg.Battery.ADC; a.Device != "" {
		o := batteryOpts(cfg.Battery)
		dir := filepath.Join(iioadc.DevicesRoot, a.Device)
		s.OpenBattery = func() (fusion.BatteryReader, error) {
			adc, err := iioadc.Open(dir, a.Channel, a.Bits)
			if err != nil {
				return nil, err
			}
			d, err := battery.New(adc, &o)
			if err != nil {
				_ = adc.Halt()
				return nil, err
			}
			return d, nil
		}
	}
	return s
}

// pinByName returns nil for an empty or unknown name.
func pinByName(name string) gpio.PinIO {
	if name == "" {
		return nil
	}
	return gpioreg.ByName(name)
}

func ultrasonicOpts(u config.Ultrasonic) ultrasonic.Opts {
	return ultrasonic.Opts{
		Profile:       u.Profile,
		Samples:       u.Samples,
		SampleSpacing: time.Duration(u.SpacingMS) * time.Millisecond,
		Window:        u.WindowCM,
	}
}

func batteryOpts(b config.Battery) battery.Opts {
	o := battery.Opts{
		R1:        b.R1,
		R2:        b.R2,
		FullScale: physic.ElectricPotential(b.FullScaleMV * float64(physic.MilliVolt)),
		MaxRaw:    b.MaxRaw,
	}
	for _, p := range b.Curve {
		o.Curve = append(o.Curve, battery.Point{Raw: p.Raw, MilliVolt: p.MilliVolt})
	}
	return o
}
