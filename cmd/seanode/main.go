// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// seanode reads the sea and weather sensors of the node and shows the fused
// values on the console panel.
//
// Send SIGUSR1 to switch the panel to its other screen.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/GermanBionicSystems/seasensor/internal/config"
	"github.com/GermanBionicSystems/seasensor/internal/display"
	"github.com/GermanBionicSystems/seasensor/internal/fusion"
	"github.com/GermanBionicSystems/seasensor/internal/logging"
	"github.com/GermanBionicSystems/seasensor/internal/power"
	"github.com/GermanBionicSystems/seasensor/regbus"
	"github.com/GermanBionicSystems/seasensor/screen1d"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// version is set at link time.
var version = "devel"

func mainImpl() error {
	cfgPath := flag.String("config", "", "configuration file, defaults to $"+config.EnvConfig+" or seanode.yaml")
	scan := flag.Bool("scan", false, "scan the I²C bus and exit")
	once := flag.Bool("once", false, "read every sensor once, print the snapshot and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}
	if *showVersion {
		fmt.Println(version)
		return nil
	}

	config.LoadEnv()
	cfg, err := config.Load(config.Path(*cfgPath))
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.Log, cfg.DeviceName, version)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	if _, err := host.Init(); err != nil {
		return err
	}
	var bus i2c.Bus
	if b, err := i2creg.Open(cfg.Pins.I2CBus); err != nil {
		log.Warn("no I²C bus, air sensors disabled", "bus", cfg.Pins.I2CBus, "err", err)
	} else {
		defer b.Close()
		bus = b
	}
	if *scan {
		return scanBus(log, bus)
	}

	gate, err := newGate(cfg.Pins)
	if err != nil {
		return err
	}
	log.Debug("power", "gate", gate)

	c := fusion.New(openSensors(cfg, bus, log), &fusion.Opts{
		Gate:      gate,
		Logger:    log,
		Stabilize: fusion.DefaultOpts.Stabilize,
		Offsets:   cfg.Offsets,
	})
	c.Init()
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn("close", "err", err)
		}
	}()
	for name, s := range c.Readiness() {
		log.Info("device", "name", name, "state", s)
	}

	if *once {
		c.TriggerBattery()
		c.TriggerAir()
		c.TriggerSea()
		fmt.Println(strings.Join(display.Lines(config.Items, c.Snapshot(), localIP()), "\n"))
		return nil
	}

	opts := &display.Opts{
		Gate:      gate,
		Logger:    log,
		OnSeconds: cfg.Display.OnSeconds,
		Screens:   cfg.Display.Screens(),
		IP:        localIP,
	}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		if opts.Gauge, err = screen1d.New(&screen1d.Opts{X: 24}); err != nil {
			return err
		}
	}
	panel := display.New(opts)
	defer panel.Halt()
	r := newReporter(panel, log)
	r.show(c.Snapshot())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	next := make(chan os.Signal, 1)
	if len(nextScreenSignals) != 0 {
		signal.Notify(next, nextScreenSignals...)
		defer signal.Stop(next)
	}

	g, ctx := errgroup.WithContext(ctx)
	schedule := func(name string, i config.Interval, trigger func(), after func(fusion.Snapshot)) {
		d := i.Duration()
		if d == 0 {
			log.Info("measurement disabled", "category", name)
			return
		}
		g.Go(func() error {
			return every(ctx, d, func() {
				trigger()
				after(c.Snapshot())
			})
		})
	}
	schedule("battery", cfg.Intervals.Battery, c.TriggerBattery, r.refresh)
	schedule("air", cfg.Intervals.Air, c.TriggerAir, r.refresh)
	schedule("sea", cfg.Intervals.Sea, c.TriggerSea, r.sea)
	g.Go(func() error {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-next:
				if err := panel.NextScreen(); err != nil {
					log.Warn("display", "err", err)
				}
			case <-t.C:
				if err := panel.Tick(); err != nil {
					log.Warn("display", "err", err)
				}
			}
		}
	})
	log.Info("running", "config", config.Path(*cfgPath))
	err = g.Wait()
	log.Info("stopping")
	return err
}

// newGate returns the power switch of the configured pins, or a Nop gate when
// the board has none.
func newGate(p config.Pins) (power.Gate, error) {
	pins := map[power.Domain]gpio.PinOut{}
	for d, name := range map[power.Domain]string{power.SensorPod: p.SensorPod, power.Display: p.Display} {
		if name == "" {
			continue
		}
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("power: unknown pin %q for %s", name, d)
		}
		pins[d] = pin
	}
	if len(pins) == 0 {
		return power.Nop{}, nil
	}
	return power.New(pins, p.PowerActiveLow)
}

func scanBus(log *slog.Logger, bus i2c.Bus) error {
	addrs, err := regbus.Scan(bus, 0x03, 0x77)
	if err != nil {
		return err
	}
	found := make([]string, 0, len(addrs))
	for _, a := range addrs {
		found = append(found, fmt.Sprintf("%#02x", a))
	}
	log.Info("i2c scan", "found", len(addrs), "addresses", strings.Join(found, " "))
	return nil
}

// every runs f now and then at each period until ctx is done.
func every(ctx context.Context, period time.Duration, f func()) error {
	f()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			f()
		}
	}
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "seanode: %s.\n", err)
		os.Exit(1)
	}
}
