// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package display renders the fused snapshot on the console panel.
//
// The panel has two screens of text items and a sea level gauge. It owns the
// Display power domain: Show turns it on and Tick turns it off once the
// configured on time has elapsed.
package display

import (
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GermanBionicSystems/seasensor/internal/config"
	"github.com/GermanBionicSystems/seasensor/internal/fusion"
	"github.com/GermanBionicSystems/seasensor/internal/power"
	"github.com/GermanBionicSystems/seasensor/internal/timeutil"
	"github.com/GermanBionicSystems/seasensor/screen1d"
	"github.com/chewxy/math32"
	"github.com/mattn/go-colorable"
)

// FullScaleCM is the sea level shown as a full gauge.
const FullScaleCM = 400

// GaugeColor is the color of the lit part of the gauge.
var GaugeColor = color.NRGBA{R: 0x20, G: 0x90, B: 0xff, A: 0xff}

// Opts holds the configuration options.
type Opts struct {
	// Gate switches the Display domain. Nil means always powered.
	Gate power.Gate
	// Clock times the on period.
	Clock timeutil.Clock
	// Logger receives power failures. Nil discards them.
	Logger *slog.Logger
	// W receives the text lines. It defaults to a colorable stdout.
	W io.Writer
	// Gauge is optional.
	Gauge *screen1d.Dev
	// OnSeconds is how long the panel stays on after Show; 0 means forever.
	OnSeconds int
	// Screens lists the items of each screen, see config.Display.Screens.
	Screens [2][]string
	// IP returns the address shown by the ip_address item.
	IP func() string
}

// Panel is the console panel.
type Panel struct {
	gate    power.Gate
	clock   timeutil.Clock
	log     *slog.Logger
	w       io.Writer
	gauge   *screen1d.Dev
	onFor   time.Duration
	screens [2][]string
	ip      func() string

	mu      sync.Mutex
	screen  int
	on      bool
	shownAt time.Time
	last    fusion.Snapshot
}

// New returns a Panel, initially off.
func New(opts *Opts) *Panel {
	p := &Panel{
		gate:    opts.Gate,
		clock:   opts.Clock,
		log:     opts.Logger,
		w:       opts.W,
		gauge:   opts.Gauge,
		onFor:   time.Duration(opts.OnSeconds) * time.Second,
		screens: opts.Screens,
		ip:      opts.IP,
	}
	for i := range p.screens {
		if len(p.screens[i]) == 0 {
			p.screens[i] = config.SanitizeItems(nil, i)
		}
	}
	if p.gate == nil {
		p.gate = power.Nop{}
	}
	if p.clock == nil {
		p.clock = timeutil.RealClock{}
	}
	if p.log == nil {
		p.log = slog.New(slog.DiscardHandler)
	}
	if p.w == nil {
		p.w = colorable.NewColorableStdout()
	}
	if p.ip == nil {
		p.ip = func() string { return "-" }
	}
	return p
}

func (p *Panel) String() string {
	return fmt.Sprintf("Panel{screen%d}", p.Screen()+1)
}

// Show powers the panel, restarts the on period and renders s on the
// current screen.
func (p *Panel) Show(s fusion.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = s
	if !p.on {
		if err := p.gate.Set(power.Display, true); err != nil {
			return err
		}
		p.on = true
	}
	p.shownAt = p.clock.Now()
	return p.render()
}

// Refresh renders s without touching the on period. It does nothing while
// the panel is off.
func (p *Panel) Refresh(s fusion.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = s
	if !p.on {
		return nil
	}
	return p.render()
}

// NextScreen switches to the other screen and shows the last snapshot.
func (p *Panel) NextScreen() error {
	p.mu.Lock()
	p.screen = (p.screen + 1) % len(p.screens)
	s := p.last
	p.mu.Unlock()
	return p.Show(s)
}

// Screen returns the index of the current screen.
func (p *Panel) Screen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.screen
}

// On reports whether the panel is powered.
func (p *Panel) On() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}

// Tick turns the panel off once the on period elapsed.
func (p *Panel) Tick() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.on || p.onFor == 0 || p.clock.Since(p.shownAt) < p.onFor {
		return nil
	}
	return p.off()
}

// Halt implements conn.Resource.
func (p *Panel) Halt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.on {
		return nil
	}
	return p.off()
}

func (p *Panel) off() error {
	if p.gauge != nil {
		if err := p.gauge.Clear(); err != nil {
			p.log.Debug("gauge clear failed", "err", err)
		}
	}
	if err := p.gate.Set(power.Display, false); err != nil {
		return err
	}
	p.on = false
	p.log.Debug("display off")
	return nil
}

func (p *Panel) render() error {
	var b strings.Builder
	fmt.Fprintf(&b, "-- screen %d --\n", p.screen+1)
	for _, l := range Lines(p.screens[p.screen], p.last, p.ip()) {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if _, err := io.WriteString(p.w, b.String()); err != nil {
		return err
	}
	if p.gauge == nil {
		return nil
	}
	return p.gauge.Gauge(p.last.SeaLevelCM/FullScaleCM, GaugeColor, fmt.Sprintf("%.1fcm", p.last.SeaLevelCM))
}

// Lines formats the items of one screen. Unknown items are skipped.
func Lines(items []string, s fusion.Snapshot, ip string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if l := line(item, s, ip); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func line(item string, s fusion.Snapshot, ip string) string {
	switch item {
	case config.ItemWaterTemp:
		return fmt.Sprintf("Water %.1fC", s.WaterTempC)
	case config.ItemSeaLevel:
		return fmt.Sprintf("Sea %.1fcm", s.SeaLevelCM)
	case config.ItemAirTemp:
		return fmt.Sprintf("Air %.1fC", s.AirTempC)
	case config.ItemHumidity:
		return fmt.Sprintf("Hum %.0f%%", s.HumidityPercent)
	case config.ItemPressure:
		return fmt.Sprintf("Press %.1fhPa", s.AirPressureHPa)
	case config.ItemBatteryPercent:
		return fmt.Sprintf("Batt %.0f%%", math32.Round(s.BatteryPercent))
	case config.ItemBatteryVoltage:
		return fmt.Sprintf("Batt %.2fV", s.BatteryVoltage)
	case config.ItemIPAddress:
		return "IP " + ip
	default:
		return ""
	}
}
