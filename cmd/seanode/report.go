// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"log/slog"
	"net"
	"sync"

	"github.com/GermanBionicSystems/seasensor/internal/fusion"
	"github.com/GermanBionicSystems/seasensor/internal/seafilter"
)

// panel is implemented by display.Panel.
type panel interface {
	Show(s fusion.Snapshot) error
	Refresh(s fusion.Snapshot) error
}

// reporter feeds the panel. The sea level shown is the filtered one; the
// filter only advances on new sea readings.
type reporter struct {
	p      panel
	log    *slog.Logger
	mu     sync.Mutex
	filter *seafilter.Filter
	level  float32
	filled bool
}

func newReporter(p panel, log *slog.Logger) *reporter {
	return &reporter{p: p, log: log, filter: seafilter.New()}
}

// sea reports s after a sea trigger.
func (r *reporter) sea(s fusion.Snapshot) {
	r.mu.Lock()
	f := r.filter.Apply(s)
	r.level, r.filled = f.SeaLevelCM, true
	r.mu.Unlock()
	r.log.Debug("sea level", "raw_cm", s.SeaLevelCM, "filtered_cm", f.SeaLevelCM)
	r.refresh(s)
}

// refresh reports s after any trigger.
func (r *reporter) refresh(s fusion.Snapshot) {
	if err := r.p.Refresh(r.filtered(s)); err != nil {
		r.log.Warn("display", "err", err)
	}
}

// show wakes the panel.
func (r *reporter) show(s fusion.Snapshot) {
	if err := r.p.Show(r.filtered(s)); err != nil {
		r.log.Warn("display", "err", err)
	}
}

func (r *reporter) filtered(s fusion.Snapshot) fusion.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled {
		s.SeaLevelCM = r.level
	}
	return s
}

// localIP returns the first non loopback IPv4 address of the host.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "-"
	}
	return firstIPv4(addrs)
}

func firstIPv4(addrs []net.Addr) string {
	for _, a := range addrs {
		n, ok := a.(*net.IPNet)
		if !ok || n.IP.IsLoopback() {
			continue
		}
		if ip4 := n.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "-"
}
