// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/GermanBionicSystems/seasensor/internal/config"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
)

// New returns a logger configured by cfg.
//
// The text format is colourised by tint on a terminal aware stdout, the json
// format is meant for log collectors. Every record carries the device name,
// the version and a boot id unique to this process.
func New(cfg config.Log, device, version string) (*slog.Logger, error) {
	return newLogger(cfg, device, version, nil)
}

func newLogger(cfg config.Log, device, version string, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	var h slog.Handler
	switch cfg.Format {
	case "", "text":
		noColor := w != nil
		if w == nil {
			w = colorable.NewColorableStdout()
		}
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    noColor,
		})
	case "json":
		if w == nil {
			w = os.Stdout
		}
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}
	return slog.New(h).With(
		"device", device,
		"version", version,
		"boot", uuid.NewString(),
	), nil
}
