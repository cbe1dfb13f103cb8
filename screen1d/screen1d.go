// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package screen1d implements a one line gauge strip rendered on a terminal
// with ANSI 256 colors.
//
// The node uses it as the level bar of its console panel; it also implements
// display.Drawer so any one pixel high image can be shown on it.
package screen1d

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/GermanBionicSystems/seasensor/common"
	"github.com/chewxy/math32"
	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3/display"
)

// Opts represents the options available for this display.
type Opts struct {
	// X is the number of cells.
	X int
	// Palette defaults to ansi256.Default.
	Palette *ansi256.Palette
	// W defaults to a colorable stdout.
	W io.Writer

	_ struct{}
}

// Dev is a strip of X cells printed on a single terminal line.
type Dev struct {
	w       io.Writer
	palette ansi256.Palette
	pixels  []color.NRGBA
	buf     bytes.Buffer
}

// New returns a Dev.
func New(opts *Opts) (*Dev, error) {
	if opts.X <= 0 {
		return nil, fmt.Errorf("screen1d: invalid width %d: %w", opts.X, common.ErrArgument)
	}
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	w := opts.W
	if w == nil {
		w = colorable.NewColorableStdout()
	}
	return &Dev{w: w, palette: *p, pixels: make([]color.NRGBA, opts.X)}, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("Screen1D{%d}", len(d.pixels))
}

// Halt implements conn.Resource.
//
// It resets the terminal attributes and moves to the next line.
func (d *Dev) Halt() error {
	_, err := io.WriteString(d.w, "\033[0m\n")
	return err
}

// Clear blanks every cell.
func (d *Dev) Clear() error {
	for i := range d.pixels {
		d.pixels[i] = color.NRGBA{A: 255}
	}
	return d.refresh("")
}

// Gauge lights the first fraction of the strip in c, the rest stays dark, and
// prints label after the strip. fraction is clamped to [0, 1].
func (d *Dev) Gauge(fraction float32, c color.NRGBA, label string) error {
	if math32.IsNaN(fraction) {
		fraction = 0
	}
	fraction = math32.Max(0, math32.Min(1, fraction))
	lit := int(math32.Round(fraction * float32(len(d.pixels))))
	c.A = 255
	for i := range d.pixels {
		if i < lit {
			d.pixels[i] = c
		} else {
			d.pixels[i] = color.NRGBA{A: 255}
		}
	}
	return d.refresh(label)
}

// ColorModel implements display.Drawer.
func (d *Dev) ColorModel() color.Model {
	return color.NRGBAModel
}

// Bounds implements display.Drawer.
func (d *Dev) Bounds() image.Rectangle {
	return image.Rect(0, 0, len(d.pixels), 1)
}

// Draw implements display.Drawer.
//
// Only the first row of r is used.
func (d *Dev) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	r = r.Intersect(d.Bounds())
	for x := r.Min.X; x < r.Max.X; x++ {
		p := image.Pt(sp.X+x-r.Min.X, sp.Y)
		if !p.In(src.Bounds()) {
			break
		}
		d.pixels[x] = color.NRGBAModel.Convert(src.At(p.X, p.Y)).(color.NRGBA)
	}
	return d.refresh("")
}

func (d *Dev) refresh(label string) error {
	d.buf.Reset()
	_, _ = d.buf.WriteString("\r\033[0m")
	for _, c := range d.pixels {
		_, _ = d.buf.WriteString(d.palette.Block(c))
	}
	_, _ = d.buf.WriteString("\033[0m ")
	_, _ = d.buf.WriteString(label)
	// Erase what a longer previous label left.
	_, _ = d.buf.WriteString("\033[K")
	_, err := d.buf.WriteTo(d.w)
	return err
}

var _ display.Drawer = &Dev{}
var _ fmt.Stringer = &Dev{}
