// Package palette draws the color palette of a specification as a PNG.
package palette

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fogleman/gg"
)

var ErrNoColors = errors.New("no colors to render")

// Options sizes one swatch; the image is one row of swatches with a
// caption strip underneath.
type Options struct {
	SwatchSize int
	Caption    int
	MaxColors  int
}

func DefaultOptions() Options {
	return Options{SwatchSize: 160, Caption: 28, MaxColors: 12}
}

// Render draws colors ("#RRGGBB") left to right with their codes below.
func Render(colors []string, opts Options) ([]byte, error) {
	if len(colors) == 0 {
		return nil, ErrNoColors
	}
	if opts.SwatchSize <= 0 {
		opts = DefaultOptions()
	}
	if opts.MaxColors > 0 && len(colors) > opts.MaxColors {
		colors = colors[:opts.MaxColors]
	}

	w, h := opts.SwatchSize*len(colors), opts.SwatchSize+opts.Caption
	dc := gg.NewContext(w, h)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	for i, c := range colors {
		x := float64(i * opts.SwatchSize)
		dc.SetHexColor(c)
		dc.DrawRectangle(x, 0, float64(opts.SwatchSize), float64(opts.SwatchSize))
		dc.Fill()

		dc.SetRGB(0.2, 0.2, 0.2)
		dc.DrawStringAnchored(c, x+float64(opts.SwatchSize)/2, float64(opts.SwatchSize)+float64(opts.Caption)/2, 0.5, 0.5)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode palette: %w", err)
	}
	return buf.Bytes(), nil
}
