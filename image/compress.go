// Package image prepares product photos for vision upload: EXIF orientation
// is applied and large photos are downscaled and re-encoded as JPEG.
package image

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/apex/log"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"
)

const (
	DefaultMaxDimension = 1568
	DefaultQuality      = 85
)

// Options bound the output photo.
type Options struct {
	MaxDimension int // longest side in pixels
	Quality      int // JPEG quality 1..100
}

func (o Options) normalized() Options {
	if o.MaxDimension <= 0 {
		o.MaxDimension = DefaultMaxDimension
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultQuality
	}
	return o
}

// Orientation reads the EXIF orientation tag; 1 when absent or unreadable.
func Orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// Orient returns img as it should be displayed for the given EXIF
// orientation.
func Orient(img image.Image, orientation int) image.Image {
	if orientation <= 1 || orientation > 8 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	swap := orientation >= 5

	outW, outH := w, h
	if swap {
		outW, outH = h, w
	}
	out := image.NewRGBA(image.Rect(0, 0, outW, outH))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := orientedPoint(orientation, x, y, w, h)
			out.Set(dx, dy, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}

// orientedPoint maps source pixel (x, y) of a w×h image to its
// destination for the orientation.
func orientedPoint(orientation, x, y, w, h int) (int, int) {
	switch orientation {
	case 2: // mirror horizontal
		return w - 1 - x, y
	case 3: // rotate 180
		return w - 1 - x, h - 1 - y
	case 4: // mirror vertical
		return x, h - 1 - y
	case 5: // transpose
		return y, x
	case 6: // rotate 90 cw
		return h - 1 - y, x
	case 7: // transverse
		return h - 1 - y, w - 1 - x
	case 8: // rotate 90 ccw
		return y, w - 1 - x
	}
	return x, y
}

// Compress orients and downsizes a photo. Data that cannot be decoded is
// returned unchanged together with the decode error so callers can still
// pass it on. Photos that are already small and upright are returned as is.
func Compress(data []byte, opts Options) ([]byte, error) {
	opts = opts.normalized()
	orientation := Orientation(data)

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, fmt.Errorf("failed to decode image: %w", err)
	}

	if orientation != 1 {
		img = Orient(img, orientation)
		log.Debugf("image: applied orientation %d", orientation)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= opts.MaxDimension && h <= opts.MaxDimension {
		if orientation == 1 && format == "jpeg" {
			return data, nil
		}
		return encode(img, opts.Quality)
	}

	scale := float64(opts.MaxDimension) / float64(w)
	if s := float64(opts.MaxDimension) / float64(h); s < scale {
		scale = s
	}
	nw, nh := max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	out, err := encode(dst, opts.Quality)
	if err != nil {
		return data, err
	}
	log.Debugf("image: resized %dx%d -> %dx%d (%d -> %d bytes)", w, h, nw, nh, len(data), len(out))
	return out, nil
}

// CompressAll applies Compress to each photo; failures keep the original.
func CompressAll(photos [][]byte, opts Options) [][]byte {
	out := make([][]byte, len(photos))
	for i, p := range photos {
		c, err := Compress(p, opts)
		if err != nil {
			log.WithError(err).Warnf("image: photo %d kept uncompressed", i)
		}
		out[i] = c
	}
	return out
}

func encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
