// Package capture turns raw stereo camera buffers into pixel rasters.
package capture

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// CaptureBuffer is one raw sensor readout. It is never modified after being read.
type CaptureBuffer struct {
	Data     []byte
	BitDepth int
	Side     tile.Side
}

// BayerPattern names the colour filter layout starting at pixel (0,0)
type BayerPattern string

const (
	BayerNone BayerPattern = ""
	BayerRGGB BayerPattern = "RGGB"
	BayerGRBG BayerPattern = "GRBG"
	BayerGBRG BayerPattern = "GBRG"
	BayerBGGR BayerPattern = "BGGR"
)

// ParseBayerPattern accepts a pattern name, empty or "none" for single channel output
func ParseBayerPattern(s string) (BayerPattern, error) {
	switch p := BayerPattern(strings.ToUpper(strings.TrimSpace(s))); p {
	case BayerNone, "NONE":
		return BayerNone, nil
	case BayerRGGB, BayerGRBG, BayerGBRG, BayerBGGR:
		return p, nil
	}
	return BayerNone, fmt.Errorf("unknown bayer pattern %q", s)
}

// DecodeOptions controls raster reconstruction
type DecodeOptions struct {
	// Demosaic interpolates an RGB raster when set; otherwise the raw channel is returned.
	Demosaic BayerPattern
}

// BytesPerPixel is the storage size of one sample at bitDepth
func BytesPerPixel(bitDepth int) int {
	return (bitDepth + 7) / 8
}

// ReadCapture loads a raw .bin file
func ReadCapture(fs afero.Fs, path string, bitDepth int, side tile.Side) (CaptureBuffer, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return CaptureBuffer{}, errors.Wrapf(err, "reading %s capture %s", side, path)
	}
	return CaptureBuffer{Data: data, BitDepth: bitDepth, Side: side}, nil
}

// Decode reconstructs a width x height raster from buf. The buffer length must match the
// shape exactly; nothing is truncated or padded.
func Decode(buf CaptureBuffer, shape Shape, opts DecodeOptions) (image.Image, error) {
	if buf.BitDepth < 1 || buf.BitDepth > 16 {
		return nil, fmt.Errorf("unsupported bit depth %d for %s capture", buf.BitDepth, buf.Side)
	}
	if shape.Width <= 0 || shape.Height <= 0 {
		return nil, &ShapeUnavailableError{Side: buf.Side, Reason: fmt.Sprintf("invalid dimensions %dx%d", shape.Width, shape.Height)}
	}

	bpp := BytesPerPixel(buf.BitDepth)
	expected := shape.Width * shape.Height * bpp
	if len(buf.Data) != expected {
		return nil, &MalformedCaptureError{
			Side:     buf.Side,
			Shape:    shape,
			BitDepth: buf.BitDepth,
			Expected: expected,
			Actual:   len(buf.Data),
		}
	}

	rect := image.Rect(0, 0, shape.Width, shape.Height)
	var raw image.Image
	if bpp == 1 {
		img := image.NewGray(rect)
		copy(img.Pix, buf.Data)
		raw = img
	} else {
		// sensor words are little-endian, right-aligned; scale them to the full 16-bit range
		img := image.NewGray16(rect)
		shift := uint(16 - buf.BitDepth)
		for i := 0; i < shape.Width*shape.Height; i++ {
			v := binary.LittleEndian.Uint16(buf.Data[i*2:]) << shift
			img.Pix[i*2] = uint8(v >> 8)
			img.Pix[i*2+1] = uint8(v)
		}
		raw = img
	}

	if opts.Demosaic == BayerNone {
		return raw, nil
	}
	return demosaic(raw, opts.Demosaic, bpp == 2)
}

// demosaic performs bilinear Bayer interpolation with replicated edges
func demosaic(raw image.Image, pattern BayerPattern, wide bool) (image.Image, error) {
	b := raw.Bounds()
	w, h := b.Dx(), b.Dy()

	var sample func(x, y int) float64
	switch img := raw.(type) {
	case *image.Gray:
		sample = func(x, y int) float64 { return float64(img.Pix[y*img.Stride+x]) }
	case *image.Gray16:
		sample = func(x, y int) float64 {
			i := y*img.Stride + x*2
			return float64(uint16(img.Pix[i])<<8 | uint16(img.Pix[i+1]))
		}
	default:
		return nil, fmt.Errorf("cannot demosaic %T", raw)
	}

	// offsets of the red site within the 2x2 cell
	var rx, ry int
	switch pattern {
	case BayerRGGB:
		rx, ry = 0, 0
	case BayerGRBG:
		rx, ry = 1, 0
	case BayerGBRG:
		rx, ry = 0, 1
	case BayerBGGR:
		rx, ry = 1, 1
	default:
		return nil, fmt.Errorf("unknown bayer pattern %q", pattern)
	}

	clamp := func(v, max int) int {
		if v < 0 {
			return 0
		}
		if v >= max {
			return max - 1
		}
		return v
	}
	px := func(x, y int) float64 {
		return sample(clamp(x, w), clamp(y, h))
	}

	var out rgbSink
	if wide {
		out = rgba64Canvas{image.NewRGBA64(b)}
	} else {
		out = rgbaCanvas{image.NewRGBA(b)}
	}

	for y := 0; y < h; y++ {
		redRow := (y & 1) == ry
		for x := 0; x < w; x++ {
			redCol := (x & 1) == rx
			cross := (px(x-1, y) + px(x+1, y) + px(x, y-1) + px(x, y+1)) / 4
			diag := (px(x-1, y-1) + px(x+1, y-1) + px(x-1, y+1) + px(x+1, y+1)) / 4
			horiz := (px(x-1, y) + px(x+1, y)) / 2
			vert := (px(x, y-1) + px(x, y+1)) / 2

			var r, g, bl float64
			switch {
			case redRow && redCol:
				r, g, bl = px(x, y), cross, diag
			case redRow && !redCol:
				r, g, bl = horiz, px(x, y), vert
			case !redRow && redCol:
				r, g, bl = vert, px(x, y), horiz
			default:
				r, g, bl = diag, cross, px(x, y)
			}
			out.set(x, y, r, g, bl)
		}
	}
	return out.result(), nil
}

type rgbSink interface {
	set(x, y int, r, g, b float64)
	result() image.Image
}

type rgbaCanvas struct{ img *image.RGBA }

func (c rgbaCanvas) set(x, y int, r, g, b float64) {
	c.img.SetRGBA(x, y, color.RGBA{R: uint8(r + 0.5), G: uint8(g + 0.5), B: uint8(b + 0.5), A: 0xff})
}

func (c rgbaCanvas) result() image.Image { return c.img }

type rgba64Canvas struct{ img *image.RGBA64 }

func (c rgba64Canvas) set(x, y int, r, g, b float64) {
	c.img.SetRGBA64(x, y, color.RGBA64{R: uint16(r + 0.5), G: uint16(g + 0.5), B: uint16(b + 0.5), A: 0xffff})
}

func (c rgba64Canvas) result() image.Image { return c.img }
