package mosaic

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/kiesman99/fieldstitch/internal/geotiff"
	"github.com/kiesman99/fieldstitch/internal/logging"
	"github.com/kiesman99/fieldstitch/internal/writer"
	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// Resolution is one requested output of a job. Scale is relative to the mosaic's
// native pixel size: 1 renders at full resolution, 0.1 at a tenth of each axis.
type Resolution struct {
	Name  string  `json:"name" mapstructure:"name"`
	Scale float64 `json:"scale" mapstructure:"scale"`
	Path  string  `json:"path" mapstructure:"path"`
}

// tileLoader returns the decoded pixels of a tile
type tileLoader func(path string) (image.Image, error)

// loadTile decodes the raster at path. Any failure is reported as a missing tile.
func loadTile(fs afero.Fs) tileLoader {
	return func(path string) (image.Image, error) {
		f, err := fs.Open(path)
		if err != nil {
			return nil, &MissingTileError{Path: path, Err: err}
		}
		defer f.Close()

		img, err := geotiff.Decode(f)
		if err != nil {
			return nil, &MissingTileError{Path: path, Err: err}
		}
		return img, nil
	}
}

// tileCache keeps the most recently decoded tiles. Cells of one group touch the
// same captures repeatedly, so decoding each capture once per cell is avoided.
type tileCache struct {
	load tileLoader
	size int

	mu     sync.Mutex
	images map[string]image.Image
	order  []string
}

func newTileCache(load tileLoader, size int) *tileCache {
	if size < 1 {
		size = 1
	}
	return &tileCache{load: load, size: size, images: make(map[string]image.Image)}
}

func (c *tileCache) get(path string) (image.Image, error) {
	c.mu.Lock()
	if img, ok := c.images[path]; ok {
		c.mu.Unlock()
		return img, nil
	}
	c.mu.Unlock()

	img, err := c.load(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.images[path]; !ok {
		c.images[path] = img
		c.order = append(c.order, path)
		for len(c.order) > c.size {
			delete(c.images, c.order[0])
			c.order = c.order[1:]
		}
	}
	return img, nil
}

// newCanvas allocates the destination raster. alpha rasters record coverage.
func newCanvas(r image.Rectangle, bands, bitDepth int, alpha bool) draw.Image {
	wide := bitDepth > 8
	switch {
	case alpha && wide:
		return image.NewNRGBA64(r)
	case alpha:
		return image.NewNRGBA(r)
	case bands == 1 && wide:
		return image.NewGray16(r)
	case bands == 1:
		return image.NewGray(r)
	case wide:
		return image.NewRGBA64(r)
	}
	return image.NewRGBA(r)
}

// paint draws every tile of idx that intersects the window described by gt and
// dst's size, in index order, so later tiles overwrite earlier ones.
func paint(ctx context.Context, idx *Index, load tileLoader, dst draw.Image, gt tile.GeoTransform, interp draw.Interpolator) (int, error) {
	size := dst.Bounds()
	window := gt.Bounds(size.Dx(), size.Dy())

	drawn := 0
	for _, t := range idx.Tiles {
		if !t.Bounds().Intersects(window) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return drawn, err
		}
		src, err := load(t.Path)
		if err != nil {
			return drawn, err
		}

		// source pixel -> destination pixel
		s2d := f64.Aff3{
			t.Transform[1] / gt[1], 0, (t.Transform[0] - gt[0]) / gt[1],
			0, t.Transform[5] / gt[5], (t.Transform[3] - gt[3]) / gt[5],
		}
		sb := src.Bounds()
		s2d[2] -= float64(sb.Min.X) * s2d[0]
		s2d[5] -= float64(sb.Min.Y) * s2d[4]
		interp.Transform(dst, s2d, src, sb, draw.Over, nil)
		drawn++
	}
	return drawn, nil
}

// Translate materialises idx cropped to extent at scale and writes it to dst.
// Full or larger scales sample nearest neighbour; downsampling is bilinear.
func Translate(ctx context.Context, w *writer.Writer, idx *Index, extent tile.BoundingBox, scale float64, dst string) (tile.GeoTile, error) {
	if !(scale > 0) {
		return tile.GeoTile{}, fmt.Errorf("invalid output scale %g", scale)
	}
	if err := extent.Validate(); err != nil {
		return tile.GeoTile{}, err
	}

	width := pixelCount(extent.Width(), idx.PixelW/scale)
	height := pixelCount(extent.Height(), idx.PixelH/scale)
	gt := tile.NewGeoTransform(extent, width, height)

	var interp draw.Interpolator = draw.NearestNeighbor
	if scale < 1 {
		interp = draw.ApproxBiLinear
	}

	canvas := newCanvas(image.Rect(0, 0, width, height), idx.Bands, idx.BitDepth, false)
	drawn, err := paint(ctx, idx, loadTile(w.Fs), canvas, gt, interp)
	if err != nil {
		return tile.GeoTile{}, err
	}
	if drawn == 0 {
		logging.OrNop(w.Logger).Warnw("no tile intersects the output extent", "path", dst, "extent", extent.String())
	}

	tags := map[string]string{
		"mosaic_tiles": strconv.Itoa(drawn),
		"mosaic_scale": strconv.FormatFloat(scale, 'f', -1, 64),
	}
	return w.WriteTransform(ctx, canvas, gt, dst, tags)
}
