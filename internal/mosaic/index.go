// Package mosaic assembles georeferenced tiles into field-extent rasters.
//
// A job first builds an Index (a virtual mosaic: tile headers plus their union extent,
// persisted as a VRT descriptor) and then materialises it at one or more resolutions.
// Two compositing policies exist: SinglePass, where the later tile in index order wins,
// and DarkestOfN, which splits the tiles into groups and keeps the darkest covered
// pixel across groups.
package mosaic

import (
	"bufio"
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/kiesman99/fieldstitch/internal/writer"
	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// MissingTileError is returned when a tile referenced by a job cannot be read
type MissingTileError struct {
	Path string
	Err  error
}

func (e *MissingTileError) Error() string {
	return fmt.Sprintf("missing tile %s: %v", e.Path, e.Err)
}

func (e *MissingTileError) Unwrap() error {
	return e.Err
}

// Index is an ordered set of tiles composing one raster. No pixel data is held.
type Index struct {
	Tiles  []tile.GeoTile
	Extent tile.BoundingBox
	// PixelW and PixelH are the mosaic resolution in degrees
	PixelW   float64
	PixelH   float64
	Bands    int
	BitDepth int
}

// Transform is the geotransform of the mosaic at native resolution
func (idx *Index) Transform() tile.GeoTransform {
	return tile.GeoTransform{idx.Extent.LngMin, idx.PixelW, 0, idx.Extent.LatMax, 0, -idx.PixelH}
}

// Size is the mosaic raster size at native resolution
func (idx *Index) Size() (width, height int) {
	return pixelCount(idx.Extent.Width(), idx.PixelW), pixelCount(idx.Extent.Height(), idx.PixelH)
}

// Paths lists the tile paths in index order
func (idx *Index) Paths() []string {
	out := make([]string, len(idx.Tiles))
	for i, t := range idx.Tiles {
		out[i] = t.Path
	}
	return out
}

// NewIndex derives extent and resolution from tiles. Resolution is the average
// tile pixel size.
func NewIndex(tiles []tile.GeoTile) (*Index, error) {
	if len(tiles) == 0 {
		return nil, fmt.Errorf("cannot index an empty tile list")
	}
	idx := &Index{Tiles: tiles, Extent: tiles[0].Bounds()}
	for _, t := range tiles {
		idx.Extent = idx.Extent.Union(t.Bounds())
		idx.PixelW += t.Transform.PixelWidth()
		idx.PixelH += t.Transform.PixelHeight()
		if b := t.ColorBands(); b > idx.Bands {
			idx.Bands = b
		}
		if t.BitDepth > idx.BitDepth {
			idx.BitDepth = t.BitDepth
		}
	}
	idx.PixelW /= float64(len(tiles))
	idx.PixelH /= float64(len(tiles))
	if err := idx.Extent.Validate(); err != nil {
		return nil, err
	}
	return idx, nil
}

// BuildIndex reads the header of every path. The first unreadable path in list
// order fails the build with a MissingTileError.
func BuildIndex(ctx context.Context, fs afero.Fs, paths []string, workers int) (*Index, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("cannot index an empty tile list")
	}

	tiles := make([]tile.GeoTile, len(paths))
	errs := make([]error, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize(workers))
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t, err := writer.ReadTile(fs, p)
			if err != nil {
				errs[i] = &MissingTileError{Path: p, Err: err}
				return nil
			}
			tiles[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return NewIndex(tiles)
}

// LoadTileList reads a newline separated list of tile paths. Blank lines and
// lines starting with # are ignored.
func LoadTileList(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening tile list %s", path)
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading tile list %s", path)
	}
	return paths, nil
}

func poolSize(workers int) int {
	if workers <= 0 {
		return runtime.NumCPU()
	}
	return workers
}

// pixelCount is the number of whole pixels of size px spanning extent
func pixelCount(extent, px float64) int {
	n := int(extent/px + 0.5)
	if n < 1 {
		return 1
	}
	return n
}
