package mosaic

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/kiesman99/fieldstitch/internal/writer"
	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// Split partitions paths into n contiguous groups, preserving order. Group sizes
// differ by at most one and n is capped at len(paths).
func Split(paths []string, n int) ([][]string, error) {
	if n < 1 {
		return nil, fmt.Errorf("split count must be at least 1, got %d", n)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("cannot split an empty tile list")
	}
	if n > len(paths) {
		n = len(paths)
	}

	groups := make([][]string, 0, n)
	size, extra := len(paths)/n, len(paths)%n
	start := 0
	for k := 0; k < n; k++ {
		end := start + size
		if k < extra {
			end++
		}
		groups = append(groups, paths[start:end])
		start = end
	}
	return groups, nil
}

// groupDir is the working directory of group k (numbered from 1)
func groupDir(workDir string, k int) string {
	return filepath.Join(workDir, "split_"+strconv.Itoa(k+1))
}

func uniteDir(workDir string) string {
	return filepath.Join(workDir, "unite")
}

// clearIntermediates removes the group and unite directories left in workDir
// by an earlier run. Cells are only reused while the VRT built from them exists.
func clearIntermediates(fs afero.Fs, workDir string) error {
	dirs, err := afero.Glob(fs, filepath.Join(workDir, "split_*"))
	if err != nil {
		return errors.Wrapf(err, "listing intermediates in %s", workDir)
	}
	dirs = append(dirs, uniteDir(workDir))
	for _, dir := range dirs {
		if err := fs.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "removing stale intermediates %s", dir)
		}
	}
	return nil
}

// darkest runs the multi-pass pipeline and returns the index of the united cells:
// split, index each group, render each group onto a common grid, keep the darkest
// covered pixel where groups overlap, copy cells only one group covers.
func (c *Compositor) darkest(ctx context.Context, w *writer.Writer, job Job, splits int) (*Index, error) {
	log := c.logger()

	groups, err := Split(job.Tiles, splits)
	if err != nil {
		return nil, err
	}

	indexes := make([]*Index, len(groups))
	var tiles []tile.GeoTile
	for k, paths := range groups {
		idx, err := BuildIndex(ctx, c.Fs, paths, job.Workers)
		if err != nil {
			return nil, errors.Wrapf(err, "indexing group %d", k+1)
		}
		if err := WriteVRT(w, filepath.Join(groupDir(job.WorkDir, k), "index.vrt"), idx); err != nil {
			return nil, err
		}
		indexes[k] = idx
		tiles = append(tiles, idx.Tiles...)
	}

	// every group renders onto the grid of the whole tile set
	all, err := NewIndex(tiles)
	if err != nil {
		return nil, err
	}
	grid, err := NewGrid(all.Extent, all.PixelW, all.PixelH, job.CellSize)
	if err != nil {
		return nil, err
	}
	log.Infow("darkest-pixel grid",
		"groups", len(groups), "tiles", len(tiles),
		"width", grid.Width, "height", grid.Height, "rows", grid.Rows(), "cols", grid.Cols())

	// cell -> rendered path per group, nil where a group has no coverage
	rendered := make(map[Cell][]string)
	for k, idx := range indexes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cells, err := c.renderGroup(ctx, w, job, grid, idx, k, all.BitDepth)
		if err != nil {
			return nil, errors.Wrapf(err, "rendering group %d", k+1)
		}
		for cell, path := range cells {
			if rendered[cell] == nil {
				rendered[cell] = make([]string, len(groups))
			}
			rendered[cell][k] = path
		}
	}

	cells := make([]Cell, 0, len(rendered))
	for cell := range rendered {
		cells = append(cells, cell)
	}
	SortCells(cells)

	united := make([]string, len(cells))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize(job.Workers))
	for i, cell := range cells {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var sources []string
			for _, p := range rendered[cell] {
				if p != "" {
					sources = append(sources, p)
				}
			}
			dst := filepath.Join(uniteDir(job.WorkDir), cell.Name())
			united[i] = dst

			if len(sources) == 1 {
				return c.copyCell(w, sources[0], dst)
			}
			return c.integrateCell(gctx, w, grid, cell, sources, dst, all.BitDepth)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Infow("united cells", "cells", len(united))

	idx, err := BuildIndex(ctx, c.Fs, united, job.Workers)
	if err != nil {
		return nil, errors.Wrap(err, "indexing united cells")
	}
	// cells carry a coverage band; the mosaic keeps the bands of its sources
	idx.Bands = all.Bands
	idx.BitDepth = all.BitDepth
	return idx, nil
}

// renderGroup rasterises one group onto every grid cell it touches. Cells the
// group leaves fully uncovered are not written.
func (c *Compositor) renderGroup(ctx context.Context, w *writer.Writer, job Job, grid Grid, idx *Index, k, bitDepth int) (map[Cell]string, error) {
	dir := filepath.Join(groupDir(job.WorkDir, k), "cells")
	cache := newTileCache(loadTile(c.Fs), poolSize(job.Workers)+2)

	var mu sync.Mutex
	out := make(map[Cell]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize(job.Workers))
	for _, cell := range grid.Covering(idx.Extent) {
		g.Go(func() error {
			dst := filepath.Join(dir, cell.Name())
			if !job.Overwrite {
				ok, err := w.Exists(dst)
				if err != nil {
					return err
				}
				if ok {
					mu.Lock()
					out[cell] = dst
					mu.Unlock()
					return nil
				}
			}

			r := grid.Rect(cell)
			canvas := newCanvas(image.Rect(0, 0, r.Dx(), r.Dy()), idx.Bands, bitDepth, true)
			gt := grid.Transform(cell)
			if _, err := paint(gctx, idx, cache.get, canvas, gt, draw.NearestNeighbor); err != nil {
				return err
			}
			if !covered(canvas) {
				return nil
			}
			if _, err := w.WriteTransform(gctx, canvas, gt, dst, map[string]string{"group": strconv.Itoa(k + 1)}); err != nil {
				return err
			}
			mu.Lock()
			out[cell] = dst
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Compositor) copyCell(w *writer.Writer, src, dst string) error {
	if !w.Overwrite {
		if ok, err := w.Exists(dst); err != nil || ok {
			return err
		}
	}
	return w.CopyFile(src, dst)
}

// integrateCell writes, per pixel, the darkest value among the sources covering it
func (c *Compositor) integrateCell(ctx context.Context, w *writer.Writer, grid Grid, cell Cell, sources []string, dst string, bitDepth int) error {
	if !w.Overwrite {
		if ok, err := w.Exists(dst); err != nil || ok {
			return err
		}
	}

	load := loadTile(c.Fs)
	images := make([]image.Image, len(sources))
	for i, p := range sources {
		img, err := load(p)
		if err != nil {
			return err
		}
		images[i] = img
	}

	r := grid.Rect(cell)
	out := newCanvas(image.Rect(0, 0, r.Dx(), r.Dy()), 4, bitDepth, true)
	Darkest(out, images)

	_, err := w.WriteTransform(ctx, out, grid.Transform(cell), dst, map[string]string{"groups": strconv.Itoa(len(sources))})
	return err
}

// Darkest sets every pixel of dst to the covered source pixel with the lowest
// luminance. Coverage is the source alpha; pixels no source covers stay transparent.
// Ties keep the earlier source.
func Darkest(dst draw.Image, sources []image.Image) {
	b := dst.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var (
				best    color.NRGBA64
				bestLum uint64
				found   bool
			)
			for _, src := range sources {
				sb := src.Bounds()
				p := image.Pt(sb.Min.X+x-b.Min.X, sb.Min.Y+y-b.Min.Y)
				if !p.In(sb) {
					continue
				}
				px := color.NRGBA64Model.Convert(src.At(p.X, p.Y)).(color.NRGBA64)
				if px.A == 0 {
					continue
				}
				if l := luminance(px); !found || l < bestLum {
					best, bestLum, found = px, l, true
				}
			}
			if found {
				dst.Set(x, y, best)
			}
		}
	}
}

// luminance uses the ITU-R 601 weights of image/color's gray model
func luminance(c color.NRGBA64) uint64 {
	return 19595*uint64(c.R) + 38470*uint64(c.G) + 7471*uint64(c.B)
}

// covered reports whether any pixel of an alpha canvas was drawn
func covered(img image.Image) bool {
	switch m := img.(type) {
	case *image.NRGBA:
		for i := 3; i < len(m.Pix); i += 4 {
			if m.Pix[i] != 0 {
				return true
			}
		}
		return false
	case *image.NRGBA64:
		for i := 6; i < len(m.Pix); i += 8 {
			if m.Pix[i] != 0 || m.Pix[i+1] != 0 {
				return true
			}
		}
		return false
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0 {
				return true
			}
		}
	}
	return false
}
