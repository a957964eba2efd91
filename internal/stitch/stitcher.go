// Package stitch converts raw stereo captures into georeferenced tiles.
package stitch

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/kiesman99/fieldstitch/internal/capture"
	"github.com/kiesman99/fieldstitch/internal/geometry"
	"github.com/kiesman99/fieldstitch/internal/logging"
	"github.com/kiesman99/fieldstitch/internal/writer"
	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// File name suffixes of one capture on disk
const (
	MetadataSuffix = "_metadata.json"
	rawSuffix      = ".bin"
)

const previewQuality = 90

// Capture is one gantry readout: a metadata document and a raw buffer per camera
type Capture struct {
	Name     string
	Metadata string
	Raw      map[tile.Side]string
	// Outputs overrides the destination per side; <OutDir>/<Name>_<side>.tif otherwise
	Outputs map[tile.Side]string
}

// Options contains the conversion parameters
type Options struct {
	OutDir string
	// Demosaic interpolates RGB using the bayer pattern declared in the metadata
	Demosaic bool
	// Preview also writes a JPEG of each side next to its tile
	Preview bool
	Workers int
}

// Stitcher converts captures into tiles
type Stitcher struct {
	fs       afero.Fs
	resolver *geometry.Resolver
	writer   *writer.Writer
	options  Options
	log      logging.Logger
}

// NewStitcher creates a new stitcher instance
func NewStitcher(fs afero.Fs, resolver *geometry.Resolver, w *writer.Writer, opts Options, logger logging.Logger) *Stitcher {
	return &Stitcher{
		fs:       fs,
		resolver: resolver,
		writer:   w,
		options:  opts,
		log:      logging.OrNop(logger),
	}
}

// OutputPath is where the tile of one side of c is written
func (s *Stitcher) OutputPath(c Capture, side tile.Side) string {
	if p, ok := c.Outputs[side]; ok && p != "" {
		return p
	}
	return filepath.Join(s.options.OutDir, fmt.Sprintf("%s_%s.tif", c.Name, side))
}

// PreviewPath is the JPEG written next to the tile at tilePath
func PreviewPath(tilePath string) string {
	return strings.TrimSuffix(tilePath, filepath.Ext(tilePath)) + ".jpg"
}

// ConvertCapture decodes, georeferences and writes both sides of c. A side that
// fails does not stop the other; the returned error combines every side's failure.
func (s *Stitcher) ConvertCapture(ctx context.Context, c Capture) ([]tile.GeoTile, error) {
	md, err := capture.LoadMetadata(s.fs, c.Metadata)
	if err != nil {
		return nil, err
	}
	pose, err := md.Pose()
	if err != nil {
		return nil, errors.Wrapf(err, "capture %s", c.Name)
	}

	var opts capture.DecodeOptions
	if s.options.Demosaic {
		if opts.Demosaic, err = capture.ParseBayerPattern(md.SensorFixed.BayerPattern); err != nil {
			return nil, errors.Wrapf(err, "capture %s", c.Name)
		}
	}

	provenance := md.ProvenanceTags()
	provenance["capture"] = c.Name

	var tiles []tile.GeoTile
	var errs error
	for _, side := range tile.Sides {
		if err := ctx.Err(); err != nil {
			return tiles, multierr.Append(errs, err)
		}
		raw, ok := c.Raw[side]
		if !ok {
			errs = multierr.Append(errs, errors.Wrapf(os.ErrNotExist, "capture %s: no raw buffer for %s camera", c.Name, side))
			continue
		}
		t, err := s.convertSide(ctx, md, pose, side, raw, s.OutputPath(c, side), provenance, opts)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "capture %s", c.Name))
			continue
		}
		tiles = append(tiles, t)
	}
	return tiles, errs
}

func (s *Stitcher) convertSide(ctx context.Context, md *capture.Metadata, pose geometry.CameraPose, side tile.Side, raw, dst string, provenance map[string]string, opts capture.DecodeOptions) (tile.GeoTile, error) {
	shape, err := md.Shape(side)
	if err != nil {
		return tile.GeoTile{}, err
	}
	// geometry first: a bad pose must fail before anything is read or written
	bounds, declared, err := md.Bounds(side)
	if err != nil {
		return tile.GeoTile{}, err
	}
	if !declared {
		if bounds, err = s.resolver.Resolve(pose, side); err != nil {
			return tile.GeoTile{}, err
		}
	}

	preview := ""
	if s.options.Preview {
		preview = PreviewPath(dst)
	}
	if !s.writer.Overwrite {
		done, err := s.allExist(dst, preview)
		if err != nil {
			return tile.GeoTile{}, err
		}
		if done {
			s.log.Debugw("tile exists, skipping", "side", side, "path", dst)
			return writer.ReadTile(s.fs, dst)
		}
	}

	buf, err := capture.ReadCapture(s.fs, raw, md.BitDepth(), side)
	if err != nil {
		return tile.GeoTile{}, err
	}
	img, err := capture.Decode(buf, shape, opts)
	if err != nil {
		return tile.GeoTile{}, err
	}

	tags := make(map[string]string, len(provenance)+2)
	for k, v := range provenance {
		tags[k] = v
	}
	tags["side"] = string(side)
	tags["source"] = filepath.Base(raw)

	s.log.Debugw("writing tile", "side", side, "path", dst, "bounds", bounds.String(), "declared_bounds", declared)
	t, err := s.writer.Write(ctx, img, bounds, dst, tags)
	if err != nil {
		return tile.GeoTile{}, err
	}
	if preview != "" {
		if err := s.writePreview(img, preview); err != nil {
			return t, err
		}
	}
	return t, nil
}

// allExist reports whether every non-empty path is already present
func (s *Stitcher) allExist(paths ...string) (bool, error) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		ok, err := s.writer.Exists(p)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (s *Stitcher) writePreview(img image.Image, dst string) error {
	if !s.writer.Overwrite {
		if ok, err := s.writer.Exists(dst); err != nil || ok {
			return err
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(previewQuality)); err != nil {
		return errors.Wrapf(err, "encoding preview %s", dst)
	}
	return s.writer.WriteFile(dst, buf.Bytes())
}

// Failure records why one capture of a batch could not be converted
type Failure struct {
	Capture string
	Err     error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Capture, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// BatchResult lists what a batch produced. Tiles follow capture order.
type BatchResult struct {
	Tiles    []tile.GeoTile
	Failures []Failure
}

// Err combines all capture failures, nil when every capture converted
func (r *BatchResult) Err() error {
	var err error
	for _, f := range r.Failures {
		err = multierr.Append(err, f)
	}
	return err
}

// ConvertBatch converts captures on a worker pool. A failing capture does not stop
// the others; its error is recorded in the result.
func (s *Stitcher) ConvertBatch(ctx context.Context, captures []Capture) *BatchResult {
	results := make([][]tile.GeoTile, len(captures))
	errs := make([]error, len(captures))

	var done int
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	limit := s.options.Workers
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, c := range captures {
		g.Go(func() error {
			results[i], errs[i] = s.ConvertCapture(gctx, c)

			mu.Lock()
			done++
			progress := float64(done) / float64(len(captures)) * 100
			mu.Unlock()
			if errs[i] != nil {
				s.log.Warnw("capture failed", "capture", c.Name, "progress", fmt.Sprintf("%.2f%%", progress), "error", errs[i])
			} else {
				s.log.Infow("capture converted", "capture", c.Name, "progress", fmt.Sprintf("%.2f%%", progress))
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &BatchResult{}
	for i, c := range captures {
		res.Tiles = append(res.Tiles, results[i]...)
		if errs[i] != nil {
			res.Failures = append(res.Failures, Failure{Capture: c.Name, Err: errs[i]})
		}
	}
	return res
}

// Discover finds captures in dir: every <name>_metadata.json together with
// <name>_left.bin and <name>_right.bin. Captures are returned sorted by name.
func Discover(fs afero.Fs, dir string) ([]Capture, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}

	byName := make(map[string]*Capture)
	get := func(name string) *Capture {
		c, ok := byName[name]
		if !ok {
			c = &Capture{Name: name, Raw: make(map[tile.Side]string)}
			byName[name] = c
		}
		return c
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		file := e.Name()
		path := filepath.Join(dir, file)
		if name, ok := strings.CutSuffix(file, MetadataSuffix); ok {
			get(name).Metadata = path
			continue
		}
		for _, side := range tile.Sides {
			if name, ok := strings.CutSuffix(file, "_"+string(side)+rawSuffix); ok {
				get(name).Raw[side] = path
			}
		}
	}

	names := make([]string, 0, len(byName))
	for name, c := range byName {
		if c.Metadata != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	captures := make([]Capture, 0, len(names))
	for _, name := range names {
		captures = append(captures, *byName[name])
	}
	return captures, nil
}
