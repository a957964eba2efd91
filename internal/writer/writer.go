// Package writer persists georeferenced rasters with the temp-then-rename guarantee:
// a reader of the destination path sees either nothing, the previous file, or the
// complete new file.
package writer

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/kiesman99/fieldstitch/internal/geotiff"
	"github.com/kiesman99/fieldstitch/internal/logging"
	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// Stats accumulates what a run produced. It is safe for concurrent use.
type Stats struct {
	mu      sync.Mutex
	created int
	bytes   int64
}

// Add records one created file of n bytes
func (s *Stats) Add(n int64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.created++
	s.bytes += n
	s.mu.Unlock()
}

// Created returns the number of files written
func (s *Stats) Created() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// Bytes returns the total size of files written
func (s *Stats) Bytes() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Writer writes GeoTIFF tiles onto a filesystem
type Writer struct {
	Fs        afero.Fs
	Overwrite bool
	// WorldFile also writes a .tfw sidecar next to every raster
	WorldFile bool
	Stats     *Stats
	Logger    logging.Logger
}

// New returns a Writer on fs
func New(fs afero.Fs, overwrite bool, stats *Stats, logger logging.Logger) *Writer {
	return &Writer{Fs: fs, Overwrite: overwrite, Stats: stats, Logger: logging.OrNop(logger)}
}

// Write binds img to bounds and stores it at dst. If dst already exists and overwrite
// is off, nothing is written and the existing tile is returned.
func (w *Writer) Write(ctx context.Context, img image.Image, bounds tile.BoundingBox, dst string, provenance map[string]string) (tile.GeoTile, error) {
	if err := bounds.Validate(); err != nil {
		return tile.GeoTile{}, err
	}
	size := img.Bounds()
	return w.WriteTransform(ctx, img, tile.NewGeoTransform(bounds, size.Dx(), size.Dy()), dst, provenance)
}

// WriteTransform is Write for callers that already hold a geotransform
func (w *Writer) WriteTransform(ctx context.Context, img image.Image, gt tile.GeoTransform, dst string, provenance map[string]string) (tile.GeoTile, error) {
	log := logging.OrNop(w.Logger)

	if !w.Overwrite {
		if existing, ok, err := w.existing(dst); err != nil {
			return tile.GeoTile{}, err
		} else if ok {
			log.Debugw("output exists, skipping", "path", dst)
			return existing, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return tile.GeoTile{}, err
	}

	if dir := filepath.Dir(dst); dir != "" {
		if err := w.Fs.MkdirAll(dir, 0o755); err != nil {
			return tile.GeoTile{}, errors.Wrapf(err, "creating directory for %s", dst)
		}
	}

	n, err := w.atomicWrite(dst, img, gt, provenance)
	if err != nil {
		return tile.GeoTile{}, err
	}
	w.Stats.Add(n)

	if w.WorldFile {
		if err := w.WriteFile(tile.WorldFilePath(dst), tile.WorldFile(gt)); err != nil {
			return tile.GeoTile{}, err
		}
	}

	size := img.Bounds()
	log.Infow("wrote raster", "path", dst, "width", size.Dx(), "height", size.Dy(), "bytes", n)
	return w.readTile(dst)
}

// Exists reports whether a file is present at path
func (w *Writer) Exists(path string) (bool, error) {
	ok, err := afero.Exists(w.Fs, path)
	if err != nil {
		return false, errors.Wrapf(err, "checking %s", path)
	}
	return ok, nil
}

func (w *Writer) existing(dst string) (tile.GeoTile, bool, error) {
	ok, err := w.Exists(dst)
	if err != nil || !ok {
		return tile.GeoTile{}, false, err
	}
	t, err := w.readTile(dst)
	if err != nil {
		return tile.GeoTile{}, false, err
	}
	return t, true, nil
}

func (w *Writer) readTile(path string) (tile.GeoTile, error) {
	return ReadTile(w.Fs, path)
}

// ReadTile reads the GeoTIFF header at path
func ReadTile(fs afero.Fs, path string) (tile.GeoTile, error) {
	f, err := fs.Open(path)
	if err != nil {
		return tile.GeoTile{}, err
	}
	defer f.Close()

	info, err := geotiff.ReadInfo(f)
	if err != nil {
		return tile.GeoTile{}, errors.Wrapf(err, "reading %s", path)
	}
	return info.Tile(path), nil
}

// atomicWrite renders into a sibling temp file and renames it onto dst
func (w *Writer) atomicWrite(dst string, img image.Image, gt tile.GeoTransform, provenance map[string]string) (n int64, err error) {
	tmp := dst + "." + uuid.NewString() + ".tmp"
	f, err := w.Fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, errors.Wrapf(err, "creating %s", tmp)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreNotExist(w.Fs.Remove(tmp)))
		}
	}()

	if err := geotiff.Encode(f, img, gt, provenance); err != nil {
		return 0, multierr.Append(errors.Wrapf(err, "encoding %s", dst), f.Close())
	}
	if err := f.Sync(); err != nil {
		return 0, multierr.Append(errors.Wrapf(err, "syncing %s", tmp), f.Close())
	}
	st, err := f.Stat()
	if err != nil {
		return 0, multierr.Append(errors.Wrapf(err, "stat %s", tmp), f.Close())
	}
	if err := f.Close(); err != nil {
		return 0, errors.Wrapf(err, "closing %s", tmp)
	}
	if err := w.Fs.Rename(tmp, dst); err != nil {
		return 0, errors.Wrapf(err, "renaming %s onto %s", tmp, dst)
	}
	return st.Size(), nil
}

// CopyFile copies src to dst with the same atomic guarantee as Write
func (w *Writer) CopyFile(src, dst string) error {
	data, err := afero.ReadFile(w.Fs, src)
	if err != nil {
		return errors.Wrapf(err, "reading %s", src)
	}
	return w.WriteFile(dst, data)
}

// WriteFile stores data at dst through a temp file and rename
func (w *Writer) WriteFile(dst string, data []byte) error {
	if dir := filepath.Dir(dst); dir != "" {
		if err := w.Fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating directory for %s", dst)
		}
	}
	tmp := dst + "." + uuid.NewString() + ".tmp"
	if err := afero.WriteFile(w.Fs, tmp, data, 0o644); err != nil {
		return multierr.Append(errors.Wrapf(err, "writing %s", tmp), ignoreNotExist(w.Fs.Remove(tmp)))
	}
	if err := w.Fs.Rename(tmp, dst); err != nil {
		return multierr.Append(errors.Wrapf(err, "renaming %s onto %s", tmp, dst), ignoreNotExist(w.Fs.Remove(tmp)))
	}
	w.Stats.Add(int64(len(data)))
	logging.OrNop(w.Logger).Debugw("wrote file", "path", dst, "bytes", len(data))
	return nil
}

func ignoreNotExist(err error) error {
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}
