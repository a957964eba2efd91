package mosaic

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/kiesman99/fieldstitch/internal/logging"
	"github.com/kiesman99/fieldstitch/internal/writer"
	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// Mode selects the compositing policy of a job
type Mode interface {
	fmt.Stringer
	isMode()
}

// SinglePass composites all tiles at once; where tiles overlap the later one wins
type SinglePass struct{}

func (SinglePass) isMode() {}

func (SinglePass) String() string { return "single" }

// DarkestOfN splits the tiles into Splits groups and keeps the darkest pixel
// among the groups covering each location
type DarkestOfN struct {
	Splits int
}

func (DarkestOfN) isMode() {}

func (m DarkestOfN) String() string { return fmt.Sprintf("darkest-of-%d", m.Splits) }

// ParseMode maps a mode name onto a Mode
func ParseMode(name string, splits int) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "single":
		return SinglePass{}, nil
	case "darker", "darkest":
		if splits < 1 {
			return nil, fmt.Errorf("darker mode needs a split count of at least 1, got %d", splits)
		}
		return DarkestOfN{Splits: splits}, nil
	}
	return nil, fmt.Errorf("unknown mosaic mode %q (want single|darker)", name)
}

// Job describes one field mosaic
type Job struct {
	// Tiles are composited in this order
	Tiles []string
	// WorkDir holds the intermediates of multi-pass modes; defaults next to VRTPath
	WorkDir string
	VRTPath string
	Outputs []Resolution
	// Extent crops every output; the union of all tiles when nil
	Extent    *tile.BoundingBox
	Mode      Mode
	Overwrite bool
	Workers   int
	CellSize  int
}

// Validate checks the job and fills defaults
func (j *Job) Validate() error {
	if len(j.Tiles) == 0 {
		return fmt.Errorf("mosaic job has no tiles")
	}
	if j.VRTPath == "" {
		return fmt.Errorf("mosaic job has no VRT path")
	}
	if j.Mode == nil {
		j.Mode = SinglePass{}
	}
	if m, ok := j.Mode.(DarkestOfN); ok && m.Splits < 1 {
		return fmt.Errorf("darkest-of-N needs at least one split, got %d", m.Splits)
	}
	if j.Extent != nil {
		if err := j.Extent.Validate(); err != nil {
			return err
		}
	}
	for _, out := range j.Outputs {
		if out.Path == "" {
			return fmt.Errorf("output %q has no path", out.Name)
		}
		if !(out.Scale > 0) {
			return fmt.Errorf("output %q has invalid scale %g", out.Name, out.Scale)
		}
	}
	if j.WorkDir == "" {
		base := strings.TrimSuffix(filepath.Base(j.VRTPath), filepath.Ext(j.VRTPath))
		j.WorkDir = filepath.Join(filepath.Dir(j.VRTPath), base+"_work")
	}
	if j.CellSize <= 0 {
		j.CellSize = DefaultCellSize
	}
	return nil
}

// DefaultOutputs returns the thumbnail and full resolution outputs of a mosaic:
// <base>_thumb.tif at thumbScale and <base>.tif, both next to vrtPath
func DefaultOutputs(vrtPath string, thumbScale float64) []Resolution {
	base := strings.TrimSuffix(vrtPath, filepath.Ext(vrtPath))
	return []Resolution{
		{Name: "thumb", Scale: thumbScale, Path: base + "_thumb.tif"},
		{Name: "full", Scale: 1, Path: base + ".tif"},
	}
}

// Result lists the stage outputs a run produced and the ones it reused
type Result struct {
	Created []string `json:"created"`
	Skipped []string `json:"skipped"`
}

// StageError is the failure of a single output stage
type StageError struct {
	Stage string
	Path  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (%s): %v", e.Stage, e.Path, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// PartialStageFailure is returned when some outputs of a job were produced and
// others failed. Completed outputs stay in place and are reused on retry.
type PartialStageFailure struct {
	Completed []string
	Failed    []*StageError
}

func (e *PartialStageFailure) Error() string {
	stages := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		stages[i] = f.Stage
	}
	return fmt.Sprintf("%d of %d outputs failed (%s): %v",
		len(e.Failed), len(e.Failed)+len(e.Completed), strings.Join(stages, ", "), e.cause())
}

func (e *PartialStageFailure) Unwrap() error {
	return e.cause()
}

func (e *PartialStageFailure) cause() error {
	var err error
	for _, f := range e.Failed {
		err = multierr.Append(err, f)
	}
	return err
}

// Stage is one resumable step of a job. It runs only when its output is
// missing or overwriting is requested.
type Stage struct {
	Name   string
	Output string
}

// Needed is the stage precondition
func (s Stage) Needed(fs afero.Fs, overwrite bool) (bool, error) {
	if overwrite {
		return true, nil
	}
	ok, err := afero.Exists(fs, s.Output)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Compositor runs mosaic jobs against a filesystem
type Compositor struct {
	Fs     afero.Fs
	Stats  *writer.Stats
	Logger logging.Logger
}

// NewCompositor returns a Compositor. stats may be nil.
func NewCompositor(fs afero.Fs, stats *writer.Stats, logger logging.Logger) *Compositor {
	return &Compositor{Fs: fs, Stats: stats, Logger: logging.OrNop(logger)}
}

func (c *Compositor) logger() logging.Logger {
	return logging.OrNop(c.Logger)
}

// Run executes the job stage by stage: index, then every output resolution.
// Each stage is skipped when its output exists and overwrite is off. Cancellation
// is observed between stages.
func (c *Compositor) Run(ctx context.Context, job Job) (*Result, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	log := c.logger().With("mode", job.Mode.String(), "vrt", job.VRTPath)
	w := writer.New(c.Fs, job.Overwrite, c.Stats, log)
	res := &Result{}

	idx, err := c.indexStage(ctx, w, job, res)
	if err != nil {
		return res, err
	}

	var completed []string
	var failed []*StageError
	for _, out := range job.Outputs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		stage := Stage{Name: out.Name, Output: out.Path}
		needed, err := stage.Needed(c.Fs, job.Overwrite)
		if err != nil {
			return res, err
		}
		if !needed {
			log.Infow("output exists, skipping", "stage", stage.Name, "path", stage.Output)
			res.Skipped = append(res.Skipped, out.Path)
			completed = append(completed, out.Path)
			continue
		}

		if idx == nil {
			if idx, err = ReadVRT(c.Fs, job.VRTPath); err != nil {
				return res, err
			}
		}
		extent := idx.Extent
		if job.Extent != nil {
			extent = *job.Extent
		}

		log.Infow("rendering", "stage", stage.Name, "path", stage.Output, "scale", out.Scale)
		if _, err := Translate(ctx, w, idx, extent, out.Scale, out.Path); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			log.Errorw("stage failed", "stage", stage.Name, "path", stage.Output, "error", err)
			failed = append(failed, &StageError{Stage: out.Name, Path: out.Path, Err: err})
			continue
		}
		res.Created = append(res.Created, out.Path)
		completed = append(completed, out.Path)
	}

	if len(failed) > 0 {
		if len(completed) > 0 {
			return res, &PartialStageFailure{Completed: completed, Failed: failed}
		}
		var err error
		for _, f := range failed {
			err = multierr.Append(err, f)
		}
		return res, err
	}
	return res, nil
}

// indexStage produces the job's VRT. It returns a nil index when the VRT
// already exists; later stages load it only if they need it.
func (c *Compositor) indexStage(ctx context.Context, w *writer.Writer, job Job, res *Result) (*Index, error) {
	stage := Stage{Name: "vrt", Output: job.VRTPath}
	needed, err := stage.Needed(c.Fs, job.Overwrite)
	if err != nil {
		return nil, err
	}
	if !needed {
		c.logger().Infow("output exists, skipping", "stage", stage.Name, "path", stage.Output)
		res.Skipped = append(res.Skipped, job.VRTPath)
		return nil, nil
	}

	var idx *Index
	switch m := job.Mode.(type) {
	case SinglePass:
		idx, err = BuildIndex(ctx, c.Fs, job.Tiles, job.Workers)
	case DarkestOfN:
		if err := clearIntermediates(c.Fs, job.WorkDir); err != nil {
			return nil, err
		}
		// intermediates are not job outputs and are not counted
		scratch := writer.New(c.Fs, job.Overwrite, nil, w.Logger)
		idx, err = c.darkest(ctx, scratch, job, m.Splits)
	default:
		err = fmt.Errorf("unsupported mosaic mode %v", job.Mode)
	}
	if err != nil {
		return nil, err
	}
	if err := WriteVRT(w, job.VRTPath, idx); err != nil {
		return nil, err
	}
	res.Created = append(res.Created, job.VRTPath)
	return idx, nil
}
