package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/fieldstitch/internal/config"
	"github.com/kiesman99/fieldstitch/internal/mosaic"
	"github.com/kiesman99/fieldstitch/internal/writer"
)

var mosaicCmd = &cobra.Command{
	Use:   "mosaic <vrt-path>",
	Short: "Composite tiles into a field mosaic",
	Long: `Composite tiles into a field mosaic.

The tiles are indexed into <vrt-path>, then rendered cropped to the field extent
as <base>_thumb.tif (thumbnail scale) and <base>.tif (full resolution). Tiles
are composited in list order; with --mode darker they are split into --split
contiguous groups and the darkest pixel among the groups wins.

Examples:
  fieldstitch mosaic /data/mosaic/2017-06-01.vrt --tiles-dir /data/tiles/2017-06-01
  fieldstitch mosaic /data/mosaic/2017-06-01.vrt --tile-list tiles.txt --mode darker --split 2`,
	Args: cobra.ExactArgs(1),
	RunE: runMosaic,
}

func init() {
	rootCmd.AddCommand(mosaicCmd)

	defaults := config.Default().Mosaic
	mosaicCmd.Flags().String("tile-list", "", "file listing one tile path per line")
	mosaicCmd.Flags().String("tiles-dir", "", "directory whose .tif files are composited in name order")
	mosaicCmd.Flags().String("work-dir", "", "directory for intermediates (default <vrt-dir>/<vrt-base>_work)")
	mosaicCmd.Flags().Bool("no-crop", false, "render the union of all tiles instead of the field extent")
	mosaicCmd.Flags().String("mode", defaults.Mode, "compositing mode (single|darker)")
	mosaicCmd.Flags().Int("split", defaults.Split, "number of groups in darker mode")
	mosaicCmd.Flags().Float64("thumbnail-scale", defaults.ThumbnailScale, "scale of the thumbnail output")
	mosaicCmd.Flags().Int("cell-size", defaults.CellSize, "grid cell size in pixels for darker mode")
	mosaicCmd.MarkFlagsMutuallyExclusive("tile-list", "tiles-dir")
	mosaicCmd.MarkFlagsOneRequired("tile-list", "tiles-dir")

	viper.BindPFlag("mosaic.mode", mosaicCmd.Flags().Lookup("mode"))
	viper.BindPFlag("mosaic.split", mosaicCmd.Flags().Lookup("split"))
	viper.BindPFlag("mosaic.thumbnail_scale", mosaicCmd.Flags().Lookup("thumbnail-scale"))
	viper.BindPFlag("mosaic.cell_size", mosaicCmd.Flags().Lookup("cell-size"))
}

func runMosaic(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	tiles, err := tilePaths(cmd, fs)
	if err != nil {
		return err
	}

	mode, err := cfg.Mosaic.ParseMode()
	if err != nil {
		return err
	}
	vrtPath := args[0]
	workDir, _ := cmd.Flags().GetString("work-dir")
	job := mosaic.Job{
		Tiles:     tiles,
		WorkDir:   workDir,
		VRTPath:   vrtPath,
		Outputs:   mosaic.DefaultOutputs(vrtPath, cfg.Mosaic.ThumbnailScale),
		Mode:      mode,
		Overwrite: cfg.Overwrite,
		Workers:   cfg.Workers,
		CellSize:  cfg.Mosaic.CellSize,
	}
	if noCrop, _ := cmd.Flags().GetBool("no-crop"); !noCrop {
		extent := cfg.Field.Extent
		job.Extent = &extent
	}

	stats := &writer.Stats{}
	res, err := mosaic.NewCompositor(fs, stats, log).Run(ctx, job)
	if res != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%d outputs created, %d reused, %d bytes written\n",
			len(res.Created), len(res.Skipped), stats.Bytes())
	}
	return err
}

// tilePaths resolves the tile list from --tile-list or --tiles-dir
func tilePaths(cmd *cobra.Command, fs afero.Fs) ([]string, error) {
	if list, _ := cmd.Flags().GetString("tile-list"); list != "" {
		return mosaic.LoadTileList(fs, list)
	}
	dir, _ := cmd.Flags().GetString("tiles-dir")
	paths, err := afero.Glob(fs, filepath.Join(dir, "*.tif"))
	if err != nil {
		return nil, errors.Wrapf(err, "listing tiles in %s", dir)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .tif files in %s", dir)
	}
	sort.Strings(paths)
	return paths, nil
}
