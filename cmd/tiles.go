package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/fieldstitch/internal/geometry"
	"github.com/kiesman99/fieldstitch/internal/stitch"
	"github.com/kiesman99/fieldstitch/internal/writer"
)

var tilesCmd = &cobra.Command{
	Use:   "tiles <capture-dir>...",
	Short: "Convert raw captures into georeferenced GeoTIFF tiles",
	Long: `Convert raw captures into georeferenced GeoTIFF tiles.

A capture is a <name>_metadata.json file next to <name>_left.bin and
<name>_right.bin. Each side becomes <out>/<name>_<side>.tif. A capture that
fails is reported and does not stop the others.

Examples:
  fieldstitch tiles /data/raw/2017-06-01 --out /data/tiles/2017-06-01
  fieldstitch tiles /data/raw/a /data/raw/b --out /data/tiles --demosaic --preview`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTiles,
}

func init() {
	rootCmd.AddCommand(tilesCmd)

	tilesCmd.Flags().StringP("out", "o", "", "output directory (required)")
	tilesCmd.Flags().Bool("demosaic", false, "interpolate RGB from the bayer pattern in the metadata")
	tilesCmd.Flags().Bool("preview", false, "also write <name>_<side>.jpg next to every tile")
	tilesCmd.MarkFlagRequired("out")

	viper.BindPFlag("demosaic", tilesCmd.Flags().Lookup("demosaic"))
	viper.BindPFlag("preview", tilesCmd.Flags().Lookup("preview"))
}

func runTiles(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	var captures []stitch.Capture
	for _, dir := range args {
		found, err := stitch.Discover(fs, dir)
		if err != nil {
			return err
		}
		captures = append(captures, found...)
	}
	if len(captures) == 0 {
		return fmt.Errorf("no captures found in %v", args)
	}

	resolver, err := geometry.NewResolver(cfg.Calibration)
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("out")
	stats := &writer.Stats{}
	w := writer.New(fs, cfg.Overwrite, stats, log)
	w.WorldFile = cfg.WorldFile

	st := stitch.NewStitcher(fs, resolver, w, stitch.Options{
		OutDir:   out,
		Demosaic: cfg.Demosaic,
		Preview:  cfg.Preview,
		Workers:  cfg.Workers,
	}, log)

	log.Infow("converting captures", "captures", len(captures), "out", out, "workers", cfg.Workers)
	res := st.ConvertBatch(ctx, captures)

	fmt.Fprintf(cmd.OutOrStdout(), "%d tiles, %d files created, %d bytes written, %d captures failed\n",
		len(res.Tiles), stats.Created(), stats.Bytes(), len(res.Failures))
	if err := res.Err(); err != nil {
		return errors.Wrapf(err, "%d of %d captures failed", len(res.Failures), len(captures))
	}
	return nil
}
