package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/fieldstitch/internal/config"
	"github.com/kiesman99/fieldstitch/internal/logging"
)

var cfgFile string

// version is set at build time with -ldflags "-X github.com/kiesman99/fieldstitch/cmd.version=..."
var version = "dev"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fieldstitch",
	Short: "Turn raw gantry captures into georeferenced tiles and field mosaics",
	Long: `fieldstitch converts the raw stereo captures of a field-scanning gantry into
georeferenced GeoTIFF tiles, and composites many tiles into a field mosaic.

Mosaics are built single-pass, where a later tile overwrites an earlier one, or
darker, where the tiles are split into groups and the darkest pixel among the
groups wins. Every output is skipped when it already exists, so an interrupted
run resumes where it stopped; pass --overwrite to rebuild.

Examples:
  # Convert every capture of a day into tiles
  fieldstitch tiles /data/raw/2017-06-01 --out /data/tiles/2017-06-01

  # Composite the tiles into a thumbnail and a full-resolution mosaic
  fieldstitch mosaic /data/mosaic/2017-06-01.vrt --tiles-dir /data/tiles/2017-06-01

  # Darkest-pixel mosaic over three groups
  fieldstitch mosaic /data/mosaic/2017-06-01.vrt --tile-list tiles.txt --mode darker --split 3

  # Start HTTP server
  fieldstitch serve --port 8080`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	defaults := config.Default()

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fieldstitch.yaml)")
	rootCmd.PersistentFlags().Bool("overwrite", defaults.Overwrite, "rebuild outputs that already exist")
	rootCmd.PersistentFlags().IntP("workers", "j", defaults.Workers, "number of parallel workers")
	rootCmd.PersistentFlags().String("log-level", defaults.LogLevel, "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolP("worldfile", "w", defaults.WorldFile, "write a world file next to every raster")

	viper.BindPFlag("overwrite", rootCmd.PersistentFlags().Lookup("overwrite"))
	viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("world_file", rootCmd.PersistentFlags().Lookup("worldfile"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".fieldstitch" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".fieldstitch")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig resolves the effective configuration and a logger for the command
func loadConfig(cmd *cobra.Command) (config.Config, logging.Logger, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cmd.Name(), cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}
