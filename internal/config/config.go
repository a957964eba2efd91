// Package config holds the settings shared by the CLI commands and the HTTP server.
// Values come from defaults, the config file, FIELDSTITCH_* environment variables and
// flags, in increasing order of precedence.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/kiesman99/fieldstitch/internal/geometry"
	"github.com/kiesman99/fieldstitch/internal/logging"
	"github.com/kiesman99/fieldstitch/internal/mosaic"
	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// EnvPrefix prefixes every environment variable read by the CLI
const EnvPrefix = "FIELDSTITCH"

// Config is the complete configuration
type Config struct {
	Overwrite bool   `mapstructure:"overwrite"`
	Workers   int    `mapstructure:"workers"`
	LogLevel  string `mapstructure:"log_level"`
	// WorldFile writes a .tfw next to every raster
	WorldFile bool `mapstructure:"world_file"`
	Demosaic  bool `mapstructure:"demosaic"`
	// Preview writes a JPEG next to every capture tile
	Preview     bool                 `mapstructure:"preview"`
	Calibration geometry.Calibration `mapstructure:"calibration"`
	Field       Field                `mapstructure:"field"`
	Mosaic      Mosaic               `mapstructure:"mosaic"`
	Server      Server               `mapstructure:"server"`
}

// Field describes the scanned field
type Field struct {
	// Extent crops every mosaic output
	Extent tile.BoundingBox `mapstructure:"extent"`
}

// Mosaic contains the compositing defaults
type Mosaic struct {
	Mode           string  `mapstructure:"mode"`
	Split          int     `mapstructure:"split"`
	ThumbnailScale float64 `mapstructure:"thumbnail_scale"`
	CellSize       int     `mapstructure:"cell_size"`
}

// Server contains the HTTP listener settings
type Server struct {
	Bind    string        `mapstructure:"bind"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Root confines every path named in a request; empty allows any path
	Root string `mapstructure:"root"`
}

// DefaultExtent is the canonical extent of the Maricopa field
var DefaultExtent = tile.BoundingBox{
	LatMax: 33.0764277,
	LatMin: 33.0745861,
	LngMax: -111.9748097,
	LngMin: -111.9750277,
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Workers:     runtime.NumCPU(),
		LogLevel:    "info",
		Calibration: geometry.DefaultCalibration(),
		Field:       Field{Extent: DefaultExtent},
		Mosaic: Mosaic{
			Mode:           "single",
			Split:          2,
			ThumbnailScale: 0.10,
			CellSize:       mosaic.DefaultCellSize,
		},
		Server: Server{
			Bind:    "localhost",
			Port:    8080,
			Timeout: 5 * time.Minute,
		},
	}
}

// Load unmarshals v over the defaults and validates the result
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no command can run with
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if err := c.Calibration.Validate(); err != nil {
		return err
	}
	if err := c.Field.Extent.Validate(); err != nil {
		return errors.Wrap(err, "field.extent")
	}
	if _, err := c.Mosaic.ParseMode(); err != nil {
		return err
	}
	if !(c.Mosaic.ThumbnailScale > 0) || c.Mosaic.ThumbnailScale > 1 {
		return fmt.Errorf("mosaic.thumbnail_scale must be in (0, 1], got %g", c.Mosaic.ThumbnailScale)
	}
	if c.Mosaic.CellSize < 1 {
		return fmt.Errorf("mosaic.cell_size must be positive, got %d", c.Mosaic.CellSize)
	}
	return nil
}

// ParseMode returns the configured compositing mode
func (m Mosaic) ParseMode() (mosaic.Mode, error) {
	return mosaic.ParseMode(m.Mode, m.Split)
}

// Addr is the listen address of the server
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Bind, s.Port)
}
