package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/fieldstitch/internal/mosaic"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Mosaic.Split)
	assert.Equal(t, 0.10, cfg.Mosaic.ThumbnailScale)
	assert.Equal(t, 33.0764277, cfg.Field.Extent.LatMax)
	assert.Equal(t, -111.9750277, cfg.Field.Extent.LngMin)
	assert.Equal(t, "localhost:8080", cfg.Server.Addr())
}

func TestLoadYAML(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
overwrite: true
workers: 3
mosaic:
  mode: darker
  split: 4
server:
  timeout: 90s
calibration:
  stereo_offset_m: 0.2
`)))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.True(t, cfg.Overwrite)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 90*time.Second, cfg.Server.Timeout)
	assert.Equal(t, 0.2, cfg.Calibration.StereoOffsetM)
	// keys the file does not name keep their defaults
	assert.Equal(t, Default().Calibration.FocalLengthM, cfg.Calibration.FocalLengthM)
	assert.Equal(t, 0.10, cfg.Mosaic.ThumbnailScale)

	mode, err := cfg.Mosaic.ParseMode()
	require.NoError(t, err)
	assert.Equal(t, mosaic.DarkestOfN{Splits: 4}, mode)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown mode", "mosaic:\n  mode: brightest\n"},
		{"zero split", "mosaic:\n  mode: darker\n  split: 0\n"},
		{"thumbnail scale", "mosaic:\n  thumbnail_scale: 2\n"},
		{"inverted extent", "field:\n  extent:\n    lat_max: 1\n    lat_min: 2\n"},
		{"log level", "log_level: loud\n"},
		{"workers", "workers: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.SetConfigType("yaml")
			require.NoError(t, v.ReadConfig(strings.NewReader(tt.yaml)))
			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}
