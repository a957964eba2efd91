// Package geometry derives the ground footprint of a stereo camera capture.
//
// The gantry reports its position in metres relative to a site origin. Platform x runs
// along the field (latitude axis), platform y across it (longitude axis). Image rows
// follow x and image columns follow y.
package geometry

import (
	"fmt"
	"math"

	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// earthRadius is the WGS84 equatorial radius in metres
const earthRadius = 6378137.0

// CameraPose is the platform position in metres
type CameraPose struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// FieldOfView is the ground extent seen by one camera, in metres
type FieldOfView struct {
	X float64 // across image columns
	Y float64 // across image rows
}

// Calibration holds the site and sensor constants. They vary per deployment and are
// supplied through configuration.
type Calibration struct {
	FocalLengthM   float64 `mapstructure:"focal_length_m" json:"focal_length_m"`
	PixelPitchM    float64 `mapstructure:"pixel_pitch_m" json:"pixel_pitch_m"`
	SensorWidthPx  int     `mapstructure:"sensor_width_px" json:"sensor_width_px"`
	SensorHeightPx int     `mapstructure:"sensor_height_px" json:"sensor_height_px"`
	// HeightOffsetM is added to the reported z to get the lens-to-ground distance
	HeightOffsetM float64 `mapstructure:"height_offset_m" json:"height_offset_m"`
	// StereoOffsetM shifts the left camera by +offset and the right by -offset along x
	StereoOffsetM float64 `mapstructure:"stereo_offset_m" json:"stereo_offset_m"`
	OriginLat     float64 `mapstructure:"origin_lat" json:"origin_lat"`
	OriginLng     float64 `mapstructure:"origin_lng" json:"origin_lng"`
	// LatDegPerM and LngDegPerM are signed scale factors from platform x/y metres to degrees
	LatDegPerM float64 `mapstructure:"lat_deg_per_m" json:"lat_deg_per_m"`
	LngDegPerM float64 `mapstructure:"lng_deg_per_m" json:"lng_deg_per_m"`
}

// DefaultCalibration returns the constants for the Maricopa field scanner: origin at the
// south-east corner, x increasing north, y increasing west.
func DefaultCalibration() Calibration {
	originLat, originLng := 33.0745, -111.97475
	return Calibration{
		FocalLengthM:   0.025,
		PixelPitchM:    5.5e-6,
		SensorWidthPx:  3296,
		SensorHeightPx: 2472,
		StereoOffsetM:  0.17,
		OriginLat:      originLat,
		OriginLng:      originLng,
		LatDegPerM:     180 / (math.Pi * earthRadius),
		LngDegPerM:     -180 / (math.Pi * earthRadius * math.Cos(originLat*math.Pi/180)),
	}
}

// Validate rejects calibrations that cannot produce a footprint
func (c Calibration) Validate() error {
	switch {
	case !(c.FocalLengthM > 0):
		return fmt.Errorf("calibration focal_length_m must be positive, got %g", c.FocalLengthM)
	case !(c.PixelPitchM > 0):
		return fmt.Errorf("calibration pixel_pitch_m must be positive, got %g", c.PixelPitchM)
	case c.SensorWidthPx <= 0 || c.SensorHeightPx <= 0:
		return fmt.Errorf("calibration sensor size must be positive, got %dx%d", c.SensorWidthPx, c.SensorHeightPx)
	case c.LatDegPerM == 0 || c.LngDegPerM == 0:
		return fmt.Errorf("calibration scale factors must be non-zero")
	}
	return nil
}

// Resolver computes capture footprints for one calibration
type Resolver struct {
	cal Calibration
}

// NewResolver validates cal and returns a resolver
func NewResolver(cal Calibration) (*Resolver, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{cal: cal}, nil
}

// Calibration returns the constants in use
func (r *Resolver) Calibration() Calibration {
	return r.cal
}

// FieldOfView projects the sensor through a pinhole at height z
func (r *Resolver) FieldOfView(z float64) FieldOfView {
	h := z + r.cal.HeightOffsetM
	return FieldOfView{
		X: h * float64(r.cal.SensorWidthPx) * r.cal.PixelPitchM / r.cal.FocalLengthM,
		Y: h * float64(r.cal.SensorHeightPx) * r.cal.PixelPitchM / r.cal.FocalLengthM,
	}
}

// CameraCenter applies the stereo baseline for side
func (r *Resolver) CameraCenter(pose CameraPose, side tile.Side) (CameraPose, error) {
	switch side {
	case tile.Left:
		pose.X += r.cal.StereoOffsetM
	case tile.Right:
		pose.X -= r.cal.StereoOffsetM
	default:
		return pose, fmt.Errorf("unknown camera side %q", side)
	}
	return pose, nil
}

// Resolve returns the geographic bounds seen by the side camera at pose.
// The result is a pure function of its inputs.
func (r *Resolver) Resolve(pose CameraPose, side tile.Side) (tile.BoundingBox, error) {
	center, err := r.CameraCenter(pose, side)
	if err != nil {
		return tile.BoundingBox{}, err
	}

	fov := r.FieldOfView(pose.Z)
	if !(fov.X > 0) || !(fov.Y > 0) || math.IsInf(fov.X, 0) || math.IsInf(fov.Y, 0) {
		return tile.BoundingBox{}, &tile.DegenerateGeometryError{
			Reason: fmt.Sprintf("field of view %gx%g m at z=%g", fov.X, fov.Y, pose.Z),
		}
	}

	lat1 := r.cal.OriginLat + (center.X-fov.Y/2)*r.cal.LatDegPerM
	lat2 := r.cal.OriginLat + (center.X+fov.Y/2)*r.cal.LatDegPerM
	lng1 := r.cal.OriginLng + (center.Y-fov.X/2)*r.cal.LngDegPerM
	lng2 := r.cal.OriginLng + (center.Y+fov.X/2)*r.cal.LngDegPerM

	bounds := tile.BoundingBox{
		LatMax: math.Max(lat1, lat2),
		LatMin: math.Min(lat1, lat2),
		LngMax: math.Max(lng1, lng2),
		LngMin: math.Min(lng1, lng2),
	}
	if err := bounds.Validate(); err != nil {
		return tile.BoundingBox{}, err
	}
	return bounds, nil
}
