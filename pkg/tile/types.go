package tile

import (
	"fmt"
	"math"
	"strings"
)

// CRS is the coordinate reference system every tile is written in (WGS84 geographic).
const CRS = "EPSG:4326"

// EPSG code matching CRS
const EPSG = 4326

// Side identifies one camera of the stereo pair
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// Sides lists both cameras in processing order
var Sides = []Side{Left, Right}

// ParseSide converts a string into a Side
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Left:
		return Left, nil
	case Right:
		return Right, nil
	}
	return "", fmt.Errorf("unknown camera side %q (want left|right)", s)
}

// BoundingBox represents geographic bounds in decimal degrees
type BoundingBox struct {
	LatMax float64 `json:"lat_max" mapstructure:"lat_max"`
	LatMin float64 `json:"lat_min" mapstructure:"lat_min"`
	LngMax float64 `json:"lng_max" mapstructure:"lng_max"`
	LngMin float64 `json:"lng_min" mapstructure:"lng_min"`
}

// Validate checks that the box has a positive extent on both axes
func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.LatMax, b.LatMin, b.LngMax, b.LngMin} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &DegenerateGeometryError{Bounds: b, Reason: "non-finite coordinate"}
		}
	}
	if !(b.LatMax > b.LatMin) {
		return &DegenerateGeometryError{Bounds: b, Reason: "lat_max must be greater than lat_min"}
	}
	if !(b.LngMax > b.LngMin) {
		return &DegenerateGeometryError{Bounds: b, Reason: "lng_max must be greater than lng_min"}
	}
	return nil
}

// Width is the longitudinal extent in degrees
func (b BoundingBox) Width() float64 {
	return b.LngMax - b.LngMin
}

// Height is the latitudinal extent in degrees
func (b BoundingBox) Height() float64 {
	return b.LatMax - b.LatMin
}

// Union returns the smallest box containing both boxes
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	return BoundingBox{
		LatMax: math.Max(b.LatMax, o.LatMax),
		LatMin: math.Min(b.LatMin, o.LatMin),
		LngMax: math.Max(b.LngMax, o.LngMax),
		LngMin: math.Min(b.LngMin, o.LngMin),
	}
}

// Intersects reports whether the two boxes share a region of positive area
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.LngMin < o.LngMax && o.LngMin < b.LngMax &&
		b.LatMin < o.LatMax && o.LatMin < b.LatMax
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("lat[%.9f,%.9f] lng[%.9f,%.9f]", b.LatMin, b.LatMax, b.LngMin, b.LngMax)
}

// GeoTile is a georeferenced raster persisted at Path
type GeoTile struct {
	Path     string
	Width    int
	Height   int
	Bands    int
	BitDepth int
	// Alpha is set when the last band is a coverage mask
	Alpha     bool
	Transform GeoTransform
	Metadata  map[string]string
}

// ColorBands is the number of bands excluding alpha
func (t GeoTile) ColorBands() int {
	if t.Alpha {
		return t.Bands - 1
	}
	return t.Bands
}

// Bounds returns the geographic footprint of the tile
func (t GeoTile) Bounds() BoundingBox {
	return t.Transform.Bounds(t.Width, t.Height)
}

// DegenerateGeometryError reports a bounding box with zero, negative or non-finite extent
type DegenerateGeometryError struct {
	Bounds BoundingBox
	Reason string
}

func (e *DegenerateGeometryError) Error() string {
	return fmt.Sprintf("degenerate geometry %s: %s", e.Bounds, e.Reason)
}
