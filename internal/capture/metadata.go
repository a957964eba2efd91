package capture

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kiesman99/fieldstitch/internal/geometry"
	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// Shape is the declared raster size of one camera
type Shape struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Metadata is the per-capture record written by the gantry alongside the raw buffers
type Metadata struct {
	SensorFixed struct {
		BitDepth     int                 `json:"bit_depth"`
		BayerPattern string              `json:"bayer_pattern"`
		Cameras      map[tile.Side]Shape `json:"cameras"`
	} `json:"sensor_fixed_metadata"`
	GantryVariable struct {
		Position *struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
			Z float64 `json:"z"`
		} `json:"position_m"`
	} `json:"gantry_variable_metadata"`
	// SpatialMetadata carries footprints computed upstream, one GeoJSON polygon per side
	SpatialMetadata map[tile.Side]struct {
		BoundingBox json.RawMessage `json:"bounding_box"`
	} `json:"spatial_metadata"`
	Provenance map[string]any `json:"provenance"`
}

// polygon is the subset of a GeoJSON Polygon needed to take its envelope
type polygon struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// ParseMetadata decodes capture metadata JSON
func ParseMetadata(r io.Reader) (*Metadata, error) {
	var md Metadata
	if err := json.NewDecoder(r).Decode(&md); err != nil {
		return nil, errors.Wrap(err, "decoding capture metadata")
	}
	return &md, nil
}

// LoadMetadata reads and decodes a metadata file
func LoadMetadata(fs afero.Fs, path string) (*Metadata, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metadata %s", path)
	}
	defer f.Close()

	md, err := ParseMetadata(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return md, nil
}

// Shape looks up the declared dimensions for side
func (m *Metadata) Shape(side tile.Side) (Shape, error) {
	s, ok := m.SensorFixed.Cameras[side]
	if !ok {
		return Shape{}, &ShapeUnavailableError{Side: side, Reason: "side missing from metadata"}
	}
	if s.Width <= 0 || s.Height <= 0 {
		return Shape{}, &ShapeUnavailableError{Side: side, Reason: fmt.Sprintf("invalid dimensions %dx%d", s.Width, s.Height)}
	}
	return s, nil
}

// BitDepth returns the declared sample depth, defaulting to 8
func (m *Metadata) BitDepth() int {
	if m.SensorFixed.BitDepth == 0 {
		return 8
	}
	return m.SensorFixed.BitDepth
}

// Pose returns the platform position; a capture without one cannot be georeferenced
func (m *Metadata) Pose() (geometry.CameraPose, error) {
	p := m.GantryVariable.Position
	if p == nil {
		return geometry.CameraPose{}, errors.New("metadata has no gantry position_m")
	}
	return geometry.CameraPose{X: p.X, Y: p.Y, Z: p.Z}, nil
}

// Bounds returns the footprint of side declared under spatial_metadata. ok is
// false when the metadata carries none and the footprint must be computed.
func (m *Metadata) Bounds(side tile.Side) (b tile.BoundingBox, ok bool, err error) {
	sm, found := m.SpatialMetadata[side]
	if !found || len(sm.BoundingBox) == 0 || string(sm.BoundingBox) == "null" {
		return tile.BoundingBox{}, false, nil
	}

	var poly polygon
	if err := json.Unmarshal(sm.BoundingBox, &poly); err != nil {
		return tile.BoundingBox{}, false, errors.Wrapf(err, "decoding %s bounding_box", side)
	}
	if poly.Type != "Polygon" {
		return tile.BoundingBox{}, false, fmt.Errorf("%s bounding_box: unsupported geometry type %q", side, poly.Type)
	}

	first := true
	for _, ring := range poly.Coordinates {
		for _, pos := range ring {
			lng, lat := pos[0], pos[1]
			if first {
				b = tile.BoundingBox{LatMax: lat, LatMin: lat, LngMax: lng, LngMin: lng}
				first = false
				continue
			}
			b = b.Union(tile.BoundingBox{LatMax: lat, LatMin: lat, LngMax: lng, LngMin: lng})
		}
	}
	if first {
		return tile.BoundingBox{}, false, fmt.Errorf("%s bounding_box has no coordinates", side)
	}
	if err := b.Validate(); err != nil {
		return tile.BoundingBox{}, false, err
	}
	return b, true, nil
}

// ProvenanceTags flattens the provenance block into string tags for the raster header
func (m *Metadata) ProvenanceTags() map[string]string {
	tags := make(map[string]string, len(m.Provenance))
	for k, raw := range m.Provenance {
		switch v := raw.(type) {
		case string:
			tags[k] = v
		case nil:
			tags[k] = ""
		default:
			b, err := json.Marshal(v)
			if err != nil {
				tags[k] = fmt.Sprint(v)
				continue
			}
			tags[k] = string(b)
		}
	}
	return tags
}
