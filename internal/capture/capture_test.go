package capture

import (
	"errors"
	"image"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/fieldstitch/pkg/tile"
)

const sampleMetadata = `{
  "sensor_fixed_metadata": {
    "bit_depth": 8,
    "bayer_pattern": "GRBG",
    "cameras": {"left": {"width": 3296, "height": 2472}, "right": {"width": 3296, "height": 2472}}
  },
  "gantry_variable_metadata": {"position_m": {"x": 12.5, "y": 3.25, "z": 2.0}},
  "provenance": {"sensor": "stereoTop", "run": 7, "operator": null}
}`

func TestMetadataShape(t *testing.T) {
	md, err := ParseMetadata(strings.NewReader(sampleMetadata))
	require.NoError(t, err)

	shape, err := md.Shape(tile.Left)
	require.NoError(t, err)
	assert.Equal(t, Shape{Width: 3296, Height: 2472}, shape)
	assert.Equal(t, 8, md.BitDepth())

	pose, err := md.Pose()
	require.NoError(t, err)
	assert.Equal(t, 12.5, pose.X)
	assert.Equal(t, 2.0, pose.Z)

	tags := md.ProvenanceTags()
	assert.Equal(t, "stereoTop", tags["sensor"])
	assert.Equal(t, "7", tags["run"])
	assert.Equal(t, "", tags["operator"])
}

func TestMetadataShapeUnavailable(t *testing.T) {
	md, err := ParseMetadata(strings.NewReader(`{"sensor_fixed_metadata": {"cameras": {"left": {"width": 4, "height": 0}}}}`))
	require.NoError(t, err)

	for _, side := range tile.Sides {
		_, err := md.Shape(side)
		var unavailable *ShapeUnavailableError
		require.True(t, errors.As(err, &unavailable), "side %s: %v", side, err)
		assert.Equal(t, side, unavailable.Side)
	}

	_, err = md.Pose()
	assert.Error(t, err)
}

func TestDecodeFullSizeCapture(t *testing.T) {
	shape := Shape{Width: 3296, Height: 2472}
	data := make([]byte, shape.Width*shape.Height*BytesPerPixel(8))
	data[0] = 17
	data[len(data)-1] = 99

	img, err := Decode(CaptureBuffer{Data: data, BitDepth: 8, Side: tile.Left}, shape, DecodeOptions{})
	require.NoError(t, err)

	gray, ok := img.(*image.Gray)
	require.True(t, ok, "expected *image.Gray, got %T", img)
	assert.Equal(t, 3296, gray.Bounds().Dx())
	assert.Equal(t, 2472, gray.Bounds().Dy())
	assert.Equal(t, uint8(17), gray.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(99), gray.GrayAt(3295, 2471).Y)
}

func TestDecodeOneByteShort(t *testing.T) {
	shape := Shape{Width: 3296, Height: 2472}
	data := make([]byte, shape.Width*shape.Height-1)

	_, err := Decode(CaptureBuffer{Data: data, BitDepth: 8, Side: tile.Left}, shape, DecodeOptions{})
	var malformed *MalformedCaptureError
	require.True(t, errors.As(err, &malformed), "expected MalformedCaptureError, got %v", err)
	assert.Equal(t, shape.Width*shape.Height, malformed.Expected)
	assert.Equal(t, shape.Width*shape.Height-1, malformed.Actual)
}

func TestDecodeSixteenBit(t *testing.T) {
	shape := Shape{Width: 2, Height: 1}
	// 12-bit samples stored little-endian in 2 bytes
	data := []byte{0xff, 0x0f, 0x01, 0x00}

	img, err := Decode(CaptureBuffer{Data: data, BitDepth: 12, Side: tile.Right}, shape, DecodeOptions{})
	require.NoError(t, err)

	g16, ok := img.(*image.Gray16)
	require.True(t, ok)
	assert.Equal(t, uint16(0xfff0), g16.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(0x0010), g16.Gray16At(1, 0).Y)

	_, err = Decode(CaptureBuffer{Data: data[:3], BitDepth: 12, Side: tile.Right}, shape, DecodeOptions{})
	var malformed *MalformedCaptureError
	assert.True(t, errors.As(err, &malformed))
}

func TestDecodeDemosaic(t *testing.T) {
	// uniform 2x2 RGGB cells: R=200, G=100, B=50
	shape := Shape{Width: 4, Height: 4}
	data := make([]byte, 16)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			switch {
			case y%2 == 0 && x%2 == 0:
				data[y*4+x] = 200
			case y%2 == 1 && x%2 == 1:
				data[y*4+x] = 50
			default:
				data[y*4+x] = 100
			}
		}
	}

	img, err := Decode(CaptureBuffer{Data: data, BitDepth: 8, Side: tile.Left}, shape, DecodeOptions{Demosaic: BayerRGGB})
	require.NoError(t, err)

	rgba, ok := img.(*image.RGBA)
	require.True(t, ok)
	// interior pixels see a full neighbourhood
	c := rgba.RGBAAt(1, 1)
	assert.Equal(t, uint8(200), c.R)
	assert.Equal(t, uint8(100), c.G)
	assert.Equal(t, uint8(50), c.B)
	c = rgba.RGBAAt(2, 2)
	assert.Equal(t, uint8(200), c.R)
	assert.Equal(t, uint8(50), c.B)
}

func TestParseBayerPattern(t *testing.T) {
	p, err := ParseBayerPattern("grbg")
	require.NoError(t, err)
	assert.Equal(t, BayerGRBG, p)

	p, err = ParseBayerPattern("none")
	require.NoError(t, err)
	assert.Equal(t, BayerNone, p)

	_, err = ParseBayerPattern("XYZW")
	assert.Error(t, err)
}

func TestReadCapture(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/raw/c_left.bin", []byte{1, 2, 3, 4}, 0o644))

	buf, err := ReadCapture(fs, "/raw/c_left.bin", 8, tile.Left)
	require.NoError(t, err)
	assert.Len(t, buf.Data, 4)
	assert.Equal(t, tile.Left, buf.Side)

	_, err = ReadCapture(fs, "/raw/missing.bin", 8, tile.Left)
	assert.Error(t, err)
}

func TestMetadataBounds(t *testing.T) {
	md, err := ParseMetadata(strings.NewReader(`{
  "spatial_metadata": {
    "left": {"bounding_box": {"type": "Polygon", "coordinates": [[
      [-111.97, 33.07], [-111.96, 33.07], [-111.96, 33.08], [-111.97, 33.08], [-111.97, 33.07]
    ]]}},
    "right": {"bounding_box": {"type": "Polygon", "coordinates": [[[-111.97, 33.07], [-111.97, 33.08]]]}}
  }
}`))
	require.NoError(t, err)

	b, ok, err := md.Bounds(tile.Left)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tile.BoundingBox{LatMax: 33.08, LatMin: 33.07, LngMax: -111.96, LngMin: -111.97}, b)

	// a zero-width footprint is rejected like a computed one
	_, _, err = md.Bounds(tile.Right)
	var degenerate *tile.DegenerateGeometryError
	require.True(t, errors.As(err, &degenerate), "got %v", err)

	plain, err := ParseMetadata(strings.NewReader(sampleMetadata))
	require.NoError(t, err)
	_, ok, err = plain.Bounds(tile.Left)
	require.NoError(t, err)
	assert.False(t, ok)

	bad, err := ParseMetadata(strings.NewReader(`{"spatial_metadata": {"left": {"bounding_box": {"type": "Point", "coordinates": [1, 2]}}}}`))
	require.NoError(t, err)
	_, _, err = bad.Bounds(tile.Left)
	assert.Error(t, err)
}
