package geotiff

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/fieldstitch/pkg/tile"
)

var testBounds = tile.BoundingBox{LatMax: 33.0764, LatMin: 33.0760, LngMax: -111.9748, LngMin: -111.9750}

func encodeDecode(t *testing.T, img image.Image, tags map[string]string) (Info, image.Image) {
	t.Helper()
	b := img.Bounds()
	gt := tile.NewGeoTransform(testBounds, b.Dx(), b.Dy())

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, img, gt, tags))

	info, err := ReadInfo(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	decoded, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return info, decoded
}

func TestGrayRoundTrip(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 37, 11))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}

	info, decoded := encodeDecode(t, img, map[string]string{"sensor": "stereoTop", "note": "a <b> & c"})

	assert.Equal(t, 37, info.Width)
	assert.Equal(t, 11, info.Height)
	assert.Equal(t, 1, info.SamplesPerPixel)
	assert.Equal(t, 8, info.BitsPerSample)
	assert.Equal(t, tile.EPSG, info.EPSG)
	assert.Equal(t, "stereoTop", info.Metadata["sensor"])
	assert.Equal(t, "a <b> & c", info.Metadata["note"])

	got := info.Bounds()
	assert.InDelta(t, testBounds.LatMax, got.LatMax, 1e-12)
	assert.InDelta(t, testBounds.LatMin, got.LatMin, 1e-12)
	assert.InDelta(t, testBounds.LngMax, got.LngMax, 1e-12)
	assert.InDelta(t, testBounds.LngMin, got.LngMin, 1e-12)

	gray, ok := decoded.(*image.Gray)
	require.True(t, ok, "got %T", decoded)
	assert.Equal(t, img.Pix, gray.Pix)
}

func TestGray16RoundTrip(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 5, 4))
	img.SetGray16(3, 2, color.Gray16{Y: 0xabcd})

	info, decoded := encodeDecode(t, img, nil)
	assert.Equal(t, 16, info.BitsPerSample)
	assert.Nil(t, info.Metadata)

	g16, ok := decoded.(*image.Gray16)
	require.True(t, ok, "got %T", decoded)
	assert.Equal(t, uint16(0xabcd), g16.Gray16At(3, 2).Y)
}

func TestRGBRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.SetRGBA(1, 1, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	img.SetRGBA(3, 2, color.RGBA{R: 200, G: 100, B: 50, A: 255})

	info, decoded := encodeDecode(t, img, nil)
	assert.Equal(t, 3, info.SamplesPerPixel)
	assert.False(t, info.Alpha)

	r, g, b, _ := decoded.At(1, 1).RGBA()
	assert.Equal(t, uint32(10), r>>8)
	assert.Equal(t, uint32(20), g>>8)
	assert.Equal(t, uint32(30), b>>8)
	r, _, _, _ = decoded.At(3, 2).RGBA()
	assert.Equal(t, uint32(200), r>>8)
}

func TestNRGBARoundTrip(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 3))
	img.SetNRGBA(0, 0, color.NRGBA{R: 50, G: 50, B: 50, A: 255})

	info, decoded := encodeDecode(t, img, nil)
	assert.Equal(t, 4, info.SamplesPerPixel)
	assert.True(t, info.Alpha)

	n, ok := decoded.(*image.NRGBA)
	require.True(t, ok, "got %T", decoded)
	assert.Equal(t, color.NRGBA{R: 50, G: 50, B: 50, A: 255}, n.NRGBAAt(0, 0))
	assert.Equal(t, uint8(0), n.NRGBAAt(2, 2).A)
}

func TestManyStrips(t *testing.T) {
	// wide enough that each strip holds a handful of rows
	img := image.NewGray(image.Rect(0, 0, 20000, 9))
	img.Pix[len(img.Pix)-1] = 42

	_, decoded := encodeDecode(t, img, nil)
	assert.Equal(t, uint8(42), decoded.(*image.Gray).GrayAt(19999, 8).Y)
}

func TestReadInfoRejectsPlainTIFF(t *testing.T) {
	_, err := ReadInfo(bytes.NewReader([]byte("not a tiff at all")))
	assert.Error(t, err)
}

func TestEncodeRejectsRotatedTransform(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	var buf bytes.Buffer
	err := Encode(&buf, img, tile.GeoTransform{0, 1, 0.5, 0, 0, -1}, nil)
	assert.Error(t, err)
}

func TestEncodeRejectsInvalidMetadata(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	gt := tile.NewGeoTransform(testBounds, 4, 4)

	var buf bytes.Buffer
	err := Encode(&buf, img, gt, map[string]string{"sensor": "stereo\xffTop"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid UTF-8")
	assert.Zero(t, buf.Len())
}

func TestGDALMetadataStable(t *testing.T) {
	tags := map[string]string{"side": "left", "capture": "a", "sensor": "stereoTop"}
	first, err := gdalMetadataXML(tags)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := gdalMetadataXML(tags)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Less(t, bytes.Index([]byte(first), []byte(`name="capture"`)), bytes.Index([]byte(first), []byte(`name="side"`)))
}
