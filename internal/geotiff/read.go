package geotiff

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"image"
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/image/tiff"

	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// Info is the header of a GeoTIFF, read without touching pixel data
type Info struct {
	Width           int
	Height          int
	SamplesPerPixel int
	BitsPerSample   int
	Alpha           bool
	Transform       tile.GeoTransform
	EPSG            int
	Metadata        map[string]string
}

// Bounds returns the geographic footprint described by the header
func (i Info) Bounds() tile.BoundingBox {
	return i.Transform.Bounds(i.Width, i.Height)
}

// Tile binds the header to the path it was read from
func (i Info) Tile(path string) tile.GeoTile {
	return tile.GeoTile{
		Path:      path,
		Width:     i.Width,
		Height:    i.Height,
		Bands:     i.SamplesPerPixel,
		BitDepth:  i.BitsPerSample,
		Alpha:     i.Alpha,
		Transform: i.Transform,
		Metadata:  i.Metadata,
	}
}

type rawEntry struct {
	dtype uint16
	count uint32
	value []byte
}

// ReadInfo parses the first image directory of a GeoTIFF.
// Files without a geotransform are rejected.
func ReadInfo(r io.ReadSeeker) (Info, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Info{}, errors.Wrap(err, "reading tiff header")
	}
	var bo binary.ByteOrder
	switch string(hdr[:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return Info{}, fmt.Errorf("not a tiff file")
	}
	if bo.Uint16(hdr[2:]) != 42 {
		return Info{}, fmt.Errorf("unsupported tiff version %d", bo.Uint16(hdr[2:]))
	}

	if _, err := r.Seek(int64(bo.Uint32(hdr[4:])), io.SeekStart); err != nil {
		return Info{}, errors.Wrap(err, "seeking to tiff directory")
	}
	var n [2]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return Info{}, errors.Wrap(err, "reading tiff directory")
	}
	count := int(bo.Uint16(n[:]))
	dir := make([]byte, 12*count)
	if _, err := io.ReadFull(r, dir); err != nil {
		return Info{}, errors.Wrap(err, "reading tiff directory entries")
	}

	entries := make(map[uint16]rawEntry, count)
	for i := 0; i < count; i++ {
		p := dir[12*i:]
		tag, dtype, cnt := bo.Uint16(p), bo.Uint16(p[2:]), bo.Uint32(p[4:])
		size, ok := typeSizes[dtype]
		if !ok {
			continue
		}
		total := uint64(size) * uint64(cnt)
		if total <= 4 {
			entries[tag] = rawEntry{dtype, cnt, append([]byte(nil), p[8:8+total]...)}
			continue
		}
		if total > 1<<24 {
			return Info{}, fmt.Errorf("tiff tag %d too large (%d bytes)", tag, total)
		}
		// remember the offset; values are loaded after the directory scan
		entries[tag] = rawEntry{dtype, cnt, append([]byte{}, p[8:12]...)}
	}
	for tag, e := range entries {
		total := uint64(typeSizes[e.dtype]) * uint64(e.count)
		if total <= 4 {
			continue
		}
		if _, err := r.Seek(int64(bo.Uint32(e.value)), io.SeekStart); err != nil {
			return Info{}, errors.Wrapf(err, "seeking to tiff tag %d", tag)
		}
		buf := make([]byte, total)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Info{}, errors.Wrapf(err, "reading tiff tag %d", tag)
		}
		entries[tag] = rawEntry{e.dtype, e.count, buf}
	}

	ints := func(tag uint16) []uint32 {
		e, ok := entries[tag]
		if !ok {
			return nil
		}
		out := make([]uint32, e.count)
		for i := range out {
			switch e.dtype {
			case dtShort:
				out[i] = uint32(bo.Uint16(e.value[2*i:]))
			case dtLong:
				out[i] = bo.Uint32(e.value[4*i:])
			}
		}
		return out
	}
	doubles := func(tag uint16) []float64 {
		e, ok := entries[tag]
		if !ok || e.dtype != dtDouble {
			return nil
		}
		out := make([]float64, e.count)
		for i := range out {
			out[i] = math.Float64frombits(bo.Uint64(e.value[8*i:]))
		}
		return out
	}
	first := func(tag uint16, def int) int {
		if v := ints(tag); len(v) > 0 {
			return int(v[0])
		}
		return def
	}

	info := Info{
		Width:           first(tImageWidth, 0),
		Height:          first(tImageLength, 0),
		SamplesPerPixel: first(tSamplesPerPixel, 1),
		BitsPerSample:   first(tBitsPerSample, 1),
		Alpha:           len(ints(tExtraSamples)) > 0,
	}
	if info.Width <= 0 || info.Height <= 0 {
		return Info{}, fmt.Errorf("tiff has invalid size %dx%d", info.Width, info.Height)
	}

	scale, tie := doubles(tModelPixelScale), doubles(tModelTiepoint)
	switch {
	case len(scale) >= 2 && len(tie) >= 6:
		// tie point maps raster (I,J) to model (X,Y)
		originLng := tie[3] - tie[0]*scale[0]
		originLat := tie[4] + tie[1]*scale[1]
		info.Transform = tile.GeoTransform{originLng, scale[0], 0, originLat, 0, -scale[1]}
	case len(doubles(tModelTransformation)) >= 16:
		m := doubles(tModelTransformation)
		info.Transform = tile.GeoTransform{m[3], m[0], m[1], m[7], m[4], m[5]}
	default:
		return Info{}, fmt.Errorf("tiff has no georeferencing tags")
	}

	if keys := ints(tGeoKeyDirectory); len(keys) >= 4 {
		for i := 4; i+3 < len(keys); i += 4 {
			if keys[i] == keyGeographicType && keys[i+1] == 0 {
				info.EPSG = int(keys[i+3])
			}
		}
	}

	if e, ok := entries[tGDALMetadata]; ok && e.dtype == dtASCII {
		md, err := parseGDALMetadata(strings.TrimRight(string(e.value), "\x00"))
		if err != nil {
			return Info{}, err
		}
		info.Metadata = md
	}
	return info, nil
}

func parseGDALMetadata(s string) (map[string]string, error) {
	var md gdalMetadata
	if err := xml.Unmarshal([]byte(s), &md); err != nil {
		return nil, errors.Wrap(err, "parsing GDAL metadata")
	}
	out := make(map[string]string, len(md.Items))
	for _, item := range md.Items {
		out[item.Name] = item.Value
	}
	return out, nil
}

// Decode reads the pixel data of a TIFF
func Decode(r io.Reader) (image.Image, error) {
	img, err := tiff.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "decoding tiff pixels")
	}
	return img, nil
}
