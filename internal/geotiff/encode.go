package geotiff

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"image"
	"image/draw"
	"io"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/kiesman99/fieldstitch/pkg/tile"
)

var enc = binary.LittleEndian

type ifdEntry struct {
	tag   uint16
	dtype uint16
	count uint32
	data  []byte
}

// pixelLayout describes how an image is flattened into TIFF samples
type pixelLayout struct {
	samples     int
	bits        int
	photometric uint16
	alpha       bool
	row         func(y int, dst []byte)
}

// Encode writes img as a little-endian, uncompressed GeoTIFF in EPSG:4326.
// tags are stored as GDAL raster-level metadata items.
func Encode(w io.Writer, img image.Image, gt tile.GeoTransform, tags map[string]string) error {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("cannot encode empty image %v", b)
	}
	if !(gt[1] > 0) || !(gt[5] < 0) || gt[2] != 0 || gt[4] != 0 {
		return fmt.Errorf("unsupported geotransform %v: want north-up with positive pixel size", gt)
	}

	layout := layoutFor(img)
	rowBytes := width * layout.samples * layout.bits / 8
	rowsPerStrip := stripTargetBytes / rowBytes
	if rowsPerStrip < 1 {
		rowsPerStrip = 1
	}
	if rowsPerStrip > height {
		rowsPerStrip = height
	}
	strips := (height + rowsPerStrip - 1) / rowsPerStrip

	bits := make([]uint16, layout.samples)
	formats := make([]uint16, layout.samples)
	for i := range bits {
		bits[i] = uint16(layout.bits)
		formats[i] = 1
	}
	stripCounts := make([]uint32, strips)
	for i := range stripCounts {
		rows := rowsPerStrip
		if last := height - i*rowsPerStrip; last < rows {
			rows = last
		}
		stripCounts[i] = uint32(rows * rowBytes)
	}

	entries := []ifdEntry{
		longEntry(tImageWidth, uint32(width)),
		longEntry(tImageLength, uint32(height)),
		shortEntry(tBitsPerSample, bits...),
		shortEntry(tCompression, 1),
		shortEntry(tPhotometricInterpretation, layout.photometric),
		longEntry(tStripOffsets, make([]uint32, strips)...),
		shortEntry(tSamplesPerPixel, uint16(layout.samples)),
		longEntry(tRowsPerStrip, uint32(rowsPerStrip)),
		longEntry(tStripByteCounts, stripCounts...),
		shortEntry(tPlanarConfiguration, 1),
		shortEntry(tSampleFormat, formats...),
		doubleEntry(tModelPixelScale, gt[1], -gt[5], 0),
		doubleEntry(tModelTiepoint, 0, 0, 0, gt[0], gt[3], 0),
		shortEntry(tGeoKeyDirectory,
			1, 1, 0, 3,
			keyGTModelType, 0, 1, modelTypeGeographic,
			keyGTRasterType, 0, 1, rasterPixelIsArea,
			keyGeographicType, 0, 1, tile.EPSG,
		),
	}
	if layout.alpha {
		entries = append(entries, shortEntry(tExtraSamples, extraSampleUnassociatedAlpha))
	}
	if len(tags) > 0 {
		md, err := gdalMetadataXML(tags)
		if err != nil {
			return err
		}
		entries = append(entries, asciiEntry(tGDALMetadata, md))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// layout: header | IFD | out-of-line values | strips
	const headerLen = 8
	ifdLen := 2 + 12*len(entries) + 4
	offset := uint64(headerLen + ifdLen)
	valueOffsets := make([]uint32, len(entries))
	for i, e := range entries {
		if len(e.data) > 4 {
			valueOffsets[i] = uint32(offset)
			offset += uint64(len(e.data))
			offset += offset & 1
		}
	}
	stripOffsets := make([]uint32, strips)
	for i := range stripOffsets {
		stripOffsets[i] = uint32(offset)
		offset += uint64(stripCounts[i])
	}
	if offset > math.MaxUint32 {
		return fmt.Errorf("image %dx%d too large for a classic TIFF", width, height)
	}
	for i := range entries {
		if entries[i].tag == tStripOffsets {
			entries[i] = longEntry(tStripOffsets, stripOffsets...)
		}
	}

	bw := bufio.NewWriterSize(w, 256*1024)
	header := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	enc.PutUint32(header[4:], headerLen)
	if _, err := bw.Write(header); err != nil {
		return errors.Wrap(err, "writing tiff header")
	}

	ifd := make([]byte, ifdLen)
	enc.PutUint16(ifd, uint16(len(entries)))
	for i, e := range entries {
		p := ifd[2+12*i:]
		enc.PutUint16(p[0:], e.tag)
		enc.PutUint16(p[2:], e.dtype)
		enc.PutUint32(p[4:], e.count)
		if len(e.data) > 4 {
			enc.PutUint32(p[8:], valueOffsets[i])
		} else {
			copy(p[8:12], e.data)
		}
	}
	// next IFD offset stays zero: single image
	if _, err := bw.Write(ifd); err != nil {
		return errors.Wrap(err, "writing tiff directory")
	}

	for _, e := range entries {
		if len(e.data) <= 4 {
			continue
		}
		if _, err := bw.Write(e.data); err != nil {
			return errors.Wrap(err, "writing tiff values")
		}
		if len(e.data)&1 == 1 {
			if err := bw.WriteByte(0); err != nil {
				return err
			}
		}
	}

	row := make([]byte, rowBytes)
	for y := 0; y < height; y++ {
		layout.row(y, row)
		if _, err := bw.Write(row); err != nil {
			return errors.Wrap(err, "writing tiff strips")
		}
	}
	return bw.Flush()
}

func layoutFor(img image.Image) pixelLayout {
	b := img.Bounds()
	w := b.Dx()
	switch m := img.(type) {
	case *image.Gray:
		return pixelLayout{1, 8, photometricBlackIsZero, false, func(y int, dst []byte) {
			copy(dst, m.Pix[m.PixOffset(b.Min.X, b.Min.Y+y):])
		}}
	case *image.Gray16:
		return pixelLayout{1, 16, photometricBlackIsZero, false, func(y int, dst []byte) {
			src := m.Pix[m.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < w; x++ {
				dst[2*x], dst[2*x+1] = src[2*x+1], src[2*x]
			}
		}}
	case *image.RGBA:
		return pixelLayout{3, 8, photometricRGB, false, func(y int, dst []byte) {
			src := m.Pix[m.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < w; x++ {
				copy(dst[3*x:3*x+3], src[4*x:4*x+3])
			}
		}}
	case *image.RGBA64:
		return pixelLayout{3, 16, photometricRGB, false, func(y int, dst []byte) {
			src := m.Pix[m.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < w; x++ {
				for c := 0; c < 3; c++ {
					dst[6*x+2*c], dst[6*x+2*c+1] = src[8*x+2*c+1], src[8*x+2*c]
				}
			}
		}}
	case *image.NRGBA:
		return pixelLayout{4, 8, photometricRGB, true, func(y int, dst []byte) {
			copy(dst, m.Pix[m.PixOffset(b.Min.X, b.Min.Y+y):])
		}}
	case *image.NRGBA64:
		return pixelLayout{4, 16, photometricRGB, true, func(y int, dst []byte) {
			src := m.Pix[m.PixOffset(b.Min.X, b.Min.Y+y):]
			for i := 0; i < 4*w; i++ {
				dst[2*i], dst[2*i+1] = src[2*i+1], src[2*i]
			}
		}}
	}
	// anything else is flattened to 8-bit RGB
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)
	return layoutFor(rgba)
}

func shortEntry(tag uint16, vals ...uint16) ifdEntry {
	data := make([]byte, 2*len(vals))
	for i, v := range vals {
		enc.PutUint16(data[2*i:], v)
	}
	return ifdEntry{tag, dtShort, uint32(len(vals)), data}
}

func longEntry(tag uint16, vals ...uint32) ifdEntry {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		enc.PutUint32(data[4*i:], v)
	}
	return ifdEntry{tag, dtLong, uint32(len(vals)), data}
}

func doubleEntry(tag uint16, vals ...float64) ifdEntry {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		enc.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return ifdEntry{tag, dtDouble, uint32(len(vals)), data}
}

func asciiEntry(tag uint16, s string) ifdEntry {
	data := append([]byte(s), 0)
	return ifdEntry{tag, dtASCII, uint32(len(data)), data}
}

type gdalMetadata struct {
	XMLName xml.Name   `xml:"GDALMetadata"`
	Items   []gdalItem `xml:"Item"`
}

type gdalItem struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// gdalMetadataXML renders tags in the layout GDAL uses for the default metadata domain.
// Items are sorted by name so equal tags produce equal bytes.
func gdalMetadataXML(tags map[string]string) (string, error) {
	keys := make([]string, 0, len(tags))
	for k, v := range tags {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return "", fmt.Errorf("metadata item %q is not valid UTF-8", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	md := gdalMetadata{Items: make([]gdalItem, 0, len(keys))}
	for _, k := range keys {
		md.Items = append(md.Items, gdalItem{Name: k, Value: tags[k]})
	}
	var buf bytes.Buffer
	xe := xml.NewEncoder(&buf)
	xe.Indent("", "  ")
	if err := xe.Encode(md); err != nil {
		return "", errors.Wrap(err, "encoding GDAL metadata")
	}
	return buf.String(), nil
}
