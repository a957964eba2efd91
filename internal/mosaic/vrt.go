package mosaic

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kiesman99/fieldstitch/internal/writer"
	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// The descriptor follows the GDAL VRT layout so the index can be opened by GDAL tools.

type vrtDataset struct {
	XMLName      xml.Name  `xml:"VRTDataset"`
	RasterXSize  int       `xml:"rasterXSize,attr"`
	RasterYSize  int       `xml:"rasterYSize,attr"`
	SRS          string    `xml:"SRS"`
	GeoTransform string    `xml:"GeoTransform"`
	Bands        []vrtBand `xml:"VRTRasterBand"`
}

type vrtBand struct {
	DataType    string      `xml:"dataType,attr"`
	Band        int         `xml:"band,attr"`
	ColorInterp string      `xml:"ColorInterp"`
	Sources     []vrtSource `xml:"SimpleSource"`
}

type vrtSource struct {
	Filename   vrtFilename   `xml:"SourceFilename"`
	SourceBand int           `xml:"SourceBand"`
	Properties vrtProperties `xml:"SourceProperties"`
	SrcRect    vrtRect       `xml:"SrcRect"`
	DstRect    vrtRect       `xml:"DstRect"`
}

type vrtFilename struct {
	RelativeToVRT int    `xml:"relativeToVRT,attr"`
	Path          string `xml:",chardata"`
}

type vrtProperties struct {
	RasterXSize int    `xml:"RasterXSize,attr"`
	RasterYSize int    `xml:"RasterYSize,attr"`
	DataType    string `xml:"DataType,attr"`
}

type vrtRect struct {
	XOff  float64 `xml:"xOff,attr"`
	YOff  float64 `xml:"yOff,attr"`
	XSize float64 `xml:"xSize,attr"`
	YSize float64 `xml:"ySize,attr"`
}

func dataType(bitDepth int) string {
	if bitDepth > 8 {
		return "UInt16"
	}
	return "Byte"
}

func bitDepthOf(dataType string) (int, error) {
	switch dataType {
	case "Byte":
		return 8, nil
	case "UInt16":
		return 16, nil
	}
	return 0, fmt.Errorf("unsupported VRT data type %q", dataType)
}

func colorInterp(band, bands int) string {
	if bands == 1 {
		return "Gray"
	}
	return [...]string{"Red", "Green", "Blue"}[(band-1)%3]
}

// MarshalVRT renders idx as a VRT document
func MarshalVRT(idx *Index) ([]byte, error) {
	width, height := idx.Size()
	gt := idx.Transform()
	ds := vrtDataset{
		RasterXSize:  width,
		RasterYSize:  height,
		SRS:          tile.CRS,
		GeoTransform: formatTransform(gt),
	}
	dt := dataType(idx.BitDepth)
	for b := 1; b <= idx.Bands; b++ {
		band := vrtBand{DataType: dt, Band: b, ColorInterp: colorInterp(b, idx.Bands)}
		for _, t := range idx.Tiles {
			srcBand := b
			if srcBand > t.ColorBands() {
				srcBand = t.ColorBands()
			}
			col, row := gt.GeoToPixel(t.Transform[0], t.Transform[3])
			band.Sources = append(band.Sources, vrtSource{
				Filename:   vrtFilename{Path: t.Path},
				SourceBand: srcBand,
				Properties: vrtProperties{RasterXSize: t.Width, RasterYSize: t.Height, DataType: dataType(t.BitDepth)},
				SrcRect:    vrtRect{XSize: float64(t.Width), YSize: float64(t.Height)},
				DstRect: vrtRect{
					XOff:  col,
					YOff:  row,
					XSize: float64(t.Width) * t.Transform.PixelWidth() / idx.PixelW,
					YSize: float64(t.Height) * t.Transform.PixelHeight() / idx.PixelH,
				},
			})
		}
		ds.Bands = append(ds.Bands, band)
	}

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(ds); err != nil {
		return nil, errors.Wrap(err, "encoding VRT")
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// UnmarshalVRT rebuilds an index from a VRT document without opening the tiles
func UnmarshalVRT(data []byte) (*Index, error) {
	var ds vrtDataset
	if err := xml.Unmarshal(data, &ds); err != nil {
		return nil, errors.Wrap(err, "decoding VRT")
	}
	if len(ds.Bands) == 0 {
		return nil, fmt.Errorf("VRT has no bands")
	}
	gt, err := parseTransform(ds.GeoTransform)
	if err != nil {
		return nil, err
	}

	tiles := make([]tile.GeoTile, 0, len(ds.Bands[0].Sources))
	for _, src := range ds.Bands[0].Sources {
		w, h := src.Properties.RasterXSize, src.Properties.RasterYSize
		if w <= 0 || h <= 0 {
			return nil, fmt.Errorf("VRT source %s has invalid size %dx%d", src.Filename.Path, w, h)
		}
		bd, err := bitDepthOf(src.Properties.DataType)
		if err != nil {
			return nil, err
		}
		lng, lat := gt.PixelToGeo(src.DstRect.XOff, src.DstRect.YOff)
		tiles = append(tiles, tile.GeoTile{
			Path:     src.Filename.Path,
			Width:    w,
			Height:   h,
			Bands:    len(ds.Bands),
			BitDepth: bd,
			Transform: tile.GeoTransform{
				lng, src.DstRect.XSize * gt[1] / float64(w), 0,
				lat, 0, src.DstRect.YSize * gt[5] / float64(h),
			},
		})
	}

	idx, err := NewIndex(tiles)
	if err != nil {
		return nil, err
	}
	idx.PixelW, idx.PixelH = gt[1], -gt[5]
	idx.Bands = len(ds.Bands)
	if idx.BitDepth, err = bitDepthOf(ds.Bands[0].DataType); err != nil {
		return nil, err
	}
	return idx, nil
}

// WriteVRT stores the descriptor for idx at path
func WriteVRT(w *writer.Writer, path string, idx *Index) error {
	data, err := MarshalVRT(idx)
	if err != nil {
		return err
	}
	return w.WriteFile(path, data)
}

// ReadVRT loads the descriptor at path
func ReadVRT(fs afero.Fs, path string) (*Index, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading VRT %s", path)
	}
	idx, err := UnmarshalVRT(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing VRT %s", path)
	}
	return idx, nil
}

func formatTransform(gt tile.GeoTransform) string {
	parts := make([]string, len(gt))
	for i, v := range gt {
		parts[i] = strconv.FormatFloat(v, 'e', 16, 64)
	}
	return " " + strings.Join(parts, ", ")
}

func parseTransform(s string) (tile.GeoTransform, error) {
	var gt tile.GeoTransform
	parts := strings.Split(s, ",")
	if len(parts) != len(gt) {
		return gt, fmt.Errorf("VRT geotransform has %d terms, want %d", len(parts), len(gt))
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return gt, errors.Wrapf(err, "VRT geotransform term %d", i)
		}
		gt[i] = v
	}
	return gt, nil
}
