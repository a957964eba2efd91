package tile

import "math"

// GeoTransform is the affine pixel-to-geographic mapping in GDAL order:
// originLng, pixelWidth, 0, originLat, 0, -pixelHeight.
// Pixel (0,0) is the north-west corner of the raster.
type GeoTransform [6]float64

// NewGeoTransform maps a width x height raster onto bounds
func NewGeoTransform(b BoundingBox, width, height int) GeoTransform {
	return GeoTransform{
		b.LngMin, b.Width() / float64(width), 0,
		b.LatMax, 0, -b.Height() / float64(height),
	}
}

// PixelWidth is the longitudinal size of one pixel in degrees
func (g GeoTransform) PixelWidth() float64 {
	return g[1]
}

// PixelHeight is the latitudinal size of one pixel in degrees (positive)
func (g GeoTransform) PixelHeight() float64 {
	return math.Abs(g[5])
}

// PixelToGeo converts a pixel column/row (may be fractional) to lng/lat
func (g GeoTransform) PixelToGeo(col, row float64) (lng, lat float64) {
	lng = g[0] + col*g[1] + row*g[2]
	lat = g[3] + col*g[4] + row*g[5]
	return lng, lat
}

// GeoToPixel converts lng/lat into fractional pixel coordinates.
// Rotation terms are not supported and must be zero.
func (g GeoTransform) GeoToPixel(lng, lat float64) (col, row float64) {
	col = (lng - g[0]) / g[1]
	row = (lat - g[3]) / g[5]
	return col, row
}

// Bounds returns the footprint of a width x height raster
func (g GeoTransform) Bounds(width, height int) BoundingBox {
	lngMin, latMax := g.PixelToGeo(0, 0)
	lngMax, latMin := g.PixelToGeo(float64(width), float64(height))
	return BoundingBox{LatMax: latMax, LatMin: latMin, LngMax: lngMax, LngMin: lngMin}
}
