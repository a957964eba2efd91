// Package geotiff reads and writes the georeferenced TIFF files exchanged between the
// tile converter and the mosaic compositor.
//
// Pixel decoding is delegated to golang.org/x/image/tiff. Writing and header parsing are
// done here because the geo tags (ModelPixelScale, ModelTiepoint, GeoKeyDirectory,
// GDAL_METADATA) are not exposed by that package.
package geotiff

// TIFF field types
const (
	dtASCII  = 2
	dtShort  = 3
	dtLong   = 4
	dtDouble = 12
)

// Baseline and GeoTIFF tags
const (
	tImageWidth                = 256
	tImageLength               = 257
	tBitsPerSample             = 258
	tCompression               = 259
	tPhotometricInterpretation = 262
	tStripOffsets              = 273
	tSamplesPerPixel           = 277
	tRowsPerStrip              = 278
	tStripByteCounts           = 279
	tPlanarConfiguration       = 284
	tExtraSamples              = 338
	tSampleFormat              = 339

	tModelPixelScale     = 33550
	tModelTiepoint       = 33922
	tModelTransformation = 34264
	tGeoKeyDirectory     = 34735
	tGDALMetadata        = 42112
)

const (
	photometricBlackIsZero = 1
	photometricRGB         = 2

	extraSampleUnassociatedAlpha = 2
)

// GeoKeys
const (
	keyGTModelType    = 1024
	keyGTRasterType   = 1025
	keyGeographicType = 2048

	modelTypeGeographic = 2
	rasterPixelIsArea   = 1
)

// stripTargetBytes bounds the size of one uncompressed strip
const stripTargetBytes = 64 * 1024

var typeSizes = map[uint16]uint32{
	dtASCII:  1,
	dtShort:  2,
	dtLong:   4,
	dtDouble: 8,
}
