package tile

import (
	"bytes"
	"fmt"
	"strings"
)

// WorldFilePath derives the sidecar name for a raster: x.tif -> x.tfw
func WorldFilePath(rasterPath string) string {
	worldFilename := rasterPath
	if idx := strings.LastIndex(worldFilename, "."); idx != -1 && !strings.Contains(worldFilename[idx:], "/") {
		worldFilename = worldFilename[:idx]
	}
	return worldFilename + ".tfw"
}

// WorldFile renders the six-line world file for a geotransform.
// World files reference the centre of the upper-left pixel, GDAL transforms its corner.
func WorldFile(g GeoTransform) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%24.10f\n", g[1])
	fmt.Fprintf(&buf, "%24.10f\n", g[4])
	fmt.Fprintf(&buf, "%24.10f\n", g[2])
	fmt.Fprintf(&buf, "%24.10f\n", g[5])
	fmt.Fprintf(&buf, "%24.10f\n", g[0]+g[1]/2+g[2]/2)
	fmt.Fprintf(&buf, "%24.10f\n", g[3]+g[4]/2+g[5]/2)
	return buf.Bytes()
}
