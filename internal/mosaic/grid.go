package mosaic

import (
	"fmt"
	"image"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// DefaultCellSize is the edge length in pixels of one grid cell
const DefaultCellSize = 256

// Cell addresses one square of a Grid
type Cell struct {
	Row int
	Col int
}

// Name is the file name of the cell raster
func (c Cell) Name() string {
	return fmt.Sprintf("%d_%d.tif", c.Row, c.Col)
}

// ParseCell is the inverse of Cell.Name
func ParseCell(name string) (Cell, error) {
	row, col, ok := strings.Cut(strings.TrimSuffix(name, ".tif"), "_")
	if !ok {
		return Cell{}, fmt.Errorf("invalid cell name %q", name)
	}
	r, err := strconv.Atoi(row)
	if err != nil {
		return Cell{}, fmt.Errorf("invalid cell row in %q", name)
	}
	c, err := strconv.Atoi(col)
	if err != nil {
		return Cell{}, fmt.Errorf("invalid cell column in %q", name)
	}
	return Cell{Row: r, Col: c}, nil
}

// SortCells orders cells row-major
func SortCells(cells []Cell) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Row != cells[j].Row {
			return cells[i].Row < cells[j].Row
		}
		return cells[i].Col < cells[j].Col
	})
}

// Grid is a fixed tiling of a raster into CellSize x CellSize pixel cells.
// Rasters rendered on the same grid are pixel aligned cell by cell.
type Grid struct {
	Origin   tile.GeoTransform
	Width    int
	Height   int
	CellSize int
}

// NewGrid lays a grid over extent at the given pixel size
func NewGrid(extent tile.BoundingBox, pixelW, pixelH float64, cellSize int) (Grid, error) {
	if err := extent.Validate(); err != nil {
		return Grid{}, err
	}
	if !(pixelW > 0) || !(pixelH > 0) {
		return Grid{}, fmt.Errorf("invalid grid pixel size %gx%g", pixelW, pixelH)
	}
	if cellSize <= 0 {
		return Grid{}, fmt.Errorf("invalid grid cell size %d", cellSize)
	}
	return Grid{
		Origin:   tile.GeoTransform{extent.LngMin, pixelW, 0, extent.LatMax, 0, -pixelH},
		Width:    pixelCount(extent.Width(), pixelW),
		Height:   pixelCount(extent.Height(), pixelH),
		CellSize: cellSize,
	}, nil
}

// Rows is the number of cell rows
func (g Grid) Rows() int {
	return (g.Height + g.CellSize - 1) / g.CellSize
}

// Cols is the number of cell columns
func (g Grid) Cols() int {
	return (g.Width + g.CellSize - 1) / g.CellSize
}

// Rect is the pixel window of c within the grid. Cells on the east and south
// edges may be smaller than CellSize.
func (g Grid) Rect(c Cell) image.Rectangle {
	r := image.Rect(c.Col*g.CellSize, c.Row*g.CellSize, (c.Col+1)*g.CellSize, (c.Row+1)*g.CellSize)
	return r.Intersect(image.Rect(0, 0, g.Width, g.Height))
}

// Transform is the geotransform of the cell raster
func (g Grid) Transform(c Cell) tile.GeoTransform {
	r := g.Rect(c)
	lng, lat := g.Origin.PixelToGeo(float64(r.Min.X), float64(r.Min.Y))
	return tile.GeoTransform{lng, g.Origin[1], 0, lat, 0, g.Origin[5]}
}

// Covering lists, row-major, the cells intersecting b
func (g Grid) Covering(b tile.BoundingBox) []Cell {
	x0, y0 := g.Origin.GeoToPixel(b.LngMin, b.LatMax)
	x1, y1 := g.Origin.GeoToPixel(b.LngMax, b.LatMin)
	size := float64(g.CellSize)

	colMin := clamp(int(math.Floor(x0/size)), 0, g.Cols()-1)
	colMax := clamp(int(math.Ceil(x1/size))-1, 0, g.Cols()-1)
	rowMin := clamp(int(math.Floor(y0/size)), 0, g.Rows()-1)
	rowMax := clamp(int(math.Ceil(y1/size))-1, 0, g.Rows()-1)

	var cells []Cell
	for r := rowMin; r <= rowMax; r++ {
		for c := colMin; c <= colMax; c++ {
			cells = append(cells, Cell{Row: r, Col: c})
		}
	}
	return cells
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
