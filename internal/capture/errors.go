package capture

import (
	"fmt"

	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// ShapeUnavailableError means metadata does not declare usable dimensions for a side
type ShapeUnavailableError struct {
	Side   tile.Side
	Reason string
}

func (e *ShapeUnavailableError) Error() string {
	return fmt.Sprintf("shape unavailable for %s camera: %s", e.Side, e.Reason)
}

// MalformedCaptureError means the raw buffer does not match the declared shape
type MalformedCaptureError struct {
	Side     tile.Side
	Shape    Shape
	BitDepth int
	Expected int
	Actual   int
}

func (e *MalformedCaptureError) Error() string {
	return fmt.Sprintf("malformed %s capture: %dx%d at %d bits needs %d bytes, got %d",
		e.Side, e.Shape.Width, e.Shape.Height, e.BitDepth, e.Expected, e.Actual)
}
