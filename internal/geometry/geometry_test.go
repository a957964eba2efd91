package geometry

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/fieldstitch/pkg/tile"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(DefaultCalibration())
	require.NoError(t, err)
	return r
}

func TestResolveDeterministic(t *testing.T) {
	r := newTestResolver(t)
	pose := CameraPose{X: 123.456, Y: 7.89, Z: 2.15}

	first, err := r.Resolve(pose, tile.Left)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := r.Resolve(pose, tile.Left)
		require.NoError(t, err)
		// bit-identical, not approximately equal
		assert.Equal(t, math.Float64bits(first.LatMax), math.Float64bits(again.LatMax))
		assert.Equal(t, math.Float64bits(first.LatMin), math.Float64bits(again.LatMin))
		assert.Equal(t, math.Float64bits(first.LngMax), math.Float64bits(again.LngMax))
		assert.Equal(t, math.Float64bits(first.LngMin), math.Float64bits(again.LngMin))
	}
}

func TestResolveOrdering(t *testing.T) {
	r := newTestResolver(t)
	for _, pose := range []CameraPose{
		{X: 0, Y: 0, Z: 2},
		{X: 210.5, Y: 22.1, Z: 0.8},
		{X: -3, Y: -4, Z: 5},
	} {
		for _, side := range tile.Sides {
			b, err := r.Resolve(pose, side)
			require.NoError(t, err)
			assert.Greater(t, b.LatMax, b.LatMin)
			assert.Greater(t, b.LngMax, b.LngMin)
		}
	}
}

func TestResolveStereoOffset(t *testing.T) {
	r := newTestResolver(t)
	pose := CameraPose{X: 50, Y: 10, Z: 2}

	left, err := r.Resolve(pose, tile.Left)
	require.NoError(t, err)
	right, err := r.Resolve(pose, tile.Right)
	require.NoError(t, err)

	// the baseline runs along x, so only latitude differs
	assert.InDelta(t, left.LngMin, right.LngMin, 1e-12)
	assert.InDelta(t, left.LngMax, right.LngMax, 1e-12)
	shift := 2 * r.Calibration().StereoOffsetM * r.Calibration().LatDegPerM
	assert.InDelta(t, shift, left.LatMax-right.LatMax, 1e-12)
}

func TestFieldOfViewScalesWithHeight(t *testing.T) {
	r := newTestResolver(t)
	low := r.FieldOfView(1)
	high := r.FieldOfView(2)
	assert.InDelta(t, 2*low.X, high.X, 1e-12)
	assert.InDelta(t, 2*low.Y, high.Y, 1e-12)
	assert.Greater(t, high.X, high.Y)
}

func TestResolveDegenerate(t *testing.T) {
	r := newTestResolver(t)
	for _, z := range []float64{0, -2, math.NaN()} {
		_, err := r.Resolve(CameraPose{X: 1, Y: 1, Z: z}, tile.Left)
		var degenerate *tile.DegenerateGeometryError
		assert.True(t, errors.As(err, &degenerate), "z=%v: %v", z, err)
	}

	_, err := r.Resolve(CameraPose{Z: 2}, tile.Side("center"))
	assert.Error(t, err)
}

func TestCalibrationValidate(t *testing.T) {
	cal := DefaultCalibration()
	cal.FocalLengthM = 0
	_, err := NewResolver(cal)
	assert.Error(t, err)

	cal = DefaultCalibration()
	cal.LngDegPerM = 0
	assert.Error(t, cal.Validate())
}
