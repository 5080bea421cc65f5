package geometry

import (
	"math"
	"testing"

	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapPointUnmirrored(t *testing.T) {
	tests := []struct {
		name string
		tr   types.Transform
		in   types.Point
	}{
		{"identity", types.Transform{ScaleX: 1, ScaleY: 1}, types.Point{X: 12, Y: 34}},
		{"uniform", types.Transform{ScaleX: 2, ScaleY: 2}, types.Point{X: 150, Y: 120}},
		{"anisotropic", types.Transform{ScaleX: 1.5, ScaleY: 0.25}, types.Point{X: -8, Y: 400}},
		{"origin ignored", types.Transform{ScaleX: 3, ScaleY: 2, MirrorOrigin: 999}, types.Point{X: 1, Y: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapPoint(tt.in, tt.tr)
			assert.InDelta(t, tt.in.X*tt.tr.ScaleX, got.X, 1e-9)
			assert.InDelta(t, tt.in.Y*tt.tr.ScaleY, got.Y, 1e-9)
		})
	}
}

func TestMapPointMirrorInvolution(t *testing.T) {
	const width = 640.0
	points := []types.Point{{X: 0, Y: 0}, {X: 100, Y: 50}, {X: 319.5, Y: 10}, {X: 640, Y: 480}}

	for _, scale := range []float64{0.5, 1, 2.25} {
		first := types.Transform{ScaleX: scale, ScaleY: scale, Mirror: true, MirrorOrigin: width}
		second := types.Transform{ScaleX: 1, ScaleY: 1, Mirror: true, MirrorOrigin: 0}
		for _, p := range points {
			mirrored := MapPoint(p, first)
			back := MapPoint(mirrored, second)
			// Mirroring about W then about 0 leaves x*scale - W.
			assert.InDelta(t, p.X*scale-width, back.X, 1e-9)
			assert.InDelta(t, p.Y*scale, back.Y, 1e-9)
		}
	}
}

func TestMapPointMirrorFormula(t *testing.T) {
	tr := types.Transform{ScaleX: 2, ScaleY: 3, Mirror: true, MirrorOrigin: 1000}
	got := MapPoint(types.Point{X: 100, Y: 10}, tr)
	assert.Equal(t, types.Point{X: 800, Y: 30}, got)
}

func TestMapPointPropagatesNonFinite(t *testing.T) {
	tr := types.Transform{ScaleX: 1, ScaleY: 1}
	got := MapPoint(types.Point{X: math.NaN(), Y: math.Inf(1)}, tr)
	assert.True(t, math.IsNaN(got.X))
	assert.True(t, math.IsInf(got.Y, 1))
}

func TestMapRectNormalized(t *testing.T) {
	r := types.Rect{Left: 100, Top: 50, Right: 300, Bottom: 250}
	for _, mirror := range []bool{false, true} {
		for _, scale := range []float64{0.5, 1, 2} {
			tr := types.Transform{ScaleX: scale, ScaleY: scale, Mirror: mirror, MirrorOrigin: 640}
			got := MapRect(r, tr)
			assert.LessOrEqual(t, got.Left, got.Right)
			assert.LessOrEqual(t, got.Top, got.Bottom)
			assert.InDelta(t, r.Width()*scale, got.Width(), 1e-9)
			assert.InDelta(t, r.Height()*scale, got.Height(), 1e-9)
		}
	}

	mirrored := MapRect(r, types.Transform{ScaleX: 2, ScaleY: 2, Mirror: true, MirrorOrigin: 1280})
	assert.Equal(t, types.Rect{Left: 680, Top: 100, Right: 1080, Bottom: 500}, mirrored)
}

func TestMapLandmarks(t *testing.T) {
	face := types.FaceRecord{
		Box: types.Rect{Left: 0, Top: 0, Right: 10, Bottom: 10},
		Landmarks: map[types.LandmarkKind]types.Point{
			types.LeftEye:  {X: 2, Y: 3},
			types.RightEye: {X: 8, Y: 3},
		},
	}
	tr := types.Transform{ScaleX: 10, ScaleY: 10}

	got, ok := MapLandmarks(face, []types.LandmarkKind{types.LeftEye, types.RightEye}, tr)
	require.True(t, ok)
	assert.Equal(t, types.Point{X: 20, Y: 30}, got[types.LeftEye])
	assert.Equal(t, types.Point{X: 80, Y: 30}, got[types.RightEye])

	_, ok = MapLandmarks(face, []types.LandmarkKind{types.NoseBase}, tr)
	assert.False(t, ok)

	none, ok := MapLandmarks(face, nil, tr)
	assert.True(t, ok)
	assert.Empty(t, none)
}
