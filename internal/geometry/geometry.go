// Package geometry maps detector-space face geometry into display space.
//
// All functions are pure. Non-finite inputs propagate as NaN/Inf; callers
// validate the transform with types.Transform.Valid before mapping.
package geometry

import "github.com/andresmejia3/facefilter/internal/types"

// MapPoint converts a detector-space point to display space.
func MapPoint(p types.Point, t types.Transform) types.Point {
	x := p.X * t.ScaleX
	if t.Mirror {
		x = -x + t.MirrorOrigin
	}
	return types.Point{X: x, Y: p.Y * t.ScaleY}
}

// MapRect maps opposite corners independently and normalizes the result,
// since mirroring swaps the left and right edges.
func MapRect(r types.Rect, t types.Transform) types.Rect {
	tl := MapPoint(types.Point{X: r.Left, Y: r.Top}, t)
	br := MapPoint(types.Point{X: r.Right, Y: r.Bottom}, t)
	return types.Rect{Left: tl.X, Top: tl.Y, Right: br.X, Bottom: br.Y}.Normalize()
}

// MapLandmarks maps the requested landmark kinds of face. It returns false
// if any of them is absent.
func MapLandmarks(face types.FaceRecord, kinds []types.LandmarkKind, t types.Transform) (map[types.LandmarkKind]types.Point, bool) {
	out := make(map[types.LandmarkKind]types.Point, len(kinds))
	for _, k := range kinds {
		p, ok := face.Landmark(k)
		if !ok {
			return nil, false
		}
		out[k] = MapPoint(p, t)
	}
	return out, true
}
