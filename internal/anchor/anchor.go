// Package anchor turns mapped face geometry into filter placements.
//
// Each filter is described by one Policy row. Adding a filter means adding a
// row to DefaultPolicies; no other component changes.
package anchor

import (
	"math"

	"github.com/andresmejia3/facefilter/internal/types"
)

// Landmarks holds display-space landmark positions keyed by kind.
type Landmarks map[types.LandmarkKind]types.Point

// Policy is one row of the placement table.
type Policy struct {
	// Required landmarks; a face missing any of them is skipped.
	Required []types.LandmarkKind
	// Base returns the anchor before the vertical offset is applied.
	Base func(box types.Rect, lm Landmarks) types.Point
	// OffsetY is added to the base Y as a fraction of the face height.
	OffsetY float64
	// Multiplier scales faceWidth/assetWidth.
	Multiplier float64
}

// DefaultPolicies returns the built-in placement table.
func DefaultPolicies() map[types.FilterID]Policy {
	return map[types.FilterID]Policy{
		types.FilterSunglasses: {
			Required: []types.LandmarkKind{types.LeftEye, types.RightEye},
			Base: func(_ types.Rect, lm Landmarks) types.Point {
				l, r := lm[types.LeftEye], lm[types.RightEye]
				return types.Point{X: (l.X + r.X) / 2, Y: (l.Y + r.Y) / 2}
			},
			OffsetY:    0.05,
			Multiplier: 1.2,
		},
		types.FilterCatEars: {
			Base: func(box types.Rect, _ Landmarks) types.Point {
				return types.Point{X: (box.Left + box.Right) / 2, Y: box.Top}
			},
			OffsetY:    -0.2,
			Multiplier: 1.5,
		},
		types.FilterHat: {
			Required: []types.LandmarkKind{types.NoseBase},
			Base: func(box types.Rect, lm Landmarks) types.Point {
				return types.Point{X: lm[types.NoseBase].X, Y: box.Top}
			},
			OffsetY:    -0.3,
			Multiplier: 1.4,
		},
	}
}

// Option adjusts a Calculator at construction.
type Option func(*Calculator)

// WithTuning overrides the multiplier and vertical offset of an existing
// policy. Unknown filters and non-positive multipliers are ignored.
func WithTuning(id types.FilterID, multiplier, offsetY float64) Option {
	return func(c *Calculator) {
		p, ok := c.policies[id]
		if !ok || !(multiplier > 0) {
			return
		}
		p.Multiplier = multiplier
		p.OffsetY = offsetY
		c.policies[id] = p
	}
}

// WithPolicy adds or replaces a policy row.
func WithPolicy(id types.FilterID, p Policy) Option {
	return func(c *Calculator) {
		c.policies[id] = p
	}
}

// Calculator computes placements from the policy table. It is read-only
// after construction and safe for concurrent use.
type Calculator struct {
	policies map[types.FilterID]Policy
}

// New returns a Calculator seeded with DefaultPolicies.
func New(opts ...Option) *Calculator {
	c := &Calculator{policies: DefaultPolicies()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the row for id.
func (c *Calculator) Policy(id types.FilterID) (Policy, bool) {
	p, ok := c.policies[id]
	return p, ok
}

// Required lists the landmarks id needs. Unknown filters need none.
func (c *Calculator) Required(id types.FilterID) []types.LandmarkKind {
	return c.policies[id].Required
}

// Compute returns the placement for a face whose box and landmarks are
// already in display space. The second result is false when the filter
// must not be drawn for this face: FilterNone or unknown ids, a missing
// required landmark, a degenerate box or a non-positive asset width.
func (c *Calculator) Compute(id types.FilterID, box types.Rect, lm Landmarks, assetWidth float64) (types.Placement, bool) {
	p, ok := c.policies[id]
	if !ok || p.Base == nil {
		return types.Placement{}, false
	}
	for _, k := range p.Required {
		if _, ok := lm[k]; !ok {
			return types.Placement{}, false
		}
	}
	box = box.Normalize()
	if box.Empty() || !(assetWidth > 0) {
		return types.Placement{}, false
	}

	faceWidth, faceHeight := box.Width(), box.Height()
	base := p.Base(box, lm)
	placement := types.Placement{
		AnchorX: base.X,
		AnchorY: base.Y + p.OffsetY*faceHeight,
		Scale:   faceWidth / assetWidth * p.Multiplier,
	}
	if !finite(placement.AnchorX) || !finite(placement.AnchorY) || !(placement.Scale > 0) || !finite(placement.Scale) {
		return types.Placement{}, false
	}
	return placement, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
