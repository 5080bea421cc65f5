package types

import (
	"fmt"
	"math"
	"strings"
)

// Point is a 2D position in either detector space or display space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned box. Detector output is already ordered, but
// mirrored rectangles may arrive with Left > Right until normalized.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Width returns the absolute horizontal extent.
func (r Rect) Width() float64 { return math.Abs(r.Right - r.Left) }

// Height returns the absolute vertical extent.
func (r Rect) Height() float64 { return math.Abs(r.Bottom - r.Top) }

// Normalize swaps edges so that Left <= Right and Top <= Bottom.
func (r Rect) Normalize() Rect {
	if r.Left > r.Right {
		r.Left, r.Right = r.Right, r.Left
	}
	if r.Top > r.Bottom {
		r.Top, r.Bottom = r.Bottom, r.Top
	}
	return r
}

// Empty reports whether the box has zero area (or non-finite edges).
func (r Rect) Empty() bool {
	w, h := r.Width(), r.Height()
	return !(w > 0 && h > 0) || math.IsInf(w, 0) || math.IsInf(h, 0)
}

// LandmarkKind names an anatomical reference point reported by the detector.
type LandmarkKind uint8

const (
	LeftEye LandmarkKind = iota
	RightEye
	NoseBase
	MouthLeft
	MouthRight
	MouthBottom
	LeftEar
	RightEar
	LeftCheek
	RightCheek
)

var landmarkNames = [...]string{
	LeftEye:     "LEFT_EYE",
	RightEye:    "RIGHT_EYE",
	NoseBase:    "NOSE_BASE",
	MouthLeft:   "MOUTH_LEFT",
	MouthRight:  "MOUTH_RIGHT",
	MouthBottom: "MOUTH_BOTTOM",
	LeftEar:     "LEFT_EAR",
	RightEar:    "RIGHT_EAR",
	LeftCheek:   "LEFT_CHEEK",
	RightCheek:  "RIGHT_CHEEK",
}

func (k LandmarkKind) String() string {
	if int(k) < len(landmarkNames) {
		return landmarkNames[k]
	}
	return fmt.Sprintf("LANDMARK(%d)", uint8(k))
}

// Valid reports whether k is one of the known landmark kinds.
func (k LandmarkKind) Valid() bool { return int(k) < len(landmarkNames) }

// ParseLandmarkKind accepts the upper-case names produced by String.
func ParseLandmarkKind(s string) (LandmarkKind, error) {
	for i, name := range landmarkNames {
		if strings.EqualFold(name, s) {
			return LandmarkKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown landmark kind %q", s)
}

// MarshalText implements encoding.TextMarshaler so landmark maps encode as
// {"LEFT_EYE": {...}} in JSON.
func (k LandmarkKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid landmark kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *LandmarkKind) UnmarshalText(text []byte) error {
	parsed, err := ParseLandmarkKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// FaceRecord is one detected face. Records are produced once per detection
// cycle and never modified afterwards.
type FaceRecord struct {
	Box        Rect                   `json:"box"`
	Landmarks  map[LandmarkKind]Point `json:"landmarks,omitempty"`
	TrackingID int                    `json:"tracking_id,omitempty"`
}

// Landmark returns the position of kind, if the detector reported it.
func (f FaceRecord) Landmark(kind LandmarkKind) (Point, bool) {
	p, ok := f.Landmarks[kind]
	return p, ok
}

// FilterID identifies a decorative filter.
type FilterID string

const (
	FilterNone       FilterID = "none"
	FilterSunglasses FilterID = "sunglasses"
	FilterCatEars    FilterID = "cat_ears"
	FilterHat        FilterID = "hat"
)

// AllFilters lists the selectable filters in display order.
func AllFilters() []FilterID {
	return []FilterID{FilterNone, FilterSunglasses, FilterCatEars, FilterHat}
}

// Valid reports whether id is a known filter. FilterNone is always valid.
func (id FilterID) Valid() bool {
	for _, f := range AllFilters() {
		if f == id {
			return true
		}
	}
	return false
}

// ParseFilterID normalizes user input ("Cat_Ears", " hat ") to a FilterID.
func ParseFilterID(s string) (FilterID, error) {
	id := FilterID(strings.ToLower(strings.TrimSpace(s)))
	if id == "" {
		return FilterNone, nil
	}
	if !id.Valid() {
		return "", fmt.Errorf("unknown filter %q", s)
	}
	return id, nil
}

// Transform describes how detector space maps onto display space.
type Transform struct {
	ScaleX       float64
	ScaleY       float64
	Mirror       bool
	MirrorOrigin float64 // pixel column mirrored about, usually the surface width
}

// NewTransform derives the per-frame transform from the surface size and the
// size of the image the detector ran on.
func NewTransform(surfaceWidth, surfaceHeight, sourceWidth, sourceHeight int, mirror bool) Transform {
	t := Transform{
		ScaleX: float64(surfaceWidth) / float64(sourceWidth),
		ScaleY: float64(surfaceHeight) / float64(sourceHeight),
		Mirror: mirror,
	}
	if mirror {
		t.MirrorOrigin = float64(surfaceWidth)
	}
	return t
}

// Valid reports whether the scales are finite and positive. Mapping through
// an invalid transform is undefined and the frame must be skipped.
func (t Transform) Valid() bool {
	return isPositiveFinite(t.ScaleX) && isPositiveFinite(t.ScaleY) &&
		!math.IsNaN(t.MirrorOrigin) && !math.IsInf(t.MirrorOrigin, 0)
}

func isPositiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// Placement positions a filter asset in display space.
type Placement struct {
	AnchorX  float64
	AnchorY  float64
	Scale    float64
	Rotation float64 // always 0; reserved for head-tilt aware filters
}

// FrameTask represents a single camera frame handed to the pipeline.
// Data holds raw RGBA pixels of Width x Height.
type FrameTask struct {
	Index   int
	Data    []byte
	Width   int
	Height  int
	Release func()
}

// Done returns the frame buffer to its owner. Safe to call on frames
// without a Release func.
func (f *FrameTask) Done() {
	if f.Release != nil {
		f.Release()
		f.Release = nil
	}
}

// OutcomeStatus is the terminal state of one render.
type OutcomeStatus uint8

const (
	Published OutcomeStatus = iota
	Cancelled
	Skipped
)

func (s OutcomeStatus) String() string {
	switch s {
	case Published:
		return "published"
	case Cancelled:
		return "cancelled"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Skip reasons reported in RenderOutcome.Reason.
const (
	ReasonSurfaceUnavailable = "surface_unavailable"
	// ReasonSurfaceClosed is fatal: the surface is gone and no later render
	// can succeed.
	ReasonSurfaceClosed = "surface_closed"
	ReasonInvalidGeometry    = "invalid_geometry"
	ReasonRenderFailed       = "render_failed"
)

// RenderOutcome reports what a render did with the surface.
type RenderOutcome struct {
	Status     OutcomeStatus
	Reason     string
	Placement  *Placement // set only when a filter was drawn
	Generation uint64
}

func (o RenderOutcome) String() string {
	if o.Reason != "" {
		return fmt.Sprintf("%s(%s)", o.Status, o.Reason)
	}
	return o.Status.String()
}
