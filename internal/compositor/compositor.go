// Package compositor draws at most one filter per frame onto a surface.
package compositor

import (
	"context"
	"errors"
	"image"

	"github.com/andresmejia3/facefilter/internal/anchor"
	"github.com/andresmejia3/facefilter/internal/assets"
	"github.com/andresmejia3/facefilter/internal/geometry"
	"github.com/andresmejia3/facefilter/internal/surface"
	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// AssetSource resolves a filter to its decoded graphic. *assets.Cache
// satisfies it.
type AssetSource interface {
	Get(id types.FilterID) (*assets.Asset, bool, error)
}

// Frame is everything one render needs. It is captured at submit time and
// never read from shared state during the render.
type Frame struct {
	Faces     []types.FaceRecord
	Filter    types.FilterID
	Transform types.Transform
}

// Option configures a Compositor.
type Option func(*Compositor)

// WithFlipAsset mirrors the sprite about its own centre whenever the frame
// transform is mirrored. Placement is unaffected.
func WithFlipAsset(flip bool) Option {
	return func(c *Compositor) { c.flipAsset = flip }
}

// WithInterpolator replaces the resampling kernel used to scale assets.
func WithInterpolator(k xdraw.Interpolator) Option {
	return func(c *Compositor) {
		if k != nil {
			c.kernel = k
		}
	}
}

// Compositor is stateless between frames and safe for concurrent use,
// although the surface serializes renders anyway.
type Compositor struct {
	calc      *anchor.Calculator
	assets    AssetSource
	flipAsset bool
	kernel    xdraw.Interpolator
}

// New creates a Compositor.
func New(calc *anchor.Calculator, src AssetSource, opts ...Option) *Compositor {
	if calc == nil {
		calc = anchor.New()
	}
	c := &Compositor{
		calc:   calc,
		assets: src,
		kernel: xdraw.ApproxBiLinear,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Render acquires the surface, clears it, draws the filter for the first
// face and publishes. Cancellation is honoured up to the moment of publish;
// a cancelled render never publishes.
func (c *Compositor) Render(ctx context.Context, surf surface.Surface, f Frame) types.RenderOutcome {
	log := logrus.WithFields(logrus.Fields{
		"function": "Compositor.Render",
		"filter":   f.Filter,
		"faces":    len(f.Faces),
	})

	buf, err := surf.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return types.RenderOutcome{Status: types.Cancelled}
		}
		if errors.Is(err, surface.ErrClosed) {
			log.WithField("error", err.Error()).Error("Surface closed")
			return types.RenderOutcome{Status: types.Skipped, Reason: types.ReasonSurfaceClosed}
		}
		log.WithField("error", err.Error()).Debug("Surface unavailable, skipping frame")
		return types.RenderOutcome{Status: types.Skipped, Reason: types.ReasonSurfaceUnavailable}
	}
	// Every exit below, a panic included, must hand the buffer back.
	held := true
	defer func() {
		if held {
			surf.Release(buf)
		}
	}()

	if ctx.Err() != nil {
		return types.RenderOutcome{Status: types.Cancelled}
	}

	clear(buf.Pix)

	outcome := types.RenderOutcome{Status: types.Published}
	switch {
	case f.Filter == types.FilterNone || len(f.Faces) == 0:
		// Nothing to draw; the cleared buffer is the frame.
	case !f.Transform.Valid():
		outcome = types.RenderOutcome{Status: types.Skipped, Reason: types.ReasonInvalidGeometry}
	default:
		placement, reason := c.draw(ctx, buf, f, log)
		if ctx.Err() != nil {
			return types.RenderOutcome{Status: types.Cancelled}
		}
		if reason != "" {
			// The partially drawn buffer must not be shown.
			clear(buf.Pix)
			outcome = types.RenderOutcome{Status: types.Skipped, Reason: reason}
		} else if placement != nil {
			outcome.Placement = placement
		}
	}

	if ctx.Err() != nil {
		return types.RenderOutcome{Status: types.Cancelled}
	}
	if err := surf.Publish(buf); err != nil {
		if errors.Is(err, surface.ErrClosed) {
			// Publish already returned ownership.
			held = false
			log.WithField("error", err.Error()).Error("Surface closed")
			return types.RenderOutcome{Status: types.Skipped, Reason: types.ReasonSurfaceClosed}
		}
		log.WithField("error", err.Error()).Warn("Failed to publish overlay")
		return types.RenderOutcome{Status: types.Skipped, Reason: types.ReasonSurfaceUnavailable}
	}
	held = false
	log.WithField("status", outcome.String()).Debug("Overlay published")
	return outcome
}

// draw renders the filter for the first face. It returns the placement when
// something was drawn, or a skip reason when the frame geometry is unusable.
// A nil placement with an empty reason means there was nothing to draw.
func (c *Compositor) draw(ctx context.Context, dst *image.RGBA, f Frame, log *logrus.Entry) (*types.Placement, string) {
	face := f.Faces[0]

	box := geometry.MapRect(face.Box, f.Transform)
	if box.Empty() {
		return nil, types.ReasonInvalidGeometry
	}
	lm, ok := geometry.MapLandmarks(face, c.calc.Required(f.Filter), f.Transform)
	if !ok {
		log.Debug("Required landmark missing, nothing to draw")
		return nil, ""
	}

	if c.assets == nil {
		return nil, ""
	}
	asset, ok, err := c.assets.Get(f.Filter)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Filter asset unavailable")
		return nil, ""
	}
	if !ok {
		return nil, ""
	}

	placement, ok := c.calc.Compute(f.Filter, box, lm, float64(asset.NativeWidth))
	if !ok {
		return nil, ""
	}
	if ctx.Err() != nil {
		return nil, ""
	}

	DrawAsset(dst, asset.Image, placement, c.flipAsset && f.Transform.Mirror, c.kernel)
	return &placement, ""
}

// DrawAsset composites src onto dst centred on the placement anchor and
// scaled uniformly by placement.Scale. When flip is set the sprite is
// mirrored horizontally about its own centre.
func DrawAsset(dst *image.RGBA, src image.Image, p types.Placement, flip bool, kernel xdraw.Transformer) {
	b := src.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	s := p.Scale

	sx, tx := s, p.AnchorX-w*s/2
	if flip {
		sx, tx = -s, p.AnchorX+w*s/2
	}
	// Aff3 maps source pixel space to destination pixel space.
	m := f64.Aff3{
		sx, 0, tx - sx*float64(b.Min.X),
		0, s, p.AnchorY - h*s/2 - s*float64(b.Min.Y),
	}
	kernel.Transform(dst, m, src, b, xdraw.Over, nil)
}

// Flatten composites overlay onto frame in place, aligning both at the
// origin and scaling the overlay when the sizes differ.
func Flatten(frame *image.RGBA, overlay image.Image) {
	fb, ob := frame.Bounds(), overlay.Bounds()
	if fb.Size() == ob.Size() {
		xdraw.Draw(frame, fb, overlay, ob.Min, xdraw.Over)
		return
	}
	xdraw.ApproxBiLinear.Scale(frame, fb, overlay, ob, xdraw.Over, nil)
}
