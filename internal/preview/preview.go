// Package preview renders filters on demand: the one-shot composite used by
// the CLI, and an HTTP server exposing the same operations.
package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg" // decoders registered for image.Decode
	_ "image/png"
	"io"

	"github.com/andresmejia3/facefilter/internal/anchor"
	"github.com/andresmejia3/facefilter/internal/assets"
	"github.com/andresmejia3/facefilter/internal/compositor"
	"github.com/andresmejia3/facefilter/internal/surface"
	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/vmihailenco/msgpack/v5"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	_ "golang.org/x/image/webp"
)

// FilterInfo describes one selectable filter.
type FilterInfo struct {
	ID          types.FilterID `json:"id"`
	Landmarks   []string       `json:"landmarks"`
	Multiplier  float64        `json:"multiplier,omitempty"`
	OffsetY     float64        `json:"offset_y,omitempty"`
	Placeable   bool           `json:"placeable"`
	Asset       string         `json:"asset"` // "ok", "missing" or "error"
	AssetWidth  int            `json:"asset_width,omitempty"`
	AssetHeight int            `json:"asset_height,omitempty"`
	AssetError  string         `json:"asset_error,omitempty"`
}

// Asset states reported in FilterInfo.Asset.
const (
	AssetOK      = "ok"
	AssetMissing = "missing"
	AssetError   = "error"
)

// Describe lists every filter with its placement policy and asset state.
// Looking up the asset loads it into the cache.
func Describe(calc *anchor.Calculator, cache *assets.Cache) []FilterInfo {
	var infos []FilterInfo
	for _, id := range types.AllFilters() {
		info := FilterInfo{ID: id, Landmarks: []string{}, Asset: AssetMissing}
		if p, ok := calc.Policy(id); ok {
			info.Placeable = true
			info.Multiplier = p.Multiplier
			info.OffsetY = p.OffsetY
			for _, k := range p.Required {
				info.Landmarks = append(info.Landmarks, k.String())
			}
		}

		a, ok, err := cache.Get(id)
		switch {
		case err != nil:
			info.Asset = AssetError
			info.AssetError = err.Error()
		case ok:
			info.Asset = AssetOK
			info.AssetWidth, info.AssetHeight = a.NativeWidth, a.NativeHeight
		}
		infos = append(infos, info)
	}
	return infos
}

// Composite renders faces over img on a private surface and returns the
// flattened picture. img is left untouched; when mirror is set the picture
// is mirrored too, matching the mirrored overlay.
func Composite(ctx context.Context, comp *compositor.Compositor, img *image.RGBA, faces []types.FaceRecord, filter types.FilterID, mirror bool) (*image.RGBA, types.RenderOutcome) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	surf := surface.NewImageSurface(w, h)
	defer surf.Close()

	out := comp.Render(ctx, surf, compositor.Frame{
		Faces:     faces,
		Filter:    filter,
		Transform: types.NewTransform(w, h, w, h, mirror),
	})

	result := image.NewRGBA(image.Rect(0, 0, w, h))
	Blit(result, img, mirror)
	if out.Status == types.Published {
		compositor.Flatten(result, surf.Snapshot())
	}
	return result, out
}

// Blit scales src to fill dst, mirroring horizontally when requested.
func Blit(dst, src *image.RGBA, mirror bool) {
	db, sb := dst.Bounds(), src.Bounds()
	if !mirror && db.Size() == sb.Size() {
		xdraw.Draw(dst, db, src, sb.Min, xdraw.Src)
		return
	}
	sx := float64(db.Dx()) / float64(sb.Dx())
	sy := float64(db.Dy()) / float64(sb.Dy())
	m := f64.Aff3{sx, 0, float64(db.Min.X), 0, sy, float64(db.Min.Y)}
	if mirror {
		m = f64.Aff3{-sx, 0, float64(db.Max.X), 0, sy, float64(db.Min.Y)}
	}
	// Aff3 maps src pixel space, so shift by the source origin.
	m[2] -= m[0] * float64(sb.Min.X)
	m[5] -= m[4] * float64(sb.Min.Y)
	xdraw.ApproxBiLinear.Transform(dst, m, src, sb, xdraw.Src, nil)
}

// DecodeImage decodes a PNG, JPEG or WebP picture into RGBA.
func DecodeImage(r io.Reader) (*image.RGBA, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(rgba, rgba.Bounds(), img, b.Min, xdraw.Src)
	return rgba, nil
}

// Face record encodings. MessagePack uses the same field names as JSON.
const (
	MediaJSON    = "application/json"
	MediaMsgpack = "application/msgpack"
)

// DecodeFaces reads a list of face records.
func DecodeFaces(r io.Reader, asMsgpack bool) ([]types.FaceRecord, error) {
	var faces []types.FaceRecord
	if asMsgpack {
		dec := msgpack.NewDecoder(r)
		dec.SetCustomStructTag("json")
		if err := dec.Decode(&faces); err != nil {
			return nil, fmt.Errorf("failed to decode msgpack faces: %w", err)
		}
		return faces, nil
	}
	if err := json.NewDecoder(r).Decode(&faces); err != nil {
		return nil, fmt.Errorf("failed to decode json faces: %w", err)
	}
	return faces, nil
}

// EncodeFaces writes a list of face records.
func EncodeFaces(w io.Writer, faces []types.FaceRecord, asMsgpack bool) error {
	if faces == nil {
		faces = []types.FaceRecord{}
	}
	if asMsgpack {
		enc := msgpack.NewEncoder(w)
		enc.SetCustomStructTag("json")
		return enc.Encode(faces)
	}
	return json.NewEncoder(w).Encode(faces)
}
