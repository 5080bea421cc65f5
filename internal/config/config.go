// Package config loads the filter tuning file.
//
// Every value has a built-in default, so the file only needs the keys an
// operator wants to change:
//
//	asset_divisor: 3
//	flip_asset_when_mirrored: false
//	filters:
//	  sunglasses:
//	    scale_multiplier: 1.3
//	    offset_y: 0.05
package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/andresmejia3/facefilter/internal/anchor"
	"github.com/andresmejia3/facefilter/internal/types"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid tuning")

// DefaultAssetDivisor is the uniform down-scale applied to decoded assets.
const DefaultAssetDivisor = 3

// FilterTuning overrides one placement policy.
type FilterTuning struct {
	ScaleMultiplier float64
	OffsetY         float64
}

// Tuning holds the adjustable rendering constants.
type Tuning struct {
	AssetDivisor          int
	FlipAssetWhenMirrored bool
	Filters               map[types.FilterID]FilterTuning
}

// Default returns the built-in tuning.
func Default() Tuning {
	t := Tuning{
		AssetDivisor: DefaultAssetDivisor,
		Filters:      make(map[types.FilterID]FilterTuning),
	}
	for id, p := range anchor.DefaultPolicies() {
		t.Filters[id] = FilterTuning{ScaleMultiplier: p.Multiplier, OffsetY: p.OffsetY}
	}
	return t
}

// Load reads a YAML tuning file and merges it over Default. An empty path
// returns Default.
func Load(path string) (Tuning, error) {
	t := Default()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("failed to read tuning file: %w", err)
	}
	return Parse(data)
}

// fileTuning mirrors Tuning with optional fields so that explicit zeroes in
// the file are distinguishable from omitted keys.
type fileTuning struct {
	AssetDivisor          *int                                `yaml:"asset_divisor"`
	FlipAssetWhenMirrored *bool                               `yaml:"flip_asset_when_mirrored"`
	Filters               map[types.FilterID]fileFilterTuning `yaml:"filters"`
}

type fileFilterTuning struct {
	ScaleMultiplier *float64 `yaml:"scale_multiplier"`
	OffsetY         *float64 `yaml:"offset_y"`
}

// Parse decodes YAML tuning data over Default and validates it.
func Parse(data []byte) (Tuning, error) {
	var file fileTuning
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Tuning{}, fmt.Errorf("failed to parse tuning file: %w", err)
	}

	t := Default()
	if file.AssetDivisor != nil {
		t.AssetDivisor = *file.AssetDivisor
	}
	if file.FlipAssetWhenMirrored != nil {
		t.FlipAssetWhenMirrored = *file.FlipAssetWhenMirrored
	}
	for id, ft := range file.Filters {
		base, ok := t.Filters[id]
		if !ok {
			return Tuning{}, fmt.Errorf("%w: unknown filter %q", ErrInvalid, id)
		}
		if ft.ScaleMultiplier != nil {
			base.ScaleMultiplier = *ft.ScaleMultiplier
		}
		if ft.OffsetY != nil {
			base.OffsetY = *ft.OffsetY
		}
		t.Filters[id] = base
	}

	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

// Validate checks ranges.
func (t Tuning) Validate() error {
	if t.AssetDivisor < 1 {
		return fmt.Errorf("%w: asset_divisor must be >= 1, got %d", ErrInvalid, t.AssetDivisor)
	}
	for id, ft := range t.Filters {
		if !(ft.ScaleMultiplier > 0) || math.IsInf(ft.ScaleMultiplier, 0) {
			return fmt.Errorf("%w: %s scale_multiplier must be positive, got %v", ErrInvalid, id, ft.ScaleMultiplier)
		}
		if math.IsNaN(ft.OffsetY) || math.IsInf(ft.OffsetY, 0) {
			return fmt.Errorf("%w: %s offset_y must be finite", ErrInvalid, id)
		}
	}
	return nil
}

// AnchorOptions converts the filter overrides into calculator options.
func (t Tuning) AnchorOptions() []anchor.Option {
	opts := make([]anchor.Option, 0, len(t.Filters))
	for id, ft := range t.Filters {
		opts = append(opts, anchor.WithTuning(id, ft.ScaleMultiplier, ft.OffsetY))
	}
	return opts
}
