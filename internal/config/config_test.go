package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/facefilter/internal/anchor"
	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesPolicies(t *testing.T) {
	d := Default()
	assert.Equal(t, DefaultAssetDivisor, d.AssetDivisor)
	assert.False(t, d.FlipAssetWhenMirrored)
	assert.Equal(t, FilterTuning{ScaleMultiplier: 1.2, OffsetY: 0.05}, d.Filters[types.FilterSunglasses])
	assert.Equal(t, FilterTuning{ScaleMultiplier: 1.5, OffsetY: -0.2}, d.Filters[types.FilterCatEars])
	assert.Equal(t, FilterTuning{ScaleMultiplier: 1.4, OffsetY: -0.3}, d.Filters[types.FilterHat])
	require.NoError(t, d.Validate())
}

func TestLoadEmptyPath(t *testing.T) {
	got, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), got)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	data := []byte(`
asset_divisor: 4
flip_asset_when_mirrored: true
filters:
  sunglasses:
    scale_multiplier: 1.3
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, got.AssetDivisor)
	assert.True(t, got.FlipAssetWhenMirrored)
	assert.Equal(t, FilterTuning{ScaleMultiplier: 1.3, OffsetY: 0.05}, got.Filters[types.FilterSunglasses])
	assert.Equal(t, Default().Filters[types.FilterHat], got.Filters[types.FilterHat])
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown filter", "filters:\n  mustache:\n    scale_multiplier: 1\n"},
		{"negative divisor", "asset_divisor: -1\n"},
		{"negative multiplier", "filters:\n  hat:\n    scale_multiplier: -2\n"},
		{"malformed", "asset_divisor: [1, 2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}

	_, err := Parse([]byte("filters:\n  mustache:\n    scale_multiplier: 1\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestAnchorOptionsApplied(t *testing.T) {
	tuning, err := Parse([]byte("filters:\n  cat_ears:\n    scale_multiplier: 2\n    offset_y: -0.5\n"))
	require.NoError(t, err)

	calc := anchor.New(tuning.AnchorOptions()...)
	p, ok := calc.Policy(types.FilterCatEars)
	require.True(t, ok)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, -0.5, p.OffsetY)
}

func TestParseExplicitZeroOffset(t *testing.T) {
	got, err := Parse([]byte("filters:\n  hat:\n    offset_y: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, FilterTuning{ScaleMultiplier: 1.4, OffsetY: 0}, got.Filters[types.FilterHat])
}
