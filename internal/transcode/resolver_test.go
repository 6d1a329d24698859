package transcode

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewDefaultResolver()
	require.NoError(t, err)
	return r
}

func TestResolve720p30av1(t *testing.T) {
	r := newTestResolver(t)

	spec, err := r.Resolve(Request{InputLocator: "/tmp/in.mp4", Preset: "720p30av1", Codec: "av1"})
	require.NoError(t, err)

	assert.Equal(t, 1280, spec.Width)
	assert.Equal(t, 720, spec.Height)
	assert.Equal(t, "libsvtav1", spec.EngineCodecID)
	assert.Equal(t, 32, spec.Quality)
	assert.Equal(t, "8", spec.Speed)
	assert.Equal(t, []string{"scale=1280:720", "fps=30"}, spec.Filters)
	assert.Equal(t, []string{"-pix_fmt", "yuv420p10le"}, spec.ExtraArgs)
}

func TestResolveIsDeterministic(t *testing.T) {
	r := newTestResolver(t)
	req := Request{InputLocator: "/tmp/in.mp4", Preset: "720p30av1", Codec: "av1"}

	first, err := r.Resolve(req)
	require.NoError(t, err)
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		again, err := r.Resolve(req)
		require.NoError(t, err)
		againJSON, err := json.Marshal(again)
		require.NoError(t, err)
		require.Equal(t, string(firstJSON), string(againJSON))
	}
}

func TestResolveDefaultsToPresetCodec(t *testing.T) {
	r := newTestResolver(t)

	spec, err := r.Resolve(Request{InputLocator: "in.mov", Preset: "1080p30h264"})
	require.NoError(t, err)
	assert.Equal(t, "h264", spec.Codec)
	assert.Equal(t, "libx264", spec.EngineCodecID)
	assert.Equal(t, []string{"-pix_fmt", "yuv420p", "-movflags", "+faststart"}, spec.ExtraArgs)
}

func TestResolveUnknownPreset(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve(Request{InputLocator: "in.mp4", Preset: "4k-mystery"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPreset))
	assert.Contains(t, err.Error(), "4k-mystery")
	assert.Contains(t, err.Error(), "720p30av1")
}

func TestResolveUnknownCodec(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve(Request{InputLocator: "in.mp4", Preset: "720p30av1", Codec: "mpeg1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCodec))
}

func TestResolveFilterChainOrderIsFixed(t *testing.T) {
	r := newTestResolver(t)

	raw := map[string]string{}
	raw["crop"] = "640:360:0:0"
	raw["scale"] = "1280:720"

	filters, err := ParseFilters(raw)
	require.NoError(t, err)

	spec, err := r.Resolve(Request{InputLocator: "in.mp4", Preset: "720p30av1", Filters: filters})
	require.NoError(t, err)

	chain := spec.FilterChain()
	assert.Equal(t, "scale=1280:720,crop=640:360:0:0", chain)
	assert.Less(t, strings.Index(chain, "scale"), strings.Index(chain, "crop"))
}

func TestResolveFullFilterChainOrder(t *testing.T) {
	r := newTestResolver(t)

	filters, err := ParseFilters(map[string]string{
		"custom":      "eq=contrast=1.1",
		"pad":         "1280:720:(ow-iw)/2:(oh-ih)/2",
		"crop":        "1200:700",
		"denoise":     "true",
		"deinterlace": "true",
		"framerate":   "24",
		"scale":       "1280:-2",
	})
	require.NoError(t, err)

	spec, err := r.Resolve(Request{InputLocator: "in.mp4", Preset: "720p30h264", Filters: filters})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"scale=1280:-2",
		"fps=24",
		"yadif",
		"hqdn3d",
		"crop=1200:700",
		"pad=1280:720:(ow-iw)/2:(oh-ih)/2",
		"eq=contrast=1.1",
	}, spec.Filters)
	assert.Equal(t, float64(24), spec.Framerate)
}

func TestResolveFilterOverrideReplacesPresetFilters(t *testing.T) {
	r := newTestResolver(t)

	spec, err := r.Resolve(Request{
		InputLocator: "in.mp4",
		Preset:       "720p30av1",
		Filters:      Filters{Crop: "640:360"},
	})
	require.NoError(t, err)

	// the preset's framerate is dropped, not merged
	assert.Equal(t, []string{"scale=1280:720", "crop=640:360"}, spec.Filters)
	assert.Zero(t, spec.Framerate)
}

func TestResolveAdvancedOverrideReplacesPresetArgs(t *testing.T) {
	r := newTestResolver(t)

	spec, err := r.Resolve(Request{
		InputLocator: "in.mp4",
		Preset:       "720p30av1",
		Advanced:     Advanced{ExtraArgs: []string{"-g", "240"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"-g", "240"}, spec.ExtraArgs)
}

func TestResolveRejectsOutOfRangeQuality(t *testing.T) {
	tables, err := ParseTables([]byte(`
codecs:
  av1:
    engineCodecId: libsvtav1
    qualityBounds: {min: 1, max: 63}
    defaults: {width: 1280, height: 720, quality: 35, speed: "8"}
presets:
  broken:
    codec: av1
    quality: 90
`))
	require.NoError(t, err)

	_, err = NewResolver(tables).Resolve(Request{InputLocator: "in.mp4", Preset: "broken"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidParameter))

	var perr *ParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "quality", perr.Field)
}

func TestResolveRejectsUnsupportedSpeed(t *testing.T) {
	r := newTestResolver(t)

	// 720p30av1 carries an av1 speed that libx264 does not understand.
	_, err := r.Resolve(Request{InputLocator: "in.mp4", Preset: "720p30av1", Codec: "h264"})
	require.Error(t, err)

	var perr *ParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "speed", perr.Field)
}

func TestResolveRequiresInputLocator(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve(Request{Preset: "720p30av1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidParameter))
}

func TestParseFiltersRejectsBadValues(t *testing.T) {
	_, err := ParseFilters(map[string]string{"framerate": "fast"})
	assert.True(t, errors.Is(err, ErrInvalidParameter))

	_, err = ParseFilters(map[string]string{"framerate": "-5"})
	assert.True(t, errors.Is(err, ErrInvalidParameter))

	_, err = ParseFilters(map[string]string{"sharpen": "1"})
	var perr *ParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "filters.sharpen", perr.Field)
}

func TestPresetNamesSorted(t *testing.T) {
	r := newTestResolver(t)

	names := r.PresetNames()
	require.NotEmpty(t, names)
	assert.IsIncreasing(t, names)
	assert.True(t, r.HasPreset("720p30av1"))
	assert.False(t, r.HasPreset("4k-mystery"))
}

func TestParseTablesRejectsUnknownPresetCodec(t *testing.T) {
	_, err := ParseTables([]byte(`
codecs:
  h264:
    engineCodecId: libx264
    qualityBounds: {min: 0, max: 51}
presets:
  odd:
    codec: theora
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "theora")
}

func TestLoadTablesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
codecs:
  h264:
    engineCodecId: libx264
    qualityBounds: {min: 0, max: 51}
    defaults: {width: 640, height: 360, quality: 28, speed: veryfast}
presets:
  tiny:
    codec: h264
`), 0o644))

	tables, err := LoadTables(path)
	require.NoError(t, err)

	spec, err := NewResolver(tables).Resolve(Request{InputLocator: "in.mp4", Preset: "tiny"})
	require.NoError(t, err)
	assert.Equal(t, 640, spec.Width)
	assert.Equal(t, 360, spec.Height)
	assert.Equal(t, 28, spec.Quality)
	assert.Equal(t, "veryfast", spec.Speed)
}

func TestFramerateMustBeFinitePositive(t *testing.T) {
	for _, value := range []string{"NaN", "nan", "Inf", "+Inf", "-Inf", "0", "-30"} {
		t.Run(value, func(t *testing.T) {
			_, err := ParseFilters(map[string]string{"framerate": value, "crop": "100:100"})
			require.Error(t, err)

			var perr *ParameterError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, "filters.framerate", perr.Field)
		})
	}
}

func TestResolveRejectsNonFiniteFramerate(t *testing.T) {
	r := newTestResolver(t)

	for name, rate := range map[string]float64{
		"nan":      math.NaN(),
		"inf":      math.Inf(1),
		"neg inf":  math.Inf(-1),
		"negative": -24,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(Request{
				InputLocator: "in.mp4",
				Preset:       "720p30av1",
				Filters:      Filters{Framerate: rate, Crop: "100:100"},
			})
			require.Error(t, err)

			var perr *ParameterError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, "filters.framerate", perr.Field)
		})
	}
}

func TestResolveRejectsNonPositiveDimensions(t *testing.T) {
	tests := []struct {
		name   string
		tables string
		field  string
	}{
		{
			name: "zero width",
			tables: `
codecs:
  h264:
    engineCodecId: libx264
    qualityBounds: {min: 0, max: 51}
    defaults: {width: 0, height: 720, quality: 23, speed: medium}
presets:
  flat:
    codec: h264
    width: 0
`,
			field: "width",
		},
		{
			name: "negative width",
			tables: `
codecs:
  h264:
    engineCodecId: libx264
    qualityBounds: {min: 0, max: 51}
    defaults: {width: -640, height: 720, quality: 23, speed: medium}
presets:
  flat:
    codec: h264
`,
			field: "width",
		},
		{
			name: "zero height",
			tables: `
codecs:
  h264:
    engineCodecId: libx264
    qualityBounds: {min: 0, max: 51}
    defaults: {width: 1280, height: 0, quality: 23, speed: medium}
presets:
  flat:
    codec: h264
    height: 0
`,
			field: "height",
		},
		{
			name: "negative height",
			tables: `
codecs:
  h264:
    engineCodecId: libx264
    qualityBounds: {min: 0, max: 51}
    defaults: {width: 1280, height: -1, quality: 23, speed: medium}
presets:
  flat:
    codec: h264
`,
			field: "height",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tables, err := ParseTables([]byte(tt.tables))
			require.NoError(t, err)

			_, err = NewResolver(tables).Resolve(Request{InputLocator: "in.mp4", Preset: "flat"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidParameter))

			var perr *ParameterError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.field, perr.Field)
		})
	}
}

func TestResolveHonoursExplicitZeroQuality(t *testing.T) {
	tables, err := ParseTables([]byte(`
codecs:
  h264:
    engineCodecId: libx264
    qualityBounds: {min: 0, max: 51}
    defaults: {width: 1280, height: 720, quality: 23, speed: medium}
presets:
  lossless:
    codec: h264
    quality: 0
  standard:
    codec: h264
`))
	require.NoError(t, err)
	r := NewResolver(tables)

	spec, err := r.Resolve(Request{InputLocator: "in.mp4", Preset: "lossless"})
	require.NoError(t, err)
	assert.Equal(t, 0, spec.Quality)

	spec, err = r.Resolve(Request{InputLocator: "in.mp4", Preset: "standard"})
	require.NoError(t, err)
	assert.Equal(t, 23, spec.Quality)
}
