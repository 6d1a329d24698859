// Package transcode turns a named quality preset into a concrete,
// engine-ready transcoding specification.
package transcode

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

var (
	ErrInvalidPreset    = errors.New("invalid preset")
	ErrInvalidCodec     = errors.New("invalid codec")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// ParameterError names the field whose merged value failed validation.
type ParameterError struct {
	Field  string
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
}

func (e *ParameterError) Is(target error) bool {
	return target == ErrInvalidParameter
}

type Request struct {
	InputLocator string
	Preset       string
	// Codec overrides the preset's codec when set.
	Codec string
	// Non-empty overrides replace the preset's value for that field wholesale.
	Filters  Filters
	Advanced Advanced
}

// Spec is a fully resolved transcode description. It is derived per job and
// never persisted.
type Spec struct {
	InputLocator  string   `json:"inputLocator"`
	Preset        string   `json:"preset"`
	Codec         string   `json:"codec"`
	EngineCodecID string   `json:"engineCodecId"`
	Width         int      `json:"width"`
	Height        int      `json:"height"`
	Framerate     float64  `json:"framerate,omitempty"`
	Quality       int      `json:"quality"`
	QualityFlag   string   `json:"qualityFlag"`
	Speed         string   `json:"speed"`
	SpeedFlag     string   `json:"speedFlag"`
	Filters       []string `json:"filters"`
	ExtraArgs     []string `json:"extraArgs,omitempty"`
}

func (s Spec) FilterChain() string {
	return strings.Join(s.Filters, ",")
}

type Resolver struct {
	tables *Tables
}

func NewResolver(tables *Tables) *Resolver {
	return &Resolver{tables: tables}
}

// NewDefaultResolver builds a resolver over the embedded preset tables.
func NewDefaultResolver() (*Resolver, error) {
	tables, err := DefaultTables()
	if err != nil {
		return nil, err
	}
	return NewResolver(tables), nil
}

func (r *Resolver) HasPreset(name string) bool {
	_, ok := r.tables.Presets[strings.TrimSpace(name)]
	return ok
}

// PresetNames returns the known preset names in sorted order.
func (r *Resolver) PresetNames() []string {
	names := make([]string, 0, len(r.tables.Presets))
	for name := range r.tables.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve merges the preset, the codec defaults and the caller overrides.
// It has no side effects: identical requests produce identical specs.
func (r *Resolver) Resolve(req Request) (Spec, error) {
	presetName := strings.TrimSpace(req.Preset)
	preset, ok := r.tables.Presets[presetName]
	if !ok {
		return Spec{}, fmt.Errorf("%w: preset %q is not defined (available: %s)",
			ErrInvalidPreset, presetName, strings.Join(r.PresetNames(), ", "))
	}

	codecName := strings.TrimSpace(req.Codec)
	if codecName == "" {
		codecName = preset.Codec
	}
	codec, ok := r.tables.Codecs[codecName]
	if !ok {
		return Spec{}, fmt.Errorf("%w: codec %q is not defined", ErrInvalidCodec, codecName)
	}

	if strings.TrimSpace(req.InputLocator) == "" {
		return Spec{}, &ParameterError{Field: "inputLocator", Reason: "is required"}
	}

	width := firstPositive(preset.Width, codec.Defaults.Width)
	height := firstPositive(preset.Height, codec.Defaults.Height)
	quality := codec.Defaults.Quality
	if preset.Quality != nil {
		quality = *preset.Quality
	}
	speed := firstNonEmpty(preset.Speed, codec.Defaults.Speed)

	filters := preset.Filters
	if !req.Filters.IsZero() {
		filters = req.Filters
	}
	advanced := preset.Advanced
	if !req.Advanced.IsZero() {
		advanced = req.Advanced
	}

	if width <= 0 {
		return Spec{}, &ParameterError{Field: "width", Reason: fmt.Sprintf("must be positive, got %d", width)}
	}
	if height <= 0 {
		return Spec{}, &ParameterError{Field: "height", Reason: fmt.Sprintf("must be positive, got %d", height)}
	}
	// zero means the chain carries no fps stage
	if filters.Framerate != 0 {
		if err := checkFramerate(filters.Framerate); err != nil {
			return Spec{}, err
		}
	}
	if !codec.QualityBounds.Contains(quality) {
		return Spec{}, &ParameterError{
			Field:  "quality",
			Reason: fmt.Sprintf("%d outside [%d, %d] for codec %s", quality, codec.QualityBounds.Min, codec.QualityBounds.Max, codecName),
		}
	}
	if speed == "" {
		return Spec{}, &ParameterError{Field: "speed", Reason: "is required"}
	}
	if len(codec.Speeds) > 0 && !slices.Contains(codec.Speeds, speed) {
		return Spec{}, &ParameterError{
			Field:  "speed",
			Reason: fmt.Sprintf("%q not supported by codec %s", speed, codecName),
		}
	}

	extra := make([]string, 0, len(codec.ExtraArgs)+len(advanced.ExtraArgs))
	extra = append(extra, codec.ExtraArgs...)
	extra = append(extra, advanced.ExtraArgs...)

	return Spec{
		InputLocator:  req.InputLocator,
		Preset:        presetName,
		Codec:         codecName,
		EngineCodecID: codec.EngineCodecID,
		Width:         width,
		Height:        height,
		Framerate:     filters.Framerate,
		Quality:       quality,
		QualityFlag:   firstNonEmpty(codec.QualityFlag, "-crf"),
		Speed:         speed,
		SpeedFlag:     firstNonEmpty(codec.SpeedFlag, "-preset"),
		Filters:       renderChain(filters, width, height),
		ExtraArgs:     extra,
	}, nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
