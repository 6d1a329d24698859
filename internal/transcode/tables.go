package transcode

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var defaultTablesYAML []byte

type Tables struct {
	Codecs  map[string]Codec  `yaml:"codecs"`
	Presets map[string]Preset `yaml:"presets"`
}

type Codec struct {
	EngineCodecID string        `yaml:"engineCodecId"`
	QualityFlag   string        `yaml:"qualityFlag"`
	SpeedFlag     string        `yaml:"speedFlag"`
	QualityBounds QualityBounds `yaml:"qualityBounds"`
	Speeds        []string      `yaml:"speeds,omitempty"`
	Defaults      CodecDefaults `yaml:"defaults"`
	ExtraArgs     []string      `yaml:"extraArgs,omitempty"`
}

type QualityBounds struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

func (b QualityBounds) Contains(q int) bool {
	return q >= b.Min && q <= b.Max
}

type CodecDefaults struct {
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Quality int    `yaml:"quality"`
	Speed   string `yaml:"speed"`
}

// Preset width, height and speed fall back to the codec defaults when left
// at their zero value. Quality falls back only when absent, so 0 (lossless
// for x264/x265) can be set explicitly.
type Preset struct {
	Codec    string   `yaml:"codec"`
	Width    int      `yaml:"width,omitempty"`
	Height   int      `yaml:"height,omitempty"`
	Quality  *int     `yaml:"quality,omitempty"`
	Speed    string   `yaml:"speed,omitempty"`
	Filters  Filters  `yaml:"filters,omitempty"`
	Advanced Advanced `yaml:"advanced,omitempty"`
}

type Advanced struct {
	ExtraArgs []string `yaml:"extraArgs,omitempty" json:"extraArgs,omitempty"`
}

func (a Advanced) IsZero() bool {
	return len(a.ExtraArgs) == 0
}

func DefaultTables() (*Tables, error) {
	return ParseTables(defaultTablesYAML)
}

// LoadTables reads tables from path, or the embedded defaults when path is empty.
func LoadTables(path string) (*Tables, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTables()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preset tables %s: %w", path, err)
	}
	return ParseTables(data)
}

func ParseTables(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse preset tables: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Tables) validate() error {
	if len(t.Codecs) == 0 {
		return fmt.Errorf("preset tables: no codecs defined")
	}
	if len(t.Presets) == 0 {
		return fmt.Errorf("preset tables: no presets defined")
	}
	for name, c := range t.Codecs {
		if strings.TrimSpace(c.EngineCodecID) == "" {
			return fmt.Errorf("codec %s: engineCodecId is required", name)
		}
		if c.QualityBounds.Min > c.QualityBounds.Max {
			return fmt.Errorf("codec %s: qualityBounds min %d exceeds max %d", name, c.QualityBounds.Min, c.QualityBounds.Max)
		}
	}
	for name, p := range t.Presets {
		if _, ok := t.Codecs[p.Codec]; !ok {
			return fmt.Errorf("preset %s: unknown codec %q", name, p.Codec)
		}
	}
	return nil
}
