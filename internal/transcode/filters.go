package transcode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Filter keys accepted in override maps.
const (
	FilterScale       = "scale"
	FilterFramerate   = "framerate"
	FilterDeinterlace = "deinterlace"
	FilterDenoise     = "denoise"
	FilterCrop        = "crop"
	FilterPad         = "pad"
	FilterCustom      = "custom"
)

// Filters holds one optional value per filter stage. The order stages are
// applied in is fixed by renderChain, not by field or key order.
type Filters struct {
	Scale       string  `yaml:"scale,omitempty" json:"scale,omitempty"`
	Framerate   float64 `yaml:"framerate,omitempty" json:"framerate,omitempty"`
	Deinterlace string  `yaml:"deinterlace,omitempty" json:"deinterlace,omitempty"`
	Denoise     string  `yaml:"denoise,omitempty" json:"denoise,omitempty"`
	Crop        string  `yaml:"crop,omitempty" json:"crop,omitempty"`
	Pad         string  `yaml:"pad,omitempty" json:"pad,omitempty"`
	Custom      string  `yaml:"custom,omitempty" json:"custom,omitempty"`
}

func (f Filters) IsZero() bool {
	return f == Filters{}
}

// ParseFilters converts a loosely keyed override map into Filters.
func ParseFilters(raw map[string]string) (Filters, error) {
	var f Filters
	for key, value := range raw {
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case FilterScale:
			f.Scale = value
		case FilterFramerate:
			rate, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Filters{}, &ParameterError{Field: "filters.framerate", Reason: fmt.Sprintf("not a number: %q", value)}
			}
			if err := checkFramerate(rate); err != nil {
				return Filters{}, err
			}
			f.Framerate = rate
		case FilterDeinterlace:
			f.Deinterlace = value
		case FilterDenoise:
			f.Denoise = value
		case FilterCrop:
			f.Crop = value
		case FilterPad:
			f.Pad = value
		case FilterCustom:
			f.Custom = value
		default:
			return Filters{}, &ParameterError{Field: "filters." + key, Reason: "unknown filter"}
		}
	}
	return f, nil
}

// checkFramerate rejects non-finite and non-positive rates.
func checkFramerate(rate float64) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return &ParameterError{Field: "filters.framerate", Reason: fmt.Sprintf("must be a positive finite number, got %v", rate)}
	}
	return nil
}

// renderChain emits filters in the order
// scale, framerate, deinterlace, denoise, crop, pad, custom.
// Each stage sees the frames produced by the one before it.
func renderChain(f Filters, width, height int) []string {
	chain := make([]string, 0, 7)

	if f.Scale != "" {
		chain = append(chain, prefixed("scale", f.Scale))
	} else {
		chain = append(chain, fmt.Sprintf("scale=%d:%d", width, height))
	}
	if f.Framerate > 0 {
		chain = append(chain, "fps="+strconv.FormatFloat(f.Framerate, 'f', -1, 64))
	}
	if f.Deinterlace != "" {
		chain = append(chain, switchable("yadif", f.Deinterlace))
	}
	if f.Denoise != "" {
		chain = append(chain, switchable("hqdn3d", f.Denoise))
	}
	if f.Crop != "" {
		chain = append(chain, prefixed("crop", f.Crop))
	}
	if f.Pad != "" {
		chain = append(chain, prefixed("pad", f.Pad))
	}
	if f.Custom != "" {
		chain = append(chain, f.Custom)
	}
	return chain
}

func prefixed(name, value string) string {
	if strings.HasPrefix(value, name+"=") {
		return value
	}
	return name + "=" + value
}

// switchable turns "true"-like values into the bare filter name and keeps
// anything else as a full filter expression.
func switchable(name, value string) string {
	switch strings.ToLower(value) {
	case "true", "yes", "on", "1":
		return name
	}
	if strings.Contains(value, "=") || strings.HasPrefix(value, name) {
		return value
	}
	return name + "=" + value
}
