// Package preference learns per-user style profiles for each content type.
//
// A profile maps style parameter names to values inside a fixed range. Reads
// merge the content type's defaults with whatever the user has taught the
// system; feedback is folded in with exponential smoothing.
package preference

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
)

// ContentType is the detected category of an upload. It selects the default
// profile and scopes learned preferences. It is unrelated to the MIME type.
type ContentType string

const (
	Studio   ContentType = "studio"
	Live     ContentType = "live"
	Daily    ContentType = "daily"
	Creative ContentType = "creative"
)

// ContentTypes lists every known content type.
var ContentTypes = []ContentType{Studio, Live, Daily, Creative}

// ParseContentType resolves s to a known ContentType.
func ParseContentType(s string) (ContentType, error) {
	ct := ContentType(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(ContentTypes, ct) {
		return ct, nil
	}
	return "", fmt.Errorf("unknown content type %q", s)
}

// Style parameter names.
const (
	ParamWarmth          = "color_grade_warmth"
	ParamSaturation      = "saturation"
	ParamContrast        = "contrast"
	ParamBrightness      = "brightness"
	ParamTransitionSpeed = "transition_speed"
	ParamGrain           = "grain"
)

// Range is the inclusive valid interval of a parameter.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp limits v to r.
func (r Range) Clamp(v float64) float64 {
	return math.Min(r.Max, math.Max(r.Min, v))
}

// Contains reports whether v lies in r.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

var ranges = map[string]Range{
	ParamWarmth:          {Min: -1, Max: 1},
	ParamSaturation:      {Min: 0, Max: 2},
	ParamContrast:        {Min: 0, Max: 2},
	ParamBrightness:      {Min: -1, Max: 1},
	ParamTransitionSpeed: {Min: 0.25, Max: 4},
	ParamGrain:           {Min: 0, Max: 1},
}

// RangeOf returns the valid range of param.
func RangeOf(param string) (Range, bool) {
	r, ok := ranges[param]
	return r, ok
}

// Params returns the known parameter names in sorted order.
func Params() []string {
	return slices.Sorted(maps.Keys(ranges))
}

// Profile maps parameter names to values.
type Profile map[string]float64

// Clone returns a copy of p.
func (p Profile) Clone() Profile {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Merge overlays learned onto defaults key by key. Neither input is modified.
func Merge(defaults, learned Profile) Profile {
	out := make(Profile, len(defaults)+len(learned))
	maps.Copy(out, defaults)
	maps.Copy(out, learned)
	return out
}

// Default looks per content type.
var defaults = map[ContentType]Profile{
	Studio: {
		ParamWarmth:          0.3,
		ParamSaturation:      1.0,
		ParamContrast:        1.05,
		ParamBrightness:      0.02,
		ParamTransitionSpeed: 0.8,
		ParamGrain:           0,
	},
	Live: {
		ParamWarmth:          0.1,
		ParamSaturation:      1.35,
		ParamContrast:        1.15,
		ParamBrightness:      0.03,
		ParamTransitionSpeed: 1.6,
		ParamGrain:           0.05,
	},
	Daily: {
		ParamWarmth:          0,
		ParamSaturation:      1.0,
		ParamContrast:        1.0,
		ParamBrightness:      0,
		ParamTransitionSpeed: 1.0,
		ParamGrain:           0,
	},
	Creative: {
		ParamWarmth:          -0.2,
		ParamSaturation:      0.8,
		ParamContrast:        1.25,
		ParamBrightness:      -0.05,
		ParamTransitionSpeed: 1.4,
		ParamGrain:           0.25,
	},
}

// DefaultProfile returns a copy of the defaults for ct. Unknown content types
// get the Daily defaults.
func DefaultProfile(ct ContentType) Profile {
	if p, ok := defaults[ct]; ok {
		return p.Clone()
	}
	return defaults[Daily].Clone()
}
