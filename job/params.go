package job

import (
	"fmt"
	"regexp"

	transcodeq "github.com/mediaforge/transcodeq"
)

// Params are the encode parameters for one quality variant. They are
// immutable after job creation.
type Params struct {
	// Preset names a known quality preset ("720p_30fps"). When set, the
	// remaining fields are filled from the preset table at validation
	// time and any explicit values are ignored.
	Preset string `json:"preset" msgpack:"preset"`

	// Resolution is the target frame size as "WIDTHxHEIGHT".
	Resolution string `json:"resolution" msgpack:"resolution"`

	// Framerate is the target frames per second.
	Framerate int `json:"framerate" msgpack:"framerate"`

	// BitrateKbps is the target video bitrate in kilobits per second.
	BitrateKbps int `json:"bitrate_kbps" msgpack:"bitrate_kbps"`
}

// presets maps known preset names to their full parameter sets.
var presets = map[string]Params{
	"480p_30fps":  {Resolution: "854x480", Framerate: 30, BitrateKbps: 1200},
	"720p_30fps":  {Resolution: "1280x720", Framerate: 30, BitrateKbps: 2800},
	"720p_60fps":  {Resolution: "1280x720", Framerate: 60, BitrateKbps: 4000},
	"1080p_30fps": {Resolution: "1920x1080", Framerate: 30, BitrateKbps: 5000},
	"1080p_60fps": {Resolution: "1920x1080", Framerate: 60, BitrateKbps: 7500},
}

var resolutionRe = regexp.MustCompile(`^[1-9][0-9]{1,4}x[1-9][0-9]{1,4}$`)

// Presets returns the known preset names.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}

// Normalize validates p and returns the fully resolved parameter set.
// A named preset must exist in the preset table; custom parameters must
// carry a well-formed resolution and positive framerate and bitrate.
// Invalid parameters wrap [transcodeq.ErrInvalidParams].
func (p Params) Normalize() (Params, error) {
	if p.Preset != "" {
		full, ok := presets[p.Preset]
		if !ok {
			return Params{}, fmt.Errorf("%w: unknown preset %q", transcodeq.ErrInvalidParams, p.Preset)
		}
		full.Preset = p.Preset
		return full, nil
	}

	if !resolutionRe.MatchString(p.Resolution) {
		return Params{}, fmt.Errorf("%w: bad resolution %q", transcodeq.ErrInvalidParams, p.Resolution)
	}
	if p.Framerate <= 0 {
		return Params{}, fmt.Errorf("%w: framerate must be positive, got %d", transcodeq.ErrInvalidParams, p.Framerate)
	}
	if p.BitrateKbps <= 0 {
		return Params{}, fmt.Errorf("%w: bitrate must be positive, got %d", transcodeq.ErrInvalidParams, p.BitrateKbps)
	}
	p.Preset = "custom"
	return p, nil
}

// Label returns a short human-readable name for the parameter set, used
// in log fields and output key paths.
func (p Params) Label() string {
	if p.Preset != "" && p.Preset != "custom" {
		return p.Preset
	}
	return fmt.Sprintf("%s_%dfps", p.Resolution, p.Framerate)
}
