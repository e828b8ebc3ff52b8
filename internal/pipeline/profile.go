package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"relaycast/internal/models"

	"gopkg.in/yaml.v3"
)

// Background fill types.
const (
	BackgroundBlack  = "black"
	BackgroundBlur   = "blur"
	BackgroundMirror = "mirror"
	BackgroundColor  = "color"
	BackgroundImage  = "image"
)

// Crop removes a region expressed in percent of the input frame.
type Crop struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (c Crop) active() bool {
	if c.Width <= 0 || c.Height <= 0 {
		return false
	}
	return c.Width < 100 || c.Height < 100 || c.X > 0 || c.Y > 0
}

// Aspect names a canonical output shape such as "9:16".
type Aspect struct {
	Ratio string `json:"ratio"`
}

// Resolution is an explicit output size used when no aspect is named.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Background fills the canvas around a zoomed or letterboxed foreground.
type Background struct {
	Type  string  `json:"type"`
	Color string  `json:"color"`
	Image string  `json:"image"`
	Blur  float64 `json:"blur"`
}

// ColorAdjust holds eq/hue/unsharp parameters. Zero values for contrast,
// saturation and gamma are treated as neutral.
type ColorAdjust struct {
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Saturation float64 `json:"saturation"`
	Gamma      float64 `json:"gamma"`
	Hue        float64 `json:"hue"`
	Sharpness  float64 `json:"sharpness"`
}

// Audio holds gain, loudness normalisation and pitch shift in semitones. A
// zero or negative volume leaves the gain unchanged.
type Audio struct {
	Volume    float64 `json:"volume"`
	Normalize bool    `json:"normalize"`
	Pitch     float64 `json:"pitch"`
}

// Trim selects a range of the input in seconds. End <= Start means "to the end".
type Trim struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Flip mirrors the frame.
type Flip struct {
	Horizontal bool `json:"horizontal"`
	Vertical   bool `json:"vertical"`
}

// Banner draws a filled box behind a text overlay.
type Banner struct {
	Enabled bool    `json:"enabled"`
	Color   string  `json:"color"`
	Opacity float64 `json:"opacity"`
	Padding int     `json:"padding"`
}

// Overlay is a text or image layer. Positions are percent of the frame,
// FontSize is a fraction of frame width and Size/Height are permille of the
// target output dimensions.
type Overlay struct {
	Type        string  `json:"type"`
	Text        string  `json:"text"`
	FontFile    string  `json:"font_file"`
	FontColor   string  `json:"font_color"`
	FontSize    float64 `json:"font_size"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Opacity     float64 `json:"opacity"`
	Shadow      bool    `json:"shadow"`
	ShadowColor string  `json:"shadow_color"`
	Border      int     `json:"border"`
	BorderColor string  `json:"border_color"`
	Animation   string  `json:"animation"`
	ScrollSpeed float64 `json:"scroll_speed"`
	Banner      Banner  `json:"banner"`
	Image       string  `json:"image"`
	Size        float64 `json:"size"`
	Height      float64 `json:"height"`
}

// Protection describes the periodic frame-injection effect.
type Protection struct {
	Enabled        bool    `json:"enabled"`
	Trigger        string  `json:"trigger"`
	Interval       float64 `json:"interval"`
	Duration       float64 `json:"duration"`
	InjectionCount int     `json:"injection_count"`
	Effect         string  `json:"effect"`
	Strength       float64 `json:"strength"`
	Color          string  `json:"color"`
	Image          string  `json:"image"`
}

// Profile is the parsed editing profile. Every field carries a usable
// default, so a profile with no sections compiles to a plain fit-to-frame.
type Profile struct {
	Crop       Crop            `json:"crop"`
	Aspect     Aspect          `json:"aspect"`
	Resolution Resolution      `json:"resolution"`
	Zoom       float64         `json:"zoom"`
	Background Background      `json:"background"`
	Color      ColorAdjust     `json:"color"`
	Speed      float64         `json:"speed"`
	Audio      Audio           `json:"audio"`
	Trim       Trim            `json:"trim"`
	Rotate     int             `json:"rotate"`
	Flip       Flip            `json:"flip"`
	Overlays   []Overlay       `json:"overlays"`
	Protection Protection      `json:"protection"`
	Loop       models.LoopMode `json:"loop"`

	// Warnings lists sections that could not be applied.
	Warnings []string `json:"-"`
}

// DefaultProfile returns a profile with neutral settings.
func DefaultProfile() Profile {
	return Profile{
		Zoom:       1,
		Speed:      1,
		Background: Background{Type: BackgroundBlack, Color: "black"},
		Color:      ColorAdjust{Contrast: 1, Saturation: 1, Gamma: 1},
		Audio:      Audio{Volume: 1},
		Loop:       models.LoopOff,
	}
}

// ParseProfile decodes a stored profile document one section at a time. A
// section that fails to decode keeps its default and is reported in
// Warnings; the rest of the profile still applies.
func ParseProfile(data []byte) Profile {
	profile := DefaultProfile()
	if len(strings.TrimSpace(string(data))) == 0 {
		return profile
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		profile.warn("profile", err)
		return profile
	}

	keys := make([]string, 0, len(sections))
	for key := range sections {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := sections[key]
		if isNull(raw) {
			continue
		}
		switch key {
		case "crop":
			decodeSection(&profile, key, raw, &profile.Crop)
		case "aspect":
			if !decodeAspect(raw, &profile.Aspect) {
				decodeSection(&profile, key, raw, &profile.Aspect)
			}
		case "resolution":
			decodeSection(&profile, key, raw, &profile.Resolution)
		case "zoom":
			var zoom float64
			if decodeSection(&profile, key, raw, &zoom) {
				if zoom <= 0 {
					profile.Warnings = append(profile.Warnings, "zoom: must be positive")
				} else {
					profile.Zoom = zoom
				}
			}
		case "background":
			decodeSection(&profile, key, raw, &profile.Background)
			profile.Background.Type = strings.ToLower(strings.TrimSpace(profile.Background.Type))
			if profile.Background.Type == "" {
				profile.Background.Type = BackgroundBlack
			}
		case "color":
			decodeSection(&profile, key, raw, &profile.Color)
		case "speed":
			var speed float64
			if decodeSection(&profile, key, raw, &speed) {
				if speed <= 0 {
					profile.Warnings = append(profile.Warnings, "speed: must be positive")
				} else {
					profile.Speed = speed
				}
			}
		case "audio":
			decodeSection(&profile, key, raw, &profile.Audio)
			if profile.Audio.Volume < 0 {
				profile.Audio.Volume = 1
			}
		case "trim":
			decodeSection(&profile, key, raw, &profile.Trim)
		case "rotate":
			var rotate int
			if decodeSection(&profile, key, raw, &rotate) {
				rotate = ((rotate % 360) + 360) % 360
				if rotate%90 != 0 {
					profile.Warnings = append(profile.Warnings, fmt.Sprintf("rotate: unsupported angle %d", rotate))
				} else {
					profile.Rotate = rotate
				}
			}
		case "flip":
			decodeSection(&profile, key, raw, &profile.Flip)
		case "overlays":
			profile.Overlays = decodeOverlays(&profile, raw)
		case "protection":
			decodeSection(&profile, key, raw, &profile.Protection)
		case "loop":
			var value string
			if decodeSection(&profile, key, raw, &value) {
				mode, ok := models.ParseLoopMode(value)
				if !ok {
					profile.Warnings = append(profile.Warnings, fmt.Sprintf("loop: unknown mode %q", value))
				}
				profile.Loop = mode
			}
		}
	}
	return profile
}

// ParseProfileYAML accepts the same document written as YAML.
func ParseProfileYAML(data []byte) (Profile, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Profile{}, fmt.Errorf("decode yaml profile: %w", err)
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return Profile{}, fmt.Errorf("convert yaml profile: %w", err)
	}
	return ParseProfile(encoded), nil
}

func (p *Profile) warn(section string, err error) {
	p.Warnings = append(p.Warnings, fmt.Sprintf("%s: %v", section, err))
}

// decodeSection decodes raw into a scratch copy of target so a failed decode
// leaves the default untouched.
func decodeSection[T any](profile *Profile, section string, raw json.RawMessage, target *T) bool {
	scratch := *target
	if err := json.Unmarshal(raw, &scratch); err != nil {
		profile.warn(section, err)
		return false
	}
	*target = scratch
	return true
}

// decodeAspect also accepts the shorthand `"aspect": "9:16"`.
func decodeAspect(raw json.RawMessage, target *Aspect) bool {
	var ratio string
	if err := json.Unmarshal(raw, &ratio); err != nil {
		return false
	}
	target.Ratio = ratio
	return true
}

func decodeOverlays(profile *Profile, raw json.RawMessage) []Overlay {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		profile.warn("overlays", err)
		return nil
	}
	overlays := make([]Overlay, 0, len(items))
	for i, item := range items {
		overlay := Overlay{Opacity: 1}
		if err := json.Unmarshal(item, &overlay); err != nil {
			profile.warn(fmt.Sprintf("overlays[%d]", i), err)
			continue
		}
		overlay.Type = strings.ToLower(strings.TrimSpace(overlay.Type))
		if overlay.Type == "" {
			if overlay.Image != "" {
				overlay.Type = "image"
			} else {
				overlay.Type = "text"
			}
		}
		overlays = append(overlays, overlay)
	}
	return overlays
}

func isNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}
