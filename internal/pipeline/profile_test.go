package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycast/internal/hwaccel"
	"relaycast/internal/models"
)

func TestParseProfileDefaults(t *testing.T) {
	p := ParseProfile(nil)
	assert.Equal(t, 1.0, p.Zoom)
	assert.Equal(t, 1.0, p.Speed)
	assert.Equal(t, BackgroundBlack, p.Background.Type)
	assert.Equal(t, models.LoopOff, p.Loop)
	assert.Empty(t, p.Warnings)
}

func TestParseProfileSkipsBadSections(t *testing.T) {
	doc := `{
		"zoom": "big",
		"speed": 2,
		"background": {"type": "Blur"},
		"color": {"brightness": 0.2},
		"overlays": [
			{"type": "text", "text": "A"},
			{"type": "text", "text": 5},
			{"image": "/logo.png"}
		],
		"unknown": true
	}`
	p := ParseProfile([]byte(doc))

	assert.Equal(t, 1.0, p.Zoom)
	assert.Equal(t, 2.0, p.Speed)
	assert.Equal(t, BackgroundBlur, p.Background.Type)
	assert.Equal(t, 0.2, p.Color.Brightness)
	assert.Equal(t, 1.0, p.Color.Contrast)
	require.Len(t, p.Overlays, 2)
	assert.Equal(t, "text", p.Overlays[0].Type)
	assert.Equal(t, 1.0, p.Overlays[0].Opacity)
	assert.Equal(t, "image", p.Overlays[1].Type)
	require.Len(t, p.Warnings, 2)
	assert.Contains(t, p.Warnings[0], "overlays[1]")
	assert.Contains(t, p.Warnings[1], "zoom")
}

func TestParseProfileMalformedDocument(t *testing.T) {
	p := ParseProfile([]byte("not json"))
	assert.Equal(t, DefaultProfile().Zoom, p.Zoom)
	require.Len(t, p.Warnings, 1)
}

func TestParseProfileValueRules(t *testing.T) {
	p := ParseProfile([]byte(`{"rotate": -90, "zoom": 0, "speed": -1, "loop": "all", "aspect": "1:1", "protection": {"enabled": true, "trigger": "frame"}}`))
	assert.Equal(t, 270, p.Rotate)
	assert.Equal(t, 1.0, p.Zoom)
	assert.Equal(t, 1.0, p.Speed)
	assert.Equal(t, models.LoopAll, p.Loop)
	assert.Equal(t, "1:1", p.Aspect.Ratio)
	assert.True(t, p.Protection.Enabled)
	assert.Len(t, p.Warnings, 2)

	odd := ParseProfile([]byte(`{"rotate": 45}`))
	assert.Equal(t, 0, odd.Rotate)
	assert.Len(t, odd.Warnings, 1)
}

func TestParseProfileYAML(t *testing.T) {
	doc := `
aspect:
  ratio: "9:16"
zoom: 1.1
background:
  type: color
  color: "#101010"
overlays:
  - type: text
    text: Hello
`
	p, err := ParseProfileYAML([]byte(doc))
	require.NoError(t, err)
	require.Len(t, p.Overlays, 1)

	inv := NewCompiler(hwaccel.Static{}).Build("/in.mp4", p)
	graph := inv.FilterGraph()
	assert.Contains(t, graph, "color=c=#101010:s=1080x1920")
	assert.Contains(t, graph, "scale=1188:2112:force_original_aspect_ratio=decrease")
	assert.Contains(t, graph, "drawtext=text=Hello:")

	_, err = ParseProfileYAML([]byte("zoom: [unterminated"))
	assert.Error(t, err)
}
