// Package pipeline compiles editing profiles into ffmpeg invocations.
//
// Filters are applied in a fixed order: input trim, crop, fit/zoom/background
// compositing, rotate, flip, colour correction, frame injection, overlays,
// speed and finally audio gain, normalisation and pitch. The video graph is
// built as a small node graph and serialised once, so input indices for
// overlay, protection and background images are assigned in one place.
package pipeline

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"relaycast/internal/hwaccel"
)

const (
	defaultVideoBitrate = "4500k"
	outputLabel         = Label("vout")
	mainInputKey        = "main"
)

// Compiler turns editing profiles into ffmpeg arguments. It holds no state
// between builds.
type Compiler struct {
	hw           hwaccel.Provider
	videoBitrate string
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithVideoBitrate overrides the constant output video bitrate, e.g. "6000k".
func WithVideoBitrate(rate string) Option {
	return func(c *Compiler) {
		if strings.TrimSpace(rate) != "" {
			c.videoBitrate = strings.TrimSpace(rate)
		}
	}
}

// NewCompiler returns a compiler that picks its encoder from hw. A nil
// provider selects the software encoder.
func NewCompiler(hw hwaccel.Provider, opts ...Option) *Compiler {
	c := &Compiler{hw: hw, videoBitrate: defaultVideoBitrate}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Invocation is a profile compiled against one input. Argument assembly
// happens in ForStreaming.
type Invocation struct {
	input   string
	profile Profile
	hw      hwaccel.Config
	bitrate string
	graph   *Graph
	audio   []string
	width   int
	height  int

	// Warnings lists profile sections and effects that were skipped.
	Warnings []string
}

// Build compiles profile for input.
func (c *Compiler) Build(input string, profile Profile) *Invocation {
	encoder := hwaccel.EncoderSoftware
	if c.hw != nil {
		info := c.hw.Info()
		encoder = info.Encoder
		if encoder == "" {
			encoder = info.BestEncoder()
		}
	}
	profile = normalizeProfile(profile)
	inv := &Invocation{
		input:    input,
		profile:  profile,
		hw:       hwaccel.NewConfig(encoder),
		bitrate:  c.videoBitrate,
		graph:    &Graph{},
		Warnings: append([]string(nil), profile.Warnings...),
	}
	inv.compile()
	return inv
}

// Encoder reports the selected video encoder.
func (inv *Invocation) Encoder() string {
	return inv.hw.Encoder
}

// Size reports the output frame size after rotation.
func (inv *Invocation) Size() (int, int) {
	return inv.width, inv.height
}

// Graph exposes the compiled video graph.
func (inv *Invocation) Graph() *Graph {
	return inv.graph
}

// FilterGraph returns the serialised video graph.
func (inv *Invocation) FilterGraph() string {
	if inv.graph.Linear() {
		return inv.graph.Chain()
	}
	return inv.graph.String()
}

// AudioFilters returns the audio filter chain, empty when audio is copied
// through the encoder untouched.
func (inv *Invocation) AudioFilters() []string {
	return append([]string(nil), inv.audio...)
}

// ForStreaming assembles the argument list (without the binary) that streams
// to url in real time. loop makes ffmpeg repeat its input indefinitely.
func (inv *Invocation) ForStreaming(url string, loop bool) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "info"}
	args = append(args, inv.hw.DeviceFlags...)

	for _, input := range inv.graph.Inputs() {
		if input.Key == mainInputKey {
			args = append(args, "-re")
			if loop {
				args = append(args, "-stream_loop", "-1")
			}
			args = append(args, inv.hw.DecodeFlags...)
			args = append(args, inv.trimArgs()...)
		} else {
			args = append(args, input.Options...)
		}
		args = append(args, "-i", input.Path)
	}

	if inv.graph.Linear() {
		args = append(args, "-vf", inv.graph.Chain(), "-map", "0:v:0")
	} else {
		args = append(args, "-filter_complex", inv.graph.String(), "-map", "["+string(outputLabel)+"]")
	}
	args = append(args, "-map", "0:a?")
	if len(inv.audio) > 0 {
		args = append(args, "-af", strings.Join(inv.audio, ","))
	}

	args = append(args, inv.hw.EncodeFlags...)
	args = append(args,
		"-b:v", inv.bitrate,
		"-maxrate", inv.bitrate,
		"-bufsize", doubleBitrate(inv.bitrate),
		"-g", "60",
	)
	if inv.hw.UploadFilter == "" {
		args = append(args, "-pix_fmt", "yuv420p")
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-f", "flv",
		url,
	)
	return args
}

func (inv *Invocation) trimArgs() []string {
	trim := inv.profile.Trim
	if trim.Start <= 0 && trim.End <= 0 {
		return nil
	}
	var args []string
	if trim.Start > 0 {
		args = append(args, "-ss", formatNumber(trim.Start))
	}
	if trim.End > trim.Start {
		args = append(args, "-t", formatNumber(trim.End-trim.Start))
	}
	return args
}

func (inv *Invocation) warn(format string, args ...any) {
	inv.Warnings = append(inv.Warnings, fmt.Sprintf(format, args...))
}

// videoChain tracks the current video pad and the filters queued on it.
type videoChain struct {
	graph   *Graph
	current Label
	pending []string
}

func (c *videoChain) apply(filters ...string) {
	c.pending = append(c.pending, filters...)
}

// flush materialises queued filters into a node and returns the pad that
// carries the result.
func (c *videoChain) flush() Label {
	if len(c.pending) == 0 {
		return c.current
	}
	out := c.graph.Pad("v")
	c.graph.Add([]Label{c.current}, c.pending, out)
	c.current = out
	c.pending = nil
	return out
}

func (c *videoChain) finish(out Label) {
	if len(c.pending) == 0 {
		if n := len(c.graph.nodes); n > 0 {
			last := &c.graph.nodes[n-1]
			if len(last.Outputs) == 1 && last.Outputs[0] == c.current {
				last.Outputs[0] = out
				c.current = out
				return
			}
		}
		c.pending = []string{"null"}
	}
	c.graph.Add([]Label{c.current}, c.pending, out)
	c.current = out
	c.pending = nil
}

func (inv *Invocation) compile() {
	p := inv.profile
	inv.graph.AddInput(Input{Key: mainInputKey, Rank: rankMain, Path: inv.input})
	chain := &videoChain{graph: inv.graph, current: StreamRef(mainInputKey, "v")}

	if p.Crop.active() {
		chain.apply(fmt.Sprintf("crop=iw*%s/100:ih*%s/100:iw*%s/100:ih*%s/100",
			formatNumber(p.Crop.Width), formatNumber(p.Crop.Height), formatNumber(p.Crop.X), formatNumber(p.Crop.Y)))
	}

	inv.width, inv.height = TargetResolution(p)
	if NeedsCompositing(p) {
		inv.composite(chain)
	} else {
		chain.apply(
			fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", inv.width, inv.height),
			fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black", inv.width, inv.height),
			"setsar=1",
		)
	}

	switch p.Rotate {
	case 90:
		chain.apply("transpose=1")
		inv.width, inv.height = inv.height, inv.width
	case 180:
		chain.apply("transpose=1", "transpose=1")
	case 270:
		chain.apply("transpose=2")
		inv.width, inv.height = inv.height, inv.width
	}
	if p.Flip.Horizontal {
		chain.apply("hflip")
	}
	if p.Flip.Vertical {
		chain.apply("vflip")
	}

	chain.apply(colorFilters(p.Color)...)

	if p.Protection.Enabled {
		inv.protect(chain)
	}

	for i, overlay := range p.Overlays {
		switch overlay.Type {
		case "text":
			if strings.TrimSpace(overlay.Text) == "" {
				inv.warn("overlays[%d]: empty text", i)
				continue
			}
			chain.apply(textOverlayFilters(overlay)...)
		case "image", "logo":
			if strings.TrimSpace(overlay.Image) == "" {
				inv.warn("overlays[%d]: image path missing", i)
				continue
			}
			inv.imageOverlay(chain, i, overlay)
		default:
			inv.warn("overlays[%d]: unknown type %q", i, overlay.Type)
		}
	}

	if math.Abs(p.Speed-1) > 1e-9 {
		chain.apply("setpts=PTS/" + formatNumber(p.Speed))
		inv.audio = append(inv.audio, atempoChain(p.Speed)...)
	}

	if inv.hw.UploadFilter != "" {
		chain.apply(inv.hw.UploadFilter)
	}
	chain.finish(outputLabel)

	inv.audio = append(inv.audio, audioFilters(p.Audio)...)
}

// TargetResolution maps the profile's aspect or explicit resolution to the
// output frame size.
func TargetResolution(p Profile) (int, int) {
	switch strings.TrimSpace(p.Aspect.Ratio) {
	case "1:1":
		return 1080, 1080
	case "4:5":
		return 1080, 1350
	case "9:16":
		return 1080, 1920
	case "16:9":
		return 1920, 1080
	}
	if p.Resolution.Width > 0 && p.Resolution.Height > 0 {
		return even(float64(p.Resolution.Width)), even(float64(p.Resolution.Height))
	}
	return 1920, 1080
}

// NeedsCompositing reports whether the frame must be built from a separate
// background and foreground rather than a single scale and pad.
func NeedsCompositing(p Profile) bool {
	return math.Abs(p.Zoom-1) > 1e-9 || p.Background.Type != BackgroundBlack
}

func (inv *Invocation) composite(chain *videoChain) {
	p := inv.profile
	w, h := inv.width, inv.height
	fgW, fgH := even(float64(w)*p.Zoom), even(float64(h)*p.Zoom)
	fgScale := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", fgW, fgH)
	fill := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", w, h),
		fmt.Sprintf("crop=%d:%d", w, h),
	}

	src := chain.flush()
	fg := inv.graph.Pad("fg")
	bg := inv.graph.Pad("bg")
	overlay := "overlay=(W-w)/2:(H-h)/2"

	bgType := p.Background.Type
	if bgType == BackgroundImage && strings.TrimSpace(p.Background.Image) == "" {
		inv.warn("background: image path missing, using black")
		bgType = BackgroundBlack
	}

	switch bgType {
	case BackgroundBlur, BackgroundMirror:
		fgIn, bgIn := inv.graph.Pad("fgsrc"), inv.graph.Pad("bgsrc")
		inv.graph.Add([]Label{src}, []string{"split=2"}, fgIn, bgIn)
		inv.graph.Add([]Label{fgIn}, []string{fgScale}, fg)
		radius := p.Background.Blur
		if radius <= 0 {
			radius = 20
		}
		filters := append([]string(nil), fill...)
		if bgType == BackgroundMirror {
			filters = append(filters, "hflip")
		}
		filters = append(filters, fmt.Sprintf("boxblur=%s:1", formatNumber(radius)))
		inv.graph.Add([]Label{bgIn}, filters, bg)
	case BackgroundImage:
		inv.graph.AddInput(Input{
			Key:     "background",
			Rank:    rankBackground,
			Options: []string{"-loop", "1"},
			Path:    p.Background.Image,
		})
		inv.graph.Add([]Label{src}, []string{fgScale}, fg)
		inv.graph.Add([]Label{StreamRef("background", "v")}, fill, bg)
		overlay += ":shortest=1"
	default:
		color := strings.TrimSpace(p.Background.Color)
		if bgType != BackgroundColor || color == "" {
			if bgType != BackgroundColor && bgType != BackgroundBlack {
				inv.warn("background: unknown type %q, using black", bgType)
			}
			color = "black"
		}
		inv.graph.Add(nil, []string{fmt.Sprintf("color=c=%s:s=%dx%d", color, w, h)}, bg)
		inv.graph.Add([]Label{src}, []string{fgScale}, fg)
		overlay += ":shortest=1"
	}

	out := inv.graph.Pad("comp")
	inv.graph.Add([]Label{bg, fg}, []string{overlay, "setsar=1"}, out)
	chain.current = out
}

func colorFilters(c ColorAdjust) []string {
	contrast, saturation, gamma := neutral(c.Contrast), neutral(c.Saturation), neutral(c.Gamma)
	var filters []string
	if c.Brightness != 0 || contrast != 1 || saturation != 1 || gamma != 1 {
		filters = append(filters, fmt.Sprintf("eq=brightness=%s:contrast=%s:saturation=%s:gamma=%s",
			formatNumber(c.Brightness), formatNumber(contrast), formatNumber(saturation), formatNumber(gamma)))
	}
	if c.Hue != 0 {
		filters = append(filters, "hue=h="+formatNumber(c.Hue))
	}
	if c.Sharpness != 0 {
		amount := clamp(c.Sharpness, -2, 5)
		filters = append(filters, fmt.Sprintf("unsharp=5:5:%s:5:5:0", formatNumber(amount)))
	}
	return filters
}

// ProtectionEnable returns the per-frame enable expression for a trigger.
func ProtectionEnable(p Protection) string {
	p = p.withDefaults()
	switch p.Trigger {
	case "frame":
		return fmt.Sprintf("lt(mod(n,%s),%d)", formatNumber(p.Interval), p.InjectionCount)
	case "random":
		return fmt.Sprintf("lt(random(0),%s)", formatNumber(float64(p.InjectionCount)/p.Interval))
	default:
		return fmt.Sprintf("lt(mod(t,%s),%s)", formatNumber(p.Interval), formatNumber(p.Duration))
	}
}

func (inv *Invocation) protect(chain *videoChain) {
	p := inv.profile.Protection
	enable := "enable='" + ProtectionEnable(p) + "'"
	s := p.Strength

	switch p.Effect {
	case "solid":
		chain.apply(fmt.Sprintf("drawbox=x=0:y=0:w=iw:h=ih:color=%s@%s:t=fill:%s",
			p.Color, formatNumber(clamp(s, 0, 1)), enable))
	case "grayscale":
		chain.apply("hue=s=0:" + enable)
	case "blur":
		chain.apply(fmt.Sprintf("boxblur=%d:%s", int(math.Max(1, math.Round(10*s))), enable))
	case "noise":
		chain.apply(fmt.Sprintf("noise=alls=%d:allf=t:%s", int(clamp(math.Round(60*s), 0, 100)), enable))
	case "subtle_noise":
		chain.apply(fmt.Sprintf("noise=alls=%d:allf=t:%s", int(clamp(math.Round(8*s), 0, 100)), enable))
	case "color_shift":
		chain.apply(fmt.Sprintf("hue=h=%s:%s", formatNumber(90*s), enable))
	case "mirror":
		src := chain.flush()
		keep, mirror := inv.graph.Pad("pkeep"), inv.graph.Pad("pmsrc")
		flipped, out := inv.graph.Pad("pmirror"), inv.graph.Pad("prot")
		inv.graph.Add([]Label{src}, []string{"split=2"}, keep, mirror)
		inv.graph.Add([]Label{mirror}, []string{"crop=iw/2:ih:0:0", "hflip"}, flipped)
		inv.graph.Add([]Label{keep, flipped}, []string{"overlay=x=main_w/2:y=0:" + enable}, out)
		chain.current = out
	case "image":
		if strings.TrimSpace(p.Image) == "" {
			inv.warn("protection: image path missing")
			return
		}
		inv.graph.AddInput(Input{Key: "protection", Rank: rankProtection, Options: []string{"-loop", "1"}, Path: p.Image})
		layer := inv.graph.Pad("pimg")
		inv.graph.Add([]Label{StreamRef("protection", "v")}, []string{
			fmt.Sprintf("scale=%d:%d", inv.width, inv.height),
			"format=rgba",
			"colorchannelmixer=aa=" + formatNumber(clamp(s, 0, 1)),
		}, layer)
		src := chain.flush()
		out := inv.graph.Pad("prot")
		inv.graph.Add([]Label{src, layer}, []string{"overlay=0:0:shortest=1:" + enable}, out)
		chain.current = out
	default:
		inv.warn("protection: unknown effect %q", p.Effect)
	}
}

// drawtext expands its text before use, so a literal backslash or percent
// sign needs its own escape under the option and graph levels.
var drawtextEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`)

// EscapeText escapes a literal for the text option of drawtext inside a
// filter graph.
func EscapeText(text string) string {
	return EscapeFilterValue(drawtextEscaper.Replace(text))
}

// EscapeFilterValue escapes an option value for the option parser and then
// for the graph parser. The result is used unquoted.
func EscapeFilterValue(value string) string {
	return escapeLevel(escapeLevel(value, `\':`, true), `\'[],;`, false)
}

// escapeLevel backslash-escapes special characters the way av_get_token
// unescapes them. Leading and trailing whitespace is escaped on request
// because the option parser trims it.
func escapeLevel(s, special string, edges bool) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case strings.IndexByte(special, c) >= 0:
			b.WriteByte('\\')
		case edges && isSpace(c) && edgeSpace(s, i):
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// edgeSpace reports whether the whitespace at i belongs to a leading or
// trailing run.
func edgeSpace(s string, i int) bool {
	return strings.TrimLeft(s[:i], " \t\r\n") == "" || strings.TrimRight(s[i:], " \t\r\n") == ""
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func textOverlayFilters(o Overlay) []string {
	fontSize := o.FontSize
	if fontSize <= 0 {
		fontSize = 0.05
	}
	opacity := o.Opacity
	if opacity <= 0 || opacity > 1 {
		opacity = 1
	}
	color := strings.TrimSpace(o.FontColor)
	if color == "" {
		color = "white"
	}
	speed := o.ScrollSpeed
	if speed <= 0 {
		speed = 120
	}
	xPct, yPct := formatNumber(o.X), formatNumber(o.Y)
	x := fmt.Sprintf("w*%s/100", xPct)
	y := fmt.Sprintf("h*%s/100", yPct)
	fontColor := fmt.Sprintf("%s@%s", color, formatNumber(opacity))
	alpha := ""
	scrolling := false

	switch strings.ReplaceAll(strings.ToLower(o.Animation), "_", "-") {
	case "scroll-left":
		x = fmt.Sprintf("'w-mod(t*%s,w+tw)'", formatNumber(speed))
		scrolling = true
	case "scroll-right":
		x = fmt.Sprintf("'mod(t*%s,w+tw)-tw'", formatNumber(speed))
		scrolling = true
	case "fade":
		fontColor = color
		alpha = fmt.Sprintf("'min(1,t)*%s'", formatNumber(opacity))
	}

	var filters []string
	if o.Banner.Enabled {
		bannerColor := strings.TrimSpace(o.Banner.Color)
		if bannerColor == "" {
			bannerColor = "black"
		}
		bannerOpacity := o.Banner.Opacity
		if bannerOpacity <= 0 || bannerOpacity > 1 {
			bannerOpacity = 0.5
		}
		pad := o.Banner.Padding
		if pad <= 0 {
			pad = 10
		}
		bx := fmt.Sprintf("iw*%s/100-%d", xPct, pad)
		bw := fmt.Sprintf("iw-iw*%s/100+%d", xPct, pad)
		if scrolling {
			bx, bw = "0", "iw"
		}
		filters = append(filters, fmt.Sprintf("drawbox=x=%s:y=ih*%s/100-%d:w=%s:h=iw*%s+%d:color=%s@%s:t=fill",
			bx, yPct, pad, bw, formatNumber(fontSize), 2*pad, bannerColor, formatNumber(bannerOpacity)))
	}

	opts := []string{
		"text=" + EscapeText(o.Text),
		"fontsize=w*" + formatNumber(fontSize),
		"fontcolor=" + fontColor,
		"x=" + x,
		"y=" + y,
	}
	if strings.TrimSpace(o.FontFile) != "" {
		opts = append(opts, "fontfile="+EscapeFilterValue(o.FontFile))
	}
	if alpha != "" {
		opts = append(opts, "alpha="+alpha)
	}
	if o.Shadow {
		shadow := strings.TrimSpace(o.ShadowColor)
		if shadow == "" {
			shadow = "black"
		}
		opts = append(opts, "shadowx=2", "shadowy=2", "shadowcolor="+shadow+"@0.6")
	}
	if o.Border > 0 {
		border := strings.TrimSpace(o.BorderColor)
		if border == "" {
			border = "black"
		}
		opts = append(opts, fmt.Sprintf("borderw=%d", o.Border), "bordercolor="+border)
	}
	filters = append(filters, "drawtext="+strings.Join(opts, ":"))
	return filters
}

var stillImageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".webp": true,
}

func (inv *Invocation) imageOverlay(chain *videoChain, index int, o Overlay) {
	key := fmt.Sprintf("overlay%d", index)
	still := stillImageExtensions[strings.ToLower(filepath.Ext(o.Image))]
	input := Input{Key: key, Rank: rankOverlay, Path: o.Image}
	if still {
		input.Options = []string{"-loop", "1"}
	}
	inv.graph.AddInput(input)

	width, height := "-2", "-2"
	size, tall := o.Size, o.Height
	if size <= 0 && tall <= 0 {
		size = 150
	}
	if size > 0 {
		width = strconv.Itoa(even(float64(inv.width) * size / 1000))
	}
	if tall > 0 {
		height = strconv.Itoa(even(float64(inv.height) * tall / 1000))
	}
	filters := []string{fmt.Sprintf("scale=%s:%s", width, height)}
	if o.Opacity > 0 && o.Opacity < 1 {
		filters = append(filters, "format=rgba", "colorchannelmixer=aa="+formatNumber(o.Opacity))
	}
	layer := inv.graph.Pad("ov")
	inv.graph.Add([]Label{StreamRef(key, "v")}, filters, layer)

	placement := fmt.Sprintf("overlay=x=W*%s/100:y=H*%s/100", formatNumber(o.X), formatNumber(o.Y))
	if still {
		placement += ":shortest=1"
	} else {
		placement += ":eof_action=pass"
	}
	src := chain.flush()
	out := inv.graph.Pad("ovout")
	inv.graph.Add([]Label{src, layer}, []string{placement}, out)
	chain.current = out
}

func audioFilters(a Audio) []string {
	var filters []string
	if a.Volume != 1 {
		filters = append(filters, "volume="+formatNumber(a.Volume))
	}
	if a.Normalize {
		filters = append(filters, "loudnorm=I=-16:TP=-1.5:LRA=11")
	}
	if a.Pitch != 0 {
		factor := math.Pow(2, a.Pitch/12)
		filters = append(filters,
			"aresample=44100",
			"asetrate="+formatNumber(44100*factor),
			"aresample=44100",
		)
		filters = append(filters, atempoChain(1/factor)...)
	}
	return filters
}

// atempoChain splits a tempo factor into atempo stages within [0.5, 2].
func atempoChain(factor float64) []string {
	var stages []string
	for factor > 2 {
		stages = append(stages, "atempo=2")
		factor /= 2
	}
	for factor < 0.5 {
		stages = append(stages, "atempo=0.5")
		factor /= 0.5
	}
	return append(stages, "atempo="+formatNumber(factor))
}

// normalizeProfile fills defaults for values a hand-built profile may omit.
func normalizeProfile(p Profile) Profile {
	if p.Zoom <= 0 {
		p.Zoom = 1
	}
	if p.Speed <= 0 {
		p.Speed = 1
	}
	if p.Background.Type == "" {
		p.Background.Type = BackgroundBlack
	}
	if p.Audio.Volume <= 0 {
		p.Audio.Volume = 1
	}
	p.Protection = p.Protection.withDefaults()
	return p
}

func (prot Protection) withDefaults() Protection {
	prot.Trigger = strings.ToLower(strings.TrimSpace(prot.Trigger))
	if prot.Trigger != "frame" && prot.Trigger != "random" {
		prot.Trigger = "time"
	}
	if prot.Interval <= 0 {
		if prot.Trigger == "time" {
			prot.Interval = 5
		} else {
			prot.Interval = 30
		}
	}
	if prot.Duration <= 0 {
		prot.Duration = 0.1
	}
	if prot.InjectionCount <= 0 {
		prot.InjectionCount = 1
	}
	if prot.Strength <= 0 {
		prot.Strength = 1
	}
	prot.Effect = strings.ToLower(strings.TrimSpace(prot.Effect))
	if prot.Effect == "" {
		prot.Effect = "solid"
	}
	if strings.TrimSpace(prot.Color) == "" {
		prot.Color = "black"
	}
	return prot
}

func neutral(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// even rounds down to an even pixel count, as required by yuv420p.
func even(v float64) int {
	n := int(math.Round(v))
	n -= n % 2
	if n < 2 {
		return 2
	}
	return n
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(math.Round(v*10000)/10000, 'f', -1, 64)
}

func doubleBitrate(rate string) string {
	trimmed := strings.TrimSpace(rate)
	if trimmed == "" {
		return rate
	}
	suffix := ""
	number := trimmed
	if last := trimmed[len(trimmed)-1]; last == 'k' || last == 'K' || last == 'm' || last == 'M' {
		suffix = string(last)
		number = trimmed[:len(trimmed)-1]
	}
	value, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return rate
	}
	return formatNumber(value*2) + suffix
}
