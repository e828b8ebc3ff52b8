// Package hwaccel reports which hardware H.264 encoders the local ffmpeg build
// offers. The probe runs once per process and the result is cached.
package hwaccel

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Encoder names understood by ffmpeg.
const (
	EncoderNVENC    = "h264_nvenc"
	EncoderQSV      = "h264_qsv"
	EncoderAMF      = "h264_amf"
	EncoderVAAPI    = "h264_vaapi"
	EncoderSoftware = "libx264"
)

// Info is the cached capability fact.
type Info struct {
	NVENC   bool   `json:"nvenc"`
	QSV     bool   `json:"qsv"`
	AMF     bool   `json:"amf"`
	VAAPI   bool   `json:"vaapi"`
	Encoder string `json:"encoder"`
}

// BestEncoder applies the nvenc > qsv > amf > vaapi > libx264 preference.
func (i Info) BestEncoder() string {
	switch {
	case i.NVENC:
		return EncoderNVENC
	case i.QSV:
		return EncoderQSV
	case i.AMF:
		return EncoderAMF
	case i.VAAPI:
		return EncoderVAAPI
	default:
		return EncoderSoftware
	}
}

// Provider exposes the capability fact to the pipeline compiler.
type Provider interface {
	Info() Info
}

// Config carries the ffmpeg flags for one encoder.
type Config struct {
	Encoder     string
	DecodeFlags []string
	// DeviceFlags initialise a device without enabling hardware decode.
	DeviceFlags []string
	EncodeFlags []string
	// UploadFilter is appended to the video chain for encoders that need
	// frames in device memory.
	UploadFilter string
}

// NewConfig returns the flags for encoder. Decode acceleration is only
// enabled for encoders that support zero-copy frames.
func NewConfig(encoder string) Config {
	switch encoder {
	case EncoderNVENC:
		return Config{
			Encoder:     EncoderNVENC,
			DecodeFlags: []string{"-hwaccel", "cuda"},
			EncodeFlags: []string{"-c:v", EncoderNVENC, "-preset", "p4", "-tune", "ll", "-rc", "cbr"},
		}
	case EncoderQSV:
		return Config{
			Encoder:     EncoderQSV,
			DecodeFlags: []string{"-hwaccel", "qsv"},
			EncodeFlags: []string{"-c:v", EncoderQSV, "-preset", "veryfast"},
		}
	case EncoderAMF:
		return Config{
			Encoder:     EncoderAMF,
			EncodeFlags: []string{"-c:v", EncoderAMF, "-quality", "speed", "-rc", "cbr"},
		}
	case EncoderVAAPI:
		return Config{
			Encoder:      EncoderVAAPI,
			DeviceFlags:  []string{"-vaapi_device", "/dev/dri/renderD128"},
			EncodeFlags:  []string{"-c:v", EncoderVAAPI},
			UploadFilter: "format=nv12,hwupload",
		}
	default:
		return Config{
			Encoder:     EncoderSoftware,
			EncodeFlags: []string{"-c:v", EncoderSoftware, "-preset", "veryfast", "-tune", "zerolatency"},
		}
	}
}

// Static is a Provider with a fixed answer.
type Static Info

// Info implements Provider.
func (s Static) Info() Info {
	info := Info(s)
	if info.Encoder == "" {
		info.Encoder = info.BestEncoder()
	}
	return info
}

// Runner executes a probe command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Detector probes the ffmpeg binary on first use.
type Detector struct {
	FFmpegPath string
	Timeout    time.Duration
	Runner     Runner
	Logger     *slog.Logger

	once sync.Once
	info Info
}

// NewDetector prepares a lazy probe of the ffmpeg binary at path.
func NewDetector(path string, logger *slog.Logger) *Detector {
	return &Detector{FFmpegPath: path, Logger: logger}
}

// Info implements Provider. A failed probe yields the software encoder.
func (d *Detector) Info() Info {
	d.once.Do(func() {
		d.info = d.probe()
	})
	return d.info
}

func (d *Detector) probe() Info {
	path := strings.TrimSpace(d.FFmpegPath)
	if path == "" {
		path = "ffmpeg"
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	runner := d.Runner
	if runner == nil {
		runner = execRunner
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	output, err := runner(ctx, path, "-hide_banner", "-encoders")
	if err != nil {
		if d.Logger != nil {
			d.Logger.Warn("encoder probe failed, using software encoder", "ffmpeg", path, "error", err)
		}
		return Info{Encoder: EncoderSoftware}
	}
	info := ParseEncoders(output)
	if d.Logger != nil {
		d.Logger.Info("encoder capabilities detected",
			"nvenc", info.NVENC, "qsv", info.QSV, "amf", info.AMF, "vaapi", info.VAAPI, "encoder", info.Encoder)
	}
	return info
}

// ParseEncoders reads `ffmpeg -encoders` output.
func ParseEncoders(output []byte) Info {
	var info Info
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[1] {
		case EncoderNVENC:
			info.NVENC = true
		case EncoderQSV:
			info.QSV = true
		case EncoderAMF:
			info.AMF = true
		case EncoderVAAPI:
			info.VAAPI = true
		}
	}
	info.Encoder = info.BestEncoder()
	return info
}
