// Command compile-profile prints the ffmpeg command an editing profile
// compiles to, without contacting the platform or launching a process.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"relaycast/internal/hwaccel"
	"relaycast/internal/models"
	"relaycast/internal/pipeline"
)

type options struct {
	input   string
	url     string
	encoder string
	bitrate string
	ffmpeg  string
	format  string
	loop    string
}

func main() {
	var opts options
	flag.StringVar(&opts.input, "input", "input.mp4", "Input path or URL passed to ffmpeg")
	flag.StringVar(&opts.url, "url", "rtmps://live.invalid:443/rtmp/preview", "Ingest URL written as the output")
	flag.StringVar(&opts.encoder, "encoder", "", "Force an encoder (h264_nvenc, h264_qsv, h264_amf, h264_vaapi, libx264)")
	flag.StringVar(&opts.bitrate, "bitrate", "", "Video bitrate, e.g. 4500k")
	flag.StringVar(&opts.ffmpeg, "ffmpeg", "ffmpeg", "ffmpeg binary name printed first")
	flag.StringVar(&opts.format, "format", "", "Profile format: json or yaml (default from extension)")
	flag.StringVar(&opts.loop, "loop", "", "Loop mode override: off, loop_all, loop_one")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: compile-profile [flags] PROFILE")
		os.Exit(2)
	}
	path := flag.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("read profile: %v", err)
	}
	if opts.format == "" {
		opts.format = formatFromPath(path)
	}

	if err := compile(data, opts, os.Stdout, os.Stderr); err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// compile writes the command to out, one argument per line, and any profile
// warnings to warn.
func compile(data []byte, opts options, out, warn io.Writer) error {
	var profile pipeline.Profile
	switch strings.ToLower(opts.format) {
	case "yaml", "yml":
		parsed, err := pipeline.ParseProfileYAML(data)
		if err != nil {
			return err
		}
		profile = parsed
	case "json", "":
		profile = pipeline.ParseProfile(data)
	default:
		return fmt.Errorf("unsupported profile format %q", opts.format)
	}

	if opts.loop != "" {
		mode, ok := models.ParseLoopMode(opts.loop)
		if !ok {
			return fmt.Errorf("unknown loop mode %q", opts.loop)
		}
		profile.Loop = mode
	}

	var compilerOpts []pipeline.Option
	if opts.bitrate != "" {
		compilerOpts = append(compilerOpts, pipeline.WithVideoBitrate(opts.bitrate))
	}
	compiler := pipeline.NewCompiler(hwaccel.Static{Encoder: opts.encoder}, compilerOpts...)
	inv := compiler.Build(opts.input, profile)

	for _, warning := range profile.Warnings {
		fmt.Fprintf(warn, "warning: %s\n", warning)
	}
	fmt.Fprintln(out, opts.ffmpeg)
	for _, arg := range inv.ForStreaming(opts.url, profile.Loop == models.LoopAll) {
		fmt.Fprintln(out, arg)
	}
	return nil
}
