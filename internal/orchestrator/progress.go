package orchestrator

import (
	"bytes"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"
)

var (
	fpsPattern     = regexp.MustCompile(`fps=\s*([0-9]+(?:\.[0-9]+)?)`)
	bitratePattern = regexp.MustCompile(`bitrate=\s*([0-9]+(?:\.[0-9]+)?)kbits/s`)
)

// progressSample is one parsed stats line.
type progressSample struct {
	FPS     *float64
	Bitrate *float64
}

// parseProgress extracts fps and bitrate tokens from a transcoder stats
// line. Either may be missing.
func parseProgress(line string) (progressSample, bool) {
	var sample progressSample
	if m := fpsPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			sample.FPS = &v
		}
	}
	if m := bitratePattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			sample.Bitrate = &v
		}
	}
	return sample, sample.FPS != nil || sample.Bitrate != nil
}

// progressWriter splits transcoder stderr into lines, logs them at debug,
// and forwards parsed samples at most once per interval.
type progressWriter struct {
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration
	emit     func(progressSample)

	mu      sync.Mutex
	partial []byte
	last    time.Time
	pending progressSample
}

func newProgressWriter(logger *slog.Logger, now func() time.Time, emit func(progressSample)) *progressWriter {
	return &progressWriter{logger: logger, now: now, interval: time.Second, emit: emit}
}

// Write never fails so a slow consumer cannot stall the transcoder pipe.
func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.partial, p...)
	for {
		// Stats lines end in \r; log lines end in \n.
		idx := bytes.IndexAny(data, "\r\n")
		if idx == -1 {
			break
		}
		w.handleLine(bytes.TrimSpace(data[:idx]))
		data = data[idx+1:]
	}
	w.partial = append(w.partial[:0], data...)
	return total, nil
}

func (w *progressWriter) handleLine(line []byte) {
	if len(line) == 0 {
		return
	}
	text := string(line)
	sample, ok := parseProgress(text)
	if !ok {
		w.logger.Debug("transcoder output", "line", text)
		return
	}
	if sample.FPS != nil {
		w.pending.FPS = sample.FPS
	}
	if sample.Bitrate != nil {
		w.pending.Bitrate = sample.Bitrate
	}
	now := w.now()
	if !w.last.IsZero() && now.Sub(w.last) < w.interval {
		return
	}
	w.last = now
	out := w.pending
	w.pending = progressSample{}
	if w.emit != nil {
		w.emit(out)
	}
}
