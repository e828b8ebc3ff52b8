package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, job
// lifecycle transitions, supervised transcoder processes, and remote platform
// calls. Maps are guarded by a RWMutex; gauges use atomics.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	jobTransitions     map[string]uint64
	remoteAttempts     map[string]uint64
	remoteFailures     map[string]uint64
	credentialRefresh  map[string]uint64
	processExits       map[string]uint64
	activeProcesses    atomic.Int64
	circuitBreakerTrip atomic.Uint64
	commentsPosted     atomic.Uint64
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:      make(map[requestLabel]uint64),
		requestDuration:   make(map[requestLabel]time.Duration),
		jobTransitions:    make(map[string]uint64),
		remoteAttempts:    make(map[string]uint64),
		remoteFailures:    make(map[string]uint64),
		credentialRefresh: make(map[string]uint64),
		processExits:      make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder shared by packages that are not
// handed an explicit one.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Nil is ignored.
func SetDefault(recorder *Recorder) {
	if recorder == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = recorder
	defaultMu.Unlock()
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveJobTransition counts a job entering the provided status.
func (r *Recorder) ObserveJobTransition(status string) {
	normalized := normalizeName(status)
	r.mu.Lock()
	r.jobTransitions[normalized]++
	r.mu.Unlock()
}

// ProcessStarted increments the supervised process gauge.
func (r *Recorder) ProcessStarted() {
	r.activeProcesses.Add(1)
}

// ProcessExited records the exit outcome ("success", "failure", "stopped")
// and decrements the supervised process gauge without going negative.
func (r *Recorder) ProcessExited(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.processExits[normalized]++
	r.mu.Unlock()
	r.decrementGauge(&r.activeProcesses)
}

// ActiveProcesses exposes the number of transcoder processes currently supervised.
func (r *Recorder) ActiveProcesses() int64 {
	return r.activeProcesses.Load()
}

// ObserveRemoteAttempt records a remote platform call keyed by operation name
// (e.g. "create_broadcast", "live_status").
func (r *Recorder) ObserveRemoteAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.remoteAttempts[op]++
	r.mu.Unlock()
}

// ObserveRemoteFailure records a failed remote platform call. The caller
// should also record the attempt separately.
func (r *Recorder) ObserveRemoteFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.remoteFailures[op]++
	r.mu.Unlock()
}

// RemoteCounts returns copies of the remote attempt and failure counters.
func (r *Recorder) RemoteCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.remoteAttempts))
	for k, v := range r.remoteAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.remoteFailures))
	for k, v := range r.remoteFailures {
		failures[k] = v
	}
	return attempts, failures
}

// ObserveCredentialRefresh counts token recovery outcomes ("success",
// "missing_account", "failed").
func (r *Recorder) ObserveCredentialRefresh(result string) {
	normalized := normalizeName(result)
	r.mu.Lock()
	r.credentialRefresh[normalized]++
	r.mu.Unlock()
}

// CircuitBreakerTripped counts a session whose polling failures tripped the breaker.
func (r *Recorder) CircuitBreakerTripped() {
	r.circuitBreakerTrip.Add(1)
}

// CommentPosted counts a successfully posted first comment.
func (r *Recorder) CommentPosted() {
	r.commentsPosted.Add(1)
}

// JobTransitionCounts returns a copy of the job transition counters.
func (r *Recorder) JobTransitionCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.jobTransitions))
	for k, v := range r.jobTransitions {
		counts[k] = v
	}
	return counts
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobTransitions = make(map[string]uint64)
	r.remoteAttempts = make(map[string]uint64)
	r.remoteFailures = make(map[string]uint64)
	r.credentialRefresh = make(map[string]uint64)
	r.processExits = make(map[string]uint64)
	r.activeProcesses.Store(0)
	r.circuitBreakerTrip.Store(0)
	r.commentsPosted.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP relaycast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE relaycast_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "relaycast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP relaycast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE relaycast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "relaycast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP relaycast_job_transitions_total Job status transitions by target status")
	fmt.Fprintln(w, "# TYPE relaycast_job_transitions_total counter")
	for _, status := range sortedKeys(r.jobTransitions) {
		fmt.Fprintf(w, "relaycast_job_transitions_total{status=\"%s\"} %d\n", status, r.jobTransitions[status])
	}

	fmt.Fprintln(w, "# HELP relaycast_active_processes Current number of supervised transcoder processes")
	fmt.Fprintln(w, "# TYPE relaycast_active_processes gauge")
	fmt.Fprintf(w, "relaycast_active_processes %d\n", r.activeProcesses.Load())

	fmt.Fprintln(w, "# HELP relaycast_process_exits_total Transcoder process exits by outcome")
	fmt.Fprintln(w, "# TYPE relaycast_process_exits_total counter")
	for _, outcome := range sortedKeys(r.processExits) {
		fmt.Fprintf(w, "relaycast_process_exits_total{outcome=\"%s\"} %d\n", outcome, r.processExits[outcome])
	}

	operations := mergedKeys(r.remoteAttempts, r.remoteFailures)
	fmt.Fprintln(w, "# HELP relaycast_remote_attempts_total Remote platform calls by operation")
	fmt.Fprintln(w, "# TYPE relaycast_remote_attempts_total counter")
	for _, op := range operations {
		fmt.Fprintf(w, "relaycast_remote_attempts_total{operation=\"%s\"} %d\n", op, r.remoteAttempts[op])
	}

	fmt.Fprintln(w, "# HELP relaycast_remote_failures_total Remote platform call failures by operation")
	fmt.Fprintln(w, "# TYPE relaycast_remote_failures_total counter")
	for _, op := range operations {
		fmt.Fprintf(w, "relaycast_remote_failures_total{operation=\"%s\"} %d\n", op, r.remoteFailures[op])
	}

	fmt.Fprintln(w, "# HELP relaycast_credential_refresh_total Credential recovery attempts by result")
	fmt.Fprintln(w, "# TYPE relaycast_credential_refresh_total counter")
	for _, result := range sortedKeys(r.credentialRefresh) {
		fmt.Fprintf(w, "relaycast_credential_refresh_total{result=\"%s\"} %d\n", result, r.credentialRefresh[result])
	}

	fmt.Fprintln(w, "# HELP relaycast_circuit_breaker_trips_total Sessions stopped after repeated polling failures")
	fmt.Fprintln(w, "# TYPE relaycast_circuit_breaker_trips_total counter")
	fmt.Fprintf(w, "relaycast_circuit_breaker_trips_total %d\n", r.circuitBreakerTrip.Load())

	fmt.Fprintln(w, "# HELP relaycast_comments_posted_total First comments posted to live broadcasts")
	fmt.Fprintln(w, "# TYPE relaycast_comments_posted_total counter")
	fmt.Fprintf(w, "relaycast_comments_posted_total %d\n", r.commentsPosted.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func mergedKeys(a, b map[string]uint64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for key := range a {
		seen[key] = struct{}{}
	}
	for key := range b {
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
