package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaycast/internal/hwaccel"
	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/pipeline"
	"relaycast/internal/platform"
	"relaycast/internal/storage"
	"relaycast/internal/vault"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeProcess struct {
	pid    int
	spec   LaunchSpec
	exitCh chan int
	once   sync.Once
	code   int
	onExit func()

	terminated atomic.Bool
	killed     atomic.Bool
}

func (p *fakeProcess) exit(code int) {
	select {
	case p.exitCh <- code:
	default:
	}
}

func (p *fakeProcess) Wait() int {
	p.once.Do(func() {
		p.code = <-p.exitCh
		p.onExit()
	})
	return p.code
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	p.exit(255)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(137)
	return nil
}

func (p *fakeProcess) PID() int { return p.pid }

// input returns the path following the first -i flag.
func (p *fakeProcess) input() string {
	for i, arg := range p.spec.Args {
		if arg == "-i" && i+1 < len(p.spec.Args) {
			return p.spec.Args[i+1]
		}
	}
	return ""
}

func (p *fakeProcess) hasArg(arg string) bool {
	for _, a := range p.spec.Args {
		if a == arg {
			return true
		}
	}
	return false
}

type fakeLauncher struct {
	mu      sync.Mutex
	specs   []LaunchSpec
	alive   map[string]int
	overlap bool
	nextPID int
	err     error
	procs   chan *fakeProcess
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{alive: make(map[string]int), procs: make(chan *fakeProcess, 64)}
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return nil, err
	}
	l.nextPID++
	l.alive[spec.JobID]++
	if l.alive[spec.JobID] > 1 {
		l.overlap = true
	}
	l.specs = append(l.specs, spec)
	proc := &fakeProcess{
		pid:    l.nextPID,
		spec:   spec,
		exitCh: make(chan int, 1),
		onExit: func() {
			l.mu.Lock()
			l.alive[spec.JobID]--
			l.mu.Unlock()
		},
	}
	l.mu.Unlock()
	l.procs <- proc
	return proc, nil
}

func (l *fakeLauncher) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) overlapped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overlap
}

func (l *fakeLauncher) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case proc := <-l.procs:
		return proc
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a transcoder launch")
		return nil
	}
}

func (l *fakeLauncher) expectNone(t *testing.T) {
	t.Helper()
	select {
	case proc := <-l.procs:
		t.Fatalf("unexpected launch for job %s", proc.spec.JobID)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakePlatform struct {
	mu sync.Mutex

	// validTokens rejects other tokens for a page with an expired-session error.
	validTokens map[string]string
	remotePages []platform.PageCredential
	details     map[string]platform.PageDetails
	statusFn    func(call int) (platform.LiveStatus, error)

	broadcasts  []platform.BroadcastParams
	updates     []platform.BroadcastParams
	comments    []string
	targets     []string
	statusCalls int
	listCalls   int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{validTokens: make(map[string]string)}
}

func expiredSession() error {
	return &platform.APIError{Status: 400, Code: 190, Subcode: 463, Type: "OAuthException", Message: "Error validating access token: Session has expired"}
}

func (f *fakePlatform) checkToken(pageID, token string) error {
	if expected, ok := f.validTokens[pageID]; ok && expected != token {
		return expiredSession()
	}
	return nil
}

func (f *fakePlatform) ExchangeToken(_ context.Context, shortLived string) (platform.Token, error) {
	return platform.Token{AccessToken: "long-" + shortLived, TokenType: "bearer"}, nil
}

func (f *fakePlatform) AccountID(context.Context, string) (platform.Account, error) {
	return platform.Account{ID: "acct-1", Name: "Operator"}, nil
}

func (f *fakePlatform) ListPages(context.Context, string) ([]platform.PageCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return append([]platform.PageCredential(nil), f.remotePages...), nil
}

func (f *fakePlatform) PageDetails(_ context.Context, pageID, token string) (platform.PageDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(pageID, token); err != nil {
		return platform.PageDetails{}, err
	}
	details, ok := f.details[pageID]
	if !ok {
		return platform.PageDetails{}, &platform.APIError{Status: 404, Code: 803, Type: "OAuthException", Message: "Some of the aliases you requested do not exist"}
	}
	return details, nil
}

func (f *fakePlatform) CreateBroadcast(_ context.Context, pageID, token string, params platform.BroadcastParams) (platform.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(pageID, token); err != nil {
		return platform.Broadcast{}, err
	}
	f.broadcasts = append(f.broadcasts, params)
	n := len(f.broadcasts)
	return platform.Broadcast{
		ID:        fmt.Sprintf("b-%d", n),
		VideoID:   fmt.Sprintf("v-%d", n),
		StreamURL: fmt.Sprintf("rtmp://ingest.invalid/rtmp/b-%d", n),
		SecureURL: fmt.Sprintf("rtmps://ingest.invalid:443/rtmp/b-%d", n),
	}, nil
}

func (f *fakePlatform) UpdateBroadcast(_ context.Context, _, _ string, params platform.BroadcastParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, params)
	return nil
}

func (f *fakePlatform) LiveStatus(_ context.Context, broadcastID, _ string) (platform.LiveStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	call := f.statusCalls
	fn := f.statusFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return platform.LiveStatus{ID: broadcastID, Status: "LIVE", LiveViews: 7}, nil
}

func (f *fakePlatform) PostComment(_ context.Context, objectID, _, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, message)
	f.targets = append(f.targets, objectID)
	return fmt.Sprintf("c-%d", len(f.comments)), nil
}

func (f *fakePlatform) setStatusFn(fn func(call int) (platform.LiveStatus, error)) {
	f.mu.Lock()
	f.statusFn = fn
	f.mu.Unlock()
}

func (f *fakePlatform) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func (f *fakePlatform) commentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comments)
}

type manualTicker struct {
	ch chan time.Time
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *storage.Storage
	vault    *vault.Vault
	platform *fakePlatform
	launcher *fakeLauncher
	clock    *fakeClock
	metrics  *metrics.Recorder
	svc      *Service
	pageID   string
	videos   []models.Video
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	clock := newFakeClock()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"), storage.WithClock(clock.Now))
	require.NoError(t, err)
	v, err := vault.New("test-passphrase", "test-salt")
	require.NoError(t, err)

	h := &harness{
		t:        t,
		ctx:      ctx,
		store:    store,
		vault:    v,
		platform: newFakePlatform(),
		launcher: newFakeLauncher(),
		clock:    clock,
		metrics:  metrics.New(),
		pageID:   "page-1",
	}
	h.seedPage("page-1", "Main Page", "page-token")
	for _, name := range []string{"intro_clip.mp4", "main-feature.mp4", "outro.mp4"} {
		video, err := store.CreateVideo(ctx, storage.CreateVideoParams{Path: "/media/" + name, Filename: name})
		require.NoError(t, err)
		h.videos = append(h.videos, video)
	}
	h.seedAccountToken("account-token")

	cfg := Config{
		Store:         store,
		Platform:      h.platform,
		Cipher:        v,
		Compiler:      pipeline.NewCompiler(hwaccel.Static{}),
		Launcher:      h.launcher,
		Metrics:       h.metrics,
		Logger:        logging.Discard(),
		Clock:         clock.Now,
		MaxConcurrent: 5,
		PollInterval:  time.Minute,
		NewTicker: func(time.Duration) loopTicker {
			return &manualTicker{ch: make(chan time.Time)}
		},
		SampleProcess: func(int) (processStats, error) { return processStats{CPUPercent: 12.5, RSSBytes: 1 << 20}, nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg)
	require.NoError(t, err)
	h.svc = svc
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = svc.Shutdown(shutdownCtx)
	})
	return h
}

func (h *harness) seedPage(id, name, token string) {
	h.t.Helper()
	secret, err := h.vault.Encrypt(token)
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.UpsertPages(h.ctx, []models.Page{{ID: id, Name: name, Token: secret}}))
}

func (h *harness) seedAccountToken(token string) {
	h.t.Helper()
	secret, err := h.vault.Encrypt(token)
	require.NoError(h.t, err)
	encoded, err := vault.EncodeSecret(secret)
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.SetSetting(h.ctx, models.SettingAccountToken, encoded))
}

func (h *harness) pageTokenOf(id string) string {
	h.t.Helper()
	page, err := h.store.GetPage(h.ctx, id)
	require.NoError(h.t, err)
	token, err := h.vault.Decrypt(page.Token)
	require.NoError(h.t, err)
	return token
}

func (h *harness) createJob(mutate func(*storage.CreateJobParams)) models.Job {
	h.t.Helper()
	params := storage.CreateJobParams{PageID: h.pageID, VideoID: h.videos[0].ID, LoopMode: models.LoopOff}
	if mutate != nil {
		mutate(&params)
	}
	job, err := h.store.CreateJob(h.ctx, params)
	require.NoError(h.t, err)
	return job
}

func (h *harness) playlist(n int) []string {
	ids := make([]string, 0, n)
	for _, v := range h.videos[:n] {
		ids = append(ids, v.ID)
	}
	return ids
}

func (h *harness) job(id string) models.Job {
	h.t.Helper()
	job, err := h.store.GetJob(h.ctx, id)
	require.NoError(h.t, err)
	return job
}

func (h *harness) latestSession(jobID string) models.Session {
	h.t.Helper()
	session, err := h.store.LatestSession(h.ctx, jobID)
	require.NoError(h.t, err)
	return session
}

func (h *harness) waitStatus(jobID string, status models.JobStatus) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		job, err := h.store.GetJob(h.ctx, jobID)
		return err == nil && job.Status == status
	}, waitFor, tick, "job %s never reached %s", jobID, status)
}

// waitLive waits for the job to be live with its live session at index.
func (h *harness) waitLive(jobID string, index int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		job, err := h.store.GetJob(h.ctx, jobID)
		if err != nil || job.Status != models.JobLive {
			return false
		}
		session, err := h.store.LiveSession(h.ctx, jobID)
		return err == nil && session.CurrentIndex == index
	}, waitFor, tick, "job %s never went live at index %d", jobID, index)
}

func (h *harness) waitIdle(jobID string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		_, active := h.svc.runnerFor(jobID)
		return !active
	}, waitFor, tick, "job %s still holds a slot", jobID)
}

// startLive admits the job and waits for its first process to go live.
func (h *harness) startLive(jobID string) *fakeProcess {
	h.t.Helper()
	h.svc.admit(h.ctx)
	proc := h.launcher.next(h.t)
	require.Equal(h.t, jobID, proc.spec.JobID)
	h.waitLive(jobID, 0)
	return proc
}

func (h *harness) metricsText() string {
	var b strings.Builder
	h.metrics.Write(&b)
	return b.String()
}

var errUnreachable = errors.New("dial tcp: connection refused")
