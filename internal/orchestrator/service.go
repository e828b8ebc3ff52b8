// Package orchestrator admits queued jobs into a bounded pool of supervised
// transcoder processes, drives each job through its persisted state machine,
// and polls the remote platform for liveness, viewers, and auto-comments.
//
// Every job runs on its own goroutine for its whole lifecycle: start, wait
// for exit, then either restart (playlist advance or loop) or finish. The
// supervision table maps job ids to those runners and is the only shared
// in-memory state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"relaycast/internal/events"
	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/pipeline"
	"relaycast/internal/platform"
	"relaycast/internal/storage"
)

const (
	defaultMaxConcurrent    = 5
	defaultAdmission        = 10 * time.Second
	defaultPollInterval     = 30 * time.Second
	defaultMaxAttempts      = 3
	defaultBreakerThreshold = 5
	defaultCommentDelay     = 15 * time.Second
	lockStripes             = 64
)

var (
	// ErrJobNotFound is returned for operations on unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrNoActiveSession is returned when a live broadcast is required but
	// the job has none.
	ErrNoActiveSession = errors.New("job has no live session")
	// ErrJobActive is returned when an operation needs the job to be idle.
	ErrJobActive = errors.New("job is active")
	// ErrInvalidRequest wraps validation failures of caller input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotRunning is returned by Start when called twice or after Shutdown.
	ErrNotRunning = errors.New("orchestrator is not running")
)

// Platform is the subset of the remote platform client the orchestrator uses.
type Platform interface {
	ExchangeToken(ctx context.Context, shortLived string) (platform.Token, error)
	AccountID(ctx context.Context, token string) (platform.Account, error)
	ListPages(ctx context.Context, userToken string) ([]platform.PageCredential, error)
	PageDetails(ctx context.Context, pageID, token string) (platform.PageDetails, error)
	CreateBroadcast(ctx context.Context, pageID, token string, params platform.BroadcastParams) (platform.Broadcast, error)
	UpdateBroadcast(ctx context.Context, broadcastID, token string, params platform.BroadcastParams) error
	LiveStatus(ctx context.Context, broadcastID, token string) (platform.LiveStatus, error)
	PostComment(ctx context.Context, objectID, token, message string) (string, error)
}

// Cipher encrypts credentials at rest.
type Cipher interface {
	Encrypt(plaintext string) (models.Secret, error)
	Decrypt(secret models.Secret) (string, error)
}

// Compiler turns an editing profile into transcoder arguments.
type Compiler interface {
	Build(input string, profile pipeline.Profile) *pipeline.Invocation
}

// Resolver turns a stored content locator into a transcoder input.
type Resolver interface {
	Resolve(ctx context.Context, locator string) (string, error)
}

// Config wires the service. Store, Platform, Cipher, Compiler, and Launcher
// are required.
type Config struct {
	Store     storage.Repository
	Platform  Platform
	Cipher    Cipher
	Compiler  Compiler
	Launcher  Launcher
	Resolver  Resolver
	Publisher events.Publisher
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Clock     func() time.Time

	MaxConcurrent     int
	AdmissionInterval time.Duration
	PollInterval      time.Duration
	MaxAttempts       int
	BreakerThreshold  int
	CommentDelay      time.Duration
	// StopGrace is how long a terminated process may take to exit before it
	// is killed. Zero waits indefinitely.
	StopGrace time.Duration

	// NewTicker overrides the ticker used by the admission and poll loops.
	NewTicker tickerFactory
	// SampleProcess overrides process statistics sampling.
	SampleProcess statsSampler
}

// Service is the stream orchestrator.
type Service struct {
	cfg       Config
	store     storage.Repository
	platform  Platform
	cipher    Cipher
	compiler  Compiler
	launcher  Launcher
	resolver  Resolver
	publisher events.Publisher
	metrics   *metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
	newTicker tickerFactory
	sample    statsSampler

	refresh singleflight.Group
	locks   [lockStripes]sync.Mutex

	mu       sync.Mutex
	runners  map[string]*runner
	wg       sync.WaitGroup
	runCtx   context.Context
	cancel   context.CancelFunc
	stopLoop func()
	started  bool
	closing  bool
}

// New validates cfg and constructs a Service. Loops do not run until Start.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if cfg.Platform == nil {
		return nil, fmt.Errorf("orchestrator: platform client is required")
	}
	if cfg.Cipher == nil {
		return nil, fmt.Errorf("orchestrator: cipher is required")
	}
	if cfg.Compiler == nil {
		return nil, fmt.Errorf("orchestrator: compiler is required")
	}
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("orchestrator: launcher is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.AdmissionInterval <= 0 {
		cfg.AdmissionInterval = defaultAdmission
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = defaultBreakerThreshold
	}
	if cfg.CommentDelay <= 0 {
		cfg.CommentDelay = defaultCommentDelay
	}
	if cfg.StopGrace < 0 {
		cfg.StopGrace = 0
	}

	s := &Service{
		cfg:       cfg,
		store:     cfg.Store,
		platform:  cfg.Platform,
		cipher:    cfg.Cipher,
		compiler:  cfg.Compiler,
		launcher:  cfg.Launcher,
		resolver:  cfg.Resolver,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Clock,
		newTicker: cfg.NewTicker,
		sample:    cfg.SampleProcess,
		runners:   make(map[string]*runner),
	}
	if s.resolver == nil {
		s.resolver = passthroughResolver{}
	}
	if s.publisher == nil {
		s.publisher = events.NewNoopPublisher()
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = logging.WithComponent(s.logger, "orchestrator")
	if s.now == nil {
		s.now = time.Now
	}
	if s.newTicker == nil {
		s.newTicker = newTimeTicker
	}
	if s.sample == nil {
		s.sample = sampleProcess
	}
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start reconciles rows left behind by an unclean shutdown, then launches
// the admission and poll loops. The loops stop when ctx is cancelled or
// Shutdown is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closing {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.started = true
	s.mu.Unlock()

	if err := s.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile job store: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	stopAdmission := startLoop(loopCtx, s.newTicker, s.cfg.AdmissionInterval, s.admit)
	stopPoll := startLoop(loopCtx, s.newTicker, s.cfg.PollInterval, s.poll)
	var once sync.Once
	s.mu.Lock()
	s.stopLoop = func() {
		once.Do(func() {
			cancel()
			stopAdmission()
			stopPoll()
		})
	}
	s.mu.Unlock()
	s.logger.Info("orchestrator started",
		"max_concurrent", s.cfg.MaxConcurrent,
		"admission_interval", s.cfg.AdmissionInterval,
		"poll_interval", s.cfg.PollInterval,
		"max_attempts", s.cfg.MaxAttempts)
	return nil
}

// Shutdown stops the loops, terminates every supervised process, and waits
// for the runners to record their final state. Jobs interrupted this way are
// left in failed_recovery without consuming a recovery attempt so they
// resume on the next start.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	stopLoop := s.stopLoop
	runners := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	if stopLoop != nil {
		stopLoop()
	}
	for _, r := range runners {
		r.requestStop(stopShutdown, s.cfg.StopGrace)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		s.logger.Info("orchestrator stopped", "interrupted_jobs", len(runners))
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// ActiveJobs returns the ids of jobs currently holding a pool slot.
func (s *Service) ActiveJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

func (s *Service) runnerFor(jobID string) (*runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[jobID]
	return r, ok
}

// claim registers a runner for jobID. It fails when the job already holds a
// slot, which keeps at most one process per job.
func (s *Service) claim(jobID string) (*runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, false
	}
	if _, exists := s.runners[jobID]; exists {
		return nil, false
	}
	if len(s.runners) >= s.cfg.MaxConcurrent {
		return nil, false
	}
	r := newRunner(jobID)
	s.runners[jobID] = r
	s.wg.Add(1)
	return r, true
}

func (s *Service) release(r *runner) {
	s.mu.Lock()
	if current, ok := s.runners[r.jobID]; ok && current == r {
		delete(s.runners, r.jobID)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// lockJob serializes status changes for one job across the runner, the
// poller, and caller operations.
func (s *Service) lockJob(jobID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	m := &s.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

type passthroughResolver struct{}

func (passthroughResolver) Resolve(_ context.Context, locator string) (string, error) {
	return locator, nil
}
