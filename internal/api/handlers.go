package api

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/orchestrator"
	"relaycast/internal/pipeline"
	"relaycast/internal/platform"
	"relaycast/internal/storage"
)

// Orchestrator is the subset of the orchestrator service the API drives.
type Orchestrator interface {
	CreateJobs(ctx context.Context, req orchestrator.CreateJobsRequest) ([]models.Job, error)
	ListJobs(ctx context.Context) ([]orchestrator.JobView, error)
	StopJob(ctx context.Context, jobID string) (models.Job, error)
	StopAll(ctx context.Context) (int, error)
	RestartJob(ctx context.Context, jobID string) (models.Job, error)
	UpdateLiveMetadata(ctx context.Context, jobID string, update orchestrator.LiveMetadata) error
	SyncPages(ctx context.Context) ([]models.Page, error)
	PageDetails(ctx context.Context, pageID string) (platform.PageDetails, error)
	ActiveJobs() []string
}

// Previewer compiles editing profiles for the preview endpoint.
type Previewer interface {
	Build(input string, profile pipeline.Profile) *pipeline.Invocation
}

// Handler serves the REST API.
type Handler struct {
	Orchestrator Orchestrator
	Store        storage.Repository
	Compiler     Previewer
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
	// FFmpegPath prefixes preview argument lists.
	FFmpegPath string
}

// Config wires a Handler.
type Config struct {
	Orchestrator Orchestrator
	Store        storage.Repository
	Compiler     Previewer
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
	FFmpegPath   string
}

// NewHandler builds a Handler, filling optional dependencies with defaults.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		Orchestrator: cfg.Orchestrator,
		Store:        cfg.Store,
		Compiler:     cfg.Compiler,
		Metrics:      cfg.Metrics,
		Logger:       cfg.Logger,
		FFmpegPath:   cfg.FFmpegPath,
	}
	if h.Compiler == nil {
		h.Compiler = pipeline.NewCompiler(nil)
	}
	if h.Metrics == nil {
		h.Metrics = metrics.Default()
	}
	if h.Logger == nil {
		h.Logger = logging.Discard()
	}
	h.Logger = logging.WithComponent(h.Logger, "api")
	if h.FFmpegPath == "" {
		h.FFmpegPath = "ffmpeg"
	}
	return h
}

func (h *Handler) requestLogger(c *gin.Context) *slog.Logger {
	return logging.WithContext(c.Request.Context(), h.Logger)
}
