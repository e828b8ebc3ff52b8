package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"relaycast/internal/models"
)

var (
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrPostgresUnavailable is returned when the Postgres pool has been closed
	// or was never opened.
	ErrPostgresUnavailable = errors.New("postgres repository unavailable")
)

// Repository is the durable job store used by the orchestrator and the API.
// Every implementation must honour the same ordering and latch semantics so
// the shared scenario tests can run against all of them.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateJob(ctx context.Context, params CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context) ([]models.Job, error)
	ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]models.Job, error)
	ListAdmissibleJobs(ctx context.Context, query AdmissionQuery) ([]models.Job, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) (models.Job, error)

	CreateSession(ctx context.Context, params CreateSessionParams) (models.Session, error)
	GetSession(ctx context.Context, id string) (models.Session, error)
	LatestSession(ctx context.Context, jobID string) (models.Session, error)
	LiveSession(ctx context.Context, jobID string) (models.Session, error)
	ListLiveSessions(ctx context.Context) ([]models.Session, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) (models.Session, error)

	UpsertPages(ctx context.Context, pages []models.Page) error
	GetPage(ctx context.Context, id string) (models.Page, error)
	ListPages(ctx context.Context) ([]models.Page, error)

	CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error)
	GetVideo(ctx context.Context, id string) (models.Video, error)
	ListVideos(ctx context.Context) ([]models.Video, error)

	CreateProfile(ctx context.Context, name string, data json.RawMessage) (models.Profile, error)
	GetProfile(ctx context.Context, id string) (models.Profile, error)
	ListProfiles(ctx context.Context) ([]models.Profile, error)

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	// ResetJobs deletes every session and job in one atomic operation.
	ResetJobs(ctx context.Context) error
}

// CreateJobParams describes a new job. Recovery attempts always start at zero
// and the status at queued.
type CreateJobParams struct {
	PageID              string
	VideoID             string
	Playlist            []string
	ProfileID           string
	TitleTemplate       string
	DescriptionTemplate string
	FirstComment        string
	ScheduledAt         *time.Time
	Priority            int
	LoopMode            models.LoopMode
}

// JobUpdate carries optional job field changes; nil fields are left untouched.
type JobUpdate struct {
	Status              *models.JobStatus
	RecoveryAttempts    *int
	ScheduledAt         *time.Time
	ClearSchedule       bool
	TitleTemplate       *string
	DescriptionTemplate *string
	LastError           *string
}

// AdmissionQuery selects jobs the admission loop may start.
type AdmissionQuery struct {
	Now         time.Time
	MaxAttempts int
	Limit       int
}

// CreateSessionParams describes a new broadcast session row. Sessions are
// always created live with the comment latch cleared.
type CreateSessionParams struct {
	JobID        string
	BroadcastID  string
	VODID        string
	IngestURL    string
	CurrentIndex int
	StartedAt    time.Time
}

// SessionUpdate carries optional session field changes. PeakViewers is merged
// with max() and CommentPosted can only move from false to true.
type SessionUpdate struct {
	Status        *models.SessionStatus
	PeakViewers   *int
	LastViewers   *int
	Bitrate       *float64
	FPS           *float64
	CurrentIndex  *int
	CommentPosted *bool
	APIFailures   *int
	ErrorLog      *string
	EndedAt       *time.Time
}

// CreateVideoParams registers a content item.
type CreateVideoParams struct {
	Path     string
	Filename string
}

// admissible reports whether job satisfies the admission query filter.
func admissible(job models.Job, query AdmissionQuery) bool {
	if !job.Status.IsAdmissible() {
		return false
	}
	if job.ScheduledAt != nil && job.ScheduledAt.After(query.Now) {
		return false
	}
	if query.MaxAttempts > 0 && job.RecoveryAttempts >= query.MaxAttempts {
		return false
	}
	return true
}

func applyJobUpdate(job *models.Job, update JobUpdate) {
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.RecoveryAttempts != nil {
		job.RecoveryAttempts = *update.RecoveryAttempts
	}
	if update.ClearSchedule {
		job.ScheduledAt = nil
	} else if update.ScheduledAt != nil {
		scheduled := update.ScheduledAt.UTC()
		job.ScheduledAt = &scheduled
	}
	if update.TitleTemplate != nil {
		job.TitleTemplate = *update.TitleTemplate
	}
	if update.DescriptionTemplate != nil {
		job.DescriptionTemplate = *update.DescriptionTemplate
	}
	if update.LastError != nil {
		job.LastError = *update.LastError
	}
}

func applySessionUpdate(session *models.Session, update SessionUpdate) {
	if update.Status != nil {
		session.Status = *update.Status
	}
	if update.PeakViewers != nil && *update.PeakViewers > session.PeakViewers {
		session.PeakViewers = *update.PeakViewers
	}
	if update.LastViewers != nil {
		session.LastViewers = *update.LastViewers
	}
	if update.Bitrate != nil {
		session.Bitrate = *update.Bitrate
	}
	if update.FPS != nil {
		session.FPS = *update.FPS
	}
	if update.CurrentIndex != nil {
		session.CurrentIndex = *update.CurrentIndex
	}
	if update.CommentPosted != nil && *update.CommentPosted {
		session.CommentPosted = true
	}
	if update.APIFailures != nil {
		session.APIFailures = *update.APIFailures
	}
	if update.ErrorLog != nil {
		session.ErrorLog = *update.ErrorLog
	}
	if update.EndedAt != nil {
		ended := update.EndedAt.UTC()
		session.EndedAt = &ended
	}
}
