package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"relaycast/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLiteConfig configures the single-file SQLite job store.
type SQLiteConfig struct {
	Path  string
	Clock func() time.Time
}

type jobRow struct {
	Seq                 uint   `gorm:"primaryKey;autoIncrement"`
	ID                  string `gorm:"uniqueIndex;not null"`
	PageID              string `gorm:"not null"`
	VideoID             string `gorm:"not null"`
	Playlist            string `gorm:"type:text"`
	ProfileID           string
	TitleTemplate       string
	DescriptionTemplate string
	FirstComment        string
	ScheduledAt         *time.Time
	Priority            int    `gorm:"index"`
	LoopMode            string `gorm:"not null"`
	RecoveryAttempts    int
	Status              string `gorm:"index;not null"`
	LastError           string
	CreatedAt           time.Time
	UpdatedAt           time.Time `gorm:"autoUpdateTime:false"`
}

func (jobRow) TableName() string { return "jobs" }

type sessionRow struct {
	Seq           uint   `gorm:"primaryKey;autoIncrement"`
	ID            string `gorm:"uniqueIndex;not null"`
	JobID         string `gorm:"index;not null"`
	BroadcastID   string
	VODID         string `gorm:"column:vod_id"`
	IngestURL     string
	Status        string `gorm:"index;not null"`
	PeakViewers   int
	LastViewers   int
	Bitrate       float64
	FPS           float64 `gorm:"column:fps"`
	CurrentIndex  int
	CommentPosted bool
	APIFailures   int `gorm:"column:api_failures"`
	ErrorLog      string
	StartedAt     time.Time
	EndedAt       *time.Time
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (sessionRow) TableName() string { return "sessions" }

type pageRow struct {
	ID              string `gorm:"primaryKey"`
	Name            string
	Category        string
	TokenCiphertext []byte
	TokenNonce      []byte
	TokenTag        []byte
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (pageRow) TableName() string { return "pages" }

type videoRow struct {
	Seq       uint   `gorm:"primaryKey;autoIncrement"`
	ID        string `gorm:"uniqueIndex;not null"`
	Path      string `gorm:"not null"`
	Filename  string
	CreatedAt time.Time
}

func (videoRow) TableName() string { return "videos" }

type profileRow struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Data      string `gorm:"type:text"`
	CreatedAt time.Time
}

func (profileRow) TableName() string { return "profiles" }

type settingRow struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (settingRow) TableName() string { return "settings" }

type sqliteRepository struct {
	db  *gorm.DB
	cfg SQLiteConfig
}

// NewSQLiteRepository opens the SQLite database at path (":memory:" is
// accepted) and migrates the schema.
func NewSQLiteRepository(path string, opts ...Option) (Repository, error) {
	cfg := SQLiteConfig{
		Path:  strings.TrimSpace(path),
		Clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applySQLite(&cfg)
		}
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite allows one writer; an in-memory database also only exists on
	// the connection that created it.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&jobRow{}, &sessionRow{}, &pageRow{}, &videoRow{}, &profileRow{}, &settingRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &sqliteRepository{db: db, cfg: cfg}, nil
}

func (r *sqliteRepository) now() time.Time {
	return r.cfg.Clock().UTC()
}

func (r *sqliteRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *sqliteRepository) Close(context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func jobToRow(job models.Job) (jobRow, error) {
	playlist, err := json.Marshal(job.Playlist)
	if err != nil {
		return jobRow{}, fmt.Errorf("encode playlist: %w", err)
	}
	return jobRow{
		ID:                  job.ID,
		PageID:              job.PageID,
		VideoID:             job.VideoID,
		Playlist:            string(playlist),
		ProfileID:           job.ProfileID,
		TitleTemplate:       job.TitleTemplate,
		DescriptionTemplate: job.DescriptionTemplate,
		FirstComment:        job.FirstComment,
		ScheduledAt:         job.ScheduledAt,
		Priority:            job.Priority,
		LoopMode:            string(job.LoopMode),
		RecoveryAttempts:    job.RecoveryAttempts,
		Status:              string(job.Status),
		LastError:           job.LastError,
		CreatedAt:           job.CreatedAt,
		UpdatedAt:           job.UpdatedAt,
	}, nil
}

func (row jobRow) toModel() models.Job {
	job := models.Job{
		ID:                  row.ID,
		PageID:              row.PageID,
		VideoID:             row.VideoID,
		ProfileID:           row.ProfileID,
		TitleTemplate:       row.TitleTemplate,
		DescriptionTemplate: row.DescriptionTemplate,
		FirstComment:        row.FirstComment,
		ScheduledAt:         row.ScheduledAt,
		Priority:            row.Priority,
		LoopMode:            models.LoopMode(row.LoopMode),
		RecoveryAttempts:    row.RecoveryAttempts,
		Status:              models.JobStatus(row.Status),
		LastError:           row.LastError,
		CreatedAt:           row.CreatedAt.UTC(),
		UpdatedAt:           row.UpdatedAt.UTC(),
	}
	if row.Playlist != "" {
		_ = json.Unmarshal([]byte(row.Playlist), &job.Playlist)
	}
	if len(job.Playlist) == 0 {
		job.Playlist = nil
	}
	return job
}

func (row sessionRow) toModel() models.Session {
	return models.Session{
		ID:            row.ID,
		JobID:         row.JobID,
		BroadcastID:   row.BroadcastID,
		VODID:         row.VODID,
		IngestURL:     row.IngestURL,
		Status:        models.SessionStatus(row.Status),
		PeakViewers:   row.PeakViewers,
		LastViewers:   row.LastViewers,
		Bitrate:       row.Bitrate,
		FPS:           row.FPS,
		CurrentIndex:  row.CurrentIndex,
		CommentPosted: row.CommentPosted,
		APIFailures:   row.APIFailures,
		ErrorLog:      row.ErrorLog,
		StartedAt:     row.StartedAt.UTC(),
		EndedAt:       row.EndedAt,
		UpdatedAt:     row.UpdatedAt.UTC(),
	}
}

func (row pageRow) toModel() models.Page {
	return models.Page{
		ID:        row.ID,
		Name:      row.Name,
		Category:  row.Category,
		Token:     models.Secret{Ciphertext: row.TokenCiphertext, Nonce: row.TokenNonce, Tag: row.TokenTag},
		UpdatedAt: row.UpdatedAt.UTC(),
	}
}

func (row videoRow) toModel() models.Video {
	return models.Video{ID: row.ID, Path: row.Path, Filename: row.Filename, CreatedAt: row.CreatedAt.UTC()}
}

func (row profileRow) toModel() models.Profile {
	return models.Profile{ID: row.ID, Name: row.Name, Data: json.RawMessage(row.Data), CreatedAt: row.CreatedAt.UTC()}
}

func jobsFromRows(rows []jobRow) []models.Job {
	if len(rows) == 0 {
		return nil
	}
	jobs := make([]models.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toModel())
	}
	return jobs
}

func sessionsFromRows(rows []sessionRow) []models.Session {
	if len(rows) == 0 {
		return nil
	}
	sessions := make([]models.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.toModel())
	}
	return sessions
}

// Job operations

func (r *sqliteRepository) CreateJob(ctx context.Context, params CreateJobParams) (models.Job, error) {
	if strings.TrimSpace(params.PageID) == "" {
		return models.Job{}, fmt.Errorf("page id is required")
	}
	if strings.TrimSpace(params.VideoID) == "" && len(params.Playlist) == 0 {
		return models.Job{}, fmt.Errorf("video id or playlist is required")
	}
	now := r.now()
	job := models.Job{
		ID:                  generateID(),
		PageID:              params.PageID,
		VideoID:             params.VideoID,
		Playlist:            append([]string(nil), params.Playlist...),
		ProfileID:           params.ProfileID,
		TitleTemplate:       params.TitleTemplate,
		DescriptionTemplate: params.DescriptionTemplate,
		FirstComment:        params.FirstComment,
		Priority:            params.Priority,
		LoopMode:            params.LoopMode,
		Status:              models.JobQueued,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if job.VideoID == "" {
		job.VideoID = job.Playlist[0]
	}
	if job.LoopMode == "" {
		job.LoopMode = models.LoopOff
	}
	if params.ScheduledAt != nil {
		scheduled := params.ScheduledAt.UTC()
		job.ScheduledAt = &scheduled
	}
	row, err := jobToRow(job)
	if err != nil {
		return models.Job{}, err
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if len(job.Playlist) == 0 {
		job.Playlist = nil
	}
	return job, nil
}

func (r *sqliteRepository) GetJob(ctx context.Context, id string) (models.Job, error) {
	var row jobRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return models.Job{}, notFound(err, "job "+id)
	}
	return row.toModel(), nil
}

func (r *sqliteRepository) ListJobs(ctx context.Context) ([]models.Job, error) {
	var rows []jobRow
	if err := r.db.WithContext(ctx).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return jobsFromRows(rows), nil
}

func (r *sqliteRepository) ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]models.Job, error) {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	var rows []jobRow
	if err := r.db.WithContext(ctx).Where("status IN ?", values).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return jobsFromRows(rows), nil
}

func (r *sqliteRepository) ListAdmissibleJobs(ctx context.Context, query AdmissionQuery) ([]models.Job, error) {
	if query.Limit <= 0 {
		return nil, nil
	}
	tx := r.db.WithContext(ctx).
		Where("status IN ?", []string{string(models.JobQueued), string(models.JobFailedRecovery)}).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", query.Now.UTC())
	if query.MaxAttempts > 0 {
		tx = tx.Where("recovery_attempts < ?", query.MaxAttempts)
	}
	var rows []jobRow
	err := tx.Order("priority desc").Order("created_at asc").Order("seq asc").Limit(query.Limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query admissible jobs: %w", err)
	}
	return jobsFromRows(rows), nil
}

func (r *sqliteRepository) UpdateJob(ctx context.Context, id string, update JobUpdate) (models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return notFound(err, "job "+id)
		}
		job = row.toModel()
		applyJobUpdate(&job, update)
		job.UpdatedAt = r.now()
		next, err := jobToRow(job)
		if err != nil {
			return err
		}
		next.Seq = row.Seq
		if err := tx.Save(&next).Error; err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// Session operations

func (r *sqliteRepository) CreateSession(ctx context.Context, params CreateSessionParams) (models.Session, error) {
	now := r.now()
	started := params.StartedAt.UTC()
	if params.StartedAt.IsZero() {
		started = now
	}
	row := sessionRow{
		ID:           generateID(),
		JobID:        params.JobID,
		BroadcastID:  params.BroadcastID,
		VODID:        params.VODID,
		IngestURL:    params.IngestURL,
		Status:       string(models.SessionLive),
		CurrentIndex: params.CurrentIndex,
		StartedAt:    started,
		UpdatedAt:    now,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&jobRow{}).Where("id = ?", params.JobID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("job %s: %w", params.JobID, ErrNotFound)
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return models.Session{}, err
	}
	return row.toModel(), nil
}

func (r *sqliteRepository) GetSession(ctx context.Context, id string) (models.Session, error) {
	var row sessionRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return models.Session{}, notFound(err, "session "+id)
	}
	return row.toModel(), nil
}

func (r *sqliteRepository) LatestSession(ctx context.Context, jobID string) (models.Session, error) {
	var row sessionRow
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("seq desc").First(&row).Error
	if err != nil {
		return models.Session{}, notFound(err, "session for job "+jobID)
	}
	return row.toModel(), nil
}

func (r *sqliteRepository) LiveSession(ctx context.Context, jobID string) (models.Session, error) {
	var row sessionRow
	err := r.db.WithContext(ctx).Where("job_id = ? AND status = ?", jobID, string(models.SessionLive)).
		Order("seq desc").First(&row).Error
	if err != nil {
		return models.Session{}, notFound(err, "live session for job "+jobID)
	}
	return row.toModel(), nil
}

func (r *sqliteRepository) ListLiveSessions(ctx context.Context) ([]models.Session, error) {
	var rows []sessionRow
	err := r.db.WithContext(ctx).Where("status = ?", string(models.SessionLive)).Order("seq asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return sessionsFromRows(rows), nil
}

func (r *sqliteRepository) UpdateSession(ctx context.Context, id string, update SessionUpdate) (models.Session, error) {
	var session models.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return notFound(err, "session "+id)
		}
		session = row.toModel()
		applySessionUpdate(&session, update)
		session.UpdatedAt = r.now()
		next := sessionRow{
			Seq:           row.Seq,
			ID:            session.ID,
			JobID:         session.JobID,
			BroadcastID:   session.BroadcastID,
			VODID:         session.VODID,
			IngestURL:     session.IngestURL,
			Status:        string(session.Status),
			PeakViewers:   session.PeakViewers,
			LastViewers:   session.LastViewers,
			Bitrate:       session.Bitrate,
			FPS:           session.FPS,
			CurrentIndex:  session.CurrentIndex,
			CommentPosted: session.CommentPosted,
			APIFailures:   session.APIFailures,
			ErrorLog:      session.ErrorLog,
			StartedAt:     session.StartedAt,
			EndedAt:       session.EndedAt,
			UpdatedAt:     session.UpdatedAt,
		}
		if err := tx.Save(&next).Error; err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	return session, nil
}

// Page operations

func (r *sqliteRepository) UpsertPages(ctx context.Context, pages []models.Page) error {
	if len(pages) == 0 {
		return nil
	}
	now := r.now()
	rows := make([]pageRow, 0, len(pages))
	for _, page := range pages {
		if strings.TrimSpace(page.ID) == "" {
			return fmt.Errorf("page id is required")
		}
		rows = append(rows, pageRow{
			ID:              page.ID,
			Name:            page.Name,
			Category:        page.Category,
			TokenCiphertext: page.Token.Ciphertext,
			TokenNonce:      page.Token.Nonce,
			TokenTag:        page.Token.Tag,
			UpdatedAt:       now,
		})
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("upsert pages: %w", err)
	}
	return nil
}

func (r *sqliteRepository) GetPage(ctx context.Context, id string) (models.Page, error) {
	var row pageRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return models.Page{}, notFound(err, "page "+id)
	}
	return row.toModel(), nil
}

func (r *sqliteRepository) ListPages(ctx context.Context) ([]models.Page, error) {
	var rows []pageRow
	if err := r.db.WithContext(ctx).Order("name asc").Order("id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	pages := make([]models.Page, 0, len(rows))
	for _, row := range rows {
		pages = append(pages, row.toModel())
	}
	return pages, nil
}

// Video operations

func (r *sqliteRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	path := strings.TrimSpace(params.Path)
	if path == "" {
		return models.Video{}, fmt.Errorf("video path is required")
	}
	row := videoRow{
		ID:        generateID(),
		Path:      path,
		Filename:  strings.TrimSpace(params.Filename),
		CreatedAt: r.now(),
	}
	if row.Filename == "" {
		row.Filename = filepath.Base(path)
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	return row.toModel(), nil
}

func (r *sqliteRepository) GetVideo(ctx context.Context, id string) (models.Video, error) {
	var row videoRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return models.Video{}, notFound(err, "video "+id)
	}
	return row.toModel(), nil
}

func (r *sqliteRepository) ListVideos(ctx context.Context) ([]models.Video, error) {
	var rows []videoRow
	if err := r.db.WithContext(ctx).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query videos: %w", err)
	}
	videos := make([]models.Video, 0, len(rows))
	for _, row := range rows {
		videos = append(videos, row.toModel())
	}
	return videos, nil
}

// Profile operations

func (r *sqliteRepository) CreateProfile(ctx context.Context, name string, data json.RawMessage) (models.Profile, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	row := profileRow{
		ID:        generateID(),
		Name:      strings.TrimSpace(name),
		Data:      string(data),
		CreatedAt: r.now(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Profile{}, fmt.Errorf("insert profile: %w", err)
	}
	return row.toModel(), nil
}

func (r *sqliteRepository) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	var row profileRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return models.Profile{}, notFound(err, "profile "+id)
	}
	return row.toModel(), nil
}

func (r *sqliteRepository) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	var rows []profileRow
	if err := r.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	profiles := make([]models.Profile, 0, len(rows))
	for _, row := range rows {
		profiles = append(profiles, row.toModel())
	}
	return profiles, nil
}

// Settings

func (r *sqliteRepository) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var row settingRow
	err := r.db.WithContext(ctx).First(&row, "`key` = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load setting: %w", err)
	}
	return row.Value, true, nil
}

func (r *sqliteRepository) SetSetting(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("setting key is required")
	}
	row := settingRow{Key: key, Value: value}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store setting: %w", err)
	}
	return nil
}

func (r *sqliteRepository) ResetJobs(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&sessionRow{}).Error; err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&jobRow{}).Error; err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		return nil
	})
}
