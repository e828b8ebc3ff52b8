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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"
)

const jobColumns = `id, page_id, video_id, playlist, profile_id, title_template, description_template,
	first_comment, scheduled_at, priority, loop_mode, recovery_attempts, status, last_error, created_at, updated_at`

const sessionColumns = `id, job_id, broadcast_id, vod_id, ingest_url, status, peak_viewers, last_viewers,
	bitrate, fps, current_index, comment_posted, api_failures, error_log, started_at, ended_at, updated_at`

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema when it is missing.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	repo, err := openPostgres(ctx, dsn, opts...)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func openPostgres(ctx context.Context, dsn string, opts ...Option) (*postgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) migrate(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, postgresSchema); err != nil {
			return fmt.Errorf("apply postgres schema: %w", err)
		}
		return nil
	})
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	return classifyPoolError(r.pool.Ping(ctx))
}

func (r *postgresRepository) now() time.Time {
	return r.cfg.Clock().UTC()
}

func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	acquireCtx := ctx
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", classifyPoolError(err))
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *postgresRepository) withTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func classifyPoolError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, puddle.ErrClosedPool) {
		return fmt.Errorf("%w: %v", ErrPostgresUnavailable, err)
	}
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job      models.Job
		loopMode string
		status   string
	)
	err := row.Scan(&job.ID, &job.PageID, &job.VideoID, &job.Playlist, &job.ProfileID, &job.TitleTemplate,
		&job.DescriptionTemplate, &job.FirstComment, &job.ScheduledAt, &job.Priority, &loopMode,
		&job.RecoveryAttempts, &status, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	if len(job.Playlist) == 0 {
		job.Playlist = nil
	}
	job.LoopMode = models.LoopMode(loopMode)
	job.Status = models.JobStatus(status)
	return job, nil
}

func scanSession(row pgx.Row) (models.Session, error) {
	var (
		session models.Session
		status  string
	)
	err := row.Scan(&session.ID, &session.JobID, &session.BroadcastID, &session.VODID, &session.IngestURL,
		&status, &session.PeakViewers, &session.LastViewers, &session.Bitrate, &session.FPS,
		&session.CurrentIndex, &session.CommentPosted, &session.APIFailures, &session.ErrorLog,
		&session.StartedAt, &session.EndedAt, &session.UpdatedAt)
	if err != nil {
		return models.Session{}, err
	}
	session.Status = models.SessionStatus(status)
	return session, nil
}

func (r *postgresRepository) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	var jobs []models.Job
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("scan job: %w", err)
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	return jobs, err
}

func (r *postgresRepository) querySessions(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	var sessions []models.Session
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query sessions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			session, err := scanSession(rows)
			if err != nil {
				return fmt.Errorf("scan session: %w", err)
			}
			sessions = append(sessions, session)
		}
		return rows.Err()
	})
	return sessions, err
}

// Job operations

func (r *postgresRepository) CreateJob(ctx context.Context, params CreateJobParams) (models.Job, error) {
	if strings.TrimSpace(params.PageID) == "" {
		return models.Job{}, fmt.Errorf("page id is required")
	}
	if strings.TrimSpace(params.VideoID) == "" && len(params.Playlist) == 0 {
		return models.Job{}, fmt.Errorf("video id or playlist is required")
	}
	videoID := params.VideoID
	if videoID == "" {
		videoID = params.Playlist[0]
	}
	playlist := append([]string{}, params.Playlist...)
	loopMode := params.LoopMode
	if loopMode == "" {
		loopMode = models.LoopOff
	}
	var scheduled *time.Time
	if params.ScheduledAt != nil {
		value := params.ScheduledAt.UTC()
		scheduled = &value
	}
	now := r.now()
	id := generateID()

	var job models.Job
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `INSERT INTO jobs (id, page_id, video_id, playlist, profile_id, title_template,
			description_template, first_comment, scheduled_at, priority, loop_mode, recovery_attempts, status,
			last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, '', $13, $13)
			RETURNING `+jobColumns,
			id, params.PageID, videoID, playlist, params.ProfileID, params.TitleTemplate,
			params.DescriptionTemplate, params.FirstComment, scheduled, params.Priority, string(loopMode),
			string(models.JobQueued), now)
		var err error
		job, err = scanJob(row)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	return job, err
}

func (r *postgresRepository) GetJob(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		job, err = scanJob(conn.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
		if isNoRows(err) {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return err
	})
	return job, err
}

func (r *postgresRepository) ListJobs(ctx context.Context) ([]models.Job, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY seq ASC`)
}

func (r *postgresRepository) ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]models.Job, error) {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ANY($1) ORDER BY seq ASC`, values)
}

func (r *postgresRepository) ListAdmissibleJobs(ctx context.Context, query AdmissionQuery) ([]models.Job, error) {
	if query.Limit <= 0 {
		return nil, nil
	}
	maxAttempts := query.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(^uint32(0) >> 1)
	}
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ($1, $2)
		  AND (scheduled_at IS NULL OR scheduled_at <= $3)
		  AND recovery_attempts < $4
		ORDER BY priority DESC, created_at ASC, seq ASC
		LIMIT $5`,
		string(models.JobQueued), string(models.JobFailedRecovery), query.Now.UTC(), maxAttempts, query.Limit)
}

func (r *postgresRepository) UpdateJob(ctx context.Context, id string, update JobUpdate) (models.Job, error) {
	var job models.Job
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		current, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if isNoRows(err) {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		applyJobUpdate(&current, update)
		current.UpdatedAt = r.now()
		job, err = scanJob(tx.QueryRow(ctx, `UPDATE jobs SET status = $2, recovery_attempts = $3, scheduled_at = $4,
			title_template = $5, description_template = $6, last_error = $7, updated_at = $8
			WHERE id = $1 RETURNING `+jobColumns,
			id, string(current.Status), current.RecoveryAttempts, current.ScheduledAt, current.TitleTemplate,
			current.DescriptionTemplate, current.LastError, current.UpdatedAt))
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		return nil
	})
	return job, err
}

// Session operations

func (r *postgresRepository) CreateSession(ctx context.Context, params CreateSessionParams) (models.Session, error) {
	now := r.now()
	started := params.StartedAt.UTC()
	if params.StartedAt.IsZero() {
		started = now
	}
	var session models.Session
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		session, err = scanSession(conn.QueryRow(ctx, `INSERT INTO sessions (id, job_id, broadcast_id, vod_id,
			ingest_url, status, current_index, started_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING `+sessionColumns,
			generateID(), params.JobID, params.BroadcastID, params.VODID, params.IngestURL,
			string(models.SessionLive), params.CurrentIndex, started, now))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	return session, err
}

func (r *postgresRepository) getSession(ctx context.Context, notFound string, query string, args ...any) (models.Session, error) {
	var session models.Session
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		session, err = scanSession(conn.QueryRow(ctx, query, args...))
		if isNoRows(err) {
			return fmt.Errorf("%s: %w", notFound, ErrNotFound)
		}
		return err
	})
	return session, err
}

func (r *postgresRepository) GetSession(ctx context.Context, id string) (models.Session, error) {
	return r.getSession(ctx, "session "+id, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
}

func (r *postgresRepository) LatestSession(ctx context.Context, jobID string) (models.Session, error) {
	return r.getSession(ctx, "session for job "+jobID,
		`SELECT `+sessionColumns+` FROM sessions WHERE job_id = $1 ORDER BY seq DESC LIMIT 1`, jobID)
}

func (r *postgresRepository) LiveSession(ctx context.Context, jobID string) (models.Session, error) {
	return r.getSession(ctx, "live session for job "+jobID,
		`SELECT `+sessionColumns+` FROM sessions WHERE job_id = $1 AND status = $2 ORDER BY seq DESC LIMIT 1`,
		jobID, string(models.SessionLive))
}

func (r *postgresRepository) ListLiveSessions(ctx context.Context) ([]models.Session, error) {
	return r.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = $1 ORDER BY seq ASC`,
		string(models.SessionLive))
}

func (r *postgresRepository) UpdateSession(ctx context.Context, id string, update SessionUpdate) (models.Session, error) {
	var session models.Session
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		current, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
		if isNoRows(err) {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		applySessionUpdate(&current, update)
		current.UpdatedAt = r.now()
		session, err = scanSession(tx.QueryRow(ctx, `UPDATE sessions SET status = $2, peak_viewers = $3,
			last_viewers = $4, bitrate = $5, fps = $6, current_index = $7, comment_posted = $8, api_failures = $9,
			error_log = $10, ended_at = $11, updated_at = $12
			WHERE id = $1 RETURNING `+sessionColumns,
			id, string(current.Status), current.PeakViewers, current.LastViewers, current.Bitrate, current.FPS,
			current.CurrentIndex, current.CommentPosted, current.APIFailures, current.ErrorLog, current.EndedAt,
			current.UpdatedAt))
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return nil
	})
	return session, err
}

// Page operations

func (r *postgresRepository) UpsertPages(ctx context.Context, pages []models.Page) error {
	if len(pages) == 0 {
		return nil
	}
	now := r.now()
	return r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, page := range pages {
			if strings.TrimSpace(page.ID) == "" {
				return fmt.Errorf("page id is required")
			}
			batch.Queue(`INSERT INTO pages (id, name, category, token_ciphertext, token_nonce, token_tag, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category,
					token_ciphertext = EXCLUDED.token_ciphertext, token_nonce = EXCLUDED.token_nonce,
					token_tag = EXCLUDED.token_tag, updated_at = EXCLUDED.updated_at`,
				page.ID, page.Name, page.Category, page.Token.Ciphertext, page.Token.Nonce, page.Token.Tag, now)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert pages: %w", err)
		}
		return nil
	})
}

func scanPage(row pgx.Row) (models.Page, error) {
	var page models.Page
	err := row.Scan(&page.ID, &page.Name, &page.Category, &page.Token.Ciphertext, &page.Token.Nonce,
		&page.Token.Tag, &page.UpdatedAt)
	return page, err
}

func (r *postgresRepository) GetPage(ctx context.Context, id string) (models.Page, error) {
	var page models.Page
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		page, err = scanPage(conn.QueryRow(ctx, `SELECT id, name, category, token_ciphertext, token_nonce,
			token_tag, updated_at FROM pages WHERE id = $1`, id))
		if isNoRows(err) {
			return fmt.Errorf("page %s: %w", id, ErrNotFound)
		}
		return err
	})
	return page, err
}

func (r *postgresRepository) ListPages(ctx context.Context) ([]models.Page, error) {
	var pages []models.Page
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT id, name, category, token_ciphertext, token_nonce, token_tag,
			updated_at FROM pages ORDER BY name ASC, id ASC`)
		if err != nil {
			return fmt.Errorf("query pages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			page, err := scanPage(rows)
			if err != nil {
				return fmt.Errorf("scan page: %w", err)
			}
			pages = append(pages, page)
		}
		return rows.Err()
	})
	return pages, err
}

// Video operations

func (r *postgresRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	path := strings.TrimSpace(params.Path)
	if path == "" {
		return models.Video{}, fmt.Errorf("video path is required")
	}
	video := models.Video{
		ID:        generateID(),
		Path:      path,
		Filename:  strings.TrimSpace(params.Filename),
		CreatedAt: r.now(),
	}
	if video.Filename == "" {
		video.Filename = filepath.Base(path)
	}
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `INSERT INTO videos (id, path, filename, created_at) VALUES ($1, $2, $3, $4)`,
			video.ID, video.Path, video.Filename, video.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert video: %w", err)
		}
		return nil
	})
	return video, err
}

func (r *postgresRepository) GetVideo(ctx context.Context, id string) (models.Video, error) {
	var video models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		err := conn.QueryRow(ctx, `SELECT id, path, filename, created_at FROM videos WHERE id = $1`, id).
			Scan(&video.ID, &video.Path, &video.Filename, &video.CreatedAt)
		if isNoRows(err) {
			return fmt.Errorf("video %s: %w", id, ErrNotFound)
		}
		return err
	})
	return video, err
}

func (r *postgresRepository) ListVideos(ctx context.Context) ([]models.Video, error) {
	var videos []models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT id, path, filename, created_at FROM videos ORDER BY seq ASC`)
		if err != nil {
			return fmt.Errorf("query videos: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var video models.Video
			if err := rows.Scan(&video.ID, &video.Path, &video.Filename, &video.CreatedAt); err != nil {
				return fmt.Errorf("scan video: %w", err)
			}
			videos = append(videos, video)
		}
		return rows.Err()
	})
	return videos, err
}

// Profile operations

func (r *postgresRepository) CreateProfile(ctx context.Context, name string, data json.RawMessage) (models.Profile, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	profile := models.Profile{
		ID:        generateID(),
		Name:      strings.TrimSpace(name),
		Data:      append(json.RawMessage(nil), data...),
		CreatedAt: r.now(),
	}
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `INSERT INTO profiles (id, name, data, created_at) VALUES ($1, $2, $3::jsonb, $4)`,
			profile.ID, profile.Name, string(profile.Data), profile.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
		return nil
	})
	return profile, err
}

func scanProfile(row pgx.Row) (models.Profile, error) {
	var (
		profile models.Profile
		data    string
	)
	if err := row.Scan(&profile.ID, &profile.Name, &data, &profile.CreatedAt); err != nil {
		return models.Profile{}, err
	}
	profile.Data = json.RawMessage(data)
	return profile, nil
}

func (r *postgresRepository) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	var profile models.Profile
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		profile, err = scanProfile(conn.QueryRow(ctx, `SELECT id, name, data::text, created_at FROM profiles WHERE id = $1`, id))
		if isNoRows(err) {
			return fmt.Errorf("profile %s: %w", id, ErrNotFound)
		}
		return err
	})
	return profile, err
}

func (r *postgresRepository) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	var profiles []models.Profile
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT id, name, data::text, created_at FROM profiles ORDER BY created_at ASC`)
		if err != nil {
			return fmt.Errorf("query profiles: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			profile, err := scanProfile(rows)
			if err != nil {
				return fmt.Errorf("scan profile: %w", err)
			}
			profiles = append(profiles, profile)
		}
		return rows.Err()
	})
	return profiles, err
}

// Settings

func (r *postgresRepository) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		err := conn.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load setting: %w", err)
		}
		found = true
		return nil
	})
	return value, found, err
}

func (r *postgresRepository) SetSetting(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("setting key is required")
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `INSERT INTO settings (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
		if err != nil {
			return fmt.Errorf("store setting: %w", err)
		}
		return nil
	})
}

func (r *postgresRepository) ResetJobs(ctx context.Context) error {
	return r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM sessions`); err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM jobs`); err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		return nil
	})
}
