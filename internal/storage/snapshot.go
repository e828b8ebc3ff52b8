package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"relaycast/internal/models"

	"github.com/jackc/pgx/v5"
)

// Snapshot captures the full contents of a JSON store so it can be replayed
// into another backing store.
type Snapshot struct {
	Jobs     []models.Job              `json:"jobs"`
	Sessions []models.Session          `json:"sessions"`
	Pages    map[string]models.Page    `json:"pages"`
	Videos   []models.Video            `json:"videos"`
	Profiles map[string]models.Profile `json:"profiles"`
	Settings map[string]string         `json:"settings"`
}

// SnapshotCounts summarises the size of each collection in a Snapshot.
type SnapshotCounts struct {
	Jobs     int
	Sessions int
	Pages    int
	Videos   int
	Profiles int
	Settings int
}

// Counts reports how many rows each collection holds.
func (s Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{
		Jobs:     len(s.Jobs),
		Sessions: len(s.Sessions),
		Pages:    len(s.Pages),
		Videos:   len(s.Videos),
		Profiles: len(s.Profiles),
		Settings: len(s.Settings),
	}
}

// LoadSnapshot reads a JSON store file without opening it for writes.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// ImportSnapshotToPostgres copies snapshot rows into the Postgres database at
// dsn inside a single transaction. Existing rows with the same id are kept.
func ImportSnapshotToPostgres(ctx context.Context, dsn string, snapshot Snapshot, opts ...Option) error {
	repo, err := openPostgres(ctx, dsn, opts...)
	if err != nil {
		return err
	}
	defer repo.Close(context.Background())
	return repo.importSnapshot(ctx, snapshot)
}

func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot Snapshot) error {
	return r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, job := range snapshot.Jobs {
			playlist := append([]string{}, job.Playlist...)
			batch.Queue(`INSERT INTO jobs (id, page_id, video_id, playlist, profile_id, title_template,
				description_template, first_comment, scheduled_at, priority, loop_mode, recovery_attempts, status,
				last_error, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
				ON CONFLICT (id) DO NOTHING`,
				job.ID, job.PageID, job.VideoID, playlist, job.ProfileID, job.TitleTemplate, job.DescriptionTemplate,
				job.FirstComment, job.ScheduledAt, job.Priority, string(job.LoopMode), job.RecoveryAttempts,
				string(job.Status), job.LastError, job.CreatedAt, job.UpdatedAt)
		}
		for _, session := range snapshot.Sessions {
			batch.Queue(`INSERT INTO sessions (id, job_id, broadcast_id, vod_id, ingest_url, status, peak_viewers,
				last_viewers, bitrate, fps, current_index, comment_posted, api_failures, error_log, started_at,
				ended_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
				ON CONFLICT (id) DO NOTHING`,
				session.ID, session.JobID, session.BroadcastID, session.VODID, session.IngestURL,
				string(session.Status), session.PeakViewers, session.LastViewers, session.Bitrate, session.FPS,
				session.CurrentIndex, session.CommentPosted, session.APIFailures, session.ErrorLog,
				session.StartedAt, session.EndedAt, session.UpdatedAt)
		}
		for _, page := range snapshot.Pages {
			batch.Queue(`INSERT INTO pages (id, name, category, token_ciphertext, token_nonce, token_tag, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
				page.ID, page.Name, page.Category, page.Token.Ciphertext, page.Token.Nonce, page.Token.Tag,
				page.UpdatedAt)
		}
		for _, video := range snapshot.Videos {
			batch.Queue(`INSERT INTO videos (id, path, filename, created_at) VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO NOTHING`, video.ID, video.Path, video.Filename, video.CreatedAt)
		}
		for _, profile := range snapshot.Profiles {
			data := string(profile.Data)
			if data == "" {
				data = "{}"
			}
			batch.Queue(`INSERT INTO profiles (id, name, data, created_at) VALUES ($1, $2, $3::jsonb, $4)
				ON CONFLICT (id) DO NOTHING`, profile.ID, profile.Name, data, profile.CreatedAt)
		}
		for key, value := range snapshot.Settings {
			batch.Queue(`INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, key, value)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("import snapshot: %w", err)
		}
		return nil
	})
}
