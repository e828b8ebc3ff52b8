package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"relaycast/internal/models"
	"relaycast/internal/pipeline"
	"relaycast/internal/platform"
	"relaycast/internal/storage"
)

// CreateJobsRequest describes a bulk job creation. Without Playlist one job
// is created per page and video pair; with Playlist one job per page cycles
// through all videos in order.
type CreateJobsRequest struct {
	PageIDs             []string
	VideoIDs            []string
	Playlist            bool
	ProfileID           string
	TitleTemplate       string
	DescriptionTemplate string
	FirstComment        string
	ScheduledAt         *time.Time
	Priority            int
	LoopMode            models.LoopMode
}

// CreateJobs validates the request against stored pages, videos, and
// profile, then queues the jobs.
func (s *Service) CreateJobs(ctx context.Context, req CreateJobsRequest) ([]models.Job, error) {
	if len(req.PageIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one page is required", ErrInvalidRequest)
	}
	if len(req.VideoIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one video is required", ErrInvalidRequest)
	}
	for _, id := range req.PageIDs {
		if _, err := s.store.GetPage(ctx, id); err != nil {
			return nil, fmt.Errorf("%w: page %s: %v", ErrInvalidRequest, id, err)
		}
	}
	for _, id := range req.VideoIDs {
		if _, err := s.store.GetVideo(ctx, id); err != nil {
			return nil, fmt.Errorf("%w: video %s: %v", ErrInvalidRequest, id, err)
		}
	}
	loop := req.LoopMode
	if req.ProfileID != "" {
		stored, err := s.store.GetProfile(ctx, req.ProfileID)
		if err != nil {
			return nil, fmt.Errorf("%w: profile %s: %v", ErrInvalidRequest, req.ProfileID, err)
		}
		if loop == "" {
			loop = pipeline.ParseProfile(stored.Data).Loop
		}
	}
	if loop == "" {
		loop = models.LoopOff
	}

	base := storage.CreateJobParams{
		ProfileID:           req.ProfileID,
		TitleTemplate:       req.TitleTemplate,
		DescriptionTemplate: req.DescriptionTemplate,
		FirstComment:        strings.TrimSpace(req.FirstComment),
		ScheduledAt:         req.ScheduledAt,
		Priority:            req.Priority,
		LoopMode:            loop,
	}
	var params []storage.CreateJobParams
	for _, pageID := range req.PageIDs {
		if req.Playlist {
			p := base
			p.PageID = pageID
			p.VideoID = req.VideoIDs[0]
			p.Playlist = append([]string(nil), req.VideoIDs...)
			params = append(params, p)
			continue
		}
		for _, videoID := range req.VideoIDs {
			p := base
			p.PageID = pageID
			p.VideoID = videoID
			params = append(params, p)
		}
	}

	jobs := make([]models.Job, 0, len(params))
	for _, p := range params {
		job, err := s.store.CreateJob(ctx, p)
		if err != nil {
			return jobs, fmt.Errorf("create job: %w", err)
		}
		s.metrics.ObserveJobTransition(string(job.Status))
		s.publish(ctx, job, "", "")
		jobs = append(jobs, job)
	}
	s.logger.Info("jobs created", "count", len(jobs), "pages", len(req.PageIDs), "videos", len(req.VideoIDs), "playlist", req.Playlist)
	return jobs, nil
}

// JobView joins a job with display names and its latest session.
type JobView struct {
	Job        models.Job      `json:"job"`
	PageName   string          `json:"pageName"`
	VideoNames []string        `json:"videoNames"`
	Session    *models.Session `json:"session,omitempty"`
	Active     bool            `json:"active"`
}

// ListJobs returns every job with its joined view.
func (s *Service) ListJobs(ctx context.Context) ([]JobView, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	pages, err := s.store.ListPages(ctx)
	if err != nil {
		return nil, err
	}
	videos, err := s.store.ListVideos(ctx)
	if err != nil {
		return nil, err
	}
	pageNames := make(map[string]string, len(pages))
	for _, p := range pages {
		pageNames[p.ID] = p.Name
	}
	videoNames := make(map[string]string, len(videos))
	for _, v := range videos {
		videoNames[v.ID] = v.DisplayName()
	}

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		view := JobView{Job: job, PageName: pageNames[job.PageID]}
		ids := job.Playlist
		if len(ids) == 0 {
			ids = []string{job.VideoID}
		}
		for _, id := range ids {
			view.VideoNames = append(view.VideoNames, videoNames[id])
		}
		if session, err := s.store.LatestSession(ctx, job.ID); err == nil {
			view.Session = &session
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		_, view.Active = s.runnerFor(job.ID)
		views = append(views, view)
	}
	return views, nil
}

// StopJob requests a graceful stop. Jobs without a supervised process are
// moved to stopped directly.
func (s *Service) StopJob(ctx context.Context, jobID string) (models.Job, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, err
	}
	s.stopJob(ctx, jobID, stopUser)
	return s.store.GetJob(ctx, jobID)
}

func (s *Service) stopJob(ctx context.Context, jobID string, reason stopReason) {
	unlock := s.lockJob(jobID)
	defer unlock()
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error("load job for stop", "job_id", jobID, "error", err)
		return
	}
	r, supervised := s.runnerFor(jobID)
	if !supervised {
		s.finishStoppedLocked(ctx, job)
		return
	}
	if job.Status != models.JobStopping {
		if _, err := s.setStatus(ctx, job, models.JobStopping, ""); err != nil {
			return
		}
	}
	r.requestStop(reason, s.cfg.StopGrace)
}

// StopAll stops every supervised job, then force-stops rows still marked
// active that nothing supervises. It returns the number of jobs stopped.
func (s *Service) StopAll(ctx context.Context) (int, error) {
	supervised := s.ActiveJobs()
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, id := range supervised {
		id := id
		g.Go(func() error {
			s.stopJob(ctx, id, stopUser)
			return nil
		})
	}
	_ = g.Wait()

	zombies, err := s.store.ListJobsByStatus(ctx, models.JobLive, models.JobStopping, models.JobStarting)
	if err != nil {
		return len(supervised), err
	}
	stopped := len(supervised)
	for _, job := range zombies {
		if _, ok := s.runnerFor(job.ID); ok {
			continue
		}
		s.stopJob(ctx, job.ID, stopUser)
		stopped++
	}
	s.logger.Info("stop all requested", "supervised", len(supervised), "total", stopped)
	return stopped, nil
}

// RestartJob re-queues an idle job for immediate admission. The recovery
// attempt counter is kept.
func (s *Service) RestartJob(ctx context.Context, jobID string) (models.Job, error) {
	if _, active := s.runnerFor(jobID); active {
		return models.Job{}, ErrJobActive
	}
	unlock := s.lockJob(jobID)
	defer unlock()
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, err
	}
	if job.Status.IsActive() {
		return models.Job{}, ErrJobActive
	}
	if _, err := s.store.UpdateJob(ctx, jobID, storage.JobUpdate{ClearSchedule: true}); err != nil {
		return models.Job{}, err
	}
	job.ScheduledAt = nil
	updated, err := s.setStatus(ctx, job, models.JobQueued, "")
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if updated.RecoveryAttempts >= s.cfg.MaxAttempts {
		s.logger.Warn("restarted job has no recovery attempts left and will not be admitted",
			"job_id", jobID, "attempts", updated.RecoveryAttempts)
	}
	return updated, nil
}

// LiveMetadata is a partial live metadata change. Nil fields keep their
// current value on the broadcast and the job.
type LiveMetadata struct {
	Title       *string
	Description *string
}

// UpdateLiveMetadata renders the provided templates for the content that is
// live, sends them to the broadcast and keeps them as the job's templates.
func (s *Service) UpdateLiveMetadata(ctx context.Context, jobID string, update LiveMetadata) error {
	if update.Title == nil && update.Description == nil {
		return fmt.Errorf("%w: title or description is required", ErrInvalidRequest)
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	session, err := s.store.LiveSession(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoActiveSession
		}
		return err
	}
	page, err := s.store.GetPage(ctx, job.PageID)
	if err != nil {
		return fmt.Errorf("load page: %w", err)
	}
	video, err := s.store.GetVideo(ctx, job.ContentAt(session.CurrentIndex))
	if err != nil {
		return fmt.Errorf("load video: %w", err)
	}

	var (
		params  platform.BroadcastParams
		changes storage.JobUpdate
	)
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		params.Title = renderTemplate(title, page, video, session.CurrentIndex)
		if strings.TrimSpace(params.Title) == "" {
			params.Title = defaultTitle(video)
		}
		changes.TitleTemplate = &title
	}
	if update.Description != nil {
		description := *update.Description
		params.Description = renderTemplate(description, page, video, session.CurrentIndex)
		changes.DescriptionTemplate = &description
	}

	if params.Title != "" || params.Description != "" {
		err = s.withPageToken(ctx, job.PageID, "update_broadcast", func(token string) error {
			return s.platform.UpdateBroadcast(ctx, session.BroadcastID, token, params)
		})
		if err != nil {
			return fmt.Errorf("update broadcast: %w", err)
		}
	}
	if _, err := s.store.UpdateJob(ctx, jobID, changes); err != nil {
		return fmt.Errorf("persist templates: %w", err)
	}
	s.logger.Info("live metadata updated", "job_id", jobID, "broadcast_id", session.BroadcastID)
	return nil
}
