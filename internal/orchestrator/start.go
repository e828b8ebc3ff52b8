package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"relaycast/internal/models"
	"relaycast/internal/pipeline"
	"relaycast/internal/platform"
	"relaycast/internal/storage"
)

var errStopRequested = errors.New("stop requested during start")

// startedProcess describes the process spawned by one start sequence.
type startedProcess struct {
	index     int
	proc      Process
	sessionID string
	progress  *progressWriter
}

// broadcastTarget is the remote broadcast a process streams into.
type broadcastTarget struct {
	broadcastID string
	vodID       string
	ingestURL   string
	reused      *models.Session
}

// start runs the start sequence for the job at the given playlist index. On
// error the returned startedProcess, when non-nil, carries whatever was
// already created so the caller can clean it up.
func (s *Service) start(ctx context.Context, r *runner, index int) (*startedProcess, error) {
	job, err := s.transitionJob(ctx, r.jobID, models.JobStarting, "")
	if err != nil {
		if r.stopReason() != stopNone {
			return nil, errStopRequested
		}
		return nil, err
	}
	logger := s.logger.With("job_id", job.ID, "index", index)

	page, err := s.store.GetPage(ctx, job.PageID)
	if err != nil {
		return nil, fmt.Errorf("destination %s unavailable: %w", job.PageID, err)
	}
	if page.Token.Empty() {
		return nil, fmt.Errorf("destination %s has no stored credential", page.ID)
	}
	videoID := job.ContentAt(index)
	video, err := s.store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("content %s unavailable: %w", videoID, err)
	}
	input, err := s.resolver.Resolve(ctx, video.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve content %s: %w", video.ID, err)
	}
	profile := pipeline.DefaultProfile()
	if job.ProfileID != "" {
		stored, err := s.store.GetProfile(ctx, job.ProfileID)
		if err != nil {
			return nil, fmt.Errorf("editing profile %s unavailable: %w", job.ProfileID, err)
		}
		profile = pipeline.ParseProfile(stored.Data)
		for _, warning := range profile.Warnings {
			logger.Warn("editing profile section skipped", "profile_id", stored.ID, "warning", warning)
		}
	}

	target, err := s.resolveBroadcast(ctx, job, page, video, index)
	if err != nil {
		return nil, err
	}

	inv := s.compiler.Build(input, profile)
	for _, warning := range inv.Warnings {
		logger.Warn("pipeline warning", "warning", warning)
	}
	loopInput := len(job.Playlist) <= 1 && job.LoopMode == models.LoopAll
	args := inv.ForStreaming(target.ingestURL, loopInput)

	started := &startedProcess{index: index}
	var sessionRef atomic.Value
	started.progress = newProgressWriter(logger, s.now, func(sample progressSample) {
		if id, _ := sessionRef.Load().(string); id != "" {
			s.recordProgress(ctx, id, sample)
		}
	})
	proc, err := s.launcher.Launch(ctx, LaunchSpec{JobID: job.ID, Args: args, Stderr: started.progress})
	if err != nil {
		return nil, fmt.Errorf("spawn transcoder: %w", err)
	}
	started.proc = proc
	s.metrics.ProcessStarted()
	if reason := r.attach(proc); reason != stopNone {
		// A stop raced the spawn; the exit handler finishes it.
		_ = proc.Terminate()
	}
	logger.Info("transcoder started", "pid", proc.PID(), "encoder", inv.Encoder(), "loop_input", loopInput, "video_id", video.ID)

	sessionID, err := s.recordSession(ctx, job, target, index)
	if err != nil {
		return started, fmt.Errorf("record session: %w", err)
	}
	started.sessionID = sessionID
	sessionRef.Store(sessionID)

	unlock := s.lockJob(job.ID)
	current, err := s.store.GetJob(ctx, job.ID)
	if err == nil && current.Status == models.JobStarting && r.stopReason() == stopNone {
		s.setStatus(ctx, current, models.JobLive, "")
	}
	unlock()
	return started, nil
}

// resolveBroadcast reuses the job's previous broadcast when continuing a
// playlist or recovering from a failure, and creates a new one otherwise.
func (s *Service) resolveBroadcast(ctx context.Context, job models.Job, page models.Page, video models.Video, index int) (broadcastTarget, error) {
	if index > 0 || job.RecoveryAttempts > 0 {
		previous, err := s.store.LatestSession(ctx, job.ID)
		switch {
		case err == nil && reusable(previous):
			s.logger.Info("reusing broadcast", "job_id", job.ID, "broadcast_id", previous.BroadcastID, "index", index)
			return broadcastTarget{
				broadcastID: previous.BroadcastID,
				vodID:       previous.VODID,
				ingestURL:   previous.IngestURL,
				reused:      &previous,
			}, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return broadcastTarget{}, fmt.Errorf("load previous session: %w", err)
		}
	}

	params := platform.BroadcastParams{
		Title:       renderTemplate(job.TitleTemplate, page, video, index),
		Description: renderTemplate(job.DescriptionTemplate, page, video, index),
	}
	if strings.TrimSpace(params.Title) == "" {
		params.Title = defaultTitle(video)
	}
	var broadcast platform.Broadcast
	err := s.withPageToken(ctx, page.ID, "create_broadcast", func(token string) error {
		var callErr error
		broadcast, callErr = s.platform.CreateBroadcast(ctx, page.ID, token, params)
		return callErr
	})
	if err != nil {
		return broadcastTarget{}, fmt.Errorf("create broadcast: %s: %w", platform.Classify(err).Description(), err)
	}
	s.logger.Info("broadcast created", "job_id", job.ID, "page_id", page.ID, "broadcast_id", broadcast.ID)
	return broadcastTarget{
		broadcastID: broadcast.ID,
		vodID:       broadcast.VideoID,
		ingestURL:   broadcast.IngestURL(),
	}, nil
}

func reusable(session models.Session) bool {
	if session.BroadcastID == "" || session.IngestURL == "" {
		return false
	}
	switch session.Status {
	case models.SessionLive, models.SessionFailed, models.SessionStopped:
		return true
	default:
		return false
	}
}

// recordSession inserts a fresh session row for index 0 and moves the
// existing row forward otherwise. A job keeps at most one live row.
func (s *Service) recordSession(ctx context.Context, job models.Job, target broadcastTarget, index int) (string, error) {
	if index != 0 && target.reused != nil {
		live := models.SessionLive
		updated, err := s.store.UpdateSession(ctx, target.reused.ID, storage.SessionUpdate{
			Status:       &live,
			CurrentIndex: &index,
		})
		if err != nil {
			return "", err
		}
		return updated.ID, nil
	}
	if previous, err := s.store.LiveSession(ctx, job.ID); err == nil {
		s.closeSession(ctx, previous.ID, models.SessionStopped, "", s.now())
	}
	session, err := s.store.CreateSession(ctx, storage.CreateSessionParams{
		JobID:        job.ID,
		BroadcastID:  target.broadcastID,
		VODID:        target.vodID,
		IngestURL:    target.ingestURL,
		CurrentIndex: index,
		StartedAt:    s.now(),
	})
	if err != nil {
		return "", err
	}
	return session.ID, nil
}

func (s *Service) recordProgress(ctx context.Context, sessionID string, sample progressSample) {
	_, err := s.store.UpdateSession(ctx, sessionID, storage.SessionUpdate{FPS: sample.FPS, Bitrate: sample.Bitrate})
	if err != nil {
		s.logger.Warn("persist progress sample", "session_id", sessionID, "error", err)
	}
}

// defaultTitle derives a broadcast title from the content filename.
func defaultTitle(video models.Video) string {
	name := video.DisplayName()
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(name)
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "Live"
	}
	return "Live: " + cases.Title(language.English).String(name)
}

// renderTemplate substitutes {filename}, {page}, and {index} placeholders.
func renderTemplate(tmpl string, page models.Page, video models.Video, index int) string {
	if strings.TrimSpace(tmpl) == "" {
		return ""
	}
	name := video.DisplayName()
	return strings.NewReplacer(
		"{filename}", strings.TrimSuffix(name, filepath.Ext(name)),
		"{page}", page.Name,
		"{index}", strconv.Itoa(index+1),
	).Replace(tmpl)
}
