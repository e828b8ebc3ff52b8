package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"relaycast/internal/models"
	"relaycast/internal/platform"
	"relaycast/internal/storage"
)

// poll checks every live session. Sessions are checked concurrently so one
// slow remote call does not delay the others.
func (s *Service) poll(ctx context.Context) {
	sessions, err := s.store.ListLiveSessions(ctx)
	if err != nil {
		s.logger.Error("list live sessions", "error", err)
		return
	}
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, session := range sessions {
		session := session
		g.Go(func() error {
			s.pollSession(ctx, session)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) pollSession(ctx context.Context, session models.Session) {
	job, err := s.store.GetJob(ctx, session.JobID)
	if err != nil {
		s.logger.Warn("load job for poll", "job_id", session.JobID, "error", err)
		return
	}
	if job.Status != models.JobLive {
		return
	}
	now := s.now()
	if now.Sub(session.StartedAt) >= s.cfg.PollInterval {
		if !s.checkHealth(ctx, job, session) {
			return
		}
	}
	s.maybePostComment(ctx, job, session)
}

// checkHealth queries liveness and viewers. It reports whether the session
// is still running afterwards.
func (s *Service) checkHealth(ctx context.Context, job models.Job, session models.Session) bool {
	logger := s.logger.With("job_id", job.ID, "session_id", session.ID)
	var status platform.LiveStatus
	err := s.withPageToken(ctx, job.PageID, "live_status", func(token string) error {
		var callErr error
		status, callErr = s.platform.LiveStatus(ctx, session.BroadcastID, token)
		return callErr
	})
	if err != nil {
		failures := session.APIFailures + 1
		if _, uerr := s.store.UpdateSession(ctx, session.ID, storage.SessionUpdate{APIFailures: &failures}); uerr != nil {
			logger.Error("persist api failure count", "error", uerr)
		}
		logger.Warn("live status poll failed", "failures", failures, "threshold", s.cfg.BreakerThreshold, "error", err)
		if failures >= s.cfg.BreakerThreshold {
			s.tripBreaker(ctx, job, session, err)
			return false
		}
		return true
	}

	zero := 0
	viewers := status.LiveViews
	update := storage.SessionUpdate{APIFailures: &zero, LastViewers: &viewers, PeakViewers: &viewers}
	if _, err := s.store.UpdateSession(ctx, session.ID, update); err != nil {
		logger.Error("persist viewer sample", "error", err)
	}
	if status.Ended() {
		logger.Info("broadcast ended remotely, stopping", "remote_status", status.Status)
		s.stopJob(ctx, job.ID, stopRemoteEnded)
		return false
	}
	s.logProcessStats(job.ID)
	return true
}

func (s *Service) tripBreaker(ctx context.Context, job models.Job, session models.Session, cause error) {
	s.metrics.CircuitBreakerTripped()
	message := fmt.Sprintf("circuit breaker tripped after %d consecutive poll failures: %v", s.cfg.BreakerThreshold, cause)
	unlock := s.lockJob(job.ID)
	defer unlock()
	current, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		s.logger.Error("load job for circuit breaker", "job_id", job.ID, "error", err)
		return
	}
	s.setStatus(ctx, current, models.JobCircuitBreaker, message)
	if r, ok := s.runnerFor(job.ID); ok {
		r.requestStop(stopCircuitBreaker, s.cfg.StopGrace)
		return
	}
	s.closeSession(ctx, session.ID, models.SessionFailed, message, s.now())
}

// maybePostComment posts the job's first comment once the session is old
// enough for the remote object to exist. Failures leave the latch open.
func (s *Service) maybePostComment(ctx context.Context, job models.Job, session models.Session) {
	if job.FirstComment == "" || session.CommentPosted {
		return
	}
	if s.now().Sub(session.StartedAt) <= s.cfg.CommentDelay {
		return
	}
	// Re-read so a concurrent poll cannot post twice.
	current, err := s.store.GetSession(ctx, session.ID)
	if err != nil || current.CommentPosted {
		return
	}
	target := current.CommentTarget()
	var commentID string
	err = s.withPageToken(ctx, job.PageID, "post_comment", func(token string) error {
		var callErr error
		commentID, callErr = s.platform.PostComment(ctx, target, token, job.FirstComment)
		return callErr
	})
	if err != nil {
		s.logger.Warn("first comment not posted",
			"job_id", job.ID, "session_id", session.ID, "category", platform.Classify(err), "error", err)
		return
	}
	posted := true
	if _, err := s.store.UpdateSession(ctx, session.ID, storage.SessionUpdate{CommentPosted: &posted}); err != nil {
		s.logger.Error("latch comment flag", "session_id", session.ID, "error", err)
		return
	}
	s.metrics.CommentPosted()
	s.logger.Info("first comment posted", "job_id", job.ID, "session_id", session.ID, "comment_id", commentID)
}

func (s *Service) logProcessStats(jobID string) {
	r, ok := s.runnerFor(jobID)
	if !ok {
		return
	}
	proc := r.process()
	if proc == nil || proc.PID() <= 0 {
		return
	}
	stats, err := s.sample(proc.PID())
	if err != nil {
		s.logger.Debug("process stats unavailable", "job_id", jobID, "error", err)
		return
	}
	s.logger.Debug("process stats", "job_id", jobID, "pid", proc.PID(), "cpu_percent", stats.CPUPercent, "rss_bytes", stats.RSSBytes)
}
