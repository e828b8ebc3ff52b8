package orchestrator

import (
	"context"
	"errors"

	"relaycast/internal/models"
	"relaycast/internal/storage"
)

// admit starts up to the number of free slots of admissible jobs, highest
// priority first and FIFO within a priority. Admitted jobs always start at
// the first playlist item.
func (s *Service) admit(ctx context.Context) {
	slots := s.cfg.MaxConcurrent - s.activeCount()
	if slots <= 0 {
		return
	}
	jobs, err := s.store.ListAdmissibleJobs(ctx, storage.AdmissionQuery{
		Now:         s.now(),
		MaxAttempts: s.cfg.MaxAttempts,
		Limit:       slots,
	})
	if err != nil {
		s.logger.Error("admission query failed", "error", err)
		return
	}
	for _, job := range jobs {
		r, ok := s.claim(job.ID)
		if !ok {
			continue
		}
		s.logger.Debug("job admitted", "job_id", job.ID, "priority", job.Priority, "attempts", job.RecoveryAttempts)
		go s.run(r)
	}
}

// reconcile repairs rows left active by an unclean shutdown. Nothing is
// supervised yet, so every active row is a zombie.
func (s *Service) reconcile(ctx context.Context) error {
	jobs, err := s.store.ListJobsByStatus(ctx, models.JobStarting, models.JobLive, models.JobStopping)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if _, ok := s.runnerFor(job.ID); ok {
			continue
		}
		unlock := s.lockJob(job.ID)
		var sessionStatus models.SessionStatus
		var to models.JobStatus
		var message string
		if job.Status == models.JobStopping {
			sessionStatus, to = models.SessionStopped, models.JobStopped
		} else {
			sessionStatus, to = models.SessionStopped, models.JobFailedRecovery
			message = "process lost after orchestrator restart"
		}
		if session, err := s.store.LiveSession(ctx, job.ID); err == nil {
			s.closeSession(ctx, session.ID, sessionStatus, message, s.now())
		} else if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("load live session for reconcile", "job_id", job.ID, "error", err)
		}
		if _, err := s.setStatus(ctx, job, to, message); err == nil {
			s.logger.Warn("reconciled orphaned job", "job_id", job.ID, "from", job.Status, "to", to)
		}
		unlock()
	}
	return nil
}
