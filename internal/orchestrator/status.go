package orchestrator

import (
	"context"
	"fmt"
	"time"

	"relaycast/internal/events"
	"relaycast/internal/models"
	"relaycast/internal/storage"
)

const publishTimeout = 2 * time.Second

// transitionJob loads the job under its lock and moves it to status.
func (s *Service) transitionJob(ctx context.Context, jobID string, to models.JobStatus, message string) (models.Job, error) {
	unlock := s.lockJob(jobID)
	defer unlock()
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	return s.setStatus(ctx, job, to, message)
}

// setStatus validates and persists a status change. The caller holds the
// job lock. Failure states record message as the job's last error.
func (s *Service) setStatus(ctx context.Context, job models.Job, to models.JobStatus, message string) (models.Job, error) {
	from := job.Status
	if !models.CanTransition(from, to) {
		err := fmt.Errorf("invalid job status transition: %q -> %q (job_id=%s)", from, to, job.ID)
		s.logger.Warn("status transition rejected", "job_id", job.ID, "from", from, "to", to)
		return job, err
	}
	update := storage.JobUpdate{Status: &to}
	if message != "" {
		update.LastError = &message
	}
	updated, err := s.store.UpdateJob(ctx, job.ID, update)
	if err != nil {
		s.logger.Error("persist job status", "job_id", job.ID, "from", from, "to", to, "error", err)
		return job, err
	}
	if from != to {
		s.metrics.ObserveJobTransition(string(to))
		switch to {
		case models.JobFailed, models.JobCircuitBreaker:
			s.logger.Error("job status changed", "job_id", job.ID, "from", from, "to", to, "message", message)
		default:
			s.logger.Info("job status changed", "job_id", job.ID, "from", from, "to", to)
		}
		s.publish(ctx, updated, from, message)
	}
	return updated, nil
}

func (s *Service) publish(ctx context.Context, job models.Job, from models.JobStatus, message string) {
	event := events.Event{
		JobID:    job.ID,
		PageID:   job.PageID,
		Status:   string(job.Status),
		Previous: string(from),
		Message:  message,
		At:       s.now().UTC(),
	}
	if session, err := s.store.LatestSession(ctx, job.ID); err == nil {
		event.SessionID = session.ID
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, event); err != nil {
		s.logger.Warn("publish job event", "job_id", job.ID, "status", job.Status, "error", err)
	}
}
