package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
	"relaycast/internal/storage"
)

type stopReason int

const (
	stopNone stopReason = iota
	stopUser
	stopRemoteEnded
	stopCircuitBreaker
	stopShutdown
)

// runner holds a pool slot for one job. proc is set only while a process is
// alive; between a process exit and the next restart it is nil.
type runner struct {
	jobID string

	mu     sync.Mutex
	proc   Process
	reason stopReason
	kill   *time.Timer
}

func newRunner(jobID string) *runner {
	return &runner{jobID: jobID}
}

func (r *runner) attach(proc Process) stopReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proc = proc
	return r.reason
}

func (r *runner) detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proc = nil
	if r.kill != nil {
		r.kill.Stop()
		r.kill = nil
	}
}

func (r *runner) process() Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

func (r *runner) stopReason() stopReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// requestStop records why the job is ending and signals the live process.
// The first reason wins. A positive grace arms a kill timer.
func (r *runner) requestStop(reason stopReason, grace time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reason == stopNone {
		r.reason = reason
	}
	if r.proc == nil {
		return
	}
	_ = r.proc.Terminate()
	if grace > 0 && r.kill == nil {
		proc := r.proc
		r.kill = time.AfterFunc(grace, func() { _ = proc.Kill() })
	}
}

// run drives one job until it leaves the pool. Restarts for playlist
// advance and looping happen in this loop rather than by re-entering start.
func (s *Service) run(r *runner) {
	defer s.release(r)
	ctx := logging.ContextWithJobID(s.runCtx, r.jobID)
	index := 0
	for {
		if reason := r.stopReason(); reason != stopNone {
			s.finishIdle(ctx, r.jobID, reason)
			return
		}
		started, err := s.start(ctx, r, index)
		if err != nil {
			s.failStart(ctx, r, started, err)
			return
		}
		code := started.proc.Wait()
		r.detach()
		next, again := s.handleExit(ctx, r, started, code)
		if !again {
			return
		}
		index = next
	}
}

// handleExit applies the exit rules and reports whether to restart and at
// which playlist index.
func (s *Service) handleExit(ctx context.Context, r *runner, started *startedProcess, code int) (int, bool) {
	unlock := s.lockJob(r.jobID)
	defer unlock()

	job, err := s.store.GetJob(ctx, r.jobID)
	if err != nil {
		s.logger.Error("load job after exit", "job_id", r.jobID, "error", err)
		s.metrics.ProcessExited("failure")
		return 0, false
	}
	logger := s.logger.With("job_id", job.ID, "exit_code", code, "index", started.index)
	now := s.now()

	switch {
	case job.Status == models.JobStopping || r.stopReason() == stopUser || r.stopReason() == stopRemoteEnded:
		s.metrics.ProcessExited("stopped")
		s.closeSession(ctx, started.sessionID, models.SessionStopped, "", now)
		s.setStatus(ctx, job, models.JobStopped, "")
		return 0, false
	case job.Status == models.JobCircuitBreaker || r.stopReason() == stopCircuitBreaker:
		s.metrics.ProcessExited("stopped")
		s.closeSession(ctx, started.sessionID, models.SessionFailed, "circuit breaker tripped", now)
		if job.Status != models.JobCircuitBreaker {
			s.setStatus(ctx, job, models.JobCircuitBreaker, "circuit breaker tripped")
		}
		return 0, false
	case r.stopReason() == stopShutdown:
		s.metrics.ProcessExited("stopped")
		s.closeSession(ctx, started.sessionID, models.SessionStopped, "orchestrator shutdown", now)
		s.setStatus(ctx, job, models.JobFailedRecovery, "interrupted by orchestrator shutdown")
		return 0, false
	}

	if code == 0 {
		s.metrics.ProcessExited("success")
		decision := nextAfterSuccess(job, started.index)
		if decision.restart {
			logger.Info("content finished, restarting", "next_index", decision.index, "loop_mode", job.LoopMode)
			return decision.index, true
		}
		s.closeSession(ctx, started.sessionID, models.SessionStopped, "", now)
		s.setStatus(ctx, job, models.JobStopped, "")
		return 0, false
	}

	s.metrics.ProcessExited("failure")
	attempts := job.RecoveryAttempts + 1
	message := fmt.Sprintf("transcoder exited with code %d (attempt %d of %d)", code, attempts, s.cfg.MaxAttempts)
	if _, err := s.store.UpdateJob(ctx, job.ID, storage.JobUpdate{RecoveryAttempts: &attempts}); err != nil {
		logger.Error("persist recovery attempts", "error", err)
	}
	job.RecoveryAttempts = attempts
	s.closeSession(ctx, started.sessionID, models.SessionFailed, message, now)
	if attempts >= s.cfg.MaxAttempts {
		logger.Error("job exhausted recovery attempts", "attempts", attempts)
		s.setStatus(ctx, job, models.JobFailed, message)
	} else {
		logger.Warn("transcoder failed, job eligible for recovery", "attempts", attempts)
		s.setStatus(ctx, job, models.JobFailedRecovery, message)
	}
	return 0, false
}

type exitDecision struct {
	restart bool
	index   int
}

// nextAfterSuccess applies the playlist and loop rules to a clean exit.
func nextAfterSuccess(job models.Job, index int) exitDecision {
	if job.HasPlaylist() {
		switch {
		case job.LoopMode == models.LoopOne:
			return exitDecision{restart: true, index: index}
		case index+1 < len(job.Playlist):
			return exitDecision{restart: true, index: index + 1}
		case job.LoopMode == models.LoopAll:
			return exitDecision{restart: true, index: 0}
		default:
			return exitDecision{}
		}
	}
	if job.LoopMode == models.LoopAll || job.LoopMode == models.LoopOne {
		return exitDecision{restart: true, index: 0}
	}
	return exitDecision{}
}

// failStart records a start sequence failure. A process spawned before the
// failure is killed so the slot frees immediately.
func (s *Service) failStart(ctx context.Context, r *runner, started *startedProcess, cause error) {
	if started != nil && started.proc != nil {
		_ = started.proc.Kill()
		started.proc.Wait()
		r.detach()
		s.metrics.ProcessExited("failure")
	}
	if errors.Is(cause, errStopRequested) {
		s.finishIdle(ctx, r.jobID, r.stopReason())
		return
	}
	unlock := s.lockJob(r.jobID)
	defer unlock()

	job, err := s.store.GetJob(ctx, r.jobID)
	if err != nil {
		s.logger.Error("load job after failed start", "job_id", r.jobID, "error", err)
		return
	}
	if job.Status == models.JobStopping {
		s.finishStoppedLocked(ctx, job)
		return
	}
	message := cause.Error()
	s.logger.Error("job start failed", "job_id", job.ID, "error", cause)
	if started != nil && started.sessionID != "" {
		s.closeSession(ctx, started.sessionID, models.SessionFailed, message, s.now())
	} else {
		s.closeLiveSession(ctx, job.ID, models.SessionFailed, message)
	}
	s.setStatus(ctx, job, models.JobFailed, message)
}

// finishIdle resolves a stop that arrived while no process was running.
func (s *Service) finishIdle(ctx context.Context, jobID string, reason stopReason) {
	unlock := s.lockJob(jobID)
	defer unlock()
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error("load job for stop", "job_id", jobID, "error", err)
		return
	}
	switch {
	case reason == stopCircuitBreaker || job.Status == models.JobCircuitBreaker:
		s.closeLiveSession(ctx, jobID, models.SessionFailed, "circuit breaker tripped")
		if job.Status != models.JobCircuitBreaker {
			s.setStatus(ctx, job, models.JobCircuitBreaker, "circuit breaker tripped")
		}
	case reason == stopShutdown && job.Status != models.JobStopping:
		s.closeLiveSession(ctx, jobID, models.SessionStopped, "orchestrator shutdown")
		s.setStatus(ctx, job, models.JobFailedRecovery, "interrupted by orchestrator shutdown")
	default:
		s.finishStoppedLocked(ctx, job)
	}
}

// finishStoppedLocked moves the job and its live session to stopped. The
// caller holds the job lock.
func (s *Service) finishStoppedLocked(ctx context.Context, job models.Job) {
	s.closeLiveSession(ctx, job.ID, models.SessionStopped, "")
	s.setStatus(ctx, job, models.JobStopped, "")
}

func (s *Service) closeLiveSession(ctx context.Context, jobID string, status models.SessionStatus, message string) {
	if session, err := s.store.LiveSession(ctx, jobID); err == nil {
		s.closeSession(ctx, session.ID, status, message, s.now())
	}
}

func (s *Service) closeSession(ctx context.Context, sessionID string, status models.SessionStatus, message string, at time.Time) {
	if sessionID == "" {
		return
	}
	update := storage.SessionUpdate{Status: &status, EndedAt: &at}
	if message != "" {
		update.ErrorLog = &message
	}
	if _, err := s.store.UpdateSession(ctx, sessionID, update); err != nil {
		s.logger.Error("update session", "session_id", sessionID, "status", status, "error", err)
	}
}
