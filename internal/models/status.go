package models

import "fmt"

// JobStatus is the persisted lifecycle state of a Job.
type JobStatus string

const (
	JobQueued         JobStatus = "queued"
	JobStarting       JobStatus = "starting"
	JobLive           JobStatus = "live"
	JobStopping       JobStatus = "stopping"
	JobStopped        JobStatus = "stopped"
	JobFailed         JobStatus = "failed"
	JobFailedRecovery JobStatus = "failed_recovery"
	JobCircuitBreaker JobStatus = "circuit_breaker"
)

// SessionStatus mirrors the subset of job states a broadcast session can be in.
type SessionStatus string

const (
	SessionLive    SessionStatus = "live"
	SessionStopped SessionStatus = "stopped"
	SessionFailed  SessionStatus = "failed"
)

var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	"": {
		JobQueued: true,
	},
	JobQueued: {
		JobQueued:   true,
		JobStarting: true,
		JobFailed:   true, // start aborted before reaching starting
		JobStopping: true,
		JobStopped:  true,
	},
	JobStarting: {
		JobLive:           true,
		JobFailed:         true,
		JobFailedRecovery: true,
		JobStopping:       true,
		JobStopped:        true,
	},
	JobLive: {
		JobLive:           true,
		JobStarting:       true, // playlist advance and loop restarts
		JobStopping:       true,
		JobStopped:        true,
		JobFailed:         true,
		JobFailedRecovery: true,
		JobCircuitBreaker: true,
	},
	JobStopping: {
		JobStopping: true,
		JobStopped:  true,
	},
	JobStopped: {
		JobQueued:   true,
		JobStopping: true,
		JobStopped:  true,
	},
	JobFailed: {
		JobQueued:   true,
		JobStopping: true,
		JobStopped:  true,
	},
	JobFailedRecovery: {
		JobFailedRecovery: true,
		JobStarting:       true,
		JobQueued:         true,
		JobStopping:       true,
		JobStopped:        true,
		JobFailed:         true,
	},
	JobCircuitBreaker: {
		JobCircuitBreaker: true,
		JobQueued:         true,
		JobStopping:       true,
		JobStopped:        true,
	},
}

// IsKnownJobStatus reports whether status is one of the persisted job states.
func IsKnownJobStatus(status JobStatus) bool {
	if status == "" {
		return false
	}
	_, ok := allowedTransitions[status]
	return ok
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// TransitionJobStatus validates and applies a status change on job.
func TransitionJobStatus(job *Job, to JobStatus) error {
	from := job.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid job status transition: %q -> %q (job_id=%s)", from, to, job.ID)
	}
	job.Status = to
	return nil
}

// IsTerminal reports whether the admission loop will never pick the job up
// again without a manual restart.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStopped, JobFailed, JobCircuitBreaker:
		return true
	default:
		return false
	}
}

// IsAdmissible reports whether the admission loop may start a job in this state.
func (s JobStatus) IsAdmissible() bool {
	return s == JobQueued || s == JobFailedRecovery
}

// IsActive reports whether a process is expected to exist for the job.
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStarting, JobLive, JobStopping:
		return true
	default:
		return false
	}
}
