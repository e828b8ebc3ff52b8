// Package events publishes job lifecycle transitions to external sinks so
// dashboards and automation can follow a fleet without polling the API.
package events

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Event is one job status transition.
type Event struct {
	JobID     string    `json:"jobId"`
	SessionID string    `json:"sessionId,omitempty"`
	PageID    string    `json:"pageId,omitempty"`
	Status    string    `json:"status"`
	Previous  string    `json:"previous,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

func (e Event) validate() error {
	if strings.TrimSpace(e.JobID) == "" {
		return errors.New("event job id is required")
	}
	if strings.TrimSpace(e.Status) == "" {
		return errors.New("event status is required")
	}
	return nil
}

// Publisher delivers lifecycle events. Publish failures are reported to the
// caller but never block a job transition.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NewNoopPublisher returns a publisher that drops every event.
func NewNoopPublisher() Publisher {
	return noopPublisher{}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Event) error { return nil }

func (noopPublisher) Close() error { return nil }
