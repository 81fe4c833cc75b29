// Package events publishes job lifecycle events for external observers.
// Publishing is best-effort: a failed emit never affects the build outcome.
package events

import (
	"context"
	"time"
)

// EventType enumerates job lifecycle transitions.
type EventType string

const (
	JobEnqueued  EventType = "job.enqueued"
	JobStarted   EventType = "job.started"
	JobCompleted EventType = "job.completed"
	JobFailed    EventType = "job.failed"
	JobRequeued  EventType = "job.requeued"
)

// JobEvent is the wire form of a lifecycle event.
type JobEvent struct {
	Type         EventType `json:"type"`
	JobID        string    `json:"jobId"`
	DeploymentID string    `json:"deploymentId"`
	WorkerID     string    `json:"workerId,omitempty"`
	Priority     int       `json:"priority,omitempty"`
	RetryCount   int       `json:"retryCount,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMS   int64     `json:"durationMs,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Emitter abstracts lifecycle event emission so the queue and worker do not
// depend on a transport.
type Emitter interface {
	Emit(ctx context.Context, ev JobEvent) error
	Close() error
}

// NoopEmitter is the default when event publishing is not configured.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, JobEvent) error { return nil }
func (NoopEmitter) Close() error                         { return nil }
