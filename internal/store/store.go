// Package store provides durable persistence for deployments, jobs, and
// artifacts. Job rows are the synchronization primitive of the build core:
// all lifecycle transitions go through the store's transactional semantics.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DeploymentStatus enumerates deployment lifecycle states. Status is
// monotonic: pending moves to exactly one of ready, error, or skipped.
type DeploymentStatus string

const (
	DeploymentPending DeploymentStatus = "pending"
	DeploymentReady   DeploymentStatus = "ready"
	DeploymentError   DeploymentStatus = "error"
	DeploymentSkipped DeploymentStatus = "skipped"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// EventKind distinguishes the originating repository event.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
)

// Sentinel errors.
var (
	ErrNotFound            = errors.New("store: not found")
	ErrDuplicateDeployment = errors.New("store: deployment id already exists")
)

// Deployment is one request to build a specific revision, identified by a
// caller-supplied id (<= 36 chars).
type Deployment struct {
	ID                   string
	RepoOwner            string
	RepoName             string
	CommitRef            string
	EventKind            EventKind
	Meta                 string // PR number (as string) or branch name
	Environment          string
	Status               DeploymentStatus
	BuildDurationSeconds *float64
	BuildCompletedAt     *time.Time
	TotalSourceFiles     int
	Snapshot             json.RawMessage // compile metadata only; payloads live in artifacts
	CreatedAt            time.Time
}

// BuildContext carries the upstream action-run context supplied at ingest.
type BuildContext struct {
	ServerURL string `json:"serverUrl,omitempty"`
	RunID     string `json:"runId,omitempty"`
	SHA       string `json:"sha,omitempty"`
	Message   string `json:"message,omitempty"`
}

// JobMetadata holds the opaque build inputs for a job. The credential field
// is a handle resolved against configuration at attempt time; tokens are
// never stored.
type JobMetadata struct {
	Owner                string       `json:"owner"`
	Repo                 string       `json:"repo"`
	Ref                  string       `json:"ref"`
	EventKind            EventKind    `json:"eventKind"`
	Meta                 string       `json:"meta,omitempty"`
	Environment          string       `json:"environment,omitempty"`
	ArchiveURL           string       `json:"archiveUrl,omitempty"`
	Credential           string       `json:"credential,omitempty"`
	ProviderDeploymentID int64        `json:"providerDeploymentId,omitempty"`
	CheckRunID           int64        `json:"checkRunId,omitempty"`
	CreateRelease        bool         `json:"createRelease,omitempty"`
	Context              BuildContext `json:"context,omitempty"`
}

// Job is one attempt-capable unit of work realizing a deployment.
type Job struct {
	ID           string
	DeploymentID string
	Status       JobStatus
	Priority     int
	QueuedAt     time.Time
	NotBefore    time.Time // earliest claim time; implements deferred re-queue backoff
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RetryCount   int
	WorkerID     string
	Progress     int
	Logs         string
	ErrorMessage string
	Metadata     JobMetadata
}

// Artifact is one compiled output file attached to a successful job.
// DeploymentID is denormalized so deployment removal cascades.
type Artifact struct {
	ID            string
	JobID         string
	DeploymentID  string
	FileName      string
	FilePath      string
	FileSizeBytes int64
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// DeploymentUpdate carries the terminal mutation applied by the worker.
type DeploymentUpdate struct {
	Status               DeploymentStatus
	BuildDurationSeconds float64
	CompletedAt          time.Time
	TotalSourceFiles     int
	Snapshot             json.RawMessage
}

// Store is the persistence boundary of the build core.
//
// ClaimNextJob atomically selects the oldest queued job with the highest
// priority (ties broken by queued_at ascending) whose not_before has passed,
// and transitions it to processing with worker_id and started_at set in the
// same statement. Two concurrent claims never return the same job.
//
// CompleteJob, FailJob, and RequeueJob are guarded on status=processing and
// report whether the transition was applied; a false return means the row
// left the processing state externally (cancellation) and the caller must
// discard its result.
type Store interface {
	CreateDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	UpdateDeployment(ctx context.Context, id string, upd DeploymentUpdate) error

	InsertJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ClaimNextJob(ctx context.Context, workerID string) (*Job, error)
	UpdateJobProgress(ctx context.Context, jobID string, progress int, logLine string) error
	AppendJobLog(ctx context.Context, jobID, line string) error
	CompleteJob(ctx context.Context, jobID string) (bool, error)
	FailJob(ctx context.Context, jobID, errorMessage string) (bool, error)
	RequeueJob(ctx context.Context, jobID string, notBefore time.Time, errorMessage string) (bool, error)
	CancelJob(ctx context.Context, jobID string) (bool, error)

	InsertArtifacts(ctx context.Context, artifacts []Artifact) error
	GetArtifact(ctx context.Context, id string) (*Artifact, error)
	ListArtifacts(ctx context.Context, jobID string) ([]Artifact, error)

	QueuedJobCount(ctx context.Context) (int, error)
	QueuePosition(ctx context.Context, jobID string) (int, error)
	RequeueStale(ctx context.Context, maxAttemptDuration time.Duration) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
