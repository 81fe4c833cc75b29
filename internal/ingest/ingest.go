// Package ingest admits validated build requests: one deployment row plus one
// queued job per accepted request.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/boardbuilder/internal/errors"
	"git.home.luguber.info/inful/boardbuilder/internal/logfields"
	"git.home.luguber.info/inful/boardbuilder/internal/queue"
	"git.home.luguber.info/inful/boardbuilder/internal/store"
)

// Pull-request builds jump ahead of push builds.
const (
	priorityPush        = 0
	priorityPullRequest = 1
)

const maxDeploymentIDLength = 36

// RequestContext carries the upstream action-run context.
type RequestContext struct {
	ServerURL string `json:"serverUrl,omitempty"`
	RunID     string `json:"runId,omitempty"`
	SHA       string `json:"sha,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Request is one build ingest request.
type Request struct {
	ID             string         `json:"id"`
	Owner          string         `json:"owner"`
	Repo           string         `json:"repo"`
	Ref            string         `json:"ref"`
	Environment    string         `json:"environment,omitempty"`
	EventType      string         `json:"eventType"`
	Meta           string         `json:"meta,omitempty"` // PR number or branch name
	Context        RequestContext `json:"context,omitempty"`
	DeploymentID   int64          `json:"deploymentId,omitempty"` // upstream provider handle
	CheckRunID     int64          `json:"checkRunId,omitempty"`
	CreateRelease  bool           `json:"create_release,omitempty"`
	RepoArchiveURL string         `json:"repoArchiveUrl,omitempty"`
	Credential     string         `json:"credential,omitempty"` // credential handle, never a token
}

// Response acknowledges an accepted request.
type Response struct {
	DeploymentID  string `json:"deploymentId"`
	JobID         string `json:"jobId"`
	Status        string `json:"status"`
	QueuePosition int    `json:"queuePosition"`
	Message       string `json:"message"`
}

// Service validates requests and admits them into the queue.
type Service struct {
	store             store.Store
	queue             *queue.JobQueue
	defaultCredential string // handle used when the request names none
}

// NewService creates the ingest service.
func NewService(st store.Store, q *queue.JobQueue, defaultCredential string) *Service {
	return &Service{store: st, queue: q, defaultCredential: defaultCredential}
}

// Ingest validates the request, creates the pending deployment, and enqueues
// its build job. Two requests with the same deployment id are rejected; the
// first wins.
func (s *Service) Ingest(ctx context.Context, req Request) (*Response, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	eventKind := store.EventKind(req.EventType)
	deployment := &store.Deployment{
		ID:          req.ID,
		RepoOwner:   req.Owner,
		RepoName:    req.Repo,
		CommitRef:   req.Ref,
		EventKind:   eventKind,
		Meta:        req.Meta,
		Environment: req.Environment,
		Status:      store.DeploymentPending,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}

	credential := req.Credential
	if credential == "" {
		credential = s.defaultCredential
	}

	priority := priorityPush
	if eventKind == store.EventPullRequest {
		priority = priorityPullRequest
	}

	jobID, err := s.queue.Enqueue(ctx, req.ID, priority, store.JobMetadata{
		Owner:                req.Owner,
		Repo:                 req.Repo,
		Ref:                  req.Ref,
		EventKind:            eventKind,
		Meta:                 req.Meta,
		Environment:          req.Environment,
		ArchiveURL:           req.RepoArchiveURL,
		Credential:           credential,
		ProviderDeploymentID: req.DeploymentID,
		CheckRunID:           req.CheckRunID,
		CreateRelease:        req.CreateRelease,
		Context: store.BuildContext{
			ServerURL: req.Context.ServerURL,
			RunID:     req.Context.RunID,
			SHA:       req.Context.SHA,
			Message:   req.Context.Message,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryStore, errors.SeverityError, "enqueue build job")
	}

	position, err := s.queue.QueuePosition(ctx, jobID)
	if err != nil {
		// The job is already admitted; a position lookup failure is cosmetic.
		slog.Warn("Queue position lookup failed", logfields.JobID(jobID), logfields.Error(err))
		position = 0
	}

	slog.Info("Build request admitted",
		logfields.DeploymentID(req.ID),
		logfields.JobID(jobID),
		logfields.Repository(req.Owner+"/"+req.Repo),
		logfields.Ref(req.Ref),
		slog.String("event", req.EventType))

	return &Response{
		DeploymentID:  req.ID,
		JobID:         jobID,
		Status:        string(store.JobQueued),
		QueuePosition: position,
		Message:       fmt.Sprintf("build queued at position %d", position),
	}, nil
}

func validate(req Request) error {
	switch {
	case req.ID == "":
		return errors.ValidationError("deployment id is required")
	case len(req.ID) > maxDeploymentIDLength:
		return errors.ValidationError(fmt.Sprintf("deployment id exceeds %d characters", maxDeploymentIDLength))
	case req.Owner == "":
		return errors.ValidationError("owner is required")
	case req.Repo == "":
		return errors.ValidationError("repo is required")
	case req.Ref == "":
		return errors.ValidationError("ref is required")
	}
	switch store.EventKind(req.EventType) {
	case store.EventPush, store.EventPullRequest:
	default:
		return errors.ValidationError(fmt.Sprintf("unknown eventType %q", req.EventType))
	}
	if store.EventKind(req.EventType) == store.EventPullRequest && req.Meta == "" {
		return errors.ValidationError("meta (pull request number) is required for pull_request events")
	}
	return nil
}
