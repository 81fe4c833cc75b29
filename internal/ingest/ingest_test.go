package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/boardbuilder/internal/errors"
	"git.home.luguber.info/inful/boardbuilder/internal/queue"
	"git.home.luguber.info/inful/boardbuilder/internal/store"
)

func newService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	q, err := queue.New(s, nil, queue.Options{})
	require.NoError(t, err)
	return NewService(s, q, "bot"), s
}

func validRequest() Request {
	return Request{
		ID:        "dep-1",
		Owner:     "acme",
		Repo:      "boards",
		Ref:       "main",
		EventType: "push",
		Context:   RequestContext{SHA: "abc123", Message: "fix: footprint"},
	}
}

func TestIngestCreatesDeploymentAndJob(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	resp, err := svc.Ingest(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, "dep-1", resp.DeploymentID)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, 1, resp.QueuePosition)

	dep, err := s.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentPending, dep.Status)
	assert.Equal(t, "acme", dep.RepoOwner)

	job, err := s.GetJob(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, job.Status)
	assert.Equal(t, 0, job.Priority)
	assert.Equal(t, "bot", job.Metadata.Credential)
	assert.Equal(t, "abc123", job.Metadata.Context.SHA)
}

func TestIngestPullRequestGetsElevatedPriority(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	req := validRequest()
	req.EventType = "pull_request"
	req.Meta = "12"
	req.Credential = "deploy-key"

	resp, err := svc.Ingest(ctx, req)
	require.NoError(t, err)

	job, err := s.GetJob(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Priority)
	assert.Equal(t, "deploy-key", job.Metadata.Credential)
	assert.Equal(t, store.EventPullRequest, job.Metadata.EventKind)
}

func TestIngestDuplicateDeploymentIDRejected(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, validRequest())
	require.NoError(t, err)

	_, err = svc.Ingest(ctx, validRequest())
	assert.ErrorIs(t, err, store.ErrDuplicateDeployment)
}

func TestIngestValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing id", func(r *Request) { r.ID = "" }},
		{"id too long", func(r *Request) { r.ID = "0123456789012345678901234567890123456789" }},
		{"missing owner", func(r *Request) { r.Owner = "" }},
		{"missing repo", func(r *Request) { r.Repo = "" }},
		{"missing ref", func(r *Request) { r.Ref = "" }},
		{"unknown event type", func(r *Request) { r.EventType = "release" }},
		{"pr without number", func(r *Request) { r.EventType = "pull_request"; r.Meta = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := svc.Ingest(ctx, req)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}
}

func TestIngestQueuePositionReflectsBacklog(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first := validRequest()
	_, err := svc.Ingest(ctx, first)
	require.NoError(t, err)

	second := validRequest()
	second.ID = "dep-2"
	resp, err := svc.Ingest(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.QueuePosition)
}
