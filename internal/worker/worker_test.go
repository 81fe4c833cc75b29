package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/boardbuilder/internal/compiler"
	"git.home.luguber.info/inful/boardbuilder/internal/errors"
	"git.home.luguber.info/inful/boardbuilder/internal/fetch"
	"git.home.luguber.info/inful/boardbuilder/internal/provider"
	"git.home.luguber.info/inful/boardbuilder/internal/retry"
	"git.home.luguber.info/inful/boardbuilder/internal/store"
)

// fakeFetcher records the destination it was given and optionally fails.
type fakeFetcher struct {
	err   error
	dests []string
}

func (f *fakeFetcher) Fetch(_ context.Context, spec fetch.Spec) error {
	f.dests = append(f.dests, spec.Dest)
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(filepath.Join(spec.Dest, "led.circuit.tsx"), []byte("src"), 0o644)
}

// fakeBuilder returns a canned snapshot or error; it can also panic.
type fakeBuilder struct {
	snap     *compiler.Snapshot
	err      error
	panicMsg string
}

func (b *fakeBuilder) Compile(_ context.Context, _ string, progress compiler.ProgressFunc) (*compiler.Snapshot, error) {
	if b.panicMsg != "" {
		panic(b.panicMsg)
	}
	if progress != nil {
		progress("compile", 50, "halfway")
		progress("compile", 100, "done")
	}
	return b.snap, b.err
}

// fakeProvider records finalize calls.
type fakeProvider struct {
	mu               sync.Mutex
	deploymentStates []string
	checkConclusions []string
	comments         []string
	tagsCreated      []string
	refsCreated      []string
	latestTag        *provider.Tag
	deployStatusErr  error
	commentErr       error
	latestTagErr     error
}

func (p *fakeProvider) CreateDeploymentStatus(_ context.Context, _, _, _ string, _ int64, state, _, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deploymentStates = append(p.deploymentStates, state)
	return p.deployStatusErr
}

func (p *fakeProvider) UpdateCheckRun(_ context.Context, _, _, _ string, _ int64, conclusion string, _ *provider.CheckRunOutput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkConclusions = append(p.checkConclusions, conclusion)
	return nil
}

func (p *fakeProvider) CreateReviewComment(_ context.Context, _, _, _ string, _ int, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.comments = append(p.comments, body)
	return p.commentErr
}

func (p *fakeProvider) GetLatestTag(_ context.Context, _, _, _ string) (*provider.Tag, error) {
	return p.latestTag, p.latestTagErr
}

func (p *fakeProvider) CreateTag(_ context.Context, _, _, _, tag, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tagsCreated = append(p.tagsCreated, tag)
	return "tag-sha", nil
}

func (p *fakeProvider) CreateRef(_ context.Context, _, _, _, ref, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refsCreated = append(p.refsCreated, ref)
	return nil
}

func okSnapshot(paths ...string) *compiler.Snapshot {
	snap := &compiler.Snapshot{Success: true, BuildTimeSeconds: 0.5}
	for _, p := range paths {
		snap.Files = append(snap.Files, compiler.CompiledFile{
			Path:       p,
			Name:       filepath.Base(p),
			OutputJSON: json.RawMessage(`{"elements":[]}`),
			Metadata:   compiler.FileMetadata{SizeBytes: 3, Checksum: "abc"},
		})
	}
	if snap.Files == nil {
		snap.Files = []compiler.CompiledFile{}
	}
	return snap
}

type harness struct {
	store    *store.SQLiteStore
	fetcher  *fakeFetcher
	builder  *fakeBuilder
	provider *fakeProvider
	worker   *Worker
}

func newHarness(t *testing.T, builder *fakeBuilder) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{
		store:    s,
		fetcher:  &fakeFetcher{},
		builder:  builder,
		provider: &fakeProvider{},
	}
	h.worker = New(s, h.fetcher, h.builder, h.provider,
		func(handle string) string {
			if handle == "deploy-key" {
				return "tok-1"
			}
			return ""
		},
		retry.Policy{Base: time.Second, Cap: 30 * time.Second, MaxRetries: 3},
		Config{WorkspaceRoot: t.TempDir(), PublicBaseURL: "https://builds.example"},
		nil, nil)
	return h
}

func (h *harness) claimJob(t *testing.T, meta store.JobMetadata, retryCount int) *store.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreateDeployment(ctx, &store.Deployment{
		ID: "D1", RepoOwner: meta.Owner, RepoName: meta.Repo, CommitRef: meta.Ref,
		EventKind: meta.EventKind, Status: store.DeploymentPending, CreatedAt: time.Now(),
	}))
	job := &store.Job{
		ID: "J1", DeploymentID: "D1", Status: store.JobQueued,
		QueuedAt: time.Now(), RetryCount: retryCount, Metadata: meta,
	}
	require.NoError(t, h.store.InsertJob(ctx, job))
	if retryCount > 0 {
		// InsertJob stores retry_count as given; re-read for consistency.
		stored, err := h.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, retryCount, stored.RetryCount)
	}
	claimed, err := h.store.ClaimNextJob(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

// pushMeta mirrors the canonical push request: the commit sha rides in ref,
// the branch name in meta.
func pushMeta() store.JobMetadata {
	return store.JobMetadata{
		Owner: "acme", Repo: "boards",
		Ref: "8c4f2e9b0a7d6c5e4f3a2b1c0d9e8f7a6b5c4d3e", Meta: "main",
		EventKind: store.EventPush, Credential: "deploy-key",
		ProviderDeploymentID: 42,
	}
}

func TestProcessSuccessCompletesJobAndDeployment(t *testing.T) {
	h := newHarness(t, &fakeBuilder{snap: okSnapshot("led.circuit.tsx", "power.board.tsx")})
	job := h.claimJob(t, pushMeta(), 0)
	ctx := context.Background()

	h.worker.Process(ctx, job)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.CompletedAt)

	dep, err := h.store.GetDeployment(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentReady, dep.Status)
	assert.Equal(t, 2, dep.TotalSourceFiles)
	assert.NotNil(t, dep.BuildCompletedAt)

	artifacts, err := h.store.ListArtifacts(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)

	// Snapshot on the deployment must be metadata-only.
	var snap compiler.Snapshot
	require.NoError(t, json.Unmarshal(dep.Snapshot, &snap))
	require.Len(t, snap.Files, 2)
	assert.Nil(t, snap.Files[0].OutputJSON)

	assert.Equal(t, []string{"success"}, h.provider.deploymentStates)
}

func TestProcessEmptyWorkspaceIsSuccessWithoutArtifacts(t *testing.T) {
	h := newHarness(t, &fakeBuilder{snap: okSnapshot()})
	meta := pushMeta()
	meta.CreateRelease = true
	job := h.claimJob(t, meta, 0)
	ctx := context.Background()

	h.worker.Process(ctx, job)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status)

	dep, err := h.store.GetDeployment(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentReady, dep.Status)
	assert.Equal(t, 0, dep.TotalSourceFiles)

	artifacts, err := h.store.ListArtifacts(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, artifacts)

	// No release tag for an empty build, even on the release branch.
	assert.Empty(t, h.provider.tagsCreated)
}

func TestProcessRetryableFailureRequeuesWithBackoff(t *testing.T) {
	h := newHarness(t, &fakeBuilder{
		snap: &compiler.Snapshot{Success: false, Files: []compiler.CompiledFile{}},
		err:  errors.Retryable(errors.CategoryCompile, errors.SeverityError, "transient toolchain failure"),
	})
	job := h.claimJob(t, pushMeta(), 0)
	ctx := context.Background()

	before := time.Now()
	h.worker.Process(ctx, job)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 0, got.Progress)
	assert.Empty(t, got.WorkerID)
	assert.Contains(t, got.ErrorMessage, "transient toolchain failure")

	// First retry backs off by the base delay, bounded by the cap.
	assert.WithinDuration(t, before.Add(time.Second), got.NotBefore, 500*time.Millisecond)

	// No terminal deployment state, no notifications.
	dep, err := h.store.GetDeployment(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentPending, dep.Status)
	assert.Empty(t, h.provider.deploymentStates)
}

func TestProcessBackoffIsCapped(t *testing.T) {
	h := newHarness(t, &fakeBuilder{err: errors.Retryable(errors.CategoryNetwork, errors.SeverityError, "flaky")})
	h.worker.policy = retry.Policy{Base: time.Second, Cap: 30 * time.Second, MaxRetries: 10}
	job := h.claimJob(t, pushMeta(), 8)
	ctx := context.Background()

	before := time.Now()
	h.worker.Process(ctx, job)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, got.Status)
	// 1s * 2^8 would be 256s; the cap holds it at 30s.
	assert.WithinDuration(t, before.Add(30*time.Second), got.NotBefore, 500*time.Millisecond)
}

func TestProcessNonRetryableFailureFailsImmediately(t *testing.T) {
	h := newHarness(t, &fakeBuilder{})
	h.fetcher.err = errors.New(errors.CategoryFetch, errors.SeverityError, "archive not accessible (HTTP 404)")
	meta := pushMeta()
	meta.CheckRunID = 7
	job := h.claimJob(t, meta, 0)
	ctx := context.Background()

	h.worker.Process(ctx, job)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got.Status)
	// The failed attempt is counted even when it never retried.
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "404")

	dep, err := h.store.GetDeployment(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentError, dep.Status)

	assert.Equal(t, []string{"failure"}, h.provider.deploymentStates)
	assert.Equal(t, []string{"failure"}, h.provider.checkConclusions)
}

func TestProcessRetryExhaustionFails(t *testing.T) {
	h := newHarness(t, &fakeBuilder{err: errors.Retryable(errors.CategoryNetwork, errors.SeverityError, "still flaky")})
	job := h.claimJob(t, pushMeta(), 3) // max retries already consumed
	ctx := context.Background()

	h.worker.Process(ctx, job)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got.Status)
	// Three requeues plus the final failed attempt.
	assert.Equal(t, 4, got.RetryCount)
}

func TestProcessCancelledJobResultIsDiscarded(t *testing.T) {
	h := newHarness(t, &fakeBuilder{snap: okSnapshot("led.circuit.tsx")})
	job := h.claimJob(t, pushMeta(), 0)
	ctx := context.Background()

	// Operator cancels while the attempt is in flight.
	ok, err := h.store.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	h.worker.Process(ctx, job)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCancelled, got.Status)

	// No deployment mutation, no notifications, no persisted artifacts.
	dep, err := h.store.GetDeployment(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentPending, dep.Status)
	assert.Empty(t, h.provider.deploymentStates)

	artifacts, err := h.store.ListArtifacts(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestProcessPanicCleansWorkspaceAndRequeues(t *testing.T) {
	h := newHarness(t, &fakeBuilder{panicMsg: "boom"})
	job := h.claimJob(t, pushMeta(), 0)
	ctx := context.Background()

	h.worker.Process(ctx, job)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, got.Status)
	assert.Contains(t, got.ErrorMessage, "panicked")

	// The workspace directory handed to the fetcher must be gone.
	require.Len(t, h.fetcher.dests, 1)
	_, statErr := os.Stat(h.fetcher.dests[0])
	assert.True(t, os.IsNotExist(statErr))
}

func TestProcessPullRequestPostsCommentWithArtifactLinks(t *testing.T) {
	h := newHarness(t, &fakeBuilder{snap: okSnapshot("led.circuit.tsx")})
	meta := store.JobMetadata{
		Owner: "acme", Repo: "boards", Ref: "feature-x",
		EventKind: store.EventPullRequest, Meta: "12", Credential: "deploy-key",
	}
	job := h.claimJob(t, meta, 0)
	ctx := context.Background()

	h.worker.Process(ctx, job)

	require.Len(t, h.provider.comments, 1)
	assert.Contains(t, h.provider.comments[0], "Circuit build succeeded")
	assert.Contains(t, h.provider.comments[0], "https://builds.example/api/v1/artifacts/")
}

func TestProcessReleaseTaggingOnMainPush(t *testing.T) {
	h := newHarness(t, &fakeBuilder{snap: okSnapshot("led.circuit.tsx")})
	h.provider.latestTag = &provider.Tag{Name: "v1.2.3", SHA: "old"}
	meta := pushMeta() // sha in ref, branch "main" in meta
	meta.CreateRelease = true
	meta.Context = store.BuildContext{SHA: "headsha", Message: "feat: add amplifier"}
	job := h.claimJob(t, meta, 0)
	ctx := context.Background()

	h.worker.Process(ctx, job)

	assert.Equal(t, []string{"v1.3.0"}, h.provider.tagsCreated)
	assert.Equal(t, []string{"refs/tags/v1.3.0"}, h.provider.refsCreated)
}

func TestProcessReleaseTaggingOnMasterPush(t *testing.T) {
	h := newHarness(t, &fakeBuilder{snap: okSnapshot("led.circuit.tsx")})
	h.provider.latestTag = &provider.Tag{Name: "v0.4.0", SHA: "old"}
	meta := pushMeta()
	meta.Meta = "master"
	meta.CreateRelease = true
	meta.Context = store.BuildContext{SHA: "headsha", Message: "fix typo"}
	job := h.claimJob(t, meta, 0)
	ctx := context.Background()

	h.worker.Process(ctx, job)

	assert.Equal(t, []string{"v0.4.1"}, h.provider.tagsCreated)
}

func TestProcessNoReleaseOffReleaseBranch(t *testing.T) {
	h := newHarness(t, &fakeBuilder{snap: okSnapshot("led.circuit.tsx")})
	meta := pushMeta()
	meta.Meta = "feature-x"
	meta.CreateRelease = true
	meta.Context = store.BuildContext{SHA: "headsha", Message: "feat: wip"}
	job := h.claimJob(t, meta, 0)
	ctx := context.Background()

	h.worker.Process(ctx, job)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status)
	assert.Empty(t, h.provider.tagsCreated)
}

func TestProcessProviderFailureDoesNotFailJob(t *testing.T) {
	h := newHarness(t, &fakeBuilder{snap: okSnapshot("led.circuit.tsx")})
	h.provider.deployStatusErr = errors.Retryable(errors.CategoryProvider, errors.SeverityError, "upstream down")
	job := h.claimJob(t, pushMeta(), 0)
	ctx := context.Background()

	h.worker.Process(ctx, job)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status)
	// The provider failure surfaces in the job log only.
	assert.Contains(t, got.Logs, "deployment status update failed")
}

func TestProgressLogIsTimestampedAndMonotonic(t *testing.T) {
	h := newHarness(t, &fakeBuilder{snap: okSnapshot("led.circuit.tsx")})
	job := h.claimJob(t, pushMeta(), 0)
	ctx := context.Background()

	h.worker.Process(ctx, job)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Logs, "attempt started")
	assert.Contains(t, got.Logs, "source revision fetched")
	assert.Contains(t, got.Logs, "artifact(s) persisted")
}

func TestScaleCompileProgress(t *testing.T) {
	assert.Equal(t, 20, scaleCompileProgress(0))
	assert.Equal(t, 55, scaleCompileProgress(50))
	assert.Equal(t, 90, scaleCompileProgress(100))
	assert.Equal(t, 20, scaleCompileProgress(-5))
	assert.Equal(t, 90, scaleCompileProgress(250))
}
