// Package worker executes claimed build jobs: fetch the revision, compile the
// circuit sources, persist artifacts, and drive the job and its deployment to
// a terminal state. Provider notifications are best-effort and never change a
// build outcome.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/boardbuilder/internal/compiler"
	"git.home.luguber.info/inful/boardbuilder/internal/errors"
	"git.home.luguber.info/inful/boardbuilder/internal/events"
	"git.home.luguber.info/inful/boardbuilder/internal/fetch"
	"git.home.luguber.info/inful/boardbuilder/internal/logfields"
	"git.home.luguber.info/inful/boardbuilder/internal/metrics"
	"git.home.luguber.info/inful/boardbuilder/internal/provider"
	"git.home.luguber.info/inful/boardbuilder/internal/retry"
	"git.home.luguber.info/inful/boardbuilder/internal/store"
	"git.home.luguber.info/inful/boardbuilder/internal/workspace"
)

// Progress anchors for the fixed attempt steps. The compile step scales its
// own progress into the 20..90 band.
const (
	progressInit      = 5
	progressFetched   = 20
	progressCompiled  = 90
	progressArtifacts = 95
	progressDone      = 100
)

// Fetcher materializes one revision into a destination directory.
type Fetcher interface {
	Fetch(ctx context.Context, spec fetch.Spec) error
}

// Builder compiles the circuit sources under a workspace root.
type Builder interface {
	Compile(ctx context.Context, root string, progress compiler.ProgressFunc) (*compiler.Snapshot, error)
}

// Provider is the capability subset the worker needs for finalization.
type Provider interface {
	CreateDeploymentStatus(ctx context.Context, token, owner, repo string, deploymentID int64, state, targetURL, description string) error
	UpdateCheckRun(ctx context.Context, token, owner, repo string, checkRunID int64, conclusion string, output *provider.CheckRunOutput) error
	CreateReviewComment(ctx context.Context, token, owner, repo string, prNumber int, body string) error
	GetLatestTag(ctx context.Context, token, owner, repo string) (*provider.Tag, error)
	CreateTag(ctx context.Context, token, owner, repo, tag, message, objectSHA string) (string, error)
	CreateRef(ctx context.Context, token, owner, repo, ref, sha string) error
}

// CredentialResolver maps a credential handle from job metadata to a token.
// An unknown handle resolves to the empty string (unauthenticated).
type CredentialResolver func(handle string) string

// Config carries the worker's static settings.
type Config struct {
	WorkspaceRoot string
	PublicBaseURL string // external base for artifact links in notifications
}

// Worker turns one claimed job into a terminal job state. It is stateless
// across jobs and safe to share between pool goroutines.
type Worker struct {
	store    store.Store
	fetcher  Fetcher
	builder  Builder
	provider Provider
	resolve  CredentialResolver
	policy   retry.Policy
	cfg      Config
	emitter  events.Emitter
	metrics  metrics.Recorder
}

// New creates a Worker.
func New(st store.Store, fetcher Fetcher, builder Builder, prov Provider,
	resolve CredentialResolver, policy retry.Policy, cfg Config,
	emitter events.Emitter, rec metrics.Recorder) *Worker {
	if resolve == nil {
		resolve = func(string) string { return "" }
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Worker{
		store: st, fetcher: fetcher, builder: builder, provider: prov,
		resolve: resolve, policy: policy, cfg: cfg, emitter: emitter, metrics: rec,
	}
}

// Process runs one attempt for the claimed job and applies exactly one
// terminal transition: completed, re-queued with backoff, or failed.
func (w *Worker) Process(ctx context.Context, job *store.Job) {
	start := time.Now()

	snap, err := w.runAttempt(ctx, job)
	if err != nil {
		w.settleFailure(ctx, job, snap, err, start)
		return
	}
	w.settleSuccess(ctx, job, snap, start)
}

// runAttempt performs fetch and compile. The workspace is removed on every
// exit path, panics included.
func (w *Worker) runAttempt(ctx context.Context, job *store.Job) (snap *compiler.Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Job attempt panicked", logfields.JobID(job.ID), slog.Any("panic", r))
			err = errors.Retryable(errors.CategoryInternal, errors.SeverityError,
				fmt.Sprintf("attempt panicked: %v", r))
		}
	}()

	w.progress(ctx, job.ID, progressInit, "attempt started, preparing workspace")

	ws, err := workspace.New(w.cfg.WorkspaceRoot, job.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, errors.SeverityError, "create workspace")
	}
	defer func() {
		if cleanupErr := ws.Cleanup(); cleanupErr != nil {
			slog.Warn("Workspace cleanup failed", logfields.JobID(job.ID), logfields.Error(cleanupErr))
		}
	}()

	meta := job.Metadata
	token := w.resolve(meta.Credential)

	fetchStart := time.Now()
	err = w.fetcher.Fetch(ctx, fetch.Spec{
		Owner:      meta.Owner,
		Repo:       meta.Repo,
		Ref:        meta.Ref,
		Token:      token,
		ArchiveURL: meta.ArchiveURL,
		Dest:       ws.Root(),
	})
	w.metrics.ObserveStageDuration("fetch", time.Since(fetchStart))
	if err != nil {
		return nil, err
	}
	w.progress(ctx, job.ID, progressFetched, "source revision fetched")

	compileStart := time.Now()
	snap, err = w.builder.Compile(ctx, ws.Root(), func(_ string, p int, message string) {
		w.progress(ctx, job.ID, scaleCompileProgress(p), message)
	})
	w.metrics.ObserveStageDuration("compile", time.Since(compileStart))
	if err != nil {
		return snap, err
	}

	return snap, nil
}

// persistArtifacts writes the compiled outputs in one batch. It runs only
// after the completed transition is won, so a discarded attempt leaves no
// artifact rows behind. The job is already terminal; a store failure here is
// logged into the job log and finalize proceeds without artifact links.
func (w *Worker) persistArtifacts(ctx context.Context, job *store.Job, snap *compiler.Snapshot) {
	if len(snap.Files) == 0 {
		return
	}
	artifacts := make([]store.Artifact, len(snap.Files))
	now := time.Now()
	for i, f := range snap.Files {
		artifacts[i] = store.Artifact{
			ID:            uuid.NewString(),
			JobID:         job.ID,
			DeploymentID:  job.DeploymentID,
			FileName:      f.Name,
			FilePath:      f.Path,
			FileSizeBytes: f.Metadata.SizeBytes,
			Payload:       f.OutputJSON,
			CreatedAt:     now,
		}
	}
	if err := w.store.InsertArtifacts(ctx, artifacts); err != nil {
		slog.Error("Failed to persist artifacts", logfields.JobID(job.ID), logfields.Error(err))
		w.progress(ctx, job.ID, progressArtifacts,
			fmt.Sprintf("artifact persistence failed: %v", err))
		return
	}
	w.progress(ctx, job.ID, progressArtifacts,
		fmt.Sprintf("%d artifact(s) persisted", len(artifacts)))
}

// settleSuccess applies the completed transition, updates the deployment, and
// runs the best-effort notification sequence.
func (w *Worker) settleSuccess(ctx context.Context, job *store.Job, snap *compiler.Snapshot, start time.Time) {
	applied, err := w.store.CompleteJob(ctx, job.ID)
	if err != nil {
		slog.Error("Failed to complete job", logfields.JobID(job.ID), logfields.Error(err))
		return
	}
	if !applied {
		// The job left processing externally (cancellation); the result is
		// discarded and nothing downstream is notified or persisted.
		slog.Info("Job result discarded", logfields.JobID(job.ID))
		w.metrics.IncJobOutcome("cancelled")
		return
	}

	w.persistArtifacts(ctx, job, snap)
	w.progress(ctx, job.ID, progressDone, "build complete")

	duration := time.Since(start)
	w.updateDeployment(ctx, job, snap, store.DeploymentReady, duration)

	w.finalize(ctx, job, snap, true, "")

	slog.Info("Job completed",
		logfields.JobID(job.ID),
		logfields.DeploymentID(job.DeploymentID),
		slog.Int("source_files", len(snap.Files)),
		logfields.DurationMS(duration.Milliseconds()))
	w.metrics.ObserveJobDuration(duration)
	w.metrics.IncJobOutcome("completed")
	w.emit(ctx, events.JobEvent{
		Type: events.JobCompleted, JobID: job.ID, DeploymentID: job.DeploymentID,
		DurationMS: duration.Milliseconds(),
	})
}

// settleFailure applies exactly one transition: re-queue with deferred
// backoff when the error is retryable and budget remains, terminal failed
// otherwise.
func (w *Worker) settleFailure(ctx context.Context, job *store.Job, snap *compiler.Snapshot, attemptErr error, start time.Time) {
	retryable := errors.IsRetryable(attemptErr)
	category := string(errors.GetCategory(attemptErr))

	if retryable && !w.policy.Exhausted(job.RetryCount) {
		delay := w.policy.Delay(job.RetryCount + 1)
		notBefore := time.Now().Add(delay)
		applied, err := w.store.RequeueJob(ctx, job.ID, notBefore, attemptErr.Error())
		if err != nil {
			slog.Error("Failed to requeue job", logfields.JobID(job.ID), logfields.Error(err))
			return
		}
		if !applied {
			slog.Info("Job result discarded", logfields.JobID(job.ID))
			w.metrics.IncJobOutcome("cancelled")
			return
		}
		slog.Warn("Job requeued after transient failure",
			logfields.JobID(job.ID),
			logfields.RetryCount(job.RetryCount+1),
			slog.Duration("backoff", delay),
			logfields.Error(attemptErr))
		w.metrics.IncJobRetry(category)
		w.emit(ctx, events.JobEvent{
			Type: events.JobRequeued, JobID: job.ID, DeploymentID: job.DeploymentID,
			RetryCount: job.RetryCount + 1, Error: attemptErr.Error(),
		})
		return
	}

	applied, err := w.store.FailJob(ctx, job.ID, attemptErr.Error())
	if err != nil {
		slog.Error("Failed to fail job", logfields.JobID(job.ID), logfields.Error(err))
		return
	}
	if !applied {
		slog.Info("Job result discarded", logfields.JobID(job.ID))
		w.metrics.IncJobOutcome("cancelled")
		return
	}
	if retryable {
		w.metrics.IncRetryExhausted(category)
	}

	duration := time.Since(start)
	if snap == nil {
		snap = &compiler.Snapshot{Success: false, Files: []compiler.CompiledFile{}, Error: attemptErr.Error()}
	}
	w.updateDeployment(ctx, job, snap, store.DeploymentError, duration)

	w.finalize(ctx, job, snap, false, attemptErr.Error())

	slog.Error("Job failed",
		logfields.JobID(job.ID),
		logfields.DeploymentID(job.DeploymentID),
		logfields.RetryCount(job.RetryCount+1),
		logfields.Error(attemptErr))
	w.metrics.ObserveJobDuration(duration)
	w.metrics.IncJobOutcome("failed")
	w.emit(ctx, events.JobEvent{
		Type: events.JobFailed, JobID: job.ID, DeploymentID: job.DeploymentID,
		RetryCount: job.RetryCount + 1, Error: attemptErr.Error(), DurationMS: duration.Milliseconds(),
	})
}

// updateDeployment writes the terminal deployment row. Only the snapshot's
// metadata is stored; per-file payloads live in the artifact table.
func (w *Worker) updateDeployment(ctx context.Context, job *store.Job, snap *compiler.Snapshot, status store.DeploymentStatus, duration time.Duration) {
	snapJSON, err := json.Marshal(snap.MetadataOnly())
	if err != nil {
		slog.Error("Failed to marshal snapshot", logfields.JobID(job.ID), logfields.Error(err))
		snapJSON = nil
	}
	if err := w.store.UpdateDeployment(ctx, job.DeploymentID, store.DeploymentUpdate{
		Status:               status,
		BuildDurationSeconds: duration.Seconds(),
		CompletedAt:          time.Now(),
		TotalSourceFiles:     len(snap.Files),
		Snapshot:             snapJSON,
	}); err != nil {
		slog.Error("Failed to update deployment",
			logfields.DeploymentID(job.DeploymentID), logfields.Error(err))
	}
}

// progress writes a progress value and a timestamped log line in one store
// call. Progress never moves backwards; the store clamps it.
func (w *Worker) progress(ctx context.Context, jobID string, p int, message string) {
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), message)
	if err := w.store.UpdateJobProgress(ctx, jobID, p, line); err != nil {
		slog.Warn("Failed to record progress", logfields.JobID(jobID), logfields.Error(err))
	}
}

func (w *Worker) emit(ctx context.Context, ev events.JobEvent) {
	if err := w.emitter.Emit(ctx, ev); err != nil {
		slog.Warn("Failed to emit job event", logfields.JobID(ev.JobID), logfields.Error(err))
	}
}

// scaleCompileProgress maps the compiler's 0..100 progress into the attempt's
// 20..90 band.
func scaleCompileProgress(p int) int {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	scaled := progressFetched + (p*70)/100
	if scaled > progressCompiled {
		return progressCompiled
	}
	return scaled
}
