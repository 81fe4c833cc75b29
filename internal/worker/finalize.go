package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"git.home.luguber.info/inful/boardbuilder/internal/compiler"
	"git.home.luguber.info/inful/boardbuilder/internal/logfields"
	"git.home.luguber.info/inful/boardbuilder/internal/provider"
	"git.home.luguber.info/inful/boardbuilder/internal/store"
)

// finalize runs the provider notification sequence after the terminal job
// transition has been written. Every step is independent and best-effort: a
// provider failure is logged into the job log and never changes the build
// outcome.
func (w *Worker) finalize(ctx context.Context, job *store.Job, snap *compiler.Snapshot, success bool, errorMessage string) {
	if w.provider == nil {
		return
	}
	meta := job.Metadata
	token := w.resolve(meta.Credential)
	if token == "" {
		w.logFinalize(ctx, job.ID, "no credential resolved; skipping provider notifications")
		return
	}

	if meta.ProviderDeploymentID != 0 {
		state, description := "success", fmt.Sprintf("%d circuit file(s) built", len(snap.Files))
		if !success {
			state, description = "failure", errorMessage
		}
		if err := w.provider.CreateDeploymentStatus(ctx, token, meta.Owner, meta.Repo,
			meta.ProviderDeploymentID, state, w.deploymentURL(job.DeploymentID), description); err != nil {
			w.logFinalize(ctx, job.ID, fmt.Sprintf("deployment status update failed: %v", err))
		}
	}

	if meta.EventKind == store.EventPullRequest {
		w.commentOnPullRequest(ctx, job, snap, token, success, errorMessage)
	}

	if meta.CheckRunID != 0 {
		conclusion := "success"
		title := fmt.Sprintf("Circuit build succeeded (%d file(s))", len(snap.Files))
		summary := w.checkRunSummary(snap)
		if !success {
			conclusion = "failure"
			title = "Circuit build failed"
			summary = errorMessage
		}
		if err := w.provider.UpdateCheckRun(ctx, token, meta.Owner, meta.Repo, meta.CheckRunID,
			conclusion, &provider.CheckRunOutput{Title: title, Summary: summary}); err != nil {
			w.logFinalize(ctx, job.ID, fmt.Sprintf("check run update failed: %v", err))
		}
	}

	if success && meta.CreateRelease && meta.EventKind == store.EventPush && isReleaseBranch(pushBranch(meta)) {
		// No release for builds that produced nothing.
		if len(snap.Files) > 0 {
			w.cutRelease(ctx, job, token)
		}
	}
}

// pushBranch returns the branch a push build came from. Push requests carry
// the commit sha in ref and the branch name in meta; older callers that put
// the branch in ref leave meta empty.
func pushBranch(meta store.JobMetadata) string {
	if meta.Meta != "" {
		return meta.Meta
	}
	return meta.Ref
}

// isReleaseBranch reports whether pushes to the branch may cut a release.
func isReleaseBranch(name string) bool {
	return name == "main" || name == "master"
}

// commentOnPullRequest posts the build result with artifact links on the
// originating pull request. Meta carries the PR number for pull_request
// deployments.
func (w *Worker) commentOnPullRequest(ctx context.Context, job *store.Job, snap *compiler.Snapshot, token string, success bool, errorMessage string) {
	prNumber, err := strconv.Atoi(job.Metadata.Meta)
	if err != nil {
		w.logFinalize(ctx, job.ID, fmt.Sprintf("pull request number %q is not numeric; skipping comment", job.Metadata.Meta))
		return
	}

	var body strings.Builder
	if success {
		fmt.Fprintf(&body, "**Circuit build succeeded** — %d file(s) compiled in %.1fs\n",
			len(snap.Files), snap.BuildTimeSeconds)
		artifacts, listErr := w.store.ListArtifacts(ctx, job.ID)
		if listErr != nil {
			w.logFinalize(ctx, job.ID, fmt.Sprintf("artifact listing for comment failed: %v", listErr))
		}
		if len(artifacts) > 0 && w.cfg.PublicBaseURL != "" {
			body.WriteString("\n| File | Artifact |\n| --- | --- |\n")
			for _, a := range artifacts {
				fmt.Fprintf(&body, "| `%s` | [download](%s) |\n", a.FilePath, w.artifactURL(a.ID))
			}
		}
	} else {
		fmt.Fprintf(&body, "**Circuit build failed**\n\n```\n%s\n```\n", errorMessage)
	}

	if err := w.provider.CreateReviewComment(ctx, token, job.Metadata.Owner, job.Metadata.Repo,
		prNumber, body.String()); err != nil {
		w.logFinalize(ctx, job.ID, fmt.Sprintf("pull request comment failed: %v", err))
	}
}

// cutRelease computes the next semver from the latest tag and the head commit
// message, then creates the annotated tag and its ref.
func (w *Worker) cutRelease(ctx context.Context, job *store.Job, token string) {
	meta := job.Metadata

	latest, err := w.provider.GetLatestTag(ctx, token, meta.Owner, meta.Repo)
	if err != nil {
		w.logFinalize(ctx, job.ID, fmt.Sprintf("latest tag lookup failed: %v", err))
		return
	}
	latestName := ""
	if latest != nil {
		latestName = latest.Name
	}

	next, err := provider.NextSemver(latestName, meta.Context.Message)
	if err != nil {
		w.logFinalize(ctx, job.ID, fmt.Sprintf("version computation failed: %v", err))
		return
	}

	sha := meta.Context.SHA
	if sha == "" {
		w.logFinalize(ctx, job.ID, "no commit sha in build context; skipping release tag")
		return
	}

	tagSHA, err := w.provider.CreateTag(ctx, token, meta.Owner, meta.Repo, next,
		fmt.Sprintf("Release %s", next), sha)
	if err != nil {
		w.logFinalize(ctx, job.ID, fmt.Sprintf("tag creation failed: %v", err))
		return
	}
	if err := w.provider.CreateRef(ctx, token, meta.Owner, meta.Repo, "refs/tags/"+next, tagSHA); err != nil {
		w.logFinalize(ctx, job.ID, fmt.Sprintf("tag ref creation failed: %v", err))
		return
	}

	w.logFinalize(ctx, job.ID, fmt.Sprintf("release %s tagged", next))
	slog.Info("Release tagged",
		logfields.JobID(job.ID),
		logfields.Repository(meta.Owner+"/"+meta.Repo),
		slog.String("tag", next))
}

func (w *Worker) checkRunSummary(snap *compiler.Snapshot) string {
	if len(snap.Files) == 0 {
		return "No circuit source files found."
	}
	var b strings.Builder
	for _, f := range snap.Files {
		fmt.Fprintf(&b, "- `%s`\n", f.Path)
	}
	return b.String()
}

func (w *Worker) deploymentURL(deploymentID string) string {
	if w.cfg.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(w.cfg.PublicBaseURL, "/") + "/api/v1/deployments/" + deploymentID
}

func (w *Worker) artifactURL(artifactID string) string {
	return strings.TrimSuffix(w.cfg.PublicBaseURL, "/") + "/api/v1/artifacts/" + artifactID
}

// logFinalize appends a finalize diagnostic to the job log. The job is
// already terminal, so this is observational only.
func (w *Worker) logFinalize(ctx context.Context, jobID, message string) {
	line := fmt.Sprintf("[%s] finalize: %s\n", time.Now().UTC().Format(time.RFC3339), message)
	if err := w.store.AppendJobLog(ctx, jobID, line); err != nil {
		slog.Warn("Failed to append finalize log", logfields.JobID(jobID), logfields.Error(err))
	}
	slog.Debug("Finalize step", logfields.JobID(jobID), slog.String("detail", message))
}
