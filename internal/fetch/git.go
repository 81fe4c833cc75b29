package fetch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"git.home.luguber.info/inful/boardbuilder/internal/errors"
	"git.home.luguber.info/inful/boardbuilder/internal/logfields"
)

// clone materializes the revision with go-git. Used when the deployment is
// configured with the clone strategy (no archive endpoint available).
func (f *Fetcher) clone(ctx context.Context, spec Spec) error {
	cloneURL := strings.TrimSuffix(f.baseURL, "/") + "/" + spec.Owner + "/" + spec.Repo + ".git"
	slog.Debug("Cloning revision", logfields.Repository(spec.Owner+"/"+spec.Repo), logfields.Ref(spec.Ref))

	opts := &gogit.CloneOptions{URL: cloneURL}
	if spec.Token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: spec.Token}
	}
	if !isCommitSHA(spec.Ref) {
		opts.ReferenceName = plumbing.ReferenceName("refs/heads/" + spec.Ref)
		opts.SingleBranch = true
		opts.Depth = 1
	}

	repo, err := gogit.PlainCloneContext(ctx, spec.Dest, false, opts)
	if err != nil {
		return classifyCloneError(cloneURL, err)
	}

	if isCommitSHA(spec.Ref) {
		wt, err := repo.Worktree()
		if err != nil {
			return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "open worktree")
		}
		if err := wt.Checkout(&gogit.CheckoutOptions{Hash: plumbing.NewHash(spec.Ref)}); err != nil {
			return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "checkout revision").
				WithContext("ref", spec.Ref)
		}
	}

	// The compile step must only see source files.
	if err := os.RemoveAll(filepath.Join(spec.Dest, ".git")); err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "remove git metadata")
	}
	return nil
}

// isCommitSHA reports whether ref looks like a full or abbreviated hex sha.
func isCommitSHA(ref string) bool {
	if len(ref) < 7 || len(ref) > 40 {
		return false
	}
	for _, c := range ref {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// classifyCloneError maps go-git failures onto retryable/non-retryable
// classes without string parsing upstream.
func classifyCloneError(url string, err error) error {
	l := strings.ToLower(err.Error())
	switch {
	case strings.Contains(l, "authentication") || strings.Contains(l, "authorization"):
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "repository access denied").
			WithContext("url", url)
	case strings.Contains(l, "not found") || strings.Contains(l, "repository does not exist"):
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "repository not found").
			WithContext("url", url)
	default:
		return errors.WrapRetryable(err, errors.CategoryNetwork, errors.SeverityError, "clone repository").
			WithContext("url", url)
	}
}
