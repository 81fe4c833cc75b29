// Package fetch downloads a repository revision into a scratch workspace,
// either as a provider tarball or via a shallow git clone.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"git.home.luguber.info/inful/boardbuilder/internal/errors"
	"git.home.luguber.info/inful/boardbuilder/internal/logfields"
)

// Strategy selects how a revision is materialized.
type Strategy string

const (
	StrategyArchive Strategy = "archive"
	StrategyClone   Strategy = "clone"
)

// Spec describes one revision to fetch. Token is the resolved provider
// credential for this call; it is never retained by the fetcher.
type Spec struct {
	Owner      string
	Repo       string
	Ref        string
	Token      string
	ArchiveURL string // optional explicit archive URL; overrides the derived endpoint
	Dest       string // destination directory, owned by the caller
}

// Fetcher downloads and unpacks revision archives.
type Fetcher struct {
	httpClient      *http.Client
	apiURL          string
	baseURL         string
	maxArchiveBytes int64
	strategy        Strategy
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = c }
}

// WithStrategy selects archive download or git clone.
func WithStrategy(s Strategy) Option {
	return func(f *Fetcher) { f.strategy = s }
}

// New creates a Fetcher. apiURL is the provider API base used to derive the
// well-known tarball endpoint; baseURL is the web base used for clone URLs.
func New(apiURL, baseURL string, maxArchiveBytes int64, opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient:      &http.Client{Timeout: 5 * time.Minute},
		apiURL:          apiURL,
		baseURL:         baseURL,
		maxArchiveBytes: maxArchiveBytes,
		strategy:        StrategyArchive,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch materializes the revision into spec.Dest. The method returns only
// after extraction and top-level normalization; the caller owns the
// destination and must eventually discard it.
func (f *Fetcher) Fetch(ctx context.Context, spec Spec) error {
	if spec.Dest == "" {
		return errors.New(errors.CategoryInternal, errors.SeverityError, "fetch destination not set")
	}
	if f.strategy == StrategyClone && spec.ArchiveURL == "" {
		return f.clone(ctx, spec)
	}
	return f.fetchArchive(ctx, spec)
}

func (f *Fetcher) fetchArchive(ctx context.Context, spec Spec) error {
	url := spec.ArchiveURL
	if url == "" {
		url = fmt.Sprintf("%s/repos/%s/%s/tarball/%s", f.apiURL, spec.Owner, spec.Repo, spec.Ref)
	}
	slog.Debug("Fetching revision archive",
		logfields.Repository(spec.Owner+"/"+spec.Repo), logfields.Ref(spec.Ref))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "build archive request")
	}
	if spec.Token != "" {
		req.Header.Set("Authorization", "Bearer "+spec.Token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "BoardBuilder/1.0")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return errors.WrapRetryable(err, errors.CategoryNetwork, errors.SeverityError, "download archive")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return errors.New(errors.CategoryFetch, errors.SeverityError,
			fmt.Sprintf("archive not accessible (HTTP %d)", resp.StatusCode)).
			WithContext("url", url)
	case resp.StatusCode >= 500:
		return errors.Retryable(errors.CategoryNetwork, errors.SeverityError,
			fmt.Sprintf("archive server error (HTTP %d)", resp.StatusCode))
	default:
		return errors.New(errors.CategoryFetch, errors.SeverityError,
			fmt.Sprintf("unexpected archive response (HTTP %d)", resp.StatusCode))
	}

	if resp.ContentLength > 0 && resp.ContentLength > f.maxArchiveBytes {
		return errors.New(errors.CategoryFetch, errors.SeverityError,
			fmt.Sprintf("archive too large: %d bytes exceeds limit of %d", resp.ContentLength, f.maxArchiveBytes))
	}

	tmp, err := os.CreateTemp("", "boardbuilder-archive-*.tar.gz")
	if err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "create archive temp file")
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	// Limit to one byte past the cap so an oversized body without a
	// Content-Length header is still rejected.
	written, err := io.Copy(tmp, io.LimitReader(resp.Body, f.maxArchiveBytes+1))
	if err != nil {
		return errors.WrapRetryable(err, errors.CategoryNetwork, errors.SeverityError, "archive transfer truncated")
	}
	if written > f.maxArchiveBytes {
		return errors.New(errors.CategoryFetch, errors.SeverityError,
			fmt.Sprintf("archive too large: body exceeds limit of %d bytes", f.maxArchiveBytes))
	}
	if resp.ContentLength > 0 && written < resp.ContentLength {
		return errors.Retryable(errors.CategoryNetwork, errors.SeverityError,
			fmt.Sprintf("archive transfer truncated: got %d of %d bytes", written, resp.ContentLength))
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "rewind archive temp file")
	}
	if err := extractTarGz(tmp, spec.Dest); err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "invalid archive")
	}
	if err := stripWrapperDir(spec.Dest); err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "normalize archive layout")
	}

	slog.Debug("Revision archive extracted", logfields.Path(spec.Dest))
	return nil
}
