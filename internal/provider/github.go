// Package provider talks to the upstream source provider's REST API on behalf
// of the worker: deployments, check runs, review comments, and release tags.
// Every call takes its credential explicitly; the client holds no ambient
// auth and never retains a token.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"git.home.luguber.info/inful/boardbuilder/internal/errors"
)

// Client implements the provider capability set against the GitHub REST API.
type Client struct {
	httpClient *http.Client
	apiURL     string
	baseURL    string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Client) { p.httpClient = c }
}

// NewClient creates a provider client for the given API and web base URLs.
func NewClient(apiURL, baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiURL:     apiURL,
		baseURL:    baseURL,
	}
	if c.apiURL == "" {
		c.apiURL = "https://api.github.com"
	}
	if c.baseURL == "" {
		c.baseURL = "https://github.com"
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the web base, used to build human-facing artifact links.
func (c *Client) BaseURL() string { return c.baseURL }

// Deployment is the provider-side deployment record.
type Deployment struct {
	ID          int64  `json:"id"`
	Environment string `json:"environment"`
	SHA         string `json:"sha"`
}

// CheckRun is the provider-side check run record.
type CheckRun struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Tag is a repository tag reference.
type Tag struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
}

// CreateDeployment creates a provider deployment for the ref and returns its id.
func (c *Client) CreateDeployment(ctx context.Context, token, owner, repo, ref, environment string) (*Deployment, error) {
	payload := map[string]any{
		"ref":                    ref,
		"environment":            environment,
		"auto_merge":             false,
		"required_contexts":      []string{},
		"transient_environment":  environment != "production",
		"production_environment": environment == "production",
	}
	var out Deployment
	if err := c.do(ctx, token, http.MethodPost,
		fmt.Sprintf("/repos/%s/%s/deployments", owner, repo), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateDeploymentStatus sets the state of an existing provider deployment.
// state is one of in_progress, success, failure, error, inactive.
func (c *Client) CreateDeploymentStatus(ctx context.Context, token, owner, repo string, deploymentID int64, state, targetURL, description string) error {
	payload := map[string]any{
		"state":       state,
		"description": truncate(description, 140),
	}
	if targetURL != "" {
		payload["environment_url"] = targetURL
		payload["log_url"] = targetURL
	}
	return c.do(ctx, token, http.MethodPost,
		fmt.Sprintf("/repos/%s/%s/deployments/%d/statuses", owner, repo, deploymentID), payload, nil)
}

// CreateCheckRun opens a check run in state in_progress for the head SHA.
func (c *Client) CreateCheckRun(ctx context.Context, token, owner, repo, name, headSHA string) (*CheckRun, error) {
	payload := map[string]any{
		"name":     name,
		"head_sha": headSHA,
		"status":   "in_progress",
	}
	var out CheckRun
	if err := c.do(ctx, token, http.MethodPost,
		fmt.Sprintf("/repos/%s/%s/check-runs", owner, repo), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckRunOutput is the rendered body of a completed check run.
type CheckRunOutput struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// UpdateCheckRun completes a check run. conclusion is success, failure or
// neutral.
func (c *Client) UpdateCheckRun(ctx context.Context, token, owner, repo string, checkRunID int64, conclusion string, output *CheckRunOutput) error {
	payload := map[string]any{
		"status":     "completed",
		"conclusion": conclusion,
	}
	if output != nil {
		payload["output"] = output
	}
	return c.do(ctx, token, http.MethodPatch,
		fmt.Sprintf("/repos/%s/%s/check-runs/%d", owner, repo, checkRunID), payload, nil)
}

// CreateReviewComment posts a comment on a pull request. The provider models
// PR comments as issue comments, so that endpoint is used.
func (c *Client) CreateReviewComment(ctx context.Context, token, owner, repo string, prNumber int, body string) error {
	payload := map[string]any{"body": body}
	return c.do(ctx, token, http.MethodPost,
		fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, prNumber), payload, nil)
}

// GetLatestTag returns the most recent tag, or nil when the repository has no
// tags yet.
func (c *Client) GetLatestTag(ctx context.Context, token, owner, repo string) (*Tag, error) {
	var tags []struct {
		Name   string `json:"name"`
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := c.do(ctx, token, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/tags?per_page=1", owner, repo), nil, &tags); err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return &Tag{Name: tags[0].Name, SHA: tags[0].Commit.SHA}, nil
}

// CreateTag creates an annotated tag object and returns its object SHA. The
// caller still needs CreateRef to make the tag reachable.
func (c *Client) CreateTag(ctx context.Context, token, owner, repo, tag, message, objectSHA string) (string, error) {
	payload := map[string]any{
		"tag":     tag,
		"message": message,
		"object":  objectSHA,
		"type":    "commit",
	}
	var out struct {
		SHA string `json:"sha"`
	}
	if err := c.do(ctx, token, http.MethodPost,
		fmt.Sprintf("/repos/%s/%s/git/tags", owner, repo), payload, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

// CreateRef creates a fully-qualified git reference (e.g. refs/tags/v1.2.3)
// pointing at sha.
func (c *Client) CreateRef(ctx context.Context, token, owner, repo, ref, sha string) error {
	payload := map[string]any{"ref": ref, "sha": sha}
	return c.do(ctx, token, http.MethodPost,
		fmt.Sprintf("/repos/%s/%s/git/refs", owner, repo), payload, nil)
}

func (c *Client) do(ctx context.Context, token, method, endpoint string, body, result any) error {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return errors.Wrap(err, errors.CategoryConfig, errors.SeverityFatal, "invalid provider API URL")
	}
	// path.Join would eat the query string, so split it off first.
	rawPath, rawQuery, _ := strings.Cut(endpoint, "?")
	u.Path = path.Join(u.Path, rawPath)
	u.RawQuery = rawQuery

	var reqBody *strings.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, errors.CategoryInternal, errors.SeverityError, "marshal provider request")
		}
		reqBody = strings.NewReader(string(jsonBody))
	} else {
		reqBody = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, errors.SeverityError, "build provider request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "BoardBuilder/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapRetryable(err, errors.CategoryNetwork, errors.SeverityError, "provider request failed").
			WithContext("endpoint", endpoint)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500:
		return errors.Retryable(errors.CategoryProvider, errors.SeverityError,
			fmt.Sprintf("provider server error: %s", resp.Status)).
			WithContext("endpoint", endpoint)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.New(errors.CategoryAuth, errors.SeverityError,
			fmt.Sprintf("provider rejected credential: %s", resp.Status)).
			WithContext("endpoint", endpoint)
	default:
		return errors.New(errors.CategoryProvider, errors.SeverityError,
			fmt.Sprintf("provider API error: %s", resp.Status)).
			WithContext("endpoint", endpoint)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return errors.Wrap(err, errors.CategoryProvider, errors.SeverityError, "decode provider response")
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
