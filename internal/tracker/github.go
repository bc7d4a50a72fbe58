// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/loomhq/loom/internal/apperr"
	"github.com/loomhq/loom/internal/tracing"
	"github.com/loomhq/loom/internal/tracker/tokencache"
	"github.com/loomhq/loom/pkg/httpclient"
)

// GitHubConfig configures the REST client.
type GitHubConfig struct {
	// BaseURL defaults to the public API host.
	BaseURL string
	// InstallationID selects the token to authenticate with.
	InstallationID int64
	// Timeout bounds each API call. Default 30s.
	Timeout time.Duration
	// RequestsPerSecond throttles outbound calls independent of the
	// retry layer's backoff. Default 10.
	RequestsPerSecond float64
	// UserAgent identifies this service to the remote.
	UserAgent string
}

func (c GitHubConfig) withDefaults() GitHubConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.github.com"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 10
	}
	if c.UserAgent == "" {
		c.UserAgent = "loom/1.0"
	}
	return c
}

// GitHubClient is the Client implementation against the GitHub REST
// API. Each call authenticates with an installation token from the
// cache, refreshing once on 401. A circuit breaker sits in front of
// the host: after a run of transient failures it opens and calls
// short-circuit with a terminal error instead of retrying into a dead
// host.
type GitHubClient struct {
	cfg     GitHubConfig
	http    *http.Client
	tokens  *tokencache.Cache
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewGitHubClient builds the REST client.
func NewGitHubClient(cfg GitHubConfig, tokens *tokencache.Cache, logger *slog.Logger) (*GitHubClient, error) {
	cfg = cfg.withDefaults()

	hcfg := httpclient.DefaultConfig()
	hcfg.Timeout = cfg.Timeout
	hcfg.UserAgent = cfg.UserAgent
	// The retry layer owns retries; the transport must not stack its own.
	hcfg.RetryAttempts = 0
	client, err := httpclient.New(hcfg)
	if err != nil {
		return nil, fmt.Errorf("tracker: build http client: %w", err)
	}
	// Outbound calls carry the request's correlation id.
	client = tracing.WrapHTTPClient(client)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "github",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 60 * time.Second,
	})

	return &GitHubClient{
		cfg:     cfg,
		http:    client,
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		breaker: breaker,
		logger:  logger,
	}, nil
}

// outcome carries a terminal application error through the breaker as
// a "success" so only transient failures trip it.
type outcome struct {
	body []byte
	err  error
}

func (c *GitHubClient) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	res, err := c.breaker.Execute(func() (any, error) {
		o := c.roundTrip(ctx, method, path, body)
		if o.err != nil {
			var transient *apperr.TransientRemoteError
			if errors.As(o.err, &transient) {
				return nil, o.err
			}
		}
		return o, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &apperr.TerminalRemoteError{Message: "circuit open: remote host unavailable", Cause: err}
		}
		return err
	}

	o := res.(outcome)
	if o.err != nil {
		return o.err
	}
	if out != nil && len(o.body) > 0 {
		if err := json.Unmarshal(o.body, out); err != nil {
			return fmt.Errorf("tracker: decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *GitHubClient) roundTrip(ctx context.Context, method, path string, body any) outcome {
	resp, respBody, err := c.send(ctx, method, path, body, false)
	if err != nil {
		return outcome{err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Token may have expired server-side: refresh once and retry.
		c.tokens.Invalidate(c.cfg.InstallationID)
		resp, respBody, err = c.send(ctx, method, path, body, true)
		if err != nil {
			return outcome{err: err}
		}
	}
	if err := classifyStatus(resp, respBody); err != nil {
		return outcome{err: err}
	}
	return outcome{body: respBody}
}

func (c *GitHubClient) send(ctx context.Context, method, path string, body any, retried bool) (*http.Response, []byte, error) {
	token, err := c.tokens.Token(ctx, c.cfg.InstallationID)
	if err != nil {
		return nil, nil, fmt.Errorf("tracker: obtain token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("tracker: marshal request: %w", err)
		}
		reader = bytes.NewReader(blob)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		class := apperr.RemoteClassNetwork
		if ctx.Err() != nil {
			class = apperr.RemoteClassTimeout
		}
		return nil, nil, &apperr.TransientRemoteError{Class: class, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &apperr.TransientRemoteError{Class: apperr.RemoteClassNetwork, Cause: err}
	}
	if retried {
		c.logger.Debug("retried request after token refresh",
			slog.String("method", method), slog.String("path", path),
			slog.Int("status", resp.StatusCode))
	}
	return resp, respBody, nil
}

// classifyStatus maps an HTTP status to the module's error taxonomy:
// 429 and 5xx are transient, other 4xx terminal.
func classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &apperr.TransientRemoteError{
			Class:      apperr.RemoteClassRateLimit,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("rate limited: %s", truncate(body)),
		}
	case resp.StatusCode >= 500:
		return &apperr.TransientRemoteError{
			Class:      apperr.RemoteClassServerError,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("server error: %s", truncate(body)),
		}
	default:
		return &apperr.TerminalRemoteError{
			StatusCode: resp.StatusCode,
			Message:    truncate(body),
		}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// ghIssue is the wire shape; labels and assignees arrive as objects.
type ghIssue struct {
	Number   int        `json:"number"`
	Title    string     `json:"title"`
	Body     string     `json:"body"`
	State    string     `json:"state"`
	HTMLURL  string     `json:"html_url"`
	ClosedAt *time.Time `json:"closed_at"`
	Labels   []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
	UpdatedAtRaw string `json:"updated_at"`
}

func (g ghIssue) toRemote() *RemoteIssue {
	r := &RemoteIssue{
		Number:   g.Number,
		Title:    g.Title,
		Body:     g.Body,
		State:    g.State,
		HTMLURL:  g.HTMLURL,
		ClosedAt: g.ClosedAt,
	}
	for _, l := range g.Labels {
		r.Labels = append(r.Labels, l.Name)
	}
	for _, a := range g.Assignees {
		r.Assignees = append(r.Assignees, a.Login)
	}
	if t, err := time.Parse(time.RFC3339, g.UpdatedAtRaw); err == nil {
		r.UpdatedAt = t
	}
	return r
}

func (c *GitHubClient) CreateIssue(ctx context.Context, owner, repo string, req IssueRequest) (*RemoteIssue, error) {
	var out ghIssue
	path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return out.toRemote(), nil
}

func (c *GitHubClient) UpdateIssue(ctx context.Context, owner, repo string, number int, req IssueRequest) (*RemoteIssue, error) {
	var out ghIssue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	if err := c.do(ctx, http.MethodPatch, path, req, &out); err != nil {
		return nil, err
	}
	return out.toRemote(), nil
}

func (c *GitHubClient) GetIssue(ctx context.Context, owner, repo string, number int) (*RemoteIssue, error) {
	var out ghIssue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.toRemote(), nil
}

func (c *GitHubClient) ListIssues(ctx context.Context, owner, repo string, opts ListOptions) ([]*RemoteIssue, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	} else {
		q.Set("state", "all")
	}
	if len(opts.Labels) > 0 {
		q.Set("labels", strings.Join(opts.Labels, ","))
	}
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	perPage := opts.PerPage
	if perPage == 0 {
		perPage = 100
	}
	q.Set("per_page", strconv.Itoa(perPage))

	var all []*RemoteIssue
	for page := 1; ; page++ {
		q.Set("page", strconv.Itoa(page))
		path := fmt.Sprintf("/repos/%s/%s/issues?%s", owner, repo, q.Encode())

		var batch []ghIssue
		if err := c.do(ctx, http.MethodGet, path, nil, &batch); err != nil {
			return nil, err
		}
		for _, g := range batch {
			all = append(all, g.toRemote())
		}
		if len(batch) < perPage {
			return all, nil
		}
	}
}

func (c *GitHubClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, repo, number)
	return c.do(ctx, http.MethodPost, path, map[string][]string{"labels": labels}, nil)
}

func (c *GitHubClient) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels/%s", owner, repo, number, url.PathEscape(label))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *GitHubClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	return c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, nil)
}

func (c *GitHubClient) CreatePullRequest(ctx context.Context, owner, repo string, req PullRequestRequest) (*PullRequest, error) {
	var out PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *GitHubClient) MergePullRequest(ctx context.Context, owner, repo string, number int) error {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number)
	return c.do(ctx, http.MethodPut, path, map[string]string{}, nil)
}

var _ Client = (*GitHubClient)(nil)
