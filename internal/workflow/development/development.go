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

// Package development is the canonical orchestration: implement the
// issue in a sandbox, self-review, open a PR, wait (possibly days) for
// a human approval event, merge, close, and unblock dependents. The
// body is pure control flow; every side effect lives inside a named
// step so a replay after a crash re-runs nothing that already
// committed.
package development

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/agentmatch"
	"github.com/loomhq/loom/internal/apperr"
	"github.com/loomhq/loom/internal/dag"
	"github.com/loomhq/loom/internal/issue"
	"github.com/loomhq/loom/internal/retry"
	"github.com/loomhq/loom/internal/step"
	"github.com/loomhq/loom/internal/tracker"
)

// WorkflowName is the runtime registration key.
const WorkflowName = "development"

// ApprovalEvent is the event name the PR-approval webhook delivers.
const ApprovalEvent = "pr_approved"

// Params is the trigger payload.
type Params struct {
	Owner          string `json:"owner"`
	Repo           string `json:"repo"`
	InstallationID int64  `json:"installation_id"`
	IssueID        string `json:"issue_id"`
	AgentID        string `json:"agent_id"`
	Context        string `json:"context,omitempty"`
}

// Config wires the workflow's collaborators.
type Config struct {
	Store    issue.Store
	Registry *agentmatch.Registry
	Client   tracker.Client
	// SandboxRetrier wraps agent backend calls; GitHubRetrier wraps
	// remote tracker calls. They carry different budgets: a sandbox
	// run is minutes, a REST call seconds.
	SandboxRetrier *retry.Retrier
	GitHubRetrier  *retry.Retrier
	// ApprovalTimeout bounds the pr_approved wait. Default 7 days.
	ApprovalTimeout time.Duration
	// BaseBranch is the PR target. Default "main".
	BaseBranch string
	Logger     *slog.Logger
	Now        func() time.Time
}

// Workflow is the registered development workflow.
type Workflow struct {
	cfg   Config
	graph *dag.Engine
}

// New builds the workflow.
func New(cfg Config) *Workflow {
	if cfg.ApprovalTimeout == 0 {
		cfg.ApprovalTimeout = 7 * 24 * time.Hour
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Workflow{cfg: cfg, graph: dag.New(cfg.Store)}
}

// Register binds the workflow body to the runtime.
func (w *Workflow) Register(rt *step.Runtime) error {
	return rt.Register(WorkflowName, w.Run)
}

// Run is the workflow body.
func (w *Workflow) Run(c *step.Context) error {
	var p Params
	if err := c.UnmarshalParams(&p); err != nil {
		return fmt.Errorf("development: decode params: %w", err)
	}

	if _, err := step.Do(c, "update-in-progress", func(ctx context.Context) (string, error) {
		return "ok", w.setStatus(p.IssueID, issue.StatusInProgress)
	}); err != nil {
		return err
	}

	exec, err := step.Do(c, "execute", func(ctx context.Context) (*agentmatch.ExecuteResult, error) {
		return w.execute(ctx, p)
	})
	if err != nil {
		return err
	}

	if exec.FilesChanged == 0 {
		_, err := step.Do(c, "close-noop", func(ctx context.Context) (string, error) {
			return "no changes", w.closeIssue(ctx, p, "no changes required")
		})
		return err
	}

	review, err := step.Do(c, "review", func(ctx context.Context) (*agentmatch.ReviewResult, error) {
		return w.review(ctx, p, exec)
	})
	if err != nil {
		return err
	}

	if !review.Approved {
		if _, err := step.Do(c, "post-review-comments", func(ctx context.Context) (int, error) {
			return len(review.Comments), w.postReviewComments(ctx, p, review)
		}); err != nil {
			return err
		}
		if _, err := step.Do(c, "mark-blocked", func(ctx context.Context) (string, error) {
			return "blocked", w.setStatus(p.IssueID, issue.StatusBlocked)
		}); err != nil {
			return err
		}
		return &apperr.ReviewRejectedError{IssueID: p.IssueID, Summary: review.Summary}
	}

	pr, err := step.Do(c, "open-pr", func(ctx context.Context) (*tracker.PullRequest, error) {
		return w.openPR(ctx, p, exec)
	})
	if err != nil {
		return err
	}

	if _, err := c.WaitForEvent(ApprovalEvent, w.cfg.ApprovalTimeout); err != nil {
		var timeout *apperr.EventTimeoutError
		if errors.As(err, &timeout) {
			if _, merr := step.Do(c, "mark-blocked", func(ctx context.Context) (string, error) {
				return "blocked", w.setStatus(p.IssueID, issue.StatusBlocked)
			}); merr != nil {
				return merr
			}
			return &apperr.ApprovalTimeoutError{IssueID: p.IssueID, Waited: w.cfg.ApprovalTimeout}
		}
		return err
	}

	if _, err := step.Do(c, "merge-pr", func(ctx context.Context) (int, error) {
		res := retry.Do(ctx, w.cfg.GitHubRetrier, func(ctx context.Context) (int, error) {
			return pr.Number, w.cfg.Client.MergePullRequest(ctx, p.Owner, p.Repo, pr.Number)
		})
		if !res.Success {
			return 0, res.Err
		}
		return pr.Number, nil
	}); err != nil {
		return err
	}

	if _, err := step.Do(c, "close-issue", func(ctx context.Context) (string, error) {
		return "closed", w.closeIssue(ctx, p, "merged")
	}); err != nil {
		return err
	}

	if _, err := step.Do(c, "notify-dependents", func(ctx context.Context) ([]string, error) {
		return w.notifyDependents(ctx, p)
	}); err != nil {
		return err
	}
	return nil
}

func (w *Workflow) setStatus(issueID string, status issue.Status) error {
	i, err := w.cfg.Store.Get(issueID)
	if err != nil {
		return err
	}
	i.Status = status
	i.UpdatedAt = w.cfg.Now()
	return w.cfg.Store.Update(i)
}

func (w *Workflow) execute(ctx context.Context, p Params) (*agentmatch.ExecuteResult, error) {
	backend, err := w.cfg.Registry.ExecuteBackend(p.AgentID)
	if err != nil {
		return nil, err
	}
	i, err := w.cfg.Store.Get(p.IssueID)
	if err != nil {
		return nil, err
	}

	req := agentmatch.ExecuteRequest{
		Task:    i.Title,
		Context: p.Context,
		Repo:    p.Owner + "/" + p.Repo,
		Branch:  branchName(p.IssueID, i.Title),
		Push:    true,
	}
	res := retry.Do(ctx, w.cfg.SandboxRetrier, func(ctx context.Context) (*agentmatch.ExecuteResult, error) {
		return backend.Execute(ctx, req)
	})
	if !res.Success {
		return nil, res.Err
	}
	w.cfg.Logger.Info("agent execution finished",
		slog.String("issue_id", p.IssueID),
		slog.String("agent", p.AgentID),
		slog.Int("files_changed", res.Value.FilesChanged),
		slog.String("branch", res.Value.PushedBranch))
	return res.Value, nil
}

func (w *Workflow) review(ctx context.Context, p Params, exec *agentmatch.ExecuteResult) (*agentmatch.ReviewResult, error) {
	backend, err := w.cfg.Registry.ReviewBackend(p.AgentID)
	if err != nil {
		return nil, err
	}
	i, err := w.cfg.Store.Get(p.IssueID)
	if err != nil {
		return nil, err
	}
	res := retry.Do(ctx, w.cfg.SandboxRetrier, func(ctx context.Context) (*agentmatch.ReviewResult, error) {
		return backend.Review(ctx, agentmatch.ReviewRequest{
			Repo: p.Owner + "/" + p.Repo,
			Diff: exec.Diff,
			Task: i.Title,
		})
	})
	if !res.Success {
		return nil, res.Err
	}
	return res.Value, nil
}

func (w *Workflow) postReviewComments(ctx context.Context, p Params, review *agentmatch.ReviewResult) error {
	i, err := w.cfg.Store.Get(p.IssueID)
	if err != nil {
		return err
	}
	if i.External == nil {
		// Never pushed: nowhere to post. The local status change is the
		// visible outcome.
		return nil
	}
	body := "Automated review rejected this change: " + review.Summary
	if len(review.Comments) > 0 {
		body += "\n\n- " + strings.Join(review.Comments, "\n- ")
	}
	res := retry.Do(ctx, w.cfg.GitHubRetrier, func(ctx context.Context) (string, error) {
		return "", w.cfg.Client.CreateComment(ctx, p.Owner, p.Repo, i.External.Number, body)
	})
	if !res.Success {
		return res.Err
	}
	return nil
}

func (w *Workflow) openPR(ctx context.Context, p Params, exec *agentmatch.ExecuteResult) (*tracker.PullRequest, error) {
	i, err := w.cfg.Store.Get(p.IssueID)
	if err != nil {
		return nil, err
	}
	req := tracker.PullRequestRequest{
		Title: i.Title,
		Head:  exec.PushedBranch,
		Base:  w.cfg.BaseBranch,
		Body:  fmt.Sprintf("Closes #%d.\n\n%s", externalNumber(i), exec.TestResults),
	}
	res := retry.Do(ctx, w.cfg.GitHubRetrier, func(ctx context.Context) (*tracker.PullRequest, error) {
		return w.cfg.Client.CreatePullRequest(ctx, p.Owner, p.Repo, req)
	})
	if !res.Success {
		return nil, res.Err
	}
	return res.Value, nil
}

func (w *Workflow) closeIssue(ctx context.Context, p Params, reason string) error {
	// Closing with open blockers is permitted, just noted.
	if open, err := w.graph.BlockedBy(p.IssueID); err == nil && len(open) > 0 {
		w.cfg.Logger.Warn("closing issue that still has open blockers",
			slog.String("issue_id", p.IssueID),
			slog.Int("open_blockers", len(open)))
	}

	now := w.cfg.Now()
	if err := w.cfg.Store.Close(p.IssueID, now); err != nil {
		return err
	}
	w.cfg.Logger.Info("issue closed",
		slog.String("issue_id", p.IssueID),
		slog.String("reason", reason))

	i, err := w.cfg.Store.Get(p.IssueID)
	if err != nil {
		return err
	}
	if i.External == nil {
		return nil
	}
	res := retry.Do(ctx, w.cfg.GitHubRetrier, func(ctx context.Context) (string, error) {
		_, err := w.cfg.Client.UpdateIssue(ctx, p.Owner, p.Repo, i.External.Number, tracker.IssueRequest{
			State: tracker.String("closed"),
		})
		return "", err
	})
	if !res.Success {
		return res.Err
	}
	return nil
}

// notifyDependents enumerates the issues this close unblocked (the
// issue's blocks-children that are now ready) and leaves a comment on
// each mapped one. The issue is already closed at this point, so
// readiness is recomputed rather than asked via Unblocks.
func (w *Workflow) notifyDependents(ctx context.Context, p Params) ([]string, error) {
	children, err := w.cfg.Store.DependenciesOf(p.IssueID)
	if err != nil {
		return nil, err
	}
	ready, err := w.graph.Ready()
	if err != nil {
		return nil, err
	}
	readyByID := make(map[string]*issue.Issue, len(ready))
	for _, r := range ready {
		readyByID[r.ID] = r
	}

	var unblocked []*issue.Issue
	for _, d := range children {
		if d.Kind != issue.DependencyBlocks {
			continue
		}
		if dep, ok := readyByID[d.ToID]; ok {
			unblocked = append(unblocked, dep)
		}
	}

	var notified []string
	for _, dep := range unblocked {
		notified = append(notified, dep.ID)
		if dep.External == nil {
			continue
		}
		body := fmt.Sprintf("Unblocked: the last open blocker of this issue was closed (%s).", p.IssueID)
		res := retry.Do(ctx, w.cfg.GitHubRetrier, func(ctx context.Context) (string, error) {
			return "", w.cfg.Client.CreateComment(ctx, p.Owner, p.Repo, dep.External.Number, body)
		})
		if !res.Success {
			w.cfg.Logger.Warn("dependent notification failed",
				slog.String("issue_id", dep.ID),
				slog.Any("error", res.Err))
		}
	}
	return notified, nil
}

// branchName derives the sandbox's working branch from the issue id
// and a slug of the title.
func branchName(issueID, title string) string {
	slug := strings.ToLower(title)
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, slug)
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
		slug = strings.Trim(slug, "-")
	}
	if slug == "" {
		return issueID
	}
	return issueID + "-" + slug
}

func externalNumber(i *issue.Issue) int {
	if i.External == nil {
		return 0
	}
	return i.External.Number
}
