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

package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/apperr"
	"github.com/loomhq/loom/internal/convention"
	"github.com/loomhq/loom/internal/issue"
	issuesqlite "github.com/loomhq/loom/internal/issue/sqlite"
	"github.com/loomhq/loom/internal/retry"
	"github.com/loomhq/loom/internal/step"
	stepsqlite "github.com/loomhq/loom/internal/step/sqlite"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/sync"
	"github.com/loomhq/loom/internal/tracker"
)

// listOnlyClient serves a fixed remote issue list per repo, or an
// error for repos in the failing set.
type listOnlyClient struct {
	byRepo  map[string][]*tracker.RemoteIssue
	failing map[string]bool
}

func (f *listOnlyClient) ListIssues(ctx context.Context, owner, repo string, opts tracker.ListOptions) ([]*tracker.RemoteIssue, error) {
	key := owner + "/" + repo
	if f.failing[key] {
		return nil, &apperr.TerminalRemoteError{StatusCode: 404, Message: "repo gone"}
	}
	return f.byRepo[key], nil
}

func (f *listOnlyClient) CreateIssue(ctx context.Context, owner, repo string, req tracker.IssueRequest) (*tracker.RemoteIssue, error) {
	return nil, fmt.Errorf("unexpected CreateIssue")
}
func (f *listOnlyClient) UpdateIssue(ctx context.Context, owner, repo string, number int, req tracker.IssueRequest) (*tracker.RemoteIssue, error) {
	return &tracker.RemoteIssue{Number: number}, nil
}
func (f *listOnlyClient) GetIssue(ctx context.Context, owner, repo string, number int) (*tracker.RemoteIssue, error) {
	return nil, fmt.Errorf("unexpected GetIssue")
}
func (f *listOnlyClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	return nil
}
func (f *listOnlyClient) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return nil
}
func (f *listOnlyClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	return nil
}
func (f *listOnlyClient) CreatePullRequest(ctx context.Context, owner, repo string, req tracker.PullRequestRequest) (*tracker.PullRequest, error) {
	return nil, fmt.Errorf("unexpected CreatePullRequest")
}
func (f *listOnlyClient) MergePullRequest(ctx context.Context, owner, repo string, number int) error {
	return nil
}

type harness struct {
	runtime *step.Runtime
	storage step.Storage
	issues  *issuesqlite.Store
	client  *listOnlyClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	issues, err := issuesqlite.New(db)
	require.NoError(t, err)
	storage, err := stepsqlite.New(db)
	require.NoError(t, err)

	codec, err := convention.New(convention.Defaults())
	require.NoError(t, err)

	client := &listOnlyClient{byRepo: map[string][]*tracker.RemoteIssue{}, failing: map[string]bool{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	retrier := retry.New(retry.Config{MaxRetries: 1}, nil).
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil })

	factory := func(scope sync.Scope) *sync.Engine {
		return sync.New(issues, codec, client, retrier, scope, sync.StrategyNewestWins, logger)
	}

	wf := New(issues, factory, logger, nil)
	rt := step.NewRuntime(storage, logger)
	require.NoError(t, wf.Register(rt))

	return &harness{runtime: rt, storage: storage, issues: issues, client: client}
}

func waitForStatus(t *testing.T, storage step.Storage, id string, want step.Status) *step.Instance {
	t.Helper()
	var inst *step.Instance
	require.Eventually(t, func() bool {
		got, err := storage.GetInstance(id)
		if err != nil {
			return false
		}
		inst = got
		return got.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return inst
}

func TestReconcileSyncsAllEnabledRepos(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.issues.UpsertRepo(issue.Repo{Owner: "acme", Name: "widgets", InstallationID: 1, SyncEnabled: true}))
	require.NoError(t, h.issues.UpsertRepo(issue.Repo{Owner: "acme", Name: "gadgets", InstallationID: 1, SyncEnabled: true}))
	require.NoError(t, h.issues.UpsertRepo(issue.Repo{Owner: "acme", Name: "paused", InstallationID: 1, SyncEnabled: false}))

	h.client.byRepo["acme/widgets"] = []*tracker.RemoteIssue{
		{Number: 1, Title: "Widget bug", State: "open", Labels: []string{"bug"}, UpdatedAt: time.Now().UTC()},
	}
	h.client.byRepo["acme/gadgets"] = []*tracker.RemoteIssue{
		{Number: 2, Title: "Gadget chore", State: "open", Labels: []string{"chore"}, UpdatedAt: time.Now().UTC()},
	}

	require.NoError(t, h.runtime.Start(WorkflowName, "rec-1", Params{}))
	waitForStatus(t, h.storage, "rec-1", step.StatusComplete)

	// Both enabled repos synced; the disabled one untouched.
	all, err := h.issues.List(issue.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	repos, err := h.issues.ListRepos(false)
	require.NoError(t, err)
	byName := map[string]issue.Repo{}
	for _, r := range repos {
		byName[r.FullName()] = r
	}
	require.Equal(t, "ok", byName["acme/widgets"].SyncStatus)
	require.NotNil(t, byName["acme/widgets"].LastSyncAt)
	require.Equal(t, "ok", byName["acme/gadgets"].SyncStatus)
	require.Empty(t, byName["acme/paused"].SyncStatus)

	// Step names are prefixed with the repo full name.
	_, err = h.storage.GetRecord("rec-1", "sync-repo-acme/widgets")
	require.NoError(t, err)
	_, err = h.storage.GetRecord("rec-1", "sync-repo-acme/gadgets")
	require.NoError(t, err)
}

func TestReconcileRecordsRepoFailure(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.issues.UpsertRepo(issue.Repo{Owner: "acme", Name: "widgets", InstallationID: 1, SyncEnabled: true}))
	h.client.failing["acme/widgets"] = true

	require.NoError(t, h.runtime.Start(WorkflowName, "rec-fail", Params{}))
	waitForStatus(t, h.storage, "rec-fail", step.StatusComplete)

	repos, err := h.issues.ListRepos(false)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	require.Equal(t, "error", repos[0].SyncStatus)
	require.Contains(t, repos[0].SyncError, "repo gone")
}

func TestReconcileSingleRepoParam(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.issues.UpsertRepo(issue.Repo{Owner: "acme", Name: "widgets", InstallationID: 1, SyncEnabled: true}))
	require.NoError(t, h.issues.UpsertRepo(issue.Repo{Owner: "acme", Name: "gadgets", InstallationID: 1, SyncEnabled: true}))

	h.client.byRepo["acme/widgets"] = []*tracker.RemoteIssue{
		{Number: 1, Title: "Widget bug", State: "open", UpdatedAt: time.Now().UTC()},
	}

	require.NoError(t, h.runtime.Start(WorkflowName, "rec-one", Params{Repo: "acme/widgets"}))
	waitForStatus(t, h.storage, "rec-one", step.StatusComplete)

	_, err := h.storage.GetRecord("rec-one", "sync-repo-acme/widgets")
	require.NoError(t, err)
	_, err = h.storage.GetRecord("rec-one", "sync-repo-acme/gadgets")
	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
}
