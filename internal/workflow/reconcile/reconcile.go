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

// Package reconcile is the periodic local-remote convergence workflow:
// on each trigger it walks every sync-enabled repo (or one named repo)
// and runs a full bidirectional sync, recording per-repo outcome on
// the repo row. Step names carry the repo full name so one repo's step
// log reads independently of the others'.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/issue"
	"github.com/loomhq/loom/internal/step"
	"github.com/loomhq/loom/internal/sync"
)

// WorkflowName is the runtime registration key.
const WorkflowName = "reconcile"

// Params optionally narrows a run to one repo ("owner/name"); empty
// means every sync-enabled repo.
type Params struct {
	Repo string `json:"repo,omitempty"`
}

// EngineFactory builds a sync engine for one scope. The daemon closes
// over its codec, client, and retrier here.
type EngineFactory func(scope sync.Scope) *sync.Engine

// Workflow is the registered reconciliation workflow.
type Workflow struct {
	store   issue.Store
	engines EngineFactory
	logger  *slog.Logger
	now     func() time.Time
}

// New builds the workflow.
func New(store issue.Store, engines EngineFactory, logger *slog.Logger, now func() time.Time) *Workflow {
	if now == nil {
		now = time.Now
	}
	return &Workflow{store: store, engines: engines, logger: logger, now: now}
}

// Register binds the workflow body to the runtime.
func (w *Workflow) Register(rt *step.Runtime) error {
	return rt.Register(WorkflowName, w.Run)
}

// Run is the workflow body.
func (w *Workflow) Run(c *step.Context) error {
	var p Params
	if err := c.UnmarshalParams(&p); err != nil {
		return fmt.Errorf("reconcile: decode params: %w", err)
	}

	repos, err := step.Do(c, "fetch-repos", func(ctx context.Context) ([]issue.Repo, error) {
		all, err := w.store.ListRepos(true)
		if err != nil {
			return nil, err
		}
		if p.Repo == "" {
			return all, nil
		}
		for _, r := range all {
			if r.FullName() == p.Repo {
				return []issue.Repo{r}, nil
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	for _, repo := range repos {
		repo := repo
		stepName := "sync-repo-" + repo.FullName()
		if _, err := step.Do(c, stepName, func(ctx context.Context) (sync.Result, error) {
			return w.syncRepo(ctx, repo)
		}); err != nil {
			return err
		}
	}
	return nil
}

// syncRepo runs one repo's bidirectional sync and records the outcome
// on the repo row. Per-issue errors mark the repo errored but never
// fail the workflow; the next tick retries.
func (w *Workflow) syncRepo(ctx context.Context, repo issue.Repo) (sync.Result, error) {
	engine := w.engines(sync.Scope{
		Owner:          repo.Owner,
		Repo:           repo.Name,
		InstallationID: repo.InstallationID,
	})
	result := engine.Sync(ctx, "")

	now := w.now()
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Op+": "+e.Message)
		}
		if err := w.store.UpdateRepoSyncStatus(repo.Owner, repo.Name, now, "error", strings.Join(msgs, "; ")); err != nil {
			return result, err
		}
	} else {
		if err := w.store.UpdateRepoSyncStatus(repo.Owner, repo.Name, now, "ok", ""); err != nil {
			return result, err
		}
	}

	w.logger.Info("repo reconciled",
		slog.String("repo", repo.FullName()),
		slog.Int("created", len(result.Created)),
		slog.Int("updated", len(result.Updated)),
		slog.Int("conflicts", len(result.Conflicts)),
		slog.Int("errors", len(result.Errors)))
	return result, nil
}
