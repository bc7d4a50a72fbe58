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

package assign

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/agentmatch"
	"github.com/loomhq/loom/internal/issue"
	issuesqlite "github.com/loomhq/loom/internal/issue/sqlite"
	"github.com/loomhq/loom/internal/step"
	stepsqlite "github.com/loomhq/loom/internal/step/sqlite"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/workflow/development"
)

type execBackend struct{}

func (execBackend) Execute(ctx context.Context, req agentmatch.ExecuteRequest) (*agentmatch.ExecuteResult, error) {
	return &agentmatch.ExecuteResult{FilesChanged: 1, PushedBranch: req.Branch}, nil
}

type harness struct {
	orch    *Orchestrator
	issues  *issuesqlite.Store
	storage step.Storage
	runtime *step.Runtime
	started chan string
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

	registry := agentmatch.NewRegistry()
	require.NoError(t, registry.Register(agentmatch.Registration{
		ID: "dana", Tier: agentmatch.TierLight, Model: agentmatch.ModelFast,
		Capabilities: []string{"docs/*"}, Focus: []string{"**/*.md"},
		Autonomy: agentmatch.AutonomySuggest,
	}))
	require.NoError(t, registry.Register(agentmatch.Registration{
		ID: "tom", Tier: agentmatch.TierSandbox, Model: agentmatch.ModelBest,
		Capabilities: []string{"code/*", "typescript/*"}, Focus: []string{"**/*.ts"},
		Autonomy: agentmatch.AutonomyFull,
	}))
	require.NoError(t, registry.Bind("tom", execBackend{}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := step.NewRuntime(storage, logger)

	// A stub development workflow body: records the start, then parks
	// on the approval event so instances stay live for reassignment
	// checks.
	started := make(chan string, 16)
	require.NoError(t, rt.Register(development.WorkflowName, func(c *step.Context) error {
		started <- c.InstanceID()
		_, err := c.WaitForEvent(development.ApprovalEvent, time.Hour)
		return err
	}))

	matcher := agentmatch.NewMatcher(registry)
	orch := New(issues, matcher, rt, storage, logger)
	return &harness{orch: orch, issues: issues, storage: storage, runtime: rt, started: started}
}

func (h *harness) addIssue(t *testing.T, id, title string, labels []string, assignee string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, h.issues.Create(&issue.Issue{
		ID: id, Title: title, Type: issue.TypeTask, Priority: 2,
		Status: issue.StatusOpen, Labels: labels, Assignee: assignee,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func testRepo() issue.Repo {
	return issue.Repo{Owner: "acme", Name: "widgets", InstallationID: 1, SyncEnabled: true}
}

func TestAssignMatchesReadyIssuesToAgents(t *testing.T) {
	h := newHarness(t)
	h.addIssue(t, "L1", "Fix bug in auth.ts", []string{"code", "typescript"}, "")
	h.addIssue(t, "L2", "Update README.md", []string{"docs"}, "")
	h.addIssue(t, "L3", "Rework visual identity", []string{"design"}, "")

	assignments, err := h.orch.AssignReadyIssues(testRepo())
	require.NoError(t, err)
	require.Len(t, assignments, 2)

	byIssue := make(map[string]Assignment)
	for _, a := range assignments {
		byIssue[a.Issue.ID] = a
	}
	require.Equal(t, "tom", byIssue["L1"].Agent.ID)
	require.Equal(t, "dana", byIssue["L2"].Agent.ID)

	// Assignments persisted to the store.
	l1, err := h.issues.Get("L1")
	require.NoError(t, err)
	require.Equal(t, "tom", l1.Assignee)

	// The unmatched issue stays unassigned.
	l3, err := h.issues.Get("L3")
	require.NoError(t, err)
	require.Empty(t, l3.Assignee)

	// A workflow instance started per assignment.
	require.Eventually(t, func() bool { return len(h.started) == 2 },
		5*time.Second, 5*time.Millisecond)
}

func TestAssignSkipsAlreadyAssigned(t *testing.T) {
	h := newHarness(t)
	// A human assignee is skipped exactly like an agent one.
	h.addIssue(t, "L1", "Fix bug in auth.ts", []string{"code"}, "some-human")

	assignments, err := h.orch.AssignReadyIssues(testRepo())
	require.NoError(t, err)
	require.Empty(t, assignments)
	require.Empty(t, h.started)
}

func TestAssignSkipsBlockedIssues(t *testing.T) {
	h := newHarness(t)
	h.addIssue(t, "L1", "Schema migration groundwork", []string{"code"}, "")
	h.addIssue(t, "L2", "Fix bug in auth.ts", []string{"code", "typescript"}, "")
	require.NoError(t, h.issues.AddDependency(issue.Dependency{
		FromID: "L1", ToID: "L2", Kind: issue.DependencyBlocks,
	}))

	assignments, err := h.orch.AssignReadyIssues(testRepo())
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Equal(t, "L1", assignments[0].Issue.ID)
}

func TestReassignmentTerminatesStaleInstance(t *testing.T) {
	h := newHarness(t)
	h.addIssue(t, "L1", "Fix bug in auth.ts", []string{"code", "typescript"}, "")

	first, err := h.orch.AssignReadyIssues(testRepo())
	require.NoError(t, err)
	require.Len(t, first, 1)
	firstInstance := first[0].InstanceID

	// Wait until the first instance parks on its approval wait.
	require.Eventually(t, func() bool {
		inst, err := h.storage.GetInstance(firstInstance)
		return err == nil && inst.Status == step.StatusPaused
	}, 5*time.Second, 5*time.Millisecond)

	// Simulate an operator handing the issue to a different agent.
	l1, err := h.issues.Get("L1")
	require.NoError(t, err)
	l1.Assignee = ""
	require.NoError(t, h.issues.Update(l1))

	// Force the matcher toward dana by making the issue docs-shaped.
	l1.Labels = []string{"docs"}
	l1.Title = "Write auth.md runbook"
	require.NoError(t, h.issues.Update(l1))

	second, err := h.orch.AssignReadyIssues(testRepo())
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, "dana", second[0].Agent.ID)
	require.NotEqual(t, firstInstance, second[0].InstanceID)

	inst, err := h.storage.GetInstance(firstInstance)
	require.NoError(t, err)
	require.Equal(t, step.StatusFailed, inst.Status)
	require.Contains(t, inst.Error, "terminated")
}
