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

// Package assign is the assignment orchestrator: it walks the DAG's
// ready issues, matches each unassigned one to an agent, persists the
// assignment, and starts a development workflow instance for it. The
// DAG's readiness is the only throttle.
package assign

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomhq/loom/internal/agentmatch"
	"github.com/loomhq/loom/internal/dag"
	"github.com/loomhq/loom/internal/issue"
	"github.com/loomhq/loom/internal/step"
	"github.com/loomhq/loom/internal/workflow/development"
)

// Assignment records one issue handed to one agent.
type Assignment struct {
	Issue      *issue.Issue
	Agent      agentmatch.Registration
	Confidence float64
	Reason     string
	InstanceID string
}

// Orchestrator runs assignment passes.
type Orchestrator struct {
	store   issue.Store
	graph   *dag.Engine
	matcher *agentmatch.Matcher
	runtime *step.Runtime
	// instances is read directly to find a stale workflow for an issue
	// being reassigned.
	instances step.Storage
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an Orchestrator.
func New(store issue.Store, matcher *agentmatch.Matcher, runtime *step.Runtime,
	instances step.Storage, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		graph:     dag.New(store),
		matcher:   matcher,
		runtime:   runtime,
		instances: instances,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AssignReadyIssues runs one pass over the repo's ready issues.
// Already-assigned issues are skipped uniformly, whether the assignee
// is an agent or a human.
func (o *Orchestrator) AssignReadyIssues(repo issue.Repo) ([]Assignment, error) {
	ready, err := o.graph.Ready()
	if err != nil {
		return nil, fmt.Errorf("assign: list ready issues: %w", err)
	}

	var assignments []Assignment
	for _, i := range ready {
		if i.Assignee != "" {
			continue
		}

		match := o.matcher.Match(i)
		if match == nil {
			o.logger.Debug("no agent matched",
				slog.String("issue_id", i.ID),
				slog.String("title", i.Title))
			continue
		}

		i.Assignee = match.Agent.ID
		i.UpdatedAt = o.now()
		if err := o.store.Update(i); err != nil {
			o.logger.Error("persist assignment",
				slog.String("issue_id", i.ID),
				slog.Any("error", err))
			continue
		}

		if err := o.terminateStaleInstance(i.ID, match.Agent.ID); err != nil {
			o.logger.Warn("terminate stale workflow",
				slog.String("issue_id", i.ID),
				slog.Any("error", err))
		}

		instanceID := o.instanceID(i.ID, match.Agent.ID)
		params := development.Params{
			Owner:          repo.Owner,
			Repo:           repo.Name,
			InstallationID: repo.InstallationID,
			IssueID:        i.ID,
			AgentID:        match.Agent.ID,
		}
		if err := o.runtime.Start(development.WorkflowName, instanceID, params); err != nil {
			o.logger.Error("start development workflow",
				slog.String("issue_id", i.ID),
				slog.String("workflow_id", instanceID),
				slog.Any("error", err))
			continue
		}

		o.logger.Info("issue assigned",
			slog.String("issue_id", i.ID),
			slog.String("agent", match.Agent.ID),
			slog.Float64("confidence", match.Confidence),
			slog.String("workflow_id", instanceID))

		assignments = append(assignments, Assignment{
			Issue:      i,
			Agent:      match.Agent,
			Confidence: match.Confidence,
			Reason:     match.Reason,
			InstanceID: instanceID,
		})
	}
	return assignments, nil
}

// instanceID is deterministic in (issue, agent) plus a timestamp
// disambiguator, so a reassignment spawns a fresh instance instead of
// colliding with the old one's step log.
func (o *Orchestrator) instanceID(issueID, agentID string) string {
	return fmt.Sprintf("dev-%s-%s-%d", issueID, agentID, o.now().UnixNano())
}

// terminateStaleInstance kills a still-live development workflow for
// the same issue under a different agent.
func (o *Orchestrator) terminateStaleInstance(issueID, newAgentID string) error {
	live, err := o.instances.ListInstances(step.StatusRunning, step.StatusPaused)
	if err != nil {
		return err
	}
	for _, inst := range live {
		if inst.Workflow != development.WorkflowName {
			continue
		}
		var p development.Params
		if err := json.Unmarshal(inst.Params, &p); err != nil {
			continue
		}
		if p.IssueID != issueID || p.AgentID == newAgentID {
			continue
		}
		if err := o.runtime.Terminate(inst.ID, "issue reassigned to "+newAgentID); err != nil {
			return err
		}
	}
	return nil
}
