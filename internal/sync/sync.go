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

// Package sync keeps the local issue store and the remote tracker
// convergent: webhook ingestion with delivery dedup, push, pull, and
// full bidirectional sync with field-level conflict resolution. Entry
// points never fail on a single issue; per-issue errors accumulate in
// the batch result.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/convention"
	"github.com/loomhq/loom/internal/dag"
	"github.com/loomhq/loom/internal/issue"
	"github.com/loomhq/loom/internal/retry"
	"github.com/loomhq/loom/internal/tracker"
)

// Strategy selects who wins when both sides changed since the last
// sync snapshot.
type Strategy string

const (
	// StrategyNewestWins compares updated timestamps; on a tie the
	// remote wins. This is the default.
	StrategyNewestWins Strategy = "newest-wins"
	// StrategyGitHubWins always overwrites local with remote.
	StrategyGitHubWins Strategy = "github-wins"
	// StrategyLocalWins always overwrites remote with local.
	StrategyLocalWins Strategy = "local-wins"
)

// Scope identifies one (owner, repo, installation) sync domain.
type Scope struct {
	Owner          string
	Repo           string
	InstallationID int64
}

// Key is the mapping-table scope string.
func (s Scope) Key() string {
	return s.Owner + "/" + s.Repo + "#" + strconv.FormatInt(s.InstallationID, 10)
}

// FullName returns "owner/repo".
func (s Scope) FullName() string { return s.Owner + "/" + s.Repo }

// Conflict records a both-sides-changed detection and how it was
// resolved.
type Conflict struct {
	LocalID       string    `json:"local_id"`
	RemoteNumber  int       `json:"remote_number"`
	LocalUpdated  time.Time `json:"local_updated"`
	RemoteUpdated time.Time `json:"remote_updated"`
	Resolution    string    `json:"resolution"` // "github" or "local"
}

// OpError is a captured per-issue failure.
type OpError struct {
	LocalID      string `json:"local_id,omitempty"`
	RemoteNumber int    `json:"remote_number,omitempty"`
	Op           string `json:"op"`
	Message      string `json:"message"`
}

// Result is what every entry point returns.
type Result struct {
	Created   []string   `json:"created"`
	Updated   []string   `json:"updated"`
	Conflicts []Conflict `json:"conflicts"`
	Errors    []OpError  `json:"errors"`
}

func (r *Result) merge(other Result) {
	r.Created = append(r.Created, other.Created...)
	r.Updated = append(r.Updated, other.Updated...)
	r.Conflicts = append(r.Conflicts, other.Conflicts...)
	r.Errors = append(r.Errors, other.Errors...)
}

// Metrics receives sync observations. Satisfied by
// tracing.MetricsCollector; nil disables recording.
type Metrics interface {
	RecordSyncResult(ctx context.Context, scope string, created, updated, conflicts, errors int)
	RecordWebhook(ctx context.Context, kind, action string, duplicate bool)
}

// Engine is one scope's sync engine.
type Engine struct {
	store    issue.Store
	graph    *dag.Engine
	codec    *convention.Codec
	client   tracker.Client
	retrier  *retry.Retrier
	scope    Scope
	strategy Strategy
	logger   *slog.Logger
	metrics  Metrics
	now      func() time.Time
	newID    func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides local id generation for tests.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds an Engine for one scope.
func New(store issue.Store, codec *convention.Codec, client tracker.Client, retrier *retry.Retrier,
	scope Scope, strategy Strategy, logger *slog.Logger, opts ...Option) *Engine {
	if strategy == "" {
		strategy = StrategyNewestWins
	}
	e := &Engine{
		store:    store,
		graph:    dag.New(store),
		codec:    codec,
		client:   client,
		retrier:  retrier,
		scope:    scope,
		strategy: strategy,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Event is a decoded webhook delivery.
type Event struct {
	Kind       string
	Action     string
	DeliveryID string
	Payload    json.RawMessage
}

// webhookIssue is the wire shape of an issue inside a webhook payload.
type webhookIssue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	Labels  []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at"`
}

func (w webhookIssue) toRemote() *tracker.RemoteIssue {
	r := &tracker.RemoteIssue{
		Number:    w.Number,
		Title:     w.Title,
		Body:      w.Body,
		State:     w.State,
		HTMLURL:   w.HTMLURL,
		UpdatedAt: w.UpdatedAt,
		ClosedAt:  w.ClosedAt,
	}
	for _, l := range w.Labels {
		r.Labels = append(r.Labels, l.Name)
	}
	for _, a := range w.Assignees {
		r.Assignees = append(r.Assignees, a.Login)
	}
	return r
}

type issuesEventPayload struct {
	Issue webhookIssue `json:"issue"`
}

// ProcessWebhook ingests one delivery. Processing is idempotent by
// delivery id: a delivery seen before returns an empty result without
// touching the store.
func (e *Engine) ProcessWebhook(ctx context.Context, ev Event) (Result, error) {
	var result Result

	seen, err := e.store.SeenDelivery(ev.DeliveryID)
	if err != nil {
		return result, fmt.Errorf("sync: delivery dedup check: %w", err)
	}
	if seen {
		if e.metrics != nil {
			e.metrics.RecordWebhook(ctx, ev.Kind, ev.Action, true)
		}
		return result, nil
	}

	received := e.now()
	if ev.Kind == "issues" {
		result = e.processIssuesEvent(ctx, ev)
	}

	if err := e.store.MarkDelivery(ev.DeliveryID, received, e.now()); err != nil {
		return result, fmt.Errorf("sync: mark delivery: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordWebhook(ctx, ev.Kind, ev.Action, false)
	}
	return result, nil
}

func (e *Engine) processIssuesEvent(ctx context.Context, ev Event) Result {
	var result Result

	var payload issuesEventPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		result.Errors = append(result.Errors, OpError{Op: "decode-webhook", Message: err.Error()})
		return result
	}
	remote := payload.Issue.toRemote()

	mapping, err := e.store.MappingByRemoteNumber(e.scope.Key(), remote.Number)
	mapped := err == nil

	switch ev.Action {
	case "opened":
		if mapped {
			// Duplicate open, e.g. our own push echoed back.
			return result
		}
		result.merge(e.createLocal(ctx, remote))

	case "edited", "labeled", "unlabeled", "assigned", "unassigned":
		if !mapped {
			// Out-of-order: the open never arrived.
			result.merge(e.createLocal(ctx, remote))
			return result
		}
		result.merge(e.updateLocal(ctx, mapping.LocalID, remote))

	case "closed":
		if !mapped {
			result.merge(e.createLocal(ctx, remote))
			return result
		}
		closedAt := remote.ClosedAt
		if closedAt == nil {
			t := e.now()
			closedAt = &t
		}
		if err := e.closeLocal(mapping.LocalID, *closedAt, remote.UpdatedAt); err != nil {
			result.Errors = append(result.Errors, OpError{LocalID: mapping.LocalID, RemoteNumber: remote.Number, Op: "close", Message: err.Error()})
			return result
		}
		result.Updated = append(result.Updated, mapping.LocalID)

	case "reopened":
		if !mapped {
			result.merge(e.createLocal(ctx, remote))
			return result
		}
		if err := e.reopenLocal(mapping.LocalID, remote.UpdatedAt); err != nil {
			result.Errors = append(result.Errors, OpError{LocalID: mapping.LocalID, RemoteNumber: remote.Number, Op: "reopen", Message: err.Error()})
			return result
		}
		result.Updated = append(result.Updated, mapping.LocalID)
	}
	return result
}

// createLocal materializes a remote issue in the local store and binds
// the mapping.
func (e *Engine) createLocal(ctx context.Context, remote *tracker.RemoteIssue) Result {
	var result Result

	decoded := e.codec.Decode(convention.Remote{
		Title:     remote.Title,
		Body:      remote.Body,
		Labels:    remote.Labels,
		State:     remote.State,
		Assignees: remote.Assignees,
	})

	now := e.now()
	localID := e.newID()
	i := &issue.Issue{
		ID:          localID,
		Title:       remote.Title,
		Description: decoded.Description,
		Labels:      decoded.Labels,
		Priority:    decoded.Priority,
		Type:        decoded.Type,
		Status:      decoded.Status,
		CreatedAt:   now,
		UpdatedAt:   remoteUpdated(remote, now),
		External:    &issue.ExternalRef{Number: remote.Number, URL: remote.HTMLURL},
	}
	if len(remote.Assignees) > 0 {
		i.Assignee = remote.Assignees[0]
	}
	if decoded.Status == issue.StatusClosed {
		closedAt := remote.ClosedAt
		if closedAt == nil {
			closedAt = &now
		}
		i.ClosedAt = closedAt
	}
	syncedAt := now
	i.LastSyncedRemote = &syncedAt

	if err := e.store.Create(i); err != nil {
		result.Errors = append(result.Errors, OpError{RemoteNumber: remote.Number, Op: "create-local", Message: err.Error()})
		return result
	}
	if err := e.store.UpsertMapping(issue.Mapping{
		Scope:        e.scope.Key(),
		LocalID:      localID,
		RemoteNumber: remote.Number,
		LocalSnap:    i.UpdatedAt,
		RemoteSnap:   remoteUpdated(remote, now),
	}); err != nil {
		result.Errors = append(result.Errors, OpError{LocalID: localID, RemoteNumber: remote.Number, Op: "map", Message: err.Error()})
		return result
	}

	result.Created = append(result.Created, localID)
	result.Errors = append(result.Errors, e.applyRelations(localID, decoded.Relations)...)
	return result
}

// updateLocal applies a remote issue's decoded fields onto the mapped
// local issue.
func (e *Engine) updateLocal(ctx context.Context, localID string, remote *tracker.RemoteIssue) Result {
	var result Result

	i, err := e.store.Get(localID)
	if err != nil {
		result.Errors = append(result.Errors, OpError{LocalID: localID, RemoteNumber: remote.Number, Op: "load-local", Message: err.Error()})
		return result
	}

	decoded := e.codec.Decode(convention.Remote{
		Title:     remote.Title,
		Body:      remote.Body,
		Labels:    remote.Labels,
		State:     remote.State,
		Assignees: remote.Assignees,
	})

	now := e.now()
	i.Title = remote.Title
	i.Description = decoded.Description
	i.Labels = decoded.Labels
	i.Priority = decoded.Priority
	i.Type = decoded.Type
	i.Status = decoded.Status
	i.Assignee = ""
	if len(remote.Assignees) > 0 {
		i.Assignee = remote.Assignees[0]
	}
	if decoded.Status == issue.StatusClosed {
		closedAt := remote.ClosedAt
		if closedAt == nil {
			closedAt = &now
		}
		i.ClosedAt = closedAt
	} else {
		i.ClosedAt = nil
	}
	i.UpdatedAt = remoteUpdated(remote, now)
	syncedAt := now
	i.LastSyncedRemote = &syncedAt
	if i.External == nil {
		i.External = &issue.ExternalRef{Number: remote.Number, URL: remote.HTMLURL}
	}

	if err := e.store.Update(i); err != nil {
		result.Errors = append(result.Errors, OpError{LocalID: localID, RemoteNumber: remote.Number, Op: "update-local", Message: err.Error()})
		return result
	}
	if err := e.refreshMapping(localID, remote, i.UpdatedAt); err != nil {
		result.Errors = append(result.Errors, OpError{LocalID: localID, RemoteNumber: remote.Number, Op: "map", Message: err.Error()})
	}

	result.Updated = append(result.Updated, localID)
	result.Errors = append(result.Errors, e.applyRelations(localID, decoded.Relations)...)
	return result
}

func (e *Engine) closeLocal(localID string, closedAt, remoteUpdatedAt time.Time) error {
	i, err := e.store.Get(localID)
	if err != nil {
		return err
	}
	i.Status = issue.StatusClosed
	i.ClosedAt = &closedAt
	i.UpdatedAt = remoteUpdatedAt
	if i.UpdatedAt.IsZero() {
		i.UpdatedAt = e.now()
	}
	return e.store.Update(i)
}

func (e *Engine) reopenLocal(localID string, remoteUpdatedAt time.Time) error {
	i, err := e.store.Get(localID)
	if err != nil {
		return err
	}
	i.Status = issue.StatusOpen
	i.ClosedAt = nil
	i.UpdatedAt = remoteUpdatedAt
	if i.UpdatedAt.IsZero() {
		i.UpdatedAt = e.now()
	}
	return e.store.Update(i)
}

// applyRelations materializes body-encoded relations as dependency
// edges, resolving remote numbers through the mapping table. A
// reference to a number we have never seen is skipped; the next full
// sync will carry it once the counterpart exists locally.
func (e *Engine) applyRelations(localID string, rel convention.Relations) []OpError {
	var errs []OpError

	resolve := func(ref string) (string, bool) {
		n, err := strconv.Atoi(ref)
		if err != nil {
			// A raw local id leaked into the body; use it as-is.
			if _, err := e.store.Get(ref); err == nil {
				return ref, true
			}
			return "", false
		}
		m, err := e.store.MappingByRemoteNumber(e.scope.Key(), n)
		if err != nil {
			return "", false
		}
		return m.LocalID, true
	}

	addBlocks := func(fromID, toID string) {
		if err := e.graph.ValidateInsert(fromID, toID); err != nil {
			errs = append(errs, OpError{LocalID: localID, Op: "add-dependency", Message: err.Error()})
			return
		}
		if err := e.store.AddDependency(issue.Dependency{FromID: fromID, ToID: toID, Kind: issue.DependencyBlocks}); err != nil {
			errs = append(errs, OpError{LocalID: localID, Op: "add-dependency", Message: err.Error()})
		}
	}

	// "Depends on: #n" means n blocks this issue.
	for _, ref := range rel.DependsOn {
		if blocker, ok := resolve(ref); ok {
			addBlocks(blocker, localID)
		}
	}
	// "Blocks: #n" means this issue blocks n.
	for _, ref := range rel.Blocks {
		if blocked, ok := resolve(ref); ok {
			addBlocks(localID, blocked)
		}
	}
	if rel.Parent != "" {
		if parentID, ok := resolve(rel.Parent); ok {
			if err := e.store.AddDependency(issue.Dependency{FromID: localID, ToID: parentID, Kind: issue.DependencyParent}); err != nil {
				errs = append(errs, OpError{LocalID: localID, Op: "add-parent", Message: err.Error()})
			} else if i, err := e.store.Get(localID); err == nil && i.ParentID != parentID {
				i.ParentID = parentID
				if err := e.store.Update(i); err != nil {
					errs = append(errs, OpError{LocalID: localID, Op: "set-parent", Message: err.Error()})
				}
			}
		}
	}
	return errs
}

func (e *Engine) refreshMapping(localID string, remote *tracker.RemoteIssue, localUpdated time.Time) error {
	return e.store.UpsertMapping(issue.Mapping{
		Scope:        e.scope.Key(),
		LocalID:      localID,
		RemoteNumber: remote.Number,
		LocalSnap:    localUpdated,
		RemoteSnap:   remoteUpdated(remote, e.now()),
	})
}

func remoteUpdated(remote *tracker.RemoteIssue, fallback time.Time) time.Time {
	if remote.UpdatedAt.IsZero() {
		return fallback
	}
	return remote.UpdatedAt
}

// relationsFor collects an issue's dependency references for encoding,
// expressed as remote numbers where mapped and raw local ids otherwise.
func (e *Engine) relationsFor(i *issue.Issue) (convention.Relations, error) {
	var rel convention.Relations

	ref := func(localID string) string {
		m, err := e.store.MappingByLocalID(e.scope.Key(), localID)
		if err != nil {
			return localID
		}
		return strconv.Itoa(m.RemoteNumber)
	}

	blockers, err := e.store.DependentsOf(i.ID)
	if err != nil {
		return rel, err
	}
	for _, d := range blockers {
		if d.Kind == issue.DependencyBlocks {
			rel.DependsOn = append(rel.DependsOn, ref(d.FromID))
		}
	}

	blocking, err := e.store.DependenciesOf(i.ID)
	if err != nil {
		return rel, err
	}
	for _, d := range blocking {
		if d.Kind == issue.DependencyBlocks {
			rel.Blocks = append(rel.Blocks, ref(d.ToID))
		}
	}

	if i.ParentID != "" {
		rel.Parent = ref(i.ParentID)
	}
	return rel, nil
}

// Push encodes each issue and writes it to the remote: an update when
// mapped, a create (plus mapping insert) otherwise. Per-issue failures
// are captured, never fatal to the batch.
func (e *Engine) Push(ctx context.Context, issues []*issue.Issue) Result {
	var result Result
	for _, i := range issues {
		result.merge(e.pushOne(ctx, i))
	}
	e.record(ctx, result)
	return result
}

func (e *Engine) pushOne(ctx context.Context, i *issue.Issue) Result {
	var result Result

	rel, err := e.relationsFor(i)
	if err != nil {
		result.Errors = append(result.Errors, OpError{LocalID: i.ID, Op: "collect-relations", Message: err.Error()})
		return result
	}
	remote := e.codec.Encode(i, rel)

	req := tracker.IssueRequest{
		Title:     tracker.String(remote.Title),
		Body:      tracker.String(remote.Body),
		Labels:    tracker.Strings(remote.Labels),
		State:     tracker.String(remote.State),
		Assignees: tracker.Strings(remote.Assignees),
	}

	mapping, err := e.store.MappingByLocalID(e.scope.Key(), i.ID)
	if err == nil {
		res := retry.Do(ctx, e.retrier, func(ctx context.Context) (*tracker.RemoteIssue, error) {
			return e.client.UpdateIssue(ctx, e.scope.Owner, e.scope.Repo, mapping.RemoteNumber, req)
		})
		if !res.Success {
			result.Errors = append(result.Errors, OpError{LocalID: i.ID, RemoteNumber: mapping.RemoteNumber, Op: "update-remote", Message: res.Err.Error()})
			return result
		}
		if err := e.afterPush(i, res.Value); err != nil {
			result.Errors = append(result.Errors, OpError{LocalID: i.ID, RemoteNumber: mapping.RemoteNumber, Op: "map", Message: err.Error()})
			return result
		}
		result.Updated = append(result.Updated, i.ID)
		return result
	}

	res := retry.Do(ctx, e.retrier, func(ctx context.Context) (*tracker.RemoteIssue, error) {
		return e.client.CreateIssue(ctx, e.scope.Owner, e.scope.Repo, req)
	})
	if !res.Success {
		result.Errors = append(result.Errors, OpError{LocalID: i.ID, Op: "create-remote", Message: res.Err.Error()})
		return result
	}
	if err := e.afterPush(i, res.Value); err != nil {
		result.Errors = append(result.Errors, OpError{LocalID: i.ID, RemoteNumber: res.Value.Number, Op: "map", Message: err.Error()})
		return result
	}
	result.Created = append(result.Created, i.ID)
	return result
}

// afterPush binds the mapping and stamps the local issue's external
// reference after a successful remote write.
func (e *Engine) afterPush(i *issue.Issue, remote *tracker.RemoteIssue) error {
	now := e.now()
	if err := e.store.UpsertMapping(issue.Mapping{
		Scope:        e.scope.Key(),
		LocalID:      i.ID,
		RemoteNumber: remote.Number,
		LocalSnap:    i.UpdatedAt,
		RemoteSnap:   remoteUpdated(remote, now),
	}); err != nil {
		return err
	}

	fresh, err := e.store.Get(i.ID)
	if err != nil {
		return err
	}
	if fresh.External == nil || fresh.External.Number != remote.Number || fresh.LastSyncedRemote == nil {
		fresh.External = &issue.ExternalRef{Number: remote.Number, URL: remote.HTMLURL}
		syncedAt := now
		fresh.LastSyncedRemote = &syncedAt
		if err := e.store.Update(fresh); err != nil {
			return err
		}
	}
	return nil
}

// Pull lists remote issues and applies each locally: create when
// unmapped, update when mapped. Absence is never observed; nothing is
// deleted on either side.
func (e *Engine) Pull(ctx context.Context) Result {
	var result Result

	res := retry.Do(ctx, e.retrier, func(ctx context.Context) ([]*tracker.RemoteIssue, error) {
		return e.client.ListIssues(ctx, e.scope.Owner, e.scope.Repo, tracker.ListOptions{State: "all"})
	})
	if !res.Success {
		result.Errors = append(result.Errors, OpError{Op: "list-remote", Message: res.Err.Error()})
		e.record(ctx, result)
		return result
	}

	for _, remote := range res.Value {
		mapping, err := e.store.MappingByRemoteNumber(e.scope.Key(), remote.Number)
		if err != nil {
			result.merge(e.createLocal(ctx, remote))
			continue
		}
		result.merge(e.updateLocal(ctx, mapping.LocalID, remote))
	}
	e.record(ctx, result)
	return result
}

// Sync runs full bidirectional convergence. Issues changed on both
// sides since the mapping snapshot surface as conflicts resolved per
// the strategy; one-sided changes flow in their natural direction;
// unmapped issues are created on the counterpart side.
func (e *Engine) Sync(ctx context.Context, strategy Strategy) Result {
	var result Result
	if strategy == "" {
		strategy = e.strategy
	}

	remoteRes := retry.Do(ctx, e.retrier, func(ctx context.Context) ([]*tracker.RemoteIssue, error) {
		return e.client.ListIssues(ctx, e.scope.Owner, e.scope.Repo, tracker.ListOptions{State: "all"})
	})
	if !remoteRes.Success {
		result.Errors = append(result.Errors, OpError{Op: "list-remote", Message: remoteRes.Err.Error()})
		e.record(ctx, result)
		return result
	}
	locals, err := e.store.List(issue.ListFilter{})
	if err != nil {
		result.Errors = append(result.Errors, OpError{Op: "list-local", Message: err.Error()})
		e.record(ctx, result)
		return result
	}

	localByID := make(map[string]*issue.Issue, len(locals))
	for _, i := range locals {
		localByID[i.ID] = i
	}
	pushedOrPulled := make(map[string]bool)

	for _, remote := range e.sortedRemotes(remoteRes.Value) {
		mapping, err := e.store.MappingByRemoteNumber(e.scope.Key(), remote.Number)
		if err != nil {
			result.merge(e.createLocal(ctx, remote))
			continue
		}
		local, ok := localByID[mapping.LocalID]
		if !ok {
			// Mapping points at a vanished local row; re-materialize.
			result.merge(e.createLocal(ctx, remote))
			continue
		}
		pushedOrPulled[local.ID] = true

		localChanged := local.UpdatedAt.After(mapping.LocalSnap)
		remoteChanged := remote.UpdatedAt.After(mapping.RemoteSnap)

		switch {
		case localChanged && remoteChanged:
			conflict := Conflict{
				LocalID:       local.ID,
				RemoteNumber:  remote.Number,
				LocalUpdated:  local.UpdatedAt,
				RemoteUpdated: remote.UpdatedAt,
			}
			switch resolveConflict(strategy, local.UpdatedAt, remote.UpdatedAt) {
			case "github":
				conflict.Resolution = "github"
				result.merge(e.updateLocal(ctx, local.ID, remote))
			case "local":
				conflict.Resolution = "local"
				result.merge(e.pushOne(ctx, local))
			}
			result.Conflicts = append(result.Conflicts, conflict)
			e.logger.Warn("sync conflict resolved",
				slog.String("issue_id", local.ID),
				slog.Int("remote_number", remote.Number),
				slog.String("resolution", conflict.Resolution))

		case remoteChanged:
			result.merge(e.updateLocal(ctx, local.ID, remote))

		case localChanged:
			result.merge(e.pushOne(ctx, local))
		}
	}

	// Locals the remote pass never touched: push the unmapped and the
	// locally-changed-but-unlisted.
	for _, local := range locals {
		if pushedOrPulled[local.ID] {
			continue
		}
		mapping, err := e.store.MappingByLocalID(e.scope.Key(), local.ID)
		if err != nil {
			result.merge(e.pushOne(ctx, local))
			continue
		}
		if local.UpdatedAt.After(mapping.LocalSnap) {
			result.merge(e.pushOne(ctx, local))
		}
	}

	e.record(ctx, result)
	return result
}

// resolveConflict decides who wins: "github" or "local".
func resolveConflict(strategy Strategy, localUpdated, remoteUpdated time.Time) string {
	switch strategy {
	case StrategyGitHubWins:
		return "github"
	case StrategyLocalWins:
		return "local"
	default: // newest-wins; remote wins ties
		if localUpdated.After(remoteUpdated) {
			return "local"
		}
		return "github"
	}
}

// sortedRemotes returns remotes in ascending number order so results
// are deterministic.
func (e *Engine) sortedRemotes(remotes []*tracker.RemoteIssue) []*tracker.RemoteIssue {
	out := make([]*tracker.RemoteIssue, len(remotes))
	copy(out, remotes)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (e *Engine) record(ctx context.Context, result Result) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordSyncResult(ctx, e.scope.FullName(),
		len(result.Created), len(result.Updated), len(result.Conflicts), len(result.Errors))
}
