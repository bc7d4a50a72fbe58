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

// Package dag answers read-only graph queries over the blocks-subgraph
// of the Issue Store: readiness, blocked state, and critical path. Every
// query loads a fresh snapshot from the store so results are consistent
// with a single point in time, never a mix of old and new writes.
package dag

import (
	"fmt"
	"sort"

	"github.com/loomhq/loom/internal/apperr"
	"github.com/loomhq/loom/internal/issue"
)

// Engine evaluates DAG queries against an issue.Store snapshot.
type Engine struct {
	store issue.Store
}

// New constructs an Engine backed by store.
func New(store issue.Store) *Engine {
	return &Engine{store: store}
}

type snapshot struct {
	issues   map[string]*issue.Issue
	blockers map[string][]string // id -> ids that block it (to_id=id, from_id=blocker, kind=blocks)
	blocks   map[string][]string // id -> ids it blocks
}

func (e *Engine) snapshot() (*snapshot, error) {
	all, err := e.store.List(issue.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("dag: list issues: %w", err)
	}
	deps, err := e.store.AllDependencies()
	if err != nil {
		return nil, fmt.Errorf("dag: list dependencies: %w", err)
	}

	s := &snapshot{
		issues:   make(map[string]*issue.Issue, len(all)),
		blockers: make(map[string][]string),
		blocks:   make(map[string][]string),
	}
	for _, i := range all {
		s.issues[i.ID] = i
	}
	for _, d := range deps {
		if d.Kind != issue.DependencyBlocks {
			continue
		}
		// Dependency{FromID, ToID, Kind: blocks} reads "FromID blocks ToID":
		// ToID cannot proceed until FromID closes.
		s.blockers[d.ToID] = append(s.blockers[d.ToID], d.FromID)
		s.blocks[d.FromID] = append(s.blocks[d.FromID], d.ToID)
	}
	return s, nil
}

func (s *snapshot) openBlockers(id string) []string {
	var open []string
	for _, blockerID := range s.blockers[id] {
		blocker, ok := s.issues[blockerID]
		if !ok {
			continue
		}
		if blocker.Status != issue.StatusClosed {
			open = append(open, blockerID)
		}
	}
	sort.Strings(open)
	return open
}

// Ready returns issues with status=open and no open blocks-parent,
// ordered by priority ascending then created_at ascending.
func (e *Engine) Ready() ([]*issue.Issue, error) {
	s, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	var result []*issue.Issue
	for _, i := range s.issues {
		if i.Status != issue.StatusOpen {
			continue
		}
		if len(s.openBlockers(i.ID)) == 0 {
			result = append(result, i)
		}
	}
	sortByPriorityThenCreated(result)
	return result, nil
}

// Blocked returns issues that are open with at least one open
// blocks-parent, plus any issue whose stored status is explicitly
// "blocked".
func (e *Engine) Blocked() ([]*issue.Issue, error) {
	s, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	var result []*issue.Issue
	seen := make(map[string]bool)
	for _, i := range s.issues {
		if i.Status == issue.StatusBlocked {
			result = append(result, i)
			seen[i.ID] = true
			continue
		}
		if i.Status == issue.StatusOpen && len(s.openBlockers(i.ID)) > 0 && !seen[i.ID] {
			result = append(result, i)
			seen[i.ID] = true
		}
	}
	sortByPriorityThenCreated(result)
	return result, nil
}

// BlockedBy returns the direct open blocks-parents of id.
func (e *Engine) BlockedBy(id string) ([]*issue.Issue, error) {
	s, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	var result []*issue.Issue
	for _, blockerID := range s.openBlockers(id) {
		result = append(result, s.issues[blockerID])
	}
	return result, nil
}

// Unblocks returns the blocks-children of id that would become ready if
// id closed right now (i.e. id is their only open blocker).
func (e *Engine) Unblocks(id string) ([]*issue.Issue, error) {
	s, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	var result []*issue.Issue
	for _, childID := range s.blocks[id] {
		child, ok := s.issues[childID]
		if !ok || child.Status != issue.StatusOpen {
			continue
		}
		open := s.openBlockers(childID)
		if len(open) == 1 && open[0] == id {
			result = append(result, child)
		}
	}
	sortByPriorityThenCreated(result)
	return result, nil
}

// ValidateInsert returns apperr.CycleRejectedError if adding a blocks
// edge fromID -> toID (fromID blocks toID) would
// create a cycle in the blocks-subgraph.
func (e *Engine) ValidateInsert(fromID, toID string) error {
	if fromID == toID {
		return &apperr.CycleRejectedError{FromID: fromID, ToID: toID}
	}
	s, err := e.snapshot()
	if err != nil {
		return err
	}
	// Inserting fromID-blocks->toID creates a cycle iff toID already
	// (transitively) blocks fromID, i.e. fromID is reachable from toID by
	// following existing blocks edges.
	visited := make(map[string]bool)
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if node == fromID {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for _, next := range s.blocks[node] {
			if dfs(next) {
				return true
			}
		}
		return false
	}
	if dfs(toID) {
		return &apperr.CycleRejectedError{FromID: fromID, ToID: toID}
	}
	return nil
}

// CriticalPath returns the longest path through the open blocks-graph,
// source first (topological order), weighted by one per node. Ties are
// broken by higher priority (lower numeric value) then earlier
// created_at.
func (e *Engine) CriticalPath() ([]*issue.Issue, error) {
	s, err := e.snapshot()
	if err != nil {
		return nil, err
	}

	// Restrict to open issues and open blocks-edges only.
	openIDs := make(map[string]bool)
	for id, i := range s.issues {
		if i.Status != issue.StatusClosed {
			openIDs[id] = true
		}
	}

	// longest[id] = length of the longest chain ending at id (id included).
	longest := make(map[string]int)
	prev := make(map[string]string)

	order, err := topoOrder(s, openIDs)
	if err != nil {
		return nil, err
	}

	var best string
	bestLen := -1
	for _, id := range order {
		length := 1
		var from string
		for _, blockerID := range s.blockers[id] {
			if !openIDs[blockerID] {
				continue
			}
			candidate := longest[blockerID] + 1
			if candidate > length || (candidate == length && from != "" && lessTieBreak(s.issues[blockerID], s.issues[from])) {
				length = candidate
				from = blockerID
			}
		}
		longest[id] = length
		if from != "" {
			prev[id] = from
		}
		if length > bestLen || (length == bestLen && lessTieBreak(s.issues[id], s.issues[best])) {
			bestLen = length
			best = id
		}
	}

	if best == "" {
		return nil, nil
	}

	var chain []string
	for cur := best; cur != ""; {
		chain = append(chain, cur)
		next, ok := prev[cur]
		if !ok {
			break
		}
		cur = next
	}
	// chain is currently sink-to-source; reverse to source-first.
	result := make([]*issue.Issue, len(chain))
	for i, id := range chain {
		result[len(chain)-1-i] = s.issues[id]
	}
	return result, nil
}

func lessTieBreak(a, b *issue.Issue) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// topoOrder returns a topological ordering (blockers before dependents)
// of the restricted node set using Kahn's algorithm.
func topoOrder(s *snapshot, include map[string]bool) ([]string, error) {
	inDegree := make(map[string]int)
	for id := range include {
		inDegree[id] = 0
	}
	for id := range include {
		for _, blockerID := range s.blockers[id] {
			if include[blockerID] {
				inDegree[id]++
			}
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Slice(queue, func(i, j int) bool {
		return lessTieBreak(s.issues[queue[i]], s.issues[queue[j]])
	})

	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		var freed []string
		for _, childID := range s.blocks[node] {
			if !include[childID] {
				continue
			}
			inDegree[childID]--
			if inDegree[childID] == 0 {
				freed = append(freed, childID)
			}
		}
		sort.Slice(freed, func(i, j int) bool {
			return lessTieBreak(s.issues[freed[i]], s.issues[freed[j]])
		})
		queue = append(queue, freed...)
	}

	if len(order) != len(include) {
		return nil, fmt.Errorf("dag: cycle detected in blocks-subgraph (got %d of %d nodes)", len(order), len(include))
	}
	return order, nil
}

func sortByPriorityThenCreated(issues []*issue.Issue) {
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Priority != issues[j].Priority {
			return issues[i].Priority < issues[j].Priority
		}
		return issues[i].CreatedAt.Before(issues[j].CreatedAt)
	})
}
