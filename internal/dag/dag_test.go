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

package dag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/apperr"
	"github.com/loomhq/loom/internal/issue"
	issuesqlite "github.com/loomhq/loom/internal/issue/sqlite"
	"github.com/loomhq/loom/internal/store"
)

func newEngine(t *testing.T) (*Engine, issue.Store) {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := issuesqlite.New(db)
	require.NoError(t, err)
	return New(st), st
}

func add(t *testing.T, st issue.Store, id string, priority int, status issue.Status, created time.Time) {
	t.Helper()
	i := &issue.Issue{
		ID: id, Title: "Issue " + id, Type: issue.TypeTask,
		Priority: priority, Status: status,
		CreatedAt: created, UpdatedAt: created,
	}
	if status == issue.StatusClosed {
		closedAt := created
		i.ClosedAt = &closedAt
	}
	require.NoError(t, st.Create(i))
}

func blocks(t *testing.T, st issue.Store, blocker, blocked string) {
	t.Helper()
	require.NoError(t, st.AddDependency(issue.Dependency{
		FromID: blocker, ToID: blocked, Kind: issue.DependencyBlocks,
	}))
}

func ids(issues []*issue.Issue) []string {
	out := make([]string, len(issues))
	for i, iss := range issues {
		out[i] = iss.ID
	}
	return out
}

func TestReadiness(t *testing.T) {
	// A (priority 0, no deps), B (priority 1, blocked by A),
	// C (priority 2, closed). Ready is [A]; after closing A, [B].
	e, st := newEngine(t)
	base := time.Now().UTC()

	add(t, st, "A", 0, issue.StatusOpen, base)
	add(t, st, "B", 1, issue.StatusOpen, base.Add(time.Minute))
	add(t, st, "C", 2, issue.StatusClosed, base.Add(2*time.Minute))
	blocks(t, st, "A", "B")

	ready, err := e.Ready()
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, ids(ready))

	require.NoError(t, st.Close("A", base.Add(time.Hour)))

	ready, err = e.Ready()
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, ids(ready))
}

func TestOnlyBlocksEdgesAffectReadiness(t *testing.T) {
	e, st := newEngine(t)
	base := time.Now().UTC()

	add(t, st, "A", 0, issue.StatusOpen, base)
	add(t, st, "B", 1, issue.StatusOpen, base)
	require.NoError(t, st.AddDependency(issue.Dependency{
		FromID: "A", ToID: "B", Kind: issue.DependencyRelated,
	}))

	ready, err := e.Ready()
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, ids(ready))
}

func TestBlocked(t *testing.T) {
	e, st := newEngine(t)
	base := time.Now().UTC()

	add(t, st, "A", 0, issue.StatusOpen, base)
	add(t, st, "B", 1, issue.StatusOpen, base)
	add(t, st, "C", 2, issue.StatusBlocked, base) // explicitly blocked
	blocks(t, st, "A", "B")

	blocked, err := e.Blocked()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"B", "C"}, ids(blocked))
}

func TestBlockedByAndUnblocks(t *testing.T) {
	e, st := newEngine(t)
	base := time.Now().UTC()

	add(t, st, "A", 0, issue.StatusOpen, base)
	add(t, st, "B", 1, issue.StatusOpen, base)
	add(t, st, "C", 2, issue.StatusOpen, base)
	add(t, st, "D", 3, issue.StatusOpen, base)
	blocks(t, st, "A", "C") // C blocked by A and B
	blocks(t, st, "B", "C")
	blocks(t, st, "A", "D") // D blocked by A only

	by, err := e.BlockedBy("C")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"A", "B"}, ids(by))

	// Closing A frees D but not C (B still open).
	unblocks, err := e.Unblocks("A")
	require.NoError(t, err)
	require.Equal(t, []string{"D"}, ids(unblocks))
}

func TestCycleRejected(t *testing.T) {
	e, st := newEngine(t)
	base := time.Now().UTC()

	add(t, st, "A", 0, issue.StatusOpen, base)
	add(t, st, "B", 1, issue.StatusOpen, base)
	add(t, st, "C", 2, issue.StatusOpen, base)
	blocks(t, st, "A", "B")
	blocks(t, st, "B", "C")

	// C -> A would close the loop.
	var cycle *apperr.CycleRejectedError
	require.ErrorAs(t, e.ValidateInsert("C", "A"), &cycle)

	// Self-edges are cycles too.
	require.ErrorAs(t, e.ValidateInsert("A", "A"), &cycle)

	// A fresh edge elsewhere is fine.
	require.NoError(t, e.ValidateInsert("A", "C"))
}

func TestCriticalPath(t *testing.T) {
	e, st := newEngine(t)
	base := time.Now().UTC()

	// Chain A -> B -> C plus a lone D: the critical path is the chain,
	// source first.
	add(t, st, "A", 0, issue.StatusOpen, base)
	add(t, st, "B", 1, issue.StatusOpen, base.Add(time.Minute))
	add(t, st, "C", 2, issue.StatusOpen, base.Add(2*time.Minute))
	add(t, st, "D", 0, issue.StatusOpen, base.Add(3*time.Minute))
	blocks(t, st, "A", "B")
	blocks(t, st, "B", "C")

	path, err := e.CriticalPath()
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C"}, ids(path))
}

func TestCriticalPathIgnoresClosed(t *testing.T) {
	e, st := newEngine(t)
	base := time.Now().UTC()

	add(t, st, "A", 0, issue.StatusClosed, base)
	add(t, st, "B", 1, issue.StatusOpen, base.Add(time.Minute))
	add(t, st, "C", 2, issue.StatusOpen, base.Add(2*time.Minute))
	blocks(t, st, "A", "B")
	blocks(t, st, "B", "C")

	path, err := e.CriticalPath()
	require.NoError(t, err)
	require.Equal(t, []string{"B", "C"}, ids(path))
}

func TestEmptyGraph(t *testing.T) {
	e, _ := newEngine(t)

	ready, err := e.Ready()
	require.NoError(t, err)
	require.Empty(t, ready)

	path, err := e.CriticalPath()
	require.NoError(t, err)
	require.Empty(t, path)
}
