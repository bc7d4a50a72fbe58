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

package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/apperr"
	"github.com/loomhq/loom/internal/issue"
	"github.com/loomhq/loom/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	require.NoError(t, err)
	return s
}

func testIssue(id string, priority int, created time.Time) *issue.Issue {
	return &issue.Issue{
		ID:        id,
		Title:     "Issue " + id,
		Type:      issue.TypeTask,
		Priority:  priority,
		Status:    issue.StatusOpen,
		Labels:    []string{"backend"},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	closedAt := now.Add(time.Hour)
	original := &issue.Issue{
		ID: "L1", Title: "Fix auth", Description: "details",
		Labels: []string{"bug", "auth"}, Priority: 1, Type: issue.TypeBug,
		Status: issue.StatusClosed, Assignee: "tom", ParentID: "L0",
		CreatedAt: now, UpdatedAt: now, ClosedAt: &closedAt,
		External: &issue.ExternalRef{Number: 42, URL: "https://example.com/42"},
	}
	require.NoError(t, s.Create(original))

	got, err := s.Get("L1")
	require.NoError(t, err)
	require.Equal(t, original.Title, got.Title)
	require.Equal(t, original.Labels, got.Labels)
	require.Equal(t, original.Priority, got.Priority)
	require.Equal(t, original.Type, got.Type)
	require.Equal(t, original.Status, got.Status)
	require.Equal(t, original.Assignee, got.Assignee)
	require.Equal(t, original.ParentID, got.ParentID)
	require.True(t, got.ClosedAt.Equal(closedAt))
	require.Equal(t, 42, got.External.Number)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("missing")
	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestListOrdersByPriorityThenCreated(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	require.NoError(t, s.Create(testIssue("older-p2", 2, base.Add(-2*time.Hour))))
	require.NoError(t, s.Create(testIssue("newer-p2", 2, base.Add(-1*time.Hour))))
	require.NoError(t, s.Create(testIssue("p0", 0, base)))

	all, err := s.List(issue.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "p0", all[0].ID)
	require.Equal(t, "older-p2", all[1].ID)
	require.Equal(t, "newer-p2", all[2].ID)
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	a := testIssue("a", 1, now)
	a.Assignee = "tom"
	a.Labels = []string{"code"}
	require.NoError(t, s.Create(a))

	b := testIssue("b", 2, now)
	b.Status = issue.StatusBlocked
	require.NoError(t, s.Create(b))

	byStatus, err := s.List(issue.ListFilter{Status: issue.StatusBlocked})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	require.Equal(t, "b", byStatus[0].ID)

	byAssignee, err := s.List(issue.ListFilter{Assignee: "tom"})
	require.NoError(t, err)
	require.Len(t, byAssignee, 1)
	require.Equal(t, "a", byAssignee[0].ID)

	byLabel, err := s.List(issue.ListFilter{Label: "code"})
	require.NoError(t, err)
	require.Len(t, byLabel, 1)
	require.Equal(t, "a", byLabel[0].ID)

	since, err := s.List(issue.ListFilter{UpdatedSince: now.Add(time.Hour)})
	require.NoError(t, err)
	require.Empty(t, since)
}

func TestCloseSetsClosedAt(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.Create(testIssue("L1", 2, now)))

	closedAt := now.Add(time.Minute)
	require.NoError(t, s.Close("L1", closedAt))

	got, err := s.Get("L1")
	require.NoError(t, err)
	require.Equal(t, issue.StatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)
	require.True(t, got.ClosedAt.Equal(closedAt.Truncate(0)))
}

func TestDependencies(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.Create(testIssue("A", 1, now)))
	require.NoError(t, s.Create(testIssue("B", 2, now)))

	dep := issue.Dependency{FromID: "A", ToID: "B", Kind: issue.DependencyBlocks}
	require.NoError(t, s.AddDependency(dep))
	// Duplicate insert is a no-op.
	require.NoError(t, s.AddDependency(dep))

	of, err := s.DependenciesOf("A")
	require.NoError(t, err)
	require.Len(t, of, 1)
	require.Equal(t, "B", of[0].ToID)

	dependents, err := s.DependentsOf("B")
	require.NoError(t, err)
	require.Len(t, dependents, 1)
	require.Equal(t, "A", dependents[0].FromID)

	require.NoError(t, s.RemoveDependency(dep))
	of, err = s.DependenciesOf("A")
	require.NoError(t, err)
	require.Empty(t, of)
}

func TestMappingRebindRejected(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	m := issue.Mapping{Scope: "acme/widgets#1", LocalID: "L1", RemoteNumber: 42, LocalSnap: now, RemoteSnap: now}
	require.NoError(t, s.UpsertMapping(m))

	// Refreshing the same binding is fine.
	m.LocalSnap = now.Add(time.Minute)
	require.NoError(t, s.UpsertMapping(m))

	// Binding the same remote number to a different local id is not.
	conflict := issue.Mapping{Scope: "acme/widgets#1", LocalID: "L2", RemoteNumber: 42, LocalSnap: now, RemoteSnap: now}
	var mc *apperr.MappingConflictError
	require.ErrorAs(t, s.UpsertMapping(conflict), &mc)

	// The same remote number in a different scope is independent.
	other := issue.Mapping{Scope: "acme/gadgets#1", LocalID: "L2", RemoteNumber: 42, LocalSnap: now, RemoteSnap: now}
	require.NoError(t, s.UpsertMapping(other))

	byLocal, err := s.MappingByLocalID("acme/widgets#1", "L1")
	require.NoError(t, err)
	require.Equal(t, 42, byLocal.RemoteNumber)

	byRemote, err := s.MappingByRemoteNumber("acme/widgets#1", 42)
	require.NoError(t, err)
	require.Equal(t, "L1", byRemote.LocalID)
}

func TestDeliveryDedupAndEviction(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	seen, err := s.SeenDelivery("d1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, s.MarkDelivery("d1", now.Add(-40*24*time.Hour), now.Add(-40*24*time.Hour)))
	require.NoError(t, s.MarkDelivery("d2", now, now))

	seen, err = s.SeenDelivery("d1")
	require.NoError(t, err)
	require.True(t, seen)

	evicted, err := s.EvictDeliveries(now.Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	seen, err = s.SeenDelivery("d1")
	require.NoError(t, err)
	require.False(t, seen)
	seen, err = s.SeenDelivery("d2")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestRepos(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertRepo(issue.Repo{Owner: "acme", Name: "widgets", InstallationID: 1, SyncEnabled: true}))
	require.NoError(t, s.UpsertRepo(issue.Repo{Owner: "acme", Name: "paused", InstallationID: 1, SyncEnabled: false}))

	enabled, err := s.ListRepos(true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	require.Equal(t, "acme/widgets", enabled[0].FullName())

	now := time.Now().UTC()
	require.NoError(t, s.UpdateRepoSyncStatus("acme", "widgets", now, "ok", ""))

	all, err := s.ListRepos(false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, r := range all {
		if r.Name == "widgets" {
			require.Equal(t, "ok", r.SyncStatus)
			require.NotNil(t, r.LastSyncAt)
		}
	}

	var nf *apperr.NotFoundError
	require.ErrorAs(t, s.UpdateRepoSyncStatus("acme", "ghost", now, "ok", ""), &nf)
}
