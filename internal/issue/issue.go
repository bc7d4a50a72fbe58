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

// Package issue holds the Issue Store's data model and Store contract.
// The store is the single owner of issues, dependency edges, and the
// local-to-remote mapping table; every other component reaches them
// through this interface rather than holding its own copy.
package issue

import "time"

// Type is the category of work an issue represents.
type Type string

const (
	TypeBug     Type = "bug"
	TypeFeature Type = "feature"
	TypeTask    Type = "task"
	TypeEpic    Type = "epic"
	TypeChore   Type = "chore"
)

// Status is the advisory lifecycle state of an issue. The DAG Engine,
// not this field, is canonical for readiness.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// DependencyKind is the relation a dependency edge carries. Only Blocks
// contributes to DAG readiness queries.
type DependencyKind string

const (
	DependencyBlocks   DependencyKind = "blocks"
	DependencyRelated  DependencyKind = "related"
	DependencyParent   DependencyKind = "parent"
	DependencyDiscovers DependencyKind = "discovers"
)

// ExternalRef points at the remote tracker's copy of an issue.
type ExternalRef struct {
	Number int
	URL    string
}

// Issue is the central entity of the store.
type Issue struct {
	ID          string
	Title       string
	Description string
	Labels      []string
	Priority    int
	Type        Type
	Status      Status
	Assignee    string
	ParentID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
	LastSyncedRemote *time.Time
	External    *ExternalRef
}

// Dependency is a directed edge between two issues. For Kind=blocks,
// FromID blocks ToID: ToID cannot be considered ready while FromID is
// open. For Kind=parent, FromID is the child and ToID is the epic.
type Dependency struct {
	FromID string
	ToID   string
	Kind   DependencyKind
}

// Mapping correlates a local issue with its remote tracker counterpart
// within one (owner, repo, installation) scope, carrying the snapshot
// timestamps observed at the time of the last successful sync.
type Mapping struct {
	Scope        string
	LocalID      string
	RemoteNumber int
	LocalSnap    time.Time
	RemoteSnap   time.Time
}

// Repo is a tracked repository: the scope in which mappings live and
// the unit the Reconciliation Workflow iterates over.
type Repo struct {
	Owner          string
	Name           string
	InstallationID int64
	SyncEnabled    bool
	LastSyncAt     *time.Time
	SyncStatus     string
	SyncError      string
}

// FullName returns "owner/name".
func (r Repo) FullName() string { return r.Owner + "/" + r.Name }

// ListFilter narrows List results. Zero values are unconstrained.
type ListFilter struct {
	Status       Status
	Assignee     string
	Type         Type
	Label        string
	UpdatedSince time.Time
}

// Store is the Issue Store's contract: CRUD on issues and dependency
// edges, plus the mapping table. Implementations guarantee stable order
// (priority ascending, then created_at ascending) for List.
type Store interface {
	Create(issue *Issue) error
	Get(id string) (*Issue, error)
	Update(issue *Issue) error
	Close(id string, now time.Time) error
	List(filter ListFilter) ([]*Issue, error)

	AddDependency(dep Dependency) error
	RemoveDependency(dep Dependency) error
	DependenciesOf(id string) ([]Dependency, error)
	DependentsOf(id string) ([]Dependency, error)
	AllDependencies() ([]Dependency, error)

	UpsertMapping(m Mapping) error
	MappingByLocalID(scope, localID string) (*Mapping, error)
	MappingByRemoteNumber(scope string, remoteNumber int) (*Mapping, error)

	SeenDelivery(deliveryID string) (bool, error)
	MarkDelivery(deliveryID string, receivedAt, processedAt time.Time) error
	EvictDeliveries(before time.Time) (int, error)

	UpsertRepo(r Repo) error
	ListRepos(syncEnabledOnly bool) ([]Repo, error)
	UpdateRepoSyncStatus(owner, name string, at time.Time, status, syncErr string) error
}
