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

// Package sqlite is the modernc.org/sqlite-backed implementation of
// issue.Store.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/apperr"
	"github.com/loomhq/loom/internal/issue"
)

// Store is a single-writer SQLite-backed issue.Store. The shared
// database handle is opened by internal/store with SetMaxOpenConns(1);
// an in-process mutex serializes multi-statement operations on top.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New runs this store's migrations against the shared database handle
// (opened by internal/store) and returns the store.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS issues (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	labels TEXT NOT NULL DEFAULT '[]',
	priority INTEGER NOT NULL DEFAULT 2,
	type TEXT NOT NULL DEFAULT 'task',
	status TEXT NOT NULL DEFAULT 'open',
	assignee TEXT NOT NULL DEFAULT '',
	parent_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	closed_at DATETIME,
	last_synced_remote DATETIME,
	external_number INTEGER,
	external_url TEXT,
	CHECK (status != 'closed' OR closed_at IS NOT NULL)
);
CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
CREATE INDEX IF NOT EXISTS idx_issues_assignee ON issues(assignee);
CREATE INDEX IF NOT EXISTS idx_issues_updated_at ON issues(updated_at);

CREATE TABLE IF NOT EXISTS dependencies (
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	PRIMARY KEY (from_id, to_id, kind),
	FOREIGN KEY (from_id) REFERENCES issues(id) ON DELETE CASCADE,
	FOREIGN KEY (to_id) REFERENCES issues(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_dependencies_to_id ON dependencies(to_id);

CREATE TABLE IF NOT EXISTS mappings (
	scope TEXT NOT NULL,
	local_id TEXT NOT NULL,
	remote_number INTEGER NOT NULL,
	local_snap DATETIME NOT NULL,
	remote_snap DATETIME NOT NULL,
	PRIMARY KEY (scope, local_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_remote ON mappings(scope, remote_number);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	delivery_id TEXT PRIMARY KEY,
	received_at DATETIME NOT NULL,
	processed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_deliveries_received ON webhook_deliveries(received_at);

CREATE TABLE IF NOT EXISTS repos (
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	installation_id INTEGER NOT NULL DEFAULT 0,
	sync_enabled INTEGER NOT NULL DEFAULT 1,
	last_sync_at DATETIME,
	sync_status TEXT NOT NULL DEFAULT '',
	sync_error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (owner, name)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("issue/sqlite: migrate: %w", err)
	}
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func (s *Store) Create(i *issue.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	labels, err := json.Marshal(i.Labels)
	if err != nil {
		return fmt.Errorf("issue/sqlite: marshal labels: %w", err)
	}

	var extNumber any
	var extURL any
	if i.External != nil {
		extNumber = i.External.Number
		extURL = i.External.URL
	}

	_, err = s.db.Exec(`
		INSERT INTO issues (id, title, description, labels, priority, type, status, assignee, parent_id,
			created_at, updated_at, closed_at, last_synced_remote, external_number, external_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.Title, i.Description, string(labels), i.Priority, string(i.Type), string(i.Status),
		i.Assignee, i.ParentID,
		formatTime(i.CreatedAt), formatTime(i.UpdatedAt), nullTime(i.ClosedAt), nullTime(i.LastSyncedRemote),
		extNumber, extURL,
	)
	if err != nil {
		return fmt.Errorf("issue/sqlite: create: %w", err)
	}
	return nil
}

func (s *Store) Get(id string) (*issue.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *Store) get(id string) (*issue.Issue, error) {
	row := s.db.QueryRow(`
		SELECT id, title, description, labels, priority, type, status, assignee, parent_id,
			created_at, updated_at, closed_at, last_synced_remote, external_number, external_url
		FROM issues WHERE id = ?`, id)
	i, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, &apperr.NotFoundError{Resource: "issue", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("issue/sqlite: get: %w", err)
	}
	return i, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIssue(row scanner) (*issue.Issue, error) {
	var (
		i                                    issue.Issue
		labelsJSON, typ, status              string
		assignee, parentID                   sql.NullString
		createdAt, updatedAt                 string
		closedAt, lastSyncedRemote           sql.NullString
		extNumber                            sql.NullInt64
		extURL                               sql.NullString
	)
	if err := row.Scan(&i.ID, &i.Title, &i.Description, &labelsJSON, &i.Priority, &typ, &status,
		&assignee, &parentID, &createdAt, &updatedAt, &closedAt, &lastSyncedRemote, &extNumber, &extURL); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(labelsJSON), &i.Labels); err != nil {
		return nil, fmt.Errorf("unmarshal labels: %w", err)
	}
	i.Type = issue.Type(typ)
	i.Status = issue.Status(status)
	i.Assignee = assignee.String
	i.ParentID = parentID.String

	ca, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	i.CreatedAt = ca
	ua, err := parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	i.UpdatedAt = ua

	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return nil, err
		}
		i.ClosedAt = &t
	}
	if lastSyncedRemote.Valid {
		t, err := parseTime(lastSyncedRemote.String)
		if err != nil {
			return nil, err
		}
		i.LastSyncedRemote = &t
	}
	if extNumber.Valid {
		i.External = &issue.ExternalRef{Number: int(extNumber.Int64), URL: extURL.String}
	}
	return &i, nil
}

func (s *Store) Update(i *issue.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	labels, err := json.Marshal(i.Labels)
	if err != nil {
		return fmt.Errorf("issue/sqlite: marshal labels: %w", err)
	}
	var extNumber any
	var extURL any
	if i.External != nil {
		extNumber = i.External.Number
		extURL = i.External.URL
	}

	res, err := s.db.Exec(`
		UPDATE issues SET title=?, description=?, labels=?, priority=?, type=?, status=?, assignee=?,
			parent_id=?, updated_at=?, closed_at=?, last_synced_remote=?, external_number=?, external_url=?
		WHERE id = ?`,
		i.Title, i.Description, string(labels), i.Priority, string(i.Type), string(i.Status),
		i.Assignee, i.ParentID, formatTime(i.UpdatedAt), nullTime(i.ClosedAt),
		nullTime(i.LastSyncedRemote), extNumber, extURL, i.ID,
	)
	if err != nil {
		return fmt.Errorf("issue/sqlite: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &apperr.NotFoundError{Resource: "issue", ID: i.ID}
	}
	return nil
}

func (s *Store) Close(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE issues SET status='closed', closed_at=?, updated_at=? WHERE id=?`,
		formatTime(now), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("issue/sqlite: close: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &apperr.NotFoundError{Resource: "issue", ID: id}
	}
	return nil
}

func (s *Store) List(filter issue.ListFilter) ([]*issue.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Assignee != "" {
		where = append(where, "assignee = ?")
		args = append(args, filter.Assignee)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if !filter.UpdatedSince.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, formatTime(filter.UpdatedSince))
	}

	query := `SELECT id, title, description, labels, priority, type, status, assignee, parent_id,
		created_at, updated_at, closed_at, last_synced_remote, external_number, external_url FROM issues`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority ASC, created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("issue/sqlite: list: %w", err)
	}
	defer rows.Close()

	var result []*issue.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("issue/sqlite: scan: %w", err)
		}
		if filter.Label != "" {
			found := false
			for _, l := range i.Labels {
				if l == filter.Label {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		result = append(result, i)
	}
	return result, rows.Err()
}

// AddDependency inserts a blocks/related/parent/discovers edge. Cycle
// detection for blocks-edges is the DAG Engine's responsibility; the
// store itself does not check for cycles, so callers that need the check
// run dag.Engine.ValidateInsert first (see internal/dag).
func (s *Store) AddDependency(dep issue.Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR IGNORE INTO dependencies (from_id, to_id, kind) VALUES (?, ?, ?)`,
		dep.FromID, dep.ToID, string(dep.Kind))
	if err != nil {
		return fmt.Errorf("issue/sqlite: add dependency: %w", err)
	}
	return nil
}

func (s *Store) RemoveDependency(dep issue.Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM dependencies WHERE from_id=? AND to_id=? AND kind=?`,
		dep.FromID, dep.ToID, string(dep.Kind))
	if err != nil {
		return fmt.Errorf("issue/sqlite: remove dependency: %w", err)
	}
	return nil
}

func (s *Store) DependenciesOf(id string) ([]issue.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT from_id, to_id, kind FROM dependencies WHERE from_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeps(rows)
}

func (s *Store) DependentsOf(id string) ([]issue.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT from_id, to_id, kind FROM dependencies WHERE to_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeps(rows)
}

func (s *Store) AllDependencies() ([]issue.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT from_id, to_id, kind FROM dependencies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeps(rows)
}

func scanDeps(rows *sql.Rows) ([]issue.Dependency, error) {
	var deps []issue.Dependency
	for rows.Next() {
		var d issue.Dependency
		var kind string
		if err := rows.Scan(&d.FromID, &d.ToID, &kind); err != nil {
			return nil, err
		}
		d.Kind = issue.DependencyKind(kind)
		deps = append(deps, d)
	}
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].FromID != deps[j].FromID {
			return deps[i].FromID < deps[j].FromID
		}
		return deps[i].ToID < deps[j].ToID
	})
	return deps, rows.Err()
}

func (s *Store) UpsertMapping(m issue.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.mappingByRemoteNumber(m.Scope, m.RemoteNumber)
	if err == nil && existing.LocalID != m.LocalID {
		return &apperr.MappingConflictError{LocalID: m.LocalID, RemoteNumber: m.RemoteNumber, Scope: m.Scope}
	}
	existing, err = s.mappingByLocalID(m.Scope, m.LocalID)
	if err == nil && existing.RemoteNumber != m.RemoteNumber {
		return &apperr.MappingConflictError{LocalID: m.LocalID, RemoteNumber: m.RemoteNumber, Scope: m.Scope}
	}

	_, err = s.db.Exec(`
		INSERT INTO mappings (scope, local_id, remote_number, local_snap, remote_snap)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, local_id) DO UPDATE SET
			remote_number = excluded.remote_number,
			local_snap = excluded.local_snap,
			remote_snap = excluded.remote_snap`,
		m.Scope, m.LocalID, m.RemoteNumber, formatTime(m.LocalSnap), formatTime(m.RemoteSnap))
	if err != nil {
		return fmt.Errorf("issue/sqlite: upsert mapping: %w", err)
	}
	return nil
}

func (s *Store) MappingByLocalID(scope, localID string) (*issue.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappingByLocalID(scope, localID)
}

func (s *Store) mappingByLocalID(scope, localID string) (*issue.Mapping, error) {
	row := s.db.QueryRow(`SELECT scope, local_id, remote_number, local_snap, remote_snap
		FROM mappings WHERE scope=? AND local_id=?`, scope, localID)
	return scanMapping(row)
}

func (s *Store) MappingByRemoteNumber(scope string, remoteNumber int) (*issue.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappingByRemoteNumber(scope, remoteNumber)
}

func (s *Store) mappingByRemoteNumber(scope string, remoteNumber int) (*issue.Mapping, error) {
	row := s.db.QueryRow(`SELECT scope, local_id, remote_number, local_snap, remote_snap
		FROM mappings WHERE scope=? AND remote_number=?`, scope, remoteNumber)
	return scanMapping(row)
}

func scanMapping(row scanner) (*issue.Mapping, error) {
	var m issue.Mapping
	var localSnap, remoteSnap string
	if err := row.Scan(&m.Scope, &m.LocalID, &m.RemoteNumber, &localSnap, &remoteSnap); err != nil {
		if err == sql.ErrNoRows {
			return nil, &apperr.NotFoundError{Resource: "mapping", ID: m.LocalID}
		}
		return nil, err
	}
	t1, err := parseTime(localSnap)
	if err != nil {
		return nil, err
	}
	m.LocalSnap = t1
	t2, err := parseTime(remoteSnap)
	if err != nil {
		return nil, err
	}
	m.RemoteSnap = t2
	return &m, nil
}

// SeenDelivery reports whether a webhook delivery id has been processed
// before. The dedup set is part of the issue store per the shared
// resource policy.
func (s *Store) SeenDelivery(deliveryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM webhook_deliveries WHERE delivery_id = ?`, deliveryID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("issue/sqlite: seen delivery: %w", err)
	}
	return true, nil
}

// MarkDelivery records a processed delivery id in the dedup set.
func (s *Store) MarkDelivery(deliveryID string, receivedAt, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR IGNORE INTO webhook_deliveries (delivery_id, received_at, processed_at) VALUES (?, ?, ?)`,
		deliveryID, formatTime(receivedAt), formatTime(processedAt))
	if err != nil {
		return fmt.Errorf("issue/sqlite: mark delivery: %w", err)
	}
	return nil
}

// EvictDeliveries deletes dedup entries received before the cutoff,
// returning how many were removed.
func (s *Store) EvictDeliveries(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM webhook_deliveries WHERE received_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("issue/sqlite: evict deliveries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// UpsertRepo inserts or replaces a tracked repository.
func (s *Store) UpsertRepo(r issue.Repo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO repos (owner, name, installation_id, sync_enabled, last_sync_at, sync_status, sync_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, name) DO UPDATE SET
			installation_id = excluded.installation_id,
			sync_enabled = excluded.sync_enabled,
			last_sync_at = excluded.last_sync_at,
			sync_status = excluded.sync_status,
			sync_error = excluded.sync_error`,
		r.Owner, r.Name, r.InstallationID, boolToInt(r.SyncEnabled), nullTime(r.LastSyncAt), r.SyncStatus, r.SyncError)
	if err != nil {
		return fmt.Errorf("issue/sqlite: upsert repo: %w", err)
	}
	return nil
}

// ListRepos returns tracked repositories, optionally restricted to
// those with sync enabled, ordered by owner then name.
func (s *Store) ListRepos(syncEnabledOnly bool) ([]issue.Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT owner, name, installation_id, sync_enabled, last_sync_at, sync_status, sync_error FROM repos`
	if syncEnabledOnly {
		query += ` WHERE sync_enabled = 1`
	}
	query += ` ORDER BY owner, name`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("issue/sqlite: list repos: %w", err)
	}
	defer rows.Close()

	var repos []issue.Repo
	for rows.Next() {
		var (
			r          issue.Repo
			enabled    int
			lastSyncAt sql.NullString
		)
		if err := rows.Scan(&r.Owner, &r.Name, &r.InstallationID, &enabled, &lastSyncAt, &r.SyncStatus, &r.SyncError); err != nil {
			return nil, fmt.Errorf("issue/sqlite: scan repo: %w", err)
		}
		r.SyncEnabled = enabled != 0
		if lastSyncAt.Valid {
			t, err := parseTime(lastSyncAt.String)
			if err != nil {
				return nil, err
			}
			r.LastSyncAt = &t
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// UpdateRepoSyncStatus records the outcome of a reconciliation pass.
func (s *Store) UpdateRepoSyncStatus(owner, name string, at time.Time, status, syncErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE repos SET last_sync_at=?, sync_status=?, sync_error=? WHERE owner=? AND name=?`,
		formatTime(at), status, syncErr, owner, name)
	if err != nil {
		return fmt.Errorf("issue/sqlite: update repo sync status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &apperr.NotFoundError{Resource: "repo", ID: owner + "/" + name}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ issue.Store = (*Store)(nil)
