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
// step.Storage.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/apperr"
	"github.com/loomhq/loom/internal/step"
)

// Store persists workflow instances, step records, and events in the
// shared SQLite database opened by internal/store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New runs this store's migrations against the shared database handle
// and returns the store.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id TEXT PRIMARY KEY,
	workflow TEXT NOT NULL,
	status TEXT NOT NULL,
	params TEXT NOT NULL DEFAULT 'null',
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	waiting_event TEXT NOT NULL DEFAULT '',
	wait_deadline DATETIME,
	wake_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_instances_status ON workflow_instances(status);

CREATE TABLE IF NOT EXISTS step_records (
	workflow_id TEXT NOT NULL,
	step_name TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT 'null',
	completed_at DATETIME NOT NULL,
	PRIMARY KEY (workflow_id, step_name)
);

CREATE TABLE IF NOT EXISTS step_events (
	workflow_id TEXT NOT NULL,
	name TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT 'null',
	delivered_at DATETIME NOT NULL,
	PRIMARY KEY (workflow_id, name)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("step/sqlite: migrate: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Store) CreateInstance(inst *step.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	params := inst.Params
	if params == nil {
		params = json.RawMessage("null")
	}
	_, err := s.db.Exec(`
		INSERT INTO workflow_instances (id, workflow, status, params, error, created_at, updated_at, waiting_event, wait_deadline, wake_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Workflow, string(inst.Status), string(params), inst.Error,
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
		inst.WaitingEvent, nullTime(inst.WaitDeadline), nullTime(inst.WakeAt))
	if err != nil {
		return fmt.Errorf("step/sqlite: create instance: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(id string) (*step.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT id, workflow, status, params, error, created_at, updated_at, waiting_event, wait_deadline, wake_at
		FROM workflow_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, &apperr.NotFoundError{Resource: "workflow_instance", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("step/sqlite: get instance: %w", err)
	}
	return inst, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*step.Instance, error) {
	var (
		inst                 step.Instance
		status, params       string
		createdAt, updatedAt string
		waitDeadline, wakeAt sql.NullString
	)
	if err := row.Scan(&inst.ID, &inst.Workflow, &status, &params, &inst.Error,
		&createdAt, &updatedAt, &inst.WaitingEvent, &waitDeadline, &wakeAt); err != nil {
		return nil, err
	}
	inst.Status = step.Status(status)
	inst.Params = json.RawMessage(params)

	ca, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	inst.CreatedAt = ca
	ua, err := parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	inst.UpdatedAt = ua

	if waitDeadline.Valid {
		t, err := parseTime(waitDeadline.String)
		if err != nil {
			return nil, err
		}
		inst.WaitDeadline = &t
	}
	if wakeAt.Valid {
		t, err := parseTime(wakeAt.String)
		if err != nil {
			return nil, err
		}
		inst.WakeAt = &t
	}
	return &inst, nil
}

func (s *Store) UpdateInstance(inst *step.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE workflow_instances SET status=?, error=?, updated_at=?, waiting_event=?, wait_deadline=?, wake_at=?
		WHERE id = ?`,
		string(inst.Status), inst.Error, formatTime(inst.UpdatedAt),
		inst.WaitingEvent, nullTime(inst.WaitDeadline), nullTime(inst.WakeAt), inst.ID)
	if err != nil {
		return fmt.Errorf("step/sqlite: update instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &apperr.NotFoundError{Resource: "workflow_instance", ID: inst.ID}
	}
	return nil
}

func (s *Store) ListInstances(statuses ...step.Status) ([]*step.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, workflow, status, params, error, created_at, updated_at, waiting_event, wait_deadline, wake_at
		FROM workflow_instances`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("step/sqlite: list instances: %w", err)
	}
	defer rows.Close()

	var result []*step.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("step/sqlite: scan instance: %w", err)
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

// PutRecord writes a step record, keeping the first write when the same
// (workflow, step) key is written twice.
func (s *Store) PutRecord(rec step.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := rec.Result
	if result == nil {
		result = json.RawMessage("null")
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO step_records (workflow_id, step_name, result, completed_at)
		VALUES (?, ?, ?, ?)`,
		rec.WorkflowID, rec.StepName, string(result), formatTime(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("step/sqlite: put record: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(workflowID, stepName string) (*step.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		rec         step.Record
		result      string
		completedAt string
	)
	err := s.db.QueryRow(`SELECT workflow_id, step_name, result, completed_at
		FROM step_records WHERE workflow_id = ? AND step_name = ?`, workflowID, stepName).
		Scan(&rec.WorkflowID, &rec.StepName, &result, &completedAt)
	if err == sql.ErrNoRows {
		return nil, &apperr.NotFoundError{Resource: "step_record", ID: workflowID + "/" + stepName}
	}
	if err != nil {
		return nil, fmt.Errorf("step/sqlite: get record: %w", err)
	}
	rec.Result = json.RawMessage(result)
	t, err := parseTime(completedAt)
	if err != nil {
		return nil, err
	}
	rec.CompletedAt = t
	return &rec, nil
}

func (s *Store) ListRecords(workflowID string) ([]step.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT workflow_id, step_name, result, completed_at
		FROM step_records WHERE workflow_id = ? ORDER BY completed_at ASC, step_name ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("step/sqlite: list records: %w", err)
	}
	defer rows.Close()

	var records []step.Record
	for rows.Next() {
		var (
			rec         step.Record
			result      string
			completedAt string
		)
		if err := rows.Scan(&rec.WorkflowID, &rec.StepName, &result, &completedAt); err != nil {
			return nil, fmt.Errorf("step/sqlite: scan record: %w", err)
		}
		rec.Result = json.RawMessage(result)
		t, err := parseTime(completedAt)
		if err != nil {
			return nil, err
		}
		rec.CompletedAt = t
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PutEvent records a delivered event, returning false when the
// (workflow, name) key was already delivered (first payload wins).
func (s *Store) PutEvent(ev step.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := ev.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO step_events (workflow_id, name, payload, delivered_at)
		VALUES (?, ?, ?, ?)`,
		ev.WorkflowID, ev.Name, string(payload), formatTime(ev.DeliveredAt))
	if err != nil {
		return false, fmt.Errorf("step/sqlite: put event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetEvent(workflowID, name string) (*step.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		ev          step.Event
		payload     string
		deliveredAt string
	)
	err := s.db.QueryRow(`SELECT workflow_id, name, payload, delivered_at
		FROM step_events WHERE workflow_id = ? AND name = ?`, workflowID, name).
		Scan(&ev.WorkflowID, &ev.Name, &payload, &deliveredAt)
	if err == sql.ErrNoRows {
		return nil, &apperr.NotFoundError{Resource: "step_event", ID: workflowID + "/" + name}
	}
	if err != nil {
		return nil, fmt.Errorf("step/sqlite: get event: %w", err)
	}
	ev.Payload = json.RawMessage(payload)
	t, err := parseTime(deliveredAt)
	if err != nil {
		return nil, err
	}
	ev.DeliveredAt = t
	return &ev, nil
}

var _ step.Storage = (*Store)(nil)
