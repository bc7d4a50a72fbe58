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

// Package store opens and configures the shared SQLite database. The
// issue store and the workflow runtime both persist into this one
// handle; each runs its own migrations on top of it.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Config configures the backing database file.
type Config struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string
	// WAL enables write-ahead logging.
	WAL bool
}

// Open opens (creating if absent) the database at cfg.Path and applies
// the pragma set the rest of the module assumes. The connection pool is
// pinned to a single connection; SQLite serializes writers at the file
// level and a single-writer pool keeps in-process behavior aligned
// with that.
func Open(cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path is required")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	stmts := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.WAL {
		stmts = append(stmts, "PRAGMA journal_mode = WAL")
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", stmt, err)
		}
	}
	return db, nil
}
