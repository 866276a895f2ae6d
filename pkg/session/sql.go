// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS bridge_sessions (
    context_id VARCHAR(255) NOT NULL PRIMARY KEY,
    data_json TEXT NOT NULL,
    last_activity BIGINT NOT NULL
)`

const createSessionsActivityIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_bridge_sessions_activity ON bridge_sessions(last_activity)`

const createTasksSchemaSQL = `
CREATE TABLE IF NOT EXISTS bridge_session_tasks (
    task_id VARCHAR(255) NOT NULL PRIMARY KEY,
    context_id VARCHAR(255) NOT NULL
)`

const createTasksContextIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_bridge_session_tasks_context ON bridge_session_tasks(context_id)`

// SQLStore persists mappings in a relational database. Mappings are stored
// as JSON documents; the reverse index is a separate table so task lookups
// stay indexed.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// NewSQLStore creates the schema if needed. dialect is postgres, mysql or
// sqlite.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{createSessionsSchemaSQL, createTasksSchemaSQL}
	// MySQL has no CREATE INDEX IF NOT EXISTS; the primary keys cover the
	// hot lookups there.
	if s.dialect != "mysql" {
		statements = append(statements, createSessionsActivityIndexSQL, createTasksContextIndexSQL)
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// q rewrites ? placeholders to $n for postgres.
func (s *SQLStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) upsertSessionQuery() string {
	switch s.dialect {
	case "mysql":
		return `INSERT INTO bridge_sessions (context_id, data_json, last_activity) VALUES (?, ?, ?)
                ON DUPLICATE KEY UPDATE data_json = VALUES(data_json), last_activity = VALUES(last_activity)`
	default:
		return s.q(`INSERT INTO bridge_sessions (context_id, data_json, last_activity) VALUES (?, ?, ?)
                ON CONFLICT (context_id) DO UPDATE SET data_json = excluded.data_json, last_activity = excluded.last_activity`)
	}
}

func (s *SQLStore) upsertTaskQuery() string {
	switch s.dialect {
	case "mysql":
		return `INSERT INTO bridge_session_tasks (task_id, context_id) VALUES (?, ?)
                ON DUPLICATE KEY UPDATE context_id = VALUES(context_id)`
	default:
		return s.q(`INSERT INTO bridge_session_tasks (task_id, context_id) VALUES (?, ?)
                ON CONFLICT (task_id) DO UPDATE SET context_id = excluded.context_id`)
	}
}

func (s *SQLStore) selectSessionQuery(forUpdate bool) string {
	query := `SELECT data_json FROM bridge_sessions WHERE context_id = ?`
	if forUpdate && s.dialect != "sqlite" {
		query += ` FOR UPDATE`
	}
	return s.q(query)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) load(ctx context.Context, q queryer, contextID string, forUpdate bool) (*Mapping, error) {
	var data string
	err := q.QueryRowContext(ctx, s.selectSessionQuery(forUpdate), contextID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", contextID, err)
	}
	var m Mapping
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", contextID, err)
	}
	return &m, nil
}

func (s *SQLStore) Get(ctx context.Context, contextID string) (*Mapping, error) {
	return s.load(ctx, s.db, contextID, false)
}

func (s *SQLStore) Set(ctx context.Context, contextID string, m *Mapping) error {
	next := m.Clone()
	return s.transact(ctx, contextID, func(prev *Mapping) (*Mapping, bool) {
		return next, true
	})
}

func (s *SQLStore) Update(ctx context.Context, contextID string, mutate func(*Mapping)) error {
	return s.transact(ctx, contextID, func(prev *Mapping) (*Mapping, bool) {
		if prev == nil {
			return nil, false
		}
		mutate(prev)
		return prev, true
	})
}

func (s *SQLStore) transact(ctx context.Context, contextID string, apply func(prev *Mapping) (*Mapping, bool)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := s.load(ctx, tx, contextID, true)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	var before []string
	if prev != nil {
		before = prev.TaskIDs
		prev = prev.Clone()
	}

	next, ok := apply(prev)
	if !ok {
		return nil
	}
	next.ContextID = contextID
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", contextID, err)
	}

	if _, err := tx.ExecContext(ctx, s.upsertSessionQuery(), contextID, string(data), next.LastActivity.UnixMilli()); err != nil {
		return fmt.Errorf("failed to save session %s: %w", contextID, err)
	}
	for _, id := range staleTasks(before, next.TaskIDs) {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM bridge_session_tasks WHERE task_id = ? AND context_id = ?`), id, contextID); err != nil {
			return fmt.Errorf("failed to unindex task %s: %w", id, err)
		}
	}
	for _, id := range next.TaskIDs {
		if _, err := tx.ExecContext(ctx, s.upsertTaskQuery(), id, contextID); err != nil {
			return fmt.Errorf("failed to index task %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Delete(ctx context.Context, contextID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM bridge_session_tasks WHERE context_id = ?`), contextID); err != nil {
		return fmt.Errorf("failed to unindex session %s: %w", contextID, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM bridge_sessions WHERE context_id = ?`), contextID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", contextID, err)
	}
	return tx.Commit()
}

func (s *SQLStore) GetByTaskID(ctx context.Context, taskID string) (*Mapping, error) {
	var contextID string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT context_id FROM bridge_session_tasks WHERE task_id = ?`), taskID).Scan(&contextID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task index %s: %w", taskID, err)
	}
	return s.Get(ctx, contextID)
}

func (s *SQLStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM bridge_session_tasks WHERE context_id IN
        (SELECT context_id FROM bridge_sessions WHERE last_activity < ?)`), cutoff); err != nil {
		return 0, fmt.Errorf("failed to unindex expired sessions: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM bridge_sessions WHERE last_activity < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close is a no-op; the connection pool is owned by config.DBPool.
func (s *SQLStore) Close() error { return nil }
