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

// Package sql implements the "sql-sqlite" strategy, a reusable base for
// connecting to a SQL database and running parameterized queries. Only the
// SQLite dialect is wired in; a second dialect is a pure addition behind
// the same Strategy shape, keyed by Connection.Config["dsn"].
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/conductor-flow/internal/strategy"
)

// Strategy opens and pools one *sql.DB per distinct DSN it is asked to
// query, mirroring the reference implementation's per-connection pooled
// engine without paying the cost of reopening on every call.
type Strategy struct {
	mu   sync.Mutex
	dbs  map[string]*sql.DB
}

// New constructs an empty Strategy; connections are opened lazily on first
// use and kept open for the strategy's lifetime.
func New() *Strategy {
	return &Strategy{dbs: make(map[string]*sql.DB)}
}

func (s *Strategy) Key() string { return "sql-sqlite" }

func (s *Strategy) TestConnection(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets) (bool, error) {
	db, err := s.engine(conn)
	if err != nil {
		return false, fmt.Errorf("strategy/sql: test_connection: %w", err)
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return false, fmt.Errorf("strategy/sql: test query failed: %w", err)
	}
	return one == 1, nil
}

// RunSQLQuery executes query with named args and returns the result rows as
// a slice of maps; a statement that returns no rows (such as INSERT) yields
// a nil slice. Only when the query call itself fails is the statement run
// again through Exec, and then the number of rows affected is returned.
func (s *Strategy) RunSQLQuery(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets, query string, args map[string]any) (any, error) {
	db, err := s.engine(conn)
	if err != nil {
		return nil, fmt.Errorf("strategy/sql: %w", err)
	}

	namedArgs := toNamedArgs(args)

	rows, err := db.QueryContext(ctx, query, namedArgs...)
	if err != nil {
		result, execErr := db.ExecContext(ctx, query, namedArgs...)
		if execErr != nil {
			return nil, fmt.Errorf("strategy/sql: query failed: %w", err)
		}
		affected, _ := result.RowsAffected()
		return map[string]any{"rows_affected": affected}, nil
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("strategy/sql: reading columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		pointers := make([]any, len(cols))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("strategy/sql: scanning row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeCell(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strategy/sql: iterating rows: %w", err)
	}
	return out, nil
}

// Close releases every pooled connection. Intended for process shutdown.
func (s *Strategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Strategy) engine(conn *strategy.Connection) (*sql.DB, error) {
	dsn, _ := conn.Config["dsn"].(string)
	if dsn == "" {
		return nil, fmt.Errorf("connection %q has no dsn configured", conn.Alias)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[dsn]; ok {
		return db, nil
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %q: %w", dsn, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring %q: %w", dsn, err)
	}

	s.dbs[dsn] = db
	return db, nil
}

// toNamedArgs converts a string-keyed parameter map into sql.Named
// arguments so queries can use SQLite's @name / :name / $name binding
// styles.
func toNamedArgs(args map[string]any) []any {
	out := make([]any, 0, len(args))
	for k, v := range args {
		out = append(out, sql.Named(k, v))
	}
	return out
}

// normalizeCell converts driver-returned byte slices (TEXT columns come
// back as []byte from modernc.org/sqlite) into plain strings so results
// serialize cleanly through the content store's canonical JSON.
func normalizeCell(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

var _ strategy.SQLQueryRunner = (*Strategy)(nil)
