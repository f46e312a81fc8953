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

package cacheindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/conductor-flow/internal/runctx"
)

// SQLiteIndex answers cache lookups from a dedicated cache_entries table,
// avoiding a manifest scan once a deployment has accumulated enough run
// history that ManifestScanner stops being cheap.
type SQLiteIndex struct {
	db *sql.DB
}

// SQLiteConfig configures SQLiteIndex's connection.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string
	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool
}

// NewSQLiteIndex opens (creating if absent) a cache index database at
// cfg.Path and runs its migration.
func NewSQLiteIndex(cfg SQLiteConfig) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("cacheindex: open database: %w", err)
	}

	// SQLite serializes writes; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cacheindex: connect database: %w", err)
	}

	idx := &SQLiteIndex{db: db}
	if err := idx.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("cacheindex: configure pragmas: %w", err)
	}
	if err := idx.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cacheindex: migrate: %w", err)
	}

	return idx, nil
}

func (i *SQLiteIndex) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := i.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("executing %s: %w", pragma, err)
		}
	}
	return nil
}

func (i *SQLiteIndex) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			cache_key TEXT PRIMARY KEY,
			step_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			status TEXT NOT NULL,
			output_hash TEXT,
			summary TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_created_at ON cache_entries(created_at)`,
	}
	for _, migration := range migrations {
		if _, err := i.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Record upserts the outcome of a terminal step so future runs can find it
// by cache key. Only steps with a non-empty CacheKey are worth recording;
// callers filter that before calling in.
func (i *SQLiteIndex) Record(runID string, result *runctx.StepResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
		INSERT INTO cache_entries (cache_key, step_id, run_id, status, output_hash, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			step_id = excluded.step_id,
			run_id = excluded.run_id,
			status = excluded.status,
			output_hash = excluded.output_hash,
			summary = excluded.summary,
			created_at = excluded.created_at
	`
	_, err := i.db.ExecContext(ctx, query,
		result.CacheKey, result.StepID, runID, result.Status,
		nullString(result.OutputHash), nullString(result.Error), time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("cacheindex: recording cache entry: %w", err)
	}
	return nil
}

func (i *SQLiteIndex) FindCompleted(cacheKey string) (*runctx.StepResult, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
		SELECT step_id, status, output_hash, summary
		FROM cache_entries
		WHERE cache_key = ? AND status = 'completed'
	`
	var stepID, status string
	var outputHash, summary sql.NullString
	err := i.db.QueryRowContext(ctx, query, cacheKey).Scan(&stepID, &status, &outputHash, &summary)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cacheindex: querying cache entry: %w", err)
	}

	result := &runctx.StepResult{
		StepID:     stepID,
		Status:     status,
		CacheKey:   cacheKey,
		OutputHash: outputHash.String,
		Error:      summary.String,
	}
	return result, true, nil
}

// Close releases the underlying database connection.
func (i *SQLiteIndex) Close() error {
	return i.db.Close()
}

// Stats is a point-in-time summary of the cache index, backing the CLI's
// "cache stat" subcommand.
type Stats struct {
	TotalEntries     int
	CompletedEntries int
	OldestEntry      string
	NewestEntry      string
}

// Stats reports how many cache entries exist and the age range they span.
func (i *SQLiteIndex) Stats() (Stats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var s Stats
	var oldest, newest sql.NullString
	row := i.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			MIN(created_at),
			MAX(created_at)
		FROM cache_entries
	`)
	if err := row.Scan(&s.TotalEntries, &s.CompletedEntries, &oldest, &newest); err != nil {
		return Stats{}, fmt.Errorf("cacheindex: querying stats: %w", err)
	}
	s.OldestEntry = oldest.String
	s.NewestEntry = newest.String
	return s, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
