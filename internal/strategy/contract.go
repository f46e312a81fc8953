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

// Package strategy defines the capability contract every connection
// strategy implements a subset of, and a registry mapping a strategy key
// (e.g. "rest-declarative", "sql-sqlite") to its implementation. Strategy
// instances are shared process-wide by key and must be free of run-scoped
// mutable state.
package strategy

import (
	"context"
)

// Connection is a resolved connection reference: the blueprint-selected
// strategy key plus whatever base configuration the strategy needs (base
// URL, DSN, clone URL template, and so on). Fields beyond Key and Config
// are strategy-specific and looked up by the strategy itself.
type Connection struct {
	Alias  string
	Key    string
	Config map[string]any
}

// Secrets is the lowercased key/value bag loaded alongside a Connection.
// Never logged or echoed into error messages.
type Secrets map[string]string

// VFSNode is one entry in a browse_path listing.
type VFSNode struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	IsDir    bool   `json:"is_dir"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Content is the result of reading a single virtual file.
type Content struct {
	Path     string `json:"path"`
	Content  []byte `json:"content"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Strategy is the minimal capability every strategy must implement.
type Strategy interface {
	// Key returns the strategy's registry key, e.g. "rest-declarative".
	Key() string
	// TestConnection performs a cheap credential validation.
	TestConnection(ctx context.Context, conn *Connection, secrets Secrets) (bool, error)
}

// ClientAcquirer strategies hand out a scoped client resource. Callers must
// invoke the returned release func on every exit path.
type ClientAcquirer interface {
	Strategy
	GetClient(ctx context.Context, conn *Connection, secrets Secrets) (client any, release func(), err error)
}

// PathBrowser strategies list a virtual directory at an opaque path.
type PathBrowser interface {
	Strategy
	BrowsePath(ctx context.Context, pathParts []string, conn *Connection, secrets Secrets) ([]VFSNode, error)
}

// ContentReader strategies read a single virtual file.
type ContentReader interface {
	Strategy
	GetContent(ctx context.Context, pathParts []string, conn *Connection, secrets Secrets) (*Content, error)
}

// DeclarativeActionRunner strategies execute a blueprint-defined named
// action against templated parameters and a piped input value.
type DeclarativeActionRunner interface {
	Strategy
	RunDeclarativeAction(ctx context.Context, conn *Connection, secrets Secrets, params map[string]any, input any, dryRun bool) (any, error)
}

// SQLQueryRunner strategies execute a SQL query and return row data.
type SQLQueryRunner interface {
	Strategy
	RunSQLQuery(ctx context.Context, conn *Connection, secrets Secrets, query string, args map[string]any) (any, error)
}

// PythonScriptRunner strategies execute a sandboxed Python script.
type PythonScriptRunner interface {
	Strategy
	RunPythonScript(ctx context.Context, conn *Connection, secrets Secrets, script string, input any) (any, error)
}

// FileWriter strategies persist named byte blobs to their backing store.
type FileWriter interface {
	Strategy
	WriteFiles(ctx context.Context, conn *Connection, secrets Secrets, files map[string][]byte) (any, error)
}

// ContentAggregator strategies fetch and merge content from multiple
// sources in one call (the "smart fetch" action kind).
type ContentAggregator interface {
	Strategy
	AggregateContent(ctx context.Context, conn *Connection, secrets Secrets, sources []string, projection string) (any, error)
}
