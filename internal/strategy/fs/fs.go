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

// Package fs implements the "fs-declarative" strategy: treats the local
// filesystem as a data source for browsing, reading, writing, and
// aggregating file content. A connection's base_path scopes every
// relative lookup.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/conductor-flow/internal/strategy"
)

// excludedDirs and excludedExts mirror the reference implementation's
// fallback manual walk ignore lists.
var excludedDirs = map[string]bool{
	".git": true, ".svn": true, "node_modules": true, "__pycache__": true,
	".pytest_cache": true, ".tox": true, ".venv": true, "venv": true,
	"env": true, "build": true, "dist": true, ".idea": true, ".vscode": true,
}

var excludedExts = map[string]bool{
	".pyc": true, ".pyo": true, ".pyd": true, ".so": true, ".dll": true,
	".exe": true, ".jar": true, ".zip": true, ".png": true, ".jpg": true,
	".jpeg": true, ".gif": true, ".pdf": true, ".log": true, ".lock": true,
	".bin": true,
}

// Strategy is the local filesystem connector. It holds no connection-scoped
// state; base_path is read from Connection.Config on every call.
type Strategy struct{}

func New() *Strategy { return &Strategy{} }

func (s *Strategy) Key() string { return "fs-declarative" }

// TestConnection always succeeds: the filesystem is always reachable from
// the process running it.
func (s *Strategy) TestConnection(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets) (bool, error) {
	return true, nil
}

func basePath(conn *strategy.Connection) string {
	if bp, ok := conn.Config["base_path"].(string); ok && bp != "" {
		return bp
	}
	return "."
}

func resolve(base, relative string) string {
	if filepath.IsAbs(relative) {
		return filepath.Clean(relative)
	}
	return filepath.Clean(filepath.Join(base, relative))
}

// BrowsePath performs a shallow, non-recursive listing of a directory,
// folders sorted before files, both alphabetically.
func (s *Strategy) BrowsePath(ctx context.Context, pathParts []string, conn *strategy.Connection, secrets strategy.Secrets) ([]strategy.VFSNode, error) {
	relative := ""
	if len(pathParts) > 0 {
		relative = pathParts[0]
	}
	target := resolve(basePath(conn), relative)

	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("strategy/fs: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("strategy/fs: not a directory: %s", target)
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("strategy/fs: listing %s: %w", target, err)
	}

	nodes := make([]strategy.VFSNode, 0, len(entries))
	trimmedRelative := strings.Trim(relative, "/")
	for _, e := range entries {
		childPath := e.Name()
		if trimmedRelative != "" {
			childPath = trimmedRelative + "/" + e.Name()
		}
		if e.IsDir() {
			nodes = append(nodes, strategy.VFSNode{Name: e.Name(), Path: childPath + "/", IsDir: true})
			continue
		}
		fi, err := e.Info()
		var size int64
		if err == nil {
			size = fi.Size()
		}
		nodes = append(nodes, strategy.VFSNode{
			Name:     e.Name(),
			Path:     childPath,
			IsDir:    false,
			MimeType: mimeTypeFor(e.Name()),
			Size:     size,
		})
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir
		}
		return strings.ToLower(nodes[i].Name) < strings.ToLower(nodes[j].Name)
	})
	return nodes, nil
}

// GetContent reads a single file's bytes.
func (s *Strategy) GetContent(ctx context.Context, pathParts []string, conn *strategy.Connection, secrets strategy.Secrets) (*strategy.Content, error) {
	if len(pathParts) == 0 {
		return nil, fmt.Errorf("strategy/fs: get_content requires a path")
	}
	target := resolve(basePath(conn), pathParts[0])

	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("strategy/fs: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("strategy/fs: %s is a directory, not a file", target)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("strategy/fs: reading %s: %w", target, err)
	}
	return &strategy.Content{
		Path:     target,
		Content:  data,
		MimeType: mimeTypeFor(target),
		Size:     int64(len(data)),
	}, nil
}

// WriteFiles writes the given path/content pairs, creating parent
// directories as needed. Relative paths are joined against base_path.
func (s *Strategy) WriteFiles(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets, files map[string][]byte) (any, error) {
	base := basePath(conn)
	written := make([]string, 0, len(files))
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		target := resolve(base, p)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("strategy/fs: creating directory for %s: %w", target, err)
		}
		if err := os.WriteFile(target, files[p], 0o644); err != nil {
			return nil, fmt.Errorf("strategy/fs: writing %s: %w", target, err)
		}
		written = append(written, target)
	}
	return map[string]any{"status": "success", "files_written": written}, nil
}

// AggregateContent discovers files under the given sources (literal paths,
// directories walked recursively, or doublestar glob patterns) and
// concatenates their content in source order, skipping duplicates. A
// non-empty projection is rendered as a text/template header prepended to
// the aggregated output.
func (s *Strategy) AggregateContent(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets, sources []string, projection string) (any, error) {
	base := basePath(conn)
	seen := make(map[string]bool)
	var files []string

	for _, source := range sources {
		target := resolve(base, source)
		if doublestar.ValidatePattern(source) && strings.ContainsAny(source, "*?[") {
			matches, err := doublestar.Glob(os.DirFS(base), source)
			if err != nil {
				return nil, fmt.Errorf("strategy/fs: glob %q: %w", source, err)
			}
			for _, m := range matches {
				abs := filepath.Join(base, m)
				if !seen[abs] {
					seen[abs] = true
					files = append(files, abs)
				}
			}
			continue
		}

		info, err := os.Stat(target)
		if err != nil {
			continue
		}
		if info.IsDir() {
			walked, err := discoverFiles(target)
			if err != nil {
				return nil, err
			}
			sort.Strings(walked)
			for _, f := range walked {
				if !seen[f] {
					seen[f] = true
					files = append(files, f)
				}
			}
			continue
		}
		if !seen[target] {
			seen[target] = true
			files = append(files, target)
		}
	}

	var sb strings.Builder
	if projection != "" {
		tmpl, err := template.New("header").Parse(projection)
		if err != nil {
			return nil, fmt.Errorf("strategy/fs: parsing projection template: %w", err)
		}
		if err := tmpl.Execute(&sb, map[string]any{"Sources": sources, "FileCount": len(files)}); err != nil {
			return nil, fmt.Errorf("strategy/fs: rendering projection: %w", err)
		}
		sb.WriteString("\n\n")
	}

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			sb.WriteString(fmt.Sprintf("--- \n\n# %s\n\n# SKIPPED: %v\n\n", f, err))
			continue
		}
		sb.WriteString(fmt.Sprintf("--- \n\n# %s\n\n%s\n\n", f, string(data)))
	}

	final := sb.String()
	return map[string]any{
		"status":           "success",
		"files_aggregated": len(files),
		"total_characters": len(final),
		"total_size_bytes": len(final),
		"content":          final,
	}, nil
}

// discoverFiles walks dir recursively, skipping excluded directories and
// extensions, matching the reference implementation's manual-walk fallback.
func discoverFiles(dir string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() != filepath.Base(dir) && excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if excludedExts[filepath.Ext(d.Name())] {
			return nil
		}
		found = append(found, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("strategy/fs: walking %s: %w", dir, err)
	}
	return found, nil
}

func mimeTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".md":
		return "text/markdown"
	case ".html":
		return "text/html"
	default:
		return "text/plain"
	}
}

var (
	_ strategy.PathBrowser       = (*Strategy)(nil)
	_ strategy.ContentReader     = (*Strategy)(nil)
	_ strategy.FileWriter        = (*Strategy)(nil)
	_ strategy.ContentAggregator = (*Strategy)(nil)
)
