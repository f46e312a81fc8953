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

// Package config resolves the on-disk layout conductor-flow uses for its
// content store, run manifests, connections, and cached blueprints.
package config

import "path/filepath"

// Paths holds the resolved directories the engine reads and writes.
type Paths struct {
	// Home is cx_home, the root data directory.
	Home string

	// ContentStore holds the SHA-256 content-addressed object tree.
	ContentStore string

	// Runs holds one subdirectory per run, each containing manifest.json.
	Runs string

	// Connections holds per-alias connection YAML + secrets files.
	Connections string

	// Blueprints holds the local blueprint cache.
	Blueprints string
}

// Load resolves Paths from the environment, creating directories as needed.
func Load() (*Paths, error) {
	home, err := Home()
	if err != nil {
		return nil, err
	}
	return NewPaths(home), nil
}

// NewPaths derives the standard subdirectory layout under an explicit home,
// without touching the filesystem. Useful for tests that want an isolated
// temp directory instead of the real XDG location.
func NewPaths(home string) *Paths {
	return &Paths{
		Home:         home,
		ContentStore: filepath.Join(home, "content"),
		Runs:         filepath.Join(home, "runs"),
		Connections:  filepath.Join(home, "connections"),
		Blueprints:   filepath.Join(home, "blueprints"),
	}
}
