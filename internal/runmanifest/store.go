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

package runmanifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	cferrors "github.com/tombee/conductor-flow/pkg/errors"
)

// FileStore writes manifests to <runs dir>/<run_id>/manifest.json, matching
// the data model's file layout.
type FileStore struct {
	RunsDir string
}

// NewFileStore constructs a FileStore rooted at runsDir, creating it if
// absent.
func NewFileStore(runsDir string) (*FileStore, error) {
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, &cferrors.IOError{Path: runsDir, Op: "mkdir", Cause: err}
	}
	return &FileStore{RunsDir: runsDir}, nil
}

// Save serializes m to its run directory, staging to a temp file and
// renaming into place so a reader never observes a partially written
// manifest.
func (f *FileStore) Save(m *Manifest) error {
	dir := filepath.Join(f.RunsDir, m.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &cferrors.IOError{Path: dir, Op: "mkdir", Cause: err}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("runmanifest: marshaling manifest: %w", err)
	}

	path := filepath.Join(dir, "manifest.json")
	tmp, err := os.CreateTemp(dir, "manifest-*.json.tmp")
	if err != nil {
		return &cferrors.IOError{Path: dir, Op: "create-temp", Cause: err}
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &cferrors.IOError{Path: tmpPath, Op: "write", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &cferrors.IOError{Path: tmpPath, Op: "close", Cause: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &cferrors.IOError{Path: path, Op: "rename", Cause: err}
	}
	return nil
}

// Load reads back a run's manifest by id.
func (f *FileStore) Load(runID string) (*Manifest, error) {
	path := filepath.Join(f.RunsDir, runID, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &cferrors.NotFoundError{Resource: "run manifest", ID: runID}
		}
		return nil, &cferrors.IOError{Path: path, Op: "read", Cause: err}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("runmanifest: unmarshaling manifest %s: %w", runID, err)
	}
	return &m, nil
}
