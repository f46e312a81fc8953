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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tombee/conductor-flow/internal/runctx"
)

// manifestFile is the subset of a serialized run manifest this package reads.
// It intentionally mirrors only the fields needed to answer a cache lookup;
// the authoritative shape is owned by internal/runmanifest.
type manifestFile struct {
	RunID string                    `json:"run_id"`
	Steps []*runctx.StepResult      `json:"steps"`
}

// DefaultScanLimit is the number of most recent manifests ManifestScanner
// inspects before giving up, matching the reference implementation.
const DefaultScanLimit = 100

// ManifestScanner answers cache lookups by linearly scanning the most
// recent run manifest files on disk, newest first.
type ManifestScanner struct {
	// RunsDir holds one <run_id>/manifest.json per run (the layout
	// runmanifest.FileStore writes); flat *.json manifest files placed
	// directly in RunsDir are read as well.
	RunsDir string
	// Limit caps how many of the most recent manifests are inspected.
	// Zero means DefaultScanLimit.
	Limit int
}

// NewManifestScanner constructs a scanner over runsDir with the default scan
// limit.
func NewManifestScanner(runsDir string) *ManifestScanner {
	return &ManifestScanner{RunsDir: runsDir, Limit: DefaultScanLimit}
}

func (m *ManifestScanner) FindCompleted(cacheKey string) (*runctx.StepResult, bool, error) {
	limit := m.Limit
	if limit <= 0 {
		limit = DefaultScanLimit
	}

	entries, err := os.ReadDir(m.RunsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cacheindex: reading runs dir: %w", err)
	}

	type candidate struct {
		path    string
		modTime int64
	}
	var candidates []candidate
	for _, e := range entries {
		path := filepath.Join(m.RunsDir, e.Name())
		if e.IsDir() {
			path = filepath.Join(path, "manifest.json")
		} else if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			path:    path,
			modTime: info.ModTime().UnixNano(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime > candidates[j].modTime })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	for _, c := range candidates {
		data, err := os.ReadFile(c.path)
		if err != nil {
			continue // a manifest mid-write or removed between ReadDir and ReadFile is not fatal
		}
		var mf manifestFile
		if err := json.Unmarshal(data, &mf); err != nil {
			continue // tolerate manifests from a differently-shaped writer
		}
		for _, step := range mf.Steps {
			if step.CacheKey == cacheKey && step.Status == "completed" {
				return step, true, nil
			}
		}
	}

	return nil, false, nil
}
