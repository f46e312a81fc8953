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

// Package runmanifest accumulates the per-step record of a single run and
// serializes it once, at the run's finally block, to
// <runs dir>/<run_id>/manifest.json.
package runmanifest

import (
	"sync"
	"time"

	"github.com/tombee/conductor-flow/internal/runctx"
)

// StepRecord is one step's terminal outcome as persisted to the manifest.
// It mirrors runctx.StepResult's meaning but keeps only the fields the
// manifest's stable schema names.
type StepRecord struct {
	StepID     string `json:"step_id"`
	Status     string `json:"status"` // completed | skipped | failed
	Summary    string `json:"summary,omitempty"`
	CacheKey   string `json:"cache_key,omitempty"`
	CacheHit   bool   `json:"cache_hit"`
	OutputHash string `json:"output_hash,omitempty"`
}

// ArtifactRecord describes one artifact produced during the run.
type ArtifactRecord struct {
	ContentHash string `json:"content_hash"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Manifest is the serialized shape of a run: run id, document name, run
// status, the rendered input parameters, the ordered step results, and the
// artifact index.
type Manifest struct {
	RunID        string                    `json:"run_id"`
	FlowID       string                    `json:"flow_id"`
	Status       string                    `json:"status"` // running | completed | failed
	TimestampUTC time.Time                 `json:"timestamp_utc"`
	Parameters   map[string]any            `json:"parameters,omitempty"`
	Steps        []StepRecord              `json:"steps"`
	Artifacts    map[string]ArtifactRecord `json:"artifacts,omitempty"`
	Error        string                    `json:"error,omitempty"`
}

// Accumulator builds a Manifest in memory as a run progresses, and owns its
// eventual write to disk. It is exclusively owned by one run, matching the
// data model's ownership rule, so its mutating methods need no lock beyond
// what guards concurrent step completions within one generation.
type Accumulator struct {
	mu sync.Mutex
	m  *Manifest
}

// New starts an Accumulator for a run, in the "running" state.
func New(runID, flowID string, parameters map[string]any) *Accumulator {
	return &Accumulator{
		m: &Manifest{
			RunID:        runID,
			FlowID:       flowID,
			Status:       "running",
			TimestampUTC: time.Now().UTC(),
			Parameters:   parameters,
			Steps:        make([]StepRecord, 0),
			Artifacts:    make(map[string]ArtifactRecord),
		},
	}
}

// RecordStep appends a step's terminal result, satisfying
// scheduler.Manifest. Never mutated afterwards, per the data model's Step
// Result Record lifecycle.
func (a *Accumulator) RecordStep(result *runctx.StepResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	summary := result.Error
	if summary == "" {
		summary = result.Status
	}

	a.m.Steps = append(a.m.Steps, StepRecord{
		StepID:     result.StepID,
		Status:     result.Status,
		Summary:    summary,
		CacheKey:   result.CacheKey,
		CacheHit:   result.Status == "completed" && result.CacheKey != "" && result.OutputHash != "",
		OutputHash: result.OutputHash,
	})
}

// RecordArtifact indexes an artifact produced by a step, satisfying
// scheduler.Manifest. path is the artifact's logical filename, the manifest
// schema's map key.
func (a *Accumulator) RecordArtifact(stepID, path, contentHash, mimeType string, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m.Artifacts[path] = ArtifactRecord{
		ContentHash: contentHash,
		MimeType:    mimeType,
		SizeBytes:   size,
	}
}

// Fail marks the run failed, satisfying scheduler.Manifest. Called once,
// from the scheduler's top-level error path; further step records (if any
// arrive from in-flight concurrent steps) are still appended.
func (a *Accumulator) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m.Status = "failed"
	a.m.Error = err.Error()
}

// Complete marks the run completed, unless Fail already ran.
func (a *Accumulator) Complete() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.m.Status == "running" {
		a.m.Status = "completed"
	}
}

// Snapshot returns a copy of the manifest built so far, safe to serialize
// concurrently with further recording.
func (a *Accumulator) Snapshot() *Manifest {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *a.m
	cp.Steps = append([]StepRecord(nil), a.m.Steps...)
	artifacts := make(map[string]ArtifactRecord, len(a.m.Artifacts))
	for k, v := range a.m.Artifacts {
		artifacts[k] = v
	}
	cp.Artifacts = artifacts
	return &cp
}
