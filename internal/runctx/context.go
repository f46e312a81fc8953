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

// Package runctx holds the per-run execution state the scheduler threads
// through every step: inputs, vars, the growing map of step results, piped
// input, and the document that is being executed.
package runctx

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	cferrors "github.com/tombee/conductor-flow/pkg/errors"
)

// StepResult is the recorded outcome of one executed step.
type StepResult struct {
	StepID      string        `json:"step_id"`
	Status      string        `json:"status"` // completed | failed | skipped
	Output      any           `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Attempts    int           `json:"attempts"`
	CacheKey    string        `json:"cache_key,omitempty"`
	OutputHash  string        `json:"output_hash,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
}

// Context carries everything a step's template/condition rendering and a
// strategy call need to know about the run it belongs to.
//
// Methods are safe for concurrent reads. Mutating methods (SetResult,
// SetVar) take a lock internally, matching the scheduler's one-writer-many-
// readers usage inside a generation's bounded-parallel execution.
type Context struct {
	mu sync.RWMutex

	RunID        string
	DocumentPath string

	inputs  map[string]any
	vars    map[string]any
	results map[string]*StepResult

	// PipedInput is the value piped into this run from a prior command, if
	// any (the Run Context's "piped input" field per the data model).
	PipedInput any
}

// New creates a Context with a freshly minted run ID.
func New(documentPath string, inputs map[string]any) *Context {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return &Context{
		RunID:        uuid.NewString(),
		DocumentPath: documentPath,
		inputs:       inputs,
		vars:         make(map[string]any),
		results:      make(map[string]*StepResult),
	}
}

// GetString retrieves a string input. Errors never include the raw value,
// only its key and type, to avoid leaking secrets into logs.
func (c *Context) GetString(key string) (string, error) {
	v, ok := c.inputs[key]
	if !ok {
		return "", &cferrors.NotFoundError{Resource: "input", ID: key}
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("input %q is %T, not string", key, v)
	}
	return s, nil
}

// GetStringOr returns the string input or def if absent/mistyped.
func (c *Context) GetStringOr(key, def string) string {
	s, err := c.GetString(key)
	if err != nil {
		return def
	}
	return s
}

// SetVar stores a run-scoped variable (the Run Context's "vars" bag).
func (c *Context) SetVar(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[key] = value
}

// SetResult records a step's outcome, replacing any prior result for the
// same step ID.
func (c *Context) SetResult(stepID string, result *StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[stepID] = result
}

// Result returns the recorded result for stepID, if any.
func (c *Context) Result(stepID string) (*StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[stepID]
	return r, ok
}

// Results returns a snapshot copy of all recorded results, keyed by step ID.
func (c *Context) Results() map[string]*StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*StepResult, len(c.results))
	for k, v := range c.results {
		cp := *v
		out[k] = &cp
	}
	return out
}

// RenderData assembles the flat map the template/condition renderers
// operate over: top-level inputs, "inputs"/"vars"/"steps" namespaces.
func (c *Context) RenderData() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	steps := make(map[string]any, len(c.results))
	for id, r := range c.results {
		steps[id] = map[string]any{
			"status": r.Status,
			"output": r.Output,
			"error":  r.Error,
		}
	}

	data := make(map[string]any, len(c.inputs)+4)
	for k, v := range c.inputs {
		data[k] = v
	}
	data["inputs"] = c.inputs
	data["vars"] = c.vars
	data["steps"] = steps
	if c.PipedInput != nil {
		data["piped"] = c.PipedInput
	}
	return data
}
