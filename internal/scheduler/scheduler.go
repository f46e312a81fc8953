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

// Package scheduler walks a parsed document's dependency graph in
// topological generations, rendering, caching and dispatching each step and
// recording its outcome into the run context.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/conductor-flow/internal/contentstore"
	"github.com/tombee/conductor-flow/internal/flowdoc"
	"github.com/tombee/conductor-flow/internal/render"
	"github.com/tombee/conductor-flow/internal/runctx"
	"github.com/tombee/conductor-flow/internal/statusstream"
	cferrors "github.com/tombee/conductor-flow/pkg/errors"
)

// Executor dispatches a single fully-rendered step and returns its result
// value. Implemented by the step executor package, which knows how to route
// by engine/action kind to a connector strategy.
type Executor interface {
	Execute(ctx context.Context, step *flowdoc.Step, rc *runctx.Context) (any, error)
}

// ContentStore is the subset of contentstore.Store the scheduler needs: it
// persists a step's output so later runs and cache hits can replay it. The
// cache key itself is computed with the package-level contentstore.Hash.
type ContentStore interface {
	Put(v any) (string, error)
	Get(hash string, out any) error
}

// CacheIndex answers whether a cache key has already completed in a prior
// run, and if so with which output hash.
type CacheIndex interface {
	FindCompleted(cacheKey string) (*runctx.StepResult, bool, error)
}

// Manifest receives step-level lifecycle notifications so a caller can
// persist a Run Manifest without the scheduler knowing its storage format.
type Manifest interface {
	RecordStep(result *runctx.StepResult)
	RecordArtifact(stepID, path, contentHash, mimeType string, size int64)
	Fail(err error)
}

// Scheduler executes a parsed document against a run context.
type Scheduler struct {
	Executor   Executor
	Store      ContentStore
	Cache      CacheIndex
	Manifest   Manifest
	Emitter    *statusstream.Emitter
	Conditions *render.ConditionEvaluator
	Templates  *render.Template
	Projector  *render.Projector

	// Concurrency bounds how many steps within one generation run at once.
	// 0 or 1 means strictly sequential, preserving the reference
	// implementation's deterministic per-step event ordering.
	Concurrency int
}

// New builds a Scheduler with the standard render helpers wired in.
func New(executor Executor, store ContentStore, cache CacheIndex) *Scheduler {
	return &Scheduler{
		Executor:   executor,
		Store:      store,
		Cache:      cache,
		Emitter:    statusstream.NewEmitter(),
		Conditions: render.NewConditionEvaluator(),
		Templates:  render.NewTemplate(),
		Projector:  render.NewProjector(),
	}
}

// Run validates inputs, builds the dependency graph, and executes every
// generation in order. It returns the accumulated step results map
// (stepID -> {outputs, output_hash, cache_hit}, or {error} for a failed
// step) and a top-level error if any step's dispatch failed.
func (s *Scheduler) Run(ctx context.Context, doc *flowdoc.Document, rc *runctx.Context) (map[string]any, error) {
	if err := s.applyInputDefaults(doc, rc); err != nil {
		return nil, err
	}

	g := buildGraph(doc.Steps)
	gens, err := g.generations()
	if err != nil {
		if s.Manifest != nil {
			s.Manifest.Fail(err)
		}
		return nil, err
	}

	result := make(map[string]any, len(doc.Steps))

	for _, gen := range gens {
		if err := s.runGeneration(ctx, g, gen, rc, result); err != nil {
			result["error"] = err.Error()
			if s.Manifest != nil {
				s.Manifest.Fail(err)
			}
			return result, err
		}
	}

	return result, nil
}

func (s *Scheduler) applyInputDefaults(doc *flowdoc.Document, rc *runctx.Context) error {
	for name, spec := range doc.Inputs {
		if _, err := rc.GetString(name); err == nil {
			continue
		}
		if _, ok := rawInput(rc, name); ok {
			continue
		}
		if spec.Required {
			return &cferrors.ValidationError{
				Field:      name,
				Message:    "required input was not supplied",
				Suggestion: fmt.Sprintf("pass a value for %q", name),
			}
		}
		if spec.Default != nil {
			rc.SetVar(name, spec.Default)
		}
	}
	return nil
}

// rawInput reports whether key is present in the run's rendered input data,
// regardless of its type (GetString only succeeds for strings).
func rawInput(rc *runctx.Context, key string) (any, bool) {
	data := rc.RenderData()
	inputs, _ := data["inputs"].(map[string]any)
	if inputs == nil {
		return nil, false
	}
	v, ok := inputs[key]
	return v, ok
}

func (s *Scheduler) runGeneration(ctx context.Context, g *graph, gen []string, rc *runctx.Context, result map[string]any) error {
	if s.Concurrency <= 1 {
		for _, id := range gen {
			if err := s.runStep(ctx, g.steps[id], rc, result); err != nil {
				return err
			}
		}
		return nil
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(s.Concurrency)
	var mu sync.Mutex
	for _, id := range gen {
		step := g.steps[id]
		grp.Go(func() error {
			local := make(map[string]any, 1)
			err := s.runStep(gctx, step, rc, local)
			mu.Lock()
			for k, v := range local {
				result[k] = v
			}
			mu.Unlock()
			return err
		})
	}
	return grp.Wait()
}

func (s *Scheduler) runStep(ctx context.Context, step *flowdoc.Step, rc *runctx.Context, result map[string]any) error {
	data := s.renderData(rc, step)

	if step.If != "" {
		ok, err := s.Conditions.Evaluate(step.ID, step.If, data)
		if err != nil {
			return err
		}
		if !ok {
			return s.recordSkipped(ctx, step, rc, result)
		}
	}

	rendered, err := s.renderStep(step, data)
	if err != nil {
		return err
	}

	key, err := s.cacheKey(rendered, step, rc)
	if err != nil {
		return err
	}

	started := time.Now()

	s.emit(ctx, statusstream.Event{Transition: statusstream.Running, RunID: rc.RunID, StepID: step.ID, Timestamp: started})

	var (
		output   any
		cacheHit bool
	)

	if !step.NoCache && s.Cache != nil {
		if prior, hit, cerr := s.Cache.FindCompleted(key); cerr == nil && hit {
			if gerr := s.Store.Get(prior.OutputHash, &output); gerr == nil {
				cacheHit = true
			}
		}
	}

	if !cacheHit {
		rendered.ID = step.ID
		out, execErr := s.Executor.Execute(ctx, rendered, rc)
		if execErr != nil {
			s.recordFailed(ctx, step, rc, result, execErr, started)
			return execErr
		}
		output = out
	}

	outputHash, err := s.Store.Put(output)
	if err != nil {
		return err
	}

	outputs, err := s.applyOutputs(step, output, data)
	if err != nil {
		return err
	}

	duration := time.Since(started)
	sr := &runctx.StepResult{
		StepID:      step.ID,
		Status:      "completed",
		Output:      output,
		Duration:    duration,
		StartedAt:   started,
		CompletedAt: started.Add(duration),
		CacheKey:    key,
		OutputHash:  outputHash,
	}
	rc.SetResult(step.ID, sr)
	result[step.ID] = map[string]any{"outputs": outputs, "output_hash": outputHash, "cache_hit": cacheHit}

	// A cache index that accepts writes records the completed step so later
	// runs can find it by cache key.
	if rec, ok := s.Cache.(interface {
		Record(runID string, result *runctx.StepResult) error
	}); ok {
		_ = rec.Record(rc.RunID, sr)
	}

	if s.Manifest != nil {
		s.Manifest.RecordStep(sr)
		s.recordArtifacts(step, output)
	}

	s.emit(ctx, statusstream.Event{
		Transition: statusstream.Success,
		RunID:      rc.RunID,
		StepID:     step.ID,
		Timestamp:  started.Add(duration),
		Payload:    successPayload(output, duration),
	})

	return nil
}

func (s *Scheduler) recordSkipped(ctx context.Context, step *flowdoc.Step, rc *runctx.Context, result map[string]any) error {
	now := time.Now()
	sr := &runctx.StepResult{StepID: step.ID, Status: "skipped", StartedAt: now, CompletedAt: now}
	rc.SetResult(step.ID, sr)
	result[step.ID] = map[string]any{"outputs": map[string]any{}, "output_hash": nil}
	if s.Manifest != nil {
		s.Manifest.RecordStep(sr)
	}
	s.emit(ctx, statusstream.Event{Transition: statusstream.Skipped, RunID: rc.RunID, StepID: step.ID, Timestamp: now})
	return nil
}

func (s *Scheduler) recordFailed(ctx context.Context, step *flowdoc.Step, rc *runctx.Context, result map[string]any, execErr error, started time.Time) {
	now := time.Now()
	sr := &runctx.StepResult{
		StepID:      step.ID,
		Status:      "failed",
		Error:       execErr.Error(),
		StartedAt:   started,
		CompletedAt: now,
		Duration:    now.Sub(started),
	}
	rc.SetResult(step.ID, sr)
	result[step.ID] = map[string]any{"error": execErr.Error()}
	if s.Manifest != nil {
		s.Manifest.RecordStep(sr)
	}
	s.emit(ctx, statusstream.Event{
		Transition: statusstream.Failed,
		RunID:      rc.RunID,
		StepID:     step.ID,
		Timestamp:  now,
		Payload:    map[string]any{"error": execErr.Error(), "duration_ms": now.Sub(started).Milliseconds()},
	})
}

func (s *Scheduler) emit(ctx context.Context, ev statusstream.Event) {
	if s.Emitter == nil || s.Emitter.ListenerCount(ev.Transition) == 0 {
		return
	}
	e := ev
	_ = s.Emitter.Emit(ctx, &e)
}

func successPayload(output any, d time.Duration) map[string]any {
	hint := "json"
	if rows, ok := output.([]any); ok {
		if len(rows) == 0 {
			hint = "table"
		} else if _, ok := rows[0].(map[string]any); ok {
			hint = "table"
		}
	} else if _, ok := output.(string); ok {
		hint = "text"
	}
	return map[string]any{
		"inline_data": map[string]any{"ui_component": hint, "props": output},
		"duration_ms": d.Milliseconds(),
	}
}

// renderData assembles the per-step render context: the run's standing
// data plus this step's inline context variables spread over the top.
func (s *Scheduler) renderData(rc *runctx.Context, step *flowdoc.Step) map[string]any {
	data := rc.RenderData()
	for k, v := range step.Context {
		data[k] = v
	}
	return data
}

// renderStep recursively renders a step's templated fields (run params,
// content, context) into a concrete copy ready for dispatch.
func (s *Scheduler) renderStep(step *flowdoc.Step, data map[string]any) (*flowdoc.Step, error) {
	out := *step

	if step.Run != nil {
		renderedParams, err := s.Templates.Render(step.Run.Params, data)
		if err != nil {
			return nil, err
		}
		paramsMap, _ := renderedParams.(map[string]any)
		out.Run = &flowdoc.ActionRecord{Action: step.Run.Action, Params: paramsMap}
	}

	if step.Content != "" {
		renderedContent, err := s.Templates.RenderString(step.Content, data)
		if err != nil {
			return nil, err
		}
		out.Content = renderedContent
	}

	if step.Context != nil {
		renderedCtx, err := s.Templates.Render(step.Context, data)
		if err != nil {
			return nil, err
		}
		if m, ok := renderedCtx.(map[string]any); ok {
			out.Context = m
		}
	}

	return &out, nil
}

// cacheKey computes sha256(canonical_json(rendered_step_def) ||
// sorted(parent_id, parent_output_hash)*), matching the data model's Cache
// Entry definition.
func (s *Scheduler) cacheKey(rendered *flowdoc.Step, step *flowdoc.Step, rc *runctx.Context) (string, error) {
	ids := append([]string(nil), step.DependsOn...)
	sort.Strings(ids)

	parents := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		hash := ""
		if res, ok := rc.Result(id); ok {
			hash = res.OutputHash
		}
		parents = append(parents, map[string]string{"id": id, "hash": hash})
	}

	stepDef := map[string]any{
		"id":      rendered.ID,
		"engine":  rendered.Engine,
		"content": rendered.Content,
	}
	if rendered.Run != nil {
		stepDef["action"] = rendered.Run.Action
		stepDef["params"] = rendered.Run.Params
	}

	composite := map[string]any{"step": stepDef, "parents": parents}
	return contentstore.Hash(composite)
}

// applyOutputs binds the step's outputs clause against the raw result.
func (s *Scheduler) applyOutputs(step *flowdoc.Step, output any, data map[string]any) (map[string]any, error) {
	bound := make(map[string]any)
	if step.Outputs.IsEmpty() {
		return bound, nil
	}
	if len(step.Outputs.Names) > 0 {
		for _, name := range step.Outputs.Names {
			bound[name] = output
		}
		return bound, nil
	}
	projectData := map[string]any{"result": output}
	for k, v := range data {
		projectData[k] = v
	}
	for name, expr := range step.Outputs.Exprs {
		v, err := s.Projector.Eval(step.ID, expr, projectData)
		if err != nil {
			return nil, err
		}
		bound[name] = v
	}
	return bound, nil
}

func (s *Scheduler) recordArtifacts(step *flowdoc.Step, output any) {
	m, ok := output.(map[string]any)
	if !ok {
		return
	}
	artifacts, ok := m["artifacts"].(map[string]any)
	if !ok {
		return
	}
	for path, v := range artifacts {
		bytesVal, _ := v.(string)
		hash, err := s.Store.Put(bytesVal)
		if err != nil {
			continue
		}
		s.Manifest.RecordArtifact(step.ID, path, hash, "application/octet-stream", int64(len(bytesVal)))
	}
}
