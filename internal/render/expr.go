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

// Package render implements the two expression surfaces a step definition
// can use: a boolean condition evaluator for "if" and expr-lang-backed
// projections for "outputs" mappings, plus the type-preserving template
// renderer described by the DOMAIN STACK (see SPEC_FULL.md §5.2).
package render

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	cferrors "github.com/tombee/conductor-flow/pkg/errors"
)

// ConditionEvaluator evaluates boolean "if" expressions against a run's
// rendered data (inputs, step outputs, vars). Compiled programs are cached
// so a condition referenced by many steps is parsed only once.
type ConditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewConditionEvaluator constructs an empty evaluator.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or reuses a cached compile of) expression and runs it
// against data. An empty expression is vacuously true, matching the "no
// condition means always run" rule of the step lifecycle.
func (e *ConditionEvaluator) Evaluate(stepID, expression string, data map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &cferrors.TemplateError{
			StepID:     stepID,
			Expression: expression,
			Message:    "failed to compile condition",
			Cause:      err,
		}
	}

	env := envWithBuiltins(data)
	result, err := expr.Run(program, env)
	if err != nil {
		return false, &cferrors.TemplateError{
			StepID:     stepID,
			Expression: expression,
			Message:    "condition evaluation failed",
			Cause:      err,
		}
	}

	b, ok := result.(bool)
	if !ok {
		return false, &cferrors.TemplateError{
			StepID:     stepID,
			Expression: expression,
			Message:    fmt.Sprintf("condition must return a boolean, got %T", result),
		}
	}
	return b, nil
}

func (e *ConditionEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if p, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	env := envWithBuiltins(nil)
	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// Projector evaluates non-boolean expr-lang expressions used by "outputs"
// mappings, such as `project(result, ".items[0].name")`.
type Projector struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewProjector constructs an empty projector.
func NewProjector() *Projector {
	return &Projector{cache: make(map[string]*vm.Program)}
}

// Eval compiles (or reuses) expression and returns its value against data.
func (p *Projector) Eval(stepID, expression string, data map[string]any) (any, error) {
	p.mu.RLock()
	prog, ok := p.cache[expression]
	p.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(expression, expr.Env(envWithBuiltins(nil)), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, &cferrors.TemplateError{StepID: stepID, Expression: expression, Message: "failed to compile projection", Cause: err}
		}
		p.mu.Lock()
		p.cache[expression] = prog
		p.mu.Unlock()
	}

	result, err := expr.Run(prog, envWithBuiltins(data))
	if err != nil {
		return nil, &cferrors.TemplateError{StepID: stepID, Expression: expression, Message: "projection evaluation failed", Cause: err}
	}
	return result, nil
}

func envWithBuiltins(data map[string]any) map[string]any {
	env := make(map[string]any, len(data)+4)
	for k, v := range data {
		env[k] = v
	}
	env["has"] = containsFunc
	env["includes"] = containsFunc
	env["length"] = lenFunc
	env["project"] = projectFunc
	return env
}

// containsFunc implements has()/includes(): reports whether needle appears
// in haystack, which may be a slice, a string, or a map (checked by key).
func containsFunc(haystack any, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && stringContains(h, s)
	case []any:
		for _, v := range h {
			if v == needle {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, found := h[key]
		return found
	default:
		return false
	}
}

func stringContains(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

func lenFunc(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	default:
		return 0
	}
}

// projectFunc applies a jq-style dotted/indexed path to v, used to let
// "outputs" mappings pull nested fields out of a step's result without a
// full gojq pipeline: project(result, ".items[0].name").
func projectFunc(v any, path string) (any, error) {
	query, err := gojq.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid projection path %q: %w", path, err)
	}
	iter := query.Run(v)
	out, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, ok := out.(error); ok {
		return nil, err
	}
	return out, nil
}
