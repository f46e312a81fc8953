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

// Package stepexec implements the Step Executor: given a fully rendered
// step it resolves the step's connection, looks up the matching strategy
// capability, and dispatches. It satisfies scheduler.Executor.
package stepexec

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tombee/conductor-flow/internal/flowdoc"
	"github.com/tombee/conductor-flow/internal/render"
	"github.com/tombee/conductor-flow/internal/runctx"
	"github.com/tombee/conductor-flow/internal/strategy"
)

// ConnectionResolver turns a connection source string into a strategy
// Connection and its secrets.
type ConnectionResolver interface {
	Resolve(source string) (*strategy.Connection, strategy.Secrets, error)
}

// Transformer is the external Transformer Service collaborator invoked by
// engine=transform steps.
type Transformer interface {
	Transform(ctx context.Context, input any, spec map[string]any, rc *runctx.Context) (any, error)
}

// CommandRunner is the external shell-language command executor invoked by
// engine=cx-action steps.
type CommandRunner interface {
	RunCommand(ctx context.Context, command string, rc *runctx.Context) (any, error)
}

// FlowRunner executes a named document as a sub-run, invoked by run_flow
// actions.
type FlowRunner interface {
	RunFlow(ctx context.Context, path string, inputs map[string]any, piped any) (map[string]any, error)
}

// Executor is the concrete Step Executor.
type Executor struct {
	Strategies  *strategy.Registry
	Connections ConnectionResolver
	Templates   *render.Template
	Projector   *render.Projector

	// Optional external collaborators. A nil value surfaces a clear error
	// only when a step actually reaches that engine/action.
	Transformer Transformer
	Commands    CommandRunner
	Flows       FlowRunner
}

func New(strategies *strategy.Registry, connections ConnectionResolver) *Executor {
	return &Executor{
		Strategies:  strategies,
		Connections: connections,
		Templates:   render.NewTemplate(),
		Projector:   render.NewProjector(),
	}
}

// Execute dispatches a fully rendered step per spec.md's Step Executor
// routing table: engine blocks first, then run-body action kinds.
func (e *Executor) Execute(ctx context.Context, step *flowdoc.Step, rc *runctx.Context) (any, error) {
	switch step.Engine {
	case "markdown":
		return nil, nil
	case "artifact":
		return e.runArtifact(ctx, step, rc)
	case "transform":
		return e.runTransform(ctx, step, rc)
	case "cx-action":
		return e.runCxAction(ctx, step, rc)
	case "ui-component":
		return e.runUIComponent(step, rc)
	case "sql":
		return e.runSQLEngine(ctx, step, rc)
	case "":
		// fall through to the run-body dispatch below
	default:
		return nil, fmt.Errorf("stepexec: unknown engine %q for step %q", step.Engine, step.ID)
	}

	if !step.HasRunBody() {
		return nil, fmt.Errorf("stepexec: step %q has neither an engine nor a run body", step.ID)
	}
	return e.runAction(ctx, step, rc)
}

// resolve loads the step's connection and looks up its strategy.
func (e *Executor) resolve(step *flowdoc.Step) (*strategy.Connection, strategy.Secrets, strategy.Strategy, error) {
	if step.Connection == "" {
		return nil, nil, nil, fmt.Errorf("stepexec: step %q has no connection", step.ID)
	}
	conn, secrets, err := e.Connections.Resolve(step.Connection)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stepexec: resolving connection for step %q: %w", step.ID, err)
	}
	s, err := e.Strategies.Get(conn.Key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stepexec: step %q: %w", step.ID, err)
	}
	return conn, secrets, s, nil
}

func (e *Executor) runAction(ctx context.Context, step *flowdoc.Step, rc *runctx.Context) (any, error) {
	conn, secrets, s, err := e.resolve(step)
	if err != nil {
		return nil, err
	}
	params := step.Run.Params

	switch step.Run.Action {
	case "declarative_action":
		runner, ok := s.(strategy.DeclarativeActionRunner)
		if !ok {
			return nil, fmt.Errorf("stepexec: strategy %q does not support declarative_action", s.Key())
		}
		dryRun, _ := params["dry_run"].(bool)
		input := params["input"]
		return runner.RunDeclarativeAction(ctx, conn, secrets, params, input, dryRun)

	case "sql_query":
		runner, ok := s.(strategy.SQLQueryRunner)
		if !ok {
			return nil, fmt.Errorf("stepexec: strategy %q does not support sql_query", s.Key())
		}
		query, _ := params["query"].(string)
		args, _ := params["args"].(map[string]any)
		return runner.RunSQLQuery(ctx, conn, secrets, query, args)

	case "python_script":
		runner, ok := s.(strategy.PythonScriptRunner)
		if !ok {
			return nil, fmt.Errorf("stepexec: strategy %q does not support python_script", s.Key())
		}
		script, _ := params["script_content"].(string)
		return runner.RunPythonScript(ctx, conn, secrets, script, params["input"])

	case "read_content":
		reader, ok := s.(strategy.ContentReader)
		if !ok {
			return nil, fmt.Errorf("stepexec: strategy %q does not support read_content", s.Key())
		}
		path, _ := params["path"].(string)
		content, err := reader.GetContent(ctx, []string{path}, conn, secrets)
		if err != nil {
			return nil, err
		}
		return content, nil

	case "browse_path":
		browser, ok := s.(strategy.PathBrowser)
		if !ok {
			return nil, fmt.Errorf("stepexec: strategy %q does not support browse_path", s.Key())
		}
		path, _ := params["path"].(string)
		var parts []string
		if path != "" {
			parts = []string{path}
		}
		return browser.BrowsePath(ctx, parts, conn, secrets)

	case "write_files":
		writer, ok := s.(strategy.FileWriter)
		if !ok {
			return nil, fmt.Errorf("stepexec: strategy %q does not support write_files", s.Key())
		}
		files, err := filesParam(params["files"])
		if err != nil {
			return nil, err
		}
		return writer.WriteFiles(ctx, conn, secrets, files)

	case "aggregate_content":
		agg, ok := s.(strategy.ContentAggregator)
		if !ok {
			return nil, fmt.Errorf("stepexec: strategy %q does not support aggregate_content", s.Key())
		}
		sources, _ := toStringSlice(params["sources"])
		projection, _ := params["projection"].(string)
		return agg.AggregateContent(ctx, conn, secrets, sources, projection)

	case "run_flow":
		if e.Flows == nil {
			return nil, fmt.Errorf("stepexec: run_flow is not configured with a FlowRunner")
		}
		path, _ := params["flow_path"].(string)
		inputs, _ := params["inputs"].(map[string]any)
		return e.Flows.RunFlow(ctx, path, inputs, params["input"])

	default:
		return nil, fmt.Errorf("stepexec: unknown action kind %q for step %q", step.Run.Action, step.ID)
	}
}

func (e *Executor) runArtifact(ctx context.Context, step *flowdoc.Step, rc *runctx.Context) (any, error) {
	var spec struct {
		Format     string `yaml:"format"`
		TargetPath string `yaml:"target_path"`
		Source     string `yaml:"source"`
		Query      string `yaml:"query"`
	}
	if err := yaml.Unmarshal([]byte(step.Content), &spec); err != nil {
		return nil, fmt.Errorf("stepexec: step %q: parsing artifact content: %w", step.ID, err)
	}
	if spec.Format == "" || spec.TargetPath == "" {
		return nil, fmt.Errorf("stepexec: step %q: artifact content requires format and target_path", step.ID)
	}

	input, err := e.artifactInput(step, rc, spec.Source, spec.Query)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch spec.Format {
	case "json":
		data, err = json.MarshalIndent(input, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("stepexec: step %q: marshaling artifact as json: %w", step.ID, err)
		}
	case "csv":
		data, err = marshalCSV(input)
		if err != nil {
			return nil, fmt.Errorf("stepexec: step %q: marshaling artifact as csv: %w", step.ID, err)
		}
	default:
		return nil, fmt.Errorf("stepexec: step %q: unsupported artifact format %q", step.ID, spec.Format)
	}

	conn, secrets, s, err := e.resolve(step)
	if err != nil {
		return nil, err
	}
	writer, ok := s.(strategy.FileWriter)
	if !ok {
		return nil, fmt.Errorf("stepexec: step %q: connection's strategy does not support write_files", step.ID)
	}
	return writer.WriteFiles(ctx, conn, secrets, map[string][]byte{spec.TargetPath: data})
}

func (e *Executor) artifactInput(step *flowdoc.Step, rc *runctx.Context, source, query string) (any, error) {
	if source == "" {
		return nil, fmt.Errorf("stepexec: step %q: artifact content requires a source step id", step.ID)
	}
	result, ok := rc.Result(source)
	if !ok {
		return nil, fmt.Errorf("stepexec: step %q: source step %q has no recorded result", step.ID, source)
	}
	if query == "" {
		return result.Output, nil
	}
	return e.Projector.Eval(step.ID, query, map[string]any{"output": result.Output})
}

func (e *Executor) runTransform(ctx context.Context, step *flowdoc.Step, rc *runctx.Context) (any, error) {
	if e.Transformer == nil {
		return nil, fmt.Errorf("stepexec: step %q: engine=transform requires a configured Transformer", step.ID)
	}
	var spec map[string]any
	if err := yaml.Unmarshal([]byte(step.Content), &spec); err != nil {
		return nil, fmt.Errorf("stepexec: step %q: parsing transform content: %w", step.ID, err)
	}
	source, _ := spec["source"].(string)
	result, ok := rc.Result(source)
	if !ok {
		return nil, fmt.Errorf("stepexec: step %q: transform source %q has no recorded result", step.ID, source)
	}
	return e.Transformer.Transform(ctx, result.Output, spec, rc)
}

func (e *Executor) runCxAction(ctx context.Context, step *flowdoc.Step, rc *runctx.Context) (any, error) {
	if e.Commands == nil {
		return nil, fmt.Errorf("stepexec: step %q: engine=cx-action requires a configured CommandRunner", step.ID)
	}
	return e.Commands.RunCommand(ctx, step.Content, rc)
}

func (e *Executor) runUIComponent(step *flowdoc.Step, rc *runctx.Context) (any, error) {
	var structure any
	if err := yaml.Unmarshal([]byte(step.Content), &structure); err != nil {
		return nil, fmt.Errorf("stepexec: step %q: parsing ui-component content: %w", step.ID, err)
	}
	return e.Templates.Render(structure, rc.RenderData())
}

func (e *Executor) runSQLEngine(ctx context.Context, step *flowdoc.Step, rc *runctx.Context) (any, error) {
	conn, secrets, s, err := e.resolve(step)
	if err != nil {
		return nil, err
	}
	runner, ok := s.(strategy.SQLQueryRunner)
	if !ok {
		return nil, fmt.Errorf("stepexec: step %q: connection's strategy does not support execute_query", step.ID)
	}
	args, _ := step.Context["args"].(map[string]any)
	return runner.RunSQLQuery(ctx, conn, secrets, step.Content, args)
}

func filesParam(raw any) (map[string][]byte, error) {
	items, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("stepexec: write_files params.files must be a mapping of path to content")
	}
	out := make(map[string][]byte, len(items))
	for path, v := range items {
		switch content := v.(type) {
		case string:
			out[path] = []byte(content)
		case []byte:
			out[path] = content
		default:
			data, err := json.Marshal(content)
			if err != nil {
				return nil, fmt.Errorf("stepexec: encoding file content for %q: %w", path, err)
			}
			out[path] = data
		}
	}
	return out, nil
}

func toStringSlice(raw any) ([]string, bool) {
	items, ok := raw.([]any)
	if !ok {
		if strs, ok := raw.([]string); ok {
			return strs, true
		}
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, _ := it.(string)
		out = append(out, s)
	}
	return out, true
}

// UnwrapSingleKey applies the single-key envelope unwrap: a mapping with
// exactly one key and no "error" entry collapses to its contained value.
// This is for ad-hoc command-boundary callers only (e.g. the CLI printing
// a run's final result) — the scheduler never calls this on its way to a
// persisted step result, so the manifest always records a strategy's
// result verbatim.
func UnwrapSingleKey(v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return v
	}
	if _, hasErr := m["error"]; hasErr {
		return v
	}
	for _, only := range m {
		return only
	}
	return v
}
