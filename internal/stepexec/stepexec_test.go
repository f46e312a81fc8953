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

package stepexec_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor-flow/internal/flowdoc"
	"github.com/tombee/conductor-flow/internal/runctx"
	"github.com/tombee/conductor-flow/internal/stepexec"
	"github.com/tombee/conductor-flow/internal/strategy"
)

// stubStrategy implements every capability interface executor dispatches to,
// recording the last call it served so tests can assert on arguments.
type stubStrategy struct {
	key string

	declarativeResult any
	declarativeErr    error
	lastAction        map[string]any

	sqlResult any
	sqlErr    error
	lastQuery string

	pythonResult any
	lastScript   string

	content *strategy.Content

	browseResult []strategy.VFSNode

	writeResult any
	lastFiles   map[string][]byte

	aggregateResult any
	lastSources     []string
}

func (s *stubStrategy) Key() string { return s.key }

func (s *stubStrategy) TestConnection(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets) (bool, error) {
	return true, nil
}

func (s *stubStrategy) RunDeclarativeAction(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets, params map[string]any, input any, dryRun bool) (any, error) {
	s.lastAction = params
	return s.declarativeResult, s.declarativeErr
}

func (s *stubStrategy) RunSQLQuery(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets, query string, args map[string]any) (any, error) {
	s.lastQuery = query
	return s.sqlResult, s.sqlErr
}

func (s *stubStrategy) RunPythonScript(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets, script string, input any) (any, error) {
	s.lastScript = script
	return s.pythonResult, nil
}

func (s *stubStrategy) GetContent(ctx context.Context, pathParts []string, conn *strategy.Connection, secrets strategy.Secrets) (*strategy.Content, error) {
	return s.content, nil
}

func (s *stubStrategy) BrowsePath(ctx context.Context, pathParts []string, conn *strategy.Connection, secrets strategy.Secrets) ([]strategy.VFSNode, error) {
	return s.browseResult, nil
}

func (s *stubStrategy) WriteFiles(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets, files map[string][]byte) (any, error) {
	s.lastFiles = files
	return s.writeResult, nil
}

func (s *stubStrategy) AggregateContent(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets, sources []string, projection string) (any, error) {
	s.lastSources = sources
	return s.aggregateResult, nil
}

var (
	_ strategy.DeclarativeActionRunner = (*stubStrategy)(nil)
	_ strategy.SQLQueryRunner          = (*stubStrategy)(nil)
	_ strategy.PythonScriptRunner      = (*stubStrategy)(nil)
	_ strategy.ContentReader           = (*stubStrategy)(nil)
	_ strategy.PathBrowser             = (*stubStrategy)(nil)
	_ strategy.FileWriter              = (*stubStrategy)(nil)
	_ strategy.ContentAggregator       = (*stubStrategy)(nil)
)

type stubResolver struct {
	conn    *strategy.Connection
	secrets strategy.Secrets
	err     error
}

func (r *stubResolver) Resolve(source string) (*strategy.Connection, strategy.Secrets, error) {
	return r.conn, r.secrets, r.err
}

func newExecutor(t *testing.T, s *stubStrategy) (*stepexec.Executor, *stubResolver) {
	t.Helper()
	reg := strategy.NewRegistry()
	reg.Register(s)
	resolver := &stubResolver{
		conn:    &strategy.Connection{Alias: "svc", Key: s.key},
		secrets: strategy.Secrets{},
	}
	return stepexec.New(reg, resolver), resolver
}

func TestExecutor_MarkdownEngine_IsNoOp(t *testing.T) {
	s := &stubStrategy{key: "stub"}
	e, _ := newExecutor(t, s)
	out, err := e.Execute(context.Background(), &flowdoc.Step{ID: "s1", Engine: "markdown"}, runctx.New("", nil))
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestExecutor_DeclarativeAction_DispatchesToStrategy(t *testing.T) {
	s := &stubStrategy{key: "stub", declarativeResult: map[string]any{"ok": true}}
	e, _ := newExecutor(t, s)
	step := &flowdoc.Step{
		ID:         "s1",
		Connection: "user:svc",
		Run: &flowdoc.ActionRecord{
			Action: "declarative_action",
			Params: map[string]any{"operation_id": "listUsers"},
		},
	}
	out, err := e.Execute(context.Background(), step, runctx.New("", nil))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, out)
	require.Equal(t, "listUsers", s.lastAction["operation_id"])
}

func TestExecutor_SQLQuery_PassesQueryThrough(t *testing.T) {
	s := &stubStrategy{key: "stub", sqlResult: []any{map[string]any{"id": 1}}}
	e, _ := newExecutor(t, s)
	step := &flowdoc.Step{
		ID:         "s1",
		Connection: "user:svc",
		Run: &flowdoc.ActionRecord{
			Action: "sql_query",
			Params: map[string]any{"query": "SELECT 1"},
		},
	}
	out, err := e.Execute(context.Background(), step, runctx.New("", nil))
	require.NoError(t, err)
	require.Equal(t, "SELECT 1", s.lastQuery)
	require.Equal(t, []any{map[string]any{"id": 1}}, out)
}

func TestExecutor_SQLEngine_UsesStepContentAsQuery(t *testing.T) {
	s := &stubStrategy{key: "stub", sqlResult: []any{}}
	e, _ := newExecutor(t, s)
	step := &flowdoc.Step{
		ID:         "s1",
		Connection: "user:svc",
		Engine:     "sql",
		Content:    "SELECT * FROM widgets",
	}
	_, err := e.Execute(context.Background(), step, runctx.New("", nil))
	require.NoError(t, err)
	require.Equal(t, "SELECT * FROM widgets", s.lastQuery)
}

func TestExecutor_PythonScript_Dispatches(t *testing.T) {
	s := &stubStrategy{key: "stub", pythonResult: map[string]any{"status": "success"}}
	e, _ := newExecutor(t, s)
	step := &flowdoc.Step{
		ID:         "s1",
		Connection: "user:svc",
		Run: &flowdoc.ActionRecord{
			Action: "python_script",
			Params: map[string]any{"script_content": "print('hi')"},
		},
	}
	out, err := e.Execute(context.Background(), step, runctx.New("", nil))
	require.NoError(t, err)
	require.Equal(t, "print('hi')", s.lastScript)
	require.Equal(t, map[string]any{"status": "success"}, out)
}

func TestExecutor_WriteFiles_PassesFilesThrough(t *testing.T) {
	s := &stubStrategy{key: "stub"}
	e, _ := newExecutor(t, s)
	step := &flowdoc.Step{
		ID:         "s1",
		Connection: "user:svc",
		Run: &flowdoc.ActionRecord{
			Action: "write_files",
			Params: map[string]any{"files": map[string]any{"out.txt": "hello"}},
		},
	}
	_, err := e.Execute(context.Background(), step, runctx.New("", nil))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), s.lastFiles["out.txt"])
}

func TestExecutor_AggregateContent_PassesSources(t *testing.T) {
	s := &stubStrategy{key: "stub", aggregateResult: "combined"}
	e, _ := newExecutor(t, s)
	step := &flowdoc.Step{
		ID:         "s1",
		Connection: "user:svc",
		Run: &flowdoc.ActionRecord{
			Action: "aggregate_content",
			Params: map[string]any{"sources": []any{"a.md", "b.md"}},
		},
	}
	out, err := e.Execute(context.Background(), step, runctx.New("", nil))
	require.NoError(t, err)
	require.Equal(t, []string{"a.md", "b.md"}, s.lastSources)
	require.Equal(t, "combined", out)
}

func TestExecutor_Artifact_WritesSerializedSourceOutput(t *testing.T) {
	s := &stubStrategy{key: "stub", writeResult: "done"}
	e, _ := newExecutor(t, s)
	rc := runctx.New("", nil)
	rc.SetResult("fetch", &runctx.StepResult{StepID: "fetch", Status: "completed", Output: []any{
		map[string]any{"id": 1, "name": "a"},
	}})
	step := &flowdoc.Step{
		ID:         "s1",
		Connection: "user:svc",
		Engine:     "artifact",
		Content:    "format: json\ntarget_path: out/report.json\nsource: fetch\n",
	}
	out, err := e.Execute(context.Background(), step, rc)
	require.NoError(t, err)
	require.Equal(t, "done", out)
	require.Contains(t, string(s.lastFiles["out/report.json"]), `"name": "a"`)
}

func TestExecutor_Artifact_CSVFormat(t *testing.T) {
	s := &stubStrategy{key: "stub"}
	e, _ := newExecutor(t, s)
	rc := runctx.New("", nil)
	rc.SetResult("fetch", &runctx.StepResult{StepID: "fetch", Status: "completed", Output: []any{
		map[string]any{"id": 1},
		map[string]any{"id": 2},
	}})
	step := &flowdoc.Step{
		ID:         "s1",
		Connection: "user:svc",
		Engine:     "artifact",
		Content:    "format: csv\ntarget_path: out/report.csv\nsource: fetch\n",
	}
	_, err := e.Execute(context.Background(), step, rc)
	require.NoError(t, err)
	require.Equal(t, "id\n1\n2\n", string(s.lastFiles["out/report.csv"]))
}

func TestExecutor_UIComponent_RendersContentAgainstContext(t *testing.T) {
	s := &stubStrategy{key: "stub"}
	e, _ := newExecutor(t, s)
	rc := runctx.New("", nil)
	rc.SetResult("greeting", &runctx.StepResult{StepID: "greeting", Status: "completed", Output: "hello"})
	step := &flowdoc.Step{
		ID:      "s1",
		Engine:  "ui-component",
		Content: "title: \"{{.steps.greeting.output}}\"\n",
	}
	out, err := e.Execute(context.Background(), step, rc)
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hello", m["title"])
}

func TestExecutor_UnknownEngine_Errors(t *testing.T) {
	s := &stubStrategy{key: "stub"}
	e, _ := newExecutor(t, s)
	_, err := e.Execute(context.Background(), &flowdoc.Step{ID: "s1", Engine: "wat"}, runctx.New("", nil))
	require.Error(t, err)
}

func TestExecutor_RunFlow_RequiresConfiguredFlowRunner(t *testing.T) {
	s := &stubStrategy{key: "stub"}
	e, _ := newExecutor(t, s)
	step := &flowdoc.Step{
		ID:         "s1",
		Connection: "user:svc",
		Run: &flowdoc.ActionRecord{
			Action: "run_flow",
			Params: map[string]any{"flow_path": "./sub.flow.yaml"},
		},
	}
	_, err := e.Execute(context.Background(), step, runctx.New("", nil))
	require.Error(t, err)
}

func TestUnwrapSingleKey_CollapsesSingleEntryMap(t *testing.T) {
	require.Equal(t, "rows-here", stepexec.UnwrapSingleKey(map[string]any{"rows": "rows-here"}))
}

func TestUnwrapSingleKey_LeavesMultiKeyMapAlone(t *testing.T) {
	in := map[string]any{"a": 1, "b": 2}
	require.Equal(t, in, stepexec.UnwrapSingleKey(in))
}

func TestUnwrapSingleKey_LeavesErrorEnvelopeAlone(t *testing.T) {
	in := map[string]any{"error": "boom"}
	require.Equal(t, in, stepexec.UnwrapSingleKey(in))
}

func TestUnwrapSingleKey_LeavesNonMapAlone(t *testing.T) {
	require.Equal(t, []any{1, 2}, stepexec.UnwrapSingleKey([]any{1, 2}))
}
