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

// Package pyexec implements the "python-sandboxed" strategy: it writes a
// script to a temp file, prepends a small boilerplate that decodes the
// piped input from stdin, and runs it under an external interpreter. The
// sandboxing itself (venv isolation, resource limits) is the operator's
// responsibility via Interpreter; this strategy only handles process
// plumbing and result decoding.
package pyexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tombee/conductor-flow/internal/strategy"
)

const boilerplate = `import sys
import json
try:
    _stdin_content = sys.stdin.read()
    if _stdin_content:
        data = json.loads(_stdin_content)
    else:
        data = None
except (json.JSONDecodeError, TypeError):
    data = _stdin_content
# --- user code starts below ---
`

// Strategy runs Python scripts under an external interpreter binary.
type Strategy struct {
	// Interpreter is the executable to invoke, e.g. "python3" or a venv's
	// bin/python. Defaults to "python3" when empty.
	Interpreter string
	Timeout     time.Duration
}

func New() *Strategy {
	return &Strategy{Interpreter: "python3", Timeout: 60 * time.Second}
}

func (s *Strategy) Key() string { return "python-sandboxed" }

func (s *Strategy) TestConnection(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets) (bool, error) {
	return true, nil
}

// RunPythonScript writes script to a temp file prefixed with a stdin-decode
// boilerplate, runs it, and JSON-decodes stdout. A script producing no
// output returns a status message instead of failing.
func (s *Strategy) RunPythonScript(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets, script string, input any) (any, error) {
	interpreter := s.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}

	tmp, err := os.CreateTemp("", "conductor-flow-pyexec-*.py")
	if err != nil {
		return nil, fmt.Errorf("strategy/pyexec: creating temp script: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(boilerplate + script); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("strategy/pyexec: writing temp script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("strategy/pyexec: closing temp script: %w", err)
	}

	timeout := s.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdin, err := inputStdin(input)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(runCtx, interpreter, tmp.Name())
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("strategy/pyexec: script failed: %w: %s", err, stderr.String())
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return map[string]any{"status": "success", "message": "script completed with no output"}, nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Errorf("strategy/pyexec: script output is not valid JSON: %w", err)
	}
	return parsed, nil
}

func inputStdin(input any) (string, error) {
	if input == nil {
		return "", nil
	}
	if s, ok := input.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("strategy/pyexec: marshaling input: %w", err)
	}
	return string(data), nil
}

var _ strategy.PythonScriptRunner = (*Strategy)(nil)
