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

package render

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	cferrors "github.com/tombee/conductor-flow/pkg/errors"
)

// Template renders "{{ ... }}" expressions against a flat data map (the
// rendered run context: inputs, step outputs, vars). A string that is
// *entirely* a single expression returns the native Go value the
// expression resolves to rather than its string form — this is the rule
// that lets a step's "input: {{.steps.fetch.output}}" hand a downstream step
// an actual slice instead of its stringified text/template rendering.
type Template struct {
	funcs template.FuncMap
}

// NewTemplate constructs a renderer with the default filter set
// (sqlquote, sha256_hex, b64decode, rstrip) and the now() global.
func NewTemplate() *Template {
	return &Template{funcs: defaultFuncMap()}
}

// Render resolves every string value in v (recursively, through maps and
// slices) against data. Non-string values pass through unchanged.
func (t *Template) Render(v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if isPureTemplateRef(val) {
			if raw, ok := t.extractRawValue(val, data); ok {
				return raw, nil
			}
		}
		return t.resolveOrKeep(val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := t.Render(item, data)
			if err != nil {
				return nil, fmt.Errorf("in field %q: %w", k, err)
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := t.Render(item, data)
			if err != nil {
				return nil, fmt.Errorf("at index %d: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderString renders s and always returns its string form, even for a
// pure single-expression reference. Used for contexts that are
// unambiguously textual, such as log messages.
func (t *Template) RenderString(s string, data map[string]any) (string, error) {
	if !containsTemplateSyntax(s) {
		return s, nil
	}
	tmpl, err := template.New("step").Funcs(t.funcs).Parse(s)
	if err != nil {
		return "", &cferrors.TemplateError{Expression: s, Message: "failed to parse template", Cause: err}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", &cferrors.TemplateError{Expression: s, Message: "failed to execute template", Cause: err}
	}
	return buf.String(), nil
}

func (t *Template) resolveOrKeep(s string, data map[string]any) (string, error) {
	if !containsTemplateSyntax(s) {
		return s, nil
	}
	result, err := t.RenderString(s, data)
	if err != nil {
		return "", err
	}
	if strings.Contains(result, "<no value>") {
		return "", &cferrors.TemplateError{Expression: truncateForError(s), Message: "undefined template variable"}
	}
	return result, nil
}

// extractRawValue parses a pure "{{.a.b.c}}" reference and walks data
// directly, returning the value's native type rather than its %v form.
func (t *Template) extractRawValue(s string, data map[string]any) (any, bool) {
	inner := strings.TrimSpace(s[2 : len(s)-2])
	if len(inner) == 0 || inner[0] != '.' {
		return nil, false
	}
	inner = inner[1:]

	parts := splitPath(inner)
	if len(parts) == 0 {
		return nil, false
	}

	var current any = data
	for _, part := range parts {
		idx, isIndex := parseIndex(part)
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[part]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			if !isIndex || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func parseIndex(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func isPureTemplateRef(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 5 {
		return false
	}
	if s[:2] != "{{" || s[len(s)-2:] != "}}" {
		return false
	}
	inner := s[2 : len(s)-2]
	for i := 0; i < len(inner)-1; i++ {
		if (inner[i] == '{' && inner[i+1] == '{') || (inner[i] == '}' && inner[i+1] == '}') {
			return false
		}
	}
	return true
}

func containsTemplateSyntax(s string) bool {
	return strings.Contains(s, "{{")
}

func splitPath(path string) []string {
	var parts []string
	var current strings.Builder
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
			continue
		}
		current.WriteByte(path[i])
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func truncateForError(s string) string {
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
