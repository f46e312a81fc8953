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

// Package flowdoc parses the two document shapes a run can be built from —
// a flow YAML file and a Markdown "contextual page" — into one common
// ordered list of steps plus document-level front matter.
package flowdoc

import (
	"fmt"

	"gopkg.in/yaml.v3"

	cferrors "github.com/tombee/conductor-flow/pkg/errors"
)

// ActionRecord is a step's run body: a tagged action kind plus an opaque
// parameter bundle. Parameters are rendered as templates before dispatch and
// are never interpreted by the parser.
type ActionRecord struct {
	Action string
	Params map[string]any
}

// UnmarshalYAML pulls the "action" key out of the mapping and keeps every
// other key as an opaque parameter.
func (a *ActionRecord) UnmarshalYAML(node *yaml.Node) error {
	raw := map[string]any{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	action, _ := raw["action"].(string)
	delete(raw, "action")
	a.Action = action
	a.Params = raw
	return nil
}

// MarshalYAML re-flattens Action back into the parameter bundle, used when a
// step record needs to be re-serialized (e.g. for a cache key).
func (a ActionRecord) MarshalYAML() (any, error) {
	out := make(map[string]any, len(a.Params)+1)
	for k, v := range a.Params {
		out[k] = v
	}
	out["action"] = a.Action
	return out, nil
}

// OutputsSpec is a step's outputs clause: either a list of names that alias
// the whole result, or a mapping of name to a projection expression.
type OutputsSpec struct {
	Names []string
	Exprs map[string]string
}

// UnmarshalYAML accepts either a sequence or a mapping node.
func (o *OutputsSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(&o.Names)
	case yaml.MappingNode:
		return node.Decode(&o.Exprs)
	default:
		return fmt.Errorf("flowdoc: outputs must be a list or a mapping, got kind %v", node.Kind)
	}
}

// IsEmpty reports whether the outputs clause was never set.
func (o *OutputsSpec) IsEmpty() bool {
	return o == nil || (len(o.Names) == 0 && len(o.Exprs) == 0)
}

// Step is a uniquely identified unit of work in a parsed document.
type Step struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name,omitempty"`
	Connection string         `yaml:"connection,omitempty"`
	Run        *ActionRecord  `yaml:"run,omitempty"`
	Engine     string         `yaml:"engine,omitempty"`
	Content    string         `yaml:"content,omitempty"`
	If         string         `yaml:"if,omitempty"`
	DependsOn  []string       `yaml:"depends_on,omitempty"`
	Outputs    *OutputsSpec   `yaml:"outputs,omitempty"`
	Context    map[string]any `yaml:"context,omitempty"`

	// NoCache requests the scheduler bypass the cache index for this step.
	NoCache bool `yaml:"no_cache,omitempty"`
}

// HasRunBody reports whether the step carries a run action record rather
// than an engine+content pair.
func (s *Step) HasRunBody() bool {
	return s.Run != nil
}

// InputSpec describes one declared document input.
type InputSpec struct {
	Required bool `yaml:"required,omitempty"`
	Default  any  `yaml:"default,omitempty"`
}

// Document is the parser's single output shape for both a flow YAML file and
// a contextual page: document-level front matter plus an ordered step list.
type Document struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description,omitempty"`
	Inputs      map[string]InputSpec `yaml:"inputs,omitempty"`
	Steps       []Step               `yaml:"steps"`
}

// Validate checks the structural invariants the data model requires: unique
// non-empty step ids, and depends_on identifiers that resolve within the
// document. Cycle detection is the scheduler's job, not the parser's.
func (d *Document) Validate() error {
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return &cferrors.ValidationError{
				Field:      "steps[].id",
				Message:    "every step must have a non-empty id",
				Suggestion: "add an id to the step",
			}
		}
		if seen[s.ID] {
			return &cferrors.ValidationError{
				Field:      "steps[].id",
				Message:    fmt.Sprintf("duplicate step id: %s", s.ID),
				Suggestion: "ensure each step has a unique id",
			}
		}
		seen[s.ID] = true
	}
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return &cferrors.ValidationError{
					Field:      "steps[].depends_on",
					Message:    fmt.Sprintf("step %s depends_on unknown step %s", s.ID, dep),
					Suggestion: "fix the depends_on reference or add the missing step",
				}
			}
		}
	}
	return nil
}
