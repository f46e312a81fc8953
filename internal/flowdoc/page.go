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

package flowdoc

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// fencePattern splits a markdown body into runs of plain text and fenced
// code blocks. It captures the fence's language tag and its literal body.
var fencePattern = regexp.MustCompile("(?s)```([a-zA-Z0-9_-]*)\r?\n(.*?)\r?\n```")

// fence is one fenced code block found in the stream, with its position so
// the surrounding markdown can be recovered.
type fence struct {
	lang       string
	body       string
	start, end int
}

// pageMeta is the shape of a cx_block metadata fence.
type pageMeta struct {
	CXBlock    bool           `yaml:"cx_block"`
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Engine     string         `yaml:"engine"`
	Connection string         `yaml:"connection"`
	If         string         `yaml:"if"`
	DependsOn  []string       `yaml:"depends_on"`
	Outputs    *OutputsSpec   `yaml:"outputs"`
	Context    map[string]any `yaml:"context"`
	NoCache    bool           `yaml:"no_cache"`
}

// ParsePage parses a Markdown contextual page: a stream of markdown prose
// interleaved with fenced code blocks, where a YAML fence carrying
// "cx_block: true" is metadata for the block immediately following it.
//
// Markdown prose (and any fenced block that is never paired as a step) is
// preserved in document order as synthetic, non-executable steps with
// engine "markdown" and sequential ids md_0, md_1, ...
func ParsePage(data []byte) (*Document, error) {
	body := string(data)
	matches := fencePattern.FindAllStringSubmatchIndex(body, -1)

	fences := make([]fence, 0, len(matches))
	gaps := make([]string, 0, len(matches)+1)

	cursor := 0
	for _, m := range matches {
		gaps = append(gaps, body[cursor:m[0]])
		fences = append(fences, fence{
			lang:  body[m[2]:m[3]],
			body:  body[m[4]:m[5]],
			start: m[0],
			end:   m[1],
		})
		cursor = m[1]
	}
	gaps = append(gaps, body[cursor:])

	doc := &Document{Steps: make([]Step, 0, len(fences))}

	var mdBuf strings.Builder
	mdCount := 0
	flushMarkdown := func() {
		text := mdBuf.String()
		mdBuf.Reset()
		if strings.TrimSpace(text) == "" {
			return
		}
		doc.Steps = append(doc.Steps, Step{
			ID:      fmt.Sprintf("md_%d", mdCount),
			Engine:  "markdown",
			Content: text,
		})
		mdCount++
	}

	i := 0
	for i < len(fences) {
		mdBuf.WriteString(gaps[i])

		f := fences[i]
		meta, ok := asMetadata(f)
		if !ok {
			// Non-executable fenced block: render as markdown, verbatim.
			mdBuf.WriteString("```" + f.lang + "\n" + f.body + "\n```")
			i++
			continue
		}

		if i+1 >= len(fences) {
			// Unpaired metadata block: degrades to markdown.
			mdBuf.WriteString("```" + f.lang + "\n" + f.body + "\n```")
			i++
			continue
		}

		content := fences[i+1]
		step, err := stepFromMetadata(meta, content)
		if err != nil {
			return nil, err
		}
		flushMarkdown()
		doc.Steps = append(doc.Steps, step)

		// Any markdown between the metadata fence and its content fence is
		// discarded: the pairing is by stream adjacency in fenced blocks,
		// not by character adjacency.
		i += 2
	}
	mdBuf.WriteString(gaps[len(gaps)-1])
	flushMarkdown()

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// asMetadata reports whether f is a YAML fence with a top-level
// "cx_block: true" key, returning its decoded metadata if so.
func asMetadata(f fence) (pageMeta, bool) {
	lang := strings.ToLower(f.lang)
	if lang != "yaml" && lang != "yml" {
		return pageMeta{}, false
	}
	var meta pageMeta
	if err := yaml.Unmarshal([]byte(f.body), &meta); err != nil {
		return pageMeta{}, false
	}
	if !meta.CXBlock {
		return pageMeta{}, false
	}
	return meta, true
}

// stepFromMetadata builds a Step from a paired metadata fence and its
// following content fence.
func stepFromMetadata(meta pageMeta, content fence) (Step, error) {
	engine := meta.Engine
	if engine == "" {
		engine = content.lang
	}

	step := Step{
		ID:         meta.ID,
		Name:       meta.Name,
		Connection: meta.Connection,
		Engine:     engine,
		If:         meta.If,
		DependsOn:  meta.DependsOn,
		Outputs:    meta.Outputs,
		Context:    meta.Context,
		NoCache:    meta.NoCache,
	}

	if engine == "run" {
		var run ActionRecord
		if err := yaml.Unmarshal([]byte(content.body), &run); err != nil {
			return Step{}, fmt.Errorf("flowdoc: step %s: parse run body: %w", meta.ID, err)
		}
		step.Run = &run
		step.Engine = ""
	} else {
		step.Content = content.body
	}

	return step, nil
}
