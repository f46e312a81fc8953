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

// Package smartfetch implements the "internal-smart_fetcher" meta-strategy:
// it reads content from a mixed list of sources, transparently delegating
// each one to an HTTP GET or a local file read depending on its form, then
// optionally projects the aggregated result through a gojq filter.
package smartfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/tombee/conductor-flow/internal/strategy"
	"github.com/tombee/conductor-flow/pkg/httpclient"
)

// Strategy has no connection-scoped state; every source carries its own
// origin (URL or filesystem path).
type Strategy struct {
	Client *http.Client
}

func New() *Strategy {
	client, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		panic(fmt.Sprintf("strategy/smartfetch: building default http client: %v", err))
	}
	return &Strategy{Client: client}
}

func (s *Strategy) Key() string { return "internal-smart_fetcher" }

func (s *Strategy) TestConnection(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets) (bool, error) {
	return true, nil
}

// fetched is one source's raw content, kept in request order.
type fetched struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// AggregateContent fetches every source (delegating to HTTP or the local
// filesystem by sniffing the scheme) and, when projection is non-empty,
// filters the resulting array of {source, content} documents through a
// gojq program.
func (s *Strategy) AggregateContent(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets, sources []string, projection string) (any, error) {
	docs := make([]fetched, 0, len(sources))
	for _, src := range sources {
		content, err := s.fetchOne(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("strategy/smartfetch: fetching %q: %w", src, err)
		}
		docs = append(docs, fetched{Source: src, Content: content})
	}

	if projection == "" {
		return docs, nil
	}
	return project(docs, projection)
}

func (s *Strategy) fetchOne(ctx context.Context, source string) (string, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return "", err
		}
		resp, err := s.Client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("GET returned status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// project runs a gojq filter over docs, converted to []any first since
// gojq operates on generic JSON-shaped values rather than Go structs.
func project(docs []fetched, filter string) (any, error) {
	generic := make([]any, len(docs))
	for i, d := range docs {
		generic[i] = map[string]any{"source": d.Source, "content": d.Content}
	}

	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("strategy/smartfetch: parsing projection: %w", err)
	}
	iter := query.Run(generic)

	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("strategy/smartfetch: evaluating projection: %w", err)
		}
		results = append(results, v)
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

var _ strategy.ContentAggregator = (*Strategy)(nil)
