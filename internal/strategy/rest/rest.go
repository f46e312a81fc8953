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

// Package rest implements the "rest-declarative" strategy: a pure engine
// that interacts with a REST API entirely from a blueprint's
// action_templates, with no code specific to any one API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tombee/conductor-flow/internal/render"
	"github.com/tombee/conductor-flow/internal/strategy"
	"github.com/tombee/conductor-flow/pkg/httpclient"
)

// ActionTemplate is one entry of a blueprint's action_templates mapping.
type ActionTemplate struct {
	APIEndpoint string            `json:"api_endpoint"`
	HTTPMethod  string            `json:"http_method"`
	Payload     map[string]any    `json:"payload,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// BrowseConfig is the subset of a blueprint's browse_config this strategy
// reads: the base URL template and the named action templates.
type BrowseConfig struct {
	BaseURLTemplate string                     `json:"base_url_template"`
	ActionTemplates map[string]ActionTemplate  `json:"action_templates"`
}

// Strategy is the declarative REST connector strategy. One instance is
// shared across every connection that selects "rest-declarative"; it holds
// no connection-scoped state.
type Strategy struct {
	Templates *render.Template
	Client    *http.Client
	// AllowedHosts/BlockedHosts gate SSRF exposure, reusing the same
	// validation the workflow HTTP connector applies to inline operations.
	AllowedHosts []string
	BlockedHosts []string
}

// New constructs a Strategy whose client retries transient failures with
// backoff and logs sanitized request/response lines, per httpclient's
// defaults (30s timeout, 3 retries).
func New() *Strategy {
	client, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		// DefaultConfig always validates; a failure here means the default
		// itself is broken, which is a programmer error, not a runtime one.
		panic(fmt.Sprintf("strategy/rest: building default http client: %v", err))
	}
	return &Strategy{
		Templates: render.NewTemplate(),
		Client:    client,
	}
}

func (s *Strategy) Key() string { return "rest-declarative" }

func (s *Strategy) TestConnection(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets) (bool, error) {
	cfg, err := browseConfig(conn)
	if err != nil {
		return false, err
	}
	baseURL, err := s.renderString(cfg.BaseURLTemplate, conn, secrets, nil)
	if err != nil {
		return false, err
	}
	if err := validateURL(baseURL, s.AllowedHosts, s.BlockedHosts); err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500, nil
}

// RunDeclarativeAction renders and dispatches one named action from the
// connection's blueprint. script_input (params) supplies the template
// variables; dryRun short-circuits before the network call, returning the
// request that would have been sent.
func (s *Strategy) RunDeclarativeAction(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets, params map[string]any, input any, dryRun bool) (any, error) {
	cfg, err := browseConfig(conn)
	if err != nil {
		return nil, err
	}

	templateKey, _ := params["template_key"].(string)
	tmpl, ok := cfg.ActionTemplates[templateKey]
	if !ok {
		return nil, fmt.Errorf("strategy/rest: action %q not found in blueprint", templateKey)
	}

	renderCtx := map[string]any{
		"details": conn.Config,
		"secrets": secretsMap(secrets),
	}
	for k, v := range params {
		renderCtx[k] = v
	}
	if input != nil {
		renderCtx["input"] = input
	}

	endpoint, err := s.renderString(tmpl.APIEndpoint, conn, secrets, renderCtx)
	if err != nil {
		return nil, err
	}
	baseURL, err := s.renderString(cfg.BaseURLTemplate, conn, secrets, renderCtx)
	if err != nil {
		return nil, err
	}
	fullURL := strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(endpoint, "/")

	method := strings.ToUpper(tmpl.HTTPMethod)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if tmpl.Payload != nil && (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch) {
		rendered, err := s.Templates.Render(tmpl.Payload, renderCtx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(rendered)
		if err != nil {
			return nil, fmt.Errorf("strategy/rest: marshaling payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	if dryRun {
		return map[string]any{"dry_run": true, "method": method, "url": fullURL}, nil
	}

	if err := validateURL(fullURL, s.AllowedHosts, s.BlockedHosts); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range tmpl.Headers {
		rendered, err := s.renderString(v, conn, secrets, renderCtx)
		if err != nil {
			return nil, err
		}
		req.Header.Set(k, rendered)
	}
	applyBearerIfPresent(req, secrets)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("strategy/rest: reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("strategy/rest: %s %s returned %d: %s", method, fullURL, resp.StatusCode, string(data))
	}

	var parsed any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			parsed = string(data)
		}
	}
	return parsed, nil
}

func (s *Strategy) renderString(tmpl string, conn *strategy.Connection, secrets strategy.Secrets, extra map[string]any) (string, error) {
	data := map[string]any{"details": conn.Config, "secrets": secretsMap(secrets)}
	for k, v := range extra {
		data[k] = v
	}
	return s.Templates.RenderString(tmpl, data)
}

func secretsMap(secrets strategy.Secrets) map[string]any {
	out := make(map[string]any, len(secrets))
	for k, v := range secrets {
		out[k] = v
	}
	return out
}

// applyBearerIfPresent sets an Authorization header when the connection's
// secrets carry a "token", mirroring the inline HTTP connector's bearer
// inference when no explicit auth block is configured.
func applyBearerIfPresent(req *http.Request, secrets strategy.Secrets) {
	if token, ok := secrets["token"]; ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func browseConfig(conn *strategy.Connection) (*BrowseConfig, error) {
	raw, ok := conn.Config["browse_config"]
	if !ok {
		return nil, fmt.Errorf("strategy/rest: connection %q has no browse_config", conn.Alias)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("strategy/rest: marshaling browse_config: %w", err)
	}
	var cfg BrowseConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("strategy/rest: parsing browse_config: %w", err)
	}
	return &cfg, nil
}

var _ strategy.DeclarativeActionRunner = (*Strategy)(nil)
