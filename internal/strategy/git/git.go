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

// Package git implements the "git-declarative" strategy: a hybrid
// orchestrator that browses repository metadata through an embedded REST
// strategy and hands off to a local clone, shelling out to the git binary,
// once the path depth crosses the blueprint's git_handoff_depth.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tombee/conductor-flow/internal/render"
	"github.com/tombee/conductor-flow/internal/strategy"
	"github.com/tombee/conductor-flow/internal/strategy/rest"
)

const defaultHandoffDepth = 3

// Strategy composes a REST strategy for metadata browsing with local git
// clones cached under CacheRoot, keyed by a sanitized form of the clone URL.
type Strategy struct {
	REST      *rest.Strategy
	Templates *render.Template
	CacheRoot string
	// CloneTimeout bounds each clone/fetch invocation.
	CloneTimeout time.Duration
}

func New(cacheRoot string) *Strategy {
	return &Strategy{
		REST:         rest.New(),
		Templates:    render.NewTemplate(),
		CacheRoot:    cacheRoot,
		CloneTimeout: 2 * time.Minute,
	}
}

func (s *Strategy) Key() string { return "git-declarative" }

func (s *Strategy) TestConnection(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets) (bool, error) {
	return s.REST.TestConnection(ctx, conn, secrets)
}

func handoffDepth(conn *strategy.Connection) int {
	if raw, ok := conn.Config["git_handoff_depth"]; ok {
		if f, ok := raw.(float64); ok {
			return int(f)
		}
		if i, ok := raw.(int); ok {
			return i
		}
	}
	return defaultHandoffDepth
}

func cloneURLTemplate(conn *strategy.Connection) (string, bool) {
	gitConfig, _ := conn.Config["git_config"].(map[string]any)
	tmpl, ok := gitConfig["clone_url_template"].(string)
	return tmpl, ok && tmpl != ""
}

// BrowsePath delegates to the REST strategy while shallower than the
// blueprint's handoff depth, then switches to listing a local git checkout.
func (s *Strategy) BrowsePath(ctx context.Context, pathParts []string, conn *strategy.Connection, secrets strategy.Secrets) ([]strategy.VFSNode, error) {
	if len(pathParts) < handoffDepth(conn) {
		return s.REST.BrowsePath(ctx, pathParts, conn, secrets)
	}
	if len(pathParts) < 3 {
		return nil, fmt.Errorf("strategy/git: path %v is too shallow for a git checkout", pathParts)
	}

	owner, repoName, branch := pathParts[0], pathParts[1], pathParts[2]
	subPath := strings.Join(pathParts[3:], "/")

	repoDir, err := s.ensureClone(ctx, conn, secrets, owner, repoName, branch)
	if err != nil {
		return nil, err
	}

	target := repoDir
	if subPath != "" {
		target = filepath.Join(repoDir, subPath)
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("strategy/git: listing %s: %w", target, err)
	}

	base := strings.Join(pathParts, "/")
	nodes := make([]strategy.VFSNode, 0, len(entries))
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		if e.IsDir() {
			nodes = append(nodes, strategy.VFSNode{Name: e.Name(), Path: base + "/" + e.Name() + "/", IsDir: true})
		} else {
			nodes = append(nodes, strategy.VFSNode{Name: e.Name(), Path: base + "/" + e.Name(), IsDir: false})
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir
		}
		return nodes[i].Name < nodes[j].Name
	})
	return nodes, nil
}

// GetContent always reads from the local clone; the metadata API is not
// used for raw file retrieval.
func (s *Strategy) GetContent(ctx context.Context, pathParts []string, conn *strategy.Connection, secrets strategy.Secrets) (*strategy.Content, error) {
	if len(pathParts) < 4 {
		return nil, fmt.Errorf("strategy/git: path %v does not identify a file", pathParts)
	}
	owner, repoName, branch := pathParts[0], pathParts[1], pathParts[2]
	filePath := strings.Join(pathParts[3:], "/")

	repoDir, err := s.ensureClone(ctx, conn, secrets, owner, repoName, branch)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(repoDir, filePath))
	if err != nil {
		return nil, fmt.Errorf("strategy/git: reading %s: %w", filePath, err)
	}
	return &strategy.Content{
		Path:     fmt.Sprintf("%s/%s/%s/%s", owner, repoName, branch, filePath),
		Content:  data,
		MimeType: "text/plain",
		Size:     int64(len(data)),
	}, nil
}

// ensureClone clones repoURL into its cache directory if absent, otherwise
// fetches, then checks out and hard-resets to the requested branch.
func (s *Strategy) ensureClone(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets, owner, repoName, branch string) (string, error) {
	tmpl, ok := cloneURLTemplate(conn)
	if !ok {
		return "", fmt.Errorf("strategy/git: connection %q has no git_config.clone_url_template", conn.Alias)
	}
	repoURL, err := s.renderCloneURL(tmpl, owner, repoName, secrets)
	if err != nil {
		return "", err
	}
	repoDir := s.cachePath(repoURL)

	ctx, cancel := context.WithTimeout(ctx, s.CloneTimeout)
	defer cancel()

	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err == nil {
		if err := s.run(ctx, repoDir, "fetch", "origin"); err != nil {
			return "", err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(repoDir), 0o755); err != nil {
			return "", fmt.Errorf("strategy/git: creating cache root: %w", err)
		}
		if err := s.run(ctx, "", "clone", repoURL, repoDir); err != nil {
			return "", err
		}
	}

	if err := s.run(ctx, repoDir, "checkout", branch); err != nil {
		return "", err
	}
	if err := s.run(ctx, repoDir, "reset", "--hard", "origin/"+branch); err != nil {
		return "", err
	}
	return repoDir, nil
}

func (s *Strategy) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("strategy/git: git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

func (s *Strategy) renderCloneURL(tmpl, owner, repoName string, secrets strategy.Secrets) (string, error) {
	secretsMap := make(map[string]any, len(secrets))
	for k, v := range secrets {
		secretsMap[k] = v
	}
	return s.Templates.RenderString(tmpl, map[string]any{
		"owner":     owner,
		"repo_name": repoName,
		"secrets":   secretsMap,
	})
}

// cachePath builds a unique, filesystem-safe directory name for a clone URL.
func (s *Strategy) cachePath(repoURL string) string {
	sanitized := repoURL
	if idx := strings.Index(sanitized, "://"); idx >= 0 {
		sanitized = sanitized[idx+3:]
	}
	sanitized = strings.NewReplacer("/", "_", ":", "_", "@", "_").Replace(sanitized)
	return filepath.Join(s.CacheRoot, sanitized)
}

var (
	_ strategy.PathBrowser   = (*Strategy)(nil)
	_ strategy.ContentReader = (*Strategy)(nil)
)
