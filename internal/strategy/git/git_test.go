package git_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor-flow/internal/strategy"
	gitstrategy "github.com/tombee/conductor-flow/internal/strategy/git"
)

func requireGitBinary(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// newBareOrigin creates a local git repository with one commit on "main"
// and returns its filesystem path, usable as a clone URL.
func newBareOrigin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t.com",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t.com")
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestStrategy_GetContent_ReadsFileFromClone(t *testing.T) {
	requireGitBinary(t)
	origin := newBareOrigin(t)

	s := gitstrategy.New(t.TempDir())
	conn := &strategy.Connection{
		Alias: "repo",
		Key:   "git-declarative",
		Config: map[string]any{
			"git_config": map[string]any{"clone_url_template": origin},
		},
	}

	content, err := s.GetContent(context.Background(), []string{"acme", "widgets", "main", "README.md"}, conn, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", string(content.Content))
}

func TestStrategy_BrowsePath_ListsClonedFiles(t *testing.T) {
	requireGitBinary(t)
	origin := newBareOrigin(t)

	s := gitstrategy.New(t.TempDir())
	conn := &strategy.Connection{
		Alias: "repo",
		Key:   "git-declarative",
		Config: map[string]any{
			"git_config":        map[string]any{"clone_url_template": origin},
			"git_handoff_depth": float64(3),
		},
	}

	nodes, err := s.BrowsePath(context.Background(), []string{"acme", "widgets", "main"}, conn, nil)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "README.md", nodes[0].Name)
}
