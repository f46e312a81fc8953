package fs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor-flow/internal/strategy"
	fsstrategy "github.com/tombee/conductor-flow/internal/strategy/fs"
)

func testConn(t *testing.T, base string) *strategy.Connection {
	t.Helper()
	return &strategy.Connection{
		Alias:  "local",
		Key:    "fs-declarative",
		Config: map[string]any{"base_path": base},
	}
}

func TestStrategy_BrowsePath_ListsFoldersBeforeFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "zsubdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0o644))

	s := fsstrategy.New()
	nodes, err := s.BrowsePath(context.Background(), nil, testConn(t, dir), nil)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.True(t, nodes[0].IsDir)
	require.Equal(t, "zsubdir/", nodes[0].Path)
	require.False(t, nodes[1].IsDir)
	require.Equal(t, "a.txt", nodes[1].Path)
}

func TestStrategy_GetContent_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.md"), []byte("# hello"), 0o644))

	s := fsstrategy.New()
	content, err := s.GetContent(context.Background(), []string{"note.md"}, testConn(t, dir), nil)
	require.NoError(t, err)
	require.Equal(t, "# hello", string(content.Content))
	require.Equal(t, "text/markdown", content.MimeType)
}

func TestStrategy_WriteFiles_CreatesNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	s := fsstrategy.New()

	out, err := s.WriteFiles(context.Background(), testConn(t, dir), nil, map[string][]byte{
		"nested/output.txt": []byte("written"),
	})
	require.NoError(t, err)
	require.Equal(t, "success", out.(map[string]any)["status"])

	data, err := os.ReadFile(filepath.Join(dir, "nested", "output.txt"))
	require.NoError(t, err)
	require.Equal(t, "written", string(data))
}

func TestStrategy_AggregateContent_ConcatenatesInSourceOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.txt"), []byte("ONE"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.txt"), []byte("TWO"), 0o644))

	s := fsstrategy.New()
	out, err := s.AggregateContent(context.Background(), testConn(t, dir), nil,
		[]string{"one.txt", "two.txt"}, "")
	require.NoError(t, err)

	m := out.(map[string]any)
	require.Equal(t, 2, m["files_aggregated"])
	content := m["content"].(string)
	require.True(t, indexOf(content, "ONE") < indexOf(content, "TWO"))
}

func TestStrategy_AggregateContent_ExcludesGitAndNodeModules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "node_modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "dep.txt"), []byte("nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("keep"), 0o644))

	s := fsstrategy.New()
	out, err := s.AggregateContent(context.Background(), testConn(t, dir), nil, []string{dir}, "")
	require.NoError(t, err)

	content := out.(map[string]any)["content"].(string)
	require.Contains(t, content, "keep")
	require.NotContains(t, content, "nope")
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
