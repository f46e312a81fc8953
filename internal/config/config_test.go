package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor-flow/internal/config"
)

func TestNewPaths(t *testing.T) {
	p := config.NewPaths("/tmp/cx-home")

	require.Equal(t, "/tmp/cx-home", p.Home)
	require.Equal(t, filepath.Join("/tmp/cx-home", "content"), p.ContentStore)
	require.Equal(t, filepath.Join("/tmp/cx-home", "runs"), p.Runs)
	require.Equal(t, filepath.Join("/tmp/cx-home", "connections"), p.Connections)
	require.Equal(t, filepath.Join("/tmp/cx-home", "blueprints"), p.Blueprints)
}

func TestLoad_RespectsCXHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CX_HOME", dir)

	p, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, dir, p.Home)
}
