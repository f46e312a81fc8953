package runmanifest_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor-flow/internal/runctx"
	"github.com/tombee/conductor-flow/internal/runmanifest"
)

func TestFileStore_SaveThenLoad_RoundTrips(t *testing.T) {
	store, err := runmanifest.NewFileStore(t.TempDir())
	require.NoError(t, err)

	acc := runmanifest.New("run1", "flow.yaml", map[string]any{"customer_id": "abc"})
	acc.RecordStep(&runctx.StepResult{StepID: "a", Status: "completed", CacheKey: "sha256:k", OutputHash: "sha256:o"})
	acc.Complete()

	require.NoError(t, store.Save(acc.Snapshot()))

	loaded, err := store.Load("run1")
	require.NoError(t, err)
	require.Equal(t, "completed", loaded.Status)
	require.Len(t, loaded.Steps, 1)
	require.Equal(t, "a", loaded.Steps[0].StepID)
}

func TestFileStore_Load_MissingRunIsNotFound(t *testing.T) {
	store, err := runmanifest.NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("does-not-exist")
	require.Error(t, err)
}
