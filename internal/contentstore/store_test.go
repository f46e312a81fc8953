package contentstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor-flow/internal/contentstore"
)

func newStore(t *testing.T) *contentstore.Store {
	t.Helper()
	s, err := contentstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestPut_IsIdempotentAndShardsByHash(t *testing.T) {
	s := newStore(t)

	h1, err := s.Put(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	require.True(t, s.Has(h1))

	h2, err := s.Put(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, h1, h2, "key order must not affect hash (canonical JSON)")
}

func TestGet_RoundTrips(t *testing.T) {
	s := newStore(t)

	type payload struct {
		Name string `json:"name"`
		Rows []int  `json:"rows"`
	}

	hash, err := s.Put(map[string]any{"name": "ada", "rows": []any{1, 2, 3}})
	require.NoError(t, err)

	var out payload
	require.NoError(t, s.Get(hash, &out))
	require.Equal(t, "ada", out.Name)
	require.Equal(t, []int{1, 2, 3}, out.Rows)
}

func TestGet_MissingReturnsNotFound(t *testing.T) {
	s := newStore(t)
	err := s.Get("sha256:"+"0000000000000000000000000000000000000000000000000000000000000000"[:64], nil)
	require.Error(t, err)
}

func TestHash_MatchesPut(t *testing.T) {
	s := newStore(t)
	v := map[string]any{"x": 1}

	expected, err := contentstore.Hash(v)
	require.NoError(t, err)

	actual, err := s.Put(v)
	require.NoError(t, err)
	require.Equal(t, expected, actual)
}
