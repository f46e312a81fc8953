package strategy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor-flow/internal/strategy"
)

type stubStrategy struct{ key string }

func (s stubStrategy) Key() string { return s.key }
func (s stubStrategy) TestConnection(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets) (bool, error) {
	return true, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := strategy.NewRegistry()
	r.Register(stubStrategy{key: "rest-declarative"})

	s, err := r.Get("rest-declarative")
	require.NoError(t, err)
	require.Equal(t, "rest-declarative", s.Key())
}

func TestRegistry_GetUnknownKeyFails(t *testing.T) {
	r := strategy.NewRegistry()
	_, err := r.Get("does-not-exist")
	require.Error(t, err)
}

func TestRegistry_RegisterReplacesExisting(t *testing.T) {
	r := strategy.NewRegistry()
	r.Register(stubStrategy{key: "sql-sqlite"})
	r.Register(stubStrategy{key: "sql-sqlite"})

	require.Len(t, r.Keys(), 1)
}
