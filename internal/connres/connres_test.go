package connres_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor-flow/internal/connres"
)

func writeAlias(t *testing.T, dir, alias, yamlBody, envBody string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, alias+".yaml"), []byte(yamlBody), 0o644))
	if envBody != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, alias+".env"), []byte(envBody), 0o644))
	}
}

func TestResolver_Resolve_ReadsConfigAndLowercasesSecrets(t *testing.T) {
	dir := t.TempDir()
	writeAlias(t, dir, "crm", `
blueprint: acme/crm@1.0.0
connector_provider_key: rest-declarative
config:
  base_url_template: https://api.example.com
`, "TOKEN=abc123\nCLIENT_ID=xyz\n")

	r := connres.NewResolver(dir)
	conn, secrets, err := r.Resolve("user:crm")
	require.NoError(t, err)
	require.Equal(t, "rest-declarative", conn.Key)
	require.Equal(t, "https://api.example.com", conn.Config["base_url_template"])
	require.Equal(t, "abc123", secrets["token"])
	require.Equal(t, "xyz", secrets["client_id"])
}

func TestResolver_Resolve_MissingSecretsFileIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	writeAlias(t, dir, "fs", `
connector_provider_key: fs-declarative
config:
  base_path: /tmp
`, "")

	r := connres.NewResolver(dir)
	_, secrets, err := r.Resolve("user:fs")
	require.NoError(t, err)
	require.Empty(t, secrets)
}

func TestResolver_Resolve_UnknownAliasFails(t *testing.T) {
	r := connres.NewResolver(t.TempDir())
	_, _, err := r.Resolve("user:does-not-exist")
	require.Error(t, err)
}

func TestResolver_Resolve_RejectsNonUserSource(t *testing.T) {
	r := connres.NewResolver(t.TempDir())
	_, _, err := r.Resolve("blueprint:acme/crm@1.0.0")
	require.Error(t, err)
}
