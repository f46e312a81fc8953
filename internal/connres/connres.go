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

// Package connres resolves a connection source string into a strategy
// Connection plus its secrets. Only the "user:<alias>" source form is
// handled here — blueprint package download and a credential vault backend
// are external collaborators outside this engine's scope; this resolver
// reads the connection's already-materialized local file.
package connres

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tombee/conductor-flow/internal/strategy"
	cferrors "github.com/tombee/conductor-flow/pkg/errors"
)

// connectionFile is the on-disk shape of one user:<alias> connection
// definition: the blueprint reference plus the strategy's own config block.
// blueprint.cx.yaml resolution and remote fetch are out of this engine's
// scope, so BlueprintRef is recorded but not dereferenced — config is
// expected to already carry whatever the blueprint's browse_config/
// oauth_config/git_config would have supplied.
type connectionFile struct {
	BlueprintRef string         `yaml:"blueprint"`
	ProviderKey  string         `yaml:"connector_provider_key"`
	Config       map[string]any `yaml:"config"`
}

// Resolver reads connection definitions and co-located secrets files from a
// directory, one file pair per alias: "<alias>.yaml" and "<alias>.env".
type Resolver struct {
	ConnectionsDir string
}

func NewResolver(connectionsDir string) *Resolver {
	return &Resolver{ConnectionsDir: connectionsDir}
}

// Resolve turns a "user:<alias>" source into a Connection and its lowercased
// secrets map. The secrets file is optional; a missing one resolves to an
// empty map rather than an error.
func (r *Resolver) Resolve(source string) (*strategy.Connection, strategy.Secrets, error) {
	alias, ok := strings.CutPrefix(source, "user:")
	if !ok {
		return nil, nil, fmt.Errorf("connres: unsupported connection source %q, expected \"user:<alias>\"", source)
	}
	if alias == "" {
		return nil, nil, fmt.Errorf("connres: connection source %q has an empty alias", source)
	}

	def, err := r.readConnectionFile(alias)
	if err != nil {
		return nil, nil, err
	}
	if def.ProviderKey == "" {
		return nil, nil, fmt.Errorf("connres: connection %q has no connector_provider_key", alias)
	}

	secrets, err := r.readSecrets(alias)
	if err != nil {
		return nil, nil, err
	}

	conn := &strategy.Connection{
		Alias:  alias,
		Key:    def.ProviderKey,
		Config: def.Config,
	}
	return conn, secrets, nil
}

func (r *Resolver) readConnectionFile(alias string) (*connectionFile, error) {
	path, err := r.findAliasFile(alias, ".yaml", ".yml")
	if err != nil {
		return nil, &cferrors.NotFoundError{Resource: "connection", ID: alias}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("connres: reading %s: %w", path, err)
	}
	var def connectionFile
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("connres: parsing %s: %w", path, err)
	}
	if def.Config == nil {
		def.Config = make(map[string]any)
	}
	return &def, nil
}

func (r *Resolver) readSecrets(alias string) (strategy.Secrets, error) {
	path, err := r.findAliasFile(alias, ".env")
	if err != nil {
		return strategy.Secrets{}, nil
	}

	raw, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("connres: parsing secrets for %q: %w", alias, err)
	}
	secrets := make(strategy.Secrets, len(raw))
	for k, v := range raw {
		secrets[strings.ToLower(k)] = v
	}
	return secrets, nil
}

func (r *Resolver) findAliasFile(alias string, exts ...string) (string, error) {
	for _, ext := range exts {
		path := filepath.Join(r.ConnectionsDir, alias+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("connres: no file found for alias %q with extensions %v", alias, exts)
}
