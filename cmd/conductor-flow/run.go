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

package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/conductor-flow/internal/cacheindex"
	"github.com/tombee/conductor-flow/internal/config"
	"github.com/tombee/conductor-flow/internal/connres"
	"github.com/tombee/conductor-flow/internal/contentstore"
	"github.com/tombee/conductor-flow/internal/runctx"
	"github.com/tombee/conductor-flow/internal/runmanifest"
	"github.com/tombee/conductor-flow/internal/scheduler"
	"github.com/tombee/conductor-flow/internal/stepexec"
	"github.com/tombee/conductor-flow/internal/strategy"
	"github.com/tombee/conductor-flow/internal/strategy/fs"
	"github.com/tombee/conductor-flow/internal/strategy/git"
	"github.com/tombee/conductor-flow/internal/strategy/oauthrest"
	"github.com/tombee/conductor-flow/internal/strategy/pyexec"
	"github.com/tombee/conductor-flow/internal/strategy/rest"
	"github.com/tombee/conductor-flow/internal/strategy/smartfetch"
	"github.com/tombee/conductor-flow/internal/strategy/sql"
)

func newRunCommand(home *string) *cobra.Command {
	var inputFlags []string
	var concurrency int

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a flow or page document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseInputFlags(inputFlags)
			if err != nil {
				return err
			}
			return runDocument(cmd, args[0], *home, inputs, concurrency)
		},
	}
	cmd.Flags().StringArrayVar(&inputFlags, "input", nil, "input value as key=value (JSON-decoded when possible), repeatable")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "maximum steps to run concurrently within one dependency generation")
	return cmd
}

func parseInputFlags(flags []string) (map[string]any, error) {
	inputs := make(map[string]any, len(flags))
	for _, f := range flags {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("--input %q must be in key=value form", f)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			decoded = value
		}
		inputs[key] = decoded
	}
	return inputs, nil
}

func runDocument(cmd *cobra.Command, path, home string, inputs map[string]any, concurrency int) error {
	doc, err := loadDocument(path)
	if err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	p, err := paths(home)
	if err != nil {
		return err
	}

	store, err := contentstore.New(p.ContentStore, newLogger())
	if err != nil {
		return err
	}
	cache, err := cacheindex.NewSQLiteIndex(cacheindex.SQLiteConfig{
		Path: filepath.Join(p.Home, "cache_index.db"),
		WAL:  true,
	})
	if err != nil {
		return err
	}
	defer cache.Close()

	resolver := connres.NewResolver(p.Connections)
	executor := stepexec.New(newDefaultRegistry(p), resolver)

	sched := scheduler.New(executor, store, cache)
	sched.Concurrency = concurrency

	manifestStore, err := runmanifest.NewFileStore(p.Runs)
	if err != nil {
		return err
	}
	rc := runctx.New(path, inputs)
	manifest := runmanifest.New(rc.RunID, doc.Name, inputs)
	sched.Manifest = manifest

	result, runErr := sched.Run(cmd.Context(), doc, rc)
	manifest.Complete()
	if saveErr := manifestStore.Save(manifest.Snapshot()); saveErr != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to save run manifest: %v\n", saveErr)
	}

	unwrapped := make(map[string]any, len(result))
	for k, v := range result {
		unwrapped[k] = stepexec.UnwrapSingleKey(v)
	}
	encoded, marshalErr := json.MarshalIndent(unwrapped, "", "  ")
	if marshalErr == nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	}

	if runErr != nil {
		return fmt.Errorf("run %s failed: %w", rc.RunID, runErr)
	}
	return nil
}

// newDefaultRegistry assembles every built-in strategy into a fresh
// Registry. Each connection's blueprint selects one by its
// connector_provider_key.
func newDefaultRegistry(p *config.Paths) *strategy.Registry {
	reg := strategy.NewRegistry()
	reg.Register(rest.New())
	reg.Register(oauthrest.New())
	reg.Register(git.New(filepath.Join(p.Home, "git-cache")))
	reg.Register(sql.New())
	reg.Register(fs.New())
	reg.Register(pyexec.New())
	reg.Register(smartfetch.New())
	return reg
}
