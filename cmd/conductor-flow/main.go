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

// Command conductor-flow is a thin CLI front end for the workflow engine:
// it exists to give the engine a runnable entry point, not to reproduce an
// interactive shell.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/conductor-flow/internal/config"
	"github.com/tombee/conductor-flow/internal/log"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var home string

	cmd := &cobra.Command{
		Use:     "conductor-flow",
		Short:   "Run and inspect declarative data workflows",
		Version: version,
	}
	cmd.PersistentFlags().StringVar(&home, "home", "", "data directory (defaults to $CX_HOME or the XDG data dir)")

	cmd.AddCommand(newRunCommand(&home))
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newCacheCommand(&home))
	return cmd
}

// paths resolves the engine's on-disk layout, honoring an explicit --home
// override before falling back to the environment.
func paths(home string) (*config.Paths, error) {
	if home != "" {
		return config.NewPaths(home), nil
	}
	return config.Load()
}

func newLogger() *slog.Logger {
	return log.New(log.FromEnv())
}
