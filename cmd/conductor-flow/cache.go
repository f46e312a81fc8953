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
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tombee/conductor-flow/internal/cacheindex"
)

func newCacheCommand(home *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the step output cache",
	}
	cmd.AddCommand(newCacheStatCommand(home))
	return cmd
}

func newCacheStatCommand(home *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Report how many step results are cached and their age range",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := paths(*home)
			if err != nil {
				return err
			}
			idx, err := cacheindex.NewSQLiteIndex(cacheindex.SQLiteConfig{
				Path: filepath.Join(p.Home, "cache_index.db"),
				WAL:  true,
			})
			if err != nil {
				return err
			}
			defer idx.Close()

			stats, err := idx.Stats()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "total entries:     %d\n", stats.TotalEntries)
			fmt.Fprintf(out, "completed entries: %d\n", stats.CompletedEntries)
			if stats.OldestEntry != "" {
				fmt.Fprintf(out, "oldest entry:      %s\n", stats.OldestEntry)
				fmt.Fprintf(out, "newest entry:      %s\n", stats.NewestEntry)
			}
			return nil
		},
	}
}
