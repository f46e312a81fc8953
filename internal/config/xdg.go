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

package config

import (
	"os"
	"path/filepath"
)

// Home resolves the root data directory for conductor-flow ("cx_home"):
// $CX_HOME, else $XDG_DATA_HOME/conductor-flow, else ~/.local/share/conductor-flow.
// The directory is created if it does not exist.
func Home() (string, error) {
	if home := os.Getenv("CX_HOME"); home != "" {
		if err := os.MkdirAll(home, 0o700); err != nil {
			return "", err
		}
		return home, nil
	}

	var base string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}

	dir := filepath.Join(base, "conductor-flow")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
