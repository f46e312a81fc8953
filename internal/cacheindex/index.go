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

// Package cacheindex answers whether a step's cache key has already
// completed in a prior run. Two implementations satisfy the same Index
// contract: ManifestScanner (the reference algorithm — linear scan of the
// most recent manifests) and SQLiteIndex (a dedicated lookup table for
// installations with enough run history that scanning stops being cheap).
package cacheindex

import (
	"github.com/tombee/conductor-flow/internal/runctx"
)

// Index finds a completed step result for a cache key. Absence is a cache
// miss, never an error.
type Index interface {
	FindCompleted(cacheKey string) (result *runctx.StepResult, hit bool, err error)
}
