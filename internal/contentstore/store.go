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

// Package contentstore implements a permanent, content-addressed object
// store: every value is serialized to canonical JSON, hashed with SHA-256,
// and written once to a 2-level hex-sharded path. Writes are idempotent —
// storing the same value twice is a no-op after the first write — and the
// store never expires or evicts an object, unlike a response cache.
package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	cferrors "github.com/tombee/conductor-flow/pkg/errors"
)

// Store is a SHA-256 content-addressed store rooted at a directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// New constructs a Store rooted at root, creating the directory if needed.
func New(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &cferrors.IOError{Path: root, Op: "mkdir", Cause: err}
	}
	return &Store{root: root, logger: logger}, nil
}

// Hash computes the canonical content hash for v without writing anything,
// used by the scheduler to compute a step's cache key independent of
// whether its output has actually been persisted yet.
func Hash(v any) (string, error) {
	canonical, err := canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Put serializes v to canonical JSON, hashes it, and writes it to the
// sharded path if not already present. Returns the "sha256:<hex>" hash.
func (s *Store) Put(v any) (string, error) {
	canonical, err := canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	digest := hex.EncodeToString(sum[:])
	hash := "sha256:" + digest

	path := s.objectPath(digest)
	if _, err := os.Stat(path); err == nil {
		return hash, nil // already stored, idempotent no-op
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &cferrors.IOError{Path: dir, Op: "mkdir", Cause: err}
	}

	tmp, err := os.CreateTemp(dir, "obj-*.tmp")
	if err != nil {
		return "", &cferrors.IOError{Path: dir, Op: "create-temp", Cause: err}
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(canonical); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", &cferrors.IOError{Path: tmpPath, Op: "write", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", &cferrors.IOError{Path: tmpPath, Op: "close", Cause: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", &cferrors.IOError{Path: path, Op: "rename", Cause: err}
	}

	s.logger.Debug("contentstore.put", "hash", hash, "bytes", len(canonical))
	return hash, nil
}

// Get reads the object stored under hash ("sha256:<hex>") and unmarshals it
// into out.
func (s *Store) Get(hash string, out any) error {
	digest, err := digestOf(hash)
	if err != nil {
		return err
	}
	path := s.objectPath(digest)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cferrors.NotFoundError{Resource: "content object", ID: hash}
		}
		return &cferrors.IOError{Path: path, Op: "read", Cause: err}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &cferrors.IOError{Path: path, Op: "unmarshal", Cause: err}
	}
	return nil
}

// Has reports whether an object for hash is already stored.
func (s *Store) Has(hash string) bool {
	digest, err := digestOf(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(s.objectPath(digest))
	return err == nil
}

// objectPath computes the <2-hex>/<62-hex> sharded path for a digest.
func (s *Store) objectPath(digest string) string {
	return filepath.Join(s.root, digest[:2], digest[2:])
}

func digestOf(hash string) (string, error) {
	const prefix = "sha256:"
	if len(hash) <= len(prefix) || hash[:len(prefix)] != prefix {
		return "", fmt.Errorf("contentstore: malformed hash %q, want %q prefix", hash, prefix)
	}
	return hash[len(prefix):], nil
}

// canonicalize produces a deterministic JSON encoding of v: map keys sorted,
// consistent with the cache-key stability the DAG scheduler depends on.
func canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize walks v, turning maps into sorted-key representations (Go's
// encoding/json already sorts map[string]any keys, so this mainly guards
// against non-JSON-native types such as error or []byte slipping in). Any
// other value that encoding/json cannot marshal is stored as its %v string.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			n, err := normalize(t[k])
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case error:
		return t.Error(), nil
	case []byte:
		return string(t), nil
	default:
		if _, err := json.Marshal(v); err != nil {
			return fmt.Sprintf("%v", v), nil
		}
		return v, nil
	}
}
