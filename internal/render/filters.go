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

package render

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// defaultFuncMap returns the filter/global set available to every template
// expression: sqlquote mirrors the original engine's sql_quote_filter
// (single-quote escaping for inline SQL interpolation, NULL for nil), sha256_hex and
// b64decode cover content-store-adjacent hashing/encoding, rstrip trims
// trailing whitespace, and now() is the clock global used by schedule-
// aware flows.
func defaultFuncMap() template.FuncMap {
	return template.FuncMap{
		"sqlquote":  sqlQuote,
		"sha256_hex": sha256Hex,
		"b64decode":  base64Decode,
		"rstrip":     rstrip,
		"now":        now,
	}
}

func sqlQuote(v any) string {
	if v == nil {
		return "NULL"
	}
	s := fmt.Sprintf("%v", v)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func sha256Hex(v any) string {
	s := fmt.Sprintf("%v", v)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func base64Decode(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("b64decode: %w", err)
	}
	return string(b), nil
}

func rstrip(s string) string {
	return strings.TrimRight(s, " \t\n\r")
}

// now returns the current time, optionally located in the named IANA
// timezone (now("UTC"), now("America/New_York")).
func now(tz ...string) (time.Time, error) {
	t := time.Now()
	if len(tz) == 0 || tz[0] == "" {
		return t, nil
	}
	loc, err := time.LoadLocation(tz[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("now: unknown timezone %q: %w", tz[0], err)
	}
	return t.In(loc), nil
}
