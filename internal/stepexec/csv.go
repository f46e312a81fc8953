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

package stepexec

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
)

// marshalCSV renders a slice of row mappings into CSV bytes. The header row
// is the sorted union of every row's keys so column order is deterministic
// across runs even when rows don't share an identical key set.
func marshalCSV(input any) ([]byte, error) {
	rows, ok := input.([]any)
	if !ok {
		return nil, fmt.Errorf("csv artifact input must be a list of records, got %T", input)
	}

	columns := map[string]struct{}{}
	records := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("csv artifact record must be a mapping, got %T", r)
		}
		for k := range row {
			columns[k] = struct{}{}
		}
		records = append(records, row)
	}

	header := make([]string, 0, len(columns))
	for c := range columns {
		header = append(header, c)
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, row := range records {
		rec := make([]string, len(header))
		for i, col := range header {
			if v, ok := row[col]; ok {
				rec[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
