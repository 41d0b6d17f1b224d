// Copyright 2025 The Emissia Authors
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

package standardizer

import (
	"sort"
	"strings"
)

// MapColumns maps actual file headers onto the logical fields of a
// task type ("micro_emission" or "macro_emission"). Exact pattern
// matches win first; a second pass falls back to substring containment
// in either direction. A header assigned in pass one is never
// reassigned.
func (s *Standardizer) MapColumns(taskType string, columns []string) map[string]string {
	m := s.store.Get()
	fields, ok := m.ColumnPatterns[taskType]
	if !ok {
		return nil
	}

	mapping := make(map[string]string)
	used := make(map[string]bool)

	// Deterministic field order so ties resolve the same way every run.
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	// Pass 1: exact pattern match, case-insensitive.
	for _, name := range names {
		for _, pattern := range fields[name].Patterns {
			for _, col := range columns {
				if used[col] {
					continue
				}
				if strings.EqualFold(strings.TrimSpace(col), pattern) {
					mapping[name] = col
					used[col] = true
					break
				}
			}
			if _, done := mapping[name]; done {
				break
			}
		}
	}

	// Pass 2: substring containment either way. Short patterns are too
	// ambiguous to match loosely, so only patterns of 3+ characters
	// participate, and the longest overlap wins.
	for _, name := range names {
		if _, done := mapping[name]; done {
			continue
		}
		bestCol := ""
		bestLen := 0
		for _, pattern := range fields[name].Patterns {
			p := strings.ToLower(pattern)
			if len([]rune(p)) < 3 {
				continue
			}
			for _, col := range columns {
				if used[col] {
					continue
				}
				c := strings.ToLower(strings.TrimSpace(col))
				if strings.Contains(c, p) || strings.Contains(p, c) {
					if len(p) > bestLen {
						bestLen = len(p)
						bestCol = col
					}
				}
			}
		}
		if bestCol != "" {
			mapping[name] = bestCol
			used[bestCol] = true
		}
	}

	return mapping
}

// RequiredColumns returns the logical fields a task type cannot run
// without.
func (s *Standardizer) RequiredColumns(taskType string) []string {
	m := s.store.Get()
	fields, ok := m.ColumnPatterns[taskType]
	if !ok {
		return nil
	}
	var required []string
	for name, f := range fields {
		if f.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return required
}

// HasRequiredColumns reports whether a mapping covers every required
// field of a task type.
func (s *Standardizer) HasRequiredColumns(taskType string, mapping map[string]string) bool {
	for _, name := range s.RequiredColumns(taskType) {
		if mapping[name] == "" {
			return false
		}
	}
	return true
}
