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

package secrets

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Masker detects and masks secret values in strings and data structures
// before they reach logs, live previews, or webhook payloads.
type Masker struct {
	// patterns are key suffixes that indicate a secret value.
	patterns []string

	// values holds known secret values to mask.
	values map[string]bool
}

// NewMasker creates a masker with the default key patterns.
func NewMasker() *Masker {
	return &Masker{
		patterns: []string{
			"_TOKEN",
			"_SECRET",
			"_KEY",
			"_PASSWORD",
			"_SID",
		},
		values: make(map[string]bool),
	}
}

// AddValue registers a value to be masked wherever it appears.
func (m *Masker) AddValue(value string) {
	if value != "" {
		m.values[value] = true
	}
}

// AddFromEnv registers values of environment entries whose keys match a
// secret pattern.
func (m *Masker) AddFromEnv(env map[string]string) {
	for key, value := range env {
		if m.isSecretKey(key) && value != "" {
			m.values[value] = true
		}
	}
}

func (m *Masker) isSecretKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, pattern := range m.patterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// Mask replaces all known secret values in s with "***".
func (m *Masker) Mask(s string) string {
	result := s
	for value := range m.values {
		if strings.Contains(result, value) {
			result = strings.ReplaceAll(result, value, "***")
		}
	}
	return result
}

// MaskMap returns a copy of data with secrets masked recursively.
func (m *Masker) MaskMap(data map[string]any) map[string]any {
	result := make(map[string]any, len(data))
	for k, v := range data {
		result[k] = m.maskValue(v)
	}
	return result
}

func (m *Masker) maskValue(v any) any {
	switch val := v.(type) {
	case string:
		return m.Mask(val)
	case map[string]any:
		return m.MaskMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = m.maskValue(item)
		}
		return result
	case json.Number, bool, nil:
		return val
	default:
		return m.Mask(fmt.Sprintf("%v", val))
	}
}
