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

package llm

import "strings"

// DefaultImageModel is the image model used when a tool spec does not pin one.
const DefaultImageModel = "gpt-image-1.5"

// reasoningPrefixes are model families that accept a reasoning parameter and
// default to high effort.
var reasoningPrefixes = []string{"gpt-5", "o1", "o3", "o4", "o5"}

// SupportsReasoning reports whether the model accepts a reasoning parameter.
func SupportsReasoning(model string) bool {
	for _, prefix := range reasoningPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// DefaultReasoningEffort returns the effort applied when a step does not set
// one, or empty when the model takes no reasoning parameter.
func DefaultReasoningEffort(model string) string {
	if SupportsReasoning(model) {
		return "high"
	}
	return ""
}

// DefaultServiceTier returns the service tier applied when a step does not
// set one.
func DefaultServiceTier(model string) string {
	if strings.HasPrefix(model, "gpt-5") {
		return "priority"
	}
	return ""
}

// SupportsImageInput reports whether the model accepts image input parts.
// Computer-use-preview models take only the screenshot stream, never inline
// image parts.
func SupportsImageInput(model string) bool {
	if IsComputerUsePreview(model) {
		return false
	}
	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return true
	}
	return false
}

// IsComputerUsePreview reports whether the model is the computer-use family.
func IsComputerUsePreview(model string) bool {
	return strings.HasPrefix(model, "computer-use-preview")
}

// IsDeepResearch reports whether the model requires a research tool
// (web_search_preview, mcp, or file_search) to be present.
func IsDeepResearch(model string) bool {
	return strings.Contains(model, "deep-research")
}

// IsImageGeneration reports whether the model runs on the image API rather
// than the responses API.
func IsImageGeneration(model string) bool {
	return strings.HasPrefix(model, "gpt-image")
}
