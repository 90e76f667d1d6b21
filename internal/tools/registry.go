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

// Package tools canonicalizes the tools a step requests and decides what is
// legal to forward to the provider. Normalization and filtering are pure and
// deterministic; this package is the single source of tool shape.
package tools

import (
	"log/slog"

	"github.com/tombee/magnet/pkg/llm"
)

// Known tool types.
const (
	TypeWebSearch          = "web_search"
	TypeWebSearchPreview   = "web_search_preview"
	TypeFileSearch         = "file_search"
	TypeCodeInterpreter    = "code_interpreter"
	TypeComputerUsePreview = "computer_use_preview"
	TypeImageGeneration    = "image_generation"
	TypeShell              = "shell"
	TypeFunction           = "function"
	TypeMCP                = "mcp"
)

// imageEnumValues are the accepted values for image generation knobs.
// Anything else coerces to auto.
var imageEnumValues = map[string]map[string]bool{
	"size":       {"auto": true, "1024x1024": true, "1024x1536": true, "1536x1024": true},
	"quality":    {"auto": true, "low": true, "medium": true, "high": true},
	"background": {"auto": true, "transparent": true, "opaque": true},
}

// Normalize accepts a step's raw tool list, each entry either a string tool
// type or an object, and produces object form with defaults filled in.
// Unknown entries pass through untouched; the validator decides legality.
func Normalize(raw []any, logger *slog.Logger) []map[string]any {
	if logger == nil {
		logger = slog.Default()
	}

	var out []map[string]any
	for _, entry := range raw {
		switch v := entry.(type) {
		case string:
			if v == "" {
				continue
			}
			out = append(out, normalizeObject(map[string]any{"type": v}, logger))
		case map[string]any:
			if t, _ := v["type"].(string); t == "" {
				logger.Warn("dropping tool without a type")
				continue
			}
			out = append(out, normalizeObject(cloneTool(v), logger))
		default:
			logger.Warn("dropping tool with unsupported shape")
		}
	}
	return out
}

func normalizeObject(tool map[string]any, logger *slog.Logger) map[string]any {
	toolType, _ := tool["type"].(string)
	if toolType != TypeImageGeneration {
		return tool
	}

	for _, knob := range []string{"size", "quality", "background"} {
		value, ok := tool[knob].(string)
		if !ok || value == "" {
			tool[knob] = "auto"
			continue
		}
		if !imageEnumValues[knob][value] {
			logger.Warn("coercing invalid image generation option to auto",
				"option", knob, "value", value)
			tool[knob] = "auto"
		}
	}
	if model, ok := tool["model"].(string); !ok || model == "" {
		tool["model"] = llm.DefaultImageModel
	}
	return tool
}

func cloneTool(tool map[string]any) map[string]any {
	out := make(map[string]any, len(tool))
	for k, v := range tool {
		out[k] = v
	}
	return out
}

// Type returns the tool's type field.
func Type(tool map[string]any) string {
	t, _ := tool["type"].(string)
	return t
}

// Has reports whether the list contains a tool of the given type.
func Has(tools []map[string]any, toolType string) bool {
	for _, tool := range tools {
		if Type(tool) == toolType {
			return true
		}
	}
	return false
}
