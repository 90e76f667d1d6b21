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

package tools

import (
	"fmt"
	"log/slog"

	"github.com/tombee/magnet/pkg/llm"
	"github.com/tombee/magnet/pkg/record"
)

// defaultCodeInterpreterMemoryGB bounds the interpreter container when no
// limit is configured.
const defaultCodeInterpreterMemoryGB = 64

// Validator filters a normalized tool list down to what the provider will
// accept for a given model. Illegal tools are dropped, never fatal.
type Validator struct {
	// ShellConfigured reports whether the shell execution service is
	// reachable; without it shell tools are dropped.
	ShellConfigured bool

	// CodeInterpreterMemoryGB caps the interpreter container.
	CodeInterpreterMemoryGB int

	Logger *slog.Logger
}

// ValidateAndFilter applies the soft-drop rules and returns the effective
// tool list and tool choice. It never returns required with an empty list.
func (v *Validator) ValidateAndFilter(tools []map[string]any, toolChoice record.ToolChoice, model string) ([]map[string]any, record.ToolChoice) {
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hasComputerUse := Has(tools, TypeComputerUsePreview)

	var kept []map[string]any
	for _, tool := range tools {
		switch Type(tool) {
		case TypeFileSearch:
			if !hasVectorStoreIDs(tool) {
				logger.Warn("dropping file_search without vector_store_ids")
				continue
			}
		case TypeShell:
			if !v.ShellConfigured {
				logger.Warn("dropping shell tool, execution service not configured")
				continue
			}
		case TypeCodeInterpreter:
			if hasComputerUse {
				logger.Warn("dropping code_interpreter, incompatible with computer_use_preview")
				continue
			}
			tool = v.applyCodeInterpreterContainer(tool)
		case TypeComputerUsePreview:
			// The provider rejects a container field here.
			delete(tool, "container")
		}
		kept = append(kept, tool)
	}

	if llm.IsDeepResearch(model) && !hasResearchTool(kept) {
		logger.Info("injecting web_search_preview for deep research model", "model", model)
		kept = append(kept, map[string]any{"type": TypeWebSearchPreview})
	}

	if toolChoice == record.ToolChoiceRequired && len(kept) == 0 {
		logger.Warn("downgrading tool_choice required, no tools survived filtering")
		toolChoice = record.ToolChoiceAuto
	}

	return kept, toolChoice
}

func (v *Validator) applyCodeInterpreterContainer(tool map[string]any) map[string]any {
	limitGB := v.CodeInterpreterMemoryGB
	if limitGB <= 0 {
		limitGB = defaultCodeInterpreterMemoryGB
	}
	tool["container"] = map[string]any{
		"type":         "auto",
		"memory_limit": fmt.Sprintf("%dg", limitGB),
	}
	return tool
}

func hasVectorStoreIDs(tool map[string]any) bool {
	ids, ok := tool["vector_store_ids"].([]any)
	if !ok {
		if strIDs, ok := tool["vector_store_ids"].([]string); ok {
			return len(strIDs) > 0
		}
		return false
	}
	for _, id := range ids {
		if s, ok := id.(string); ok && s != "" {
			return true
		}
	}
	return false
}

func hasResearchTool(tools []map[string]any) bool {
	for _, tool := range tools {
		switch Type(tool) {
		case TypeWebSearchPreview, TypeMCP, TypeFileSearch:
			return true
		}
	}
	return false
}
