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

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/magnet/pkg/record"
)

func TestBuildParamsAutonomyPreamble(t *testing.T) {
	p := BuildParams(BuildRequest{Model: "gpt-5", Instructions: "Summarize the form."})
	assert.True(t, strings.HasPrefix(p.Instructions, AutonomyPreamble))
	assert.Contains(t, p.Instructions, "Summarize the form.")

	// Idempotent: a preamble already present is not doubled.
	again := BuildParams(BuildRequest{Model: "gpt-5", Instructions: p.Instructions})
	assert.Equal(t, 1, strings.Count(again.Instructions, "NO user interaction"))
}

func TestBuildParamsReasoningDefaults(t *testing.T) {
	p := BuildParams(BuildRequest{Model: "gpt-5"})
	require.NotNil(t, p.Reasoning)
	assert.Equal(t, "high", p.Reasoning.Effort)
	assert.Equal(t, "priority", p.ServiceTier)

	p = BuildParams(BuildRequest{Model: "o3-mini", ReasoningEffort: "low"})
	require.NotNil(t, p.Reasoning)
	assert.Equal(t, "low", p.Reasoning.Effort)
	assert.Empty(t, p.ServiceTier)

	p = BuildParams(BuildRequest{Model: "gpt-4o"})
	assert.Nil(t, p.Reasoning)
}

func TestBuildParamsJSONObjectRequiresJSONMention(t *testing.T) {
	p := BuildParams(BuildRequest{
		Model:        "gpt-5",
		InputText:    "Summarize the submission.",
		OutputFormat: &record.OutputFormat{Type: "json_object"},
	})
	input, ok := p.Input.(string)
	require.True(t, ok)
	assert.Contains(t, input, "JSON format")

	p = BuildParams(BuildRequest{
		Model:        "gpt-5",
		InputText:    "Respond as json.",
		OutputFormat: &record.OutputFormat{Type: "json_object"},
	})
	input, ok = p.Input.(string)
	require.True(t, ok)
	assert.NotContains(t, input, "JSON format.")
}

func TestBuildParamsRequiredNeverSentWithoutTools(t *testing.T) {
	p := BuildParams(BuildRequest{Model: "gpt-5", ToolChoice: record.ToolChoiceRequired})
	assert.Empty(t, p.ToolChoice)

	p = BuildParams(BuildRequest{
		Model:      "gpt-5",
		ToolChoice: record.ToolChoiceRequired,
		Tools:      []map[string]any{{"type": "web_search_preview"}},
	})
	assert.Equal(t, "required", p.ToolChoice)
}

func TestBuildParamsMultimodal(t *testing.T) {
	req := BuildRequest{
		Model:             "gpt-5",
		InputText:         "Describe the images.",
		Tools:             []map[string]any{{"type": "image_generation"}},
		PreviousImageURLs: []string{"https://cdn.example/a.png", "", "https://cdn.example/b.png"},
	}
	p := BuildParams(req)

	items, ok := p.Input.([]InputItem)
	require.True(t, ok)
	require.Len(t, items, 1)
	require.Len(t, items[0].Content, 3)
	assert.Equal(t, "input_text", items[0].Content[0].Type)
	assert.Equal(t, "input_image", items[0].Content[1].Type)
	assert.Equal(t, "https://cdn.example/a.png", items[0].Content[1].ImageURL)
}

func TestBuildParamsNoMultimodalWithoutImageGenerationTool(t *testing.T) {
	p := BuildParams(BuildRequest{
		Model:             "gpt-5",
		InputText:         "text only",
		PreviousImageURLs: []string{"https://cdn.example/a.png"},
	})
	_, isString := p.Input.(string)
	assert.True(t, isString)
}

func TestBuildParamsComputerUseNeverMultimodal(t *testing.T) {
	p := BuildParams(BuildRequest{
		Model:             "computer-use-preview",
		InputText:         "open the site",
		HasComputerUse:    true,
		Tools:             []map[string]any{{"type": "computer_use_preview"}, {"type": "image_generation"}},
		PreviousImageURLs: []string{"https://cdn.example/a.png"},
	})
	_, isString := p.Input.(string)
	assert.True(t, isString)
}

func TestBuildParamsMaxOutputTokensBoxed(t *testing.T) {
	p := BuildParams(BuildRequest{Model: "gpt-5", MaxOutputTokens: float64(2048)})
	assert.Equal(t, 2048, p.MaxOutputTokens)

	p = BuildParams(BuildRequest{Model: "gpt-5", MaxOutputTokens: "not a number"})
	assert.Zero(t, p.MaxOutputTokens)

	p = BuildParams(BuildRequest{Model: "gpt-5", MaxOutputTokens: -5})
	assert.Zero(t, p.MaxOutputTokens)
}

func TestBuildParamsCodeInterpreterInclude(t *testing.T) {
	p := BuildParams(BuildRequest{
		Model: "gpt-5",
		Tools: []map[string]any{{"type": "code_interpreter", "container": map[string]any{"type": "auto"}}},
	})
	assert.Contains(t, p.Include, "code_interpreter_call.outputs")
}
